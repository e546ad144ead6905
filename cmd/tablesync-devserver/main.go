// Package main implements tablesync-devserver, a local emulation of the
// table service REST API backed by SQLite. Point tablesync at it with
// --endpoint http://localhost:8080/repo/v1.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/arkilian/tablesync/internal/app"
	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		addr        string
		dbPath      string
		jobDelay    time.Duration
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&addr, "addr", "", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "", "SQLite database file; empty keeps everything in memory")
	flag.DurationVar(&jobDelay, "job-delay", -1, "How long asynchronous jobs report PROCESSING")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tablesync-devserver - local table service for development and tests\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tablesync-devserver [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tablesync-devserver --addr :8080\n")
		fmt.Fprintf(os.Stderr, "  tablesync-devserver --db /tmp/tables.db --job-delay 2s\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TABLESYNC_DEVSERVER_ADDR       HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  TABLESYNC_DEVSERVER_DB_PATH    SQLite database file\n")
		fmt.Fprintf(os.Stderr, "  TABLESYNC_DEVSERVER_JOB_DELAY  Asynchronous job delay\n")
		fmt.Fprintf(os.Stderr, "  TABLESYNC_STORAGE_TYPE         Staging storage for external uploads (local, s3)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("tablesync-devserver version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, addr, dbPath, jobDelay, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(level)
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create devserver", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start devserver", "error", err)
		os.Exit(1)
	}
	logger.Info("devserver listening",
		"addr", application.Addr(),
		"db", cfg.DevServer.DBPath,
		"storage", cfg.Storage.Type,
		"version", version)

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, addr, dbPath string, jobDelay time.Duration, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags win over the file and the environment.
	if addr != "" {
		cfg.DevServer.Addr = addr
	}
	if dbPath != "" {
		cfg.DevServer.DBPath = dbPath
	}
	if jobDelay >= 0 {
		cfg.DevServer.JobDelay = jobDelay
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

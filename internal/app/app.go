// Package app manages the lifecycle of the development server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/devserver"
	"github.com/arkilian/tablesync/internal/logging"
	"github.com/arkilian/tablesync/internal/server"
	"github.com/arkilian/tablesync/internal/storage"
)

// App runs the development server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Shared resources
	staging  storage.Staging
	store    *devserver.Store
	shutdown *server.ShutdownManager

	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg, logger: logging.OrDefault(logger)}, nil
}

// Start opens the database and starts serving. It returns once the listener
// is bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	srv := devserver.New(a.store, devserver.Options{
		PageSize: a.cfg.DevServer.PageSize,
		JobDelay: a.cfg.DevServer.JobDelay,
		Logger:   a.logger,
	})
	a.httpServer = &http.Server{
		Handler:      a.shutdown.Middleware(srv.Handler()),
		ReadTimeout:  a.cfg.DevServer.ReadTimeout,
		WriteTimeout: a.cfg.DevServer.WriteTimeout,
		IdleTimeout:  a.cfg.DevServer.IdleTimeout,
	}
	ln, err := net.Listen("tcp", a.cfg.DevServer.Addr)
	if err != nil {
		a.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.DevServer.Addr, err)
	}
	a.listener = ln
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", "err", err)
		}
	}()

	a.running = true
	a.logger.Info("devserver listening", "addr", ln.Addr().String(), "base_path", devserver.BasePath,
		"db", a.cfg.DevServer.DBPath, "staging", a.cfg.Storage.Type)
	return nil
}

// initSharedResources opens the staging storage, the database and the
// shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error
	a.staging, err = storage.FromConfig(ctx, a.cfg.Storage, a.cfg.HTTP.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to initialize staging storage: %w", err)
	}

	a.store, err = devserver.OpenStore(a.cfg.DevServer.DBPath, a.staging)
	if err != nil {
		return err
	}

	cfg := server.DefaultShutdownConfig()
	cfg.Logger = a.logger
	a.shutdown = server.NewShutdownManager(cfg)
	a.shutdown.RegisterCloser(a.store)
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the server down and closes the database.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Info("devserver stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal arrives or ctx is done, then
// stops the server.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}

// cleanup releases resources after a failed start.
func (a *App) cleanup() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

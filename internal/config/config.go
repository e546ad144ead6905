// Package config provides unified configuration for tablesync clients and the
// development server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/tablesync/pkg/types"
)

// Transfer defaults.
const (
	DefaultInsertSizeByte = 900 * 1024 * 1024
	DefaultUpdateSizeByte = 19 * 1024 * 1024 / 10
	DefaultRowsPerQuery   = 50000
	DefaultJobTimeout     = 600 * time.Second
	DefaultPollInterval   = time.Second
)

// StorageType selects where CSV chunks are staged before registration.
type StorageType string

const (
	StorageNone  StorageType = "none"
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
)

// Config holds the unified configuration for tablesync.
type Config struct {
	// Endpoint is the base URL of the table service REST API
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AuthToken is sent as a bearer token on every request
	AuthToken string `json:"auth_token" yaml:"auth_token"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// HTTP client configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Transfer sizing and job polling
	Transfer TransferConfig `json:"transfer" yaml:"transfer"`

	// CSV format of uploaded files
	CSV types.CsvTableDescriptor `json:"csv" yaml:"csv"`

	// Storage configuration for staged uploads
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// DevServer configuration
	DevServer DevServerConfig `json:"dev_server" yaml:"dev_server"`
}

// HTTPConfig holds REST client configuration.
type HTTPConfig struct {
	// Timeout bounds a single request
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RateLimit is the sustained request rate per second; 0 disables limiting
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the burst size of the rate limiter
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`

	// MaxRetries is the number of retries on transient failures
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// TransferConfig holds chunking and job configuration.
type TransferConfig struct {
	// InsertSizeByte is the per-chunk byte budget for CSV uploads
	InsertSizeByte int64 `json:"insert_size_byte" yaml:"insert_size_byte"`

	// UpdateSizeByte is the per-transaction byte budget for partial row updates
	UpdateSizeByte int64 `json:"update_size_byte" yaml:"update_size_byte"`

	// RowsPerQuery is the number of incoming rows matched per lookup query
	RowsPerQuery int `json:"rows_per_query" yaml:"rows_per_query"`

	// JobTimeout bounds the wait for one asynchronous job
	JobTimeout time.Duration `json:"job_timeout" yaml:"job_timeout"`

	// PollInterval is the delay between job status checks
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// TempDir holds chunk files while they are uploaded
	TempDir string `json:"temp_dir" yaml:"temp_dir"`
}

// StorageConfig holds staged upload configuration.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type StorageType `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// StorageLocationID is the server-side storage location of staged files
	StorageLocationID int64 `json:"storage_location_id" yaml:"storage_location_id"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to every staged object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DevServerConfig holds configuration of the local development server.
type DevServerConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	// DBPath is the sqlite database file; empty means in-memory
	DBPath string `json:"db_path" yaml:"db_path"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// JobDelay is how long jobs report PROCESSING before completing
	JobDelay time.Duration `json:"job_delay" yaml:"job_delay"`

	// PageSize is the number of rows per query result page
	PageSize int `json:"page_size" yaml:"page_size"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:8080/repo/v1",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Timeout:    60 * time.Second,
			RateLimit:  10,
			RateBurst:  20,
			MaxRetries: 3,
		},
		Transfer: TransferConfig{
			InsertSizeByte: DefaultInsertSizeByte,
			UpdateSizeByte: DefaultUpdateSizeByte,
			RowsPerQuery:   DefaultRowsPerQuery,
			JobTimeout:     DefaultJobTimeout,
			PollInterval:   DefaultPollInterval,
		},
		CSV: types.DefaultCsvTableDescriptor(),
		Storage: StorageConfig{
			Type: StorageNone,
		},
		DevServer: DevServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Resolve fills derived defaults.
func (c *Config) Resolve() {
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Transfer.TempDir == "" {
		c.Transfer.TempDir = os.TempDir()
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageNone
	}
	if c.Storage.Type == StorageLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.Transfer.TempDir, "tablesync-staging")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.Transfer.InsertSizeByte <= 0 {
		return fmt.Errorf("transfer.insert_size_byte must be positive, got %d", c.Transfer.InsertSizeByte)
	}
	if c.Transfer.UpdateSizeByte <= 0 {
		return fmt.Errorf("transfer.update_size_byte must be positive, got %d", c.Transfer.UpdateSizeByte)
	}
	if c.Transfer.RowsPerQuery <= 0 {
		return fmt.Errorf("transfer.rows_per_query must be positive, got %d", c.Transfer.RowsPerQuery)
	}
	if c.Transfer.JobTimeout <= 0 {
		return fmt.Errorf("transfer.job_timeout must be positive, got %s", c.Transfer.JobTimeout)
	}
	if c.Transfer.PollInterval <= 0 {
		return fmt.Errorf("transfer.poll_interval must be positive, got %s", c.Transfer.PollInterval)
	}

	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative, got %d", c.HTTP.MaxRetries)
	}

	if err := c.CSV.Validate(); err != nil {
		return err
	}

	switch c.Storage.Type {
	case StorageNone, StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when storage type is s3")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local, or s3)", c.Storage.Type)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TABLESYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TABLESYNC_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("TABLESYNC_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("TABLESYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// HTTP configuration
	if v := os.Getenv("TABLESYNC_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("TABLESYNC_HTTP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HTTP.RateLimit = f
		}
	}
	if v := os.Getenv("TABLESYNC_HTTP_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxRetries)
	}

	// Transfer configuration
	if v := os.Getenv("TABLESYNC_INSERT_SIZE_BYTE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.InsertSizeByte)
	}
	if v := os.Getenv("TABLESYNC_UPDATE_SIZE_BYTE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.UpdateSizeByte)
	}
	if v := os.Getenv("TABLESYNC_ROWS_PER_QUERY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Transfer.RowsPerQuery)
	}
	if v := os.Getenv("TABLESYNC_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transfer.JobTimeout = d
		}
	}
	if v := os.Getenv("TABLESYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transfer.PollInterval = d
		}
	}
	if v := os.Getenv("TABLESYNC_TEMP_DIR"); v != "" {
		cfg.Transfer.TempDir = v
	}

	// Storage configuration
	if v := os.Getenv("TABLESYNC_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = StorageType(v)
	}
	if v := os.Getenv("TABLESYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TABLESYNC_STORAGE_LOCATION_ID"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.StorageLocationID)
	}
	if v := os.Getenv("TABLESYNC_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TABLESYNC_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}
	if v := os.Getenv("TABLESYNC_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TABLESYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TABLESYNC_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Dev server configuration
	if v := os.Getenv("TABLESYNC_DEVSERVER_ADDR"); v != "" {
		cfg.DevServer.Addr = v
	}
	if v := os.Getenv("TABLESYNC_DEVSERVER_DB_PATH"); v != "" {
		cfg.DevServer.DBPath = v
	}
	if v := os.Getenv("TABLESYNC_DEVSERVER_JOB_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DevServer.JobDelay = d
		}
	}
	if v := os.Getenv("TABLESYNC_DEVSERVER_PAGE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.DevServer.PageSize)
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Transfer.TempDir}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.DevServer.DBPath != "" {
		dirs = append(dirs, filepath.Dir(c.DevServer.DBPath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

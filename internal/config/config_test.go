package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Transfer.InsertSizeByte != 900*1024*1024 {
		t.Errorf("insert_size_byte = %d", cfg.Transfer.InsertSizeByte)
	}
	if cfg.Transfer.UpdateSizeByte != 1992294 {
		t.Errorf("update_size_byte = %d", cfg.Transfer.UpdateSizeByte)
	}
	if cfg.Transfer.RowsPerQuery != 50000 {
		t.Errorf("rows_per_query = %d", cfg.Transfer.RowsPerQuery)
	}
	if cfg.Transfer.JobTimeout != 600*time.Second {
		t.Errorf("job_timeout = %s", cfg.Transfer.JobTimeout)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero insert budget", func(c *Config) { c.Transfer.InsertSizeByte = 0 }},
		{"zero update budget", func(c *Config) { c.Transfer.UpdateSizeByte = 0 }},
		{"zero rows per query", func(c *Config) { c.Transfer.RowsPerQuery = 0 }},
		{"zero job timeout", func(c *Config) { c.Transfer.JobTimeout = 0 }},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }},
		{"bad separator", func(c *Config) { c.CSV.Separator = ";;" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = StorageS3 }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tablesync.yaml")
	content := `endpoint: https://example.org/repo/v1/
transfer:
  rows_per_query: 100
  job_timeout: 30s
csv:
  separator: "\t"
  quote_character: "\""
  escape_character: "\\"
  line_end: "\n"
  is_first_line_header: true
storage:
  type: s3
  s3:
    bucket: staging
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Endpoint != "https://example.org/repo/v1" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Transfer.RowsPerQuery != 100 {
		t.Errorf("rows_per_query = %d", cfg.Transfer.RowsPerQuery)
	}
	if cfg.Transfer.JobTimeout != 30*time.Second {
		t.Errorf("job_timeout = %s", cfg.Transfer.JobTimeout)
	}
	if cfg.Transfer.InsertSizeByte != DefaultInsertSizeByte {
		t.Errorf("unset fields should keep defaults, insert_size_byte = %d", cfg.Transfer.InsertSizeByte)
	}
	if cfg.CSV.Separator != "\t" {
		t.Errorf("separator = %q", cfg.CSV.Separator)
	}
	if cfg.Storage.S3.Bucket != "staging" {
		t.Errorf("bucket = %q", cfg.Storage.S3.Bucket)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tablesync.toml")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TABLESYNC_ENDPOINT", "http://env/repo/v1")
	t.Setenv("TABLESYNC_ROWS_PER_QUERY", "10")
	t.Setenv("TABLESYNC_JOB_TIMEOUT", "5s")
	t.Setenv("TABLESYNC_STORAGE_TYPE", "local")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	cfg.Resolve()

	if cfg.Endpoint != "http://env/repo/v1" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Transfer.RowsPerQuery != 10 {
		t.Errorf("rows_per_query = %d", cfg.Transfer.RowsPerQuery)
	}
	if cfg.Transfer.JobTimeout != 5*time.Second {
		t.Errorf("job_timeout = %s", cfg.Transfer.JobTimeout)
	}
	if cfg.Storage.Type != StorageLocal || cfg.Storage.Path == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

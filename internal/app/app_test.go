package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/arkilian/tablesync/internal/config"
	"github.com/arkilian/tablesync/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DevServer.Addr = "127.0.0.1:0"
	cfg.DevServer.DBPath = filepath.Join(t.TempDir(), "devserver.db")
	cfg.Transfer.TempDir = t.TempDir()
	return cfg
}

func TestApp_StartStop(t *testing.T) {
	a, err := New(testConfig(t), logging.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}

	resp, err := http.Get("http://" + a.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "ftp"
	if _, err := New(cfg, logging.Discard()); err == nil {
		t.Fatal("New() accepted an invalid storage type")
	}
}

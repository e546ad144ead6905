package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkilian/tablesync/internal/logging"
)

func TestRequestID_EchoesClientID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("request id = %q, header %q; want abc", seen, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("generated request id %q not echoed (%q)", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRecovery(t *testing.T) {
	h := Chain(Recovery(logging.Discard()), RequestID)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Reason == "" {
		t.Error("error body has no reason")
	}
}

func TestShutdownManager_RejectsAfterShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second, Logger: logging.Discard()})
	closed := 0
	sm.RegisterCloser(CloserFunc(func() error { closed++; return nil }))
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status before shutdown = %d", rec.Code)
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Errorf("closer ran %d times, want 1", closed)
	}
	select {
	case <-sm.ShutdownCh():
	default:
		t.Error("shutdown channel not closed")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after shutdown = %d, want 503", rec.Code)
	}
}

func TestShutdownManager_ClosersRunInReverse(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{Logger: logging.Discard()})
	var order []int
	for i := range 3 {
		sm.RegisterCloser(CloserFunc(func() error { order = append(order, i); return nil }))
	}
	failing := errors.New("close me")
	sm.RegisterCloser(CloserFunc(func() error { return failing }))

	err := sm.Shutdown(context.Background(), "test")
	if !errors.Is(err, failing) {
		t.Fatalf("Shutdown() = %v, want %v", err, failing)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("closer order = %v, want [2 1 0]", order)
	}
}

func TestShutdownManager_ListenStopsOnContext(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.ListenForSignals(ctx); err != nil {
		t.Fatal(err)
	}
	if !sm.IsShuttingDown() {
		t.Error("not shutting down after context cancel")
	}
}

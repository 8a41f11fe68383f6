package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

func TestRunServeServesAPIAndShutsDownCleanly(t *testing.T) {
	port := freeTCPPort(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "tracelens.db")
	configPath := filepath.Join(tmpDir, "tracelens.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %q
alerting:
  enabled: false
`, port, dbPath)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() {
		signalNotifyContext = originalSignalNotifyContext
	})

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	resp, err := http.Post(baseURL+"/api/traces", "application/json",
		strings.NewReader(`{"model":"gpt-4o","provider":"openai","latency_ms":420,"tokens":64,"cost_usd":0.002}`))
	if err != nil {
		t.Fatalf("post trace: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post trace status=%d, want %d", resp.StatusCode, http.StatusCreated)
	}

	resp, err = http.Get(baseURL + "/api/metrics/summary")
	if err != nil {
		t.Fatalf("get metrics summary: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics summary status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}

	persisted, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer persisted.Close()

	traces, err := persisted.QueryTraces(context.Background(), store.TraceFilter{Limit: 10})
	if err != nil {
		t.Fatalf("query traces: %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("persisted trace count=%d, want 1", len(traces))
	}
	if traces[0].Model != "gpt-4o" {
		t.Fatalf("persisted model=%q, want gpt-4o", traces[0].Model)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr type %T", listener.Addr())
	}
	return addr.Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for HTTP server at %s", url)
}

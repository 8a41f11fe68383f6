package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracelens/tracelens/internal/store"
)

func TestSeedDemoDataPopulatesStore(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "tracelens.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	var out bytes.Buffer
	counts := seedCounts{Traces: 20, Sessions: 3, Alerts: 4}
	if err := seedDemoData(ctx, s, counts, rand.New(rand.NewSource(1)), &out); err != nil {
		t.Fatalf("seedDemoData() error: %v", err)
	}

	stats, err := s.TraceStats(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("TraceStats() error: %v", err)
	}
	if stats.Count != 20 {
		t.Fatalf("trace count = %d, want 20", stats.Count)
	}

	sessions, err := s.QuerySessions(ctx, store.SessionFilter{})
	if err != nil {
		t.Fatalf("QuerySessions() error: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("session count = %d, want 3", len(sessions))
	}
	for _, session := range sessions {
		spans, err := s.SpansForSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("SpansForSession(%d) error: %v", session.ID, err)
		}
		// one root plus two to five children
		if len(spans) < 3 || len(spans) > 6 {
			t.Fatalf("session %d span count = %d, want 3..6", session.ID, len(spans))
		}
	}

	thresholds, err := s.ListThresholds(ctx, true)
	if err != nil {
		t.Fatalf("ListThresholds() error: %v", err)
	}
	if len(thresholds) != 4 {
		t.Fatalf("threshold count = %d, want 4", len(thresholds))
	}

	alerts, err := s.QueryAlerts(ctx, store.AlertFilter{})
	if err != nil {
		t.Fatalf("QueryAlerts() error: %v", err)
	}
	if len(alerts) != 4 {
		t.Fatalf("alert count = %d, want 4", len(alerts))
	}
}

func TestRunSeedCommand(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "tracelens.db")
	configPath := filepath.Join(tmpDir, "tracelens.yaml")
	configBody := fmt.Sprintf(`storage:
  driver: sqlite
  path: %q
`, dbPath)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runSeed([]string{"--config", configPath, "--traces", "5", "--sessions", "1", "--alerts", "2", "--seed", "7"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runSeed = %d, stderr: %s", code, errOut.String())
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer s.Close()

	stats, err := s.TraceStats(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("TraceStats() error: %v", err)
	}
	if stats.Count != 5 {
		t.Fatalf("trace count = %d, want 5", stats.Count)
	}
}

func TestRunSeedRejectsPositionalArgs(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := runSeed([]string{"extra"}, &out, &errOut); code != 2 {
		t.Fatalf("runSeed = %d, want 2", code)
	}
}

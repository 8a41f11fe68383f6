package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDispatchesVersion(t *testing.T) {
	for _, arg := range []string{"version", "--version", "-v"} {
		if code := run([]string{arg}); code != 0 {
			t.Fatalf("run([%q]) = %d, want 0", arg, code)
		}
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("run([frobnicate]) = %d, want 2", code)
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "tracelens.yaml")
	configBody := `server:
  host: 127.0.0.1
  port: 9321
storage:
  driver: sqlite
  path: ./data/tracelens.db
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runConfig([]string{"validate", "--config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("config validate = %d, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunConfigValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "tracelens.yaml")
	configBody := `server:
  port: 70000
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runConfig([]string{"validate", "--config", configPath}, &out, &errOut); code != 1 {
		t.Fatalf("config validate = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func TestRunConfigWithoutSubcommand(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := runConfig(nil, &out, &errOut); code != 2 {
		t.Fatalf("config = %d, want 2", code)
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	configBody := `server:
  host: 127.0.0.1
  port: 70000
storage:
  driver: sqlite
  path: ./data/tracelens.db
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := runServe([]string{"--config", configPath}); code != 1 {
		t.Fatalf("runServe exit code=%d, want 1", code)
	}
}

func TestRunServeRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "driver.yaml")
	configBody := `storage:
  driver: cassandra
  path: ./data/tracelens.db
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := runServe([]string{"--config", configPath}); code != 1 {
		t.Fatalf("runServe exit code=%d, want 1", code)
	}
}

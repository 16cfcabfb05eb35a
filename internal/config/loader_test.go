package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %s, want 8080", cfg.Server.Port)
	}
	if cfg.Poller.Interval != 30*time.Second {
		t.Fatalf("poller interval = %v, want 30s", cfg.Poller.Interval)
	}
	if cfg.Validation.MaxRetries != 2 {
		t.Fatalf("max_retries = %d, want 2", cfg.Validation.MaxRetries)
	}
}

func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	content := `
server:
  port: "9999"
poller:
  interval: 5s
validation:
  max_retries: 4
  auto_merge: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "9999" {
		t.Fatalf("port = %s, want 9999", cfg.Server.Port)
	}
	if cfg.Poller.Interval != 5*time.Second {
		t.Fatalf("interval = %v, want 5s", cfg.Poller.Interval)
	}
	if cfg.Validation.MaxRetries != 4 || !cfg.Validation.AutoMerge {
		t.Fatalf("validation = %+v", cfg.Validation)
	}
	// Untouched sections keep defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("nats url = %s", cfg.NATS.URL)
	}
}

func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DROVER_PORT", "7777")
	t.Setenv("DROVER_VALIDATION_MAX_RETRIES", "1")
	t.Setenv("DROVER_POLL_INTERVAL", "10s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "7777" {
		t.Fatalf("port = %s, want 7777", cfg.Server.Port)
	}
	if cfg.Validation.MaxRetries != 1 {
		t.Fatalf("max_retries = %d, want 1", cfg.Validation.MaxRetries)
	}
	if cfg.Poller.Interval != 10*time.Second {
		t.Fatalf("interval = %v, want 10s", cfg.Poller.Interval)
	}
}

func TestLoadFrom_ValidatesRequiredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	if err := os.WriteFile(path, []byte("validation:\n  max_retries: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected validation error for negative max_retries")
	}
}

func TestLoadFrom_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

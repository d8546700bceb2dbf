package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr == "" || cfg.DatabaseURL == "" {
		t.Fatalf("default config missing required fields: %+v", cfg)
	}
	if cfg.AgentTimeouts.Planner <= 0 {
		t.Fatalf("expected positive planner timeout, got %v", cfg.AgentTimeouts.Planner)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	body := "listen_addr: \":9090\"\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected overlay listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected overlay log level, got %q", cfg.LogLevel)
	}
	// Untouched fields retain their defaults.
	if cfg.Retention.StreamEventDays != Default().Retention.StreamEventDays {
		t.Fatalf("expected default retention to survive overlay")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr":":9090"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONDUCTOR_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected env override to win, got %q", cfg.ListenAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestStreamRetentionEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_STREAM_RETENTION_DAYS", "90")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retention.StreamEventDays != 90 {
		t.Fatalf("expected retention override, got %d", cfg.Retention.StreamEventDays)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.SessionSliding > cfg.SessionAbsolute {
		t.Fatalf("sliding %v exceeds absolute %v", cfg.SessionSliding, cfg.SessionAbsolute)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsdeck.toml")
	body := "listen_addr = \":9090\"\nsession_sliding = \"10m0s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPSDECK_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env should override file, got %q", cfg.ListenAddr)
	}
	if cfg.SessionSliding != 10*time.Minute {
		t.Fatalf("file value lost, got %v", cfg.SessionSliding)
	}
}

func TestValidateRejectsInvertedLifetimes(t *testing.T) {
	t.Setenv("OPSDECK_SESSION_SLIDING", "24h")
	t.Setenv("OPSDECK_SESSION_ABSOLUTE", "1h")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for sliding > absolute")
	}
}

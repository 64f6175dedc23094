package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warren.yaml")

	content := `
listen_address: ":9000"
local_domain: "a.example"
secure_mode: true
max_queue_length: 42
blocked_domains:
  - spam.example
  - worse.example
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddress != ":9000" {
		t.Errorf("ListenAddress = %q, want :9000", cfg.ListenAddress)
	}
	if cfg.LocalDomain != "a.example" {
		t.Errorf("LocalDomain = %q, want a.example", cfg.LocalDomain)
	}
	if !cfg.SecureMode {
		t.Error("SecureMode not set")
	}
	if cfg.MaxQueueLength != 42 {
		t.Errorf("MaxQueueLength = %d, want 42", cfg.MaxQueueLength)
	}
	if len(cfg.BlockedDomains) != 2 {
		t.Errorf("BlockedDomains = %v, want 2 entries", cfg.BlockedDomains)
	}

	// Unset fields keep their defaults
	if cfg.RateLimitWindowMs != 500 {
		t.Errorf("RateLimitWindowMs = %d, want default 500", cfg.RateLimitWindowMs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/non/existent/warren.yaml"); err == nil {
		t.Error("expected error loading non-existent config")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WARREN_LOCAL_DOMAIN", "env.example")
	t.Setenv("WARREN_MAX_QUEUE_LENGTH", "7")
	t.Setenv("WARREN_SECURE_MODE", "true")
	t.Setenv("WARREN_PERMITTED_DOMAINS", "a.example, b.example")

	cfg := LoadFromEnv()

	if cfg.LocalDomain != "env.example" {
		t.Errorf("LocalDomain = %q, want env.example", cfg.LocalDomain)
	}
	if cfg.MaxQueueLength != 7 {
		t.Errorf("MaxQueueLength = %d, want 7", cfg.MaxQueueLength)
	}
	if !cfg.SecureMode {
		t.Error("SecureMode not set from env")
	}
	if len(cfg.PermittedDomains) != 2 || cfg.PermittedDomains[1] != "b.example" {
		t.Errorf("PermittedDomains = %v", cfg.PermittedDomains)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.MaxQueueLength = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_queue_length")
	}

	cfg = Default()
	cfg.LocalDomain = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty local_domain")
	}
}

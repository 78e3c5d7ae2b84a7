package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertIsDefault(t, cfg)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertIsDefault(t, cfg)
}

func assertIsDefault(t *testing.T, cfg *File) {
	t.Helper()
	if cfg.Transport != Default.Transport || cfg.Tier != Default.Tier ||
		cfg.ControlAddr != Default.ControlAddr || cfg.LogLevel != Default.LogLevel {
		t.Fatalf("expected Default, got %+v", cfg)
	}
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	const body = "listen_addr: \"0.0.0.0:9001\"\ntier: premium\ndiscovery: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9001" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Tier != "premium" {
		t.Fatalf("Tier = %q", cfg.Tier)
	}
	if cfg.Discovery == nil || *cfg.Discovery != false {
		t.Fatalf("Discovery = %v", cfg.Discovery)
	}
	// Untouched fields keep their Default values.
	if cfg.Transport != Default.Transport {
		t.Fatalf("Transport = %q, want default %q", cfg.Transport, Default.Transport)
	}
	if cfg.ControlAddr != Default.ControlAddr {
		t.Fatalf("ControlAddr = %q, want default %q", cfg.ControlAddr, Default.ControlAddr)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

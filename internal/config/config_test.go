package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESTIMATOR_CONFIG", "")
	t.Setenv("API_ADDR", "")
	t.Setenv("ESTIMATOR_CORS_ORIGIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.MaxBodyBytes != 50<<20 || cfg.MaxUploadBytes != 5<<20 {
		t.Fatalf("unexpected limits: body=%d upload=%d", cfg.MaxBodyBytes, cfg.MaxUploadBytes)
	}
	if cfg.SaveDebounce != time.Second {
		t.Fatalf("expected 1s debounce, got %v", cfg.SaveDebounce)
	}
	if cfg.CORSOrigin != "" {
		t.Fatalf("expected same-origin default, got %q", cfg.CORSOrigin)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ESTIMATOR_CONFIG", "")
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("ESTIMATOR_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("ESTIMATOR_PUBLIC_URL", "https://quotes.example.com/")
	t.Setenv("S3_USE_SSL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.MaxUploadBytes != 1024 || !cfg.S3UseSSL {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PublicURL != "https://quotes.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.PublicURL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estimator.yaml")
	if err := os.WriteFile(path, []byte("API_ADDR: \":7000\"\nS3_BUCKET: quotes\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("ESTIMATOR_CONFIG", path)
	t.Setenv("API_ADDR", "")
	t.Setenv("S3_BUCKET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":7000" || cfg.S3Bucket != "quotes" {
		t.Fatalf("file values not applied: addr=%q bucket=%q", cfg.Addr, cfg.S3Bucket)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("ESTIMATOR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/scrape/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.FromEnv()
	if cfg.Port != 8130 {
		t.Fatalf("port: got %d, want 8130", cfg.Port)
	}
	if cfg.MaxConcurrency != 2 {
		t.Fatalf("max_concurrency: got %d, want 2", cfg.MaxConcurrency)
	}
	if cfg.QueueTimeout != 2*time.Second {
		t.Fatalf("queue_timeout: got %v, want 2s", cfg.QueueTimeout)
	}
	if cfg.RateLimitRPS != 10 {
		t.Fatalf("rate_limit_rps: got %v, want 10", cfg.RateLimitRPS)
	}
	if cfg.RequireAuth {
		t.Fatal("auth should be opt-in")
	}
	if cfg.FileTTL != 900*time.Second {
		t.Fatalf("file_ttl: got %v, want 900s", cfg.FileTTL)
	}
	if !cfg.HeadlessDefault {
		t.Fatal("headless default should be true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPE_PORT", "9000")
	t.Setenv("SCRAPE_MAX_CONCURRENCY", "4")
	t.Setenv("SCRAPE_QUEUE_TIMEOUT_S", "2.5")
	t.Setenv("SCRAPE_REQUIRE_AUTH", "true")
	t.Setenv("SCRAPE_API_KEY", "k")

	cfg := config.FromEnv()
	if cfg.Port != 9000 {
		t.Fatalf("port: got %d, want 9000", cfg.Port)
	}
	if cfg.MaxConcurrency != 4 {
		t.Fatalf("max_concurrency: got %d, want 4", cfg.MaxConcurrency)
	}
	if cfg.QueueTimeout != 2500*time.Millisecond {
		t.Fatalf("queue_timeout: got %v, want 2.5s", cfg.QueueTimeout)
	}
	if !cfg.RequireAuth {
		t.Fatal("require_auth should be true")
	}
	if cfg.APIKey != "k" {
		t.Fatalf("api_key: got %q", cfg.APIKey)
	}
}

func TestClampFloors(t *testing.T) {
	t.Setenv("SCRAPE_MAX_CONCURRENCY", "0")
	t.Setenv("SCRAPE_RATE_LIMIT_RPS", "0")
	t.Setenv("SCRAPE_FILE_TTL_S", "5")
	t.Setenv("SCRAPE_FRAME_KEEPALIVE_S", "1")

	cfg := config.FromEnv()
	if cfg.MaxConcurrency != 1 {
		t.Fatalf("max_concurrency: got %d, want floor 1", cfg.MaxConcurrency)
	}
	if cfg.RateLimitRPS != 1 {
		t.Fatalf("rate_limit_rps: got %v, want floor 1", cfg.RateLimitRPS)
	}
	if cfg.FileTTL != 60*time.Second {
		t.Fatalf("file_ttl: got %v, want floor 60s", cfg.FileTTL)
	}
	if cfg.Keepalive != 10*time.Second {
		t.Fatalf("keepalive: got %v, want floor 10s", cfg.Keepalive)
	}
}

func TestInvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("SCRAPE_PORT", "not-a-number")
	cfg := config.FromEnv()
	if cfg.Port != 8130 {
		t.Fatalf("port: got %d, want 8130", cfg.Port)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrape.yaml")
	body := "port: 7777\nmax_concurrency: 3\nframes_dir: /var/frames\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7777 {
		t.Fatalf("port: got %d, want 7777", cfg.Port)
	}
	if cfg.MaxConcurrency != 3 {
		t.Fatalf("max_concurrency: got %d, want 3", cfg.MaxConcurrency)
	}
	if cfg.FramesDir != "/var/frames" {
		t.Fatalf("frames_dir: got %q", cfg.FramesDir)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrape.yaml")
	if err := os.WriteFile(path, []byte("port: 7777\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRAPE_PORT", "8888")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8888 {
		t.Fatalf("port: got %d, want env override 8888", cfg.Port)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 9090
	if got := cfg.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("got %q, want 127.0.0.1:9090", got)
	}
}

// Package config holds the service configuration. Values come from the
// environment (SCRAPE_* keys), optionally seeded from a YAML file; the
// environment always wins. Out-of-range values are clamped to safe floors
// rather than rejected.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	RequireAuth bool   `yaml:"require_auth"`

	MaxConcurrency int           `yaml:"max_concurrency"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst float64 `yaml:"rate_limit_burst"`

	FileTTL   time.Duration `yaml:"file_ttl"`
	Keepalive time.Duration `yaml:"keepalive"`

	HeadlessDefault bool   `yaml:"headless_default"`
	FramesDir       string `yaml:"frames_dir"`
	LogLevel        string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bind:            "0.0.0.0",
		Port:            8130,
		RequireAuth:     false,
		MaxConcurrency:  2,
		QueueTimeout:    2 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
		FileTTL:         900 * time.Second,
		Keepalive:       45 * time.Second,
		HeadlessDefault: true,
		FramesDir:       "/tmp/scrape_frames",
		LogLevel:        "info",
	}
}

// FromEnv builds the configuration from SCRAPE_* environment variables on top
// of the defaults, then clamps.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.clamp()
	return cfg
}

// LoadFile reads a YAML configuration file, layers SCRAPE_* environment
// variables on top, and clamps. Missing file is an error; malformed YAML too.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

// Addr returns the bind address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func (c *Config) applyEnv() {
	c.Bind = env("SCRAPE_BIND", c.Bind)
	c.Port = envInt("SCRAPE_PORT", c.Port)
	c.APIKey = env("SCRAPE_API_KEY", c.APIKey)
	c.RequireAuth = envBool("SCRAPE_REQUIRE_AUTH", c.RequireAuth)
	c.MaxConcurrency = envInt("SCRAPE_MAX_CONCURRENCY", c.MaxConcurrency)
	c.QueueTimeout = envSeconds("SCRAPE_QUEUE_TIMEOUT_S", c.QueueTimeout)
	c.RateLimitRPS = envFloat("SCRAPE_RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = envFloat("SCRAPE_RATE_LIMIT_BURST", c.RateLimitBurst)
	c.FileTTL = envSeconds("SCRAPE_FILE_TTL_S", c.FileTTL)
	c.Keepalive = envSeconds("SCRAPE_FRAME_KEEPALIVE_S", c.Keepalive)
	c.HeadlessDefault = envBool("SCRAPE_HEADLESS_DEFAULT", c.HeadlessDefault)
	c.FramesDir = env("SCRAPE_FRAMES_DIR", c.FramesDir)
	c.LogLevel = env("SCRAPE_LOG_LEVEL", c.LogLevel)
}

// clamp raises out-of-range values to their floors. A misconfigured service
// degrades to conservative behaviour instead of refusing to start.
func (c *Config) clamp() {
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 8130
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.QueueTimeout < 0 {
		c.QueueTimeout = 0
	}
	if c.RateLimitRPS < 1 {
		c.RateLimitRPS = 1
	}
	if c.RateLimitBurst < 1 {
		c.RateLimitBurst = 1
	}
	if c.FileTTL < 60*time.Second {
		c.FileTTL = 60 * time.Second
	}
	if c.Keepalive < 10*time.Second {
		c.Keepalive = 10 * time.Second
	}
	if c.FramesDir == "" {
		c.FramesDir = "/tmp/scrape_frames"
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	}
	return def
}

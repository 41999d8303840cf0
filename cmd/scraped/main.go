// Command scraped runs the browser automation service: a single controlled
// Chrome instance behind a rate-limited, capacity-gated HTTP/SSE API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/scrape/browser"
	"github.com/hazyhaar/scrape/config"
	"github.com/hazyhaar/scrape/events"
	"github.com/hazyhaar/scrape/gate"
	"github.com/hazyhaar/scrape/gateway"
	"github.com/hazyhaar/scrape/reaper"
	"github.com/hazyhaar/scrape/session"
	"github.com/hazyhaar/scrape/shield"
)

func main() {
	var cfg config.Config
	if path := os.Getenv("SCRAPE_CONFIG"); path != "" {
		c, err := config.LoadFile(path)
		if err != nil {
			slog.Error("config load", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = c
	} else {
		cfg = config.FromEnv()
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if cfg.RequireAuth && cfg.APIKey == "" {
		slog.Error("SCRAPE_API_KEY is required when auth is enabled")
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.FramesDir, 0o755); err != nil {
		slog.Error("frames dir", "path", cfg.FramesDir, "error", err)
		os.Exit(1)
	}

	// Components. The registry's eviction hook drops event queues in
	// lockstep so the two maps never drift.
	bus := events.NewBus(events.Options{Keepalive: cfg.Keepalive})
	reg := session.NewRegistry(session.WithEvictedFunc(bus.Drop))
	g := gate.New(cfg.MaxConcurrency)
	driver := browser.NewManager(browser.Options{Logger: logger})

	rl := shield.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	rl.StartGC(ctx.Done())

	svc := gateway.New(driver, reg, bus, g, gateway.Options{
		AcquireTimeout:  cfg.QueueTimeout,
		HeadlessDefault: cfg.HeadlessDefault,
		FramesDir:       cfg.FramesDir,
		APIKey:          cfg.APIKey,
		RequireAuth:     cfg.RequireAuth,
		Logger:          logger,
	})

	rp := reaper.New(reg, reaper.Options{
		ArtifactTTL: cfg.FileTTL,
		Keepalive:   cfg.Keepalive,
		Dir:         cfg.FramesDir,
		Logger:      logger,
	})
	go rp.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svc.Router(shield.DefaultStack(rl)...),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: /events streams indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("scraped: listening",
		"addr", cfg.Addr(),
		"max_concurrency", cfg.MaxConcurrency,
		"auth_required", cfg.RequireAuth,
		"frames_dir", cfg.FramesDir)

	select {
	case <-ctx.Done():
		logger.Info("scraped: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("scraped: server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("scraped: shutdown", "error", err)
	}
	if _, err := driver.Close(); err != nil {
		logger.Warn("scraped: browser close", "error", err)
	}
	logger.Info("scraped: stopped")
}

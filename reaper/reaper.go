// Package reaper runs the periodic time-based garbage collection: stale
// screenshot artifacts are unlinked and idle sessions are evicted from the
// registry. The reaper never touches the admission gate and never blocks a
// request-serving goroutine.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/scrape/session"
)

// Options configures the Reaper.
type Options struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration
	// ArtifactTTL is the maximum artifact age. Default: 900s.
	ArtifactTTL time.Duration
	// Keepalive is the event-stream keepalive interval; sessions idle longer
	// than max(ArtifactTTL, 2*Keepalive) are evicted. Default: 45s.
	Keepalive time.Duration
	// Dir is the artifact directory to sweep.
	Dir    string
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ArtifactTTL <= 0 {
		o.ArtifactTTL = 900 * time.Second
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 45 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Reaper sweeps artifacts and idle sessions on a fixed period.
type Reaper struct {
	opts Options
	reg  *session.Registry
}

// New creates a Reaper over the given registry.
func New(reg *session.Registry, opts Options) *Reaper {
	opts.defaults()
	return &Reaper{opts: opts, reg: reg}
}

// MaxIdle returns the session idle threshold: max(ArtifactTTL, 2*Keepalive).
func (r *Reaper) MaxIdle() time.Duration {
	idle := r.opts.ArtifactTTL
	if ka := 2 * r.opts.Keepalive; ka > idle {
		idle = ka
	}
	return idle
}

// Run sweeps on every tick until ctx is cancelled, then returns within one
// interval. In-flight work elsewhere is never preempted.
func (r *Reaper) Run(ctx context.Context) {
	log := r.opts.Logger
	log.Info("reaper: started",
		"interval", r.opts.Interval, "artifact_ttl", r.opts.ArtifactTTL, "max_idle", r.MaxIdle())

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reaper: stopped")
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep performs one pass: expired artifacts first, then idle sessions.
// Exposed so tests can drive it with a chosen clock.
func (r *Reaper) Sweep(now time.Time) {
	log := r.opts.Logger

	if r.opts.Dir != "" {
		r.sweepArtifacts(now, log)
	}

	if dropped := r.reg.EvictIdle(now, r.MaxIdle()); len(dropped) > 0 {
		log.Info("reaper: sessions evicted", "count", len(dropped), "ids", dropped)
	}
}

func (r *Reaper) sweepArtifacts(now time.Time, log *slog.Logger) {
	matches, err := filepath.Glob(filepath.Join(r.opts.Dir, "*.png"))
	if err != nil {
		log.Warn("reaper: artifact scan failed", "dir", r.opts.Dir, "error", err)
		return
	}

	var removed int
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue // removed concurrently; already gone
		}
		if now.Sub(info.ModTime()) > r.opts.ArtifactTTL {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn("reaper: artifact unlink failed", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info("reaper: artifacts removed", "count", removed)
	}
}

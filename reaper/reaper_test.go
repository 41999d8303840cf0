package reaper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/scrape/reaper"
	"github.com/hazyhaar/scrape/session"
)

func writeFrame(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepArtifacts(t *testing.T) {
	dir := t.TempDir()
	stale := writeFrame(t, dir, "stale.png", 2*time.Hour)
	fresh := writeFrame(t, dir, "fresh.png", time.Minute)
	other := filepath.Join(dir, "keep.txt")
	os.WriteFile(other, []byte("x"), 0o644)

	reg := session.NewRegistry()
	r := reaper.New(reg, reaper.Options{ArtifactTTL: time.Hour, Dir: dir})
	r.Sweep(time.Now())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale artifact not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh artifact removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatal("non-png file touched")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	reg := session.NewRegistry()
	id := reg.Start(true)

	r := reaper.New(reg, reaper.Options{
		ArtifactTTL: time.Minute,
		Keepalive:   10 * time.Second,
	})

	// max(60s, 2*10s) = 60s. Not yet idle.
	r.Sweep(time.Now().Add(30 * time.Second))
	if _, ok := reg.Get(id); !ok {
		t.Fatal("session evicted before the idle threshold")
	}

	r.Sweep(time.Now().Add(2 * time.Minute))
	if _, ok := reg.Get(id); ok {
		t.Fatal("idle session not evicted")
	}
}

func TestMaxIdlePrefersKeepalive(t *testing.T) {
	reg := session.NewRegistry()
	r := reaper.New(reg, reaper.Options{
		ArtifactTTL: time.Minute,
		Keepalive:   10 * time.Minute,
	})
	if got := r.MaxIdle(); got != 20*time.Minute {
		t.Fatalf("got %v, want 20m", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := session.NewRegistry()
	r := reaper.New(reg, reaper.Options{Interval: 10 * time.Millisecond, Dir: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop within one interval of cancellation")
	}
}

// Package session tracks browser session metadata. The service runs a
// single-active-session policy: starting a session invalidates every prior
// one. The Registry exclusively owns the session records; handlers only see
// snapshot copies.
package session

import (
	"sync"
	"time"

	"github.com/hazyhaar/scrape/idgen"
)

// Artifact is the recorded metadata of one captured frame.
type Artifact struct {
	TS     int64 `json:"ts"` // milliseconds since epoch
	Width  int   `json:"width"`
	Height int   `json:"height"`
}

// Meta is a point-in-time copy of a session record.
type Meta struct {
	ID        string
	Created   time.Time
	Last      time.Time
	Headless  bool
	Artifacts map[string]Artifact
}

type record struct {
	created   time.Time
	last      time.Time
	headless  bool
	artifacts map[string]Artifact
}

// Registry holds all live sessions behind a single lock. The lock is held
// only for in-memory updates, never across driver calls or I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record

	newID   idgen.Generator
	evicted func(ids ...string)
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides the session token generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithEvictedFunc sets a hook invoked with the ids of every session removed
// by Start, Clear, or EvictIdle. The event bus uses it to drop queues in
// lockstep, so the two maps never drift. Called outside the registry lock.
func WithEvictedFunc(fn func(ids ...string)) Option {
	return func(r *Registry) { r.evicted = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*record),
		newID:    idgen.Default,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start discards every existing session and creates a new one, returning its
// id. The swap is linearized under the registry lock: no caller ever observes
// a half-initialized state.
func (r *Registry) Start(headless bool) string {
	id := r.newID()

	r.mu.Lock()
	dropped := r.idsLocked()
	r.sessions = map[string]*record{id: {
		created:   r.now(),
		last:      r.now(),
		headless:  headless,
		artifacts: make(map[string]Artifact),
	}}
	r.mu.Unlock()

	r.notifyEvicted(dropped)
	return id
}

// Touch updates the last-activity timestamp. No-op when the session is gone;
// callers must tolerate sessions disappearing concurrently.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if rec, ok := r.sessions[id]; ok {
		rec.last = r.now()
	}
	r.mu.Unlock()
}

// RecordArtifact inserts or overwrites an artifact entry and refreshes the
// activity timestamp. No-op when the session no longer exists.
func (r *Registry) RecordArtifact(id, name string, width, height int) {
	r.mu.Lock()
	if rec, ok := r.sessions[id]; ok {
		rec.artifacts[name] = Artifact{
			TS:     r.now().UnixMilli(),
			Width:  width,
			Height: height,
		}
		rec.last = r.now()
	}
	r.mu.Unlock()
}

// Get returns a snapshot of the session, or ok=false. The artifact map is
// copied so concurrent mutation can never tear a caller's read.
func (r *Registry) Get(id string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return Meta{}, false
	}
	arts := make(map[string]Artifact, len(rec.artifacts))
	for k, v := range rec.artifacts {
		arts[k] = v
	}
	return Meta{
		ID:        id,
		Created:   rec.created,
		Last:      rec.last,
		Headless:  rec.headless,
		Artifacts: arts,
	}, true
}

// Current returns the id of the active session, or "" when none exists.
// Requests that omit a session id fall back to it.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.sessions {
		return id
	}
	return ""
}

// List returns the ids of all tracked sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear removes every session.
func (r *Registry) Clear() {
	r.mu.Lock()
	dropped := r.idsLocked()
	r.sessions = make(map[string]*record)
	r.mu.Unlock()

	r.notifyEvicted(dropped)
}

// EvictIdle removes every session whose last activity is older than maxIdle
// relative to now, and returns the removed ids. This is the reaper's single
// atomic registry operation: record removal and queue-drop notification
// happen in one pass.
func (r *Registry) EvictIdle(now time.Time, maxIdle time.Duration) []string {
	r.mu.Lock()
	var dropped []string
	for id, rec := range r.sessions {
		if now.Sub(rec.last) > maxIdle {
			delete(r.sessions, id)
			dropped = append(dropped, id)
		}
	}
	r.mu.Unlock()

	r.notifyEvicted(dropped)
	return dropped
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) notifyEvicted(ids []string) {
	if r.evicted != nil && len(ids) > 0 {
		r.evicted(ids...)
	}
}

package events

import (
	"context"
	"sync"
	"time"
)

// Options tunes bus behaviour.
type Options struct {
	// Capacity is the per-session queue size. Default: 256.
	Capacity int
	// PollInterval bounds each blocking wait in Stream.Next. Default: 5s.
	PollInterval time.Duration
	// Keepalive is the idle deadline after which Next yields a synthetic
	// keepalive event. Reset on every real event. Default: 45s.
	Keepalive time.Duration
}

func (o *Options) defaults() {
	if o.Capacity <= 0 {
		o.Capacity = 256
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 45 * time.Second
	}
}

// Bus owns the per-session queues, keyed by session id.
type Bus struct {
	opts Options

	mu     sync.Mutex
	queues map[string]chan Event
	lastTS int64
}

// NewBus creates a Bus.
func NewBus(opts Options) *Bus {
	opts.defaults()
	return &Bus{
		opts:   opts,
		queues: make(map[string]chan Event),
	}
}

// Publish stamps the event with the session id and a monotonic millisecond
// timestamp, then enqueues it. When the queue is full the oldest unread
// event is dropped to make room; the publisher never blocks and never fails.
func (b *Bus) Publish(sid string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.SID = sid
	ev.TS = b.stampLocked()

	q := b.ensureLocked(sid)
	for {
		select {
		case q <- ev:
			return
		default:
		}
		// Full: evict the oldest, then retry. A concurrent consumer may
		// have drained it in between, which is fine.
		select {
		case <-q:
		default:
		}
	}
}

// Subscribe returns a Stream over the session's queue. The queue is created
// if absent so a subscriber can attach before the first publish.
func (b *Bus) Subscribe(sid string) *Stream {
	b.mu.Lock()
	q := b.ensureLocked(sid)
	b.mu.Unlock()

	return &Stream{
		q:         q,
		poll:      b.opts.PollInterval,
		keepalive: b.opts.Keepalive,
		deadline:  time.Now().Add(b.opts.Keepalive),
	}
}

// Drop discards the queues of the given sessions. Wired to the registry's
// eviction hook so queue lifetime tracks session lifetime exactly.
func (b *Bus) Drop(ids ...string) {
	b.mu.Lock()
	for _, id := range ids {
		delete(b.queues, id)
	}
	b.mu.Unlock()
}

// Len reports the number of live queues.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

func (b *Bus) ensureLocked(sid string) chan Event {
	q, ok := b.queues[sid]
	if !ok {
		q = make(chan Event, b.opts.Capacity)
		b.queues[sid] = q
	}
	return q
}

// stampLocked returns the current UnixMilli, never going backwards.
func (b *Bus) stampLocked() int64 {
	ts := time.Now().UnixMilli()
	if ts < b.lastTS {
		ts = b.lastTS
	}
	b.lastTS = ts
	return ts
}

// Stream is a single consumer's view of a session queue. Not safe for
// concurrent Next calls.
type Stream struct {
	q         chan Event
	poll      time.Duration
	keepalive time.Duration
	deadline  time.Time
}

// Next blocks until the next queued event is available, the keepalive
// deadline elapses, or ctx is cancelled. Real events are returned in FIFO
// order and reset the keepalive deadline; when the deadline passes with no
// real event, exactly one TypeKeepalive event is returned and the deadline
// is reset. On cancellation it returns ctx.Err().
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		wait := s.poll
		if d := time.Until(s.deadline); d < wait {
			wait = d
		}
		if wait <= 0 {
			// Deadline already passed; drain a pending event first so a
			// burst is never masked by keepalives.
			select {
			case ev := <-s.q:
				s.deadline = time.Now().Add(s.keepalive)
				return ev, nil
			default:
				s.deadline = time.Now().Add(s.keepalive)
				return Event{Type: TypeKeepalive}, nil
			}
		}

		t := time.NewTimer(wait)
		select {
		case ev := <-s.q:
			t.Stop()
			s.deadline = time.Now().Add(s.keepalive)
			return ev, nil
		case <-t.C:
			// Loop: either the keepalive deadline has now passed or this
			// was an ordinary poll tick.
		case <-ctx.Done():
			t.Stop()
			return Event{}, ctx.Err()
		}
	}
}

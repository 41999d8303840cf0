package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// bucket is one client identity's token-bucket state. Tokens refill
// continuously at the limiter's rate up to its burst capacity.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	ts     time.Time
}

// RateLimiter applies a per-client-IP token bucket to every request.
// Buckets are created on first sight of an identity and garbage collected
// once idle, so the map stays bounded over long deployments.
type RateLimiter struct {
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
	buckets sync.Map
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter creates a limiter refilling at rate tokens/second up to
// burst capacity. Both are clamped to a minimum of 1. Call StartGC to enable
// periodic bucket cleanup.
func NewRateLimiter(rate, burst float64, excludePrefixes ...string) *RateLimiter {
	if rate < 1 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		exclude: excludePrefixes,
		now:     time.Now,
	}
}

// Allow consumes one token from identity's bucket if available. It never
// blocks; contention degrades to deny, not to an error.
func (rl *RateLimiter) Allow(identity string) bool {
	now := rl.now()

	val, _ := rl.buckets.LoadOrStore(identity, &bucket{tokens: rl.burst, ts: now})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.ts).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.ts = now

	tokens := b.tokens + elapsed*rl.rate
	if tokens > rl.burst {
		tokens = rl.burst
	}
	if tokens < 1 {
		b.tokens = tokens
		return false
	}
	b.tokens = tokens - 1
	return true
}

// StartGC starts a background goroutine that sweeps buckets idle longer than
// ten full refill windows. Stops when done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	idle := time.Duration(10 * rl.burst / rl.rate * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	cutoff := rl.now().Add(-idle)

	var swept int
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		stale := b.ts.Before(cutoff)
		b.mu.Unlock()
		if stale {
			rl.buckets.Delete(key)
			swept++
		}
		return true
	})
	if swept > 0 {
		slog.Debug("shield: rate buckets swept", "count", swept)
	}
}

// Middleware enforces the rate limit on every request, keyed by client IP.
// Denied requests get a 429 JSON response with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		if rl.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "error": "rate limit",
		})
	})
}

// ExtractIP returns the client identity: the first X-Forwarded-For hop if
// present, else the RemoteAddr host.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

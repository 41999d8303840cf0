package shield_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scrape/shield"
)

func TestAllowBurstThenDeny(t *testing.T) {
	const burst = 20
	rl := shield.NewRateLimiter(10, burst)

	for i := 0; i < burst; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d of an instantaneous burst of %d was denied", i+1, burst)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatalf("request %d was allowed, want denied", burst+1)
	}
}

func TestAllowRefills(t *testing.T) {
	rl := shield.NewRateLimiter(100, 1)

	if !rl.Allow("a") {
		t.Fatal("first request denied")
	}
	if rl.Allow("a") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(20 * time.Millisecond) // 100/s refills ~2 tokens, clamped to 1
	if !rl.Allow("a") {
		t.Fatal("bucket did not refill")
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	rl := shield.NewRateLimiter(1, 1)

	if !rl.Allow("a") {
		t.Fatal("a denied")
	}
	if !rl.Allow("b") {
		t.Fatal("b shares a's bucket")
	}
}

func TestAllowConcurrent(t *testing.T) {
	// Under arbitrary concurrency the bucket may deny but must never allow
	// more than burst within one instant.
	const burst = 50
	rl := shield.NewRateLimiter(1, burst)

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 1000)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("x") {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var n int
	for range allowed {
		n++
	}
	if n > burst {
		t.Fatalf("allowed %d concurrent requests, burst is %d", n, burst)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := shield.NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dom", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRateLimitExcludedPrefix(t *testing.T) {
	rl := shield.NewRateLimiter(1, 1, "/frames/")
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/frames/x.png", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("excluded path limited on request %d", i+1)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := shield.ExtractIP(req); got != "10.0.0.1" {
		t.Fatalf("got %q, want 10.0.0.1", got)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := shield.ExtractIP(req); got != "203.0.113.7" {
		t.Fatalf("got %q, want 203.0.113.7", got)
	}
}

func TestRequireKey(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := shield.RequireKey("sekret", true)(next)

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"api key", "X-API-Key", "sekret", http.StatusOK},
		{"bearer", "Authorization", "Bearer sekret", http.StatusOK},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestRequireKeyDisabled(t *testing.T) {
	h := shield.RequireKey("sekret", false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 when auth disabled", rec.Code)
	}
}

func TestRecover(t *testing.T) {
	h := shield.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500", rec.Code)
	}
	if body := rec.Body.String(); body == "" || body[0] != '{' {
		t.Fatalf("want generic JSON error body, got %q", body)
	}
}

func TestHeadersPreflight(t *testing.T) {
	h := shield.Headers(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/navigate", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

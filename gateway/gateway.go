// Package gateway is the HTTP/SSE boundary. Handlers translate requests into
// driver calls behind the admission gate, record session activity, and publish
// events; every response uses the {"ok":true,...} / {"ok":false,"error":...}
// envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scrape/browser"
	"github.com/hazyhaar/scrape/events"
	"github.com/hazyhaar/scrape/gate"
	"github.com/hazyhaar/scrape/idgen"
	"github.com/hazyhaar/scrape/session"
	"github.com/hazyhaar/scrape/shield"
)

// Driver is the browser surface the gateway depends on. *browser.Manager
// implements it; tests substitute a stub.
type Driver interface {
	Open(ctx context.Context, headless, forceNew bool) (string, error)
	Close() (string, error)
	IsOpen() bool
	Navigate(ctx context.Context, url string) (string, error)
	Click(ctx context.Context, selector string) (string, error)
	Type(ctx context.Context, selector, text string) (string, error)
	Scroll(ctx context.Context, amount int) (string, error)
	ClickAt(ctx context.Context, x, y float64) (any, error)
	DOMSnapshot(ctx context.Context, maxChars int) (string, error)
	Screenshot(ctx context.Context, path string) (width, height int, err error)
}

// Options configures the Service.
type Options struct {
	// AcquireTimeout bounds the wait for an automation slot. Zero means
	// non-blocking.
	AcquireTimeout time.Duration
	// HeadlessDefault applies when /session/start omits the headless flag.
	HeadlessDefault bool
	// FramesDir is where screenshots are written and served from.
	FramesDir string
	// DOMMaxChars truncates /dom output. Default: 200000.
	DOMMaxChars int
	// APIKey and RequireAuth control the shield auth middleware on every
	// route except /health.
	APIKey      string
	RequireAuth bool
	// NewID names screenshot artifacts. Default: idgen.Default.
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DOMMaxChars <= 0 {
		o.DOMMaxChars = 200_000
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service wires the driver, registry, bus, and gate behind HTTP handlers.
type Service struct {
	opts   Options
	driver Driver
	reg    *session.Registry
	bus    *events.Bus
	gate   *gate.Gate
}

// New creates a Service.
func New(driver Driver, reg *session.Registry, bus *events.Bus, g *gate.Gate, opts Options) *Service {
	opts.defaults()
	return &Service{opts: opts, driver: driver, reg: reg, bus: bus, gate: g}
}

// Router builds the route tree. base middlewares (the shield stack) run on
// every route; auth runs on everything except /health.
func (s *Service) Router(base ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range base {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(shield.RequireKey(s.opts.APIKey, s.opts.RequireAuth))

		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/close", s.handleSessionClose)
		r.Post("/navigate", s.handleNavigate)
		r.Post("/click", s.handleClick)
		r.Post("/type", s.handleType)
		r.Post("/scroll", s.handleScroll)
		r.Post("/click_xy", s.handleClickXY)
		r.Get("/dom", s.handleDOM)
		r.Get("/screenshot", s.handleScreenshot)
		r.Get("/frames/{name}", s.handleFrame)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"browser_open": s.driver.IsOpen(),
		"sessions":     s.reg.Len(),
	})
}

func (s *Service) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Headless *bool `json:"headless"`
	}
	decodeBody(r, &req)
	headless := s.opts.HeadlessDefault
	if req.Headless != nil {
		headless = *req.Headless
	}

	permit, err := s.gate.Acquire(s.opts.AcquireTimeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer permit.Release()
	msg, err := s.driver.Open(r.Context(), headless, true)
	if err != nil {
		s.respondError(w, err)
		return
	}

	sid := s.reg.Start(headless)
	s.bus.Publish(sid, events.Status("browser_started", msg))
	writeOK(w, map[string]any{"session_id": sid, "message": msg, "headless": headless})
}

func (s *Service) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	permit, err := s.gate.Acquire(s.opts.AcquireTimeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer permit.Release()
	msg, err := s.driver.Close()
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.reg.Clear()
	writeOK(w, map[string]any{"message": msg})
}

func (s *Service) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
		SID string `json:"sid"`
	}
	decodeBody(r, &req)
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}

	s.runOp(w, r, req.SID, func(ctx context.Context) (string, error) {
		return s.driver.Navigate(ctx, req.URL)
	})
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector string `json:"selector"`
		SID      string `json:"sid"`
	}
	decodeBody(r, &req)
	req.Selector = strings.TrimSpace(req.Selector)
	if req.Selector == "" {
		writeError(w, http.StatusBadRequest, "missing selector")
		return
	}

	s.runOp(w, r, req.SID, func(ctx context.Context) (string, error) {
		return s.driver.Click(ctx, req.Selector)
	})
}

func (s *Service) handleType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector string  `json:"selector"`
		Text     *string `json:"text"`
		SID      string  `json:"sid"`
	}
	decodeBody(r, &req)
	req.Selector = strings.TrimSpace(req.Selector)
	if req.Selector == "" {
		writeError(w, http.StatusBadRequest, "missing selector")
		return
	}
	if req.Text == nil {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}

	s.runOp(w, r, req.SID, func(ctx context.Context) (string, error) {
		return s.driver.Type(ctx, req.Selector, *req.Text)
	})
}

func (s *Service) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount *int   `json:"amount"`
		SID    string `json:"sid"`
	}
	decodeBody(r, &req)
	amount := 600
	if req.Amount != nil {
		amount = *req.Amount
	}

	s.runOp(w, r, req.SID, func(ctx context.Context) (string, error) {
		return s.driver.Scroll(ctx, amount)
	})
}

func (s *Service) handleClickXY(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X   *float64 `json:"x"`
		Y   *float64 `json:"y"`
		VW  float64  `json:"viewportW"`
		VW2 float64  `json:"viewport_width"`
		VH  float64  `json:"viewportH"`
		VH2 float64  `json:"viewport_height"`
		NW  float64  `json:"naturalW"`
		NW2 float64  `json:"naturalWidth"`
		NH  float64  `json:"naturalH"`
		NH2 float64  `json:"naturalHeight"`
		SID string   `json:"sid"`
	}
	decodeBody(r, &req)
	if req.X == nil || req.Y == nil {
		writeError(w, http.StatusBadRequest, "invalid coordinates")
		return
	}
	viewportW := coalesce(req.VW, req.VW2)
	viewportH := coalesce(req.VH, req.VH2)
	if viewportW <= 0 || viewportH <= 0 {
		writeError(w, http.StatusBadRequest, "invalid viewport dimensions")
		return
	}
	naturalW := coalesce(req.NW, req.NW2, viewportW)
	naturalH := coalesce(req.NH, req.NH2, viewportH)

	// Client coordinates are scaled from the displayed image back into the
	// page's own coordinate space.
	vx := *req.X * naturalW / max(1.0, viewportW)
	vy := *req.Y * naturalH / max(1.0, viewportH)

	permit, err := s.gate.Acquire(s.opts.AcquireTimeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer permit.Release()
	detail, err := s.driver.ClickAt(r.Context(), vx, vy)
	if err != nil {
		s.respondError(w, err)
		return
	}

	sid := s.resolveSID(req.SID)
	if sid != "" {
		s.reg.Touch(sid)
		s.bus.Publish(sid, events.Status("click_xy", detail))
	}
	writeOK(w, map[string]any{"message": "click_xy", "detail": detail})
}

func (s *Service) handleDOM(w http.ResponseWriter, r *http.Request) {
	// Read path: never takes an automation slot.
	dom, err := s.driver.DOMSnapshot(r.Context(), s.opts.DOMMaxChars)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if dom == "" {
		writeError(w, http.StatusConflict, "no dom (browser closed?)")
		return
	}

	sid := s.resolveSID(r.URL.Query().Get("sid"))
	if sid != "" {
		s.reg.Touch(sid)
		s.bus.Publish(sid, events.DOM(len(dom)))
	}
	writeOK(w, map[string]any{"dom": dom, "length": len(dom)})
}

func (s *Service) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	sid := s.resolveSID(r.URL.Query().Get("sid"))
	name := s.opts.NewID() + ".png"

	permit, err := s.gate.Acquire(s.opts.AcquireTimeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer permit.Release()
	width, height, err := s.driver.Screenshot(r.Context(), filepath.Join(s.opts.FramesDir, name))
	if err != nil {
		s.respondError(w, err)
		return
	}

	rel := "/frames/" + name
	if sid != "" {
		s.reg.RecordArtifact(sid, name, width, height)
		s.bus.Publish(sid, events.Frame(rel, width, height))
	}
	writeOK(w, map[string]any{"file": rel, "width": width, "height": height})
}

func (s *Service) handleFrame(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid frame name")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.opts.FramesDir, name))
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing sid")
		return
	}
	if _, ok := s.reg.Get(sid); !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.reg.Touch(sid)
	defer s.reg.Touch(sid)

	stream := s.bus.Subscribe(sid)
	ctx := r.Context()
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return // client gone
		}
		if ev.Type == events.TypeKeepalive {
			io.WriteString(w, ":\n\n")
		} else {
			data, err := json.Marshal(ev)
			if err != nil {
				s.opts.Logger.Warn("gateway: event marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flusher.Flush()
	}
}

// runOp is the shared shape of the simple mutating operations: acquire a
// slot, call the driver, touch the session, publish a status event.
func (s *Service) runOp(w http.ResponseWriter, r *http.Request, sid string, op func(ctx context.Context) (string, error)) {
	permit, err := s.gate.Acquire(s.opts.AcquireTimeout)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer permit.Release()
	msg, err := op(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}

	if id := s.resolveSID(sid); id != "" {
		s.reg.Touch(id)
		s.bus.Publish(id, events.Status(msg, nil))
	}
	writeOK(w, map[string]any{"message": msg})
}

// resolveSID falls back to the current single session when the request did
// not name one. Ids the registry never issued are treated as absent: a queue
// created for an unknown id would outlive every eviction path.
func (s *Service) resolveSID(sid string) string {
	if sid != "" {
		if _, ok := s.reg.Get(sid); ok {
			return sid
		}
	}
	return s.reg.Current()
}

func (s *Service) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrCapacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "timed out waiting for a free automation slot")
	case errors.Is(err, browser.ErrNotOpen):
		writeError(w, http.StatusConflict, "browser not open")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody tolerates an absent or malformed JSON body, matching handlers
// that treat every field as optional.
func decodeBody(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func coalesce(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

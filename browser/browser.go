// Package browser wraps a single Chrome instance behind blocking operation
// calls: navigate, click, type, scroll, DOM capture, and screenshots. It owns
// at most one rod Browser and one page at a time. The manager's mutex only
// protects handle swaps; callers serialize operations through the admission
// gate, never through this package.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrNotOpen is returned by every operation when no browser is open. The
// gateway reports it as a precondition failure, not a retryable one.
var ErrNotOpen = errors.New("browser: not open")

// Options configures the Manager.
type Options struct {
	// WindowWidth/WindowHeight set the Chrome window size. Default: 1920x1080.
	WindowWidth  int
	WindowHeight int
	// ElementTimeout bounds the wait for a selector to appear. Default: 8s.
	ElementTimeout time.Duration
	// NavigateTimeout bounds navigation and page load. Default: 30s.
	NavigateTimeout time.Duration
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1920
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 1080
	}
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = 8 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager owns the Chrome lifecycle. Create one per service.
type Manager struct {
	opts Options

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher
}

// NewManager creates a Manager. No browser is launched until Open.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts}
}

// Open launches Chrome and opens a stealth page. When a browser is already
// open it is a no-op unless forceNew, which quits the old instance first.
// Returns a human-readable status message for the status event.
func (m *Manager) Open(ctx context.Context, headless, forceNew bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if !forceNew {
			return "browser already open", nil
		}
		m.cleanupLocked()
	}

	log := m.opts.Logger

	l := launcher.New().
		Headless(headless).
		Set("window-size", fmt.Sprintf("%d,%d", m.opts.WindowWidth, m.opts.WindowHeight)).
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled")

	wsURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}

	// The browser handle outlives the request; it is only torn down by
	// Close or a forced reopen, so it is not bound to ctx.
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return "", fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		b.Close()
		l.Cleanup()
		return "", fmt.Errorf("browser: create page: %w", err)
	}

	m.browser = b
	m.page = page
	m.lnch = l
	log.Info("browser: launched", "headless", headless)
	return "browser launched", nil
}

// Close quits Chrome. Safe to call when nothing is open.
func (m *Manager) Close() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return "no browser to close", nil
	}
	m.cleanupLocked()
	m.opts.Logger.Info("browser: closed")
	return "browser closed", nil
}

// IsOpen reports whether a browser is currently open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Navigate loads url in the current page and waits for the load event.
func (m *Manager) Navigate(ctx context.Context, url string) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}

	navCtx, cancel := context.WithTimeout(ctx, m.opts.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.opts.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return fmt.Sprintf("navigated to %s", url), nil
}

// Click waits for selector, scrolls it into view, and clicks it.
func (m *Manager) Click(ctx context.Context, selector string) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}

	elCtx, cancel := context.WithTimeout(ctx, m.opts.ElementTimeout)
	defer cancel()

	el, err := page.Context(elCtx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("browser: find %s: %w", selector, err)
	}
	if err := el.ScrollIntoView(); err != nil {
		m.opts.Logger.Warn("browser: scroll into view failed", "selector", selector, "error", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("browser: click %s: %w", selector, err)
	}
	return fmt.Sprintf("clicked %s", selector), nil
}

// Type waits for selector, clears it, types text, and presses Enter.
func (m *Manager) Type(ctx context.Context, selector, text string) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}

	elCtx, cancel := context.WithTimeout(ctx, m.opts.ElementTimeout)
	defer cancel()

	el, err := page.Context(elCtx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("browser: find %s: %w", selector, err)
	}
	if err := el.ScrollIntoView(); err != nil {
		m.opts.Logger.Warn("browser: scroll into view failed", "selector", selector, "error", err)
	}
	// Select any existing content so Input overwrites instead of appending.
	_ = el.SelectAllText()
	if err := el.Input(text); err != nil {
		return "", fmt.Errorf("browser: type into %s: %w", selector, err)
	}
	if err := el.Type(input.Enter); err != nil {
		return "", fmt.Errorf("browser: submit %s: %w", selector, err)
	}
	return fmt.Sprintf("sent text to %s", selector), nil
}

// Scroll scrolls the window vertically by the given pixel amount.
func (m *Manager) Scroll(ctx context.Context, amount int) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}
	_, err = page.Context(ctx).Eval(`(amount) => window.scrollBy(0, amount)`, amount)
	if err != nil {
		return "", fmt.Errorf("browser: scroll: %w", err)
	}
	return fmt.Sprintf("scrolled by %d", amount), nil
}

// ClickAt clicks whatever element sits at viewport coordinates (x, y) using
// elementFromPoint. The returned detail mirrors the page-side result:
// {ok, tag, rect} on success, {ok:false, reason} on failure.
func (m *Manager) ClickAt(ctx context.Context, x, y float64) (any, error) {
	page, err := m.currentPage()
	if err != nil {
		return nil, err
	}

	res, err := page.Context(ctx).Eval(`(x, y) => {
		const el = document.elementFromPoint(x, y);
		if (!el) return { ok: false, reason: 'element_from_point_null' };
		try { el.scrollIntoView({block: 'center', inline: 'center'}); } catch (err) {}
		const rect = el.getBoundingClientRect();
		try {
			el.click();
			return { ok: true, tag: el.tagName, rect: { x: rect.x, y: rect.y, width: rect.width, height: rect.height } };
		} catch (err) {
			return { ok: false, reason: err && err.message ? err.message : String(err) };
		}
	}`, x, y)
	if err != nil {
		return nil, fmt.Errorf("browser: click at point: %w", err)
	}

	detail := res.Value.Val()
	if !res.Value.Get("ok").Bool() {
		reason := res.Value.Get("reason").Str()
		if reason == "" {
			reason = "click failed"
		}
		return detail, fmt.Errorf("browser: click at point: %s", reason)
	}
	return detail, nil
}

// DOMSnapshot returns the page's outer HTML, truncated to maxChars when
// maxChars > 0.
func (m *Manager) DOMSnapshot(ctx context.Context, maxChars int) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: dom snapshot: %w", err)
	}
	dom := res.Value.Str()
	if maxChars > 0 && len(dom) > maxChars {
		dom = dom[:maxChars]
	}
	return dom, nil
}

// Screenshot captures a PNG of the current viewport, writes it to path, and
// returns the image dimensions.
func (m *Manager) Screenshot(ctx context.Context, path string) (width, height int, err error) {
	page, err := m.currentPage()
	if err != nil {
		return 0, 0, err
	}

	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("browser: screenshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, 0, fmt.Errorf("browser: write screenshot: %w", err)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		m.opts.Logger.Warn("browser: screenshot dimension probe failed", "error", err)
		return 0, 0, nil
	}
	return cfg.Width, cfg.Height, nil
}

func (m *Manager) currentPage() (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil {
		return nil, ErrNotOpen
	}
	return m.page, nil
}

func (m *Manager) cleanupLocked() {
	if m.page != nil {
		m.page.Close()
		m.page = nil
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

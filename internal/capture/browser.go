package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	_ "image/png"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// TargetStats counts target activity for debugging and reports.
type TargetStats struct {
	Captures int
	Patches  int
	Reloads  int
}

// BrowserTarget implements convergence.RenderTarget against a live Chromium
// page. One target owns one page; the driver is the only caller during a
// session, so page access is serialized behind the mutex.
type BrowserTarget struct {
	cfg Config
	url string

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	controlURL string
	stats      TargetStats
}

// NewBrowserTarget creates a browser target for the artifact at url. The
// browser is launched lazily on first use; call Start to fail fast instead.
func NewBrowserTarget(cfg Config, url string) *BrowserTarget {
	return &BrowserTarget{cfg: cfg, url: url}
}

// Start connects to an existing Chrome via DebuggerURL or launches one, then
// opens and navigates the artifact page.
func (b *BrowserTarget) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		logging.Capture("stale browser connection, reconnecting")
		_ = b.browser.Close()
		b.browser = nil
		b.page = nil
		b.controlURL = ""
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" && len(b.cfg.Launch) > 0 {
		bin := b.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(b.cfg.IsHeadless())
		for _, rawFlag := range b.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry without the extra flags before giving up.
			fallback := launcher.New().Bin(bin).Headless(b.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		url, err := launcher.New().Headless(b.cfg.IsHeadless()).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.GetViewportWidth(),
		Height:            b.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryCapture).Warn("failed to set viewport: %v", err)
	}

	if err := page.Timeout(b.cfg.NavigationTimeout()).Navigate(b.url); err != nil {
		_ = page.Close()
		_ = browser.Close()
		return fmt.Errorf("navigate to %s: %w", b.url, err)
	}
	if err := page.Timeout(b.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		logging.Get(logging.CategoryCapture).Warn("page load wait: %v", err)
	}

	b.browser = browser
	b.page = page
	b.controlURL = controlURL
	logging.Capture("browser ready, artifact at %s (viewport %dx%d)",
		b.url, b.cfg.GetViewportWidth(), b.cfg.GetViewportHeight())
	return nil
}

func (b *BrowserTarget) ensureStarted(ctx context.Context) (*rod.Page, error) {
	b.mu.RLock()
	page := b.page
	b.mu.RUnlock()
	if page != nil {
		return page, nil
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.page == nil {
		return nil, errors.New("browser not connected")
	}
	return b.page, nil
}

// ControlURL returns the WebSocket debugger URL once started.
func (b *BrowserTarget) ControlURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.controlURL
}

// Stats returns a copy of the activity counters.
func (b *BrowserTarget) Stats() TargetStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Capture screenshots the page into a snapshot. A settle delay before the
// shot lets CSS transitions triggered by the previous correction finish.
func (b *BrowserTarget) Capture(ctx context.Context) (*convergence.RenderedSnapshot, error) {
	page, err := b.ensureStarted(ctx)
	if err != nil {
		return nil, &convergence.ObservationError{Op: "connect", Err: err}
	}

	if delay := b.cfg.SettleDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &convergence.ObservationError{Op: "settle", Err: ctx.Err()}
		}
	}

	started := time.Now()
	data, err := page.Context(ctx).Screenshot(b.cfg.FullPage, nil)
	if err != nil {
		return nil, &convergence.ObservationError{Op: "screenshot", Err: err}
	}

	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &convergence.ObservationError{Op: "decode", Err: err}
	}

	outline := ""
	if b.cfg.DOMOutline {
		src, err := page.Context(ctx).HTML()
		if err != nil {
			logging.Get(logging.CategoryCapture).Warn("dom outline skipped: %v", err)
		} else if o, oerr := Outline(src, b.cfg.MaxOutlineNodes()); oerr == nil {
			outline = o
		}
	}

	b.mu.Lock()
	b.stats.Captures++
	b.mu.Unlock()

	logging.CaptureDebug("captured %dx%d png (%d bytes) in %dms",
		imgCfg.Width, imgCfg.Height, len(data), time.Since(started).Milliseconds())

	return &convergence.RenderedSnapshot{
		ID:         uuid.NewString(),
		TakenAt:    time.Now(),
		PNG:        data,
		Width:      imgCfg.Width,
		Height:     imgCfg.Height,
		DOMOutline: outline,
	}, nil
}

// patchScript upserts a <style data-drift-patch> element so re-proposed
// corrections replace their earlier payloads instead of stacking.
const patchScript = `
(css, id) => {
	let el = document.querySelector('style[data-drift-patch="' + id + '"]');
	if (!el) {
		el = document.createElement('style');
		el.setAttribute('data-drift-patch', id);
		document.head.appendChild(el);
	}
	el.textContent = css;
	return true;
}
`

// Apply applies one correction to the page. Stylesheet payloads are
// injected as scoped style tags; script payloads are evaluated as a page
// function; exec corrections happened outside the browser, so the page is
// reloaded to pick up their effect.
func (b *BrowserTarget) Apply(ctx context.Context, change convergence.CorrectionRef) error {
	page, err := b.ensureStarted(ctx)
	if err != nil {
		return err
	}

	switch change.Kind {
	case "", convergence.KindStylesheet, convergence.KindAdvisor:
		_, err = page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           patchScript,
			JSArgs:       []interface{}{change.Payload, change.ID},
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil {
			return fmt.Errorf("inject stylesheet patch %s: %w", change.ID, err)
		}

	case convergence.KindScript:
		_, err = page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           change.Payload,
			ByValue:      true,
			AwaitPromise: true,
		})
		if err != nil {
			return fmt.Errorf("evaluate script patch %s: %w", change.ID, err)
		}

	case convergence.KindExec:
		if err := b.Reload(ctx); err != nil {
			return fmt.Errorf("reload after exec patch %s: %w", change.ID, err)
		}

	default:
		return fmt.Errorf("unsupported correction kind %q", change.Kind)
	}

	b.mu.Lock()
	b.stats.Patches++
	b.mu.Unlock()
	logging.CaptureDebug("applied %s correction %s (%d bytes)", change.Kind, change.ID, len(change.Payload))
	return nil
}

// Reload reloads the artifact page and waits for it to load.
func (b *BrowserTarget) Reload(ctx context.Context) error {
	page, err := b.ensureStarted(ctx)
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).Reload(); err != nil {
		return err
	}
	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		return err
	}
	b.mu.Lock()
	b.stats.Reloads++
	b.mu.Unlock()
	return nil
}

// Close closes the page and the browser.
func (b *BrowserTarget) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	b.controlURL = ""
	return err
}

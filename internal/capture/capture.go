// Package capture observes the live rendered artifact. The browser target
// drives a Chromium page over CDP and turns it into snapshots the
// comparator can score; the directory target replays pre-rendered frames
// for CI runs without a browser.
package capture

import "time"

// Config holds render target configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"` // Binary path followed by extra chrome flags
	Headless            bool     `json:"headless"`
	ViewportWidth       int      `json:"viewport_width"`
	ViewportHeight      int      `json:"viewport_height"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
	SettleMs            int      `json:"settle_ms"` // Wait before each screenshot so transitions finish
	FullPage            bool     `json:"full_page"`
	DOMOutline          bool     `json:"dom_outline"` // Attach a textual element outline to snapshots
	OutlineMaxNodes     int      `json:"outline_max_nodes"`
}

// DefaultConfig returns sensible defaults. Convergence runs are unattended,
// so headless is on by default.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1280,
		ViewportHeight:      800,
		NavigationTimeoutMs: 30000,
		SettleMs:            100,
		DOMOutline:          true,
		OutlineMaxNodes:     400,
	}
}

// IsHeadless returns the headless setting.
func (c Config) IsHeadless() bool {
	return c.Headless
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1280
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 800
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// SettleDelay returns the pre-screenshot settle wait.
func (c Config) SettleDelay() time.Duration {
	if c.SettleMs < 0 {
		return 0
	}
	if c.SettleMs == 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.SettleMs) * time.Millisecond
}

// MaxOutlineNodes returns the element cap for DOM outlines.
func (c Config) MaxOutlineNodes() int {
	if c.OutlineMaxNodes <= 0 {
		return 400
	}
	return c.OutlineMaxNodes
}

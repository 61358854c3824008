// Package config loads drift.yaml, the single source of truth for a
// convergence workspace. Sections are optional; Get* methods apply defaults
// so callers never see zero values where a default exists. Runtime state
// (database, logs, artifacts, patches, checks) lives under .drift/ next to
// the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"pixeldrift/internal/advise"
	"pixeldrift/internal/capture"
	"pixeldrift/internal/compare"
	"pixeldrift/internal/convergence"
	"pixeldrift/internal/policy"
)

// Config holds all drift configuration from drift.yaml.
type Config struct {
	// Reference is the design image the artifact converges toward.
	Reference string `yaml:"reference,omitempty"`

	// Target is what gets rendered: a page URL for the browser target or a
	// directory of frames for replay runs.
	Target string `yaml:"target,omitempty"`

	Driver  *DriverConfig  `yaml:"driver,omitempty"`
	Browser *BrowserConfig `yaml:"browser,omitempty"`
	Compare *CompareConfig `yaml:"compare,omitempty"`
	Correct *CorrectConfig `yaml:"correct,omitempty"`
	Advisor *AdvisorConfig `yaml:"advisor,omitempty"`
	Policy  *PolicyConfig  `yaml:"policy,omitempty"`
	History *HistoryConfig `yaml:"history,omitempty"`
	Verify  *VerifyConfig  `yaml:"verify,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// DriverConfig tunes the convergence loop. Durations are strings like
// "500ms" or "30s".
type DriverConfig struct {
	Threshold         float64 `yaml:"threshold,omitempty"`
	MaxIterations     int     `yaml:"max_iterations,omitempty"`
	CaptureRetries    int     `yaml:"capture_retries,omitempty"`
	SettleDelay       string  `yaml:"settle_delay,omitempty"`
	CaptureTimeout    string  `yaml:"capture_timeout,omitempty"`
	CompareTimeout    string  `yaml:"compare_timeout,omitempty"`
	CorrectionTimeout string  `yaml:"correction_timeout,omitempty"`
	EscalationAfter   int     `yaml:"escalation_after,omitempty"`
}

// BrowserConfig configures the Chromium render target.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url,omitempty"`
	Launch              []string `yaml:"launch,omitempty"`
	Headless            *bool    `yaml:"headless,omitempty"`
	ViewportWidth       int      `yaml:"viewport_width,omitempty"`
	ViewportHeight      int      `yaml:"viewport_height,omitempty"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms,omitempty"`
	SettleMs            int      `yaml:"settle_ms,omitempty"`
	FullPage            bool     `yaml:"full_page,omitempty"`
	DOMOutline          *bool    `yaml:"dom_outline,omitempty"`
	OutlineMaxNodes     int      `yaml:"outline_max_nodes,omitempty"`
}

// CompareConfig tunes the pixel comparator.
type CompareConfig struct {
	PixelThreshold  float64 `yaml:"pixel_threshold,omitempty"`
	TileSize        int     `yaml:"tile_size,omitempty"`
	MinRegionPixels int     `yaml:"min_region_pixels,omitempty"`
	MaxShift        int     `yaml:"max_shift,omitempty"`
}

// CorrectConfig selects the correction sources. Sources are chained in
// patches, script, exec order; the first one with a proposal wins.
type CorrectConfig struct {
	// PatchesDir holds ordered .css patch files served one per iteration.
	PatchesDir string `yaml:"patches_dir,omitempty"`
	// Script is a Go correction script run in the embedded interpreter.
	Script string `yaml:"script,omitempty"`
	// Exec is a shell command fed discrepancy JSON on stdin.
	Exec string `yaml:"exec,omitempty"`
	// ExecWorkdir is the working directory for the exec command.
	ExecWorkdir string `yaml:"exec_workdir,omitempty"`
}

// AdvisorConfig configures the LLM correction advisor.
type AdvisorConfig struct {
	Enabled       bool    `yaml:"enabled,omitempty"`
	APIKey        string  `yaml:"api_key,omitempty"`
	Model         string  `yaml:"model,omitempty"`
	TimeoutMs     int     `yaml:"timeout_ms,omitempty"`
	MinConfidence float64 `yaml:"min_confidence,omitempty"`
}

// PolicyConfig tunes the rule engine that picks correction categories.
type PolicyConfig struct {
	Enabled         *bool   `yaml:"enabled,omitempty"`
	StallWindow     int     `yaml:"stall_window,omitempty"`
	StallEpsilon    float64 `yaml:"stall_epsilon,omitempty"`
	EscalationAfter int     `yaml:"escalation_after,omitempty"`
}

// HistoryConfig configures session persistence.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// VerifyConfig configures the post-convergence check battery.
type VerifyConfig struct {
	// Auto runs the battery automatically after a session converges.
	Auto bool `yaml:"auto,omitempty"`
	// Battery is the checks file path. Defaults to .drift/checks.yaml.
	Battery string `yaml:"battery,omitempty"`
	// MinScore is the floor for the built-in score re-check, 0 disables it.
	MinScore float64 `yaml:"min_score,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultConfig returns a config with every section present at defaults.
// Used by init to write a starter drift.yaml.
func DefaultConfig() *Config {
	headless := true
	outline := true
	enabled := true
	return &Config{
		Driver: &DriverConfig{
			Threshold:     0.99,
			MaxIterations: 30,
		},
		Browser: &BrowserConfig{
			Headless:       &headless,
			ViewportWidth:  1280,
			ViewportHeight: 800,
			DOMOutline:     &outline,
		},
		Correct: &CorrectConfig{
			PatchesDir: ".drift/patches",
		},
		Policy:  &PolicyConfig{Enabled: &enabled},
		History: &HistoryConfig{Enabled: &enabled},
		Verify:  &VerifyConfig{Battery: ".drift/checks.yaml"},
	}
}

// Load reads drift.yaml from path. A missing file yields an empty config;
// every section then falls back to defaults through the Get* methods.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultPath returns the drift.yaml location for the current workspace.
func DefaultPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return "drift.yaml"
	}
	return filepath.Join(root, "drift.yaml")
}

// FindWorkspaceRoot walks up from the working directory looking for
// drift.yaml, a .drift directory, or go.mod. Falls back to the working
// directory itself.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, "drift.yaml")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".drift")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// WorkspaceDir returns the .drift data directory under a workspace root.
func WorkspaceDir(root string) string {
	return filepath.Join(root, ".drift")
}

// GetDriver returns the convergence loop config with defaults applied.
// Duration strings that fail to parse produce a *ConfigurationError naming
// the field.
func (c *Config) GetDriver() (convergence.Config, error) {
	cfg := convergence.DefaultConfig()
	if c == nil || c.Driver == nil {
		return cfg, nil
	}

	d := c.Driver
	if d.Threshold != 0 {
		cfg.Threshold = d.Threshold
	}
	if d.MaxIterations != 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if d.CaptureRetries != 0 {
		cfg.CaptureRetries = d.CaptureRetries
	}
	if d.EscalationAfter != 0 {
		cfg.EscalationAfter = d.EscalationAfter
	}

	var err error
	if cfg.SettleDelay, err = parseDuration("driver.settle_delay", d.SettleDelay, cfg.SettleDelay); err != nil {
		return cfg, err
	}
	if cfg.CaptureTimeout, err = parseDuration("driver.capture_timeout", d.CaptureTimeout, cfg.CaptureTimeout); err != nil {
		return cfg, err
	}
	if cfg.CompareTimeout, err = parseDuration("driver.compare_timeout", d.CompareTimeout, cfg.CompareTimeout); err != nil {
		return cfg, err
	}
	if cfg.CorrectionTimeout, err = parseDuration("driver.correction_timeout", d.CorrectionTimeout, cfg.CorrectionTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// GetBrowser returns the render target config with defaults applied.
func (c *Config) GetBrowser() capture.Config {
	cfg := capture.DefaultConfig()
	if c == nil || c.Browser == nil {
		return cfg
	}

	b := c.Browser
	if b.DebuggerURL != "" {
		cfg.DebuggerURL = b.DebuggerURL
	}
	if len(b.Launch) > 0 {
		cfg.Launch = b.Launch
	}
	if b.Headless != nil {
		cfg.Headless = *b.Headless
	}
	if b.ViewportWidth != 0 {
		cfg.ViewportWidth = b.ViewportWidth
	}
	if b.ViewportHeight != 0 {
		cfg.ViewportHeight = b.ViewportHeight
	}
	if b.NavigationTimeoutMs != 0 {
		cfg.NavigationTimeoutMs = b.NavigationTimeoutMs
	}
	if b.SettleMs != 0 {
		cfg.SettleMs = b.SettleMs
	}
	cfg.FullPage = b.FullPage
	if b.DOMOutline != nil {
		cfg.DOMOutline = *b.DOMOutline
	}
	if b.OutlineMaxNodes != 0 {
		cfg.OutlineMaxNodes = b.OutlineMaxNodes
	}
	return cfg
}

// GetCompare returns comparator options. Zero values select the comparator
// defaults.
func (c *Config) GetCompare() compare.Options {
	if c == nil || c.Compare == nil {
		return compare.Options{}
	}
	return compare.Options{
		PixelThreshold:  c.Compare.PixelThreshold,
		TileSize:        c.Compare.TileSize,
		MinRegionPixels: c.Compare.MinRegionPixels,
		MaxShift:        c.Compare.MaxShift,
	}
}

// GetCorrect returns the correction sources section, never nil.
func (c *Config) GetCorrect() CorrectConfig {
	if c == nil || c.Correct == nil {
		return CorrectConfig{}
	}
	return *c.Correct
}

// GetAdvisor returns the advisor client config. The API key resolves from
// the GEMINI_API_KEY environment variable first, then the config file.
func (c *Config) GetAdvisor() advise.Config {
	cfg := advise.Config{APIKey: os.Getenv("GEMINI_API_KEY")}
	if c == nil || c.Advisor == nil {
		return cfg
	}

	a := c.Advisor
	if cfg.APIKey == "" {
		cfg.APIKey = a.APIKey
	}
	cfg.Model = a.Model
	cfg.TimeoutMs = a.TimeoutMs
	return cfg
}

// AdvisorEnabled reports whether the LLM advisor should be wired in.
func (c *Config) AdvisorEnabled() bool {
	return c != nil && c.Advisor != nil && c.Advisor.Enabled
}

// AdvisorMinConfidence returns the confidence floor for advisor suggestions.
func (c *Config) AdvisorMinConfidence() float64 {
	if c == nil || c.Advisor == nil || c.Advisor.MinConfidence <= 0 {
		return 0.5
	}
	return c.Advisor.MinConfidence
}

// GetPolicy returns rule engine options with defaults applied.
func (c *Config) GetPolicy() policy.Options {
	if c == nil || c.Policy == nil {
		return policy.Options{}
	}
	return policy.Options{
		StallWindow:     c.Policy.StallWindow,
		StallEpsilon:    c.Policy.StallEpsilon,
		EscalationAfter: c.Policy.EscalationAfter,
	}
}

// PolicyEnabled reports whether the rule engine picks categories. On by
// default; the driver falls back to fixed priority order when off.
func (c *Config) PolicyEnabled() bool {
	if c == nil || c.Policy == nil || c.Policy.Enabled == nil {
		return true
	}
	return *c.Policy.Enabled
}

// HistoryEnabled reports whether sessions persist to SQLite. On by default.
func (c *Config) HistoryEnabled() bool {
	if c == nil || c.History == nil || c.History.Enabled == nil {
		return true
	}
	return *c.History.Enabled
}

// HistoryDir returns the session store directory for a workspace root.
func (c *Config) HistoryDir(root string) string {
	if c != nil && c.History != nil && c.History.Dir != "" {
		if filepath.IsAbs(c.History.Dir) {
			return c.History.Dir
		}
		return filepath.Join(root, c.History.Dir)
	}
	return WorkspaceDir(root)
}

// GetVerify returns the battery section, never nil. The battery path
// resolves against the workspace root.
func (c *Config) GetVerify(root string) VerifyConfig {
	cfg := VerifyConfig{}
	if c != nil && c.Verify != nil {
		cfg = *c.Verify
	}
	if cfg.Battery == "" {
		cfg.Battery = filepath.Join(WorkspaceDir(root), "checks.yaml")
	} else if !filepath.IsAbs(cfg.Battery) {
		cfg.Battery = filepath.Join(root, cfg.Battery)
	}
	return cfg
}

// DebugLogging reports whether debug log output is enabled.
func (c *Config) DebugLogging() bool {
	return c != nil && c.Logging != nil && c.Logging.Debug
}

// Validate checks every section against its legal ranges. It returns the
// first *ConfigurationError found so the CLI can fail before touching the
// browser.
func (c *Config) Validate() error {
	driver, err := c.GetDriver()
	if err != nil {
		return err
	}
	if err := driver.Validate(); err != nil {
		return err
	}

	if c == nil {
		return nil
	}
	if c.Advisor != nil {
		if c.Advisor.TimeoutMs < 0 {
			return &convergence.ConfigurationError{Field: "advisor.timeout_ms", Reason: "must not be negative"}
		}
		if c.Advisor.MinConfidence < 0 || c.Advisor.MinConfidence > 1 {
			return &convergence.ConfigurationError{Field: "advisor.min_confidence", Reason: "must be in [0, 1]"}
		}
	}
	if c.Policy != nil {
		if c.Policy.StallWindow < 0 {
			return &convergence.ConfigurationError{Field: "policy.stall_window", Reason: "must not be negative"}
		}
		if c.Policy.StallEpsilon < 0 {
			return &convergence.ConfigurationError{Field: "policy.stall_epsilon", Reason: "must not be negative"}
		}
	}
	if c.Compare != nil {
		if c.Compare.PixelThreshold < 0 || c.Compare.PixelThreshold > 1 {
			return &convergence.ConfigurationError{Field: "compare.pixel_threshold", Reason: "must be in [0, 1]"}
		}
	}
	if c.Verify != nil && c.Verify.MinScore != 0 {
		if c.Verify.MinScore < 0 || c.Verify.MinScore > 1 {
			return &convergence.ConfigurationError{Field: "verify.min_score", Reason: "must be in (0, 1]"}
		}
	}
	if c.Browser != nil {
		if c.Browser.ViewportWidth < 0 || c.Browser.ViewportHeight < 0 {
			return &convergence.ConfigurationError{Field: "browser.viewport", Reason: "must not be negative"}
		}
	}
	return nil
}

// parseDuration parses a duration string, keeping def for the empty string.
func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, &convergence.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid duration %q", value)}
	}
	if d < 0 {
		return def, &convergence.ConfigurationError{Field: field, Reason: "must not be negative"}
	}
	return d, nil
}

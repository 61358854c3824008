// Package convergence implements the iterative alignment loop that drives a
// live rendered artifact toward a reference design until a similarity
// threshold is met.
//
// The loop is used for:
//   - Pixel-parity passes over a rendered page against a design export
//   - Regression sweeps after style refactors
//   - Automated "make it match the mockup" sessions
//
// Each iteration observes the artifact, diffs it against the reference,
// corrects the highest-priority discrepancy category, re-observes, and
// re-scores. Sessions are single-use: one reference, one target, one run.
package convergence

import (
	"bytes"
	"image"
	"image/png"
	"time"
)

// Category classifies a visual discrepancy. Categories have a fixed priority
// order; the driver works exactly one category per iteration, highest
// priority first.
type Category string

const (
	CategoryLayout     Category = "/layout"     // Position, size, spacing, alignment
	CategoryStyling    Category = "/styling"    // Color, background, border, shadow
	CategoryTypography Category = "/typography" // Font family, size, weight, line height
	CategoryComponent  Category = "/component"  // Widget-level detail (icons, states)
)

// Rank returns the priority rank of the category. Lower ranks are corrected
// first. Unknown categories rank after all known ones.
func (c Category) Rank() int {
	switch c {
	case CategoryLayout:
		return 0
	case CategoryStyling:
		return 1
	case CategoryTypography:
		return 2
	case CategoryComponent:
		return 3
	}
	return 4
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	return c.Rank() < 4
}

// Categories returns all categories in priority order.
func Categories() []Category {
	return []Category{CategoryLayout, CategoryStyling, CategoryTypography, CategoryComponent}
}

// SessionState represents the lifecycle state of a convergence session.
type SessionState string

const (
	StateIdle      SessionState = "/idle"      // Constructed, not yet run
	StateRunning   SessionState = "/running"   // Iterating
	StateConverged SessionState = "/converged" // Similarity threshold reached
	StateExhausted SessionState = "/exhausted" // Iteration budget spent below threshold
	StateAborted   SessionState = "/aborted"   // Unrecoverable condition or cancellation
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateConverged, StateExhausted, StateAborted:
		return true
	}
	return false
}

// Region is a rectangular area of the artifact in CSS pixel coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the region covers no pixels.
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ReferenceArtifact is the target visual state for a session. It is loaded
// once before the session starts and never modified by the loop; the
// reference guard aborts the session if the source file changes underneath
// it.
type ReferenceArtifact struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`       // File path or URL
	ContentHash string            `json:"content_hash"` // SHA-256 of the raw bytes
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Format      string            `json:"format"` // "png" or "jpeg"
	Metadata    map[string]string `json:"metadata,omitempty"`
	Image       image.Image       `json:"-"`
}

// RenderedSnapshot is one captured observation of the live artifact.
type RenderedSnapshot struct {
	ID           string    `json:"id"`
	Seq          int       `json:"seq"` // Iteration the capture belongs to
	TakenAt      time.Time `json:"taken_at"`
	PNG          []byte    `json:"-"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	DOMOutline   string    `json:"dom_outline,omitempty"`   // Textual element outline, may be empty
	ArtifactPath string    `json:"artifact_path,omitempty"` // Where the PNG was persisted
}

// Decode decodes the captured PNG bytes into an image.
func (s *RenderedSnapshot) Decode() (image.Image, error) {
	return png.Decode(bytes.NewReader(s.PNG))
}

// DiscrepancyItem is one categorized difference between the reference and a
// snapshot. Items are never deleted from a session; resolution flips the
// Resolved flag and keeps the item for the audit trail. Identity is a
// deterministic content hash so the same visual difference maps to the same
// item across iterations.
type DiscrepancyItem struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Region      Region   `json:"region"`
	Severity    float64  `json:"severity"` // 0.0-1.0, share of the canvas affected
	Resolved    bool     `json:"resolved"`
	FirstSeen   int      `json:"first_seen"`             // Iteration seq of first observation
	ResolvedSeq int      `json:"resolved_seq,omitempty"` // Iteration seq that observed it gone
}

// Correction kinds. The kind tells the render target how to apply the
// payload: CSS injected into the page, a page script to evaluate, or an
// out-of-band command whose effect is picked up by reloading.
const (
	KindStylesheet = "stylesheet"
	KindScript     = "script"
	KindExec       = "exec"
	KindAdvisor    = "advisor" // Advisor-proposed CSS, applied like a stylesheet
)

// CorrectionRef describes one adjustment that was proposed for a
// discrepancy and handed to the render target. The payload is opaque to the
// driver; for the stylesheet corrector it is CSS text.
type CorrectionRef struct {
	ID          string   `json:"id"`
	ItemID      string   `json:"item_id"`
	Category    Category `json:"category"`
	Kind        string   `json:"kind"` // One of the Kind constants
	Payload     string   `json:"payload,omitempty"`
	Description string   `json:"description,omitempty"`
}

// IterationRecord is the append-only log entry for one completed iteration.
// Sequence numbers start at 1 and are gapless within a session.
type IterationRecord struct {
	Seq            int             `json:"seq"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMs     int64           `json:"duration_ms"`
	SnapshotID     string          `json:"snapshot_id"`                // Pre-correction capture
	PostSnapshotID string          `json:"post_snapshot_id,omitempty"` // Re-capture after corrections
	Category       Category        `json:"category,omitempty"`         // Category worked this iteration
	Corrections    []CorrectionRef `json:"corrections,omitempty"`
	NewItems       []string        `json:"new_items,omitempty"`      // Item IDs first seen (or reopened) this iteration
	ResolvedItems  []string        `json:"resolved_items,omitempty"` // Item IDs observed resolved this iteration
	PreScore       float64         `json:"pre_score"`                // Similarity before corrections
	Score          float64         `json:"score"`                    // Similarity after corrections
	Warnings       []string        `json:"warnings,omitempty"`
}

// Result summarizes a finished session.
type Result struct {
	SessionID  string            `json:"session_id"`
	State      SessionState      `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	FinalScore float64           `json:"final_score"`
	Iterations int               `json:"iterations"`
	Records    []IterationRecord `json:"records"`
	Items      []DiscrepancyItem `json:"items"`
	Err        error             `json:"-"` // *ConvergenceFailure when exhausted
}

// Config holds the tunables for one convergence session. Zero values are
// replaced by defaults; Validate rejects values outside the legal ranges.
type Config struct {
	Threshold         float64       `json:"threshold"`          // Similarity needed to converge, (0, 1]
	MaxIterations     int           `json:"max_iterations"`     // Hard iteration budget, >= 1
	CaptureRetries    int           `json:"capture_retries"`    // Extra attempts per capture on observation errors
	SettleDelay       time.Duration `json:"settle_delay"`       // Wait before a capture retry
	CaptureTimeout    time.Duration `json:"capture_timeout"`    // Per capture attempt
	CompareTimeout    time.Duration `json:"compare_timeout"`    // Per diff or score call
	CorrectionTimeout time.Duration `json:"correction_timeout"` // Per correction propose+apply
	EscalationAfter   int           `json:"escalation_after"`   // Consecutive failures on one item before escalating
}

// DefaultConfig returns the standard session tunables.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.99,
		MaxIterations:     30,
		CaptureRetries:    2,
		SettleDelay:       500 * time.Millisecond,
		CaptureTimeout:    30 * time.Second,
		CompareTimeout:    30 * time.Second,
		CorrectionTimeout: 60 * time.Second,
		EscalationAfter:   3,
	}
}

// withDefaults fills unset fields from DefaultConfig. Threshold and
// MaxIterations are deliberately not defaulted here: a zero threshold or
// budget is a configuration error, not an omission.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CaptureRetries < 0 {
		c.CaptureRetries = 0
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = def.CaptureTimeout
	}
	if c.CompareTimeout == 0 {
		c.CompareTimeout = def.CompareTimeout
	}
	if c.CorrectionTimeout == 0 {
		c.CorrectionTimeout = def.CorrectionTimeout
	}
	if c.EscalationAfter <= 0 {
		c.EscalationAfter = def.EscalationAfter
	}
	return c
}

// Validate checks the configuration against the legal ranges. It returns a
// *ConfigurationError naming the first offending field.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return &ConfigurationError{Field: "threshold", Reason: "must be in (0, 1]"}
	}
	if c.MaxIterations < 1 {
		return &ConfigurationError{Field: "max_iterations", Reason: "must be at least 1"}
	}
	if c.CaptureRetries < 0 {
		return &ConfigurationError{Field: "capture_retries", Reason: "must not be negative"}
	}
	if c.SettleDelay < 0 || c.CaptureTimeout < 0 || c.CompareTimeout < 0 || c.CorrectionTimeout < 0 {
		return &ConfigurationError{Field: "timeouts", Reason: "must not be negative"}
	}
	return nil
}

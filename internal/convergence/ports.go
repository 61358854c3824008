package convergence

import "context"

// RenderTarget is the live artifact under convergence. Capture observes its
// current visual state; Apply is the only channel by which corrections reach
// it. Implementations decide what applying a change means (injecting CSS
// into a page, advancing a replay frame, invoking a build).
type RenderTarget interface {
	// Capture renders the current state into a snapshot. Failures must be
	// reported as *ObservationError so the driver can retry them.
	Capture(ctx context.Context) (*RenderedSnapshot, error)

	// Apply delivers one correction to the artifact.
	Apply(ctx context.Context, change CorrectionRef) error

	// Close releases the target's resources.
	Close() error
}

// Comparator measures a snapshot against the reference. Both methods must be
// deterministic: identical inputs produce identical outputs, with no
// randomness and no dependence on wall-clock time.
type Comparator interface {
	// Score returns a similarity scalar in [0.0, 1.0] where 1.0 is a
	// pixel-identical match.
	Score(ctx context.Context, ref *ReferenceArtifact, snap *RenderedSnapshot) (float64, error)

	// Diff returns the categorized discrepancies between reference and
	// snapshot, ordered by category priority and then raster position.
	// An empty slice means no discrepancies were identified.
	Diff(ctx context.Context, ref *ReferenceArtifact, snap *RenderedSnapshot) ([]DiscrepancyItem, error)
}

// SessionView is the read-only slice of session state a corrector may see
// when proposing an adjustment.
type SessionView struct {
	SessionID string
	Seq       int
	Reference *ReferenceArtifact
	Snapshot  *RenderedSnapshot
	LastScore float64
	Failures  int // Consecutive correction failures for this item so far
}

// Corrector proposes an adjustment for a single discrepancy. Failures must
// be reported as *CorrectionError; the driver keeps the item unresolved and
// moves on.
type Corrector interface {
	Propose(ctx context.Context, item DiscrepancyItem, view SessionView) (CorrectionRef, error)
}

// Snapshot roles used when persisting capture artifacts.
const (
	SnapshotRolePre  = "pre"  // Capture before corrections
	SnapshotRolePost = "post" // Re-capture after corrections
)

// Recorder persists session history as it happens. A nil Recorder is legal;
// the session then exists in memory only. Recorder failures are logged as
// warnings and never stop the loop.
type Recorder interface {
	BeginSession(ctx context.Context, sessionID string, ref *ReferenceArtifact, cfg Config) error
	// PersistSnapshot stores the snapshot PNG and fills snap.ArtifactPath.
	// Artifact names are keyed by iteration sequence and role.
	PersistSnapshot(ctx context.Context, sessionID string, snap *RenderedSnapshot, role string) error
	AppendIteration(ctx context.Context, sessionID string, rec IterationRecord) error
	RecordDiscrepancies(ctx context.Context, sessionID string, items []DiscrepancyItem) error
	FinishSession(ctx context.Context, sessionID string, res Result) error
}

// CategoryPicker selects the category to work next given the count of
// unresolved items per category. ok is false when nothing is actionable.
// Implementations must be deterministic.
type CategoryPicker interface {
	Pick(unresolved map[Category]int) (category Category, ok bool)
}

// IterationObserver is an optional extension of CategoryPicker. Pickers that
// maintain rule state (the Mangle policy engine does) receive each completed
// iteration before the next Pick call.
type IterationObserver interface {
	ObserveIteration(rec IterationRecord, unresolved map[Category]int)
}

// ReferenceGuard reports external mutation of the reference artifact source.
// The driver consults it at every iteration boundary and aborts the session
// once it has tripped.
type ReferenceGuard interface {
	Tripped() bool
}

// defaultPicker walks categories in priority order and picks the first with
// unresolved items.
type defaultPicker struct{}

// NewDefaultPicker returns the built-in priority-order category picker.
func NewDefaultPicker() CategoryPicker {
	return defaultPicker{}
}

func (defaultPicker) Pick(unresolved map[Category]int) (Category, bool) {
	for _, c := range Categories() {
		if unresolved[c] > 0 {
			return c, true
		}
	}
	return "", false
}

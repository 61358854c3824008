package convergence

import (
	"errors"
	"fmt"
)

// Sentinel errors for session lifecycle misuse.
var (
	// ErrSessionConsumed is returned by Run when the session has already
	// been started. Sessions are single-use; build a new driver to rerun.
	ErrSessionConsumed = errors.New("session already run, sessions are not restartable")

	// ErrInvalidTransition is returned when a state change violates the
	// session state machine (terminal states accept no transitions).
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrReferenceMutated signals that the reference artifact source
	// changed on disk while the session was running.
	ErrReferenceMutated = errors.New("reference artifact mutated during session")
)

// ConfigurationError reports an invalid driver configuration or a missing
// collaborator. It is fatal: the driver refuses to construct and no session
// is created.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// ObservationError reports a failed capture or snapshot decode. It is
// transient: the driver retries within the capture retry budget and only
// aborts the session when the budget is spent.
type ObservationError struct {
	Op  string // "capture", "decode", "navigate"
	Err error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("observation error during %s: %v", e.Op, e.Err)
}

func (e *ObservationError) Unwrap() error { return e.Err }

// ComparisonError reports a failed diff or score computation. The driver
// treats it like an observation failure: the snapshot could not be turned
// into a usable measurement.
type ComparisonError struct {
	Op  string // "diff", "score"
	Err error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("comparison error during %s: %v", e.Op, e.Err)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

// CorrectionError reports a failed correction attempt for one discrepancy.
// It is non-fatal: the item stays unresolved, the failure is recorded as an
// iteration warning, and the loop continues. Repeated failures on the same
// item escalate after the configured number of consecutive attempts.
type CorrectionError struct {
	ItemID string
	Err    error
}

func (e *CorrectionError) Error() string {
	return fmt.Sprintf("correction error for item %s: %v", e.ItemID, e.Err)
}

func (e *CorrectionError) Unwrap() error { return e.Err }

// ConvergenceFailure is carried in the Result when the iteration budget is
// exhausted below the threshold. The full record history stays available for
// post-mortem analysis.
type ConvergenceFailure struct {
	Threshold  float64
	FinalScore float64
	Records    []IterationRecord
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("convergence failure: score %.4f below threshold %.4f after %d iterations",
		e.FinalScore, e.Threshold, len(e.Records))
}

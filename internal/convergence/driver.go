package convergence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pixeldrift/internal/logging"
)

// persistTimeout bounds recorder calls so a slow disk cannot stall the loop.
const persistTimeout = 5 * time.Second

// Driver runs one convergence session against a render target. Construction
// validates the configuration eagerly; Run may be called exactly once.
type Driver struct {
	cfg    Config
	ref    *ReferenceArtifact
	target RenderTarget
	cmp    Comparator
	corr   Corrector

	rec    Recorder
	picker CategoryPicker
	guard  ReferenceGuard

	sess     *Session
	failures map[string]int // Consecutive correction failures per item ID
	done     chan struct{}
	result   Result
}

// Option configures optional driver collaborators.
type Option func(*Driver)

// WithRecorder attaches a history recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.rec = r }
}

// WithPicker replaces the default priority-order category picker.
func WithPicker(p CategoryPicker) Option {
	return func(d *Driver) { d.picker = p }
}

// WithGuard attaches a reference mutation guard.
func WithGuard(g ReferenceGuard) Option {
	return func(d *Driver) { d.guard = g }
}

// WithSessionID overrides the generated session ID. Used by tests and by
// callers resuming a pre-allocated ID from the store.
func WithSessionID(id string) Option {
	return func(d *Driver) { d.sess = newSession(id) }
}

// New builds a driver for one session. It returns a *ConfigurationError when
// the config is out of range or a required collaborator is missing.
func New(cfg Config, ref *ReferenceArtifact, target RenderTarget, cmp Comparator, corr Corrector, opts ...Option) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, &ConfigurationError{Field: "reference", Reason: "is required"}
	}
	if target == nil {
		return nil, &ConfigurationError{Field: "render target", Reason: "is required"}
	}
	if cmp == nil {
		return nil, &ConfigurationError{Field: "comparator", Reason: "is required"}
	}
	if corr == nil {
		return nil, &ConfigurationError{Field: "corrector", Reason: "is required"}
	}

	d := &Driver{
		cfg:      cfg,
		ref:      ref,
		target:   target,
		cmp:      cmp,
		corr:     corr,
		picker:   NewDefaultPicker(),
		sess:     newSession(uuid.NewString()),
		failures: make(map[string]int),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// SessionID returns the session identifier.
func (d *Driver) SessionID() string { return d.sess.ID() }

// State returns the current session state.
func (d *Driver) State() SessionState { return d.sess.State() }

// Score returns the most recent similarity score.
func (d *Driver) Score() float64 { return d.sess.Score() }

// Config returns the effective session configuration.
func (d *Driver) Config() Config { return d.cfg }

// Run starts the convergence loop and returns the iteration record stream.
// The channel is unbuffered: iteration N+1 does not start until the consumer
// has received record N, so consumption paces the loop. The channel closes
// when the session reaches a terminal state. Consumers that stop receiving
// must cancel ctx, otherwise the loop blocks on the next send.
//
// A second call returns ErrSessionConsumed; sessions are not restartable.
func (d *Driver) Run(ctx context.Context) (<-chan IterationRecord, error) {
	if err := d.sess.transition(StateRunning, ""); err != nil {
		return nil, ErrSessionConsumed
	}

	logging.Driver("session %s starting: ref=%s threshold=%.4f budget=%d",
		d.sess.ID(), d.ref.Source, d.cfg.Threshold, d.cfg.MaxIterations)

	ch := make(chan IterationRecord)
	go d.loop(ctx, ch)
	return ch, nil
}

// Result blocks until the session reaches a terminal state and returns its
// summary. Valid immediately after the Run channel closes.
func (d *Driver) Result() Result {
	<-d.done
	return d.result
}

// loop is the sequential iteration engine. It owns all session mutation;
// nothing here runs concurrently with itself.
func (d *Driver) loop(ctx context.Context, ch chan<- IterationRecord) {
	defer close(d.done)
	defer close(ch)

	d.persistBegin()

	seq := 0
	for {
		// Terminal checks happen only at the iteration boundary. Budget
		// exhaustion wins over a late cancellation: it is a property of
		// the session, not of the caller.
		if seq >= d.cfg.MaxIterations {
			failure := &ConvergenceFailure{
				Threshold:  d.cfg.Threshold,
				FinalScore: d.sess.Score(),
				Records:    d.sess.Records(),
			}
			d.finish(StateExhausted, failure.Error(), failure)
			return
		}
		if ctx.Err() != nil {
			d.finish(StateAborted, "cancelled", nil)
			return
		}
		if d.guard != nil && d.guard.Tripped() {
			d.finish(StateAborted, ErrReferenceMutated.Error(), nil)
			return
		}

		seq++
		rec, outcome, reason := d.iterate(seq)

		if rec != nil {
			if err := d.sess.appendRecord(*rec); err != nil {
				d.finish(StateAborted, err.Error(), nil)
				return
			}
			d.persistIteration(*rec)
			if obs, ok := d.picker.(IterationObserver); ok {
				obs.ObserveIteration(*rec, d.sess.unresolvedByCategory())
			}
			select {
			case ch <- *rec:
			case <-ctx.Done():
				d.finish(StateAborted, "cancelled", nil)
				return
			}
		}

		switch outcome {
		case stepConverged:
			d.finish(StateConverged, reason, nil)
			return
		case stepAborted:
			d.finish(StateAborted, reason, nil)
			return
		}
	}
}

type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepConverged
	stepAborted
)

// iterate performs one full observe-diff-correct-reobserve pass. A non-nil
// record is returned on every path that completed an observation; abort
// paths before the first successful capture return nil.
func (d *Driver) iterate(seq int) (*IterationRecord, stepOutcome, string) {
	started := time.Now()
	rec := IterationRecord{Seq: seq, StartedAt: started}

	snap, err := d.captureWithRetry(seq)
	if err != nil {
		return nil, stepAborted, fmt.Sprintf("observation failed at iteration %d: %v", seq, err)
	}
	rec.SnapshotID = snap.ID
	d.persistSnapshot(snap, SnapshotRolePre)

	items, err := d.diff(snap)
	if err != nil {
		return nil, stepAborted, fmt.Sprintf("comparison failed at iteration %d: %v", seq, err)
	}
	rec.NewItems, rec.ResolvedItems = d.sess.mergeDiff(seq, items)
	d.persistItems()

	preScore, err := d.score(snap)
	if err != nil {
		return nil, stepAborted, fmt.Sprintf("comparison failed at iteration %d: %v", seq, err)
	}
	rec.PreScore = preScore
	rec.Score = preScore
	logging.DriverDebug("iteration %d observed score %.4f with %d discrepancies", seq, preScore, len(items))

	if preScore >= d.cfg.Threshold {
		rec.DurationMs = time.Since(started).Milliseconds()
		return &rec, stepConverged, fmt.Sprintf("similarity %.4f reached threshold %.4f", preScore, d.cfg.Threshold)
	}

	unresolved := d.sess.unresolvedByCategory()
	total := 0
	for _, n := range unresolved {
		total += n
	}
	if total == 0 {
		rec.DurationMs = time.Since(started).Milliseconds()
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("no unresolved discrepancies at score %.4f", preScore))
		return &rec, stepAborted, "no further discrepancies identified but threshold unmet"
	}

	category, ok := d.picker.Pick(unresolved)
	if !ok {
		rec.DurationMs = time.Since(started).Milliseconds()
		return &rec, stepAborted, "no further discrepancies identified but threshold unmet"
	}
	rec.Category = category

	for _, item := range d.sess.unresolvedInCategory(category) {
		change, err := d.correct(item, snap, preScore, seq)
		if err != nil {
			d.failures[item.ID]++
			attempts := d.failures[item.ID]
			warn := fmt.Sprintf("correction failed for %s (consecutive failures: %d): %v", item.ID, attempts, err)
			rec.Warnings = append(rec.Warnings, warn)
			logging.Get(logging.CategoryDriver).Warn("%s", warn)
			if attempts >= d.cfg.EscalationAfter {
				esc := fmt.Sprintf("escalation: item %s (%s) has failed correction %d times, manual attention needed",
					item.ID, item.Category, attempts)
				rec.Warnings = append(rec.Warnings, esc)
				logging.Get(logging.CategoryDriver).Error("%s", esc)
			}
			continue
		}
		d.failures[item.ID] = 0
		rec.Corrections = append(rec.Corrections, change)
	}

	post, err := d.captureWithRetry(seq)
	if err != nil {
		// Carry the pre-correction score so the record stays meaningful.
		rec.DurationMs = time.Since(started).Milliseconds()
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("post-correction capture failed: %v", err))
		return &rec, stepAborted, fmt.Sprintf("observation failed at iteration %d: %v", seq, err)
	}
	rec.PostSnapshotID = post.ID
	d.persistSnapshot(post, SnapshotRolePost)

	postScore, err := d.score(post)
	if err != nil {
		rec.DurationMs = time.Since(started).Milliseconds()
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("post-correction score failed: %v", err))
		return &rec, stepAborted, fmt.Sprintf("comparison failed at iteration %d: %v", seq, err)
	}
	rec.Score = postScore
	rec.DurationMs = time.Since(started).Milliseconds()

	logging.Driver("iteration %d: category=%s corrections=%d score %.4f -> %.4f",
		seq, category, len(rec.Corrections), preScore, postScore)

	if postScore >= d.cfg.Threshold {
		return &rec, stepConverged, fmt.Sprintf("similarity %.4f reached threshold %.4f", postScore, d.cfg.Threshold)
	}
	return &rec, stepContinue, ""
}

// captureWithRetry captures a snapshot, retrying observation failures up to
// the configured budget with a settle delay between attempts.
func (d *Driver) captureWithRetry(seq int) (*RenderedSnapshot, error) {
	var lastErr error
	attempts := 1 + d.cfg.CaptureRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			logging.DriverDebug("capture retry %d/%d after settle delay %s", attempt-1, d.cfg.CaptureRetries, d.cfg.SettleDelay)
			time.Sleep(d.cfg.SettleDelay)
		}

		ctx, cancel := d.opCtx(d.cfg.CaptureTimeout)
		snap, err := d.target.Capture(ctx)
		cancel()
		if err == nil {
			if snap.ID == "" {
				snap.ID = uuid.NewString()
			}
			snap.Seq = seq
			if snap.TakenAt.IsZero() {
				snap.TakenAt = time.Now()
			}
			return snap, nil
		}

		var obs *ObservationError
		if !errors.As(err, &obs) {
			err = &ObservationError{Op: "capture", Err: err}
		}
		lastErr = err
	}
	return nil, fmt.Errorf("capture retry budget of %d exhausted: %w", d.cfg.CaptureRetries, lastErr)
}

func (d *Driver) diff(snap *RenderedSnapshot) ([]DiscrepancyItem, error) {
	ctx, cancel := d.opCtx(d.cfg.CompareTimeout)
	defer cancel()
	items, err := d.cmp.Diff(ctx, d.ref, snap)
	if err != nil {
		var ce *ComparisonError
		if !errors.As(err, &ce) {
			err = &ComparisonError{Op: "diff", Err: err}
		}
		return nil, err
	}
	return items, nil
}

func (d *Driver) score(snap *RenderedSnapshot) (float64, error) {
	ctx, cancel := d.opCtx(d.cfg.CompareTimeout)
	defer cancel()
	score, err := d.cmp.Score(ctx, d.ref, snap)
	if err != nil {
		var ce *ComparisonError
		if !errors.As(err, &ce) {
			err = &ComparisonError{Op: "score", Err: err}
		}
		return 0, err
	}
	if score < 0 || score > 1 {
		return 0, &ComparisonError{Op: "score", Err: fmt.Errorf("score %v outside [0, 1]", score)}
	}
	return score, nil
}

// correct proposes and applies one correction under a shared timeout.
func (d *Driver) correct(item DiscrepancyItem, snap *RenderedSnapshot, lastScore float64, seq int) (CorrectionRef, error) {
	ctx, cancel := d.opCtx(d.cfg.CorrectionTimeout)
	defer cancel()

	view := SessionView{
		SessionID: d.sess.ID(),
		Seq:       seq,
		Reference: d.ref,
		Snapshot:  snap,
		LastScore: lastScore,
		Failures:  d.failures[item.ID],
	}
	change, err := d.corr.Propose(ctx, item, view)
	if err != nil {
		var ce *CorrectionError
		if !errors.As(err, &ce) {
			err = &CorrectionError{ItemID: item.ID, Err: err}
		}
		return CorrectionRef{}, err
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.ItemID == "" {
		change.ItemID = item.ID
	}
	if change.Category == "" {
		change.Category = item.Category
	}

	if err := d.target.Apply(ctx, change); err != nil {
		return CorrectionRef{}, &CorrectionError{ItemID: item.ID, Err: fmt.Errorf("apply: %w", err)}
	}
	return change, nil
}

// opCtx builds a context for one collaborator call. Operation contexts are
// independent of the run context: an in-flight iteration runs to completion
// bounded by its explicit timeouts, and cancellation is honored at the next
// iteration boundary.
func (d *Driver) opCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func (d *Driver) persistBegin() {
	if d.rec == nil {
		return
	}
	ctx, cancel := d.opCtx(persistTimeout)
	defer cancel()
	if err := d.rec.BeginSession(ctx, d.sess.ID(), d.ref, d.cfg); err != nil {
		logging.Get(logging.CategoryDriver).Warn("failed to persist session begin: %v", err)
	}
}

func (d *Driver) persistSnapshot(snap *RenderedSnapshot, role string) {
	if d.rec == nil {
		return
	}
	ctx, cancel := d.opCtx(persistTimeout)
	defer cancel()
	if err := d.rec.PersistSnapshot(ctx, d.sess.ID(), snap, role); err != nil {
		logging.Get(logging.CategoryDriver).Warn("failed to persist snapshot %s: %v", snap.ID, err)
	}
}

func (d *Driver) persistIteration(rec IterationRecord) {
	if d.rec == nil {
		return
	}
	ctx, cancel := d.opCtx(persistTimeout)
	defer cancel()
	if err := d.rec.AppendIteration(ctx, d.sess.ID(), rec); err != nil {
		logging.Get(logging.CategoryDriver).Warn("failed to persist iteration %d: %v", rec.Seq, err)
	}
}

func (d *Driver) persistItems() {
	if d.rec == nil {
		return
	}
	ctx, cancel := d.opCtx(persistTimeout)
	defer cancel()
	if err := d.rec.RecordDiscrepancies(ctx, d.sess.ID(), d.sess.Items()); err != nil {
		logging.Get(logging.CategoryDriver).Warn("failed to persist discrepancies: %v", err)
	}
}

// finish moves the session to a terminal state and freezes the result.
func (d *Driver) finish(state SessionState, reason string, failure error) {
	if err := d.sess.transition(state, reason); err != nil {
		logging.Get(logging.CategoryDriver).Error("terminal transition rejected: %v", err)
	}
	d.result = d.sess.snapshotResult(failure)

	if d.rec != nil {
		ctx, cancel := d.opCtx(persistTimeout)
		defer cancel()
		if err := d.rec.FinishSession(ctx, d.sess.ID(), d.result); err != nil {
			logging.Get(logging.CategoryDriver).Warn("failed to persist session finish: %v", err)
		}
	}

	logging.Driver("session %s finished: state=%s score=%.4f iterations=%d reason=%q",
		d.sess.ID(), state, d.result.FinalScore, d.result.Iterations, reason)
}

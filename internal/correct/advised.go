package correct

import (
	"context"
	"fmt"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// Suggestion is one model-proposed correction.
type Suggestion struct {
	Kind        string  // One of the convergence Kind constants
	Payload     string  // CSS text, script source, or empty for exec
	Description string  // Human-readable summary of the change
	Confidence  float64 // Model self-assessment in [0.0, 1.0]
}

// Advisor produces correction suggestions from the reference, the snapshot
// and a single discrepancy. The Gemini client in internal/advise implements
// this; tests use fakes.
type Advisor interface {
	Suggest(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (Suggestion, error)
}

// AdvisedCorrector asks an Advisor first and falls back to another corrector
// when the advisor errors, declines, or is not confident enough. Advisor
// failures are never fatal to the session; at worst the iteration proceeds
// on the fallback's proposal.
type AdvisedCorrector struct {
	advisor       Advisor
	fallback      convergence.Corrector
	minConfidence float64
}

// NewAdvisedCorrector builds the advisor-first corrector. fallback may be
// nil, in which case a declined suggestion is a correction failure.
func NewAdvisedCorrector(advisor Advisor, fallback convergence.Corrector, minConfidence float64) *AdvisedCorrector {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &AdvisedCorrector{advisor: advisor, fallback: fallback, minConfidence: minConfidence}
}

// Propose implements convergence.Corrector.
func (a *AdvisedCorrector) Propose(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (convergence.CorrectionRef, error) {
	sug, err := a.advisor.Suggest(ctx, item, view)
	switch {
	case err != nil:
		logging.Get(logging.CategoryCorrect).Warn("advisor failed for item %s, falling back: %v", item.ID, err)
	case sug.Payload == "" && sug.Kind != convergence.KindExec:
		logging.CorrectDebug("advisor declined item %s, falling back", item.ID)
	case sug.Confidence < a.minConfidence:
		logging.CorrectDebug("advisor confidence %.2f below floor %.2f for item %s, falling back",
			sug.Confidence, a.minConfidence, item.ID)
	default:
		ref, verr := a.toRef(ctx, item, sug)
		if verr == nil {
			return ref, nil
		}
		logging.Get(logging.CategoryCorrect).Warn("advisor suggestion for item %s invalid, falling back: %v", item.ID, verr)
	}

	if a.fallback == nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}
	return a.fallback.Propose(ctx, item, view)
}

// toRef validates a suggestion and converts it to a correction.
func (a *AdvisedCorrector) toRef(ctx context.Context, item convergence.DiscrepancyItem, sug Suggestion) (convergence.CorrectionRef, error) {
	kind := sug.Kind
	if kind == "" {
		kind = convergence.KindAdvisor
	}
	if kind == convergence.KindStylesheet || kind == convergence.KindAdvisor {
		if err := ValidateCSS(ctx, sug.Payload); err != nil {
			return convergence.CorrectionRef{}, err
		}
	}

	desc := sug.Description
	if desc == "" {
		desc = fmt.Sprintf("advisor correction (confidence %.2f)", sug.Confidence)
	}
	logging.CorrectDebug("advisor proposed %s correction for item %s (confidence %.2f)", kind, item.ID, sug.Confidence)
	return convergence.CorrectionRef{
		ItemID:      item.ID,
		Category:    item.Category,
		Kind:        kind,
		Payload:     sug.Payload,
		Description: desc,
	}, nil
}

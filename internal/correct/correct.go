// Package correct proposes adjustments for discrepancies. Four correctors
// are available and composable through Chain:
//
//   - StylesheetCorrector serves prepared CSS patches from a directory
//   - ScriptCorrector runs a user Go script through the yaegi interpreter
//   - ExecCorrector shells out to an external command
//   - AdvisedCorrector asks the vision advisor and falls back to another
//     corrector below its confidence floor
//
// A corrector that has nothing to offer for an item reports a
// *convergence.CorrectionError wrapping ErrNoProposal; the driver keeps the
// item unresolved and counts the failure toward escalation.
package correct

import (
	"context"
	"errors"

	"pixeldrift/internal/convergence"
)

// ErrNoProposal marks a corrector that has no adjustment for the item.
var ErrNoProposal = errors.New("no correction available")

// Chain tries each corrector in order and returns the first proposal.
type Chain struct {
	correctors []convergence.Corrector
}

// NewChain builds a corrector chain. Order matters; earlier correctors win.
func NewChain(correctors ...convergence.Corrector) *Chain {
	return &Chain{correctors: correctors}
}

// Propose implements convergence.Corrector.
func (c *Chain) Propose(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (convergence.CorrectionRef, error) {
	var lastErr error
	for _, sub := range c.correctors {
		ref, err := sub.Propose(ctx, item, view)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}
	return convergence.CorrectionRef{}, lastErr
}

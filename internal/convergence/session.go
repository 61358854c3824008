package convergence

import (
	"fmt"
	"sync"
)

// Session holds the mutable state of one convergence run: the state machine,
// the append-only iteration log, and the discrepancy ledger. The driver loop
// is the only writer; accessors are safe for concurrent readers (status
// displays poll while the loop runs).
type Session struct {
	mu      sync.RWMutex
	id      string
	state   SessionState
	reason  string
	score   float64
	records []IterationRecord
	ledger  map[string]*DiscrepancyItem
	order   []string // Ledger insertion order, keeps iteration deterministic
}

func newSession(id string) *Session {
	return &Session{
		id:     id,
		state:  StateIdle,
		ledger: make(map[string]*DiscrepancyItem),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason returns the terminal reason, empty while the session is live.
func (s *Session) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Score returns the most recent similarity score.
func (s *Session) Score() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.score
}

// transition moves the state machine. Legal moves are idle->running and
// running->any terminal state. Terminal states are final.
func (s *Session) transition(to SessionState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	legal := false
	switch {
	case s.state == StateIdle && to == StateRunning:
		legal = true
	case s.state == StateRunning && to.Terminal():
		legal = true
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}

	s.state = to
	s.reason = reason
	return nil
}

// appendRecord appends one iteration record. Sequence numbers must be
// gapless starting at 1; a violation is a programming error in the loop.
func (s *Session) appendRecord(rec IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := len(s.records) + 1
	if rec.Seq != want {
		return fmt.Errorf("iteration record out of sequence: got %d, want %d", rec.Seq, want)
	}
	s.records = append(s.records, rec)
	s.score = rec.Score
	return nil
}

// mergeDiff reconciles the ledger with a fresh diff observation at the given
// iteration. New items are appended (reopened items keep their first-seen
// identity), and unresolved items absent from the observation are marked
// resolved at this iteration. Returns the IDs of new-or-reopened and of
// freshly resolved items, in deterministic order.
func (s *Session) mergeDiff(seq int, observed []DiscrepancyItem) (newIDs, resolvedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(observed))
	for _, obs := range observed {
		seen[obs.ID] = true
		existing, ok := s.ledger[obs.ID]
		if !ok {
			item := obs
			item.FirstSeen = seq
			item.Resolved = false
			item.ResolvedSeq = 0
			s.ledger[item.ID] = &item
			s.order = append(s.order, item.ID)
			newIDs = append(newIDs, item.ID)
			continue
		}
		if existing.Resolved {
			// The same visual difference came back.
			existing.Resolved = false
			existing.ResolvedSeq = 0
			newIDs = append(newIDs, existing.ID)
		}
		existing.Description = obs.Description
		existing.Region = obs.Region
		existing.Severity = obs.Severity
	}

	for _, id := range s.order {
		item := s.ledger[id]
		if !item.Resolved && !seen[id] {
			item.Resolved = true
			item.ResolvedSeq = seq
			resolvedIDs = append(resolvedIDs, id)
		}
	}
	return newIDs, resolvedIDs
}

// unresolvedByCategory counts unresolved ledger items per category.
func (s *Session) unresolvedByCategory() map[Category]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Category]int)
	for _, id := range s.order {
		if item := s.ledger[id]; !item.Resolved {
			counts[item.Category]++
		}
	}
	return counts
}

// unresolvedInCategory returns copies of the unresolved items of one
// category in ledger insertion order.
func (s *Session) unresolvedInCategory(c Category) []DiscrepancyItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []DiscrepancyItem
	for _, id := range s.order {
		if item := s.ledger[id]; !item.Resolved && item.Category == c {
			items = append(items, *item)
		}
	}
	return items
}

// Records returns a copy of the iteration log.
func (s *Session) Records() []IterationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IterationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Items returns a copy of the full discrepancy ledger in insertion order,
// resolved items included.
func (s *Session) Items() []DiscrepancyItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiscrepancyItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.ledger[id])
	}
	return out
}

// snapshotResult assembles a Result from the current session state.
func (s *Session) snapshotResult(err error) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]IterationRecord, len(s.records))
	copy(records, s.records)
	items := make([]DiscrepancyItem, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.ledger[id])
	}
	return Result{
		SessionID:  s.id,
		State:      s.state,
		Reason:     s.reason,
		FinalScore: s.score,
		Iterations: len(records),
		Records:    records,
		Items:      items,
		Err:        err,
	}
}

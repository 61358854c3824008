package convergence

import (
	"errors"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	cases := []struct {
		name    string
		path    []SessionState
		attempt SessionState
		wantErr bool
	}{
		{"idle to running", nil, StateRunning, false},
		{"idle to converged", nil, StateConverged, true},
		{"idle to aborted", nil, StateAborted, true},
		{"running to converged", []SessionState{StateRunning}, StateConverged, false},
		{"running to exhausted", []SessionState{StateRunning}, StateExhausted, false},
		{"running to aborted", []SessionState{StateRunning}, StateAborted, false},
		{"running to running", []SessionState{StateRunning}, StateRunning, true},
		{"converged is final", []SessionState{StateRunning, StateConverged}, StateRunning, true},
		{"aborted is final", []SessionState{StateRunning, StateAborted}, StateConverged, true},
		{"exhausted is final", []SessionState{StateRunning, StateExhausted}, StateAborted, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession("s1")
			for _, st := range tc.path {
				if err := s.transition(st, ""); err != nil {
					t.Fatalf("setup transition to %s failed: %v", st, err)
				}
			}
			err := s.transition(tc.attempt, "test")
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("transition(%s) error = %v, want ErrInvalidTransition", tc.attempt, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition(%s) error = %v", tc.attempt, err)
			}
			if got := s.State(); got != tc.attempt {
				t.Errorf("state = %s, want %s", got, tc.attempt)
			}
		})
	}
}

func TestAppendRecordEnforcesGaplessSequence(t *testing.T) {
	s := newSession("s1")
	if err := s.appendRecord(IterationRecord{Seq: 1, Score: 0.5}); err != nil {
		t.Fatalf("appendRecord(1) error = %v", err)
	}
	if err := s.appendRecord(IterationRecord{Seq: 3, Score: 0.6}); err == nil {
		t.Fatal("appendRecord(3) after 1 expected error, got nil")
	}
	if err := s.appendRecord(IterationRecord{Seq: 2, Score: 0.6}); err != nil {
		t.Fatalf("appendRecord(2) error = %v", err)
	}
	if got := len(s.Records()); got != 2 {
		t.Errorf("records = %d, want 2", got)
	}
	if got := s.Score(); got != 0.6 {
		t.Errorf("score = %v, want 0.6", got)
	}
}

func TestMergeDiffLedgerLifecycle(t *testing.T) {
	s := newSession("s1")
	a := layoutItem("item-a")
	b := DiscrepancyItem{ID: "item-b", Category: CategoryStyling, Description: "color off"}

	newIDs, resolved := s.mergeDiff(1, []DiscrepancyItem{a, b})
	if len(newIDs) != 2 || len(resolved) != 0 {
		t.Fatalf("first merge: new=%v resolved=%v, want 2 new, 0 resolved", newIDs, resolved)
	}

	// item-b vanishes at iteration 2: resolved, never deleted.
	newIDs, resolved = s.mergeDiff(2, []DiscrepancyItem{a})
	if len(newIDs) != 0 {
		t.Fatalf("second merge new = %v, want none", newIDs)
	}
	if len(resolved) != 1 || resolved[0] != "item-b" {
		t.Fatalf("second merge resolved = %v, want [item-b]", resolved)
	}
	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("ledger size = %d, want 2 (items are never deleted)", len(items))
	}
	for _, item := range items {
		if item.ID == "item-b" {
			if !item.Resolved || item.ResolvedSeq != 2 {
				t.Errorf("item-b resolved=%v resolvedSeq=%d, want true at 2", item.Resolved, item.ResolvedSeq)
			}
		}
	}

	// item-b reappears at iteration 3: reopened under its original identity.
	newIDs, _ = s.mergeDiff(3, []DiscrepancyItem{a, b})
	if len(newIDs) != 1 || newIDs[0] != "item-b" {
		t.Fatalf("third merge new = %v, want [item-b] reopened", newIDs)
	}
	items = s.Items()
	if len(items) != 2 {
		t.Fatalf("ledger size = %d after reopen, want 2", len(items))
	}
	for _, item := range items {
		if item.ID == "item-b" {
			if item.Resolved {
				t.Error("item-b still resolved after reopening")
			}
			if item.FirstSeen != 1 {
				t.Errorf("item-b first seen = %d, want 1 (identity preserved)", item.FirstSeen)
			}
		}
	}
}

func TestUnresolvedAccessorsAreDeterministic(t *testing.T) {
	s := newSession("s1")
	items := []DiscrepancyItem{
		{ID: "l1", Category: CategoryLayout},
		{ID: "t1", Category: CategoryTypography},
		{ID: "l2", Category: CategoryLayout},
		{ID: "c1", Category: CategoryComponent},
	}
	s.mergeDiff(1, items)

	counts := s.unresolvedByCategory()
	if counts[CategoryLayout] != 2 || counts[CategoryTypography] != 1 || counts[CategoryComponent] != 1 {
		t.Fatalf("unresolved counts = %v", counts)
	}

	layout := s.unresolvedInCategory(CategoryLayout)
	if len(layout) != 2 || layout[0].ID != "l1" || layout[1].ID != "l2" {
		t.Fatalf("layout items = %v, want [l1 l2] in insertion order", layout)
	}
}

func TestDefaultPickerFollowsPriorityOrder(t *testing.T) {
	picker := NewDefaultPicker()

	cases := []struct {
		name       string
		unresolved map[Category]int
		want       Category
		wantOK     bool
	}{
		{"layout wins", map[Category]int{CategoryStyling: 3, CategoryLayout: 1}, CategoryLayout, true},
		{"styling next", map[Category]int{CategoryStyling: 1, CategoryTypography: 5}, CategoryStyling, true},
		{"typography next", map[Category]int{CategoryComponent: 2, CategoryTypography: 1}, CategoryTypography, true},
		{"component last", map[Category]int{CategoryComponent: 4}, CategoryComponent, true},
		{"nothing actionable", map[Category]int{}, Category(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := picker.Pick(tc.unresolved)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Pick() = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestCategoryRanks(t *testing.T) {
	order := Categories()
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("category order broken: %s rank %d not before %s rank %d",
				order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
	if Category("/bogus").Valid() {
		t.Error("unknown category reported valid")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Threshold: 0.95, MaxIterations: 10}
	filled := cfg.withDefaults()
	if filled.SettleDelay == 0 || filled.CaptureTimeout == 0 || filled.EscalationAfter == 0 {
		t.Errorf("withDefaults left zero fields: %+v", filled)
	}
	if filled.Threshold != 0.95 || filled.MaxIterations != 10 {
		t.Errorf("withDefaults changed explicit fields: %+v", filled)
	}
}

// Package policy decides which discrepancy category the driver works next.
// The decision inputs are Mangle facts rebuilt from session state before
// every evaluation; the rules in policy.mg derive actionable categories, a
// stall signal and per-item escalations. Evaluation is deterministic:
// identical session histories produce identical picks.
package policy

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

//go:embed policy.mg
var ruleText string

// Hard cap on derived facts; the policy program is tiny so hitting this
// means a rule regression, not a big session.
const derivedFactLimit = 100000

// scoreScale converts similarity scores to fixed-point fact values. Mangle
// numbers are integers; four decimals keeps the 0.99 threshold regime
// distinguishable.
const scoreScale = 10000

// Options tune the policy rules.
type Options struct {
	StallWindow     int     `json:"stall_window" yaml:"stall_window"`         // Iterations without score movement before stalled
	StallEpsilon    float64 `json:"stall_epsilon" yaml:"stall_epsilon"`       // Minimum score delta that counts as movement
	EscalationAfter int     `json:"escalation_after" yaml:"escalation_after"` // Unresolved correction attempts before escalation
}

func (o Options) stallWindow() int {
	if o.StallWindow <= 0 {
		return 3
	}
	return o.StallWindow
}

func (o Options) stallEpsilon() float64 {
	if o.StallEpsilon <= 0 {
		return 0.0005
	}
	return o.StallEpsilon
}

func (o Options) escalationAfter() int {
	if o.EscalationAfter <= 0 {
		return 3
	}
	return o.EscalationAfter
}

// itemState is what the engine remembers about one discrepancy.
type itemState struct {
	category convergence.Category
	resolved bool
	misses   int // Consecutive corrections applied without resolving the item
}

// derived is the rule output of one evaluation.
type derived struct {
	actionable []convergence.Category // Sorted by rank
	escalated  []string               // Sorted item IDs
	stalled    bool
}

// Engine implements convergence.CategoryPicker and IterationObserver on top
// of the Mangle rule engine. The program is parsed and analyzed once; every
// evaluation runs against a fresh fact store.
type Engine struct {
	mu      sync.Mutex
	opts    Options
	program *analysis.ProgramInfo

	items      map[string]*itemState
	scores     []float64
	stallRun   int
	lastPicked convergence.Category
	last       derived
}

// New parses and analyzes the embedded policy program.
func New(opts Options) (*Engine, error) {
	parsed, err := parse.Unit(strings.NewReader(ruleText))
	if err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze policy rules: %w", err)
	}
	return &Engine{
		opts:    opts,
		program: info,
		items:   make(map[string]*itemState),
	}, nil
}

// Pick implements convergence.CategoryPicker. The lowest-ranked actionable
// category wins; when the session has stalled on a category and another is
// actionable, the pick rotates to break the plateau.
func (e *Engine) Pick(unresolved map[convergence.Category]int) (convergence.Category, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.evaluate(unresolved)
	if err != nil {
		logging.Get(logging.CategoryPolicy).Warn("policy evaluation failed, falling back to rank order: %v", err)
		return fallbackPick(unresolved)
	}
	e.last = d

	if len(d.actionable) == 0 {
		return "", false
	}

	pick := d.actionable[0]
	if d.stalled && len(d.actionable) > 1 && e.lastPicked != "" {
		for i, c := range d.actionable {
			if c == e.lastPicked {
				pick = d.actionable[(i+1)%len(d.actionable)]
				logging.PolicyDebug("score stalled on %s, rotating to %s", e.lastPicked, pick)
				break
			}
		}
	}
	e.lastPicked = pick
	return pick, true
}

// ObserveIteration implements convergence.IterationObserver. It folds the
// completed iteration into the engine's fact sources.
func (e *Engine) ObserveIteration(rec convergence.IterationRecord, unresolved map[convergence.Category]int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := rec.PreScore
	if n := len(e.scores); n > 0 {
		prev = e.scores[n-1]
	}
	e.scores = append(e.scores, rec.Score)
	if diff := rec.Score - prev; diff < e.opts.stallEpsilon() && diff > -e.opts.stallEpsilon() {
		e.stallRun++
	} else {
		e.stallRun = 0
	}

	resolvedNow := make(map[string]bool, len(rec.ResolvedItems))
	for _, id := range rec.ResolvedItems {
		resolvedNow[id] = true
	}

	for _, c := range rec.Corrections {
		st := e.items[c.ItemID]
		if st == nil {
			st = &itemState{category: c.Category}
			e.items[c.ItemID] = st
		}
		if resolvedNow[c.ItemID] {
			st.misses = 0
		} else {
			st.misses++
		}
	}
	for id := range resolvedNow {
		if st := e.items[id]; st != nil {
			st.resolved = true
			st.misses = 0
		}
	}
	for _, id := range rec.NewItems {
		if st := e.items[id]; st != nil {
			st.resolved = false
		}
	}
}

// Stalled reports whether the last evaluation derived the stall signal.
func (e *Engine) Stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.stalled
}

// Escalated returns the item IDs the last evaluation flagged for escalation.
func (e *Engine) Escalated() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.last.escalated))
	copy(out, e.last.escalated)
	return out
}

// evaluate rebuilds the fact store from current state and runs the program
// to fixpoint. Caller holds the lock.
func (e *Engine) evaluate(unresolved map[convergence.Category]int) (derived, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, atom := range e.factAtoms(unresolved) {
		store.Add(atom)
	}

	_, err := engine.EvalProgramWithStats(e.program, store,
		engine.WithCreatedFactLimit(derivedFactLimit))
	if err != nil {
		return derived{}, fmt.Errorf("evaluate policy program: %w", err)
	}

	var d derived
	for _, fact := range e.queryFacts(store, "actionable_category") {
		if len(fact.Args) == 1 {
			d.actionable = append(d.actionable, convergence.Category(constantString(fact.Args[0])))
		}
	}
	sort.Slice(d.actionable, func(i, j int) bool {
		a, b := d.actionable[i], d.actionable[j]
		if a.Rank() != b.Rank() {
			return a.Rank() < b.Rank()
		}
		return a < b
	})
	for _, fact := range e.queryFacts(store, "escalate_item") {
		if len(fact.Args) == 1 {
			d.escalated = append(d.escalated, constantString(fact.Args[0]))
		}
	}
	sort.Strings(d.escalated)
	d.stalled = len(e.queryFacts(store, "stalled")) > 0
	return d, nil
}

// factAtoms materializes the extensional facts. Items whose identity the
// engine has not seen yet (no correction has named them) are covered by one
// queued placeholder per category so the category still derives actionable.
func (e *Engine) factAtoms(unresolved map[convergence.Category]int) []ast.Atom {
	var atoms []ast.Atom

	knownUnresolved := make(map[convergence.Category]int)
	for id, st := range e.items {
		atoms = append(atoms, ast.NewAtom("discrepancy",
			ast.String(id), nameConstant(string(st.category)), boolConstant(st.resolved)))
		if !st.resolved {
			knownUnresolved[st.category]++
		}
		if st.misses > 0 {
			atoms = append(atoms, ast.NewAtom("correction_failure",
				ast.String(id), ast.Number(int64(st.misses))))
		}
	}
	for cat, n := range unresolved {
		if n > knownUnresolved[cat] {
			atoms = append(atoms, ast.NewAtom("discrepancy",
				ast.String("queued:"+string(cat)), nameConstant(string(cat)), ast.FalseConstant))
		}
	}

	for _, c := range convergence.Categories() {
		atoms = append(atoms, ast.NewAtom("category_rank",
			nameConstant(string(c)), ast.Number(int64(c.Rank()))))
	}
	for i, score := range e.scores {
		atoms = append(atoms, ast.NewAtom("iteration_score",
			ast.Number(int64(i+1)), ast.Number(int64(score*scoreScale))))
	}

	atoms = append(atoms,
		ast.NewAtom("stall_run", ast.Number(int64(e.stallRun))),
		ast.NewAtom("stall_window", ast.Number(int64(e.opts.stallWindow()))),
		ast.NewAtom("escalation_after", ast.Number(int64(e.opts.escalationAfter()))),
	)
	return atoms
}

// queryFacts reads all facts of a derived predicate out of the store.
func (e *Engine) queryFacts(store factstore.FactStore, name string) []ast.Atom {
	var out []ast.Atom
	for pred := range e.program.Decls {
		if pred.Symbol != name {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			out = append(out, a)
			return nil
		})
		break
	}
	return out
}

// fallbackPick mirrors the default picker when rule evaluation fails.
func fallbackPick(unresolved map[convergence.Category]int) (convergence.Category, bool) {
	for _, c := range convergence.Categories() {
		if unresolved[c] > 0 {
			return c, true
		}
	}
	return "", false
}

func nameConstant(s string) ast.BaseTerm {
	c, err := ast.Name(s)
	if err != nil {
		return ast.String(s)
	}
	return c
}

func boolConstant(b bool) ast.BaseTerm {
	if b {
		return ast.TrueConstant
	}
	return ast.FalseConstant
}

func constantString(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	return c.Symbol
}

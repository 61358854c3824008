// Package textdiff computes line-level diffs of correction payloads, page
// stylesheets and battery transcripts on top of the sergi/go-diff engine.
// The report and history commands render the result in unified format.
package textdiff

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// OpType classifies one diff line.
type OpType int

const (
	OpContext OpType = iota
	OpAdd
	OpDelete
)

// Line is a single line of a hunk. OldNum and NewNum are 1-based; a line
// absent from one side carries 0 there.
type Line struct {
	OldNum int
	NewNum int
	Text   string
	Op     OpType
}

// Hunk is one contiguous group of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Patch is the full diff between two texts.
type Patch struct {
	OldLabel string
	NewLabel string
	Hunks    []Hunk
	Added    int
	Removed  int
}

// Empty reports whether the two inputs were identical.
func (p *Patch) Empty() bool {
	return len(p.Hunks) == 0
}

// Unified renders the patch in unified diff format.
func (p *Patch) Unified() string {
	if p.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", p.OldLabel, p.NewLabel)
	for _, h := range p.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Op {
			case OpAdd:
				b.WriteString("+")
			case OpDelete:
				b.WriteString("-")
			default:
				b.WriteString(" ")
			}
			b.WriteString(l.Text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// contextLines is the context shown around each change group.
const contextLines = 3

// Engine computes diffs with result caching for repeated input pairs. The
// driver diffs the same stylesheet against successive patches, so identical
// pairs recur.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map // cacheKey -> *Patch
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates a diff engine. The underlying matcher runs without a
// timeout so identical inputs always produce identical hunks.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Default is a shared engine for callers without their own.
var Default = NewEngine()

// Compute diffs two texts using the default engine.
func Compute(oldLabel, newLabel, oldText, newText string) *Patch {
	return Default.Compute(oldLabel, newLabel, oldText, newText)
}

// Compute diffs two texts line by line and groups changes into hunks.
func (e *Engine) Compute(oldLabel, newLabel, oldText, newText string) *Patch {
	key := cacheKey{oldHash: hashText(oldText), newHash: hashText(newText)}
	if cached, ok := e.cache.Load(key); ok {
		clone := *cached.(*Patch)
		clone.OldLabel = oldLabel
		clone.NewLabel = newLabel
		return &clone
	}

	// Line-level reduction avoids newline boundary artifacts when the
	// character diff is mapped back to lines.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldText, newText)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	lines := flatten(diffs)
	patch := &Patch{
		OldLabel: oldLabel,
		NewLabel: newLabel,
		Hunks:    group(lines),
	}
	for _, l := range lines {
		switch l.Op {
		case OpAdd:
			patch.Added++
		case OpDelete:
			patch.Removed++
		}
	}

	e.cache.Store(key, patch)
	return patch
}

// InlineDiff computes a character-level diff within a single changed line,
// used by the terminal UI to highlight the exact edit.
func (e *Engine) InlineDiff(oldLine, newLine string) []diffmatchpatch.Diff {
	diffs := e.dmp.DiffMain(oldLine, newLine, false)
	return e.dmp.DiffCleanupSemantic(diffs)
}

// ClearCache drops all cached patches.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// flatten converts the matcher output into numbered line operations.
func flatten(diffs []diffmatchpatch.Diff) []Line {
	var out []Line
	oldNum, newNum := 0, 0

	for _, d := range diffs {
		text := d.Text
		if text == "" {
			continue
		}
		split := strings.Split(text, "\n")
		if split[len(split)-1] == "" {
			split = split[:len(split)-1]
		}
		for _, s := range split {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldNum++
				newNum++
				out = append(out, Line{OldNum: oldNum, NewNum: newNum, Text: s, Op: OpContext})
			case diffmatchpatch.DiffDelete:
				oldNum++
				out = append(out, Line{OldNum: oldNum, Text: s, Op: OpDelete})
			case diffmatchpatch.DiffInsert:
				newNum++
				out = append(out, Line{NewNum: newNum, Text: s, Op: OpAdd})
			}
		}
	}
	return out
}

// group slices the flat line list into hunks: change runs whose context
// windows touch are merged into one hunk.
func group(lines []Line) []Hunk {
	var changed []int
	for i, l := range lines {
		if l.Op != OpContext {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	var hunks []Hunk
	start := changed[0]
	prev := changed[0]
	for _, idx := range changed[1:] {
		if idx-prev > 2*contextLines {
			hunks = append(hunks, makeHunk(lines, start, prev))
			start = idx
		}
		prev = idx
	}
	hunks = append(hunks, makeHunk(lines, start, prev))
	return hunks
}

// makeHunk builds one hunk covering the change run [firstChange, lastChange]
// plus up to contextLines of context on each side.
func makeHunk(lines []Line, firstChange, lastChange int) Hunk {
	lo := max(0, firstChange-contextLines)
	hi := min(len(lines), lastChange+contextLines+1)

	h := Hunk{Lines: make([]Line, hi-lo)}
	copy(h.Lines, lines[lo:hi])

	for _, l := range h.Lines {
		if l.Op != OpAdd {
			h.OldCount++
			if h.OldStart == 0 {
				h.OldStart = l.OldNum
			}
		}
		if l.Op != OpDelete {
			h.NewCount++
			if h.NewStart == 0 {
				h.NewStart = l.NewNum
			}
		}
	}
	return h
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

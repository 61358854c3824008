package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// ScriptCorrector runs a user-supplied Go script through the yaegi
// interpreter instead of compiling it. The script must define:
//
//	func Correct(input string) (string, error)
//
// input is a JSON scriptInput; the returned string is a JSON scriptOutput,
// or empty for no proposal. Only a whitelist of stdlib packages may be
// imported; the script gets no filesystem, network or exec access, and the
// driver's correction timeout bounds each call.
type ScriptCorrector struct {
	path    string
	code    string
	allowed map[string]bool
}

// scriptInput is the JSON handed to the script.
type scriptInput struct {
	Item       convergence.DiscrepancyItem `json:"item"`
	Seq        int                         `json:"seq"`
	LastScore  float64                     `json:"last_score"`
	Failures   int                         `json:"failures"`
	DOMOutline string                      `json:"dom_outline,omitempty"`
}

// scriptOutput is the JSON the script returns.
type scriptOutput struct {
	Kind        string `json:"kind,omitempty"` // Defaults to "stylesheet"
	Payload     string `json:"payload"`
	Description string `json:"description,omitempty"`
}

// NewScriptCorrector loads and vets the script at path.
func NewScriptCorrector(path string) (*ScriptCorrector, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read correction script %s: %w", path, err)
	}

	s := &ScriptCorrector{
		path: path,
		code: string(code),
		allowed: map[string]bool{
			"strings":       true,
			"strconv":       true,
			"fmt":           true,
			"math":          true,
			"regexp":        true,
			"encoding/json": true,
			"sort":          true,
			"bytes":         true,
			"time":          true,

			// Blocked: os, os/exec, net, net/http, syscall, unsafe.
		},
	}
	if err := s.validateImports(); err != nil {
		return nil, fmt.Errorf("correction script %s: %w", path, err)
	}
	return s, nil
}

// Propose implements convergence.Corrector. Each call evaluates the script
// in a fresh interpreter so runs cannot leak state into each other.
func (s *ScriptCorrector) Propose(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (convergence.CorrectionRef, error) {
	input, err := json.Marshal(scriptInput{
		Item:       item,
		Seq:        view.Seq,
		LastScore:  view.LastScore,
		Failures:   view.Failures,
		DOMOutline: snapshotOutline(view),
	})
	if err != nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
	}

	raw, err := s.run(ctx, string(input))
	if err != nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}

	var out scriptOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: fmt.Errorf("script output is not valid JSON: %w", err)}
	}
	if out.Payload == "" {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}

	kind := out.Kind
	if kind == "" {
		kind = convergence.KindStylesheet
	}
	if kind == convergence.KindStylesheet {
		if err := ValidateCSS(ctx, out.Payload); err != nil {
			return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
		}
	}

	desc := out.Description
	if desc == "" {
		desc = fmt.Sprintf("script correction from %s", s.path)
	}
	logging.CorrectDebug("script %s proposed %s correction for item %s", s.path, kind, item.ID)
	return convergence.CorrectionRef{
		ItemID:      item.ID,
		Category:    item.Category,
		Kind:        kind,
		Payload:     out.Payload,
		Description: desc,
	}, nil
}

// run evaluates the script and calls its Correct function, bounded by ctx.
func (s *ScriptCorrector) run(ctx context.Context, input string) (string, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(s.wrapCode()); err != nil {
		return "", fmt.Errorf("script evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Correct")
	if err != nil {
		return "", fmt.Errorf("Correct function not found: %w", err)
	}
	correct, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("Correct has wrong signature (want func(string) (string, error))")
	}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := correct(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("correction script timed out: %w", ctx.Err())
	}
}

// validateImports rejects scripts importing anything off the whitelist.
func (s *ScriptCorrector) validateImports() error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(s.code, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(trimmed, ")") {
			inBlock = false
			continue
		}

		var pkg string
		if inBlock {
			pkg = strings.Trim(trimmed, `"`)
		} else if strings.HasPrefix(trimmed, "import ") {
			pkg = strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
		} else {
			continue
		}
		if pkg == "" {
			continue
		}
		if !s.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func (s *ScriptCorrector) wrapCode() string {
	if strings.Contains(s.code, "package main") {
		return s.code
	}
	return "package main\n\n" + s.code
}

func snapshotOutline(view convergence.SessionView) string {
	if view.Snapshot == nil {
		return ""
	}
	return view.Snapshot.DOMOutline
}

package correct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/logging"
)

// ExecCorrector shells out to a user command for each proposal. The
// discrepancy is written to the command's stdin as JSON (same shape as the
// script corrector input); the command prints a JSON correction to stdout,
// or nothing for no proposal. Because the command typically edits source
// files on disk, the default kind is "exec", which makes the target reload
// rather than patch in place.
type ExecCorrector struct {
	command string
	workdir string
}

// NewExecCorrector wraps the given shell command.
func NewExecCorrector(command, workdir string) (*ExecCorrector, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("exec corrector requires a command")
	}
	return &ExecCorrector{command: command, workdir: workdir}, nil
}

// Propose implements convergence.Corrector.
func (e *ExecCorrector) Propose(ctx context.Context, item convergence.DiscrepancyItem, view convergence.SessionView) (convergence.CorrectionRef, error) {
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

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", e.command)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", e.command)
	}
	if e.workdir != "" {
		cmd.Dir = e.workdir
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("correction command timed out: %w", ctx.Err())
		} else if stderr.Len() > 0 {
			err = fmt.Errorf("correction command failed: %w: %s", err, firstLine(stderr.String()))
		} else {
			err = fmt.Errorf("correction command failed: %w", err)
		}
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
	}

	raw := strings.TrimSpace(stdout.String())
	if raw == "" {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}

	var out scriptOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: fmt.Errorf("command output is not valid JSON: %w", err)}
	}

	kind := out.Kind
	if kind == "" {
		kind = convergence.KindExec
	}
	if kind == convergence.KindStylesheet {
		if err := ValidateCSS(ctx, out.Payload); err != nil {
			return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: err}
		}
	}
	if kind != convergence.KindExec && out.Payload == "" {
		return convergence.CorrectionRef{}, &convergence.CorrectionError{ItemID: item.ID, Err: ErrNoProposal}
	}

	desc := out.Description
	if desc == "" {
		desc = fmt.Sprintf("external correction via %q", e.command)
	}
	logging.CorrectDebug("command proposed %s correction for item %s", kind, item.ID)
	return convergence.CorrectionRef{
		ItemID:      item.ID,
		Category:    item.Category,
		Kind:        kind,
		Payload:     out.Payload,
		Description: desc,
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package verify runs the post-convergence check battery. Batteries are
// YAML-defined suites run after a session converges (or on demand through
// the verify command) to confirm the corrected artifact still holds up:
// shell checks run arbitrary commands, score checks re-capture the live
// artifact and require the similarity to clear a floor.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pixeldrift/internal/logging"
)

// Battery is an ordered collection of checks.
type Battery struct {
	Version int     `yaml:"version"`
	Checks  []Check `yaml:"checks"`
}

// Check is a single verification step.
type Check struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"` // "shell" or "score"
	Command    string  `yaml:"command,omitempty"`
	TimeoutSec int     `yaml:"timeout_sec,omitempty"`
	MinScore   float64 `yaml:"min_score,omitempty"`
}

// Result captures the outcome of one check.
type Result struct {
	Name       string
	Type       string
	Passed     bool
	Output     string
	Detail     string
	DurationMs int64
	RanAt      time.Time
}

// RunOptions configure a battery run.
type RunOptions struct {
	// Workdir is the working directory for shell checks.
	Workdir string
	// Score re-measures the live artifact. nil makes score checks fail as
	// unsupported (no target attached).
	Score func(ctx context.Context) (float64, error)
}

// Load reads a YAML battery from disk.
func Load(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Battery
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse battery YAML: %w", err)
	}
	return &b, nil
}

// DefaultPath returns the canonical battery location for a workspace.
func DefaultPath(workdir string) string {
	return filepath.Join(workdir, "checks.yaml")
}

// Run executes the checks in order, failing fast on the first failure so a
// broken artifact is reported without burning the rest of the battery.
func Run(ctx context.Context, b *Battery, opts RunOptions) ([]Result, error) {
	if b == nil || len(b.Checks) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(b.Checks))
	for i, check := range b.Checks {
		start := time.Now()

		name := strings.TrimSpace(check.Name)
		if name == "" {
			name = fmt.Sprintf("check-%d", i+1)
		}
		kind := strings.ToLower(strings.TrimSpace(check.Type))
		if kind == "" {
			kind = "shell"
		}

		res := Result{Name: name, Type: kind, RanAt: start.UTC()}
		switch kind {
		case "shell":
			res = runShellCheck(ctx, check, res, opts.Workdir)
		case "score":
			res = runScoreCheck(ctx, check, res, opts.Score)
		default:
			res.Passed = false
			res.Detail = fmt.Sprintf("unsupported check type: %s", check.Type)
		}
		res.DurationMs = time.Since(start).Milliseconds()

		if res.Passed {
			logging.Verify("check %s passed (%dms)", name, res.DurationMs)
		} else {
			logging.Get(logging.CategoryVerify).Warn("check %s failed: %s", name, res.Detail)
		}
		results = append(results, res)
		if !res.Passed {
			break
		}
	}
	return results, nil
}

func runShellCheck(ctx context.Context, check Check, res Result, workdir string) Result {
	timeout := time.Duration(check.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runShell(cctx, check.Command, workdir)
	res.Output = out
	if err != nil {
		res.Passed = false
		res.Detail = err.Error()
		return res
	}
	res.Passed = true
	return res
}

func runScoreCheck(ctx context.Context, check Check, res Result, score func(ctx context.Context) (float64, error)) Result {
	if score == nil {
		res.Passed = false
		res.Detail = "score check requires an attached render target"
		return res
	}
	if check.MinScore <= 0 || check.MinScore > 1 {
		res.Passed = false
		res.Detail = fmt.Sprintf("min_score %.4f out of range (0, 1]", check.MinScore)
		return res
	}

	timeout := time.Duration(check.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	got, err := score(cctx)
	if err != nil {
		res.Passed = false
		res.Detail = fmt.Sprintf("score measurement failed: %v", err)
		return res
	}
	if got < check.MinScore {
		res.Passed = false
		res.Detail = fmt.Sprintf("score %.4f below minimum %.4f", got, check.MinScore)
		return res
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("score %.4f", got)
	return res
}

func runShell(ctx context.Context, command string, workdir string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", command)
	}
	if workdir != "" {
		cmd.Dir = workdir
	}

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed (%s): %w", command, err)
	}
	return string(out), nil
}

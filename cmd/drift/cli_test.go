package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"pixeldrift/internal/config"
	"pixeldrift/internal/convergence"
	"pixeldrift/internal/history"
	"pixeldrift/internal/verify"
)

func TestRunInitScaffoldsWorkspace(t *testing.T) {
	ws := t.TempDir()
	workspace = ws
	defer func() { workspace = "" }()

	cmd := &cobra.Command{}
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, path := range []string{
		filepath.Join(ws, "drift.yaml"),
		filepath.Join(ws, ".drift", "checks.yaml"),
		filepath.Join(ws, ".drift", "patches"),
		filepath.Join(ws, ".drift", "logs"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	// Second run keeps existing files
	if err := runInit(cmd, nil); err != nil {
		t.Errorf("runInit second run failed: %v", err)
	}

	loaded, err := config.Load(filepath.Join(ws, "drift.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	wsRoot = t.TempDir()
	defer func() { wsRoot = "" }()

	if got := resolvePath(""); got != "" {
		t.Errorf("empty path = %q", got)
	}
	if got := resolvePath("http://example.com/ref.png"); got != "http://example.com/ref.png" {
		t.Errorf("URL should pass through, got %q", got)
	}
	abs := filepath.Join(wsRoot, "x.png")
	if got := resolvePath(abs); got != abs {
		t.Errorf("absolute path should pass through, got %q", got)
	}
	if got := resolvePath("design/x.png"); got != filepath.Join(wsRoot, "design", "x.png") {
		t.Errorf("relative path = %q", got)
	}
}

func TestBuildTargetRejectsMissing(t *testing.T) {
	wsRoot = t.TempDir()
	cfg = &config.Config{}
	defer func() { wsRoot = ""; cfg = nil }()

	_, err := buildTarget("")
	var cfgErr *convergence.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "target" {
		t.Errorf("empty target error = %v", err)
	}

	if _, err := buildTarget("no-such-path"); err == nil {
		t.Error("expected error for a nonexistent target path")
	}
}

func TestSessionError(t *testing.T) {
	converged := convergence.Result{SessionID: "s1", State: convergence.StateConverged}
	if err := sessionError(converged); err != nil {
		t.Errorf("converged session should not error: %v", err)
	}

	aborted := convergence.Result{SessionID: "s2", State: convergence.StateAborted, Reason: "cancelled"}
	if err := sessionError(aborted); err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("aborted session error = %v", err)
	}

	failure := &convergence.ConvergenceFailure{Threshold: 0.99, FinalScore: 0.9}
	exhausted := convergence.Result{SessionID: "s3", State: convergence.StateExhausted, Err: failure}
	if err := sessionError(exhausted); !errors.Is(err, failure) {
		t.Errorf("exhausted session should surface the failure, got %v", err)
	}
}

func TestBatteryNeedsScore(t *testing.T) {
	b := &verify.Battery{Checks: []verify.Check{{Type: "shell"}, {Type: " Score "}}}
	if !batteryNeedsScore(b) {
		t.Error("expected score check to be detected")
	}
	b = &verify.Battery{Checks: []verify.Check{{Type: "shell"}}}
	if batteryNeedsScore(b) {
		t.Error("shell-only battery should not need a score func")
	}
}

func TestToVerificationRecords(t *testing.T) {
	now := time.Now().UTC()
	results := []verify.Result{
		{Name: "a", Type: "shell", Passed: true, DurationMs: 12, RanAt: now},
		{Name: "b", Type: "score", Passed: false, Detail: "score 0.9 below minimum 0.99", DurationMs: 8, RanAt: now},
	}

	recs := toVerificationRecords(results)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Name != "a" || !recs[0].Passed || recs[0].RanAt != now {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Passed || recs[1].Detail == "" {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestBuildReport(t *testing.T) {
	started := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	detail := &history.SessionDetail{
		Summary: history.SessionSummary{
			ID:              "sess-42",
			StartedAt:       started,
			FinishedAt:      started.Add(90 * time.Second),
			State:           convergence.StateConverged,
			FinalScore:      0.9931,
			Iterations:      7,
			Threshold:       0.99,
			MaxIterations:   30,
			ReferenceSource: "design/home.png",
		},
		Records: []convergence.IterationRecord{
			{Seq: 1, Category: convergence.CategoryLayout, PreScore: 0.81, Score: 0.88,
				Corrections: []convergence.CorrectionRef{{ID: "c1"}}},
			{Seq: 2, Category: convergence.CategoryStyling, PreScore: 0.88, Score: 0.9931,
				Warnings: []string{"correction c2 applied without effect"}},
		},
		Items: []convergence.DiscrepancyItem{
			{ID: "d-1", Category: convergence.CategoryLayout, Resolved: true},
			{ID: "d-2", Category: convergence.CategoryStyling, Description: "button color off", Severity: 0.4},
		},
		Verifications: []history.VerificationRecord{
			{Name: "similarity holds", Type: "score", Passed: true, Detail: "score 0.9931", DurationMs: 420},
		},
		OutlineDiffs: map[int]string{
			1: "--- iter_001_pre.outline\n+++ iter_001_post.outline\n@@ -1,2 +1,2 @@\n-div.header (0,0 1280x60)\n+div.header (0,0 1280x72)\n context\n",
		},
	}

	md := buildReport(detail)
	for _, want := range []string{
		"# Convergence Report: sess-42",
		"`/converged`",
		"0.9931",
		"| 1 | layout | 0.8800 | +0.0700 | 1 | 0 | 0 |",
		"1 resolved, 1 still open",
		"button color off",
		"## Structural changes",
		"+div.header (0,0 1280x72)",
		"**PASS** similarity holds",
		"iteration 2: correction c2 applied without effect",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q\n%s", want, md)
		}
	}
}

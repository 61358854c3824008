package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pixeldrift/cmd/drift/ui"
	"pixeldrift/internal/compare"
	"pixeldrift/internal/history"
	"pixeldrift/internal/reference"
	"pixeldrift/internal/verify"
)

var (
	verifyBattery string
	verifySession string
	verifyRef     string
	verifyTarget  string
)

// verifyCmd re-runs the check battery on demand
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the check battery against the current artifact",
	Long: `Runs the YAML check battery outside a convergence session.

Shell checks run in the workspace root. Score checks re-capture the target
and require the similarity against the reference to clear their floor; they
need a reference and target, from flags or drift.yaml.

Results are appended to the most recent stored session unless --session
names another one.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyBattery, "battery", "", "Battery file (default: verify.battery from drift.yaml)")
	verifyCmd.Flags().StringVar(&verifySession, "session", "", "Session ID to attach results to (default: latest)")
	verifyCmd.Flags().StringVar(&verifyRef, "ref", "", "Reference image for score checks")
	verifyCmd.Flags().StringVar(&verifyTarget, "target", "", "Render target for score checks")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	path := verifyBattery
	if path == "" {
		path = cfg.GetVerify(wsRoot).Battery
	}
	battery, err := verify.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load battery %s: %w", path, err)
	}

	opts := verify.RunOptions{Workdir: wsRoot}
	if batteryNeedsScore(battery) {
		score, cleanup, err := buildScoreFunc(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		opts.Score = score
	}

	fmt.Println(ui.BatteryHeader(path))
	results, err := verify.Run(ctx, battery, opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No checks defined.")
		return nil
	}
	for _, res := range results {
		fmt.Println(ui.CheckLine(res.Name, res.Passed, res.Detail, res.DurationMs))
	}

	if err := persistVerifyResults(ctx, results); err != nil {
		return err
	}
	for _, res := range results {
		if !res.Passed {
			return fmt.Errorf("check %q failed: %s", res.Name, res.Detail)
		}
	}
	fmt.Printf("All %d checks passed.\n", len(results))
	return nil
}

// batteryNeedsScore reports whether any check re-measures similarity.
func batteryNeedsScore(b *verify.Battery) bool {
	for _, check := range b.Checks {
		if strings.EqualFold(strings.TrimSpace(check.Type), "score") {
			return true
		}
	}
	return false
}

// buildScoreFunc wires a reference, target, and comparator for score checks.
func buildScoreFunc(ctx context.Context) (func(ctx context.Context) (float64, error), func(), error) {
	cleanup := func() {}

	refSource := verifyRef
	if refSource == "" {
		refSource = cfg.Reference
	}
	target := verifyTarget
	if target == "" {
		target = cfg.Target
	}
	if refSource == "" || target == "" {
		return nil, cleanup, fmt.Errorf("score checks need a reference and a target (flags or drift.yaml)")
	}

	ref, err := reference.Load(ctx, resolvePath(refSource))
	if err != nil {
		return nil, cleanup, err
	}
	rt, err := buildTarget(target)
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = func() { _ = rt.Close() }

	cmp := compare.New(cfg.GetCompare())
	return func(ctx context.Context) (float64, error) {
		snap, err := rt.Capture(ctx)
		if err != nil {
			return 0, err
		}
		return cmp.Score(ctx, ref, snap)
	}, cleanup, nil
}

// persistVerifyResults appends battery results to a stored session.
func persistVerifyResults(ctx context.Context, results []verify.Result) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	defer store.Close()

	sessionID := verifySession
	if sessionID == "" {
		sessionID, err = store.LatestSessionID(ctx)
		if err != nil || sessionID == "" {
			fmt.Println("No stored session to attach results to.")
			return nil
		}
	}
	if err := store.RecordVerifications(ctx, sessionID, toVerificationRecords(results)); err != nil {
		return err
	}
	fmt.Printf("Results recorded on session %s.\n", sessionID)
	return nil
}

func toVerificationRecords(results []verify.Result) []history.VerificationRecord {
	out := make([]history.VerificationRecord, 0, len(results))
	for _, res := range results {
		out = append(out, history.VerificationRecord{
			Name:       res.Name,
			Type:       res.Type,
			Passed:     res.Passed,
			Detail:     res.Detail,
			DurationMs: res.DurationMs,
			RanAt:      res.RanAt,
		})
	}
	return out
}

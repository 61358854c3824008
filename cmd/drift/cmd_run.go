package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pixeldrift/cmd/drift/ui"
	"pixeldrift/internal/config"
	"pixeldrift/internal/convergence"
	"pixeldrift/internal/history"
	"pixeldrift/internal/verify"
)

var (
	runRef       string
	runTarget    string
	runTUI       bool
	runThreshold float64
	runMaxIter   int
	runNoVerify  bool
)

// runCmd executes one convergence session
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a convergence session against the reference design",
	Long: `Runs the compare-adjust-verify loop until the rendered page matches the
reference design image or the iteration budget runs out.

Each iteration:
  1. Captures the live page
  2. Scores it against the reference and diffs discrepancy regions
  3. Picks the highest-priority open category
  4. Applies one correction per open item in that category
  5. Re-captures and re-scores

Examples:
  drift run --ref design/home.png --target http://localhost:3000
  drift run --tui
  drift run --target snapshots/ --threshold 0.95`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runRef, "ref", "", "Reference design image (path or URL, default from drift.yaml)")
	runCmd.Flags().StringVar(&runTarget, "target", "", "Page URL, HTML file, or frame directory (default from drift.yaml)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Render a live terminal view of the session")
	runCmd.Flags().Float64Var(&runThreshold, "threshold", 0, "Similarity threshold override, (0, 1]")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "Iteration budget override")
	runCmd.Flags().BoolVar(&runNoVerify, "no-verify", false, "Skip the post-convergence check battery")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	applyRunOverrides(cmd)

	refSource := runRef
	if refSource == "" {
		refSource = cfg.Reference
	}
	target := runTarget
	if target == "" {
		target = cfg.Target
	}
	zapLog.Info("starting convergence session",
		zap.String("reference", refSource),
		zap.String("target", target))

	store, err := openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	parts, err := buildSession(ctx, refSource, target, store)
	defer parts.close()
	if err != nil {
		return err
	}

	var res convergence.Result
	if runTUI {
		res, err = runWithTUI(ctx, cancel, parts.drv, target)
	} else {
		res, err = runPlain(ctx, parts.drv, target)
	}
	if err != nil {
		return err
	}
	zapLog.Info("session finished",
		zap.String("session", res.SessionID),
		zap.String("state", string(res.State)),
		zap.Float64("score", res.FinalScore),
		zap.Int("iterations", res.Iterations))

	if res.State == convergence.StateConverged && !runNoVerify {
		if err := runPostBattery(ctx, parts, store); err != nil {
			return err
		}
	}
	return sessionError(res)
}

// applyRunOverrides folds CLI overrides into the loaded config so every
// consumer sees the same values.
func applyRunOverrides(cmd *cobra.Command) {
	if !cmd.Flags().Changed("threshold") && !cmd.Flags().Changed("max-iterations") {
		return
	}
	if cfg.Driver == nil {
		cfg.Driver = &config.DriverConfig{}
	}
	if cmd.Flags().Changed("threshold") {
		cfg.Driver.Threshold = runThreshold
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.Driver.MaxIterations = runMaxIter
	}
}

// runPlain consumes the record stream and prints one styled line per
// iteration.
func runPlain(ctx context.Context, drv *convergence.Driver, target string) (convergence.Result, error) {
	records, err := drv.Run(ctx)
	if err != nil {
		return convergence.Result{}, err
	}

	fmt.Println(ui.SessionHeader(drv.SessionID(), target, drv.Config().Threshold, drv.Config().MaxIterations))
	for rec := range records {
		fmt.Println(ui.IterationLine(rec, drv.Config().MaxIterations))
	}

	res := drv.Result()
	fmt.Println(ui.SessionSummary(res))
	return res, nil
}

// runWithTUI drives the bubbletea live view. The record stream is forwarded
// into the program; quitting the view cancels the session.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, drv *convergence.Driver, target string) (convergence.Result, error) {
	records, err := drv.Run(ctx)
	if err != nil {
		return convergence.Result{}, err
	}

	model := ui.NewRunModel(drv.SessionID(), target, drv.Config().Threshold, drv.Config().MaxIterations)
	prog := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		for rec := range records {
			prog.Send(ui.IterationMsg{Record: rec})
		}
		prog.Send(ui.DoneMsg{Result: drv.Result()})
	}()

	if _, err := prog.Run(); err != nil {
		cancel()
		return convergence.Result{}, fmt.Errorf("terminal view failed: %w", err)
	}
	// Quit before the terminal state: cancel and let the loop wind down.
	cancel()
	res := drv.Result()
	fmt.Println(ui.SessionSummary(res))
	return res, nil
}

// runPostBattery runs the configured check battery after convergence. The
// session's target and comparator serve the score checks.
func runPostBattery(ctx context.Context, parts *sessionParts, store *history.Store) error {
	vc := cfg.GetVerify(wsRoot)
	if !vc.Auto {
		return nil
	}
	if _, err := os.Stat(vc.Battery); os.IsNotExist(err) {
		return nil
	}

	battery, err := verify.Load(vc.Battery)
	if err != nil {
		return err
	}

	fmt.Println(ui.BatteryHeader(vc.Battery))
	results, err := verify.Run(ctx, battery, verify.RunOptions{
		Workdir: wsRoot,
		Score:   parts.scoreFunc(),
	})
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Println(ui.CheckLine(res.Name, res.Passed, res.Detail, res.DurationMs))
	}

	if store != nil {
		if err := store.RecordVerifications(ctx, parts.drv.SessionID(), toVerificationRecords(results)); err != nil {
			return err
		}
	}
	for _, res := range results {
		if !res.Passed {
			return fmt.Errorf("check %q failed: %s", res.Name, res.Detail)
		}
	}
	return nil
}

// sessionError maps a terminal session state onto the process exit status.
func sessionError(res convergence.Result) error {
	switch res.State {
	case convergence.StateConverged:
		return nil
	case convergence.StateAborted:
		return fmt.Errorf("session %s aborted: %s", res.SessionID, res.Reason)
	default:
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("session %s ended in %s", res.SessionID, res.State)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pixeldrift/cmd/drift/ui"
	"pixeldrift/internal/convergence"
	"pixeldrift/internal/history"
)

var (
	batchParallel int
	batchRef      string
)

// batchCmd converges several targets against one reference
var batchCmd = &cobra.Command{
	Use:   "batch [targets...]",
	Short: "Run convergence sessions for several targets",
	Long: `Runs one sequential convergence session per target, with up to
--parallel sessions in flight at once. Every session records to the same
history store under its own session ID.

Example:
  drift batch http://localhost:3000 http://localhost:3001 --parallel 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVar(&batchParallel, "parallel", 2, "Sessions to run concurrently")
	batchCmd.Flags().StringVar(&batchRef, "ref", "", "Reference design image (default from drift.yaml)")
}

type batchResult struct {
	target    string
	sessionID string
	state     convergence.SessionState
	score     float64
	iters     int
	err       error
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	refSource := batchRef
	if refSource == "" {
		refSource = cfg.Reference
	}
	if batchParallel < 1 {
		batchParallel = 1
	}
	zapLog.Info("starting batch",
		zap.String("reference", refSource),
		zap.Int("targets", len(args)),
		zap.Int("parallel", batchParallel))

	store, err := openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	fmt.Printf("Converging %d targets (%d in parallel)\n", len(args), batchParallel)

	// Session failures land in the results table instead of cancelling
	// sibling sessions, so the group context only carries SIGINT.
	results := make([]batchResult, len(args))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(batchParallel)
	for i, target := range args {
		eg.Go(func() error {
			results[i] = runBatchSession(egCtx, refSource, target, store)
			return nil
		})
	}
	_ = eg.Wait()

	fmt.Println()
	failed := 0
	for _, res := range results {
		fmt.Println(ui.BatchRow(res.target, res.sessionID, string(res.state), res.score, res.iters, res.err))
		if res.err != nil || res.state != convergence.StateConverged {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets did not converge", failed, len(args))
	}
	fmt.Printf("\nAll %d targets converged.\n", len(args))
	return nil
}

// runBatchSession runs one full session and reduces it to a table row.
// Records are drained without printing; interleaved per-iteration output
// from concurrent sessions would be unreadable.
func runBatchSession(ctx context.Context, refSource, target string, store *history.Store) batchResult {
	res := batchResult{target: target}

	parts, err := buildSession(ctx, refSource, target, store)
	defer parts.close()
	if err != nil {
		res.err = err
		return res
	}
	res.sessionID = parts.drv.SessionID()
	fmt.Printf("  %s -> session %s\n", target, res.sessionID)

	records, err := parts.drv.Run(ctx)
	if err != nil {
		res.err = err
		return res
	}
	for range records {
	}

	final := parts.drv.Result()
	res.state = final.State
	res.score = final.FinalScore
	res.iters = final.Iterations
	res.err = final.Err
	if final.State == convergence.StateAborted && res.err == nil {
		res.err = fmt.Errorf("aborted: %s", final.Reason)
	}
	return res
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pixeldrift/cmd/drift/ui"
	"pixeldrift/internal/history"
)

var historyLimit int

// historyCmd browses stored sessions
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored convergence sessions",
	RunE:  runHistoryList,
}

// historyShowCmd prints one session in full
var historyShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show iterations and discrepancies for a session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of sessions to list, 0 for all")
	historyCmd.AddCommand(historyShowCmd)
}

// openHistoryRequired fails when the store is disabled, since every history
// command is meaningless without it.
func openHistoryRequired() (*history.Store, error) {
	store, err := openHistory()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("history is disabled in drift.yaml")
	}
	return store, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openHistoryRequired()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sessions, err := store.Sessions(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No stored sessions. Run `drift run` first.")
		return nil
	}

	fmt.Println(ui.HistoryHeader())
	for _, s := range sessions {
		fmt.Println(ui.HistoryRow(s))
	}
	fmt.Printf("\nTotal: %d sessions. Use `drift history show <id>` for details.\n", len(sessions))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistoryRequired()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sessionID := ""
	if len(args) > 0 {
		sessionID = args[0]
	} else {
		if sessionID, err = store.LatestSessionID(ctx); err != nil || sessionID == "" {
			return fmt.Errorf("no stored sessions")
		}
	}

	detail, err := store.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	fmt.Println(ui.SessionDetailView(detail))
	return nil
}

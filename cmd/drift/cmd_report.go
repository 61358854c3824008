package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"pixeldrift/internal/history"
)

var reportRaw bool

// reportCmd renders a session report
var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "Render a markdown report for a stored session",
	Long: `Builds a markdown report for a session (the latest by default) and
renders it for the terminal. Use --raw to get the plain markdown, e.g. for
piping into a file or a pull request description.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "Print plain markdown without terminal rendering")
}

func runReport(cmd *cobra.Command, args []string) error {
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

	md := buildReport(detail)
	if reportRaw {
		fmt.Println(md)
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

// buildReport turns a stored session into markdown.
func buildReport(detail *history.SessionDetail) string {
	var sb strings.Builder
	sum := detail.Summary

	fmt.Fprintf(&sb, "# Convergence Report: %s\n\n", sum.ID)

	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| State | `%s` |\n", sum.State)
	if sum.Reason != "" {
		fmt.Fprintf(&sb, "| Reason | %s |\n", sum.Reason)
	}
	fmt.Fprintf(&sb, "| Final score | %.4f (threshold %.4f) |\n", sum.FinalScore, sum.Threshold)
	fmt.Fprintf(&sb, "| Iterations | %d of %d |\n", sum.Iterations, sum.MaxIterations)
	fmt.Fprintf(&sb, "| Reference | %s |\n", sum.ReferenceSource)
	fmt.Fprintf(&sb, "| Started | %s |\n", sum.StartedAt.Format("2006-01-02 15:04:05"))
	if !sum.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "| Duration | %s |\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	}
	sb.WriteString("\n")

	if len(detail.Records) > 0 {
		sb.WriteString("## Iterations\n\n")
		sb.WriteString("| # | Category | Score | Delta | Corrections | New | Resolved |\n")
		sb.WriteString("|---|----------|-------|-------|-------------|-----|----------|\n")
		for _, rec := range detail.Records {
			fmt.Fprintf(&sb, "| %d | %s | %.4f | %+.4f | %d | %d | %d |\n",
				rec.Seq, categoryLabel(string(rec.Category)), rec.Score, rec.Score-rec.PreScore,
				len(rec.Corrections), len(rec.NewItems), len(rec.ResolvedItems))
		}
		sb.WriteString("\n")
	}

	if len(detail.OutlineDiffs) > 0 {
		sb.WriteString("## Structural changes\n\n")
		for _, rec := range detail.Records {
			diff, ok := detail.OutlineDiffs[rec.Seq]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "### Iteration %d\n\n```diff\n%s```\n\n", rec.Seq, diff)
		}
	}

	open, resolved := 0, 0
	for _, item := range detail.Items {
		if item.Resolved {
			resolved++
		} else {
			open++
		}
	}
	fmt.Fprintf(&sb, "## Discrepancies\n\n%d resolved, %d still open.\n\n", resolved, open)
	if open > 0 {
		for _, item := range detail.Items {
			if item.Resolved {
				continue
			}
			fmt.Fprintf(&sb, "- `%s` %s: %s (severity %.2f)\n",
				item.ID, categoryLabel(string(item.Category)), item.Description, item.Severity)
		}
		sb.WriteString("\n")
	}

	if len(detail.Verifications) > 0 {
		sb.WriteString("## Verification checks\n\n")
		for _, v := range detail.Verifications {
			mark := "PASS"
			if !v.Passed {
				mark = "FAIL"
			}
			line := fmt.Sprintf("- **%s** %s (%dms)", mark, v.Name, v.DurationMs)
			if v.Detail != "" {
				line += ": " + v.Detail
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	var warnings []string
	for _, rec := range detail.Records {
		for _, w := range rec.Warnings {
			warnings = append(warnings, fmt.Sprintf("iteration %d: %s", rec.Seq, w))
		}
	}
	if len(warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range warnings {
			sb.WriteString("- " + w + "\n")
		}
	}

	return sb.String()
}

// categoryLabel strips the name-constant slash for display.
func categoryLabel(category string) string {
	return strings.TrimPrefix(category, "/")
}

package ui

import (
	"fmt"
	"strings"

	"pixeldrift/internal/convergence"
	"pixeldrift/internal/history"
)

// SessionHeader renders the opening banner for a plain run.
func SessionHeader(sessionID, target string, threshold float64, maxIter int) string {
	var sb strings.Builder
	sb.WriteString(TitleStyle.Render("pixeldrift") + " " + MutedStyle.Render("session "+shortID(sessionID)) + "\n")
	sb.WriteString(MutedStyle.Render(fmt.Sprintf("target %s, threshold %.4f, budget %d iterations", target, threshold, maxIter)))
	return sb.String()
}

// IterationLine renders one iteration record as a single line.
func IterationLine(rec convergence.IterationRecord, maxIter int) string {
	delta := rec.Score - rec.PreScore
	deltaStyle := MutedStyle
	if delta > 0 {
		deltaStyle = GoodStyle
	} else if delta < 0 {
		deltaStyle = BadStyle
	}

	line := fmt.Sprintf("  iter %0*d/%d  %-11s %s %s",
		digits(maxIter), rec.Seq, maxIter,
		categoryName(rec.Category),
		ScoreStyle.Render(fmt.Sprintf("%.4f", rec.Score)),
		deltaStyle.Render(fmt.Sprintf("%+.4f", delta)))

	detail := fmt.Sprintf("  %d corrections, %d new, %d resolved",
		len(rec.Corrections), len(rec.NewItems), len(rec.ResolvedItems))
	line += MutedStyle.Render(detail)

	for _, w := range rec.Warnings {
		line += "\n" + WarnStyle.Render("    warning: "+w)
	}
	return line
}

// SessionSummary renders the closing panel for a finished session.
func SessionSummary(res convergence.Result) string {
	state := StateStyle(string(res.State)).Render(string(res.State))

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s  score %s after %d iterations",
		state, ScoreStyle.Render(fmt.Sprintf("%.4f", res.FinalScore)), res.Iterations))
	if res.Reason != "" && res.State != convergence.StateConverged {
		sb.WriteString("\n" + MutedStyle.Render(res.Reason))
	}

	open := 0
	for _, item := range res.Items {
		if !item.Resolved {
			open++
		}
	}
	if open > 0 {
		sb.WriteString("\n" + WarnStyle.Render(fmt.Sprintf("%d discrepancies still open", open)))
	}
	return PanelStyle.Render(sb.String())
}

// BatteryHeader introduces a verification battery run.
func BatteryHeader(path string) string {
	return HeaderStyle.Render("Running checks") + " " + MutedStyle.Render(path)
}

// CheckLine renders one battery check result.
func CheckLine(name string, passed bool, detail string, durationMs int64) string {
	mark := GoodStyle.Render("✓")
	if !passed {
		mark = BadStyle.Render("✗")
	}
	line := fmt.Sprintf("  %s %s %s", mark, name, MutedStyle.Render(fmt.Sprintf("(%dms)", durationMs)))
	if detail != "" {
		style := MutedStyle
		if !passed {
			style = BadStyle
		}
		line += "\n" + style.Render("      "+detail)
	}
	return line
}

// HistoryHeader renders the session list column header.
func HistoryHeader() string {
	return HeaderStyle.Render(fmt.Sprintf("  %-10s %-20s %-12s %-8s %-6s %s",
		"ID", "STARTED", "STATE", "SCORE", "ITER", "REFERENCE"))
}

// HistoryRow renders one session list row.
func HistoryRow(s history.SessionSummary) string {
	state := StateStyle(string(s.State)).Render(fmt.Sprintf("%-12s", s.State))
	return fmt.Sprintf("  %-10s %-20s %s %-8s %-6d %s",
		shortID(s.ID),
		s.StartedAt.Format("2006-01-02 15:04:05"),
		state,
		fmt.Sprintf("%.4f", s.FinalScore),
		s.Iterations,
		MutedStyle.Render(s.ReferenceSource))
}

// SessionDetailView renders one full session for history show.
func SessionDetailView(detail *history.SessionDetail) string {
	sum := detail.Summary
	var sb strings.Builder

	sb.WriteString(TitleStyle.Render("Session "+sum.ID) + "\n")
	sb.WriteString(fmt.Sprintf("%s  score %s (threshold %.4f)  %d/%d iterations\n",
		StateStyle(string(sum.State)).Render(string(sum.State)),
		ScoreStyle.Render(fmt.Sprintf("%.4f", sum.FinalScore)),
		sum.Threshold, sum.Iterations, sum.MaxIterations))
	sb.WriteString(MutedStyle.Render(fmt.Sprintf("reference %s (%dx%d)",
		sum.ReferenceSource, detail.Reference.Width, detail.Reference.Height)) + "\n")
	if sum.Reason != "" {
		sb.WriteString(MutedStyle.Render("reason: "+sum.Reason) + "\n")
	}

	if len(detail.Records) > 0 {
		sb.WriteString("\n")
		for _, rec := range detail.Records {
			sb.WriteString(IterationLine(rec, sum.MaxIterations) + "\n")
		}
	}

	open := openItems(detail.Items)
	if len(open) > 0 {
		sb.WriteString("\n" + WarnStyle.Render(fmt.Sprintf("Open discrepancies (%d):", len(open))) + "\n")
		for _, item := range open {
			sb.WriteString(fmt.Sprintf("  %s %-11s %s\n",
				MutedStyle.Render(item.ID), categoryName(item.Category), item.Description))
		}
	}

	if len(detail.Verifications) > 0 {
		sb.WriteString("\n" + HeaderStyle.Render("Checks:") + "\n")
		for _, v := range detail.Verifications {
			sb.WriteString(CheckLine(v.Name, v.Passed, v.Detail, v.DurationMs) + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BatchRow renders one batch summary row.
func BatchRow(target, sessionID, state string, score float64, iters int, err error) string {
	if err != nil {
		return fmt.Sprintf("  %s %-40s %s", BadStyle.Render("✗"), target, BadStyle.Render(err.Error()))
	}
	mark := GoodStyle.Render("✓")
	if state != string(convergence.StateConverged) {
		mark = BadStyle.Render("✗")
	}
	return fmt.Sprintf("  %s %-40s %s  %s %s  %d iters",
		mark, target,
		MutedStyle.Render(shortID(sessionID)),
		StateStyle(state).Render(state),
		ScoreStyle.Render(fmt.Sprintf("%.4f", score)),
		iters)
}

func openItems(items []convergence.DiscrepancyItem) []convergence.DiscrepancyItem {
	var open []convergence.DiscrepancyItem
	for _, item := range items {
		if !item.Resolved {
			open = append(open, item)
		}
	}
	return open
}

// categoryName strips the leading slash from a category constant.
func categoryName(c convergence.Category) string {
	if c == "" {
		return "-"
	}
	return strings.TrimPrefix(string(c), "/")
}

// shortID trims a UUID to its first block for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// digits returns the print width of n.
func digits(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

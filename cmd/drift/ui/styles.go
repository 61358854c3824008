// Package ui renders pixeldrift's terminal output: the styled line views for
// plain runs and the live bubbletea session view.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Color palette. Semantic colors are shared between plain and live views.
var (
	ColorPrimary = lipgloss.Color("#7C8CF8") // Periwinkle - headers, accents
	ColorGood    = lipgloss.Color("#8BC34A") // Lime green - converged, passing
	ColorBad     = lipgloss.Color("#E53935") // Red - failures, aborts
	ColorWarn    = lipgloss.Color("#FFC107") // Yellow - warnings, exhausted
	ColorMuted   = lipgloss.Color("#6B7280") // Gray - secondary detail
	ColorScore   = lipgloss.Color("#4DB6AC") // Teal - similarity scores
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary)

	GoodStyle = lipgloss.NewStyle().
			Foreground(ColorGood)

	BadStyle = lipgloss.NewStyle().
			Foreground(ColorBad)

	WarnStyle = lipgloss.NewStyle().
			Foreground(ColorWarn)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	ScoreStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorScore)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1)
)

// StateStyle returns the style for a session state string.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "/converged":
		return GoodStyle
	case "/exhausted":
		return WarnStyle
	case "/aborted":
		return BadStyle
	default:
		return MutedStyle
	}
}

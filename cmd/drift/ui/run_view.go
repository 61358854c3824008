package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"pixeldrift/internal/convergence"
)

// Messages fed into the live view by the session forwarder.
type (
	// IterationMsg carries one completed iteration.
	IterationMsg struct{ Record convergence.IterationRecord }
	// DoneMsg carries the terminal session result.
	DoneMsg struct{ Result convergence.Result }
)

// RunModel is the live session view: a progress bar toward the threshold
// over a scrollback of iteration lines.
type RunModel struct {
	sessionID string
	target    string
	threshold float64
	maxIter   int

	progress progress.Model
	viewport viewport.Model
	lines    []string

	width  int
	height int
	ready  bool

	score float64
	iters int
	open  int
	done  bool
	state convergence.SessionState
}

// NewRunModel builds the live view for one session.
func NewRunModel(sessionID, target string, threshold float64, maxIter int) RunModel {
	p := progress.New(progress.WithDefaultGradient())
	vp := viewport.New(80, 20)
	return RunModel{
		sessionID: sessionID,
		target:    target,
		threshold: threshold,
		maxIter:   maxIter,
		progress:  p,
		viewport:  vp,
	}
}

func (m RunModel) Init() tea.Cmd {
	return nil
}

func (m RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(msg.Width-6, 10)
		headerHeight := 6
		footerHeight := 2
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 3)
		m.ready = true
		m.refreshContent()
		return m, nil

	case IterationMsg:
		rec := msg.Record
		m.score = rec.Score
		m.iters = rec.Seq
		m.open = m.open + len(rec.NewItems) - len(rec.ResolvedItems)
		if m.open < 0 {
			m.open = 0
		}
		m.lines = append(m.lines, IterationLine(rec, m.maxIter))
		m.refreshContent()
		return m, nil

	case DoneMsg:
		m.done = true
		m.state = msg.Result.State
		m.score = msg.Result.FinalScore
		m.iters = msg.Result.Iterations
		m.lines = append(m.lines, "", SessionSummary(msg.Result))
		m.refreshContent()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// refreshContent rebuilds the viewport content pinned to the bottom.
func (m *RunModel) refreshContent() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m RunModel) View() string {
	if !m.ready {
		return "starting session..."
	}

	var sb strings.Builder
	sb.WriteString(TitleStyle.Render("pixeldrift") + "  " + MutedStyle.Render("session "+shortID(m.sessionID)) + "\n")
	sb.WriteString(MutedStyle.Render("target "+m.target) + "\n\n")

	frac := 0.0
	if m.threshold > 0 {
		frac = m.score / m.threshold
	}
	if frac > 1 {
		frac = 1
	}
	sb.WriteString(m.progress.ViewAs(frac) + "\n")

	status := fmt.Sprintf("score %s / %.4f   iteration %d/%d   open items %d",
		ScoreStyle.Render(fmt.Sprintf("%.4f", m.score)), m.threshold, m.iters, m.maxIter, m.open)
	if m.done {
		status += "   " + StateStyle(string(m.state)).Render(string(m.state))
	}
	sb.WriteString(status + "\n")

	sb.WriteString(m.viewport.View() + "\n")

	help := "↑/↓ scroll"
	if m.done {
		help += "  ·  q to exit"
	} else {
		help += "  ·  q to cancel the session"
	}
	sb.WriteString(MutedStyle.Render(help))
	return sb.String()
}

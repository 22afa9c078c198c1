package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	issueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)

// View renders the watch screen.
func (m Model) View() string {
	var b strings.Builder

	if m.loadErr != nil {
		b.WriteString(failedStyle.Render("error: "+m.loadErr.Error()) + "\n")
	}
	if m.state == nil {
		b.WriteString(dimmedStyle.Render("Loading plan state...") + "\n")
		b.WriteString("\n" + helpStyle.Render("q quit  r refresh"))
		return b.String()
	}

	plan := m.state.Plan
	b.WriteString(titleStyle.Render(fmt.Sprintf("Plan %s", filepath.Base(plan.PlanPath))))
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %s  started %s",
		plan.ID, humanize.Time(plan.CreatedAt))))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Steps") + "\n")
	for _, st := range m.state.Steps {
		b.WriteString(renderStep(st) + "\n")
	}

	if open := openIssueLines(m.state); len(open) > 0 {
		b.WriteString("\n" + headerStyle.Render("Open issues") + "\n")
		for _, line := range open {
			b.WriteString(issueStyle.Render("  ! "+line) + "\n")
		}
	}

	if len(m.feed) > 0 {
		b.WriteString("\n" + headerStyle.Render("Events") + "\n")
		for _, ev := range m.feed {
			b.WriteString(dimmedStyle.Render(truncate(renderEvent(ev), m.width)) + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("q quit  r refresh"))
	return b.String()
}

// truncate clips a line to the terminal width; zero width means the
// size is not known yet.
func truncate(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	return s[:width]
}

func renderStep(st *domain.StepState) string {
	marker, style := stepMarker(st.Step.Status)
	line := fmt.Sprintf("  %s %d. %s", marker, st.Step.Ordinal, st.Step.Title)

	if latest := st.LatestIteration(); latest != nil {
		it := latest.Iteration
		detail := fmt.Sprintf("  [iter %d %s", it.Ordinal, it.Kind)
		if phase := iterationPhase(it); phase != "" {
			detail += " · " + phase
		}
		detail += "]"
		line += dimmedStyle.Render(detail)
	}
	return style.Render(line)
}

func stepMarker(status domain.StepStatus) (string, lipgloss.Style) {
	switch status {
	case domain.StepCompleted:
		return "✓", completedStyle
	case domain.StepFailed:
		return "✗", failedStyle
	case domain.StepInProgress:
		return "▶", runningStyle
	default:
		return "·", dimmedStyle
	}
}

// iterationPhase names the furthest phase the iteration reached.
func iterationPhase(it *domain.Iteration) string {
	switch {
	case it.ReviewOutcome != "":
		return "review " + string(it.ReviewOutcome)
	case it.BuildOutcome != "":
		return "build " + string(it.BuildOutcome)
	case it.CommitSHA != "":
		return "committed " + shortSHA(it.CommitSHA)
	default:
		return string(it.Status)
	}
}

func openIssueLines(state *domain.PlanState) []string {
	var lines []string
	for _, st := range state.Steps {
		for _, issue := range st.OpenIssues("") {
			loc := issue.File
			if issue.Line > 0 {
				loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
			}
			if loc != "" {
				loc += ": "
			}
			lines = append(lines, fmt.Sprintf("%s%s (%s)", loc, issue.Description, issue.Type))
		}
	}
	return lines
}

func renderEvent(ev events.Event) string {
	ts := ev.At.Format("15:04:05")
	if ev.At.IsZero() {
		ts = time.Now().Format("15:04:05")
	}
	return fmt.Sprintf("  %s  %-18s %s", ts, ev.Type, ev.Message)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

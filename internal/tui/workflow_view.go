package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-audit/internal/finding"
	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/workflow"
)

var (
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleReview  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// renderPhasePanel lists the forward phases with a marker per phase.
func (a *App) renderPhasePanel() string {
	lines := []string{titleStyle.Render("Phases")}
	for _, p := range workflow.Phases() {
		if p == workflow.PhaseIdle {
			continue
		}
		lines = append(lines, a.renderPhaseLine(p))
	}
	if a.phase == workflow.PhaseFailed {
		line := labelStyleFailed.Render("✗ Failed")
		if a.failReason != "" {
			line += detailTextStyle.Render(" · " + a.failReason)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderPhaseLine(p workflow.PhaseState) string {
	switch {
	case p == a.phase && p == workflow.PhaseDone:
		return labelStyleDone.Render("✓ " + p.Label())
	case p == a.phase && a.finished:
		return labelStyleFailed.Render("■ " + p.Label())
	case p == a.phase:
		return a.spinner.View() + " " + labelStyleRunning.Render(p.Label())
	case a.reached[p]:
		return labelStyleDone.Render("✓ " + p.Label())
	default:
		return labelStylePending.Render("· " + p.Label())
	}
}

// renderProgressPanel shows recon producers, selected categories and the
// validation state of every finding seen so far.
func (a *App) renderProgressPanel(width int) string {
	var sections []string

	recon := []string{titleStyle.Render("Recon")}
	if len(a.producers) == 0 {
		recon = append(recon, labelStylePending.Render("waiting for producers"))
	}
	for _, p := range a.producers {
		if p.err != "" {
			recon = append(recon, labelStyleFailed.Render("✗ "+p.name)+detailTextStyle.Render(" · "+p.err))
			continue
		}
		recon = append(recon, labelStyleDone.Render("✓ "+p.name)+detailTextStyle.Render(fmt.Sprintf(" · %d bytes", p.bytes)))
	}
	sections = append(sections, strings.Join(recon, "\n"))

	if len(a.categories) > 0 {
		lines := []string{titleStyle.Render("Auditors")}
		for _, c := range a.categories {
			label := fmt.Sprintf("%s (score %d)", c.name, c.score)
			switch {
			case c.err != "":
				lines = append(lines, labelStyleFailed.Render("✗ "+label)+detailTextStyle.Render(" · "+c.err))
			case c.done:
				lines = append(lines, labelStyleDone.Render("✓ "+label)+detailTextStyle.Render(fmt.Sprintf(" · %d finding(s)", c.findings)))
			case a.phase == workflow.PhaseAnalysisRunning:
				lines = append(lines, a.spinner.View()+" "+labelStyleRunning.Render(label))
			default:
				lines = append(lines, labelStylePending.Render("· "+label))
			}
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(a.findings) > 0 {
		lines := []string{titleStyle.Render(fmt.Sprintf("Findings (%d)", len(a.findings)))}
		for _, f := range a.findings {
			lines = append(lines, renderFindingLine(f))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(a.overrides) > 0 {
		lines := []string{titleStyle.Render("Overrides")}
		for _, o := range a.overrides {
			lines = append(lines, detailTextStyle.Render(o))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if a.report != "" {
		sections = append(sections, titleStyle.Render("Report")+"\n"+labelStyleDone.Render(a.report))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(sections, "\n\n"))
}

func renderFindingLine(f findingItem) string {
	name := f.id
	if id, err := finding.ParseID(f.id); err == nil {
		name = fmt.Sprintf("%s %s", id.Label(), id.Category)
	}
	status := statusStyle(f.status).Render(friendlyLabel(f.status))
	line := fmt.Sprintf("%s · %s", name, status)
	if f.attempts > 0 {
		line += detailTextStyle.Render(fmt.Sprintf(" · %d attempt(s): %s", f.attempts, strings.Join(f.kinds, ", ")))
	}
	return line
}

func statusStyle(status string) lipgloss.Style {
	switch finding.Status(status) {
	case finding.Validated:
		return labelStyleDone
	case finding.Invalidated:
		return labelStylePending
	case finding.NeedsReview:
		return labelStyleReview
	default:
		return labelStyleRunning
	}
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	entries, total := a.logbook.Tail(8)
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = renderLogEntry(e)
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s · %d entries", fileName, total))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, strings.Join(lines, "\n")))
}

// renderLogEntry shows one logbook entry as "15:04:05 LEVEL phase subject: message".
func renderLogEntry(e logbook.Entry) string {
	if e.Level == "" {
		return detailTextStyle.Render(e.Message)
	}
	level := labelStylePending
	switch e.Level {
	case logbook.LevelWarn:
		level = labelStyleReview
	case logbook.LevelError:
		level = labelStyleFailed
	}
	line := e.At.UTC().Format("15:04:05") + " " + level.Render(fmt.Sprintf("%-5s", e.Level))
	if e.Phase != "" {
		line += " " + labelStyleRunning.Render(e.Phase.Label())
	}
	msg := e.Message
	if e.Subject != "" {
		msg = e.Subject + ": " + msg
	}
	return line + " " + detailTextStyle.Render(msg)
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	if len(words) == 0 {
		return ""
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

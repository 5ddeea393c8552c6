// Package tui renders a live view of an audit run. It follows the Elm
// architecture of bubbletea: engine events arrive as messages, Update folds
// them into the model and View renders the model.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-audit/internal/logbook"
	"github.com/kingrea/lattice-audit/internal/workflow"
	"github.com/kingrea/lattice-audit/internal/workflow/engine"
)

const eventBuffer = 256

// Runner starts one audit run and reports progress to observe. It must
// return once ctx is cancelled.
type Runner func(ctx context.Context, observe engine.Observer) (engine.State, error)

// AppOption customizes App construction.
type AppOption func(*App)

// WithLogbook shows the tail of book under the progress panels.
func WithLogbook(book *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = book
	}
}

type eventMsg struct {
	event engine.Event
}

type runFinishedMsg struct {
	state engine.State
	err   error
}

type producerItem struct {
	name  string
	bytes int
	err   string
}

type categoryItem struct {
	name     string
	score    int
	done     bool
	findings int
	err      string
}

type findingItem struct {
	id       string
	attempts int
	kinds    []string
	status   string
}

// App is the run monitor model.
type App struct {
	project string
	run     Runner
	logbook *logbook.Logbook

	ctx    context.Context
	cancel context.CancelFunc
	events chan engine.Event

	spinner    spinner.Model
	phase      workflow.PhaseState
	reached    map[workflow.PhaseState]bool
	failReason string
	producers  []producerItem
	categories []categoryItem
	findings   []findingItem
	overrides  []string
	report     string

	finished   bool
	quitting   bool
	finalState engine.State
	err        error
	statusMsg  string

	width  int
	height int
}

// NewApp creates the monitor for one run of project.
func NewApp(project string, run Runner, opts ...AppOption) *App {
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleRunning
	a := &App{
		project:   project,
		run:       run,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan engine.Event, eventBuffer),
		spinner:   sp,
		phase:     workflow.PhaseIdle,
		reached:   map[workflow.PhaseState]bool{workflow.PhaseIdle: true},
		statusMsg: "Starting audit…",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Result returns the final engine state and error once the run finished.
func (a *App) Result() (engine.State, error) {
	return a.finalState, a.err
}

// Init starts the run and the spinner.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.startRun(), a.waitForEvent())
}

// Update folds one message into the model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		if a.finished {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case eventMsg:
		a.apply(msg.event)
		if a.finished {
			return a, nil
		}
		return a, a.waitForEvent()

	case runFinishedMsg:
		a.drainEvents()
		a.finished = true
		a.finalState = msg.state
		a.err = msg.err
		if msg.state.Phase != "" {
			a.phase = msg.state.Phase
			a.reached[msg.state.Phase] = true
		}
		if msg.state.Report != "" {
			a.report = msg.state.Report
		}
		a.statusMsg = finishedStatus(msg.state, msg.err)
		if a.quitting {
			return a, tea.Quit
		}
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if a.finished {
				a.cancel()
				return a, tea.Quit
			}
			if !a.quitting {
				a.quitting = true
				a.statusMsg = "Cancelling run…"
				a.cancel()
			}
			return a, nil
		}
	}
	return a, nil
}

// startRun runs the engine off the UI goroutine. The observer drops events
// once the run is cancelled so a closed program never blocks the engine.
func (a *App) startRun() tea.Cmd {
	return func() tea.Msg {
		state, err := a.run(a.ctx, func(ev engine.Event) {
			select {
			case a.events <- ev:
			case <-a.ctx.Done():
			}
		})
		return runFinishedMsg{state: state, err: err}
	}
}

func (a *App) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-a.events:
			return eventMsg{event: ev}
		case <-a.ctx.Done():
			return nil
		}
	}
}

// drainEvents applies every event the run emitted before it returned.
func (a *App) drainEvents() {
	for {
		select {
		case ev := <-a.events:
			a.apply(ev)
		default:
			return
		}
	}
}

func (a *App) apply(ev engine.Event) {
	switch ev.Kind {
	case engine.EventPhase:
		a.reached[ev.Phase] = true
		// the final state owns phase and status line once the run returned
		if a.finished {
			return
		}
		a.phase = ev.Phase
		if ev.Phase == workflow.PhaseFailed {
			a.failReason = ev.Err
		}
		a.statusMsg = fmt.Sprintf("%s…", ev.Phase.Label())
	case engine.EventProducer:
		a.producers = append(a.producers, producerItem{name: ev.Name, bytes: ev.Count, err: ev.Err})
	case engine.EventSelect:
		a.categories = append(a.categories, categoryItem{name: ev.Name, score: ev.Count})
	case engine.EventCategory:
		item := a.category(ev.Name)
		item.done = true
		item.findings = ev.Count
		item.err = ev.Err
	case engine.EventAttempt:
		item := a.finding(ev.Name)
		if ev.Attempt != nil {
			item.attempts++
			kind := string(ev.Attempt.Kind)
			if kind == "" {
				kind = string(ev.Attempt.Outcome)
			}
			item.kinds = append(item.kinds, kind)
		}
		item.status = string(ev.Status)
	case engine.EventOverride:
		line := fmt.Sprintf("%s -> %s", ev.Name, ev.Status)
		if ev.Err != "" {
			line += " rejected: " + ev.Err
		} else if item := a.lookupFinding(ev.Name); item != nil {
			item.status = string(ev.Status)
		}
		a.overrides = append(a.overrides, line)
	case engine.EventReport:
		a.report = ev.Name
	}
}

func (a *App) category(name string) *categoryItem {
	for i := range a.categories {
		if a.categories[i].name == name {
			return &a.categories[i]
		}
	}
	a.categories = append(a.categories, categoryItem{name: name})
	return &a.categories[len(a.categories)-1]
}

func (a *App) lookupFinding(id string) *findingItem {
	for i := range a.findings {
		if a.findings[i].id == id {
			return &a.findings[i]
		}
	}
	return nil
}

func (a *App) finding(id string) *findingItem {
	if item := a.lookupFinding(id); item != nil {
		return item
	}
	a.findings = append(a.findings, findingItem{id: id})
	return &a.findings[len(a.findings)-1]
}

func finishedStatus(state engine.State, err error) string {
	switch state.Status {
	case engine.EngineStatusComplete:
		msg := "Audit complete"
		if state.Report != "" {
			msg += " · report " + state.Report
		}
		if state.Degraded() {
			msg += " · degraded"
		}
		return msg + " · press q to exit"
	case engine.EngineStatusCancelled:
		return "Run cancelled · press q to exit"
	}
	if err != nil {
		return fmt.Sprintf("Run failed: %v · press q to exit", err)
	}
	return "Run stopped · press q to exit"
}

// View renders the monitor.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/2)
	leftWidth := width - rightWidth - 4
	if leftWidth < 28 {
		leftWidth = width - 4
		rightWidth = 0
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render(fmt.Sprintf("⬡ LATTICE AUDIT · %s", a.project))
	leftBox := panelStyle.Width(max(20, leftWidth)).Render(a.renderPhasePanel())
	var body string
	if rightWidth > 0 {
		rightBox := panelStyle.Width(max(20, rightWidth)).Render(a.renderProgressPanel(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = lipgloss.JoinVertical(lipgloss.Left, leftBox, panelStyle.Render(a.renderProgressPanel(leftWidth-4)))
	}
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

// Package tui renders a live watch view of one running plan: steps,
// the current iteration's phase, open issues and a scrolling event
// feed. It only reads snapshots; all control stays with the CLI.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/step-orchestrator/internal/domain"
	"github.com/hochfrequenz/step-orchestrator/internal/events"
)

// eventFeedSize caps the visible event feed.
const eventFeedSize = 12

// SnapshotFunc fetches the current plan state.
type SnapshotFunc func() (*domain.PlanState, error)

// Model is the watch TUI model.
type Model struct {
	snapshot SnapshotFunc
	eventCh  <-chan events.Event

	state   *domain.PlanState
	feed    []events.Event
	loadErr error
	width   int
}

// NewModel creates a watch model. eventCh may be nil; the view then
// relies on snapshot polling alone.
func NewModel(snapshot SnapshotFunc, eventCh <-chan events.Event) Model {
	return Model{snapshot: snapshot, eventCh: eventCh}
}

// Init starts the polling loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.tickCmd(), m.waitEventCmd())
}

// TickMsg triggers a snapshot refresh.
type TickMsg time.Time

// snapshotMsg carries a fresh plan state.
type snapshotMsg struct {
	state *domain.PlanState
	err   error
}

// eventMsg carries one hub event.
type eventMsg events.Event

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	snapshot := m.snapshot
	return func() tea.Msg {
		state, err := snapshot()
		return snapshotMsg{state: state, err: err}
	}
}

func (m Model) waitEventCmd() tea.Cmd {
	if m.eventCh == nil {
		return nil
	}
	ch := m.eventCh
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())

	case snapshotMsg:
		m.state = msg.state
		m.loadErr = msg.err
		return m, nil

	case eventMsg:
		m.feed = append(m.feed, events.Event(msg))
		if len(m.feed) > eventFeedSize {
			m.feed = m.feed[len(m.feed)-eventFeedSize:]
		}
		return m, m.waitEventCmd()
	}

	return m, nil
}

// Package runtui renders a running fix loop in the terminal.
package runtui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/theme"
)

const maxLogLines = 200

// Controller is the part of a running loop the view can steer.
type Controller interface {
	RequestStop()
	Advance(url string) error
}

// EventMsg carries one progress event into the model.
type EventMsg struct {
	Event progress.Event
}

// StreamClosedMsg signals that no more events will arrive.
type StreamClosedMsg struct{}

type cycleRow struct {
	cycle     int
	deployURL string
	delta     *progress.Delta
	failed    string
}

type logLine struct {
	at   time.Time
	kind progress.EventType
	text string
}

// Model is the bubbletea model of the loop view.
type Model struct {
	width  int
	height int

	targetURL  string
	repoPath   string
	applyMode  string
	deployMode string
	fixBranch  string
	maxCycles  int
	startTime  time.Time

	events <-chan progress.Event
	ctrl   Controller
	cancel context.CancelFunc
	keys   keyMap

	spinner spinner.Model
	bar     bar.Model
	input   textinput.Model

	percent  float64
	cycle    int
	step     string
	lines    []logLine
	cycles   []cycleRow
	summary  *progress.Summary
	awaiting bool
	stopping bool
	killing  bool
	done     bool
	notice   string
}

// NewModel builds the view for cfg.
func NewModel(cfg RunConfig) Model {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(theme.ColorMauve)),
	)
	in := textinput.New()
	in.Prompt = "URL> "
	in.Placeholder = "https://preview.example.app"
	in.CharLimit = 2048

	return Model{
		targetURL:  cfg.TargetURL,
		repoPath:   cfg.RepoPath,
		applyMode:  cfg.ApplyMode,
		deployMode: cfg.DeployMode,
		fixBranch:  cfg.FixBranch,
		maxCycles:  cfg.MaxCycles,
		startTime:  time.Now(),
		events:     cfg.Events,
		ctrl:       cfg.Control,
		cancel:     cfg.Cancel,
		keys:       defaultKeyMap(),
		spinner:    sp,
		bar:        bar.New(bar.WithDefaultGradient(), bar.WithoutPercentage()),
		input:      in,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.spinner.Tick,
		tea.SetWindowTitle("gonogo fix"),
	)
}

// waitForEvent returns a Cmd that waits for the next event on the channel.
func waitForEvent(ch <-chan progress.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-8, 10)
		m.input.Width = max(msg.Width-12, 10)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msg.Event)
		return m, waitForEvent(m.events)

	case StreamClosedMsg:
		m.done = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.done {
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.input.Focused() {
		switch {
		case key.Matches(msg, m.keys.Submit):
			if err := m.ctrl.Advance(m.input.Value()); err != nil {
				m.notice = err.Error()
				return m, nil
			}
			m.addLine(progress.EventProgress, "Deploy URL submitted: "+m.input.Value())
			m.input.Reset()
			m.input.Blur()
			m.awaiting = false
			m.notice = ""
			return m, nil
		case key.Matches(msg, m.keys.Escape):
			m.input.Blur()
			return m, nil
		case msg.Type != tea.KeyCtrlC:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}
	}

	switch {
	case key.Matches(msg, m.keys.URL) && m.awaiting:
		return m, m.input.Focus()
	case key.Matches(msg, m.keys.Stop):
		switch {
		case !m.stopping:
			m.stopping = true
			m.ctrl.RequestStop()
			m.notice = "Stopping after the current cycle. Press ctrl+c again to abort it."
		case !m.killing && m.cancel != nil:
			m.killing = true
			m.cancel()
			m.notice = "Aborting the current cycle..."
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(ev progress.Event) {
	if ev.Cycle > 0 {
		m.cycle = ev.Cycle
	}
	if ev.MaxCycles > 0 {
		m.maxCycles = ev.MaxCycles
	}
	if ev.Percent >= m.percent {
		m.percent = ev.Percent
	}
	if ev.Message != "" {
		m.step = ev.Message
		m.addLine(ev.Type, ev.Message)
	}

	switch ev.Type {
	case progress.EventAwaitingDeployURL:
		m.awaiting = true
	case progress.EventRescanning, progress.EventCycleComplete:
		m.awaiting = false
	case progress.EventError:
		m.awaiting = false
		if ev.Cycle > 0 {
			m.cycles = append(m.cycles, cycleRow{cycle: ev.Cycle, failed: ev.Message})
		}
	case progress.EventLoopComplete:
		m.awaiting = false
		m.summary = ev.Summary
		m.done = true
		m.percent = 100
	}
	if ev.Type == progress.EventCycleComplete {
		m.cycles = append(m.cycles, cycleRow{cycle: ev.Cycle, deployURL: ev.DeployURL, delta: ev.Delta})
	}
	if !m.awaiting && m.input.Focused() {
		m.input.Blur()
	}
}

func (m *Model) addLine(kind progress.EventType, text string) {
	m.lines = append(m.lines, logLine{at: time.Now(), kind: kind, text: text})
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

// Summary returns the loop summary once the loop has completed.
func (m Model) Summary() *progress.Summary { return m.summary }

func (m Model) cycleLabel() string {
	if m.cycle == 0 {
		return fmt.Sprintf("Cycle -/%d", m.maxCycles)
	}
	return fmt.Sprintf("Cycle %d/%d", m.cycle, m.maxCycles)
}

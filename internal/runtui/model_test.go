package runtui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/gonogo/internal/progress"
)

type fakeControl struct {
	stops    int
	advanced []string
	err      error
}

func (f *fakeControl) RequestStop() { f.stops++ }

func (f *fakeControl) Advance(url string) error {
	if f.err != nil {
		return f.err
	}
	f.advanced = append(f.advanced, url)
	return nil
}

func newTestModel(ctrl *fakeControl, cancel context.CancelFunc) Model {
	m := NewModel(RunConfig{
		TargetURL:  "https://shop.example.com",
		RepoPath:   "/srv/shop",
		ApplyMode:  "branch",
		DeployMode: "manual",
		FixBranch:  "gonogo/fix-1a2b3c4d",
		MaxCycles:  3,
		Control:    ctrl,
		Cancel:     cancel,
	})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return updated.(Model)
}

func send(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	updated, _ := m.Update(msg)
	out, ok := updated.(Model)
	require.True(t, ok)
	return out
}

func event(ev progress.Event) EventMsg { return EventMsg{Event: ev} }

func TestEventsDriveProgressAndCycleRows(t *testing.T) {
	m := newTestModel(&fakeControl{}, nil)
	m = send(t, m, event(progress.Event{Type: progress.EventCycleStart, Cycle: 1, MaxCycles: 3, Percent: 10, Message: "Cycle 1/3: starting"}))
	m = send(t, m, event(progress.Event{Type: progress.EventFixing, Cycle: 1, Percent: 15, Message: "Cycle 1/3: Fix agent is fixing issues..."}))

	assert.Equal(t, 15.0, m.percent)
	assert.Equal(t, "Cycle 1/3", m.cycleLabel())
	view := ansi.Strip(m.View())
	assert.Contains(t, view, "gonogo fix — https://shop.example.com")
	assert.Contains(t, view, "Fix agent is fixing issues")
	assert.Contains(t, view, "gonogo/fix-1a2b3c4d")

	delta := 7.0
	m = send(t, m, event(progress.Event{
		Type: progress.EventCycleComplete, Cycle: 1, Percent: 70, DeployURL: "https://pr-1.example.app",
		Message: "Cycle 1: 3 fixed, 1 new, 2 unchanged. Score: 48→55",
		Delta:   &progress.Delta{Resolved: 3, New: 1, Unchanged: 2, ScoreDelta: &delta},
	}))
	require.Len(t, m.cycles, 1)
	view = ansi.Strip(m.View())
	assert.Contains(t, view, "3 fixed  1 new  2 unchanged  score +7")

	// Percent never goes backwards.
	m = send(t, m, event(progress.Event{Type: progress.EventProgress, Cycle: 1, Percent: 5, Message: "late"}))
	assert.Equal(t, 70.0, m.percent)
}

func TestLoopCompleteShowsSummary(t *testing.T) {
	m := newTestModel(&fakeControl{}, nil)
	summary := &progress.Summary{CyclesCompleted: 2, TotalResolved: 5, FinalVerdict: "GO", TotalCostUSD: 1.25}
	m = send(t, m, event(progress.Event{Type: progress.EventLoopComplete, Percent: 100, Summary: summary, Message: "Fix loop complete"}))

	assert.True(t, m.done)
	assert.Same(t, summary, m.Summary())
	view := ansi.Strip(m.View())
	assert.Contains(t, view, "2 cycles, 5 resolved, verdict GO, $1.25")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestInterruptStopsThenCancels(t *testing.T) {
	ctrl := &fakeControl{}
	cancelled := 0
	m := newTestModel(ctrl, func() { cancelled++ })

	m = send(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 1, ctrl.stops)
	assert.Zero(t, cancelled)
	assert.Contains(t, ansi.Strip(m.View()), "Stopping after the current cycle")

	m = send(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 1, ctrl.stops)
	assert.Equal(t, 1, cancelled)

	m = send(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 1, cancelled)
}

func TestManualDeployURLEntry(t *testing.T) {
	ctrl := &fakeControl{}
	m := newTestModel(ctrl, nil)

	// u does nothing until the loop asks for a URL.
	m = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("u")})
	assert.False(t, m.input.Focused())

	m = send(t, m, event(progress.Event{Type: progress.EventAwaitingDeployURL, Cycle: 1, Percent: 30, Message: "Cycle 1: Awaiting deploy URL from operator..."}))
	assert.True(t, m.awaiting)
	assert.Contains(t, ansi.Strip(m.View()), "Press u to enter it")

	m = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("u")})
	require.True(t, m.input.Focused())
	m = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("https://manual.example.app")})
	m = send(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, []string{"https://manual.example.app"}, ctrl.advanced)
	assert.False(t, m.awaiting)
	assert.False(t, m.input.Focused())
}

func TestManualDeployURLRejected(t *testing.T) {
	ctrl := &fakeControl{err: errors.New("fix loop is not waiting for a deploy URL")}
	m := newTestModel(ctrl, nil)
	m = send(t, m, event(progress.Event{Type: progress.EventAwaitingDeployURL, Cycle: 1}))
	m = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("u")})
	m = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("https://x.dev")})
	m = send(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.True(t, m.input.Focused())
	assert.Contains(t, m.notice, "not waiting")
}

func TestLogIsBounded(t *testing.T) {
	m := newTestModel(&fakeControl{}, nil)
	for i := 0; i < maxLogLines+25; i++ {
		m.addLine(progress.EventProgress, strings.Repeat("x", 5))
	}
	assert.Len(t, m.lines, maxLogLines)
}

func TestStreamClosedEndsView(t *testing.T) {
	ch := make(chan progress.Event)
	close(ch)
	msg := waitForEvent(ch)()
	assert.IsType(t, StreamClosedMsg{}, msg)

	m := newTestModel(&fakeControl{}, nil)
	m = send(t, m, msg)
	assert.True(t, m.done)
	assert.Nil(t, waitForEvent(nil))
}

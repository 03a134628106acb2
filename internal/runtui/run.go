package runtui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agusx1211/gonogo/internal/progress"
)

// RunConfig holds everything needed to launch the loop view.
type RunConfig struct {
	TargetURL  string
	RepoPath   string
	ApplyMode  string
	DeployMode string
	FixBranch  string
	MaxCycles  int

	Events  <-chan progress.Event
	Control Controller
	// Cancel aborts the loop on the second interrupt.
	Cancel context.CancelFunc
}

// Run shows the view until the loop completes and the user quits. It
// returns the loop summary when one was received.
func Run(cfg RunConfig) (*progress.Summary, error) {
	p := tea.NewProgram(NewModel(cfg), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	if m, ok := final.(Model); ok {
		return m.Summary(), nil
	}
	return nil, nil
}

package fixloop

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/progress"
)

// Outcome says why a loop ended.
type Outcome string

const (
	OutcomeMaxCycles      Outcome = "max_cycles"
	OutcomeVerdictReached Outcome = "verdict_reached"
	OutcomeStopped        Outcome = "stopped"
	OutcomeAgentFailed    Outcome = "agent_failed"
	OutcomeDeployFailed   Outcome = "deploy_failed"
	OutcomeInterrupted    Outcome = "interrupted"
	OutcomeFailed         Outcome = "failed"
)

// Result is what a finished loop reports.
type Result struct {
	Outcome Outcome
	progress.Summary
}

// State is a snapshot of the mutable loop state.
type State struct {
	CurrentCycle    int
	StopRequested   bool
	FixBranch       string
	ManualDeployURL string
	AwaitingURL     bool
}

// Handle controls one running loop. All methods are safe for concurrent
// use.
type Handle struct {
	targetID string
	cfg      LoopConfig

	mu       sync.Mutex
	state    State
	awaiting chan string // non-nil only while blocked on a manual deploy URL

	done   chan struct{}
	result Result
	err    error
}

func newHandle(targetID string, cfg LoopConfig) *Handle {
	return &Handle{targetID: targetID, cfg: cfg, done: make(chan struct{})}
}

// TargetID returns the target the loop works on.
func (h *Handle) TargetID() string { return h.targetID }

// Config returns the loop configuration.
func (h *Handle) Config() LoopConfig { return h.cfg }

// State returns a snapshot of the loop state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state
	s.AwaitingURL = h.awaiting != nil
	return s
}

// RequestStop asks the loop to exit before its next cycle. The cycle in
// flight is never interrupted. Calling it again has no further effect.
func (h *Handle) RequestStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.StopRequested = true
}

// Advance hands the deploy URL to a loop blocked in manual deploy mode.
func (h *Handle) Advance(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("deploy URL is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.DeployMode != deploy.ModeManual || h.awaiting == nil {
		return ErrNotAwaitingURL
	}
	h.awaiting <- url
	h.awaiting = nil
	h.state.ManualDeployURL = url
	return nil
}

// Done is closed once the loop has finished and released its target.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop ends or ctx is done. The error is non-nil only
// for failures that escaped cycle handling.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.StopRequested
}

func (h *Handle) setCycle(n int) {
	h.mu.Lock()
	h.state.CurrentCycle = n
	h.mu.Unlock()
}

func (h *Handle) setFixBranch(b string) {
	h.mu.Lock()
	h.state.FixBranch = b
	h.mu.Unlock()
}

func (h *Handle) fixBranch() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.FixBranch
}

// beginAwait opens the one-shot channel Advance delivers into.
func (h *Handle) beginAwait() <-chan string {
	ch := make(chan string, 1)
	h.mu.Lock()
	h.awaiting = ch
	h.mu.Unlock()
	return ch
}

func (h *Handle) endAwait() {
	h.mu.Lock()
	h.awaiting = nil
	h.mu.Unlock()
}

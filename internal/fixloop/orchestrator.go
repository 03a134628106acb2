// Package fixloop drives the scan, fix, deploy and rescan cycle for a
// target. It owns the cycle state machine, guarantees at most one active
// loop per target, and reconciles cycles left behind by a dead process only
// on explicit operator request.
package fixloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/pushover"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/vcs"
)

// InterruptedMessage is stored on cycles reconciled by MarkInterrupted.
const InterruptedMessage = "Server restart or manual interruption"

// Store is the persistence the orchestrator needs.
type Store interface {
	GetTarget(ctx context.Context, id string) (*store.Target, error)
	CreateTarget(ctx context.Context, t *store.Target) error
	UpdateTarget(ctx context.Context, t *store.Target) error
	SetCurrentCycle(ctx context.Context, targetID string, cycle int) error
	CreateCycle(ctx context.Context, c *store.CycleRecord) error
	UpdateCycle(ctx context.Context, c *store.CycleRecord) error
	ListCycles(ctx context.Context, targetID string) ([]*store.CycleRecord, error)
	LatestCycle(ctx context.Context, targetID string) (*store.CycleRecord, error)
	ActiveCycles(ctx context.Context, targetID string) ([]*store.CycleRecord, error)
	MarkInterrupted(ctx context.Context, targetID, msg string) ([]int, error)
}

// VCS manages the fix branch.
type VCS interface {
	IsRepo(ctx context.Context, repoPath string) bool
	HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error)
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	CreateFixBranch(ctx context.Context, repoPath, targetID string) (string, error)
	OriginalBranch(repoPath string) (string, error)
	CommitFixes(ctx context.Context, repoPath string, cycle int) (vcs.CommitResult, error)
	Discard(ctx context.Context, repoPath, fixBranch, returnTo string) error
}

// FixAgent runs the coding agent for one cycle.
type FixAgent interface {
	CheckInstalled(ctx context.Context) (bool, string)
	Run(ctx context.Context, repoPath, report string, cycle int, techStack string) (*agent.Result, error)
}

// Deployer turns a checkout into a URL.
type Deployer interface {
	Trigger(ctx context.Context, req deploy.Request) *deploy.Result
	WaitForURL(ctx context.Context, url string, timeout, interval time.Duration) bool
}

// Notifier delivers the end-of-loop summary out of band.
type Notifier interface {
	Send(ctx context.Context, msg pushover.Message) error
}

// Deps are the collaborators of an Orchestrator. Sink, Notifier and
// Registry are optional.
type Deps struct {
	Store    Store
	VCS      VCS
	Agent    FixAgent
	Deployer Deployer
	Scanner  scanner.Scanner
	Sink     progress.Sink
	Notifier Notifier
	Registry *Registry
}

// Options tune waits that are not part of LoopConfig.
type Options struct {
	// LocalURL is used in local deploy mode; empty means the target's URL.
	LocalURL        string
	URLWaitTimeout  time.Duration
	URLPollInterval time.Duration
	// ManualDeployTimeout bounds the wait for Advance. Zero waits until the
	// loop context is cancelled.
	ManualDeployTimeout time.Duration
}

// Orchestrator starts and inspects fix loops.
type Orchestrator struct {
	store    Store
	vcs      VCS
	agent    FixAgent
	deployer Deployer
	scanner  scanner.Scanner
	sink     progress.Sink
	notifier Notifier
	registry *Registry
	opts     Options
	log      zerolog.Logger
}

// New returns an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if opts.URLWaitTimeout <= 0 {
		opts.URLWaitTimeout = 120 * time.Second
	}
	if opts.URLPollInterval <= 0 {
		opts.URLPollInterval = 5 * time.Second
	}
	return &Orchestrator{
		store:    deps.Store,
		vcs:      deps.VCS,
		agent:    deps.Agent,
		deployer: deps.Deployer,
		scanner:  deps.Scanner,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		registry: deps.Registry,
		opts:     opts,
		log:      debug.Component("fixloop"),
	}
}

// Registry returns the registry of active loops.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Start validates the target and configuration, claims the target, creates
// the fix branch in branch mode and runs the cycles on a new goroutine. ctx
// bounds the whole loop: cancelling it aborts the cycle in flight, which is
// then recorded as interrupted.
//
// Precondition failures return before any cycle record exists and leave
// the target unclaimed.
func (o *Orchestrator) Start(ctx context.Context, targetID string, cfg LoopConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := newHandle(targetID, cfg)
	if !o.registry.TryRegister(targetID, h) {
		o.log.Warn().Str("target", targetID).Msg("refused concurrent fix loop")
		return nil, ErrLoopAlreadyActive
	}
	started := false
	defer func() {
		if !started {
			o.registry.Unregister(targetID, h)
		}
	}()

	target, err := o.loadReadyTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	active, err := o.store.ActiveCycles(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		nums := make([]int, len(active))
		for i, c := range active {
			nums[i] = c.CycleNumber
		}
		o.log.Warn().Str("target", targetID).Ints("cycles", nums).Msg("found interrupted fix cycles")
		return nil, &InterruptedCyclesError{TargetID: targetID, Cycles: nums}
	}
	if fi, err := os.Stat(cfg.RepoPath); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: repository path %s is not a directory", ErrInvalidConfig, cfg.RepoPath)
	}

	target.FixLoopEnabled = true
	target.MaxCycles = cfg.MaxCycles
	target.StopOnVerdict = cfg.StopOnVerdict
	target.DeployMode = string(cfg.DeployMode)
	target.DeployCommand = cfg.DeployCommand
	target.SeverityFilter = findings.Strings(cfg.SeverityFilter)
	target.ApplyMode = string(cfg.ApplyMode)
	target.RepoPath = cfg.RepoPath
	target.CurrentCycle = 0
	target.FixBranch = ""
	target.OriginalBranch = ""

	if cfg.ApplyMode == ApplyBranch {
		o.publish(progress.Event{Type: progress.EventProgress, TargetID: targetID, Step: "fix_loop_init",
			Message: fmt.Sprintf("Creating fix branch for target %s...", shortID(targetID)), Percent: 5})
		branch, err := o.vcs.CreateFixBranch(ctx, cfg.RepoPath, targetID)
		if err != nil {
			o.log.Error().Err(err).Str("target", targetID).Msg("creating fix branch failed")
			o.publish(progress.Event{Type: progress.EventError, TargetID: targetID, Step: "fix_loop_init", Message: err.Error()})
			return nil, err
		}
		target.FixBranch = branch
		target.OriginalBranch, _ = o.vcs.OriginalBranch(cfg.RepoPath)
		h.setFixBranch(branch)
		o.publish(progress.Event{Type: progress.EventProgress, TargetID: targetID, Step: "fix_loop_init",
			Message: "Created branch: " + branch, Percent: 10})
	}

	if err := o.store.UpdateTarget(ctx, target); err != nil {
		if target.FixBranch != "" {
			// Leave the checkout as it was before Start.
			if derr := o.vcs.Discard(context.WithoutCancel(ctx), cfg.RepoPath, target.FixBranch, target.OriginalBranch); derr != nil {
				o.log.Error().Err(derr).Str("target", targetID).Str("branch", target.FixBranch).Msg("rolling back fix branch failed")
			}
		}
		return nil, fmt.Errorf("persisting loop configuration: %w", err)
	}

	o.log.Info().
		Str("target", targetID).
		Str("apply_mode", string(cfg.ApplyMode)).
		Str("deploy_mode", string(cfg.DeployMode)).
		Int("max_cycles", cfg.MaxCycles).
		Str("stop_on", cfg.StopOnVerdict).
		Str("branch", target.FixBranch).
		Msg("starting fix loop")

	started = true
	go o.run(ctx, h, target)
	return h, nil
}

// Advance delivers a manual deploy URL to the loop running for targetID.
func (o *Orchestrator) Advance(targetID, url string) error {
	h, ok := o.registry.Lookup(targetID)
	if !ok {
		return ErrNotAwaitingURL
	}
	return h.Advance(url)
}

// RequestStop asks the loop running for targetID to stop after its current
// cycle.
func (o *Orchestrator) RequestStop(targetID string) error {
	h, ok := o.registry.Lookup(targetID)
	if !ok {
		return ErrNoActiveLoop
	}
	h.RequestStop()
	o.publish(progress.Event{Type: progress.EventProgress, TargetID: targetID, Step: "fix_loop_stopping",
		Message: "Stop requested - will stop after current cycle completes"})
	return nil
}

// LoopStatus is the derived status of a target's fix loop.
type LoopStatus string

const (
	LoopRunning    LoopStatus = "running"
	LoopNotStarted LoopStatus = "not_started"
)

// Status derives the loop status: running while registered, otherwise the
// status of the latest cycle record, otherwise not_started.
func (o *Orchestrator) Status(ctx context.Context, targetID string) (LoopStatus, error) {
	if _, err := o.getTarget(ctx, targetID); err != nil {
		return "", err
	}
	if _, ok := o.registry.Lookup(targetID); ok {
		return LoopRunning, nil
	}
	latest, err := o.store.LatestCycle(ctx, targetID)
	if errors.Is(err, store.ErrCycleNotFound) {
		return LoopNotStarted, nil
	}
	if err != nil {
		return "", err
	}
	return LoopStatus(latest.Status), nil
}

// Totals aggregate every cycle of a target.
type Totals struct {
	CostUSD              float64
	FindingsResolved     int
	Elapsed              time.Duration
	AgentDurationSeconds float64
}

// Report is the status of a target's loop with its cycle history.
type Report struct {
	TargetID     string
	URL          string
	Status       LoopStatus
	CurrentCycle int
	MaxCycles    int
	FixBranch    string
	ApplyMode    string
	RepoPath     string
	Cycles       []*store.CycleRecord
	Totals       Totals
}

// Report returns the loop status with all cycle records and totals.
func (o *Orchestrator) Report(ctx context.Context, targetID string) (*Report, error) {
	target, err := o.getTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	status, err := o.Status(ctx, targetID)
	if err != nil {
		return nil, err
	}
	cycles, err := o.store.ListCycles(ctx, targetID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		TargetID:     targetID,
		URL:          target.URL,
		Status:       status,
		CurrentCycle: target.CurrentCycle,
		MaxCycles:    target.MaxCycles,
		FixBranch:    target.FixBranch,
		ApplyMode:    target.ApplyMode,
		RepoPath:     target.RepoPath,
		Cycles:       cycles,
	}
	if r.MaxCycles == 0 {
		r.MaxCycles = DefaultMaxCycles
	}
	for _, c := range cycles {
		r.Totals.CostUSD += c.CostUSD
		r.Totals.FindingsResolved += c.FindingsResolved
		r.Totals.AgentDurationSeconds += c.DurationSeconds
	}
	if len(cycles) > 0 {
		end := time.Now().UTC()
		if last := cycles[len(cycles)-1]; last.CompletedAt != nil {
			end = *last.CompletedAt
		}
		r.Totals.Elapsed = end.Sub(cycles[0].CreatedAt)
	}
	return r, nil
}

// MarkInterrupted reconciles cycles a dead loop left in flight so that a
// new loop may start. It refuses while a loop is registered for the target.
func (o *Orchestrator) MarkInterrupted(ctx context.Context, targetID string) ([]int, error) {
	if _, err := o.getTarget(ctx, targetID); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Lookup(targetID); ok {
		return nil, ErrLoopAlreadyActive
	}
	return o.store.MarkInterrupted(ctx, targetID, InterruptedMessage)
}

// CheckPrerequisites returns human-readable problems that would stop a
// loop in repoPath. An empty result means ready.
func (o *Orchestrator) CheckPrerequisites(ctx context.Context, repoPath string, mode ApplyMode) []string {
	var issues []string
	if ok, detail := o.agent.CheckInstalled(ctx); !ok {
		issues = append(issues, "Fix agent not available: "+detail)
	}

	fi, err := os.Stat(repoPath)
	switch {
	case err != nil:
		issues = append(issues, "Repository path does not exist: "+repoPath)
	case !fi.IsDir():
		issues = append(issues, "Repository path is not a directory: "+repoPath)
	case mode == ApplyBranch:
		if !o.vcs.IsRepo(ctx, repoPath) {
			issues = append(issues, fmt.Sprintf("Not a git repository (apply mode 'branch'): %s\n  Use apply mode 'direct' to apply fixes without git branching", repoPath))
			break
		}
		dirty, err := o.vcs.HasUncommittedChanges(ctx, repoPath)
		if err != nil {
			issues = append(issues, "Failed to check git status: "+err.Error())
		} else if dirty {
			issues = append(issues, fmt.Sprintf("Working tree has uncommitted changes in %s\n  Commit or stash changes before starting the fix loop", repoPath))
		}
	}
	return issues
}

func (o *Orchestrator) getTarget(ctx context.Context, targetID string) (*store.Target, error) {
	t, err := o.store.GetTarget(ctx, targetID)
	if errors.Is(err, store.ErrTargetNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return t, err
}

func (o *Orchestrator) loadReadyTarget(ctx context.Context, targetID string) (*store.Target, error) {
	t, err := o.getTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TargetCompleted {
		return nil, fmt.Errorf("%w: scan status is %s", ErrTargetNotReady, t.Status)
	}
	if t.ReportPath == "" {
		return nil, fmt.Errorf("%w: scan has no report", ErrTargetNotReady)
	}
	return t, nil
}

func (o *Orchestrator) publish(ev progress.Event) {
	o.sink.Publish(ev)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

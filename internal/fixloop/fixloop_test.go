package fixloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
)

func statuses(cs []*store.CycleRecord) []store.CycleStatus {
	out := make([]store.CycleStatus, len(cs))
	for i, c := range cs {
		out[i] = c.Status
	}
	return out
}

func TestLoopStopsWhenVerdictReached(t *testing.T) {
	h := newHarness(t, Options{},
		scanStep{verdict: scanner.VerdictNoGo, score: 55, findings: []string{"F2", "F3"}},
		scanStep{verdict: scanner.VerdictGoWithConditions, score: 72, findings: []string{"F3"}},
		scanStep{verdict: scanner.VerdictGo, score: 91},
	)
	handle := h.start(h.config(5))

	res, err := h.wait(handle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerdictReached, res.Outcome)
	assert.Equal(t, 3, res.CyclesCompleted)
	assert.Equal(t, 3, res.TotalResolved)
	assert.Equal(t, "GO", res.FinalVerdict)
	require.NotNil(t, res.ScoreDelta)
	assert.InDelta(t, 43.0, *res.ScoreDelta, 0.001)
	assert.InDelta(t, 1.5, res.TotalCostUSD, 0.001)

	cycles := h.cycles()
	assert.Equal(t, []store.CycleStatus{store.CycleCompleted, store.CycleCompleted, store.CycleCompleted}, statuses(cycles))
	for i, c := range cycles {
		assert.Equal(t, i+1, c.CycleNumber)
		assert.NotNil(t, c.CompletedAt)
		assert.Equal(t, 1, c.FindingsResolved)
	}
	assert.Equal(t, "GO_WITH_CONDITIONS", cycles[1].RescanVerdict)

	children, err := h.store.ListChildren(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)

	events := h.sink.all()
	last := events[len(events)-1]
	assert.Equal(t, progress.EventLoopComplete, last.Type)
	assert.Equal(t, 100.0, last.Percent)
	require.NotNil(t, last.Summary)
	assert.Contains(t, last.Message, "Fix loop complete: 3 cycles, 3 issues resolved, score 48→91 (NO-GO→GO)")

	var success bool
	for _, ev := range events {
		if ev.Step == "fix_loop_success" {
			success = true
			assert.Equal(t, 95.0, ev.Percent)
			assert.Contains(t, ev.Message, "Target verdict 'GO' reached after cycle 3")
		}
	}
	assert.True(t, success)

	status, err := h.orch.Status(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, LoopStatus(store.CycleCompleted), status)
}

func TestGoWithConditionsTargetStopsOnGo(t *testing.T) {
	h := newHarness(t, Options{}, scanStep{verdict: scanner.VerdictGo, score: 88})
	cfg := h.config(3)
	cfg.StopOnVerdict = string(scanner.VerdictGoWithConditions)

	res, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerdictReached, res.Outcome)
	assert.Len(t, h.cycles(), 1)

	var exceeded bool
	for _, ev := range h.sink.all() {
		if ev.Step == "fix_loop_success" && strings.Contains(ev.Message, "Exceeded target! Reached 'GO' after cycle 1") {
			exceeded = true
		}
	}
	assert.True(t, exceeded)
}

func TestStopNeverRunsAllCycles(t *testing.T) {
	h := newHarness(t, Options{}, scanStep{verdict: scanner.VerdictGo, score: 95})
	cfg := h.config(2)
	cfg.StopOnVerdict = StopNever

	res, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaxCycles, res.Outcome)
	assert.Len(t, h.cycles(), 2)
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		close(started)
		<-release
		return &agent.Result{Status: agent.StatusSuccess}, nil
	}
	handle := h.start(h.config(1))
	<-started

	_, err := h.orch.Start(context.Background(), h.target.ID, h.config(1))
	require.ErrorIs(t, err, ErrLoopAlreadyActive)
	assert.Equal(t, []string{h.target.ID}, h.orch.Registry().Active())

	status, err := h.orch.Status(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, LoopRunning, status)

	close(release)
	_, err = h.wait(handle)
	require.NoError(t, err)
	assert.Empty(t, h.orch.Registry().Active())

	h.agent.run = nil
	_, err = h.wait(h.start(h.config(1)))
	require.NoError(t, err)
	assert.Len(t, h.cycles(), 2)
}

func TestStopRequestTakesEffectAtCycleBoundary(t *testing.T) {
	h := newHarness(t, Options{})
	inCycle2 := make(chan struct{})
	release := make(chan struct{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		if cycle == 2 {
			close(inCycle2)
			<-release
		}
		return &agent.Result{Status: agent.StatusSuccess, CostUSD: 0.25}, nil
	}
	cfg := h.config(5)
	cfg.StopOnVerdict = StopNever
	handle := h.start(cfg)

	<-inCycle2
	require.NoError(t, h.orch.RequestStop(h.target.ID))
	assert.True(t, handle.State().StopRequested)
	close(release)

	res, err := h.wait(handle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.True(t, res.Stopped)
	assert.Equal(t, []store.CycleStatus{store.CycleCompleted, store.CycleCompleted}, statuses(h.cycles()))
	assert.Len(t, h.sink.ofType(progress.EventLoopStopped), 1)

	assert.ErrorIs(t, h.orch.RequestStop(h.target.ID), ErrNoActiveLoop)
}

func TestBudgetExceededStillVerifies(t *testing.T) {
	h := newHarness(t, Options{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		return &agent.Result{Status: agent.StatusBudgetExceeded, CostUSD: 5.02, ErrorMessage: "budget exceeded"}, nil
	}

	res, err := h.wait(h.start(h.config(1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaxCycles, res.Outcome)

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleBudgetExceeded, cycles[0].Status)
	assert.InDelta(t, 5.02, cycles[0].CostUSD, 0.001)
	assert.Equal(t, 1, cycles[0].FindingsResolved)
	assert.Len(t, h.deployer.seen(), 1)

	var warned bool
	for _, ev := range h.sink.all() {
		if strings.Contains(ev.Message, "Budget exceeded - partial fixes may have been applied. $5.02 spent.") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRescanFailureContinuesLoop(t *testing.T) {
	h := newHarness(t, Options{},
		scanStep{err: errors.New("scanner unreachable")},
		scanStep{status: "failed", verdict: scanner.VerdictNoGo, score: 40},
		scanStep{verdict: scanner.VerdictGo, score: 90},
	)

	res, err := h.wait(h.start(h.config(5)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerdictReached, res.Outcome)

	cycles := h.cycles()
	assert.Equal(t, []store.CycleStatus{store.CycleRescanFailed, store.CycleRescanFailed, store.CycleCompleted}, statuses(cycles))
	assert.Contains(t, cycles[0].ErrorMessage, "scanner unreachable")
	require.NotNil(t, cycles[1].RescanScore)
	assert.Equal(t, 40.0, *cycles[1].RescanScore)
	// The third cycle diffs against the original scan since no rescan completed before it.
	assert.Equal(t, 3, cycles[2].FindingsResolved)
}

func TestEmptyRescanResultCountsAsRescanFailure(t *testing.T) {
	h := newHarness(t, Options{},
		scanStep{noResult: true},
		scanStep{verdict: scanner.VerdictGo, score: 90},
	)

	res, err := h.wait(h.start(h.config(3)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerdictReached, res.Outcome)

	cycles := h.cycles()
	assert.Equal(t, []store.CycleStatus{store.CycleRescanFailed, store.CycleCompleted}, statuses(cycles))
	assert.Equal(t, "Rescan failed: scanner returned no result", cycles[0].ErrorMessage)
	assert.Empty(t, cycles[0].RescanID)
}

func TestCollaboratorPanicFailsCycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		panic("agent exploded")
	}

	res, err := h.wait(h.start(h.config(3)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in cycle 1: agent exploded")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "agent exploded")
	assert.Empty(t, h.orch.Registry().Active())

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleFailed, cycles[0].Status)
	assert.NotNil(t, cycles[0].CompletedAt)

	events := h.sink.all()
	assert.Equal(t, progress.EventLoopComplete, events[len(events)-1].Type)
}

func TestDeployFailureEndsLoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.deployer.trigger = func(req deploy.Request) *deploy.Result {
		return &deploy.Result{Status: deploy.StatusFailed, ErrorCode: deploy.CodeNonzeroExit, Stderr: "Error: build failed"}
	}

	res, err := h.wait(h.start(h.config(3)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeployFailed, res.Outcome)
	assert.Contains(t, res.Error, "DEPLOY_NONZERO_EXIT")

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleDeployFailed, cycles[0].Status)
	assert.Equal(t, "Deploy failed (DEPLOY_NONZERO_EXIT): Error: build failed", cycles[0].ErrorMessage)
	assert.Zero(t, h.scanner.calls)

	var coded bool
	for _, ev := range h.sink.ofType(progress.EventError) {
		if ev.Code == string(deploy.CodeNonzeroExit) {
			coded = true
		}
	}
	assert.True(t, coded)
}

func TestDeployWithoutCommandUsesTargetURL(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := h.config(1)
	cfg.DeployCommand = ""

	_, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Empty(t, h.deployer.seen())
	assert.Equal(t, []string{"https://shop.example.com"}, h.scanner.urls)
	assert.Equal(t, "https://shop.example.com", h.cycles()[0].DeployURL)
}

func TestLocalDeployUsesLocalURL(t *testing.T) {
	h := newHarness(t, Options{LocalURL: "http://localhost:3000"})
	cfg := h.config(1)
	cfg.DeployMode = deploy.ModeLocal

	_, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000"}, h.scanner.urls)
}

func TestUnreachableDeployURLOnlyWarns(t *testing.T) {
	h := newHarness(t, Options{})
	h.deployer.ready = false

	_, err := h.wait(h.start(h.config(1)))
	require.NoError(t, err)
	assert.Equal(t, store.CycleCompleted, h.cycles()[0].Status)

	var warned bool
	for _, ev := range h.sink.all() {
		if strings.HasPrefix(ev.Message, "Warning: deploy URL not reachable") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestBranchModeCommitsAndDeploysFixBranch(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := h.config(2)
	cfg.ApplyMode = ApplyBranch
	cfg.StopOnVerdict = StopNever
	h.vcs.commitErr = nil

	handle := h.start(cfg)
	res, err := h.wait(handle)
	require.NoError(t, err)

	branch := "gonogo/fix-" + h.target.ID[:8]
	assert.Equal(t, branch, res.FixBranch)
	assert.Equal(t, []int{1, 2}, h.vcs.committed())
	for _, req := range h.deployer.seen() {
		assert.Equal(t, branch, req.Branch)
		assert.Equal(t, "vercel deploy --branch {branch}", req.Command)
		assert.Equal(t, h.repo, req.Dir)
	}

	got, err := h.store.GetTarget(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, branch, got.FixBranch)
	assert.Equal(t, "main", got.OriginalBranch)
	assert.Equal(t, 2, got.CurrentCycle)
	assert.True(t, got.FixLoopEnabled)
	assert.Equal(t, []string{"critical", "high"}, got.SeverityFilter)

	var reminded bool
	for _, ev := range h.sink.all() {
		if ev.Message == "Review and merge branch: "+branch {
			reminded = true
		}
	}
	assert.True(t, reminded)
}

func TestCommitFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.vcs.commitErr = errors.New("hook rejected commit")
	cfg := h.config(1)
	cfg.ApplyMode = ApplyBranch

	_, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.CycleCompleted, h.cycles()[0].Status)
}

func TestBranchCreationFailureLeavesNoCycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.vcs.createErr = errors.New("working tree is dirty")
	cfg := h.config(1)
	cfg.ApplyMode = ApplyBranch

	_, err := h.orch.Start(context.Background(), h.target.ID, cfg)
	require.Error(t, err)
	assert.Empty(t, h.cycles())
	assert.Empty(t, h.orch.Registry().Active())
}

// targetWriteFailure rejects every target update.
type targetWriteFailure struct {
	*store.Store
}

func (targetWriteFailure) UpdateTarget(context.Context, *store.Target) error {
	return errors.New("database is locked")
}

func TestFailedConfigPersistRollsBackFixBranch(t *testing.T) {
	h := newHarness(t, Options{})
	orch := New(Deps{
		Store:    targetWriteFailure{h.store},
		VCS:      h.vcs,
		Agent:    h.agent,
		Deployer: h.deployer,
		Scanner:  h.scanner,
	}, Options{})
	cfg := h.config(1)
	cfg.ApplyMode = ApplyBranch

	_, err := orch.Start(context.Background(), h.target.ID, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, []string{"gonogo/fix-" + h.target.ID[:8] + "->main"}, h.vcs.discarded)
	assert.Empty(t, orch.Registry().Active())
	assert.Empty(t, h.cycles())
}

func TestManualDeployWaitsForAdvance(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := h.config(1)
	cfg.DeployMode = deploy.ModeManual

	assert.ErrorIs(t, h.orch.Advance(h.target.ID, "https://x.example.com"), ErrNotAwaitingURL)

	handle := h.start(cfg)
	require.Eventually(t, func() bool { return handle.State().AwaitingURL }, 5*time.Second, 5*time.Millisecond)

	require.Error(t, handle.Advance("   "))
	require.NoError(t, h.orch.Advance(h.target.ID, "https://manual-preview.example.com"))
	assert.ErrorIs(t, handle.Advance("https://again.example.com"), ErrNotAwaitingURL)

	_, err := h.wait(handle)
	require.NoError(t, err)
	assert.Equal(t, "https://manual-preview.example.com", h.cycles()[0].DeployURL)
	assert.Equal(t, []string{"https://manual-preview.example.com"}, h.scanner.urls)
	assert.Equal(t, "https://manual-preview.example.com", handle.State().ManualDeployURL)
	assert.Len(t, h.sink.ofType(progress.EventAwaitingDeployURL), 1)
}

func TestAdvanceOutsideManualModeIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		<-release
		return &agent.Result{Status: agent.StatusSuccess}, nil
	}
	handle := h.start(h.config(1))
	assert.ErrorIs(t, handle.Advance("https://x.example.com"), ErrNotAwaitingURL)
	close(release)
	_, err := h.wait(handle)
	require.NoError(t, err)
}

func TestManualDeployTimeout(t *testing.T) {
	h := newHarness(t, Options{ManualDeployTimeout: 30 * time.Millisecond})
	cfg := h.config(2)
	cfg.DeployMode = deploy.ModeManual

	res, err := h.wait(h.start(cfg))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeployFailed, res.Outcome)

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleDeployFailed, cycles[0].Status)
	assert.Contains(t, cycles[0].ErrorMessage, string(deploy.CodeManualTimeout))
}

func TestAgentUnavailableEndsLoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		return nil, &agent.NotInstalledError{Binary: "claude", Detail: "executable file not found in $PATH"}
	}

	res, err := h.wait(h.start(h.config(3)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgentFailed, res.Outcome)
	assert.Contains(t, res.Error, "not available")

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleFailed, cycles[0].Status)
	assert.Empty(t, h.deployer.seen())
}

func TestAgentErrorResultEndsLoop(t *testing.T) {
	h := newHarness(t, Options{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		return &agent.Result{Status: agent.StatusTimeout, ErrorMessage: "timed out after 600s", CostUSD: 1.1}, nil
	}

	res, err := h.wait(h.start(h.config(3)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAgentFailed, res.Outcome)
	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, "timed out after 600s", cycles[0].ErrorMessage)
	assert.InDelta(t, 1.1, cycles[0].CostUSD, 0.001)
}

func TestAgentReceivesFilteredReport(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.wait(h.start(h.config(1)))
	require.NoError(t, err)

	require.Len(t, h.agent.reports, 1)
	assert.Contains(t, h.agent.reports[0], "F1 checkout crashes")
	assert.Contains(t, h.agent.reports[0], "F2 missing CSP")
	assert.NotContains(t, h.agent.reports[0], "favicon")
}

func TestCancellationMarksCycleInterrupted(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := h.orch.Start(ctx, h.target.ID, h.config(3))
	require.NoError(t, err)

	<-started
	cancel()
	res, err := h.wait(handle)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)

	cycles := h.cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, store.CycleInterrupted, cycles[0].Status)

	active, err := h.store.ActiveCycles(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInterruptedCyclesBlockStartUntilMarked(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	stale := &store.CycleRecord{TargetID: h.target.ID, CycleNumber: 2, Status: store.CycleDeploying}
	require.NoError(t, h.store.CreateCycle(ctx, stale))

	_, err := h.orch.Start(ctx, h.target.ID, h.config(1))
	require.ErrorIs(t, err, ErrLoopAlreadyActive)
	var interrupted *InterruptedCyclesError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, []int{2}, interrupted.Cycles)
	assert.Empty(t, h.orch.Registry().Active())

	nums, err := h.orch.MarkInterrupted(ctx, h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, nums)

	got, err := h.store.GetCycle(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CycleInterrupted, got.Status)
	assert.Equal(t, InterruptedMessage, got.ErrorMessage)

	_, err = h.wait(h.start(h.config(1)))
	require.NoError(t, err)
}

func TestMarkInterruptedRefusesRunningLoop(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.agent.run = func(ctx context.Context, cycle int) (*agent.Result, error) {
		<-release
		return &agent.Result{Status: agent.StatusSuccess}, nil
	}
	handle := h.start(h.config(1))

	_, err := h.orch.MarkInterrupted(context.Background(), h.target.ID)
	assert.ErrorIs(t, err, ErrLoopAlreadyActive)

	close(release)
	_, err = h.wait(handle)
	require.NoError(t, err)

	nums, err := h.orch.MarkInterrupted(context.Background(), h.target.ID)
	require.NoError(t, err)
	assert.Empty(t, nums)
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "missing", h.config(1))
	assert.ErrorIs(t, err, ErrTargetNotFound)

	cfg := h.config(1)
	cfg.StopOnVerdict = "MAYBE"
	_, err = h.orch.Start(ctx, h.target.ID, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = h.config(1)
	cfg.RepoPath = h.repo + "/does-not-exist"
	_, err = h.orch.Start(ctx, h.target.ID, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	scanning := &store.Target{URL: "https://other.example.com", Status: store.TargetRunning}
	require.NoError(t, h.store.CreateTarget(ctx, scanning))
	_, err = h.orch.Start(ctx, scanning.ID, h.config(1))
	assert.ErrorIs(t, err, ErrTargetNotReady)

	assert.Empty(t, h.cycles())
	assert.Empty(t, h.orch.Registry().Active())
}

func TestReportTotals(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	status, err := h.orch.Status(ctx, h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, LoopNotStarted, status)

	cfg := h.config(2)
	cfg.StopOnVerdict = StopNever
	_, err = h.wait(h.start(cfg))
	require.NoError(t, err)

	r, err := h.orch.Report(ctx, h.target.ID)
	require.NoError(t, err)
	assert.Equal(t, LoopStatus(store.CycleCompleted), r.Status)
	assert.Equal(t, 2, r.MaxCycles)
	assert.Equal(t, 2, r.CurrentCycle)
	assert.Len(t, r.Cycles, 2)
	assert.InDelta(t, 1.0, r.Totals.CostUSD, 0.001)
	assert.Equal(t, 1, r.Totals.FindingsResolved)
	assert.InDelta(t, 4.0, r.Totals.AgentDurationSeconds, 0.001)
	assert.GreaterOrEqual(t, r.Totals.Elapsed, time.Duration(0))

	_, err = h.orch.Report(ctx, "missing")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestProgressPercentages(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := h.config(4)
	cfg.StopOnVerdict = StopNever
	_, err := h.wait(h.start(cfg))
	require.NoError(t, err)

	starts := h.sink.ofType(progress.EventCycleStart)
	require.Len(t, starts, 4)
	for i, ev := range starts {
		assert.InDelta(t, 10+float64(i)*20, ev.Percent, 0.001)
		assert.Equal(t, 4, ev.MaxCycles)
	}
	for _, ev := range h.sink.ofType(progress.EventCycleComplete) {
		require.NotNil(t, ev.Delta)
		assert.InDelta(t, progress.Percent(ev.Cycle, 4, 60), ev.Percent, 0.001)
	}
}

func TestCheckPrerequisites(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	assert.Empty(t, h.orch.CheckPrerequisites(ctx, h.repo, ApplyBranch))

	h.vcs.dirty = true
	issues := h.orch.CheckPrerequisites(ctx, h.repo, ApplyBranch)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "uncommitted changes")
	assert.Empty(t, h.orch.CheckPrerequisites(ctx, h.repo, ApplyDirect))

	h.vcs.isRepo = false
	h.agent.installed = false
	issues = h.orch.CheckPrerequisites(ctx, h.repo, ApplyBranch)
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "Fix agent not available")
	assert.Contains(t, issues[1], "Not a git repository")

	issues = h.orch.CheckPrerequisites(ctx, h.repo+"/nope", ApplyDirect)
	assert.Contains(t, issues[len(issues)-1], "does not exist")
}

package fixloop

import (
	"context"
	"errors"
	"fmt"
	rtdebug "runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/pushover"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/vcs"
)

// Step offsets inside a cycle's share of the progress bar.
const (
	offsetFixing       = 5
	offsetAgentResult  = 10
	offsetCommit       = 15
	offsetDeploy       = 20
	offsetDeployFailed = 25
	offsetWait         = 30
	offsetWaitWarning  = 35
	offsetRescan       = 40
	offsetDelta        = 60
)

// loopState is the running state carried from one cycle to the next.
type loopState struct {
	siteURL       string
	reportPath    string
	techStack     string
	previous      []findings.Finding
	previousScore *float64
	cycles        int
	totalCost     float64
	totalResolved int
	finalScore    *float64
	finalVerdict  string
	lastError     string
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, target *store.Target) {
	defer close(h.done)
	defer o.registry.Unregister(h.targetID, h)

	cfg := h.cfg
	st := &loopState{
		siteURL:       target.URL,
		reportPath:    target.ReportPath,
		techStack:     target.TechStack,
		previous:      target.Findings,
		previousScore: target.OverallScore,
		finalScore:    target.OverallScore,
		finalVerdict:  target.Verdict,
	}

	outcome := OutcomeMaxCycles
	var loopErr error
	for n := 1; n <= cfg.MaxCycles; n++ {
		if h.stopRequested() {
			outcome = OutcomeStopped
			o.publish(progress.Event{
				Type:      progress.EventLoopStopped,
				TargetID:  h.targetID,
				Step:      "fix_loop_stopped",
				Message:   fmt.Sprintf("Fix loop stopped by user after cycle %d", n-1),
				Percent:   100,
				Cycle:     n - 1,
				MaxCycles: cfg.MaxCycles,
			})
			break
		}
		result, err := o.runCycle(ctx, h, n, st)
		if err != nil {
			loopErr = err
			outcome = result
			break
		}
		if result != "" {
			outcome = result
			break
		}
	}

	summary := progress.Summary{
		CyclesCompleted: st.cycles,
		TotalResolved:   st.totalResolved,
		InitialScore:    target.OverallScore,
		FinalScore:      st.finalScore,
		ScoreDelta:      scoreDelta(st.finalScore, target.OverallScore),
		FinalVerdict:    st.finalVerdict,
		TotalCostUSD:    st.totalCost,
		FixBranch:       h.fixBranch(),
		Stopped:         outcome == OutcomeStopped,
	}
	switch {
	case loopErr != nil:
		summary.Error = loopErr.Error()
	case outcome == OutcomeAgentFailed || outcome == OutcomeDeployFailed:
		summary.Error = st.lastError
	}

	msg := fmt.Sprintf("Fix loop complete: %d cycles, %d issues resolved, score %s→%s (%s→%s), total cost $%.2f",
		summary.CyclesCompleted, summary.TotalResolved,
		formatScore(target.OverallScore), formatScore(st.finalScore),
		orUnknown(target.Verdict), orUnknown(st.finalVerdict), st.totalCost)
	o.log.Info().
		Str("target", h.targetID).
		Str("outcome", string(outcome)).
		Int("cycles", summary.CyclesCompleted).
		Int("resolved", summary.TotalResolved).
		Float64("cost_usd", summary.TotalCostUSD).
		Msg("fix loop finished")

	if cfg.ApplyMode == ApplyBranch && summary.FixBranch != "" {
		o.publish(progress.Event{Type: progress.EventProgress, TargetID: h.targetID, Step: "fix_loop_merge_reminder",
			Message: "Review and merge branch: " + summary.FixBranch, Percent: 100})
	}
	o.publish(progress.Event{
		Type:      progress.EventLoopComplete,
		TargetID:  h.targetID,
		Step:      "fix_loop_complete",
		Message:   msg,
		Percent:   100,
		Cycle:     st.cycles,
		MaxCycles: cfg.MaxCycles,
		Summary:   &summary,
	})

	if removed, err := agent.CleanupTempFiles(cfg.RepoPath); err != nil {
		o.log.Warn().Err(err).Str("repo", cfg.RepoPath).Msg("removing temp report files failed")
	} else if len(removed) > 0 {
		o.log.Info().Int("count", len(removed)).Str("repo", cfg.RepoPath).Msg("cleaned up temp report files")
	}

	if o.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		if err := o.notifier.Send(nctx, pushover.LoopSummary(target.URL, summary)); err != nil {
			o.log.Warn().Err(err).Msg("sending loop notification failed")
		}
		cancel()
	}

	h.result = Result{Outcome: outcome, Summary: summary}
	h.err = loopErr
}

// runCycle executes one cycle. An empty Outcome means the loop goes on. A
// non-nil error is an unclassified failure and ends the loop.
func (o *Orchestrator) runCycle(ctx context.Context, h *Handle, n int, st *loopState) (outcome Outcome, err error) {
	cfg := h.cfg
	var abort func(error) (Outcome, error)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		o.log.Error().Str("target", h.targetID).Int("cycle", n).
			Interface("panic", r).Bytes("stack", rtdebug.Stack()).Msg("cycle panicked")
		err = fmt.Errorf("panic in cycle %d: %v", n, r)
		outcome = OutcomeFailed
		if abort != nil {
			outcome, err = abort(err)
		}
	}()
	db := context.WithoutCancel(ctx)
	log := o.log.With().Str("target", h.targetID).Int("cycle", n).Logger()
	label := fmt.Sprintf("Cycle %d/%d", n, cfg.MaxCycles)
	emit := func(typ progress.EventType, step, msg string, offset float64) {
		o.publish(progress.Event{
			Type:      typ,
			TargetID:  h.targetID,
			Step:      fmt.Sprintf("cycle_%d_%s", n, step),
			Message:   msg,
			Percent:   progress.Percent(n, cfg.MaxCycles, offset),
			Cycle:     n,
			MaxCycles: cfg.MaxCycles,
		})
	}

	rec := &store.CycleRecord{TargetID: h.targetID, CycleNumber: n, Status: store.CycleFixing}
	if err := o.store.CreateCycle(db, rec); err != nil {
		return OutcomeFailed, fmt.Errorf("creating cycle %d record: %w", n, err)
	}
	st.cycles = n
	h.setCycle(n)
	if err := o.store.SetCurrentCycle(db, h.targetID, n); err != nil {
		log.Warn().Err(err).Msg("recording current cycle failed")
	}
	emit(progress.EventCycleStart, "start", label+": starting", 0)

	save := func() error { return o.store.UpdateCycle(db, rec) }
	finish := func(status store.CycleStatus, msg string) {
		rec.Status = status
		if msg != "" {
			rec.ErrorMessage = msg
		}
		if err := save(); err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("persisting cycle failed")
		}
	}
	abort = func(err error) (Outcome, error) {
		if ctx.Err() != nil {
			finish(store.CycleInterrupted, "Loop cancelled: "+ctx.Err().Error())
			emit(progress.EventError, "interrupted", fmt.Sprintf("Cycle %d interrupted: %v", n, ctx.Err()), 0)
			return OutcomeInterrupted, ctx.Err()
		}
		finish(store.CycleFailed, err.Error())
		log.Error().Err(err).Msg("cycle failed")
		emit(progress.EventError, "failed", fmt.Sprintf("Cycle %d failed: %v", n, err), 0)
		return OutcomeFailed, err
	}

	emit(progress.EventProgress, "prepare", label+": Preparing report for the fix agent...", 0)
	report, err := findings.Feed(st.reportPath, cfg.SeverityFilter)
	if err != nil {
		return abort(fmt.Errorf("preparing report: %w", err))
	}
	log.Debug().Int("bytes", len(report)).Int("tokens_est", findings.EstimateTokens(report)).Msg("filtered report ready")

	emit(progress.EventFixing, "fixing", label+": Fix agent is fixing issues... (this may take several minutes)", offsetFixing)
	res, err := o.agent.Run(ctx, cfg.RepoPath, report, n, st.techStack)
	if err != nil {
		var notInstalled *agent.NotInstalledError
		var authErr *agent.AuthError
		if ctx.Err() == nil && (errors.As(err, &notInstalled) || errors.As(err, &authErr)) {
			finish(store.CycleFailed, err.Error())
			log.Error().Err(err).Msg("fix agent unavailable")
			emit(progress.EventError, "failed", err.Error(), offsetAgentResult)
			st.lastError = err.Error()
			return OutcomeAgentFailed, nil
		}
		return abort(err)
	}
	rec.AgentOutput = res.RawOutput
	rec.CostUSD = res.CostUSD
	rec.DurationSeconds = res.Duration.Seconds()
	rec.FilesModified = res.FilesModified
	st.totalCost += res.CostUSD

	budgetExceeded := false
	switch res.Status {
	case agent.StatusSuccess:
		log.Info().Float64("cost_usd", res.CostUSD).Strs("files", res.FilesModified).Msg("fix agent finished")
	case agent.StatusBudgetExceeded:
		budgetExceeded = true
		rec.ErrorMessage = res.ErrorMessage
		log.Warn().Float64("cost_usd", res.CostUSD).Msg("fix agent budget exceeded, verifying partial fixes")
		emit(progress.EventProgress, "budget_exceeded",
			fmt.Sprintf("Cycle %d: Budget exceeded - partial fixes may have been applied. $%.2f spent.", n, res.CostUSD), offsetAgentResult)
	default:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "fix agent failed"
		}
		finish(store.CycleFailed, msg)
		log.Error().Str("status", string(res.Status)).Str("error", msg).Msg("fix agent failed")
		emit(progress.EventError, "failed", fmt.Sprintf("Cycle %d: fix agent failed - %s", n, msg), offsetAgentResult)
		st.lastError = msg
		return OutcomeAgentFailed, nil
	}
	if err := save(); err != nil {
		return abort(err)
	}

	if cfg.ApplyMode == ApplyBranch {
		emit(progress.EventProgress, "commit", label+": Committing fixes...", offsetCommit)
		cr, err := o.vcs.CommitFixes(ctx, cfg.RepoPath, n)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("commit failed, continuing")
			emit(progress.EventProgress, "commit", fmt.Sprintf("Note: commit failed (%v)", err), offsetCommit)
		case cr.Outcome == vcs.NothingToCommit:
			log.Info().Msg("nothing to commit")
			emit(progress.EventProgress, "commit", "Note: no changes to commit", offsetCommit)
		default:
			log.Info().Str("commit", cr.Hash).Msg("committed cycle fixes")
		}
	}

	rec.Status = store.CycleDeploying
	if err := save(); err != nil {
		return abort(err)
	}
	emit(progress.EventDeploying, "deploy", label+": Deploying fixed version...", offsetDeploy)
	dres, err := o.deploy(ctx, h, n, st)
	if err != nil {
		return abort(err)
	}
	if dres.Failed() {
		detail := dres.Stderr
		if len(detail) > 500 {
			detail = detail[:500]
		}
		if detail == "" {
			detail = "Unknown error"
		}
		msg := fmt.Sprintf("Deploy failed (%s): %s", dres.ErrorCode, detail)
		finish(store.CycleDeployFailed, msg)
		log.Error().Str("code", string(dres.ErrorCode)).Msg("deploy failed")
		o.publish(progress.Event{Type: progress.EventError, TargetID: h.targetID, Step: fmt.Sprintf("cycle_%d_deploy_failed", n),
			Message: "Deploy failed: " + dres.Stderr, Code: string(dres.ErrorCode), Cycle: n, MaxCycles: cfg.MaxCycles,
			Percent: progress.Percent(n, cfg.MaxCycles, offsetDeployFailed)})
		st.lastError = msg
		return OutcomeDeployFailed, nil
	}
	url := dres.URL
	if url == "" {
		url = st.siteURL
	}
	rec.DeployURL = url

	emit(progress.EventProgress, "wait_deploy", fmt.Sprintf("%s: Waiting for deployment at %s...", label, url), offsetWait)
	if !o.deployer.WaitForURL(ctx, url, o.opts.URLWaitTimeout, o.opts.URLPollInterval) {
		if ctx.Err() != nil {
			return abort(ctx.Err())
		}
		log.Warn().Str("url", url).Msg("deploy URL not reachable, proceeding")
		emit(progress.EventProgress, "wait_deploy", "Warning: deploy URL not reachable after timeout, proceeding anyway", offsetWaitWarning)
	}

	rec.Status = store.CycleRescanning
	if err := save(); err != nil {
		return abort(err)
	}
	emit(progress.EventRescanning, "rescan", label+": Rescanning to verify fixes...", offsetRescan)
	rs, err := o.scanner.Rescan(ctx, h.targetID, url)
	if err == nil && rs == nil {
		err = errors.New("scanner returned no result")
	}
	if err != nil && ctx.Err() != nil {
		return abort(err)
	}
	if rs != nil {
		o.recordRescan(db, log, h.targetID, url, rs)
		rec.RescanID = rs.ScanID
	}
	if err != nil || !rs.Completed() {
		var msg string
		if err != nil {
			msg = "Rescan failed: " + err.Error()
		} else {
			msg = "Rescan status: " + rs.Status
			rec.RescanScore = rs.OverallScore
			rec.RescanVerdict = string(rs.Verdict)
		}
		finish(store.CycleRescanFailed, msg)
		log.Warn().Str("error", msg).Msg("rescan did not complete, continuing")
		emit(progress.EventError, "rescan_failed", fmt.Sprintf("Cycle %d: %s. Partial results may be available.", n, msg), offsetDelta)
		return "", nil
	}

	delta := findings.Diff(rs.Findings, st.previous)
	rec.FindingsResolved = delta.ResolvedCount()
	rec.FindingsNew = delta.NewCount()
	rec.FindingsUnchanged = delta.UnchangedCount()
	rec.RescanScore = rs.OverallScore
	rec.RescanVerdict = string(rs.Verdict)
	prevScore := st.previousScore
	cycleScoreDelta := scoreDelta(rs.OverallScore, prevScore)

	st.totalResolved += delta.ResolvedCount()
	st.previous = rs.Findings
	st.previousScore = rs.OverallScore
	st.finalScore = rs.OverallScore
	st.finalVerdict = string(rs.Verdict)
	if rs.ReportPath != "" {
		st.reportPath = rs.ReportPath
	}
	if rs.TechStack != "" {
		st.techStack = rs.TechStack
	}

	final := store.CycleCompleted
	if budgetExceeded {
		final = store.CycleBudgetExceeded
	}
	rec.Status = final
	if err := save(); err != nil {
		return abort(err)
	}
	log.Info().
		Str("verdict", string(rs.Verdict)).
		Int("resolved", rec.FindingsResolved).
		Int("new", rec.FindingsNew).
		Int("unchanged", rec.FindingsUnchanged).
		Msg("cycle complete")
	o.publish(progress.Event{
		Type:     progress.EventCycleComplete,
		TargetID: h.targetID,
		Step:     fmt.Sprintf("cycle_%d_delta", n),
		Message: fmt.Sprintf("Cycle %d: %d fixed, %d new, %d unchanged. Score: %s→%s",
			n, rec.FindingsResolved, rec.FindingsNew, rec.FindingsUnchanged, formatScore(prevScore), formatScore(rs.OverallScore)),
		Percent:   progress.Percent(n, cfg.MaxCycles, offsetDelta),
		Cycle:     n,
		MaxCycles: cfg.MaxCycles,
		DeployURL: url,
		Delta: &progress.Delta{
			Resolved:   rec.FindingsResolved,
			New:        rec.FindingsNew,
			Unchanged:  rec.FindingsUnchanged,
			ScoreDelta: cycleScoreDelta,
		},
	})

	if cfg.ShouldStop(rs.Verdict) {
		msg := fmt.Sprintf("Target verdict '%s' reached after cycle %d!", cfg.StopOnVerdict, n)
		if string(rs.Verdict) != cfg.StopOnVerdict {
			msg = fmt.Sprintf("Exceeded target! Reached '%s' after cycle %d!", rs.Verdict, n)
		}
		o.publish(progress.Event{Type: progress.EventProgress, TargetID: h.targetID, Step: "fix_loop_success",
			Message: msg, Percent: 95, Cycle: n, MaxCycles: cfg.MaxCycles})
		return OutcomeVerdictReached, nil
	}
	return "", nil
}

// deploy obtains the URL for this cycle according to the deploy mode. The
// error is non-nil only when ctx ends first.
func (o *Orchestrator) deploy(ctx context.Context, h *Handle, n int, st *loopState) (*deploy.Result, error) {
	cfg := h.cfg
	switch cfg.DeployMode {
	case deploy.ModeLocal:
		url := o.opts.LocalURL
		if url == "" {
			url = st.siteURL
		}
		return o.deployer.Trigger(ctx, deploy.Request{Mode: deploy.ModeLocal, LocalURL: url}), nil
	case deploy.ModeManual:
		return o.awaitManualURL(ctx, h, n)
	}

	if strings.TrimSpace(cfg.DeployCommand) == "" {
		return &deploy.Result{Status: deploy.StatusSuccess, Stdout: "No deploy command configured", URL: st.siteURL}, nil
	}
	branch := h.fixBranch()
	if branch == "" {
		branch = "main"
		if b, err := o.vcs.CurrentBranch(ctx, cfg.RepoPath); err == nil && b != "" {
			branch = b
		}
	}
	res := o.deployer.Trigger(ctx, deploy.Request{
		Mode:    deploy.ModeBranch,
		Command: cfg.DeployCommand,
		Branch:  branch,
		Dir:     cfg.RepoPath,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res, nil
}

// awaitManualURL blocks until Advance supplies a URL. Without a configured
// timeout only ctx ends the wait.
func (o *Orchestrator) awaitManualURL(ctx context.Context, h *Handle, n int) (*deploy.Result, error) {
	ch := h.beginAwait()
	defer h.endAwait()

	o.publish(progress.Event{
		Type:      progress.EventAwaitingDeployURL,
		TargetID:  h.targetID,
		Step:      fmt.Sprintf("cycle_%d_awaiting_deploy", n),
		Message:   fmt.Sprintf("Cycle %d: Awaiting deploy URL from operator...", n),
		Percent:   progress.Percent(n, h.cfg.MaxCycles, offsetDeploy),
		Cycle:     n,
		MaxCycles: h.cfg.MaxCycles,
	})

	var timeout <-chan time.Time
	if o.opts.ManualDeployTimeout > 0 {
		t := time.NewTimer(o.opts.ManualDeployTimeout)
		defer t.Stop()
		timeout = t.C
	}
	start := time.Now()
	select {
	case url := <-ch:
		return &deploy.Result{Status: deploy.StatusSuccess, URL: url, Duration: time.Since(start)}, nil
	case <-timeout:
		return &deploy.Result{
			Status:    deploy.StatusFailed,
			ErrorCode: deploy.CodeManualTimeout,
			Stderr:    fmt.Sprintf("no deploy URL provided within %s", o.opts.ManualDeployTimeout),
			Duration:  time.Since(start),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recordRescan stores the follow-up scan as a child of the loop's target.
func (o *Orchestrator) recordRescan(ctx context.Context, log zerolog.Logger, parentID, url string, rs *scanner.Rescan) {
	child := &store.Target{
		ID:           rs.ScanID,
		URL:          url,
		Status:       rs.Status,
		ReportPath:   rs.ReportPath,
		OverallScore: rs.OverallScore,
		Verdict:      string(rs.Verdict),
		TechStack:    rs.TechStack,
		Findings:     rs.Findings,
		ParentID:     parentID,
	}
	if err := o.store.CreateTarget(ctx, child); err != nil {
		log.Warn().Err(err).Str("scan", rs.ScanID).Msg("persisting rescan failed")
	}
}

func scoreDelta(now, before *float64) *float64 {
	if now == nil || before == nil {
		return nil
	}
	d := *now - *before
	return &d
}

func formatScore(s *float64) string {
	if s == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0f", *s)
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

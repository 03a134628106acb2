package fixloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/vcs"
)

const testReport = `# Launch readiness report

Score: 48

---

## CRITICAL — Fix Before Launch

- F1 checkout crashes

---

## HIGH PRIORITY

- F2 missing CSP

---

## LOW PRIORITY

- F9 favicon
`

type fakeVCS struct {
	mu        sync.Mutex
	isRepo    bool
	dirty     bool
	createErr error
	branch    string
	commits   []int
	commitErr error
	discarded []string
}

func (f *fakeVCS) IsRepo(context.Context, string) bool { return f.isRepo }

func (f *fakeVCS) HasUncommittedChanges(context.Context, string) (bool, error) { return f.dirty, nil }

func (f *fakeVCS) CurrentBranch(context.Context, string) (string, error) { return "main", nil }

func (f *fakeVCS) CreateFixBranch(_ context.Context, _, targetID string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branch = "gonogo/fix-" + targetID[:8]
	return f.branch, nil
}

func (f *fakeVCS) OriginalBranch(string) (string, error) { return "main", nil }

func (f *fakeVCS) CommitFixes(_ context.Context, _ string, cycle int) (vcs.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, cycle)
	if f.commitErr != nil {
		return vcs.CommitResult{}, f.commitErr
	}
	return vcs.CommitResult{Hash: fmt.Sprintf("abc%d", cycle)}, nil
}

func (f *fakeVCS) Discard(_ context.Context, _, fixBranch, returnTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, fixBranch+"->"+returnTo)
	return nil
}

func (f *fakeVCS) committed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.commits...)
}

// fakeAgent answers each cycle through run, or succeeds at $0.50 when run
// is nil.
type fakeAgent struct {
	installed bool
	run       func(ctx context.Context, cycle int) (*agent.Result, error)

	mu      sync.Mutex
	reports []string
}

func (f *fakeAgent) CheckInstalled(context.Context) (bool, string) {
	if f.installed {
		return true, "1.0.0 (Claude Code)"
	}
	return false, "claude not found in PATH"
}

func (f *fakeAgent) Run(ctx context.Context, _, report string, cycle int, _ string) (*agent.Result, error) {
	f.mu.Lock()
	f.reports = append(f.reports, report)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, cycle)
	}
	return &agent.Result{Status: agent.StatusSuccess, CostUSD: 0.5, Duration: 2 * time.Second, FilesModified: []string{"app/page.tsx"}}, nil
}

type fakeDeployer struct {
	trigger func(req deploy.Request) *deploy.Result
	ready   bool

	mu       sync.Mutex
	requests []deploy.Request
}

func (f *fakeDeployer) Trigger(_ context.Context, req deploy.Request) *deploy.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.trigger != nil {
		return f.trigger(req)
	}
	if req.Mode == deploy.ModeLocal {
		return &deploy.Result{Status: deploy.StatusSuccess, URL: req.LocalURL}
	}
	return &deploy.Result{Status: deploy.StatusSuccess, URL: "https://preview-" + req.Branch + ".example.app"}
}

func (f *fakeDeployer) WaitForURL(context.Context, string, time.Duration, time.Duration) bool {
	return f.ready
}

func (f *fakeDeployer) seen() []deploy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deploy.Request(nil), f.requests...)
}

type scanStep struct {
	verdict  scanner.Verdict
	score    float64
	findings []string
	status   string
	err      error
	noResult bool
}

// fakeScanner replays steps in order and repeats the last one.
type fakeScanner struct {
	mu    sync.Mutex
	steps []scanStep
	calls int
	urls  []string
}

func (f *fakeScanner) Rescan(_ context.Context, parentID, url string) (*scanner.Rescan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	step := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	if step.err != nil || step.noResult {
		return nil, step.err
	}
	status := step.status
	if status == "" {
		status = scanner.StatusCompleted
	}
	score := step.score
	rs := &scanner.Rescan{
		ScanID:       fmt.Sprintf("%s-rescan-%d", parentID, f.calls),
		Status:       status,
		OverallScore: &score,
		Verdict:      step.verdict,
		TechStack:    "Next.js",
	}
	for _, id := range step.findings {
		rs.Findings = append(rs.Findings, findings.Finding{ID: id, Severity: findings.SeverityHigh})
	}
	return rs, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordingSink) Publish(ev progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

func (s *recordingSink) ofType(t progress.EventType) []progress.Event {
	var out []progress.Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	store    *store.Store
	vcs      *fakeVCS
	agent    *fakeAgent
	deployer *fakeDeployer
	scanner  *fakeScanner
	sink     *recordingSink
	orch     *Orchestrator
	repo     string
	target   *store.Target
}

func newHarness(t *testing.T, opts Options, steps ...scanStep) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	repo := t.TempDir()
	reportPath := filepath.Join(t.TempDir(), "report.md")
	require.NoError(t, os.WriteFile(reportPath, []byte(testReport), 0644))

	score := 48.0
	target := &store.Target{
		URL:          "https://shop.example.com",
		Status:       store.TargetCompleted,
		ReportPath:   reportPath,
		OverallScore: &score,
		Verdict:      string(scanner.VerdictNoGo),
		TechStack:    "Next.js",
		Findings: []findings.Finding{
			{ID: "F1", Severity: findings.SeverityCritical},
			{ID: "F2", Severity: findings.SeverityHigh},
			{ID: "F3", Severity: findings.SeverityHigh},
		},
	}
	require.NoError(t, s.CreateTarget(ctx, target))

	if len(steps) == 0 {
		steps = []scanStep{{verdict: scanner.VerdictNoGo, score: 50, findings: []string{"F2", "F3"}}}
	}
	h := &harness{
		t:        t,
		store:    s,
		vcs:      &fakeVCS{isRepo: true},
		agent:    &fakeAgent{installed: true},
		deployer: &fakeDeployer{ready: true},
		scanner:  &fakeScanner{steps: steps},
		sink:     &recordingSink{},
		repo:     repo,
		target:   target,
	}
	if opts.URLPollInterval == 0 {
		opts.URLPollInterval = time.Millisecond
	}
	h.orch = New(Deps{
		Store:    s,
		VCS:      h.vcs,
		Agent:    h.agent,
		Deployer: h.deployer,
		Scanner:  h.scanner,
		Sink:     h.sink,
	}, opts)
	return h
}

func (h *harness) config(maxCycles int) LoopConfig {
	return LoopConfig{
		RepoPath:      h.repo,
		ApplyMode:     ApplyDirect,
		DeployMode:    deploy.ModeBranch,
		DeployCommand: "vercel deploy --branch {branch}",
		MaxCycles:     maxCycles,
		StopOnVerdict: string(scanner.VerdictGo),
	}
}

func (h *harness) start(cfg LoopConfig) *Handle {
	h.t.Helper()
	handle, err := h.orch.Start(context.Background(), h.target.ID, cfg)
	require.NoError(h.t, err)
	return handle
}

func (h *harness) wait(handle *Handle) (Result, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

func (h *harness) cycles() []*store.CycleRecord {
	h.t.Helper()
	cs, err := h.store.ListCycles(context.Background(), h.target.ID)
	require.NoError(h.t, err)
	return cs
}

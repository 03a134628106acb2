package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/config"
	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/erruser"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/fixloop"
	"github.com/agusx1211/gonogo/internal/progress"
	"github.com/agusx1211/gonogo/internal/pushover"
	"github.com/agusx1211/gonogo/internal/scanner"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/vcs"
)

// app bundles the collaborators one command invocation works with.
type app struct {
	cfg   *config.Config
	store *store.Store
	vcs   *vcs.Manager
	agent *agent.ClaudeRunner
	hub   *progress.Hub
	orch  *fixloop.Orchestrator
}

// loadConfig resolves configuration for cmd and applies the persistent
// --config and --db flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	globalPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{GlobalConfigPath: globalPath})
	if err != nil {
		return nil, erruser.WithHint("Could not load configuration.",
			"Check gonogo.toml, ~/.config/gonogo/config.toml and GONOGO_* variables.", err)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// openApp loads configuration, opens the database and wires the
// orchestrator. The caller must call close.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openAppWithConfig(ctx, cfg)
}

func openAppWithConfig(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(ctx, store.DefaultConfig(cfg.DBPath))
	if err != nil {
		return nil, erruser.New(fmt.Sprintf("Could not open the gonogo database at %s.", cfg.DBPath), err)
	}
	return newApp(cfg, st), nil
}

func newApp(cfg *config.Config, st *store.Store) *app {
	a := &app{
		cfg:   cfg,
		store: st,
		hub:   progress.NewHub(0),
		vcs:   vcs.NewManager(vcs.Options{Prefix: cfg.Git.BranchPrefix, MaxSuffix: cfg.Git.MaxSuffix}),
		agent: agent.NewClaudeRunner(agent.Options{
			Command:        cfg.Agent.Path,
			MaxTurns:       cfg.Agent.MaxTurns,
			Timeout:        cfg.Agent.Timeout.Duration,
			PermissionMode: cfg.Agent.PermissionMode,
			AllowedTools:   cfg.Agent.AllowedTools,
			MaxBudgetUSD:   cfg.Agent.MaxBudgetUSD,
		}),
	}

	deps := fixloop.Deps{
		Store:    st,
		VCS:      a.vcs,
		Agent:    a.agent,
		Deployer: deploy.NewController(deploy.Options{Timeout: cfg.Deploy.Timeout.Duration}),
		Scanner:  scanner.NewCommandScanner(cfg.Scanner.Command, "", cfg.Scanner.Timeout.Duration),
		Sink:     a.hub,
	}
	if cfg.Pushover.Configured() {
		deps.Notifier = pushover.New(cfg.Pushover, "")
	}
	a.orch = fixloop.New(deps, fixloop.Options{
		LocalURL:            cfg.Deploy.LocalURL,
		URLWaitTimeout:      cfg.Deploy.URLWaitTimeout.Duration,
		URLPollInterval:     cfg.Deploy.URLPollInterval.Duration,
		ManualDeployTimeout: cfg.Deploy.ManualDeployTimeout.Duration,
	})
	return a
}

func (a *app) close() {
	_ = a.store.Close()
}

// addLoopFlags registers the flags that override [loop] and [deploy]
// configuration for a run.
func addLoopFlags(fs *pflag.FlagSet) {
	fs.String("repo", ".", "Path to the repository the agent fixes")
	fs.String("apply-mode", "", "Where fixes land: branch or direct")
	fs.String("deploy-mode", "", "How fixes are deployed: branch, manual or local")
	fs.String("deploy-cmd", "", "Deploy command; {branch} is replaced by the fix branch")
	fs.Int("max-cycles", 0, "Maximum number of fix cycles")
	fs.String("stop-on", "", "Stop when this verdict is reached: GO, GO_WITH_CONDITIONS or never")
	fs.StringSlice("severity", nil, "Severities handed to the agent (critical,high,medium,low)")
	fs.String("local-url", "", "URL rescanned in local deploy mode")
}

// applyLoopFlags overlays explicitly set flags on cfg. Flags left at their
// zero value never override configuration.
func applyLoopFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("apply-mode") {
		cfg.Loop.ApplyMode, _ = fs.GetString("apply-mode")
	}
	if fs.Changed("deploy-mode") {
		cfg.Loop.DeployMode, _ = fs.GetString("deploy-mode")
	}
	if fs.Changed("deploy-cmd") {
		cfg.Deploy.Command, _ = fs.GetString("deploy-cmd")
	}
	if fs.Changed("max-cycles") {
		n, _ := fs.GetInt("max-cycles")
		if n < 1 {
			return erruser.New(fmt.Sprintf("--max-cycles must be at least 1, got %d.", n), nil)
		}
		cfg.Loop.MaxCycles = n
	}
	if fs.Changed("stop-on") {
		cfg.Loop.StopOnVerdict, _ = fs.GetString("stop-on")
	}
	if fs.Changed("severity") {
		cfg.Loop.SeverityFilter, _ = fs.GetStringSlice("severity")
	}
	if fs.Changed("local-url") {
		cfg.Deploy.LocalURL, _ = fs.GetString("local-url")
	}
	return nil
}

// loopConfig builds a validated LoopConfig for repo from cfg.
func loopConfig(cfg *config.Config, repo string) (fixloop.LoopConfig, error) {
	abs, err := filepath.Abs(repo)
	if err != nil {
		return fixloop.LoopConfig{}, fmt.Errorf("resolving repository path: %w", err)
	}
	sevs, err := findings.ParseSeverities(cfg.Loop.SeverityFilter)
	if err != nil {
		return fixloop.LoopConfig{}, erruser.New("Invalid severity filter.", err)
	}
	lc := fixloop.LoopConfig{
		RepoPath:       abs,
		ApplyMode:      fixloop.ApplyMode(strings.ToLower(strings.TrimSpace(cfg.Loop.ApplyMode))),
		DeployMode:     deploy.Mode(strings.ToLower(strings.TrimSpace(cfg.Loop.DeployMode))),
		DeployCommand:  cfg.Deploy.Command,
		MaxCycles:      cfg.Loop.MaxCycles,
		StopOnVerdict:  normalizeStopVerdict(cfg.Loop.StopOnVerdict),
		SeverityFilter: sevs,
	}
	if err := lc.Validate(); err != nil {
		return fixloop.LoopConfig{}, erruser.New("Invalid fix loop configuration.", err)
	}
	return lc, nil
}

func normalizeStopVerdict(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, fixloop.StopNever) {
		return fixloop.StopNever
	}
	return strings.ToUpper(v)
}

// startError turns a Start failure into a user-facing error.
func startError(err error, targetID string) error {
	var interrupted *fixloop.InterruptedCyclesError
	switch {
	case errors.As(err, &interrupted):
		return erruser.WithHint(
			fmt.Sprintf("Target %s has cycles left in flight by an earlier run.", targetID),
			fmt.Sprintf("Run 'gonogo fix mark-interrupted %s' once you are sure no loop is running.", targetID), err)
	case errors.Is(err, fixloop.ErrLoopAlreadyActive):
		return erruser.New(fmt.Sprintf("A fix loop is already running for target %s.", targetID), err)
	case errors.Is(err, fixloop.ErrTargetNotFound):
		return erruser.WithHint(fmt.Sprintf("Target %s not found.", targetID),
			"List known targets with 'gonogo target list'.", err)
	case errors.Is(err, fixloop.ErrTargetNotReady):
		return erruser.New(fmt.Sprintf("Target %s has no completed scan to fix.", targetID), err)
	case errors.Is(err, fixloop.ErrInvalidConfig):
		return erruser.New("Invalid fix loop configuration.", err)
	}
	var dirty *vcs.DirtyWorkingTreeError
	if errors.As(err, &dirty) {
		return erruser.WithHint("The repository has uncommitted changes.",
			"Commit or stash them, or use --apply-mode direct.", err)
	}
	var notRepo *vcs.NotAGitRepoError
	if errors.As(err, &notRepo) {
		return erruser.WithHint("The repository is not a git checkout.",
			"Use --apply-mode direct to apply fixes without branching.", err)
	}
	return err
}

// lookupError maps store and fixloop not-found errors for read commands.
func lookupError(err error, targetID string) error {
	if errors.Is(err, store.ErrTargetNotFound) || errors.Is(err, fixloop.ErrTargetNotFound) {
		return erruser.WithHint(fmt.Sprintf("Target %s not found.", targetID),
			"List known targets with 'gonogo target list'.", err)
	}
	return err
}

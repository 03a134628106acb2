package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/agent"
	"github.com/agusx1211/gonogo/internal/erruser"
	"github.com/agusx1211/gonogo/internal/fixloop"
	"github.com/agusx1211/gonogo/internal/store"
	"github.com/agusx1211/gonogo/internal/vcs"
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Run and inspect fix loops",
}

var fixStatusCmd = &cobra.Command{
	Use:   "status <target-id>",
	Short: "Show the fix loop status, cycle history and totals",
	Args:  cobra.ExactArgs(1),
	RunE:  runFixStatus,
}

var fixCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that a fix loop can run in a repository",
	RunE:  runFixCheck,
}

var fixMarkInterruptedCmd = &cobra.Command{
	Use:   "mark-interrupted <target-id>",
	Short: "Mark cycles left in flight by a dead loop as interrupted",
	Long: `Mark every pending, fixing, deploying or rescanning cycle of a target as
interrupted so a new loop may start. Use it after a crash or a killed
process, once you are sure no loop is running for the target.`,
	Args: cobra.ExactArgs(1),
	RunE: runFixMarkInterrupted,
}

var fixDiffCmd = &cobra.Command{
	Use:   "diff <target-id>",
	Short: "Summarize the changes on a target's fix branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runFixDiff,
}

var fixDiscardCmd = &cobra.Command{
	Use:   "discard <target-id>",
	Short: "Return to the original branch and delete the fix branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runFixDiscard,
}

func init() {
	fixStatusCmd.Flags().Bool("json", false, "Print the report as JSON")
	fixCheckCmd.Flags().String("repo", ".", "Repository to check")
	fixCheckCmd.Flags().String("apply-mode", "", "Apply mode to check for: branch or direct")
	fixDiffCmd.Flags().Bool("json", false, "Print the summary as JSON")
	fixDiscardCmd.Flags().Bool("force", false, "Discard without asking for confirmation")

	fixCmd.AddCommand(fixRunCmd, fixStatusCmd, fixCheckCmd, fixMarkInterruptedCmd, fixDiffCmd, fixDiscardCmd)
	rootCmd.AddCommand(fixCmd)
}

type cycleJSON struct {
	CycleNumber       int        `json:"cycle_number"`
	Status            string     `json:"status"`
	CostUSD           float64    `json:"cost_usd"`
	DurationSeconds   float64    `json:"duration_seconds"`
	FilesModified     []string   `json:"files_modified"`
	FindingsResolved  int        `json:"findings_resolved"`
	FindingsNew       int        `json:"findings_new"`
	FindingsUnchanged int        `json:"findings_unchanged"`
	DeployURL         string     `json:"deploy_url,omitempty"`
	RescanID          string     `json:"rescan_id,omitempty"`
	RescanScore       *float64   `json:"rescan_score,omitempty"`
	RescanVerdict     string     `json:"rescan_verdict,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type reportJSON struct {
	TargetID     string      `json:"target_id"`
	URL          string      `json:"url"`
	Status       string      `json:"status"`
	CurrentCycle int         `json:"current_cycle"`
	MaxCycles    int         `json:"max_cycles"`
	FixBranch    string      `json:"fix_branch,omitempty"`
	ApplyMode    string      `json:"apply_mode,omitempty"`
	RepoPath     string      `json:"repo_path,omitempty"`
	Cycles       []cycleJSON `json:"cycles"`
	Totals       struct {
		CostUSD              float64 `json:"cost_usd"`
		FindingsResolved     int     `json:"findings_resolved"`
		ElapsedSeconds       float64 `json:"elapsed_seconds"`
		AgentDurationSeconds float64 `json:"agent_duration_seconds"`
	} `json:"totals"`
}

func toReportJSON(r *fixloop.Report) reportJSON {
	out := reportJSON{
		TargetID:     r.TargetID,
		URL:          r.URL,
		Status:       string(r.Status),
		CurrentCycle: r.CurrentCycle,
		MaxCycles:    r.MaxCycles,
		FixBranch:    r.FixBranch,
		ApplyMode:    r.ApplyMode,
		RepoPath:     r.RepoPath,
		Cycles:       make([]cycleJSON, 0, len(r.Cycles)),
	}
	for _, c := range r.Cycles {
		files := c.FilesModified
		if files == nil {
			files = []string{}
		}
		out.Cycles = append(out.Cycles, cycleJSON{
			CycleNumber:       c.CycleNumber,
			Status:            string(c.Status),
			CostUSD:           c.CostUSD,
			DurationSeconds:   c.DurationSeconds,
			FilesModified:     files,
			FindingsResolved:  c.FindingsResolved,
			FindingsNew:       c.FindingsNew,
			FindingsUnchanged: c.FindingsUnchanged,
			DeployURL:         c.DeployURL,
			RescanID:          c.RescanID,
			RescanScore:       c.RescanScore,
			RescanVerdict:     c.RescanVerdict,
			ErrorMessage:      c.ErrorMessage,
			CreatedAt:         c.CreatedAt,
			CompletedAt:       c.CompletedAt,
		})
	}
	out.Totals.CostUSD = r.Totals.CostUSD
	out.Totals.FindingsResolved = r.Totals.FindingsResolved
	out.Totals.ElapsedSeconds = r.Totals.Elapsed.Seconds()
	out.Totals.AgentDurationSeconds = r.Totals.AgentDurationSeconds
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runFixStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.orch.Report(ctx, args[0])
	if err != nil {
		return lookupError(err, args[0])
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), toReportJSON(r))
	}
	printReport(cmd.OutOrStdout(), r)
	return nil
}

func runFixCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyLoopFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	repo, _ := cmd.Flags().GetString("repo")
	abs, err := filepath.Abs(repo)
	if err != nil {
		return err
	}
	mode := fixloop.ApplyMode(cfg.Loop.ApplyMode)
	if mode == "" {
		mode = fixloop.ApplyBranch
	}

	runner := agent.NewClaudeRunner(agent.Options{Command: cfg.Agent.Path})
	orch := fixloop.New(fixloop.Deps{
		Agent: runner,
		VCS:   vcs.NewManager(vcs.Options{Prefix: cfg.Git.BranchPrefix, MaxSuffix: cfg.Git.MaxSuffix}),
	}, fixloop.Options{})

	issues := orch.CheckPrerequisites(cmd.Context(), abs, mode)
	out := cmd.OutOrStdout()
	if len(issues) > 0 {
		printIssues(out, issues)
		return erruser.New(fmt.Sprintf("%d prerequisite(s) not met.", len(issues)), nil)
	}
	_, version := runner.CheckInstalled(cmd.Context())
	fmt.Fprintf(out, "%s✓%s Ready to run a fix loop in %s (apply mode %s, agent %s)\n",
		colorGreen, colorReset, abs, mode, version)
	return nil
}

func printIssues(w io.Writer, issues []string) {
	fmt.Fprintf(w, "%sPrerequisites not met:%s\n", colorRed, colorReset)
	for _, issue := range issues {
		fmt.Fprintf(w, "  %s✗%s %s\n", colorRed, colorReset, issue)
	}
}

func runFixMarkInterrupted(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	nums, err := a.orch.MarkInterrupted(ctx, args[0])
	if err != nil {
		return lookupError(err, args[0])
	}
	out := cmd.OutOrStdout()
	if len(nums) == 0 {
		fmt.Fprintln(out, "No cycles in flight.")
		return nil
	}
	fmt.Fprintf(out, "Marked %d cycle(s) interrupted: %v\n", len(nums), nums)
	return nil
}

// fixBranchTarget loads a target that ran in branch mode.
func fixBranchTarget(ctx context.Context, a *app, targetID string) (*store.Target, error) {
	t, err := a.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, lookupError(err, targetID)
	}
	if t.FixBranch == "" || t.RepoPath == "" {
		return nil, erruser.New(fmt.Sprintf("Target %s has no fix branch (the loop never ran in branch mode).", targetID), nil)
	}
	return t, nil
}

func runFixDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := fixBranchTarget(ctx, a, args[0])
	if err != nil {
		return err
	}
	if t.OriginalBranch == "" {
		return erruser.New("The original branch of this fix loop was not recorded.", nil)
	}
	sum, err := a.vcs.DiffSummary(ctx, t.RepoPath, t.OriginalBranch)
	if err != nil {
		return erruser.New("Could not compute the diff.", err)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, sum)
	}
	printHeader(out, fmt.Sprintf("%s vs %s", t.FixBranch, t.OriginalBranch))
	printField(out, "Files", fmt.Sprintf("%d", sum.FilesChanged))
	printField(out, "Insertions", fmt.Sprintf("%s+%d%s", colorGreen, sum.Insertions, colorReset))
	printField(out, "Deletions", fmt.Sprintf("%s-%d%s", colorRed, sum.Deletions, colorReset))
	for _, f := range sum.Files {
		fmt.Fprintf(out, "    %s\n", f)
	}
	return nil
}

func runFixDiscard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	t, err := fixBranchTarget(ctx, a, args[0])
	if err != nil {
		return err
	}
	active, err := a.store.ActiveCycles(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return erruser.WithHint("A fix loop may still be running for this target.",
			fmt.Sprintf("Stop it first, or run 'gonogo fix mark-interrupted %s' if it died.", t.ID), nil)
	}
	if t.OriginalBranch == "" {
		return erruser.New("The original branch of this fix loop was not recorded.", nil)
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete branch %s and check out %s? [y/N] ", t.FixBranch, t.OriginalBranch)
		if !confirm(cmd.InOrStdin()) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}
	if err := a.vcs.Discard(ctx, t.RepoPath, t.FixBranch, t.OriginalBranch); err != nil {
		return erruser.New("Could not discard the fix branch.", err)
	}
	branch := t.FixBranch
	t.FixBranch = ""
	if err := a.store.UpdateTarget(ctx, t); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s, back on %s.\n", branch, t.OriginalBranch)
	return nil
}

func confirm(in io.Reader) bool {
	var answer string
	if _, err := fmt.Fscanln(in, &answer); err != nil {
		return false
	}
	return answer == "y" || answer == "Y" || answer == "yes"
}


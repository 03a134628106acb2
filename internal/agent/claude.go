package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/proc"
)

// authFailureMarker appears in the CLI output when no credentials exist.
const authFailureMarker = "not authenticated"

// ClaudeRunner runs the claude CLI headless against a repository.
type ClaudeRunner struct {
	opts Options
	log  zerolog.Logger
}

// NewClaudeRunner creates a ClaudeRunner with defaults applied.
func NewClaudeRunner(opts Options) *ClaudeRunner {
	return &ClaudeRunner{opts: opts.withDefaults(), log: debug.Component("agent")}
}

// Binary returns the configured agent binary.
func (r *ClaudeRunner) Binary() string { return r.opts.Command }

// CheckInstalled runs a short version probe. It returns the version string
// on success and a human-readable reason otherwise.
func (r *ClaudeRunner) CheckInstalled(ctx context.Context) (bool, string) {
	if _, err := exec.LookPath(r.opts.Command); err != nil {
		return false, fmt.Sprintf("binary not found at %q", r.opts.Command)
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.VersionTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.opts.Command, "--version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if probeCtx.Err() == context.DeadlineExceeded {
		return false, "timed out while checking version"
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return false, "version check failed: " + msg
	}
	return true, strings.TrimSpace(stdout.String())
}

// ReportFileName is the temp report file written into the repository for a cycle.
func ReportFileName(cycle int) string {
	return fmt.Sprintf(".gonogo-report-cycle-%d.md", cycle)
}

// BuildPrompt is the instruction given to the agent for a cycle.
func BuildPrompt(reportFile, techStack string) string {
	prompt := "Read the GoNoGo QA report at " + reportFile + " in this project directory. " +
		"It contains findings from an automated quality audit of this codebase, organized by severity. " +
		"Fix every finding listed, starting with Critical, then High, then Medium, then Low. " +
		"For each finding: read the relevant source files, understand the issue described, " +
		"and implement the fix as specified in the 'Fix' instruction. " +
		"After all fixes are applied, list every file you modified."
	if techStack = strings.TrimSpace(techStack); techStack != "" {
		prompt += " This project uses: " + techStack
	}
	return prompt
}

// Args builds the CLI arguments for a run. The prompt is the final
// positional argument.
func (r *ClaudeRunner) Args(repoPath, prompt string) []string {
	args := []string{
		"-p",
		"--cwd", repoPath,
		"--permission-mode", r.opts.PermissionMode,
		"--output-format", "json",
		"--max-turns", strconv.Itoa(r.opts.MaxTurns),
		"--max-budget-usd", strconv.FormatFloat(r.opts.MaxBudgetUSD, 'f', -1, 64),
	}
	if r.opts.PermissionMode == "acceptEdits" {
		args = append(args, "--allowedTools", r.opts.AllowedTools)
	}
	return append(args, prompt)
}

// Run writes report into repoPath, runs the agent against it and parses the
// structured result. The temp report file is removed on every return path.
// A missing binary yields *NotInstalledError and an auth failure *AuthError;
// every other failure is reported through Result.Status.
func (r *ClaudeRunner) Run(ctx context.Context, repoPath, report string, cycle int, techStack string) (*Result, error) {
	if ok, detail := r.CheckInstalled(ctx); !ok {
		return nil, &NotInstalledError{Binary: r.opts.Command, Detail: detail}
	}

	reportFile := ReportFileName(cycle)
	reportPath := filepath.Join(repoPath, reportFile)
	if err := os.WriteFile(reportPath, []byte(report), 0644); err != nil {
		return &Result{Status: StatusError, ErrorMessage: fmt.Sprintf("failed to write report file: %v", err)}, nil
	}
	defer func() {
		if err := os.Remove(reportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("file", reportPath).Msg("removing temp report failed")
		}
	}()

	args := r.Args(repoPath, BuildPrompt(reportFile, techStack))
	debug.LogKV("agent.claude", "building command",
		"binary", r.opts.Command,
		"workdir", repoPath,
		"cycle", cycle,
		"report_len", len(report),
		"timeout", r.opts.Timeout,
	)

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.opts.Command, args...)
	cmd.Dir = repoPath
	setupCommand(cmd, r.opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Warn().Int("cycle", cycle).Dur("timeout", r.opts.Timeout).Msg("fix agent timed out")
		return &Result{
			Status:       StatusTimeout,
			Duration:     elapsed,
			ErrorMessage: fmt.Sprintf("fix agent timed out after %s", r.opts.Timeout),
			RawOutput:    stdout.String(),
		}, nil
	}

	if strings.Contains(strings.ToLower(stdout.String()+stderr.String()), authFailureMarker) {
		return nil, &AuthError{Binary: r.opts.Command}
	}

	exitCode, err := proc.ExitCode(runErr)
	if err != nil {
		return &Result{
			Status:       StatusError,
			Duration:     elapsed,
			ErrorMessage: fmt.Sprintf("starting fix agent: %v", err),
			ExitCode:     exitCode,
		}, nil
	}

	res := parseOutput(stdout.String(), elapsed)
	res.ExitCode = exitCode
	if exitCode != 0 && res.Status != StatusBudgetExceeded {
		res.Status = StatusError
		res.ErrorMessage = fmt.Sprintf("fix agent exited with code %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}

	r.log.Info().
		Int("cycle", cycle).
		Str("status", string(res.Status)).
		Float64("cost_usd", res.CostUSD).
		Dur("duration", res.Duration).
		Int("files", len(res.FilesModified)).
		Msg("fix agent finished")
	return res, nil
}

// claudeResult is the JSON object printed by `claude -p --output-format json`.
type claudeResult struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	Result       string   `json:"result"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	DurationMS   *float64 `json:"duration_ms"`
	SessionID    string   `json:"session_id"`
	IsError      bool     `json:"is_error"`
}

// parseOutput decodes the agent's JSON result. A budget cap is recognized
// from the result subtype; any other error subtype or is_error flag maps to
// StatusError. Output that is not JSON yields StatusError with the raw text.
func parseOutput(stdout string, elapsed time.Duration) *Result {
	var data claudeResult
	if err := decodeResult(stdout, &data); err != nil {
		return &Result{
			Status:       StatusError,
			Duration:     elapsed,
			ErrorMessage: fmt.Sprintf("failed to parse JSON output: %v", err),
			RawOutput:    stdout,
		}
	}

	res := &Result{
		Status:        StatusSuccess,
		ResultText:    data.Result,
		CostUSD:       data.TotalCostUSD,
		Duration:      elapsed,
		SessionID:     data.SessionID,
		Subtype:       data.Subtype,
		FilesModified: ExtractModifiedFiles(data.Result),
		RawOutput:     stdout,
	}
	if data.DurationMS != nil {
		res.Duration = time.Duration(*data.DurationMS * float64(time.Millisecond))
	}
	switch {
	case isBudgetSubtype(data.Subtype):
		res.Status = StatusBudgetExceeded
		res.ErrorMessage = "fix agent stopped at its budget cap"
	case data.IsError || strings.HasPrefix(data.Subtype, "error"):
		res.Status = StatusError
		res.ErrorMessage = data.Result
		if res.ErrorMessage == "" {
			res.ErrorMessage = "fix agent reported " + data.Subtype
		}
	}
	return res
}

func isBudgetSubtype(subtype string) bool {
	s := strings.ToLower(subtype)
	return strings.Contains(s, "max_budget") || strings.Contains(s, "budget_exceeded")
}

// decodeResult accepts either a single JSON document or log noise followed
// by the JSON result on its own final line.
func decodeResult(stdout string, v *claudeResult) error {
	trimmed := strings.TrimSpace(stdout)
	err := json.Unmarshal([]byte(trimmed), v)
	if err == nil {
		return nil
	}
	if i := strings.LastIndex(trimmed, "\n"); i >= 0 {
		last := strings.TrimSpace(trimmed[i+1:])
		if strings.HasPrefix(last, "{") && json.Unmarshal([]byte(last), v) == nil {
			return nil
		}
	}
	return err
}

// CleanupTempFiles removes leftover per-cycle report files from repoPath,
// e.g. after a crash. It returns the removed file names.
func CleanupTempFiles(repoPath string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(repoPath, ".gonogo-report-cycle-*.md"))
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, filepath.Base(m))
	}
	return removed, errors.Join(errs...)
}

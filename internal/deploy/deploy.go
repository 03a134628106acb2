// Package deploy turns a fixed checkout into a reachable URL: it runs the
// configured deploy command (or takes a static or operator-supplied URL),
// finds the preview URL in the command output and waits for it to answer.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/proc"
)

// Mode selects how a cycle obtains its deployed URL.
type Mode string

const (
	ModeBranch Mode = "branch"
	ModeManual Mode = "manual"
	ModeLocal  Mode = "local"
)

// ParseMode validates a deploy mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBranch, ModeManual, ModeLocal:
		return m, nil
	}
	return "", fmt.Errorf("unknown deploy mode %q (want branch, manual or local)", s)
}

// Status is the outcome class of a deploy.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "deploy_failed"
	StatusAwaitingURL Status = "awaiting_url"
)

// ErrorCode is a machine-readable deploy failure cause.
type ErrorCode string

const (
	CodeTimeout       ErrorCode = "DEPLOY_TIMEOUT"
	CodeNonzeroExit   ErrorCode = "DEPLOY_NONZERO_EXIT"
	CodeCmdNotFound   ErrorCode = "DEPLOY_CMD_NOT_FOUND"
	CodeOSError       ErrorCode = "DEPLOY_OS_ERROR"
	CodeManualTimeout ErrorCode = "DEPLOY_MANUAL_TIMEOUT"
)

// Result is the outcome of Trigger.
type Result struct {
	Status    Status
	Stdout    string
	Stderr    string
	URL       string
	Duration  time.Duration
	ErrorCode ErrorCode
}

// Failed reports whether the deploy failed.
func (r *Result) Failed() bool { return r.Status == StatusFailed }

// Request describes one deploy.
type Request struct {
	Command  string // may contain a {branch} placeholder
	Branch   string
	Dir      string
	Mode     Mode
	LocalURL string
}

// Options configures a Controller.
type Options struct {
	Timeout       time.Duration
	Shell         string
	ClientTimeout time.Duration
	HTTPClient    *http.Client
}

const (
	defaultTimeout       = 300 * time.Second
	defaultClientTimeout = 10 * time.Second
	shellNotFoundExit    = 127
)

// Controller runs deploy commands and polls deployed URLs.
type Controller struct {
	timeout time.Duration
	shell   string
	client  *http.Client
	log     zerolog.Logger
}

// NewController returns a Controller with defaults applied.
func NewController(opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		// The default client follows redirects.
		client = &http.Client{Timeout: opts.ClientTimeout}
	}
	return &Controller{timeout: opts.Timeout, shell: opts.Shell, client: client, log: debug.Component("deploy")}
}

// Trigger deploys according to req.Mode. Local mode returns LocalURL without
// running anything, manual mode returns StatusAwaitingURL, and branch mode
// runs the command through the shell with {branch} substituted. Every
// failure is reported as StatusFailed with an ErrorCode, never as an error.
func (c *Controller) Trigger(ctx context.Context, req Request) *Result {
	switch req.Mode {
	case ModeLocal:
		c.log.Info().Str("url", req.LocalURL).Msg("local deploy mode")
		return &Result{Status: StatusSuccess, URL: req.LocalURL}
	case ModeManual:
		c.log.Info().Msg("manual deploy mode, awaiting operator URL")
		return &Result{Status: StatusAwaitingURL}
	}

	command := strings.ReplaceAll(req.Command, "{branch}", req.Branch)
	c.log.Info().Str("command", command).Str("dir", req.Dir).Msg("running deploy command")

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.shell, "-c", command)
	cmd.Dir = req.Dir
	proc.SetupGroup(cmd)
	cmd.Env = debug.PropagatedEnv(proc.Env(nil), "deploy")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		c.log.Error().Dur("timeout", c.timeout).Msg("deploy command timed out")
		res.Status, res.ErrorCode = StatusFailed, CodeTimeout
		res.Stdout = ""
		res.Stderr = fmt.Sprintf("deploy command timed out after %s", c.timeout)
		return res
	}

	code, err := proc.ExitCode(runErr)
	switch {
	case err != nil && errors.Is(err, exec.ErrNotFound):
		res.Status, res.ErrorCode = StatusFailed, CodeCmdNotFound
		res.Stderr = fmt.Sprintf("command not found: %v; ensure the deploy tool is installed and in PATH", err)
	case err != nil:
		res.Status, res.ErrorCode = StatusFailed, CodeOSError
		res.Stderr = err.Error()
	case code == shellNotFoundExit:
		res.Status, res.ErrorCode = StatusFailed, CodeCmdNotFound
	case code != 0:
		res.Status, res.ErrorCode = StatusFailed, CodeNonzeroExit
	default:
		res.Status = StatusSuccess
		res.URL = DetectURL(res.Stdout)
		if res.URL == "" {
			res.URL = DetectURL(res.Stderr)
		}
	}

	if res.Failed() {
		c.log.Error().Str("code", string(res.ErrorCode)).Int("exit", code).Str("stderr", truncate(res.Stderr, 500)).Msg("deploy command failed")
	} else {
		c.log.Info().Dur("duration", res.Duration).Str("url", res.URL).Msg("deploy succeeded")
	}
	return res
}

// WaitForURL polls url with GET requests until one answers 2xx or timeout
// elapses. Request errors are retried, never returned.
func (c *Controller) WaitForURL(ctx context.Context, url string, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.probe(ctx, url) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := min(interval, remaining)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	return false
}

func (c *Controller) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		debug.LogKV("deploy", "url probe failed", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

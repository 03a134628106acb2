// Package agent supervises the external fix agent (the claude CLI) for one
// fix cycle at a time.
package agent

import (
	"fmt"
	"time"
)

// Status is the outcome class of a fix agent run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusTimeout        Status = "timeout"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// Result holds the outcome of a single fix agent run.
type Result struct {
	Status        Status
	ResultText    string
	CostUSD       float64
	Duration      time.Duration
	SessionID     string
	Subtype       string
	FilesModified []string // best-effort, display only
	ErrorMessage  string
	RawOutput     string
	ExitCode      int
}

// NotInstalledError reports that the agent binary is missing or unusable.
type NotInstalledError struct {
	Binary string
	Detail string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("fix agent %q is not available: %s", e.Binary, e.Detail)
}

// AuthError reports that the agent CLI is installed but not logged in.
type AuthError struct {
	Binary string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("fix agent is not authenticated; run '%s login' to authenticate", e.Binary)
}

// Options configures a ClaudeRunner. Zero values take the defaults below.
type Options struct {
	Command        string
	MaxTurns       int
	Timeout        time.Duration
	PermissionMode string
	AllowedTools   string
	MaxBudgetUSD   float64
	VersionTimeout time.Duration
	// Env holds extra environment variables for the agent process.
	Env map[string]string
}

const (
	defaultCommand        = "claude"
	defaultMaxTurns       = 50
	defaultTimeout        = 600 * time.Second
	defaultPermissionMode = "bypassPermissions"
	defaultAllowedTools   = "Read,Write,Edit,Bash(npm run *),Bash(npx *),Bash(git diff *),Bash(git status)"
	defaultMaxBudgetUSD   = 5.0
	versionProbeTimeout   = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Command == "" {
		o.Command = defaultCommand
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = defaultMaxTurns
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PermissionMode == "" {
		o.PermissionMode = defaultPermissionMode
	}
	if o.AllowedTools == "" {
		o.AllowedTools = defaultAllowedTools
	}
	if o.MaxBudgetUSD <= 0 {
		o.MaxBudgetUSD = defaultMaxBudgetUSD
	}
	if o.VersionTimeout <= 0 {
		o.VersionTimeout = versionProbeTimeout
	}
	return o
}

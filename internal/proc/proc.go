// Package proc holds subprocess plumbing shared by the agent, deploy and
// scanner runners.
package proc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultWaitDelay bounds how long Wait keeps draining pipes after the
// process is killed.
const DefaultWaitDelay = 5 * time.Second

// SetupGroup starts the command in its own process group so that context
// cancellation kills the whole tree. Node-based CLIs and shell pipelines
// spawn children that otherwise keep the pipes open after the parent dies.
func SetupGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = DefaultWaitDelay
}

// Env returns the current environment with extra variables overlaid.
func Env(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// ExitCode interprets a process error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (-1, err) for any other error (the process never ran).
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

package agent

import (
	"os/exec"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/proc"
)

// setupCommand applies the shared subprocess setup: own process group,
// bounded pipe drain, extra env and debug log propagation.
func setupCommand(cmd *exec.Cmd, env map[string]string) {
	proc.SetupGroup(cmd)
	cmd.Env = debug.PropagatedEnv(proc.Env(env), "agent")
}

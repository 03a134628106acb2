package fixloop

import (
	"fmt"
	"strings"

	"github.com/agusx1211/gonogo/internal/deploy"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/scanner"
)

// ApplyMode says whether fixes land on an isolated branch or in place.
type ApplyMode string

const (
	ApplyBranch ApplyMode = "branch"
	ApplyDirect ApplyMode = "direct"
)

// StopNever disables the verdict stop rule.
const StopNever = "never"

const DefaultMaxCycles = 3

// LoopConfig is the immutable configuration of one loop.
type LoopConfig struct {
	RepoPath       string
	ApplyMode      ApplyMode
	DeployMode     deploy.Mode
	DeployCommand  string // may contain {branch}
	MaxCycles      int
	StopOnVerdict  string // GO, GO_WITH_CONDITIONS or never
	SeverityFilter []findings.Severity
}

// Validate fills defaults and rejects unknown enum values.
func (c *LoopConfig) Validate() error {
	if strings.TrimSpace(c.RepoPath) == "" {
		return fmt.Errorf("%w: repo path is required", ErrInvalidConfig)
	}
	switch c.ApplyMode {
	case "":
		c.ApplyMode = ApplyBranch
	case ApplyBranch, ApplyDirect:
	default:
		return fmt.Errorf("%w: apply mode %q (want branch or direct)", ErrInvalidConfig, c.ApplyMode)
	}
	if c.DeployMode == "" {
		c.DeployMode = deploy.ModeBranch
	}
	if _, err := deploy.ParseMode(string(c.DeployMode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxCycles == 0 {
		c.MaxCycles = DefaultMaxCycles
	}
	if c.MaxCycles < 1 {
		return fmt.Errorf("%w: max cycles must be at least 1, got %d", ErrInvalidConfig, c.MaxCycles)
	}
	switch c.StopOnVerdict {
	case "":
		c.StopOnVerdict = string(scanner.VerdictGo)
	case string(scanner.VerdictGo), string(scanner.VerdictGoWithConditions), StopNever:
	default:
		return fmt.Errorf("%w: stop verdict %q (want GO, GO_WITH_CONDITIONS or never)", ErrInvalidConfig, c.StopOnVerdict)
	}
	if len(c.SeverityFilter) == 0 {
		c.SeverityFilter = append([]findings.Severity(nil), findings.DefaultFilter...)
	}
	return nil
}

// ShouldStop applies the verdict stop rule: stop when the verdict equals
// the target, and also on GO when the target is GO_WITH_CONDITIONS.
func (c LoopConfig) ShouldStop(v scanner.Verdict) bool {
	if c.StopOnVerdict == StopNever || v == "" {
		return false
	}
	if string(v) == c.StopOnVerdict {
		return true
	}
	return c.StopOnVerdict == string(scanner.VerdictGoWithConditions) && v == scanner.VerdictGo
}

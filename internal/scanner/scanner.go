// Package scanner is the boundary to the external quality-scan pipeline.
// The fix loop only needs "scan this URL and tell me how it went"; the
// pipeline itself lives elsewhere.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agusx1211/gonogo/internal/debug"
	"github.com/agusx1211/gonogo/internal/findings"
	"github.com/agusx1211/gonogo/internal/proc"
)

// Verdict is the scanner's release-readiness outcome.
type Verdict string

const (
	VerdictGo               Verdict = "GO"
	VerdictGoWithConditions Verdict = "GO_WITH_CONDITIONS"
	VerdictNoGo             Verdict = "NO-GO"
)

// Rank orders verdicts by readiness: GO > GO_WITH_CONDITIONS > NO-GO.
// Unknown verdicts rank below NO-GO.
func (v Verdict) Rank() int {
	switch v {
	case VerdictGo:
		return 3
	case VerdictGoWithConditions:
		return 2
	case VerdictNoGo:
		return 1
	}
	return 0
}

// StatusCompleted is the only scan status the loop treats as a usable result.
const StatusCompleted = "completed"

// Rescan is a finished follow-up scan.
type Rescan struct {
	ScanID       string             `json:"scan_id"`
	Status       string             `json:"status"`
	OverallScore *float64           `json:"overall_score,omitempty"`
	Verdict      Verdict            `json:"verdict,omitempty"`
	ReportPath   string             `json:"report_path,omitempty"`
	TechStack    string             `json:"tech_stack,omitempty"`
	Findings     []findings.Finding `json:"findings,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Completed reports whether the scan reached the completed state.
func (r *Rescan) Completed() bool { return r != nil && r.Status == StatusCompleted }

// Scanner runs a scan of url on behalf of the target parentID and blocks
// until it finishes. A scan that finishes unsuccessfully is returned with a
// non-completed Status and a nil error; errors mean no result at all.
type Scanner interface {
	Rescan(ctx context.Context, parentID, url string) (*Rescan, error)
}

// ErrEmptyCommand is returned when no scan command is configured.
var ErrEmptyCommand = errors.New("scanner: no scan command configured")

// CommandScanner shells out to a scan command that prints one JSON object
// (see Rescan) on stdout. The command may contain {url} and {parent}
// placeholders.
type CommandScanner struct {
	Command string
	Dir     string
	Timeout time.Duration

	log zerolog.Logger
}

// NewCommandScanner returns a CommandScanner for command.
func NewCommandScanner(command, dir string, timeout time.Duration) *CommandScanner {
	return &CommandScanner{Command: command, Dir: dir, Timeout: timeout, log: debug.Component("scanner")}
}

// Rescan implements Scanner.
func (s *CommandScanner) Rescan(ctx context.Context, parentID, url string) (*Rescan, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, ErrEmptyCommand
	}
	command := strings.NewReplacer("{url}", shellQuote(url), "{parent}", shellQuote(parentID)).Replace(s.Command)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir
	proc.SetupGroup(cmd)
	cmd.Env = debug.PropagatedEnv(proc.Env(nil), "scanner")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Info().Str("parent", parentID).Str("url", url).Msg("starting rescan")
	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("scanner: rescan of %s: %w", url, ctx.Err())
	}
	code, err := proc.ExitCode(runErr)
	if err != nil {
		return nil, fmt.Errorf("scanner: running scan command: %w", err)
	}

	res, decodeErr := decode(stdout.Bytes())
	if decodeErr != nil {
		if code != 0 {
			return nil, fmt.Errorf("scanner: scan command exited %d: %s", code, strings.TrimSpace(stderr.String()))
		}
		return nil, decodeErr
	}
	if res.ScanID == "" {
		res.ScanID = uuid.NewString()
	}
	if code != 0 && res.Status == StatusCompleted {
		res.Status = "failed"
	}
	if res.Status == "" {
		res.Status = "failed"
	}
	s.log.Info().
		Str("scan", res.ScanID).
		Str("status", res.Status).
		Str("verdict", string(res.Verdict)).
		Dur("duration", time.Since(start)).
		Msg("rescan finished")
	return res, nil
}

// decode reads the last JSON object printed on stdout so progress chatter
// before it is tolerated.
func decode(out []byte) (*Rescan, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r Rescan
		if err := json.Unmarshal([]byte(line), &r); err == nil {
			return &r, nil
		}
	}
	var r Rescan
	if err := json.Unmarshal(bytes.TrimSpace(out), &r); err != nil {
		return nil, fmt.Errorf("scanner: decoding scan result: %w", err)
	}
	return &r, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

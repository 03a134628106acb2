package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/agusx1211/gonogo/internal/findings"
)

// Target statuses mirrored from the scan pipeline.
const (
	TargetPending   = "pending"
	TargetRunning   = "running"
	TargetCompleted = "completed"
	TargetFailed    = "failed"
)

// Target is a scanned site. Follow-up scans made by the fix loop are stored
// as child targets whose ParentID points at the loop's target.
type Target struct {
	ID           string
	URL          string
	Status       string
	ReportPath   string
	OverallScore *float64
	Verdict      string
	TechStack    string
	Findings     []findings.Finding
	ParentID     string

	FixLoopEnabled bool
	MaxCycles      int
	StopOnVerdict  string
	DeployMode     string
	DeployCommand  string
	SeverityFilter []string
	ApplyMode      string
	RepoPath       string
	FixBranch      string
	OriginalBranch string
	CurrentCycle   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CycleStatus is the lifecycle state of one fix cycle.
type CycleStatus string

const (
	CyclePending        CycleStatus = "pending"
	CycleFixing         CycleStatus = "fixing"
	CycleDeploying      CycleStatus = "deploying"
	CycleRescanning     CycleStatus = "rescanning"
	CycleCompleted      CycleStatus = "completed"
	CycleFailed         CycleStatus = "failed"
	CycleDeployFailed   CycleStatus = "deploy_failed"
	CycleRescanFailed   CycleStatus = "rescan_failed"
	CycleBudgetExceeded CycleStatus = "budget_exceeded"
	CycleInterrupted    CycleStatus = "interrupted"
)

// Terminal reports whether no further transition is possible.
func (s CycleStatus) Terminal() bool {
	switch s {
	case CyclePending, CycleFixing, CycleDeploying, CycleRescanning:
		return false
	}
	return true
}

// activeStatuses are the statuses that indicate a cycle still in flight.
var activeStatuses = []CycleStatus{CyclePending, CycleFixing, CycleDeploying, CycleRescanning}

// validTransitions lists the forward moves of the cycle state machine.
// Every in-flight state may also fall to failed or interrupted.
var validTransitions = map[CycleStatus][]CycleStatus{
	CyclePending:    {CycleFixing, CycleFailed, CycleInterrupted},
	CycleFixing:     {CycleDeploying, CycleFailed, CycleInterrupted},
	CycleDeploying:  {CycleRescanning, CycleDeployFailed, CycleFailed, CycleInterrupted},
	CycleRescanning: {CycleCompleted, CycleRescanFailed, CycleBudgetExceeded, CycleFailed, CycleInterrupted},
}

// CanTransition reports whether a record may move from one status to
// another. Staying in the same non-terminal status is allowed so fields can
// be updated mid-step.
func CanTransition(from, to CycleStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a move the state machine does not allow.
type TransitionError struct {
	From CycleStatus
	To   CycleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid cycle transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// CycleRecord is one persisted fix cycle.
type CycleRecord struct {
	ID                string
	TargetID          string
	CycleNumber       int
	Status            CycleStatus
	AgentOutput       string
	CostUSD           float64
	DurationSeconds   float64
	FilesModified     []string
	FindingsResolved  int
	FindingsNew       int
	FindingsUnchanged int
	DeployURL         string
	RescanID          string
	RescanScore       *float64
	RescanVerdict     string
	ErrorMessage      string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

var (
	ErrTargetNotFound    = errors.New("target not found")
	ErrCycleNotFound     = errors.New("fix cycle not found")
	ErrCycleFinalized    = errors.New("fix cycle is already completed")
	ErrInvalidTransition = errors.New("invalid cycle transition")
)

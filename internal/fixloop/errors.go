package fixloop

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidConfig     = errors.New("invalid fix loop configuration")
	ErrTargetNotFound    = errors.New("target not found")
	ErrTargetNotReady    = errors.New("target is not ready for a fix loop")
	ErrLoopAlreadyActive = errors.New("fix loop already active for this target")
	ErrNotAwaitingURL    = errors.New("fix loop is not waiting for a deploy URL")
	ErrNoActiveLoop      = errors.New("no active fix loop for this target")
)

// InterruptedCyclesError reports persisted cycles left in flight by a loop
// that is no longer running. They must be marked interrupted before a new
// loop may start.
type InterruptedCyclesError struct {
	TargetID string
	Cycles   []int
}

func (e *InterruptedCyclesError) Error() string {
	nums := make([]string, len(e.Cycles))
	for i, n := range e.Cycles {
		nums[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("fix cycle(s) %s of target %s were interrupted; mark them interrupted before starting a new loop",
		strings.Join(nums, ", "), e.TargetID)
}

// Is makes errors.Is(err, ErrLoopAlreadyActive) match.
func (e *InterruptedCyclesError) Is(target error) bool { return target == ErrLoopAlreadyActive }

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	// ErrRunTerminal is returned for mutations once the run is complete,
	// failed or stopped.
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrNoPlan is returned by Start before a task or plan was submitted.
	ErrNoPlan = errors.New("no plan submitted")
	// ErrPlanExists is returned when a different task is submitted after
	// planning.
	ErrPlanExists = errors.New("a different plan was already submitted")
	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("run not started")
	// ErrUnknownSubtask is returned for an id the plan does not contain.
	ErrUnknownSubtask = errors.New("unknown subtask")
	// ErrSubtaskState is returned when a subtask is in the wrong state for
	// the request.
	ErrSubtaskState = errors.New("subtask state does not allow this")
)

// SubtaskExecutionError is the terminal failure of one subtask. Reason is
// one of the models.FailReason constants.
type SubtaskExecutionError struct {
	SubtaskID string
	Reason    string
	Trace     *models.ReasoningTrace
	Err       error
}

func (e *SubtaskExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subtask %s %s", e.SubtaskID, e.Reason)
	}
	return fmt.Sprintf("subtask %s %s: %v", e.SubtaskID, e.Reason, e.Err)
}

func (e *SubtaskExecutionError) Unwrap() error { return e.Err }

func execErr(id, reason string, trace *models.ReasoningTrace, err error) *SubtaskExecutionError {
	return &SubtaskExecutionError{SubtaskID: id, Reason: reason, Trace: trace, Err: err}
}

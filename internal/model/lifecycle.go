package model

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an event would move a run or step
// out of a terminal state.
var ErrIllegalTransition = errors.New("model: illegal status transition")

// IsTerminal reports whether s is Completed or Failed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsTerminal reports whether s is Completed or Failed.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// RunStatusFor maps a run_finish status to the persisted run status.
// Only "success" completes a run; any other value fails it.
func RunStatusFor(f FinishStatus) RunStatus {
	if f == FinishSuccess {
		return RunStatusCompleted
	}
	return RunStatusFailed
}

// StepStatusFor maps a step_end payload to the persisted step status.
func StepStatusFor(p StepEndPayload) StepStatus {
	if p.Failed() {
		return StepStatusFailed
	}
	return StepStatusCompleted
}

// FinishRun returns the status a run moves to on run_finish.
// Only a running run may finish.
func FinishRun(from RunStatus, f FinishStatus) (RunStatus, error) {
	if from != RunStatusRunning {
		return from, fmt.Errorf("%w: run %s -> %s", ErrIllegalTransition, from, RunStatusFor(f))
	}
	return RunStatusFor(f), nil
}

// EndStep returns the status a step moves to on step_end.
// Only a pending step may end.
func EndStep(from StepStatus, p StepEndPayload) (StepStatus, error) {
	to := StepStatusFor(p)
	if from != StepStatusPending {
		return from, fmt.Errorf("%w: step %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

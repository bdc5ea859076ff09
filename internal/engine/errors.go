package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies task and step failures for API consumers.
type ErrorCode string

const (
	CodeInvalidInput    ErrorCode = "invalid_input"
	CodeInvalidPlan     ErrorCode = "invalid_plan"
	CodeToolUnavailable ErrorCode = "tool_unavailable"
	CodeToolRejected    ErrorCode = "tool_rejected"
	CodeCancelled       ErrorCode = "cancelled"
	CodeInternal        ErrorCode = "internal"
)

// TaskError is the structured failure detail persisted on a failed task
// or step.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTaskError builds a TaskError with a formatted message.
func NewTaskError(code ErrorCode, format string, args ...interface{}) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrNotFound indicates an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict indicates a stale write rejected by the store;
	// the caller must re-read the snapshot and re-apply its transition.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrInvalidInput rejects malformed task creation requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPlan indicates the planner produced zero steps or
	// referenced an unregistered tool.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrTaskTerminated tells in-flight step workers the task reached a
	// terminal state; their results are discarded, not applied.
	ErrTaskTerminated = errors.New("task already terminal")

	// ErrStepSettled indicates another worker already recorded a terminal
	// result for the step; the duplicate attempt is skipped.
	ErrStepSettled = errors.New("step already settled")
)

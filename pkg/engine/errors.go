package engine

import (
	"errors"
	"fmt"
)

// Validation errors (400 Bad Request).
var (
	ErrWorkflowInactive   = errors.New("workflow is not active")
	ErrWorkflowHasNoSteps = errors.New("workflow has no steps")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrNotJoinTask        = errors.New("task is not a join task")
)

// Lookup errors (404 Not Found).
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("workflow run not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrNoWaitingTask    = errors.New("no waiting task for step")
)

// Conflicts (409 Conflict).
var (
	ErrRunNotRunning     = errors.New("workflow run is not running")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// ErrInvalidCallbackSecret rejects a callback whose secret matches nothing (401).
var ErrInvalidCallbackSecret = errors.New("invalid callback secret")

// Error wraps an engine failure with the operation and the entity it concerns.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newError(op, id string, err error) *Error {
	return &Error{Op: op, ID: id, Err: err}
}

// IsValidationError checks if an error should be reported as a bad request.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrWorkflowInactive) ||
		errors.Is(err, ErrWorkflowHasNoSteps) ||
		errors.Is(err, ErrInvalidTaskStatus) ||
		errors.Is(err, ErrNotJoinTask)
}

// IsNotFoundError checks if an error refers to a missing workflow, run, task or step.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrNoWaitingTask)
}

// IsConflictError checks if an error is a state conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrRunNotRunning) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsUnauthorizedError checks if an error is a rejected callback secret.
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, ErrInvalidCallbackSecret)
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of bus error.
type ErrorCode string

const (
	// ErrCodeUnknownTask indicates a transition on a task or card that does not exist.
	ErrCodeUnknownTask ErrorCode = "UNKNOWN_TASK"
	// ErrCodeAlreadyFinalised indicates a transition on a finalised task.
	ErrCodeAlreadyFinalised ErrorCode = "ALREADY_FINALISED"
	// ErrCodeInvalidTransition indicates a transition not allowed from the current state.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// ErrCodeUnreachable indicates no live cluster member serves the target.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"
	// ErrCodeDispatchTimeout indicates a remote call exceeded its timeout.
	ErrCodeDispatchTimeout ErrorCode = "DISPATCH_TIMEOUT"
	// ErrCodeDispatchFailure indicates a transport or protocol error.
	ErrCodeDispatchFailure ErrorCode = "DISPATCH_FAILURE"
	// ErrCodeInvalidMask indicates a malformed subscription mask.
	ErrCodeInvalidMask ErrorCode = "INVALID_MASK"
	// ErrCodeInvalidManifest indicates a malformed manifest.
	ErrCodeInvalidManifest ErrorCode = "INVALID_MANIFEST"
)

// Sentinel errors for use with errors.Is.
var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrAlreadyFinalised  = errors.New("task already finalised")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrUnreachable       = errors.New("target unreachable")
	ErrDispatchTimeout   = errors.New("dispatch timeout")
	ErrDispatchFailure   = errors.New("dispatch failure")
	ErrInvalidMask       = errors.New("invalid subscription mask")
	ErrInvalidManifest   = errors.New("invalid manifest")
)

var sentinels = map[ErrorCode]error{
	ErrCodeUnknownTask:       ErrUnknownTask,
	ErrCodeAlreadyFinalised:  ErrAlreadyFinalised,
	ErrCodeInvalidTransition: ErrInvalidTransition,
	ErrCodeUnreachable:       ErrUnreachable,
	ErrCodeDispatchTimeout:   ErrDispatchTimeout,
	ErrCodeDispatchFailure:   ErrDispatchFailure,
	ErrCodeInvalidMask:       ErrInvalidMask,
	ErrCodeInvalidManifest:   ErrInvalidManifest,
}

// BusError is a typed outcome returned by the matching engine, the task
// registry and the dispatcher.
type BusError struct {
	Code    ErrorCode
	Message string
	TaskID  TaskID
	Cause   error
}

// Error implements the error interface.
func (e *BusError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.TaskID != "" {
		prefix += " task " + string(e.TaskID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error code.
func (e *BusError) Is(target error) bool {
	return sentinels[e.Code] == target
}

// NewBusError creates a new BusError.
func NewBusError(code ErrorCode, message string, cause error) *BusError {
	return &BusError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewUnknownTaskError creates an error for a missing task or card.
func NewUnknownTaskError(id TaskID, message string) *BusError {
	return &BusError{Code: ErrCodeUnknownTask, Message: message, TaskID: id}
}

// NewAlreadyFinalisedError creates an error for a transition on a finalised task.
func NewAlreadyFinalisedError(id TaskID) *BusError {
	return &BusError{Code: ErrCodeAlreadyFinalised, Message: "task is finalised", TaskID: id}
}

// NewInvalidTransitionError creates an error for a disallowed transition.
func NewInvalidTransitionError(id TaskID, from, to TaskState) *BusError {
	return &BusError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
		TaskID:  id,
	}
}

// CodeOf extracts the error code from err, or "" if err is not a BusError.
func CodeOf(err error) ErrorCode {
	var be *BusError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

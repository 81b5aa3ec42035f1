package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting across the
// engine and its collaborators.
type ErrorCode string

const (
	// -- Load time --
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// -- Recoverable inside a run --
	ErrCodeMatchFailure   ErrorCode = "MATCH_FAILURE"
	ErrCodeAmbiguousState ErrorCode = "AMBIGUOUS_STATE"
	ErrCodeTimeoutInState ErrorCode = "TIMEOUT_IN_STATE"

	// -- Terminal --
	ErrCodeCollaborator        ErrorCode = "COLLABORATOR_ERROR"
	ErrCodeRetryBudgetExceeded ErrorCode = "RETRY_BUDGET_EXCEEDED"
	ErrCodeIterationBudget     ErrorCode = "ITERATION_BUDGET_EXHAUSTED"
	ErrCodeUnsupportedAction   ErrorCode = "UNSUPPORTED_ACTION"
	ErrCodeRunInProgress       ErrorCode = "RUN_IN_PROGRESS"
)

// CodedError is an error that carries an ErrorCode.
type CodedError interface {
	error
	Code() ErrorCode
}

type sentinel struct {
	code ErrorCode
	msg  string
}

func (e *sentinel) Error() string   { return e.msg }
func (e *sentinel) Code() ErrorCode { return e.code }

var (
	// ErrNoMatch is returned when no element satisfies a criterion.
	ErrNoMatch = &sentinel{ErrCodeMatchFailure, "no element matched"}
	// ErrAmbiguousState marks a frame that matched several states.
	ErrAmbiguousState = &sentinel{ErrCodeAmbiguousState, "more than one state matched"}
	// ErrTimeoutInState marks a state or step that outlived its timeout.
	ErrTimeoutInState = &sentinel{ErrCodeTimeoutInState, "timed out in state"}
	// ErrRetryBudgetExceeded ends a run as failed.
	ErrRetryBudgetExceeded = &sentinel{ErrCodeRetryBudgetExceeded, "retry budget exceeded"}
	// ErrIterationBudget ends a run that ran out of iterations.
	ErrIterationBudget = &sentinel{ErrCodeIterationBudget, "iteration budget exhausted"}
	// ErrUnsupportedAction is returned by dispatchers for kinds they cannot execute.
	ErrUnsupportedAction = &sentinel{ErrCodeUnsupportedAction, "unsupported action"}
	// ErrRunInProgress rejects a second concurrent run.
	ErrRunInProgress = &sentinel{ErrCodeRunInProgress, "a run is already in progress"}
)

// ConfigurationError reports a profile that cannot be used. It is raised before
// any run starts.
type ConfigurationError struct {
	Section string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	if e.Section == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error in '%s': %s", e.Section, e.Msg)
}

func (e *ConfigurationError) Code() ErrorCode { return ErrCodeConfiguration }

// MatchFailure records which criterion could not be satisfied.
type MatchFailure struct {
	Criterion ElementCriterion
	Where     string
}

func (e *MatchFailure) Error() string {
	return fmt.Sprintf("%s: no element matched %s", e.Where, e.Criterion)
}

func (e *MatchFailure) Code() ErrorCode { return ErrCodeMatchFailure }

// Is lets errors.Is(err, ErrNoMatch) succeed for any MatchFailure.
func (e *MatchFailure) Is(target error) bool { return target == ErrNoMatch }

// CollaboratorError wraps a failure raised by a detector, capturer, dispatcher
// or launcher. The engine cannot reason about it, so it ends the run.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error   { return e.Err }
func (e *CollaboratorError) Code() ErrorCode { return ErrCodeCollaborator }

// WrapCollaborator wraps err in a CollaboratorError unless it is nil or already one.
func WrapCollaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollaboratorError{Op: op, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" when it carries none.
func CodeOf(err error) ErrorCode {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

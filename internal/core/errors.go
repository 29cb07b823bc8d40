package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatRejection  ErrorCategory = "rejection"  // Start refused, nothing mutated
	ErrCatExecution  ErrorCategory = "execution"  // Collaborator failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // Invalid state for operation
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause returns a copy of the error wrapping an underlying cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithDetail returns a copy of the error with contextual information added.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Predefined error codes
const (
	CodeSequentialCapReached = "SEQUENTIAL_CAP_REACHED"
	CodeDuplicateStart       = "DUPLICATE_START"
	CodeMaxAttemptsReached   = "MAX_ATTEMPTS_REACHED"
	CodeActiveWorkflow       = "ACTIVE_WORKFLOW_CONFLICT"
	CodeWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	CodeCollaboratorMissing  = "COLLABORATOR_UNAVAILABLE"
	CodeCollaboratorPanicked = "COLLABORATOR_PANICKED"
	CodeSubmissionFailed     = "SUBMISSION_FAILED"
	CodeDeploymentFailed     = "DEPLOYMENT_FAILED"
	CodeApplyFailed          = "APPLY_FAILED"
	CodeInvalidProject       = "INVALID_PROJECT"
	CodeCoordinatorClosed    = "COORDINATOR_CLOSED"
	CodeInitiationTimeout    = "DEPLOYMENT_INITIATION_TIMEOUT"
)

// Rejection sentinels. Start never returns these; Admission does.
var (
	ErrSequentialCapReached = &DomainError{
		Category: ErrCatRejection,
		Code:     CodeSequentialCapReached,
		Message:  "too many sequential failures for project",
	}
	ErrDuplicateStart = &DomainError{
		Category: ErrCatRejection,
		Code:     CodeDuplicateStart,
		Message:  "workflow for project is already injecting its message",
	}
	ErrMaxAttemptsReached = &DomainError{
		Category: ErrCatRejection,
		Code:     CodeMaxAttemptsReached,
		Message:  "automatic retries exhausted for project",
	}
	ErrActiveWorkflowConflict = &DomainError{
		Category: ErrCatRejection,
		Code:     CodeActiveWorkflow,
		Message:  "another workflow for project is still active",
	}
	ErrInvalidProject = &DomainError{
		Category: ErrCatValidation,
		Code:     CodeInvalidProject,
		Message:  "project id is required",
	}
	ErrCoordinatorClosed = &DomainError{
		Category: ErrCatState,
		Code:     CodeCoordinatorClosed,
		Message:  "coordinator is closed",
	}
)

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeWorkflowNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrCollaboratorUnavailable creates an error for a collaborator that never
// became ready within its polling budget.
func ErrCollaboratorUnavailable(name string, attempts int) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeCollaboratorMissing,
		Message:   fmt.Sprintf("%s unavailable after %d attempts", name, attempts),
		Retryable: true,
		Details:   map[string]interface{}{"collaborator": name, "attempts": attempts},
	}
}

// ErrCollaboratorPanic converts a recovered collaborator panic into an error.
func ErrCollaboratorPanic(name string, recovered interface{}) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeCollaboratorPanicked,
		Message:   fmt.Sprintf("%s panicked: %v", name, recovered),
		Retryable: true,
		Details:   map[string]interface{}{"collaborator": name},
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeInitiationTimeout,
		Message:   message,
		Retryable: true,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsRejection reports whether err is one of the Start rejection sentinels.
func IsRejection(err error) bool {
	return IsCategory(err, ErrCatRejection)
}

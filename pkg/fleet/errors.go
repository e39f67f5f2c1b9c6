package fleet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error is the structured error returned by every orchestrator component.
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for the end user
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Caller errors, returned verbatim and never retried
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeCredentialMissing ErrorCode = "CREDENTIAL_MISSING"
	ErrorCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"

	// Environment errors
	ErrorCodeStartFailed    ErrorCode = "START_FAILED"
	ErrorCodeAdapterTimeout ErrorCode = "ADAPTER_TIMEOUT"
	ErrorCodeStoreError     ErrorCode = "STORE_ERROR"
)

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code, so sentinel values such as
// ErrNotFound work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// NewError creates a new Error with the given code and message
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Sentinels for errors.Is. They carry no message so they match any error
// of the same code.
var (
	ErrNotFound          = &Error{Code: ErrorCodeNotFound}
	ErrCredentialMissing = &Error{Code: ErrorCodeCredentialMissing}
	ErrQuotaExceeded     = &Error{Code: ErrorCodeQuotaExceeded}
	ErrInvalidArgument   = &Error{Code: ErrorCodeInvalidArgument}
	ErrStartFailed       = &Error{Code: ErrorCodeStartFailed}
	ErrAdapterTimeout    = &Error{Code: ErrorCodeAdapterTimeout}
	ErrStore             = &Error{Code: ErrorCodeStoreError}
)

// Common error constructors

// WorkerNotFound reports a missing worker id.
func WorkerNotFound(workerID int64) *Error {
	return NewError(ErrorCodeNotFound,
		fmt.Sprintf("Worker %d not found", workerID)).
		WithContext("worker_id", workerID)
}

// CredentialMissing reports a start attempt on a worker without a token.
func CredentialMissing(workerID int64) *Error {
	return NewError(ErrorCodeCredentialMissing,
		fmt.Sprintf("Worker %d has no credential", workerID)).
		WithContext("worker_id", workerID).
		WithSuggestion("Set the bot token for this worker before starting it")
}

// QuotaExceeded reports a plan limit hit.
func QuotaExceeded(tenantID string, current, max int) *Error {
	return NewError(ErrorCodeQuotaExceeded,
		fmt.Sprintf("Plan limit reached (%d/%d)", current, max)).
		WithContext("tenant_id", tenantID).
		WithContext("current", current).
		WithContext("max", max).
		WithSuggestion("Upgrade the plan or stop another worker")
}

// StartFailed wraps a supervisor start failure.
func StartFailed(workerID int64, handle string, cause error) *Error {
	return NewError(ErrorCodeStartFailed,
		fmt.Sprintf("Failed to start worker %d", workerID)).
		WithContext("worker_id", workerID).
		WithContext("handle", handle).
		WithCause(cause).
		WithSuggestion("Check that the bot token is still valid")
}

// AdapterTimeout reports a supervisor call that did not finish in time.
func AdapterTimeout(op, handle string, cause error) *Error {
	return NewError(ErrorCodeAdapterTimeout,
		fmt.Sprintf("Supervisor %s timed out", op)).
		WithContext("op", op).
		WithContext("handle", handle).
		WithCause(cause)
}

// StoreError wraps a persistence failure.
func StoreError(op string, cause error) *Error {
	return NewError(ErrorCodeStoreError,
		fmt.Sprintf("Storage operation %s failed", op)).
		WithContext("op", op).
		WithCause(cause)
}

// InvalidArgument reports a malformed request.
func InvalidArgument(field, reason string) *Error {
	return NewError(ErrorCodeInvalidArgument,
		fmt.Sprintf("Invalid %s: %s", field, reason)).
		WithContext("field", field)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// QuotaDetails extracts current and max from a QUOTA_EXCEEDED error.
func QuotaDetails(err error) (current, max int, ok bool) {
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != ErrorCodeQuotaExceeded {
		return 0, 0, false
	}
	current, ok1 := fe.Context["current"].(int)
	max, ok2 := fe.Context["max"].(int)
	return current, max, ok1 && ok2
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Suggestion
	}
	return ""
}

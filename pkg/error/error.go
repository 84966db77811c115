package error

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCategory classifies errors by their nature and appropriate handling strategy.
// This classification helps determine whether an error should trigger retries,
// caller fixes, or operator attention.
type ErrorCategory int

const (
	// ErrCategoryUser represents errors caused by the caller.
	// Examples: unknown record id, duplicate persist, operating on a finished transaction.
	// These errors are fixable by changing the request, never by retrying it.
	ErrCategoryUser ErrorCategory = iota

	// ErrCategoryTransient represents temporary errors that might succeed on retry.
	ErrCategoryTransient

	// ErrCategorySystem represents errors requiring administrator intervention.
	// Examples: unreadable config, unreachable database file, corrupt payload JSON.
	ErrCategorySystem

	// ErrCategoryData represents errors related to data corruption or integrity.
	ErrCategoryData

	// ErrCategoryConcurrency represents errors from concurrent transaction conflicts.
	// Examples: version conflicts, lock timeouts, deadlocks.
	// The caller may retry the whole transaction from a fresh read.
	ErrCategoryConcurrency
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryUser:
		return "user"
	case ErrCategoryTransient:
		return "transient"
	case ErrCategorySystem:
		return "system"
	case ErrCategoryData:
		return "data"
	case ErrCategoryConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Error codes. The code identifies the error kind; errors.Is compares codes.
const (
	CodeNotFound                = "NOT_FOUND"
	CodeAlreadyExists           = "ALREADY_EXISTS"
	CodeVersionConflict         = "VERSION_CONFLICT"
	CodeLockTimeout             = "LOCK_TIMEOUT"
	CodeDeadlock                = "DEADLOCK_DETECTED"
	CodeInvalidTransactionState = "INVALID_TRANSACTION_STATE"
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeStorage                 = "STORAGE_FAILURE"
	CodeConfig                  = "CONFIG_ERROR"
)

// Sentinel errors, for use with errors.Is. They carry no stack.
var (
	ErrNotFound                = &DBError{Code: CodeNotFound, Category: ErrCategoryUser, Message: "record not found"}
	ErrAlreadyExists           = &DBError{Code: CodeAlreadyExists, Category: ErrCategoryUser, Message: "record already exists"}
	ErrVersionConflict         = &DBError{Code: CodeVersionConflict, Category: ErrCategoryConcurrency, Message: "version conflict"}
	ErrLockTimeout             = &DBError{Code: CodeLockTimeout, Category: ErrCategoryConcurrency, Message: "lock acquisition timed out"}
	ErrDeadlock                = &DBError{Code: CodeDeadlock, Category: ErrCategoryConcurrency, Message: "deadlock detected"}
	ErrInvalidTransactionState = &DBError{Code: CodeInvalidTransactionState, Category: ErrCategoryUser, Message: "invalid transaction state"}
	ErrInvalidArgument         = &DBError{Code: CodeInvalidArgument, Category: ErrCategoryUser, Message: "invalid argument"}
	ErrStorage                 = &DBError{Code: CodeStorage, Category: ErrCategorySystem, Message: "storage failure"}
	ErrConfig                  = &DBError{Code: CodeConfig, Category: ErrCategorySystem, Message: "invalid configuration"}
)

// DBError represents a structured error with rich context information.
type DBError struct {
	// Code is a unique identifier for this error type (e.g., "VERSION_CONFLICT").
	Code string

	// Category classifies the error for appropriate handling strategy.
	Category ErrorCategory

	// Message is a human-readable description of what went wrong.
	Message string

	// Detail provides additional context about the specific error instance.
	// Example: "CD#4 expected v1, found v2".
	Detail string

	// Hint suggests how the caller might fix or work around this error.
	Hint string

	// Operation identifies the operation that was being performed when the error occurred.
	// Examples: "Commit", "Acquire", "Apply".
	Operation string

	// Component identifies the system component where the error originated.
	// Examples: "LockManager", "Coordinator", "MemStore".
	Component string

	// Cause is the underlying error that triggered this error.
	Cause error

	// Stack contains the call stack where this error was created.
	Stack []uintptr
}

// New creates a new DBError with the specified code, category, and message.
func New(category ErrorCategory, code, message string) *DBError {
	err := &DBError{
		Code:     code,
		Category: category,
		Message:  message,
		Stack:    captureStack(),
	}
	return err
}

// Newf creates a DBError of the same kind as sentinel, with a formatted detail
// and the given operation/component context.
func Newf(sentinel *DBError, operation, component, format string, args ...any) *DBError {
	return &DBError{
		Code:      sentinel.Code,
		Category:  sentinel.Category,
		Message:   sentinel.Message,
		Detail:    fmt.Sprintf(format, args...),
		Operation: operation,
		Component: component,
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with context information.
// If the error is already a DBError, it enriches the existing error with
// operation and component context (only if not already set).
func Wrap(err error, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}

	if dbErr, ok := err.(*DBError); ok {
		if dbErr.Operation == "" {
			dbErr.Operation = operation
		}
		if dbErr.Component == "" {
			dbErr.Component = component
		}
		return dbErr
	}

	return &DBError{
		Code:      code,
		Category:  ErrCategorySystem,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		Cause:     err,
		Stack:     captureStack(),
	}
}

// WithHint sets the hint and returns the error for chaining.
func (e *DBError) WithHint(hint string) *DBError {
	e.Hint = hint
	return e
}

// captureStack captures the current call stack for debugging purposes.
// It skips the first 3 frames to exclude captureStack, New/Wrap, and the
// immediate caller, focusing on the actual error origin.
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// Error implements the standard Go error interface
//
// The format follows the pattern:
// [ERROR_CODE] Message: Detail (operation: Operation, component: Component) caused by: underlying error
func (e *DBError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Detail != "" {
		b.WriteString(fmt.Sprintf(": %s", e.Detail))
	}

	if e.Operation != "" {
		b.WriteString(fmt.Sprintf(" (operation: %s", e.Operation))
		if e.Component != "" {
			b.WriteString(fmt.Sprintf(", component: %s", e.Component))
		}
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(" caused by: %v", e.Cause))
	}

	return b.String()
}

// Unwrap returns the underlying cause error, enabling error chain traversal
// with Go's standard error handling functions like errors.Is and errors.As.
func (e *DBError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DBError of the same kind. A deadlock is a
// lock-acquisition failure and therefore also matches ErrLockTimeout.
func (e *DBError) Is(target error) bool {
	t, ok := target.(*DBError)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return e.Code == CodeDeadlock && t.Code == CodeLockTimeout
}

// IsRetryable reports whether retrying the whole transaction may succeed.
func IsRetryable(err error) bool {
	var dbErr *DBError
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.Category == ErrCategoryConcurrency || dbErr.Category == ErrCategoryTransient
}

// FormatStack returns a human-readable stack trace for debugging purposes.
func (e *DBError) FormatStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(e.Stack)

	b.WriteString("Stack trace:\n")
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("  %s\n    %s:%d\n",
			f.Function, f.File, f.Line))
		if !more {
			break
		}
	}

	return b.String()
}

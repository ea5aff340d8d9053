// Package errors provides the structured error type shared by every blobfs
// component, together with the table that translates backend status codes
// into POSIX error numbers.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for blobfs operations.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Remote store
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeBackendFailure ErrorCode = "STORAGE_BACKEND_FAILURE"
	ErrCodeUnmapped       ErrorCode = "STORAGE_UNMAPPED_STATUS"
	ErrCodeNetworkError   ErrorCode = "NETWORK_ERROR"

	// Filesystem
	ErrCodeFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrCodePathInvalid  ErrorCode = "PATH_INVALID"
	ErrCodeNotEmpty     ErrorCode = "DIRECTORY_NOT_EMPTY"
	ErrCodeLocalIO      ErrorCode = "FILE_LOCAL_IO"
	ErrCodeNotSupported ErrorCode = "FILE_NOT_SUPPORTED"

	// Operation
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// FSError represents a structured error with context and metadata.
type FSError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	// Status is the status code reported by the remote store, 0 when the
	// failure did not come from a remote call.
	Status int `json:"status,omitempty"`

	// Errno overrides the translated error number when non-zero.
	Errno syscall.Errno `json:"errno,omitempty"`

	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *FSError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an FSError with the same code.
func (e *FSError) Is(target error) bool {
	if t, ok := target.(*FSError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *FSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with the defaults derived from its code.
func NewError(code ErrorCode, message string) *FSError {
	return &FSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Retryable: IsRetryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(s, "OBJECT_") || strings.HasPrefix(s, "BUCKET_") ||
		strings.HasPrefix(s, "STORAGE_") || strings.HasPrefix(s, "ACCESS_"):
		return CategoryStorage
	case strings.HasPrefix(s, "FILE_") || strings.HasPrefix(s, "PATH_") ||
		strings.HasPrefix(s, "DIRECTORY_"):
		return CategoryFilesystem
	case strings.HasPrefix(s, "RETRY_") || strings.HasPrefix(s, "OPERATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBackendFailure, ErrCodeNetworkError, ErrCodeUnmapped, ErrCodeInternalError:
		return true
	}
	return false
}

// WithComponent sets the component for an error.
func (e *FSError) WithComponent(component string) *FSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *FSError) WithOperation(operation string) *FSError {
	e.Operation = operation
	return e
}

// WithPath records the filesystem path or object name involved.
func (e *FSError) WithPath(path string) *FSError {
	e.Path = path
	return e
}

// WithStatus records the backend status code.
func (e *FSError) WithStatus(status int) *FSError {
	e.Status = status
	return e
}

// WithErrno pins the error number reported to the kernel.
func (e *FSError) WithErrno(errno syscall.Errno) *FSError {
	e.Errno = errno
	return e
}

// WithCause sets the underlying cause.
func (e *FSError) WithCause(cause error) *FSError {
	e.Cause = cause
	return e
}

// NotFound builds the error returned when a path or object does not exist.
func NotFound(op, path string) *FSError {
	return NewError(ErrCodeFileNotFound, "no such file or directory").
		WithOperation(op).
		WithPath(path).
		WithErrno(syscall.ENOENT)
}

// LocalIO wraps a failure of a stat/open/unlink call against the local cache.
func LocalIO(op, path string, cause error) *FSError {
	e := NewError(ErrCodeLocalIO, "local cache I/O failed").
		WithOperation(op).
		WithPath(path).
		WithCause(cause)
	var errno syscall.Errno
	if stderr.As(cause, &errno) {
		e.Errno = errno
	}
	return e
}

// IsNotFound reports whether err means "does not exist".
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var fe *FSError
	if stderr.As(err, &fe) {
		switch fe.Code {
		case ErrCodeObjectNotFound, ErrCodeFileNotFound:
			return true
		}
		if fe.Errno == syscall.ENOENT || fe.Status == 404 {
			return true
		}
	}
	return stderr.Is(err, fs.ErrNotExist)
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var fe *FSError
	if stderr.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// CodeOf returns the code of the first FSError in err's chain.
func CodeOf(err error) ErrorCode {
	var fe *FSError
	if stderr.As(err, &fe) {
		return fe.Code
	}
	return ""
}

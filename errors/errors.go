// Package errors provides the structured error types used across docsync.
//
// Errors fall in four classes. Transient failures are Retryable and are
// retried by the replication engines with backoff. Conflicts are protocol
// state and never surface as error values. Malformed input is reported and
// skipped. Fatal errors (KindFatal) are returned to the caller immediately.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the operation that failed
type Operation string

const (
	OpReplicate       Operation = "replicate"
	OpPush            Operation = "push"
	OpPull            Operation = "pull"
	OpBulkWrite       Operation = "bulk_write"
	OpFind            Operation = "find"
	OpQuery           Operation = "query"
	OpChangesSince    Operation = "changes_since"
	OpCheckpoint      Operation = "checkpoint"
	OpConflictResolve Operation = "conflict_resolve"
	OpResolveTask     Operation = "resolve_task"
	OpTransport       Operation = "transport"
	OpCreateInstance  Operation = "create_instance"
	OpClose           Operation = "close"
	OpConfig          Operation = "config"
)

// Kind classifies an error independent of where it happened.
type Kind uint8

const (
	KindOther Kind = iota
	KindInvalid
	KindInternal
	KindNotFound
	KindConflict
	KindTransient
	KindClosed
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInternal:
		return "internal"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindClosed:
		return "closed"
	case KindFatal:
		return "fatal"
	default:
		return "other"
	}
}

var (
	// ErrUnknownHandle is returned when an operation names a storage handle
	// that was never created or has been closed.
	ErrUnknownHandle = E(Op("registry.lookup"), KindFatal, errors.New("unknown storage instance handle"))

	// ErrUnknownTask is returned when a conflict resolution names a task
	// that does not exist or was already resolved.
	ErrUnknownTask = E(OpResolveTask, KindFatal, errors.New("unknown or already resolved conflict task"))

	// ErrClosed is returned by operations on a closed instance or replication.
	ErrClosed = E(OpClose, KindClosed, errors.New("closed"))
)

// SyncError represents an error that occurred inside docsync
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "storage/sqlite", "transport/http")
	Component string

	// Kind classifies the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the error.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "replication",
		Kind:      KindConflict,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindTransient,
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Kind:      KindTransient,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain that
// carries one, or KindOther.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return KindOther
		}
		if syncErr.Kind != KindOther {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindOther
}

// IsFatal reports whether err must abort the current operation instead of
// being retried or skipped.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// Is and As re-export the standard library helpers so callers importing this
// package under the errors name keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

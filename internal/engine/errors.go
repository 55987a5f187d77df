package engine

import (
	"errors"
	"fmt"
)

// QueueError is returned by engine methods.
//
// PERSIST_FAILED never means the call was rejected: the in-memory queue
// already reflects the mutation and only the durable copy is stale.
type QueueError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// OperationID identifies the affected operation, if any.
	OperationID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// ErrCodePersistFailed indicates the snapshot could not be written.
	ErrCodePersistFailed ErrorCode = "PERSIST_FAILED"

	// ErrCodeSnapshotDiscarded indicates Initialize could not load the stored
	// snapshot and started from an empty queue.
	ErrCodeSnapshotDiscarded ErrorCode = "SNAPSHOT_DISCARDED"

	// ErrCodeInvalidArgument indicates a request was rejected before any mutation.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// ErrCodeNotFound indicates an explicit reset or resolve named an unknown id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeStaleClaim indicates a Settle for a claim that has since ended.
	ErrCodeStaleClaim ErrorCode = "STALE_CLAIM"

	// ErrCodeLocked indicates another owner holds the store key, or this
	// engine was closed.
	ErrCodeLocked ErrorCode = "LOCKED"

	// ErrCodeReadOnly indicates a mutation on an engine opened WithReadOnly.
	ErrCodeReadOnly ErrorCode = "READ_ONLY"
)

func (e *QueueError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsPersistError reports whether err is a snapshot write failure.
func IsPersistError(err error) bool { return hasCode(err, ErrCodePersistFailed) }

// IsSnapshotDiscarded reports whether Initialize dropped the stored snapshot.
func IsSnapshotDiscarded(err error) bool { return hasCode(err, ErrCodeSnapshotDiscarded) }

// IsInvalidArgument reports whether a call was rejected before mutating anything.
func IsInvalidArgument(err error) bool { return hasCode(err, ErrCodeInvalidArgument) }

// IsNotFound reports whether err names an unknown operation.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsStaleClaim reports whether a Settle arrived after its claim ended.
func IsStaleClaim(err error) bool { return hasCode(err, ErrCodeStaleClaim) }

// IsLocked reports whether the queue is owned elsewhere.
func IsLocked(err error) bool { return hasCode(err, ErrCodeLocked) }

// IsReadOnly reports whether a mutation hit a read-only engine.
func IsReadOnly(err error) bool { return hasCode(err, ErrCodeReadOnly) }

func newPersistError(err error) *QueueError {
	return &QueueError{
		Code:    ErrCodePersistFailed,
		Message: "queue snapshot not persisted; in-memory state is ahead of storage",
		Err:     err,
	}
}

func newInvalidArgument(format string, args ...any) *QueueError {
	return &QueueError{
		Code:    ErrCodeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
	}
}

func newNotFound(id string) *QueueError {
	return &QueueError{
		Code:        ErrCodeNotFound,
		Message:     "no such operation",
		OperationID: id,
	}
}

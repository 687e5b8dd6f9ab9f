package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDescriptorInvalid is returned synchronously by Enqueue for malformed input
	ErrDescriptorInvalid = errors.New("attachment descriptor invalid")

	// ErrTransferFailed matches every TransferError via errors.Is
	ErrTransferFailed = errors.New("attachment transfer failed")

	// ErrNotFound is returned when an attachment identifier is unknown
	ErrNotFound = errors.New("attachment record not found")

	// ErrNotRetryable is returned by Retry when the record is not Failed
	ErrNotRetryable = errors.New("attachment record is not in a retryable state")

	// ErrEngineStopped is returned once the engine has been stopped
	ErrEngineStopped = errors.New("queue engine stopped")
)

// FailureKind classifies why a transfer failed
type FailureKind string

// Failure kinds reported by executors
const (
	FailureNetwork   FailureKind = "NETWORK"
	FailureStorage   FailureKind = "STORAGE"
	FailureCancelled FailureKind = "CANCELLED"
)

// TransferError is the typed failure returned by an Executor.
// Use errors.As to inspect Kind; errors.Is(err, ErrTransferFailed) is always true.
type TransferError struct {
	Kind FailureKind
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s error: %v", strings.ToLower(string(e.Kind)), e.Err)
}

// Unwrap returns the underlying cause
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is makes every TransferError match ErrTransferFailed
func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

// NetworkError wraps err as a network transfer failure
func NetworkError(err error) *TransferError {
	return &TransferError{Kind: FailureNetwork, Err: err}
}

// StorageError wraps err as a local persistence failure
func StorageError(err error) *TransferError {
	return &TransferError{Kind: FailureStorage, Err: err}
}

// CancelledError wraps err as a cancelled transfer
func CancelledError(err error) *TransferError {
	return &TransferError{Kind: FailureCancelled, Err: err}
}

// AsTransferError normalizes any executor error into a TransferError.
// Untyped errors are classified as cancellations when they come from a
// cancelled context and as network failures otherwise.
func AsTransferError(err error) *TransferError {
	if err == nil {
		return nil
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, context.Canceled) {
		return CancelledError(err)
	}

	return NetworkError(err)
}

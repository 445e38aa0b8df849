package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount occurs when an operation amount is zero, negative, or
	// carries more precision than two fractional digits. Never retried.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds occurs when a withdrawal exceeds the balance at the
	// atomic check point. Terminal, surfaced to the caller.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidTransition indicates an attempted status change on an entry
	// that already reached a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEntryNotFound indicates the referenced ledger entry does not exist.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// StorageError wraps a transient infrastructure failure. Operations failing
// with a StorageError are safe to redeliver.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Retryable reports whether the error is a transient storage fault worth
// redelivering, as opposed to a terminal domain outcome.
func Retryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

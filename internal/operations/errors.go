package operations

import (
	"errors"
	"fmt"

	"github.com/1am3/excdev-test-lab/internal/money"
)

// ErrDuplicateOperation indicates the supplied idempotency key was already
// used; the operation is treated as a replay of the original outcome.
var ErrDuplicateOperation = errors.New("duplicate operation")

// ErrOperationInFlight indicates another delivery holding the same idempotency
// key has started but not finished. The outcome is unknown, so there is
// nothing to replay yet.
var ErrOperationInFlight = errors.New("operation already in flight")

// TransferPartialError reports a transfer whose withdrawal leg completed but
// whose deposit leg did not. Funds are debited and not credited; the error
// carries the completed withdrawal entry id so operators can reconcile.
type TransferPartialError struct {
	FromUserID        string
	ToUserID          string
	Amount            money.Amount
	WithdrawalEntryID int64
	Err               error
}

func (e *TransferPartialError) Error() string {
	return fmt.Sprintf("transfer partially failed: debited %s from user %s (entry %d) but credit to user %s failed: %v",
		e.Amount, e.FromUserID, e.WithdrawalEntryID, e.ToUserID, e.Err)
}

func (e *TransferPartialError) Unwrap() error {
	return e.Err
}

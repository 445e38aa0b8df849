package account

import (
	"context"
	"errors"

	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/money"
)

// Account is the balance + history aggregate for a single user. It is a
// logical handle over the shared ledger store, not an exclusive owner of a
// connection; the store enforces mutual exclusion per user.
type Account struct {
	userID string
	store  ledger.Store
}

// New returns an account handle for the given user.
func New(userID string, store ledger.Store) *Account {
	return &Account{userID: userID, store: store}
}

// UserID returns the owning user identifier.
func (a *Account) UserID() string {
	return a.userID
}

// EnsureInitialized materializes the balance record from completed history if
// absent. Called once when an account handle enters service so that reads stay
// side-effect free.
func (a *Account) EnsureInitialized(ctx context.Context) error {
	return a.store.EnsureInitialized(ctx, a.userID)
}

// Deposit credits the account and appends a completed entry. Amounts must be
// strictly positive; validation failures never reach storage.
func (a *Account) Deposit(ctx context.Context, amount money.Amount, description string) (ledger.Entry, error) {
	if !amount.Positive() {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	return a.store.Deposit(ctx, a.userID, amount, description)
}

// Withdraw debits the account, failing with ErrInsufficientFunds when the
// balance cannot cover the amount at the atomic check. Withdrawing the exact
// balance succeeds.
func (a *Account) Withdraw(ctx context.Context, amount money.Amount, description string) (ledger.Entry, error) {
	if !amount.Positive() {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	return a.store.Withdraw(ctx, a.userID, amount, description)
}

// TryWithdraw behaves like Withdraw but converts the insufficient-funds case
// into a recorded failed entry instead of an error. The boolean reports
// whether funds actually moved.
func (a *Account) TryWithdraw(ctx context.Context, amount money.Amount, description string) (ledger.Entry, bool, error) {
	entry, err := a.Withdraw(ctx, amount, description)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		return ledger.Entry{}, false, err
	}

	failed, recErr := a.store.RecordFailedWithdrawal(ctx, a.userID, amount, description)
	if recErr != nil {
		return ledger.Entry{}, false, recErr
	}
	return failed, false, nil
}

// CurrentBalance returns the materialized balance. Pure read.
func (a *Account) CurrentBalance(ctx context.Context) (money.Amount, error) {
	return a.store.Balance(ctx, a.userID)
}

// HasEnough reports whether the balance covers the amount. Callers must not
// use this as a pre-check before Withdraw; the withdraw itself re-validates
// under the same lock.
func (a *Account) HasEnough(ctx context.Context, amount money.Amount) (bool, error) {
	balance, err := a.CurrentBalance(ctx)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// History lists the account's entries newest first, optionally time-bounded.
// Pure read; an account with no entries yields an empty history.
func (a *Account) History(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Entry, error) {
	return a.store.Entries(ctx, a.userID, filter)
}

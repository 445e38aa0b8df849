package ledger

import (
	"context"

	"github.com/1am3/excdev-test-lab/internal/money"
)

// Store is the contract implemented by ledger backends (e.g. Postgres). Every
// mutating call is atomic for a single user: the entry row and the materialized
// balance either both persist or neither does, and concurrent mutators of the
// same user serialize against each other inside the store.
type Store interface {
	// Deposit appends a completed deposit entry and raises the materialized
	// balance, creating the balance record lazily when absent.
	Deposit(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error)

	// Withdraw appends a completed withdrawal entry and lowers the balance.
	// Returns ErrInsufficientFunds, with no entry written, when the balance
	// cannot cover the amount at the locked read.
	Withdraw(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error)

	// RecordFailedWithdrawal appends a terminal failed entry documenting a
	// rejected withdrawal request. Balance snapshots are equal and the
	// materialized balance is untouched.
	RecordFailedWithdrawal(ctx context.Context, userID string, amount money.Amount, description string) (Entry, error)

	// CreatePending appends a pending entry for an operation whose outcome is
	// not yet known. Balance snapshots stay unset until completion.
	CreatePending(ctx context.Context, userID string, kind Kind, amount money.Amount, description string) (Entry, error)

	// Complete applies a pending entry to the balance and marks it completed.
	// Fails with ErrInvalidTransition for terminal entries and
	// ErrInsufficientFunds for uncoverable pending withdrawals.
	Complete(ctx context.Context, entryID int64) (Entry, error)

	// Fail marks a pending entry failed without touching the balance.
	Fail(ctx context.Context, entryID int64) (Entry, error)

	// Cancel marks a pending entry cancelled without touching the balance.
	Cancel(ctx context.Context, entryID int64) (Entry, error)

	// Entry fetches a single entry by id.
	Entry(ctx context.Context, entryID int64) (Entry, error)

	// Balance reads the materialized balance. A user without a balance record
	// yields the sum of their completed entries, without persisting anything.
	Balance(ctx context.Context, userID string) (money.Amount, error)

	// EnsureInitialized materializes the balance record from the completed
	// entry history if it does not exist yet. Idempotent.
	EnsureInitialized(ctx context.Context, userID string) error

	// Entries lists a user's history ordered by creation time descending,
	// optionally bounded by the filter. Unknown users yield an empty list.
	Entries(ctx context.Context, userID string, filter HistoryFilter) ([]Entry, error)
}

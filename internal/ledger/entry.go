package ledger

import (
	"time"

	"github.com/1am3/excdev-test-lab/internal/money"
)

// Kind identifies the direction of a ledger entry.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// Status tracks the lifecycle of a ledger entry. Pending entries may move to
// any terminal status; terminal entries never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Entry is one immutable audit record of a balance operation. Once an entry
// reaches a terminal status its amount, kind, owner and balance snapshots are
// frozen; corrections happen via new compensating entries.
type Entry struct {
	ID            int64
	UserID        string
	Kind          Kind
	Amount        money.Amount
	BalanceBefore money.Amount
	BalanceAfter  money.Amount
	Status        Status
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Completed reports whether the entry counted toward the materialized balance.
func (e Entry) Completed() bool {
	return e.Status == StatusCompleted
}

// HistoryFilter bounds a history query by creation time. Zero values mean
// unbounded on that side.
type HistoryFilter struct {
	From time.Time
	To   time.Time
}

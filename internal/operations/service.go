package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/1am3/excdev-test-lab/internal/account"
	"github.com/1am3/excdev-test-lab/internal/async"
	"github.com/1am3/excdev-test-lab/internal/events"
	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/logging"
	"github.com/1am3/excdev-test-lab/internal/money"
)

// Service orchestrates balance operations over accounts. It owns no state
// itself: balances and entries live in the store, idempotency reservations in
// the key store.
type Service struct {
	store  ledger.Store
	keys   KeyStore
	events events.Publisher
	logger *slog.Logger
}

// NewService builds the ledger service. The key store and publisher are
// optional; a nil key store disables idempotency-key deduplication.
func NewService(store ledger.Store, keys KeyStore, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, keys: keys, events: publisher, logger: logger}
}

// OperationInput captures a single-account operation request.
type OperationInput struct {
	UserID         string
	Amount         money.Amount
	Description    string
	IdempotencyKey string
}

// TransferInput captures a funds movement between two users.
type TransferInput struct {
	FromUserID     string
	ToUserID       string
	Amount         money.Amount
	Description    string
	IdempotencyKey string
}

// TransferResult holds the two entries a successful transfer produces.
type TransferResult struct {
	Withdrawal ledger.Entry
	Deposit    ledger.Entry
}

// Deposit credits the user's account. With an idempotency key, a redelivered
// request replays the original entry under ErrDuplicateOperation.
func (s *Service) Deposit(ctx context.Context, input OperationInput) (ledger.Entry, error) {
	if !input.Amount.Positive() {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}

	if replayed, done, err := s.beginKeyed(ctx, input.IdempotencyKey); done || err != nil {
		if err != nil {
			return ledger.Entry{}, err
		}
		return replayed[0], ErrDuplicateOperation
	}

	entry, err := account.New(input.UserID, s.store).Deposit(ctx, input.Amount, input.Description)
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey)
		return ledger.Entry{}, err
	}
	s.bindKey(ctx, input.IdempotencyKey, entry.ID)

	s.logger.Info("deposit completed",
		"user_id", input.UserID,
		"entry_id", entry.ID,
		"amount", entry.Amount.String(),
		"balance_after", entry.BalanceAfter.String(),
	)
	s.publish(ctx, events.KindOperationCompleted, entry)
	return entry, nil
}

// Withdraw debits the user's account. ErrInsufficientFunds is a terminal
// domain outcome, never retried.
func (s *Service) Withdraw(ctx context.Context, input OperationInput) (ledger.Entry, error) {
	if !input.Amount.Positive() {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}

	if replayed, done, err := s.beginKeyed(ctx, input.IdempotencyKey); done || err != nil {
		if err != nil {
			return ledger.Entry{}, err
		}
		return replayed[0], ErrDuplicateOperation
	}

	entry, err := account.New(input.UserID, s.store).Withdraw(ctx, input.Amount, input.Description)
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey)
		return ledger.Entry{}, err
	}
	s.bindKey(ctx, input.IdempotencyKey, entry.ID)

	s.logger.Info("withdrawal completed",
		"user_id", input.UserID,
		"entry_id", entry.ID,
		"amount", entry.Amount.String(),
		"balance_after", entry.BalanceAfter.String(),
	)
	s.publish(ctx, events.KindOperationCompleted, entry)
	return entry, nil
}

// TryWithdraw debits the account when funds allow, otherwise records the
// rejected request as a failed entry. The boolean reports whether funds moved.
func (s *Service) TryWithdraw(ctx context.Context, input OperationInput) (ledger.Entry, bool, error) {
	if !input.Amount.Positive() {
		return ledger.Entry{}, false, ledger.ErrInvalidAmount
	}

	if replayed, done, err := s.beginKeyed(ctx, input.IdempotencyKey); done || err != nil {
		if err != nil {
			return ledger.Entry{}, false, err
		}
		entry := replayed[0]
		return entry, entry.Completed(), ErrDuplicateOperation
	}

	entry, ok, err := account.New(input.UserID, s.store).TryWithdraw(ctx, input.Amount, input.Description)
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey)
		return ledger.Entry{}, false, err
	}
	s.bindKey(ctx, input.IdempotencyKey, entry.ID)

	if ok {
		s.logger.Info("withdrawal completed",
			"user_id", input.UserID,
			"entry_id", entry.ID,
			"amount", entry.Amount.String(),
			"balance_after", entry.BalanceAfter.String(),
		)
		s.publish(ctx, events.KindOperationCompleted, entry)
	} else {
		s.logger.Info("withdrawal rejected and recorded",
			"user_id", input.UserID,
			"entry_id", entry.ID,
			"amount", entry.Amount.String(),
		)
	}
	return entry, ok, nil
}

// Transfer withdraws from one user and deposits into another. Each leg is
// atomic on its own account; the pair is not globally atomic. When the
// deposit leg fails after the withdrawal completed, the result carries the
// withdrawal entry and the error is a TransferPartialError pointing at it.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if !input.Amount.Positive() {
		return TransferResult{}, ledger.ErrInvalidAmount
	}

	if replayed, done, err := s.beginKeyed(ctx, input.IdempotencyKey); done || err != nil {
		if err != nil {
			return TransferResult{}, err
		}
		res := TransferResult{Withdrawal: replayed[0]}
		if len(replayed) > 1 {
			res.Deposit = replayed[1]
		}
		return res, ErrDuplicateOperation
	}

	withdrawDesc := input.Description
	if withdrawDesc == "" {
		withdrawDesc = fmt.Sprintf("transfer to user %s", input.ToUserID)
	}
	depositDesc := input.Description
	if depositDesc == "" {
		depositDesc = fmt.Sprintf("transfer from user %s", input.FromUserID)
	}

	// The withdrawal leg performs the funds check atomically; there is no
	// separate pre-check that could race.
	wd, err := account.New(input.FromUserID, s.store).Withdraw(ctx, input.Amount, withdrawDesc)
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey)
		return TransferResult{}, err
	}

	dep, err := account.New(input.ToUserID, s.store).Deposit(ctx, input.Amount, depositDesc)
	if err != nil {
		// Funds are debited but not credited. Keep the idempotency
		// reservation so a redelivery cannot debit a second time; the
		// reconciliation happens manually against the withdrawal entry.
		partial := &TransferPartialError{
			FromUserID:        input.FromUserID,
			ToUserID:          input.ToUserID,
			Amount:            input.Amount,
			WithdrawalEntryID: wd.ID,
			Err:               err,
		}
		s.logger.Error("transfer partially failed, manual reconciliation required",
			"from_user_id", input.FromUserID,
			"to_user_id", input.ToUserID,
			"amount", input.Amount.String(),
			"withdrawal_entry_id", wd.ID,
			"error", err,
		)
		return TransferResult{Withdrawal: wd}, partial
	}
	s.bindKey(ctx, input.IdempotencyKey, wd.ID, dep.ID)

	s.logger.Info("transfer completed",
		"from_user_id", input.FromUserID,
		"to_user_id", input.ToUserID,
		"amount", input.Amount.String(),
		"withdrawal_entry_id", wd.ID,
		"deposit_entry_id", dep.ID,
	)
	s.publish(ctx, events.KindTransferCompleted, wd)
	s.publish(ctx, events.KindTransferCompleted, dep)
	return TransferResult{Withdrawal: wd, Deposit: dep}, nil
}

// GetBalance returns the user's materialized balance. Pure read.
func (s *Service) GetBalance(ctx context.Context, userID string) (money.Amount, error) {
	return account.New(userID, s.store).CurrentBalance(ctx)
}

// HasEnoughBalance reports whether the balance covers the amount. Advisory
// only: mutations re-validate under their own lock.
func (s *Service) HasEnoughBalance(ctx context.Context, userID string, amount money.Amount) (bool, error) {
	return account.New(userID, s.store).HasEnough(ctx, amount)
}

// History lists a user's entries newest first. Unknown users yield an empty
// history, not an error.
func (s *Service) History(ctx context.Context, userID string, filter ledger.HistoryFilter) ([]ledger.Entry, error) {
	return account.New(userID, s.store).History(ctx, filter)
}

// EnsureAccount materializes the balance record for a user. Idempotent.
func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	return account.New(userID, s.store).EnsureInitialized(ctx)
}

// CompleteOperation settles a pending entry, applying it to the balance.
func (s *Service) CompleteOperation(ctx context.Context, entryID int64) (ledger.Entry, error) {
	entry, err := s.store.Complete(ctx, entryID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			s.logger.Error("attempted transition on terminal entry", "entry_id", entryID)
		}
		return ledger.Entry{}, err
	}
	s.publish(ctx, events.KindOperationCompleted, entry)
	return entry, nil
}

// FailOperation marks a pending entry failed without moving funds.
func (s *Service) FailOperation(ctx context.Context, entryID int64) (ledger.Entry, error) {
	return s.store.Fail(ctx, entryID)
}

// CancelOperation marks a pending entry cancelled without moving funds.
func (s *Service) CancelOperation(ctx context.Context, entryID int64) (ledger.Entry, error) {
	return s.store.Cancel(ctx, entryID)
}

// Process executes a deferred operation request on behalf of an async runner.
// Domain rejections are absorbed here (the ledger keeps the durable record);
// only retry-eligible storage faults propagate so the runner redelivers.
func (s *Service) Process(ctx context.Context, req async.Request) error {
	switch req.Kind {
	case async.RequestDeposit:
		_, err := s.Deposit(ctx, OperationInput{
			UserID:         req.UserID,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
		})
		return s.absorbDelivered(err)
	case async.RequestWithdraw:
		_, _, err := s.TryWithdraw(ctx, OperationInput{
			UserID:         req.UserID,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
		})
		return s.absorbDelivered(err)
	case async.RequestTransfer:
		_, err := s.Transfer(ctx, TransferInput{
			FromUserID:     req.UserID,
			ToUserID:       req.ToUserID,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
		})
		var partial *TransferPartialError
		if errors.As(err, &partial) {
			// The withdrawal leg committed, so redelivering would debit the
			// source again. Break the unwrap chain to the storage fault so
			// the runner treats this as terminal; the withdrawal entry is
			// the durable record for reconciliation.
			return fmt.Errorf("transfer needs manual reconciliation, withdrawal entry %d: %v", partial.WithdrawalEntryID, partial.Err)
		}
		return s.absorbDelivered(err)
	default:
		return fmt.Errorf("unknown operation request kind %q", req.Kind)
	}
}

// absorbDelivered swallows outcomes that mean the request was already handled:
// a bound replay, or a concurrent delivery that owns the key.
func (s *Service) absorbDelivered(err error) error {
	if errors.Is(err, ErrDuplicateOperation) || errors.Is(err, ErrOperationInFlight) {
		return nil
	}
	return err
}

// beginKeyed resolves the idempotency key. It returns the replayed entries
// with done=true when the key was already bound, reserves the key otherwise.
func (s *Service) beginKeyed(ctx context.Context, key string) ([]ledger.Entry, bool, error) {
	if s.keys == nil || key == "" {
		return nil, false, nil
	}

	ids, bound, err := s.keys.Lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if bound {
		entries := make([]ledger.Entry, 0, len(ids))
		for _, id := range ids {
			entry, err := s.store.Entry(ctx, id)
			if err != nil {
				return nil, false, err
			}
			entries = append(entries, entry)
		}
		if len(entries) == 0 {
			return nil, false, ErrOperationInFlight
		}
		return entries, true, nil
	}

	reserved, err := s.keys.Reserve(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !reserved {
		// Another delivery of the same request started first and has not
		// bound its entries yet. Its outcome is unknown, so this is not a
		// replay.
		return nil, false, ErrOperationInFlight
	}
	return nil, false, nil
}

func (s *Service) bindKey(ctx context.Context, key string, entryIDs ...int64) {
	if s.keys == nil || key == "" {
		return
	}
	if err := s.keys.Bind(ctx, key, entryIDs); err != nil {
		s.logger.Warn("failed to bind idempotency key", "key", key, "error", err)
	}
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if s.keys == nil || key == "" {
		return
	}
	if err := s.keys.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, kind string, entry ledger.Entry) {
	if s.events == nil {
		return
	}
	event := events.OperationEvent{
		Kind:          kind,
		EntryID:       entry.ID,
		UserID:        entry.UserID,
		OperationKind: string(entry.Kind),
		Amount:        entry.Amount.String(),
		BalanceAfter:  entry.BalanceAfter.String(),
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish operation event", "entry_id", entry.ID, "error", err)
	}
}

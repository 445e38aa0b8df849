package operations

import (
	"context"
	"errors"
	"testing"

	"github.com/1am3/excdev-test-lab/internal/async"
	"github.com/1am3/excdev-test-lab/internal/events"
	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/logging"
	"github.com/1am3/excdev-test-lab/internal/money"
)

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.Parse(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

type capturingPublisher struct {
	published []events.OperationEvent
}

func (p *capturingPublisher) Publish(_ context.Context, event events.OperationEvent) error {
	p.published = append(p.published, event)
	return nil
}

// depositFailingStore fails every deposit, forcing the transfer deposit leg
// to break after the withdrawal committed.
type depositFailingStore struct {
	ledger.Store
}

func (s *depositFailingStore) Deposit(context.Context, string, money.Amount, string) (ledger.Entry, error) {
	return ledger.Entry{}, &ledger.StorageError{Op: "insert entry", Err: errors.New("connection reset")}
}

func TestServiceDepositAndWithdraw(t *testing.T) {
	store := ledger.NewMemoryStore()
	publisher := &capturingPublisher{}
	svc := NewService(store, nil, publisher, logging.Discard())
	ctx := context.Background()

	dep, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "1000.00")})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if dep.BalanceAfter != amt(t, "1000.00") {
		t.Fatalf("unexpected balance after deposit: %s", dep.BalanceAfter)
	}

	wd, err := svc.Withdraw(ctx, OperationInput{UserID: "alice", Amount: amt(t, "300.00")})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if wd.BalanceAfter != amt(t, "700.00") {
		t.Fatalf("unexpected balance after withdrawal: %s", wd.BalanceAfter)
	}

	if len(publisher.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(publisher.published))
	}

	if _, err := svc.Withdraw(ctx, OperationInput{UserID: "alice", Amount: amt(t, "800.00")}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestServiceWithdrawFromUnknownUserIsInsufficient(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore(), nil, nil, logging.Discard())

	// An unknown user has an implicit zero balance, not a missing account.
	_, err := svc.Withdraw(context.Background(), OperationInput{UserID: "ghost", Amount: amt(t, "1.00")})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestServiceTransferSuccess(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, nil, nil, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "500.00")}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	res, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: amt(t, "200.00")})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Withdrawal.BalanceAfter != amt(t, "300.00") {
		t.Fatalf("expected source balance 300.00, got %s", res.Withdrawal.BalanceAfter)
	}
	if res.Deposit.BalanceAfter != amt(t, "200.00") {
		t.Fatalf("expected destination balance 200.00, got %s", res.Deposit.BalanceAfter)
	}

	fromBalance, _ := svc.GetBalance(ctx, "alice")
	toBalance, _ := svc.GetBalance(ctx, "bob")
	if fromBalance != amt(t, "300.00") || toBalance != amt(t, "200.00") {
		t.Fatalf("balances diverged: from=%s to=%s", fromBalance, toBalance)
	}
}

func TestServiceTransferInsufficientLeavesNoTrace(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, nil, nil, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "100.00")}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	_, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: amt(t, "150.00")})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	fromBalance, _ := svc.GetBalance(ctx, "alice")
	toBalance, _ := svc.GetBalance(ctx, "bob")
	if fromBalance != amt(t, "100.00") || toBalance != 0 {
		t.Fatalf("failed transfer must not move funds: from=%s to=%s", fromBalance, toBalance)
	}

	bobHistory, _ := svc.History(ctx, "bob", ledger.HistoryFilter{})
	if len(bobHistory) != 0 {
		t.Fatalf("failed transfer must create no destination entries, got %d", len(bobHistory))
	}
}

func TestServiceTransferPartialFailure(t *testing.T) {
	base := ledger.NewMemoryStore()
	svc := NewService(&depositFailingStore{Store: base}, nil, nil, logging.Discard())
	ctx := context.Background()

	// Seed outside of the failing wrapper.
	if _, err := base.Deposit(ctx, "alice", amt(t, "500.00"), ""); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	res, err := svc.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: amt(t, "200.00")})

	var partial *TransferPartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected TransferPartialError, got %v", err)
	}
	if partial.WithdrawalEntryID == 0 || partial.WithdrawalEntryID != res.Withdrawal.ID {
		t.Fatalf("partial error must name the withdrawal entry: %+v", partial)
	}
	if partial.FromUserID != "alice" || partial.ToUserID != "bob" {
		t.Fatalf("partial error must carry both parties: %+v", partial)
	}

	// The withdrawal leg committed; the money is debited, not credited.
	fromBalance, _ := base.Balance(ctx, "alice")
	if fromBalance != amt(t, "300.00") {
		t.Fatalf("expected source balance 300.00 after partial failure, got %s", fromBalance)
	}
}

// A transfer whose withdrawal committed must never be redelivered: without an
// idempotency key every redelivery would debit the source again. The error
// Process reports for it therefore has to classify as non-retryable even
// though the underlying deposit failure was a storage fault.
func TestProcessPartialTransferIsNotRetryEligible(t *testing.T) {
	base := ledger.NewMemoryStore()
	svc := NewService(&depositFailingStore{Store: base}, nil, nil, logging.Discard())
	ctx := context.Background()

	if _, err := base.Deposit(ctx, "alice", amt(t, "500.00"), ""); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	err := svc.Process(ctx, async.Request{
		Kind:     async.RequestTransfer,
		UserID:   "alice",
		ToUserID: "bob",
		Amount:   amt(t, "200.00"),
	})
	if err == nil {
		t.Fatal("expected an error for the broken deposit leg")
	}
	if ledger.Retryable(err) {
		t.Fatalf("partial transfer must be terminal, got retry-eligible %v", err)
	}

	// Exactly one debit happened for the one delivery attempt.
	balance, _ := base.Balance(ctx, "alice")
	if balance != amt(t, "300.00") {
		t.Fatalf("expected single debit to 300.00, got %s", balance)
	}
}

// A plain storage fault before any leg commits stays retry-eligible.
func TestProcessStorageFaultStaysRetryEligible(t *testing.T) {
	svc := NewService(&depositFailingStore{Store: ledger.NewMemoryStore()}, nil, nil, logging.Discard())

	err := svc.Process(context.Background(), async.Request{
		Kind:   async.RequestDeposit,
		UserID: "alice",
		Amount: amt(t, "10.00"),
	})
	if !ledger.Retryable(err) {
		t.Fatalf("expected retry-eligible storage fault, got %v", err)
	}
}

func TestServiceInFlightKeyIsNotAReplay(t *testing.T) {
	keys := NewMemoryKeyStore()
	store := ledger.NewMemoryStore()
	svc := NewService(store, keys, nil, logging.Discard())
	ctx := context.Background()

	// Simulate a concurrent first delivery that reserved the key but has not
	// bound its entries yet.
	if ok, err := keys.Reserve(ctx, "dep-1"); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}

	entry, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "100.00"), IdempotencyKey: "dep-1"})
	if !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected ErrOperationInFlight, got %v", err)
	}
	if errors.Is(err, ErrDuplicateOperation) {
		t.Fatal("in-flight must not classify as a replay")
	}
	if entry.ID != 0 {
		t.Fatalf("no entry may be produced while the key is in flight, got id %d", entry.ID)
	}

	balance, _ := store.Balance(ctx, "alice")
	if balance != 0 {
		t.Fatalf("in-flight rejection must not move funds, balance %s", balance)
	}
}

func TestServiceIdempotentDeposit(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, NewMemoryKeyStore(), nil, logging.Discard())
	ctx := context.Background()

	input := OperationInput{UserID: "alice", Amount: amt(t, "100.00"), IdempotencyKey: "req-1"}

	first, err := svc.Deposit(ctx, input)
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	second, err := svc.Deposit(ctx, input)
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay must return the original entry: %d vs %d", second.ID, first.ID)
	}

	balance, _ := svc.GetBalance(ctx, "alice")
	if balance != amt(t, "100.00") {
		t.Fatalf("redelivered deposit must not double-credit, balance %s", balance)
	}
}

func TestServiceIdempotentTransferReplay(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, NewMemoryKeyStore(), nil, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "500.00")}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	input := TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: amt(t, "200.00"), IdempotencyKey: "tx-1"}
	first, err := svc.Transfer(ctx, input)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	replayed, err := svc.Transfer(ctx, input)
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
	if replayed.Withdrawal.ID != first.Withdrawal.ID || replayed.Deposit.ID != first.Deposit.ID {
		t.Fatalf("replay must return the original entries")
	}

	fromBalance, _ := svc.GetBalance(ctx, "alice")
	if fromBalance != amt(t, "300.00") {
		t.Fatalf("redelivered transfer must not double-debit, balance %s", fromBalance)
	}
}

func TestServiceKeyReleasedOnValidationFailure(t *testing.T) {
	keys := NewMemoryKeyStore()
	svc := NewService(ledger.NewMemoryStore(), keys, nil, logging.Discard())
	ctx := context.Background()

	// Insufficient funds releases the reservation so a corrected retry with
	// the same key is allowed.
	input := OperationInput{UserID: "alice", Amount: amt(t, "50.00"), IdempotencyKey: "wd-1"}
	if _, err := svc.Withdraw(ctx, input); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "100.00")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Withdraw(ctx, input); err != nil {
		t.Fatalf("retry with same key after release: %v", err)
	}
}

func TestServiceHasEnoughBalance(t *testing.T) {
	svc := NewService(ledger.NewMemoryStore(), nil, nil, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "100.00")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ok, err := svc.HasEnoughBalance(ctx, "alice", amt(t, "100.00"))
	if err != nil || !ok {
		t.Fatalf("exact balance must be enough, ok=%v err=%v", ok, err)
	}
	ok, err = svc.HasEnoughBalance(ctx, "alice", amt(t, "100.01"))
	if err != nil || ok {
		t.Fatalf("expected not enough, ok=%v err=%v", ok, err)
	}
}

func TestServicePendingAdministration(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, nil, nil, logging.Discard())
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, OperationInput{UserID: "alice", Amount: amt(t, "100.00")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pending, err := store.CreatePending(ctx, "alice", ledger.KindWithdrawal, amt(t, "30.00"), "scheduled")
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	done, err := svc.CompleteOperation(ctx, pending.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.BalanceAfter != amt(t, "70.00") {
		t.Fatalf("expected balance 70.00, got %s", done.BalanceAfter)
	}

	if _, err := svc.CancelOperation(ctx, pending.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

package account

import (
	"context"
	"errors"
	"testing"

	"github.com/1am3/excdev-test-lab/internal/ledger"
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

func TestAccountDepositAndBalance(t *testing.T) {
	store := ledger.NewMemoryStore()
	acct := New("user-1", store)
	ctx := context.Background()

	if err := acct.EnsureInitialized(ctx); err != nil {
		t.Fatalf("ensure initialized: %v", err)
	}

	entry, err := acct.Deposit(ctx, amt(t, "1000.00"), "salary")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if entry.BalanceAfter != amt(t, "1000.00") {
		t.Fatalf("expected balance after 1000.00, got %s", entry.BalanceAfter)
	}

	balance, err := acct.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("current balance: %v", err)
	}
	if balance != amt(t, "1000.00") {
		t.Fatalf("expected 1000.00, got %s", balance)
	}
}

func TestAccountRejectsNonPositiveAmounts(t *testing.T) {
	store := ledger.NewMemoryStore()
	acct := New("user-1", store)
	ctx := context.Background()

	if _, err := acct.Deposit(ctx, 0, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := acct.Withdraw(ctx, money.FromMinorUnits(-1), ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAccountTryWithdraw(t *testing.T) {
	store := ledger.NewMemoryStore()
	acct := New("user-1", store)
	ctx := context.Background()

	// Nothing on the account: the attempt is recorded, not raised.
	entry, ok, err := acct.TryWithdraw(ctx, amt(t, "500.00"), "payout attempt")
	if err != nil {
		t.Fatalf("try withdraw: %v", err)
	}
	if ok {
		t.Fatal("expected withdrawal to be rejected")
	}
	if entry.Status != ledger.StatusFailed {
		t.Fatalf("expected failed entry, got %s", entry.Status)
	}
	if entry.BalanceBefore != 0 || entry.BalanceAfter != 0 {
		t.Fatalf("failed entry must snapshot zero balance: %+v", entry)
	}

	if _, err := acct.Deposit(ctx, amt(t, "800.00"), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	entry, ok, err = acct.TryWithdraw(ctx, amt(t, "500.00"), "payout")
	if err != nil {
		t.Fatalf("try withdraw funded: %v", err)
	}
	if !ok || entry.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed withdrawal, got ok=%v status=%s", ok, entry.Status)
	}

	history, err := acct.History(ctx, ledger.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries (failed, deposit, withdrawal), got %d", len(history))
	}
}

func TestAccountHasEnough(t *testing.T) {
	store := ledger.NewMemoryStore()
	acct := New("user-1", store)
	ctx := context.Background()

	if _, err := acct.Deposit(ctx, amt(t, "100.00"), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ok, err := acct.HasEnough(ctx, amt(t, "100.00"))
	if err != nil || !ok {
		t.Fatalf("exact balance must be enough, ok=%v err=%v", ok, err)
	}
	ok, err = acct.HasEnough(ctx, amt(t, "100.01"))
	if err != nil || ok {
		t.Fatalf("one cent above balance must not be enough, ok=%v err=%v", ok, err)
	}
}

func TestAccountBalanceReadIsPure(t *testing.T) {
	store := ledger.NewMemoryStore()
	acct := New("user-1", store)
	ctx := context.Background()

	if _, err := acct.Deposit(ctx, amt(t, "10.00"), ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	first, err := acct.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	second, err := acct.CurrentBalance(ctx)
	if err != nil {
		t.Fatalf("balance again: %v", err)
	}
	if first != second {
		t.Fatalf("repeated reads must agree: %s vs %s", first, second)
	}
}

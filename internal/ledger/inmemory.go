package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/1am3/excdev-test-lab/internal/money"
)

type memoryStore struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	balances map[string]money.Amount
	entries  map[int64]Entry
	nextID   int64
}

// NewMemoryStore creates a concurrency-safe in-memory ledger store. It backs
// unit tests and local development without Postgres.
func NewMemoryStore() Store {
	return &memoryStore{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]money.Amount),
		entries:  make(map[int64]Entry),
	}
}

// userLock returns the serialization mutex for one user, creating it on first
// use. Mutations hold this lock for the whole read-modify-write so two racing
// mutators can never act on the same stale balance.
func (s *memoryStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *memoryStore) appendEntry(e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

func (s *memoryStore) appendEntryLocked(e Entry) Entry {
	s.nextID++
	e.ID = s.nextID
	s.entries[e.ID] = e
	return e
}

func (s *memoryStore) currentBalanceLocked(userID string) money.Amount {
	if b, ok := s.balances[userID]; ok {
		return b
	}
	return s.completedSumLocked(userID)
}

func (s *memoryStore) completedSumLocked(userID string) money.Amount {
	var sum money.Amount
	for _, e := range s.entries {
		if e.UserID != userID || !e.Completed() {
			continue
		}
		if e.Kind == KindDeposit {
			sum += e.Amount
		} else {
			sum -= e.Amount
		}
	}
	return sum
}

func (s *memoryStore) Deposit(_ context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// Entry append and balance write share one critical section so readers
	// never see the new entry next to a stale balance.
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.currentBalanceLocked(userID)
	now := time.Now().UTC()
	entry := s.appendEntryLocked(Entry{
		UserID:        userID,
		Kind:          KindDeposit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Status:        StatusCompleted,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	s.balances[userID] = entry.BalanceAfter
	return entry, nil
}

func (s *memoryStore) Withdraw(_ context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.currentBalanceLocked(userID)
	if before < amount {
		return Entry{}, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	entry := s.appendEntryLocked(Entry{
		UserID:        userID,
		Kind:          KindWithdrawal,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before - amount,
		Status:        StatusCompleted,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	s.balances[userID] = entry.BalanceAfter
	return entry, nil
}

func (s *memoryStore) RecordFailedWithdrawal(_ context.Context, userID string, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.currentBalanceLocked(userID)
	now := time.Now().UTC()
	entry := s.appendEntryLocked(Entry{
		UserID:        userID,
		Kind:          KindWithdrawal,
		Amount:        amount,
		BalanceBefore: current,
		BalanceAfter:  current,
		Status:        StatusFailed,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return entry, nil
}

func (s *memoryStore) CreatePending(_ context.Context, userID string, kind Kind, amount money.Amount, description string) (Entry, error) {
	if !amount.Positive() {
		return Entry{}, ErrInvalidAmount
	}
	if kind != KindDeposit && kind != KindWithdrawal {
		return Entry{}, ErrInvalidTransition
	}

	now := time.Now().UTC()
	entry := s.appendEntry(Entry{
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Status:      StatusPending,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return entry, nil
}

func (s *memoryStore) Complete(_ context.Context, entryID int64) (Entry, error) {
	s.mu.Lock()
	entry, ok := s.entries[entryID]
	s.mu.Unlock()
	if !ok {
		return Entry{}, ErrEntryNotFound
	}

	lock := s.userLock(entry.UserID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry = s.entries[entryID]
	if entry.Status != StatusPending {
		return Entry{}, ErrInvalidTransition
	}

	before := s.currentBalanceLocked(entry.UserID)
	if entry.Kind == KindWithdrawal && before < entry.Amount {
		return Entry{}, ErrInsufficientFunds
	}

	entry.BalanceBefore = before
	if entry.Kind == KindDeposit {
		entry.BalanceAfter = before + entry.Amount
	} else {
		entry.BalanceAfter = before - entry.Amount
	}
	entry.Status = StatusCompleted
	entry.UpdatedAt = time.Now().UTC()

	s.entries[entryID] = entry
	s.balances[entry.UserID] = entry.BalanceAfter
	return entry, nil
}

func (s *memoryStore) Fail(ctx context.Context, entryID int64) (Entry, error) {
	return s.finalize(ctx, entryID, StatusFailed)
}

func (s *memoryStore) Cancel(ctx context.Context, entryID int64) (Entry, error) {
	return s.finalize(ctx, entryID, StatusCancelled)
}

func (s *memoryStore) finalize(_ context.Context, entryID int64, status Status) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	if entry.Status != StatusPending {
		return Entry{}, ErrInvalidTransition
	}

	entry.Status = status
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entryID] = entry
	return entry, nil
}

func (s *memoryStore) Entry(_ context.Context, entryID int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (s *memoryStore) Balance(_ context.Context, userID string) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBalanceLocked(userID), nil
}

func (s *memoryStore) EnsureInitialized(_ context.Context, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = s.completedSumLocked(userID)
	}
	return nil
}

func (s *memoryStore) Entries(_ context.Context, userID string, filter HistoryFilter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Entry, 0)
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		result = append(result, e)
	}

	// Newest first; ids break ties since they are assigned monotonically.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

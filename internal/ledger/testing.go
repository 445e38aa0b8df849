package ledger

import "github.com/1am3/excdev-test-lab/internal/money"

// SeedBalance is a test helper that sets the materialized balance for a user
// when using the in-memory store.
func SeedBalance(s Store, userID string, amount money.Amount) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[userID] = amount
	}
}

package async

import "time"

// RetryPolicy controls redelivery of failed operation requests. It lives at
// the runner boundary, decoupled from the ledger core: the core only reports
// whether an error is retry-eligible.
type RetryPolicy struct {
	// MaxAttempts caps total delivery attempts including the first.
	MaxAttempts int
	// Backoff returns the wait before the given retry attempt (1-based).
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff doubles the base delay for each subsequent attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// DefaultRetryPolicy mirrors the historical queue behavior: three attempts
// with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Second)}
}

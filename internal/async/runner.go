package async

import (
	"context"
	"log/slog"
	"time"

	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/money"
)

// RequestKind identifies a deferred balance operation.
type RequestKind string

const (
	RequestDeposit  RequestKind = "deposit"
	RequestWithdraw RequestKind = "withdraw"
	RequestTransfer RequestKind = "transfer"
)

// Request is one deferred operation. Redelivery of the same request must be
// safe; callers wanting at-most-once semantics supply an idempotency key.
type Request struct {
	Kind           RequestKind
	UserID         string
	ToUserID       string
	Amount         money.Amount
	Description    string
	IdempotencyKey string
}

// Processor executes one operation request against the ledger.
type Processor func(ctx context.Context, req Request) error

// Runner is the contract a task-queue collaborator implements: accept a
// request now, deliver it (possibly repeatedly) later.
type Runner interface {
	Enqueue(ctx context.Context, req Request) error
}

// InProcessRunner delivers requests on a background goroutine, redelivering
// retry-eligible failures per its RetryPolicy. Terminal failures are logged
// loudly and dropped; the ledger keeps the durable record.
type InProcessRunner struct {
	process Processor
	policy  RetryPolicy
	logger  *slog.Logger
	queue   chan Request
}

// NewInProcessRunner builds a runner. Run must be called for deliveries to
// happen.
func NewInProcessRunner(process Processor, policy RetryPolicy, logger *slog.Logger) *InProcessRunner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = ExponentialBackoff(time.Second)
	}
	return &InProcessRunner{
		process: process,
		policy:  policy,
		logger:  logger,
		queue:   make(chan Request, 64),
	}
}

// Enqueue hands a request to the runner.
func (r *InProcessRunner) Enqueue(ctx context.Context, req Request) error {
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until the context is cancelled.
func (r *InProcessRunner) Run(ctx context.Context) {
	for {
		select {
		case req := <-r.queue:
			r.deliver(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (r *InProcessRunner) deliver(ctx context.Context, req Request) {
	for attempt := 1; ; attempt++ {
		err := r.process(ctx, req)
		if err == nil {
			return
		}

		if !ledger.Retryable(err) {
			r.logger.Error("operation request failed terminally",
				"kind", string(req.Kind),
				"user_id", req.UserID,
				"amount", req.Amount.String(),
				"attempt", attempt,
				"error", err,
			)
			return
		}

		if attempt >= r.policy.MaxAttempts {
			r.logger.Error("operation request exhausted retries",
				"kind", string(req.Kind),
				"user_id", req.UserID,
				"amount", req.Amount.String(),
				"attempts", attempt,
				"error", err,
			)
			return
		}

		wait := r.policy.Backoff(attempt)
		r.logger.Warn("operation request will be redelivered",
			"kind", string(req.Kind),
			"user_id", req.UserID,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

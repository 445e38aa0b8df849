package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindOperationCompleted marks a deposit or withdrawal that settled.
	KindOperationCompleted = "operation_completed"
	// KindTransferCompleted marks both legs of a transfer settling.
	KindTransferCompleted = "transfer_completed"
)

// OperationEvent describes a settled balance operation for downstream
// consumers (dashboards, reconciliation, notifications).
type OperationEvent struct {
	Kind          string    `json:"kind"`
	EntryID       int64     `json:"entry_id"`
	UserID        string    `json:"user_id"`
	OperationKind string    `json:"operation_kind"`
	Amount        string    `json:"amount"`
	BalanceAfter  string    `json:"balance_after"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers operation events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event OperationEvent) error
}

// LoggerPublisher is a stub implementation that writes events to the logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher stub.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event OperationEvent) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("operation event",
		"kind", event.Kind,
		"entry_id", event.EntryID,
		"user_id", event.UserID,
		"operation_kind", event.OperationKind,
		"amount", event.Amount,
		"balance_after", event.BalanceAfter,
	)
	return nil
}

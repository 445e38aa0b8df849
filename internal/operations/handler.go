package operations

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/1am3/excdev-test-lab/internal/ledger"
	"github.com/1am3/excdev-test-lab/internal/money"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes balance operation endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an operations handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type operationRequest struct {
	Amount        string `json:"amount"`
	Description   string `json:"description"`
	RecordFailure bool   `json:"record_failure"`
}

type transferRequest struct {
	FromUserID  string `json:"from_user_id"`
	ToUserID    string `json:"to_user_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

func entryResponse(e ledger.Entry) fiber.Map {
	return fiber.Map{
		"id":             e.ID,
		"user_id":        e.UserID,
		"kind":           string(e.Kind),
		"amount":         e.Amount.String(),
		"balance_before": e.BalanceBefore.String(),
		"balance_after":  e.BalanceAfter.String(),
		"status":         string(e.Status),
		"description":    e.Description,
		"created_at":     e.CreatedAt,
		"updated_at":     e.UpdatedAt,
	}
}

// Deposit credits a user's account.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req operationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	// Fiber's params and header values alias the per-request buffer; copy them
	// before they cross into state that outlives the request.
	entry, err := h.service.Deposit(c.UserContext(), OperationInput{
		UserID:         utils.CopyString(c.Params("userId")),
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: utils.CopyString(c.Get(idempotencyKeyHeader)),
	})
	if errors.Is(err, ErrDuplicateOperation) {
		return c.Status(http.StatusOK).JSON(fiber.Map{"entry": entryResponse(entry), "replayed": true})
	}
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"entry": entryResponse(entry)})
}

// Withdraw debits a user's account. With record_failure set, an uncovered
// request is recorded as a failed entry instead of rejected.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req operationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	input := OperationInput{
		UserID:         utils.CopyString(c.Params("userId")),
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: utils.CopyString(c.Get(idempotencyKeyHeader)),
	}

	if req.RecordFailure {
		entry, ok, err := h.service.TryWithdraw(c.UserContext(), input)
		if errors.Is(err, ErrDuplicateOperation) {
			return c.Status(http.StatusOK).JSON(fiber.Map{"entry": entryResponse(entry), "succeeded": ok, "replayed": true})
		}
		if err != nil {
			return mapError(err)
		}
		status := http.StatusCreated
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(fiber.Map{"entry": entryResponse(entry), "succeeded": ok})
	}

	entry, err := h.service.Withdraw(c.UserContext(), input)
	if errors.Is(err, ErrDuplicateOperation) {
		return c.Status(http.StatusOK).JSON(fiber.Map{"entry": entryResponse(entry), "replayed": true})
	}
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"entry": entryResponse(entry)})
}

// Transfer moves funds between two users.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	res, err := h.service.Transfer(c.UserContext(), TransferInput{
		FromUserID:     req.FromUserID,
		ToUserID:       req.ToUserID,
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: utils.CopyString(c.Get(idempotencyKeyHeader)),
	})
	if errors.Is(err, ErrDuplicateOperation) {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"withdrawal": entryResponse(res.Withdrawal),
			"deposit":    entryResponse(res.Deposit),
			"replayed":   true,
		})
	}
	var partial *TransferPartialError
	if errors.As(err, &partial) {
		// Never indistinguishable from "nothing happened": the response names
		// the debited entry so operators can reconcile.
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error":               "transfer_partially_failed",
			"withdrawal_entry_id": partial.WithdrawalEntryID,
			"from_user_id":        partial.FromUserID,
			"to_user_id":          partial.ToUserID,
			"amount":              partial.Amount.String(),
		})
	}
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"withdrawal": entryResponse(res.Withdrawal),
		"deposit":    entryResponse(res.Deposit),
	})
}

// Balance returns a user's current balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.GetBalance(c.UserContext(), utils.CopyString(c.Params("userId")))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user_id":   c.Params("userId"),
		"balance":   balance.String(),
		"timestamp": time.Now().UTC(),
	})
}

// History lists a user's operations newest first, optionally bounded by
// from/to query parameters in RFC 3339 format.
func (h *Handler) History(c *fiber.Ctx) error {
	var filter ledger.HistoryFilter
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid from timestamp")
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid to timestamp")
		}
		filter.To = t
	}

	entries, err := h.service.History(c.UserContext(), utils.CopyString(c.Params("userId")), filter)
	if err != nil {
		return mapError(err)
	}
	payload := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, entryResponse(e))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"operations": payload})
}

// Complete settles a pending operation.
func (h *Handler) Complete(c *fiber.Ctx) error {
	return h.transition(c, h.service.CompleteOperation)
}

// Fail marks a pending operation failed.
func (h *Handler) Fail(c *fiber.Ctx) error {
	return h.transition(c, h.service.FailOperation)
}

// Cancel marks a pending operation cancelled.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, h.service.CancelOperation)
}

func (h *Handler) transition(c *fiber.Ctx, fn func(ctx context.Context, id int64) (ledger.Entry, error)) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid operation id")
	}
	entry, err := fn(c.UserContext(), id)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entry": entryResponse(entry)})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrOperationInFlight):
		return fiber.NewError(http.StatusConflict, "operation with this idempotency key is still in progress, retry later")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "amount must be positive with at most 2 fractional digits")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrEntryNotFound):
		return fiber.NewError(http.StatusNotFound, "operation not found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, "operation already finalized")
	case ledger.Retryable(err):
		return fiber.NewError(http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/1am3/excdev-test-lab/internal/operations"
)

// RegisterOperationRoutes wires the balance operation endpoints.
func RegisterOperationRoutes(router fiber.Router, h *operations.Handler) {
	users := router.Group("/users/:userId")
	users.Post("/deposits", h.Deposit)
	users.Post("/withdrawals", h.Withdraw)
	users.Get("/balance", h.Balance)
	users.Get("/operations", h.History)

	router.Post("/transfers", h.Transfer)

	ops := router.Group("/operations/:id")
	ops.Post("/complete", h.Complete)
	ops.Post("/fail", h.Fail)
	ops.Post("/cancel", h.Cancel)
}

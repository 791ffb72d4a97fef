package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/escrow"
	"github.com/hive-market/hive/internal/reconcile"
	"github.com/hive-market/hive/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallets/:accountId", h.Balance)
	r.Get("/wallets/:accountId/history", h.History)
	r.Post("/wallets/:accountId/credit", h.Credit)
	r.Post("/wallets/:accountId/debit", h.Debit)
	r.Post("/transfers", h.Transfer)
}

// RegisterEscrowRoutes wires task escrow endpoints.
func RegisterEscrowRoutes(r fiber.Router, h *escrow.Handler) {
	r.Get("/tasks/:taskId/escrow", h.Get)
	r.Post("/tasks/:taskId/escrow", h.Fund)
	r.Post("/tasks/:taskId/escrow/release", h.Release)
	r.Post("/tasks/:taskId/escrow/refund", h.Refund)
}

// RegisterReconcileRoutes wires the on-demand reconciliation endpoint.
func RegisterReconcileRoutes(r fiber.Router, h *reconcile.Handler) {
	r.Post("/reconcile", h.Run)
}

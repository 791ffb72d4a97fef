package wallet

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type movementRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Kind      ledger.Kind     `json:"kind"`
	Reference string          `json:"reference"`
}

type transferRequest struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          ledger.Kind     `json:"kind"`
}

type walletResponse struct {
	AccountID string    `json:"account_id"`
	Role      string    `json:"role"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entryResponse struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Amount    string    `json:"amount"`
	Direction string    `json:"direction"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	w, err := h.engine.Balance(c.UserContext(), c.Params("accountId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toWalletResponse(w))
}

// History returns settled entries newest first, optionally filtered by status and kind.
func (h *Handler) History(c *fiber.Ctx) error {
	f := ledger.Filter{
		Status: ledger.Status(c.Query("status")),
		Kind:   ledger.Kind(c.Query("kind")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return fiber.NewError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = limit
	}

	entries, err := h.engine.History(c.UserContext(), c.Params("accountId"), f)
	if err != nil {
		return err
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"account_id": c.Params("accountId"), "entries": out})
}

// Credit adds funds to a wallet.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var req movementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = ledger.KindDeposit
	}
	res, err := h.engine.Credit(c.UserContext(), c.Params("accountId"), req.Amount, req.Kind, WithReference(req.Reference))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResultResponse(res))
}

// Debit removes funds from a wallet.
func (h *Handler) Debit(c *fiber.Ctx) error {
	var req movementRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = ledger.KindWithdrawal
	}
	res, err := h.engine.Debit(c.UserContext(), c.Params("accountId"), req.Amount, req.Kind, WithReference(req.Reference))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResultResponse(res))
}

// Transfer moves funds between two wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Kind == "" {
		req.Kind = ledger.KindTransfer
	}
	res, err := h.engine.Transfer(c.UserContext(), req.FromAccountID, req.ToAccountID, req.Amount, req.Kind)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"reference":    res.Reference,
		"from":         toResultResponse(res.From),
		"to":           toResultResponse(res.To),
		"completed_at": res.CompletedAt,
	})
}

func toWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		AccountID: w.AccountID,
		Role:      string(w.Role),
		Balance:   w.Balance.String(),
		Version:   w.Version,
		UpdatedAt: w.UpdatedAt,
	}
}

// toEntryResponse renders a log entry for JSON responses.
func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:        e.ID,
		AccountID: e.AccountID,
		Amount:    e.Amount.String(),
		Direction: string(e.Direction),
		Kind:      string(e.Kind),
		Status:    string(e.Status),
		Reference: e.Reference,
		CreatedAt: e.CreatedAt,
	}
}

func toResultResponse(res Result) fiber.Map {
	return fiber.Map{
		"wallet": toWalletResponse(res.Wallet),
		"entry":  toEntryResponse(res.Entry),
	}
}

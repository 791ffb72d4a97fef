package escrow

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/ledger"
)

// Handler exposes task escrow endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler builds an escrow HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type fundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type escrowResponse struct {
	TaskID    string    `json:"task_id"`
	EscrowRef string    `json:"escrow_ref"`
	TaskerID  string    `json:"tasker_id"`
	DoerID    string    `json:"doer_id,omitempty"`
	Amount    string    `json:"amount"`
	Held      string    `json:"held"`
	State     string    `json:"state"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Get returns the escrow wallet of a task.
func (h *Handler) Get(c *fiber.Ctx) error {
	ew, err := h.engine.Get(c.UserContext(), c.Params("taskId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(ew))
}

// Fund moves funds from the tasker into escrow.
func (h *Handler) Fund(c *fiber.Ctx) error {
	var req fundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ew, err := h.engine.Fund(c.UserContext(), c.Params("taskId"), req.Amount)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(ew))
}

// Release pays the doer.
func (h *Handler) Release(c *fiber.Ctx) error {
	ew, err := h.engine.Release(c.UserContext(), c.Params("taskId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(ew))
}

// Refund returns funds to the tasker.
func (h *Handler) Refund(c *fiber.Ctx) error {
	ew, err := h.engine.Refund(c.UserContext(), c.Params("taskId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(ew))
}

func toResponse(ew ledger.EscrowWallet) escrowResponse {
	return escrowResponse{
		TaskID:    ew.TaskID,
		EscrowRef: ew.Reference(),
		TaskerID:  ew.TaskerID,
		DoerID:    ew.DoerID,
		Amount:    ew.Amount.String(),
		Held:      ew.Held.String(),
		State:     string(ew.State),
		Version:   ew.Version,
		UpdatedAt: ew.UpdatedAt,
	}
}

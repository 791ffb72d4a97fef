package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/hive-market/hive/internal/accounts"
	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/tasks"
)

// RegisterDirectoryRoutes wires the minimal account and task registration the ledger needs
// to resolve roles and escrow parties.
func RegisterDirectoryRoutes(r fiber.Router, accts accounts.Repository, tks tasks.Repository) {
	r.Post("/accounts", func(c *fiber.Ctx) error {
		var req struct {
			ID   string      `json:"id"`
			Role ledger.Role `json:"role"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if req.ID == "" || !req.Role.Valid() {
			return fiber.NewError(http.StatusBadRequest, "id and a role of TASKER or DOER are required")
		}
		if err := accts.Create(c.UserContext(), accounts.Account{ID: req.ID, Role: req.Role}); err != nil {
			return err
		}
		return c.Status(http.StatusCreated).JSON(fiber.Map{"id": req.ID, "role": req.Role})
	})

	r.Put("/tasks/:taskId", func(c *fiber.Ctx) error {
		var req struct {
			TaskerID  string `json:"tasker_id"`
			DoerID    string `json:"doer_id"`
			EscrowRef string `json:"escrow_ref"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if req.TaskerID == "" {
			return fiber.NewError(http.StatusBadRequest, "tasker_id is required")
		}
		t := tasks.Task{ID: c.Params("taskId"), TaskerID: req.TaskerID, DoerID: req.DoerID, EscrowRef: req.EscrowRef}
		if err := tks.Save(c.UserContext(), t); err != nil {
			return err
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"id":         t.ID,
			"tasker_id":  t.TaskerID,
			"doer_id":    t.DoerID,
			"escrow_ref": t.EscrowRef,
		})
	})
}

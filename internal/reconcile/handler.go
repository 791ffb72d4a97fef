package reconcile

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler triggers reconciliation passes over HTTP.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler builds a reconcile HTTP handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r}
}

type discrepancyResponse struct {
	Scope    string `json:"scope"`
	Key      string `json:"key"`
	Stored   string `json:"stored"`
	Expected string `json:"expected"`
}

// Run performs one pass and returns its report.
func (h *Handler) Run(c *fiber.Ctx) error {
	report, err := h.reconciler.Run(c.UserContext())
	if err != nil {
		return err
	}
	discrepancies := make([]discrepancyResponse, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		discrepancies = append(discrepancies, discrepancyResponse{
			Scope:    string(d.Scope),
			Key:      d.Key,
			Stored:   d.Stored.String(),
			Expected: d.Expected.String(),
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"resolved":      nonNil(report.Resolved),
		"failed":        nonNil(report.Failed),
		"discrepancies": discrepancies,
		"started_at":    report.StartedAt,
		"finished_at":   report.FinishedAt,
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

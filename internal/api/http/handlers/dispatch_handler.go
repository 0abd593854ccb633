package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/solsync-africa/dispatch/internal/api/dto"
	"github.com/solsync-africa/dispatch/internal/dispatch"
)

// DispatchHandler exposes operator controls over the matching engine.
type DispatchHandler struct {
	controller *dispatch.Controller
}

// NewDispatchHandler constructs handler.
func NewDispatchHandler(controller *dispatch.Controller) *DispatchHandler {
	return &DispatchHandler{controller: controller}
}

// Sweep POST /v1/dispatch/sweep runs one sweep synchronously.
func (h *DispatchHandler) Sweep(c *fiber.Ctx) error {
	report, err := h.controller.SweepPending(c.UserContext())
	return respondCommitted(c, http.StatusOK, dto.SweepResponse{
		Examined:    report.Examined,
		Assigned:    report.Assigned,
		Unmatched:   report.Unmatched,
		Skipped:     report.Skipped,
		Redelivered: report.Redelivered,
	}, err)
}

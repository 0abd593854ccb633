package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/solsync-africa/dispatch/internal/api/dto"
	"github.com/solsync-africa/dispatch/internal/auth"
	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// TechniciansHandler manages technician profile and presence endpoints.
type TechniciansHandler struct {
	controller *dispatch.Controller
}

// NewTechniciansHandler constructs handler.
func NewTechniciansHandler(controller *dispatch.Controller) *TechniciansHandler {
	return &TechniciansHandler{controller: controller}
}

// ListTechnicians GET /v1/technicians.
func (h *TechniciansHandler) ListTechnicians(c *fiber.Ctx) error {
	techs := h.controller.ListTechnicians()
	items := make([]dto.TechnicianResponse, 0, len(techs))
	for _, t := range techs {
		items = append(items, dto.NewTechnicianResponse(t))
	}
	return c.JSON(fiber.Map{"data": items})
}

// ListLoad GET /v1/technicians/load.
func (h *TechniciansHandler) ListLoad(c *fiber.Ctx) error {
	load := h.controller.ListTechnicianLoad()
	items := make([]dto.TechnicianLoadResponse, 0, len(load))
	for _, l := range load {
		items = append(items, dto.TechnicianLoadResponse{
			TechnicianID:          l.TechnicianID,
			Availability:          l.Availability,
			ActiveAssignmentCount: l.ActiveAssignmentCount,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// UpsertTechnician PUT /v1/technicians/:id. Availability is only accepted
// when the technician is created; later changes go through the presence feed.
func (h *TechniciansHandler) UpsertTechnician(c *fiber.Ctx) error {
	var req dto.UpsertTechnicianRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Rating == nil {
		return apperrors.NewValidationError("rating required", nil)
	}
	availability := domain.Availability(strings.ToUpper(strings.TrimSpace(req.Availability)))
	if availability != "" && !availability.Valid() {
		return apperrors.NewValidationError("unknown availability", map[string]any{"availability": req.Availability})
	}
	id := c.Params("id")
	if _, exists := h.controller.Registry().Get(id); exists && availability != "" {
		return apperrors.NewValidationError("availability of an existing technician is set through presence",
			map[string]any{"availability": req.Availability, "use": "/v1/technicians/" + id + "/presence"})
	}

	saved, err := h.controller.UpsertTechnician(c.UserContext(), domain.Technician{
		ID:              id,
		Name:            strings.TrimSpace(req.Name),
		Phone:           strings.TrimSpace(req.Phone),
		Location:        strings.TrimSpace(req.Location),
		Languages:       req.Languages,
		Specializations: domain.NormalizeSpecializations(req.Specializations),
		Rating:          *req.Rating,
		Availability:    availability,
	})
	return respondCommitted(c, http.StatusOK, dto.NewTechnicianResponse(saved), err)
}

// SetPresence POST /v1/technicians/:id/presence. Technicians may only report
// their own presence.
func (h *TechniciansHandler) SetPresence(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	id := c.Params("id")
	if !principal.IsAdmin() && principal.SubjectID != id {
		return apperrors.NewForbidden("technicians may only update their own presence")
	}
	var req dto.PresenceRequest
	if err := c.BodyParser(&req); err != nil || req.Online == nil {
		return apperrors.NewValidationError("online flag required", nil)
	}
	tech, err := h.controller.SetTechnicianPresence(c.UserContext(), id, *req.Online)
	return respondCommitted(c, http.StatusOK, dto.NewTechnicianResponse(tech), err)
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/solsync-africa/dispatch/internal/api/dto"
	"github.com/solsync-africa/dispatch/internal/auth"
	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

const (
	maxPageSize = 200
	// maxPage keeps the list offset far from integer overflow.
	maxPage = 1 << 20
)

// RequestsHandler manages service request endpoints.
type RequestsHandler struct {
	controller *dispatch.Controller
}

// NewRequestsHandler constructs handler.
func NewRequestsHandler(controller *dispatch.Controller) *RequestsHandler {
	return &RequestsHandler{controller: controller}
}

// CreateRequest POST /v1/requests.
func (h *RequestsHandler) CreateRequest(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CreateRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.IssueType) == "" {
		return apperrors.NewValidationError("issue_type required", nil)
	}

	requesterID := principal.SubjectID
	if principal.IsAdmin() && strings.TrimSpace(req.RequesterID) != "" {
		requesterID = req.RequesterID
	}

	created, err := h.controller.SubmitRequest(c.UserContext(), dispatch.SubmitInput{
		RequesterID: requesterID,
		IssueType:   req.IssueType,
		Urgency:     req.Urgency,
		Title:       req.Title,
		Description: req.Description,
	})
	return respondCommitted(c, http.StatusCreated, dto.NewServiceRequestResponse(created), err)
}

// ListRequests GET /v1/requests. Customers only see their own requests and
// technicians only those they hold or held.
func (h *RequestsHandler) ListRequests(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	query, err := parseRequestListQuery(c)
	if err != nil {
		return err
	}
	switch principal.Role {
	case auth.RoleCustomer:
		query.RequesterID = principal.SubjectID
	case auth.RoleTechnician:
		query.TechnicianID = principal.SubjectID
	}

	reqs := h.controller.ListRequests(dispatch.RequestFilter{
		RequesterID:  query.RequesterID,
		TechnicianID: query.TechnicianID,
		Statuses:     query.Statuses,
		Offset:       (query.Page - 1) * query.PageSize,
		Limit:        query.PageSize,
	})
	items := make([]dto.ServiceRequestResponse, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, dto.NewServiceRequestResponse(r))
	}
	return c.JSON(fiber.Map{
		"data": items,
		"meta": fiber.Map{"page": query.Page, "page_size": query.PageSize},
	})
}

// GetRequest GET /v1/requests/:id.
func (h *RequestsHandler) GetRequest(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	req, err := h.controller.GetRequestStatus(c.Params("id"))
	if err != nil {
		return err
	}
	if !canView(principal, req) {
		return apperrors.NewNotFound("service request", map[string]any{"request_id": req.ID})
	}
	return c.JSON(fiber.Map{"data": dto.NewServiceRequestResponse(req)})
}

// CancelRequest POST /v1/requests/:id/cancel.
func (h *RequestsHandler) CancelRequest(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	current, err := h.controller.GetRequestStatus(c.Params("id"))
	if err != nil {
		return err
	}
	if !principal.IsAdmin() && current.RequesterID != principal.SubjectID {
		if canView(principal, current) {
			return apperrors.NewForbidden("only the requester or an admin may cancel")
		}
		return apperrors.NewNotFound("service request", map[string]any{"request_id": current.ID})
	}
	updated, err := h.controller.CancelRequest(c.UserContext(), current.ID, principal.SubjectID)
	return respondCommitted(c, http.StatusOK, dto.NewServiceRequestResponse(updated), err)
}

// StartRequest POST /v1/requests/:id/start.
func (h *RequestsHandler) StartRequest(c *fiber.Ctx) error {
	return h.technicianTransition(c, h.controller.MarkInProgress)
}

// CompleteRequest POST /v1/requests/:id/complete.
func (h *RequestsHandler) CompleteRequest(c *fiber.Ctx) error {
	return h.technicianTransition(c, h.controller.Complete)
}

type transitionFunc func(ctx context.Context, requestID, actorID string) (domain.ServiceRequest, error)

// technicianTransition lets the assigned technician or an admin move a request.
func (h *RequestsHandler) technicianTransition(c *fiber.Ctx, apply transitionFunc) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	current, err := h.controller.GetRequestStatus(c.Params("id"))
	if err != nil {
		return err
	}
	if !principal.IsAdmin() && !current.WasAssignedTo(principal.SubjectID) {
		if canView(principal, current) {
			return apperrors.NewForbidden("only the assigned technician or an admin may update work status")
		}
		return apperrors.NewNotFound("service request", map[string]any{"request_id": current.ID})
	}
	updated, err := apply(c.UserContext(), current.ID, principal.SubjectID)
	return respondCommitted(c, http.StatusOK, dto.NewServiceRequestResponse(updated), err)
}

func canView(p *auth.Principal, req domain.ServiceRequest) bool {
	switch p.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return req.RequesterID == p.SubjectID
	case auth.RoleTechnician:
		return req.WasAssignedTo(p.SubjectID)
	}
	return false
}

func parseRequestListQuery(c *fiber.Ctx) (dto.RequestListQuery, error) {
	query := dto.RequestListQuery{
		RequesterID:  strings.TrimSpace(c.Query("requester_id")),
		TechnicianID: strings.TrimSpace(c.Query("technician_id")),
	}
	if statusStr := c.Query("status"); statusStr != "" {
		for _, part := range strings.Split(statusStr, ",") {
			status := domain.RequestStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !status.Valid() {
				return dto.RequestListQuery{}, apperrors.NewValidationError("unknown status", map[string]any{"status": part})
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	page, err := parseInt("page", c.Query("page"), 1)
	if err != nil {
		return dto.RequestListQuery{}, err
	}
	if page > maxPage {
		return dto.RequestListQuery{}, apperrors.NewValidationError("page out of range", map[string]any{"page": page, "max": maxPage})
	}
	pageSize, err := parseInt("page_size", c.Query("page_size"), 20)
	if err != nil {
		return dto.RequestListQuery{}, err
	}
	query.Page = page
	query.PageSize = min(pageSize, maxPageSize)
	return query, nil
}

func parseInt(name, val string, def int) (int, error) {
	if val == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return 0, apperrors.NewValidationError(name+" must be a positive integer", map[string]any{name: val})
	}
	return parsed, nil
}

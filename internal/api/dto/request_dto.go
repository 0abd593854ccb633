package dto

import (
	"time"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// CreateRequestRequest payload. RequesterID is honoured for admins only.
type CreateRequestRequest struct {
	RequesterID string `json:"requester_id"`
	IssueType   string `json:"issue_type"`
	Urgency     string `json:"urgency"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// RequestListQuery captures list filters.
type RequestListQuery struct {
	Statuses     []domain.RequestStatus
	RequesterID  string
	TechnicianID string
	Page         int
	PageSize     int
}

// HistoryEntryResponse is one recorded transition.
type HistoryEntryResponse struct {
	Sequence     int                  `json:"sequence"`
	Status       domain.RequestStatus `json:"status"`
	At           time.Time            `json:"at"`
	ActorID      string               `json:"actor_id"`
	TechnicianID *string              `json:"technician_id,omitempty"`
}

// ServiceRequestResponse is the full view of a request.
type ServiceRequestResponse struct {
	ID                   string                 `json:"id"`
	RequesterID          string                 `json:"requester_id"`
	IssueType            domain.CapabilityTag   `json:"issue_type"`
	Urgency              domain.Urgency         `json:"urgency"`
	Title                string                 `json:"title,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Status               domain.RequestStatus   `json:"status"`
	AssignedTechnicianID *string                `json:"assigned_technician_id"`
	CreatedAt            time.Time              `json:"created_at"`
	LastTransitionAt     time.Time              `json:"last_transition_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	Version              int                    `json:"version"`
	History              []HistoryEntryResponse `json:"history"`
}

// Warning describes a non-fatal outcome returned next to committed data.
type Warning struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// SweepResponse reports one manual sweep.
type SweepResponse struct {
	Examined    int `json:"examined"`
	Assigned    int `json:"assigned"`
	Unmatched   int `json:"unmatched"`
	Skipped     int `json:"skipped"`
	Redelivered int `json:"redelivered"`
}

// NewServiceRequestResponse maps a request snapshot.
func NewServiceRequestResponse(r domain.ServiceRequest) ServiceRequestResponse {
	history := make([]HistoryEntryResponse, 0, len(r.History))
	for _, h := range r.History {
		history = append(history, HistoryEntryResponse{
			Sequence:     h.Sequence,
			Status:       h.Status,
			At:           h.At,
			ActorID:      h.ActorID,
			TechnicianID: h.TechnicianID,
		})
	}
	return ServiceRequestResponse{
		ID:                   r.ID,
		RequesterID:          r.RequesterID,
		IssueType:            r.IssueType,
		Urgency:              r.Urgency,
		Title:                r.Title,
		Description:          r.Description,
		Status:               r.Status,
		AssignedTechnicianID: r.AssignedTechnicianID,
		CreatedAt:            r.CreatedAt,
		LastTransitionAt:     r.LastTransitionAt,
		CompletedAt:          r.CompletedAt,
		Version:              r.Version,
		History:              history,
	}
}

// WarningsFrom lists every DomainError in a non-fatal error.
func WarningsFrom(err error) []Warning {
	var out []Warning
	apperrors.Each(err, func(de *apperrors.DomainError) {
		out = append(out, Warning{Code: de.Code, Message: de.Message, Details: de.Details})
	})
	return out
}

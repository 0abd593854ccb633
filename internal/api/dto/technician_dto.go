package dto

import (
	"time"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// UpsertTechnicianRequest payload for PUT /v1/technicians/:id.
type UpsertTechnicianRequest struct {
	Name            string   `json:"name"`
	Phone           string   `json:"phone"`
	Location        string   `json:"location"`
	Languages       []string `json:"languages"`
	Specializations []string `json:"specializations"`
	Rating          *float64 `json:"rating"`
	Availability    string   `json:"availability"`
}

// PresenceRequest payload for the presence feed.
type PresenceRequest struct {
	Online *bool `json:"online"`
}

// TechnicianResponse is the public view of a technician.
type TechnicianResponse struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name"`
	Phone                 string                 `json:"phone,omitempty"`
	Location              string                 `json:"location,omitempty"`
	Languages             []string               `json:"languages"`
	Specializations       []domain.CapabilityTag `json:"specializations"`
	Rating                float64                `json:"rating"`
	Availability          domain.Availability    `json:"availability"`
	ActiveAssignmentCount int                    `json:"active_assignment_count"`
	CompletedJobs         int                    `json:"completed_jobs"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// TechnicianLoadResponse is one row of the load report.
type TechnicianLoadResponse struct {
	TechnicianID          string              `json:"technician_id"`
	Availability          domain.Availability `json:"availability"`
	ActiveAssignmentCount int                 `json:"active_assignment_count"`
}

// NewTechnicianResponse maps a technician.
func NewTechnicianResponse(t domain.Technician) TechnicianResponse {
	languages := t.Languages
	if languages == nil {
		languages = []string{}
	}
	return TechnicianResponse{
		ID:                    t.ID,
		Name:                  t.Name,
		Phone:                 t.Phone,
		Location:              t.Location,
		Languages:             languages,
		Specializations:       t.Specializations,
		Rating:                t.Rating,
		Availability:          t.Availability,
		ActiveAssignmentCount: t.ActiveAssignmentCount,
		CompletedJobs:         t.CompletedJobs,
		UpdatedAt:             t.UpdatedAt,
	}
}

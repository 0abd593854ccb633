package domain

import (
	"fmt"
	"strings"
	"time"
)

// RequestStatus enumerates lifecycle states for service requests.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusAssigned   RequestStatus = "ASSIGNED"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusCancelled
}

// HoldsTechnician reports whether a request in status s occupies a technician.
func (s RequestStatus) HoldsTechnician() bool {
	return s == RequestStatusAssigned || s == RequestStatusInProgress
}

var transitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:    {RequestStatusAssigned, RequestStatusCancelled},
	RequestStatusAssigned:   {RequestStatusInProgress, RequestStatusCancelled},
	RequestStatusInProgress: {RequestStatusCompleted, RequestStatusCancelled},
	RequestStatusCompleted:  nil,
	RequestStatusCancelled:  nil,
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Urgency is set at creation and never changes.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// ParseUrgency accepts any casing; empty input defaults to MEDIUM.
func ParseUrgency(raw string) (Urgency, error) {
	switch u := Urgency(strings.ToUpper(strings.TrimSpace(raw))); u {
	case "":
		return UrgencyMedium, nil
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return u, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", raw)
	}
}

// HistoryEntry is one append-only audit record of a committed transition.
type HistoryEntry struct {
	Sequence     int
	Status       RequestStatus
	At           time.Time
	ActorID      string
	TechnicianID *string
}

// ServiceRequest is the aggregate for a customer's technician visit.
type ServiceRequest struct {
	ID                   string
	RequesterID          string
	IssueType            CapabilityTag
	Urgency              Urgency
	Title                string
	Description          string
	Status               RequestStatus
	AssignedTechnicianID *string
	CreatedAt            time.Time
	LastTransitionAt     time.Time
	CompletedAt          *time.Time
	Version              int
	History              []HistoryEntry
}

// Clone returns a deep copy safe to hand to callers.
func (r ServiceRequest) Clone() ServiceRequest {
	out := r
	if r.AssignedTechnicianID != nil {
		id := *r.AssignedTechnicianID
		out.AssignedTechnicianID = &id
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	out.History = make([]HistoryEntry, len(r.History))
	for i, h := range r.History {
		out.History[i] = h
		if h.TechnicianID != nil {
			id := *h.TechnicianID
			out.History[i].TechnicianID = &id
		}
	}
	return out
}

// TechnicianID returns the assigned technician id or "".
func (r *ServiceRequest) TechnicianID() string {
	if r.AssignedTechnicianID == nil {
		return ""
	}
	return *r.AssignedTechnicianID
}

// WasAssignedTo reports whether the technician holds the request now or held
// it at any point of its history.
func (r *ServiceRequest) WasAssignedTo(technicianID string) bool {
	if r.TechnicianID() == technicianID {
		return true
	}
	for _, h := range r.History {
		if h.TechnicianID != nil && *h.TechnicianID == technicianID {
			return true
		}
	}
	return false
}

// Validate checks record shape and the assignment invariant.
func (r *ServiceRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("request id required")
	}
	if strings.TrimSpace(r.RequesterID) == "" {
		return fmt.Errorf("request %s has no requester", r.ID)
	}
	if r.IssueType == "" {
		return fmt.Errorf("request %s has no issue type", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("request %s has unknown status %q", r.ID, r.Status)
	}
	if u, err := ParseUrgency(string(r.Urgency)); err != nil || u != r.Urgency {
		return fmt.Errorf("request %s has invalid urgency %q", r.ID, r.Urgency)
	}
	if r.Status.HoldsTechnician() != (r.AssignedTechnicianID != nil) {
		return fmt.Errorf("request %s in %s has inconsistent technician assignment", r.ID, r.Status)
	}
	return nil
}

// Transition records a committed status change, as delivered to notification sinks.
type Transition struct {
	RequestID            string
	RequesterID          string
	OldStatus            RequestStatus
	NewStatus            RequestStatus
	AssignedTechnicianID *string
	ActorID              string
	At                   time.Time
}

// DedupKey identifies a transition for at-least-once consumers.
func (t Transition) DedupKey() string {
	return t.RequestID + ":" + string(t.NewStatus)
}

package events

import (
	"time"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventRequestSubmitted EventType = "request_submitted"
	EventRequestAssigned  EventType = "request_assigned"
	EventRequestStarted   EventType = "request_started"
	EventRequestCompleted EventType = "request_completed"
	EventRequestCancelled EventType = "request_cancelled"
)

// AllEventTypes lists every event a transition can produce.
var AllEventTypes = []EventType{
	EventRequestSubmitted,
	EventRequestAssigned,
	EventRequestStarted,
	EventRequestCompleted,
	EventRequestCancelled,
}

// EventTypeFor maps the target status of a transition to its event.
func EventTypeFor(status domain.RequestStatus) (EventType, bool) {
	switch status {
	case domain.RequestStatusPending:
		return EventRequestSubmitted, true
	case domain.RequestStatusAssigned:
		return EventRequestAssigned, true
	case domain.RequestStatusInProgress:
		return EventRequestStarted, true
	case domain.RequestStatusCompleted:
		return EventRequestCompleted, true
	case domain.RequestStatusCancelled:
		return EventRequestCancelled, true
	}
	return "", false
}

// Event represents a committed transition announced to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	RequestID string            `json:"request_id"`
	ActorID   string            `json:"actor_id"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   TransitionPayload `json:"payload"`
}

// DedupKey identifies the transition for consumers that must act once.
func (e Event) DedupKey() string {
	return e.RequestID + ":" + string(e.Payload.NewStatus)
}

// TransitionPayload carries the notification fields of a transition.
type TransitionPayload struct {
	RequesterID          string               `json:"requester_id"`
	OldStatus            domain.RequestStatus `json:"old_status,omitempty"`
	NewStatus            domain.RequestStatus `json:"new_status"`
	AssignedTechnicianID *string              `json:"assigned_technician_id,omitempty"`
}

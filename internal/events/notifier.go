package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// TransitionNotifier turns committed transitions into dispatcher events.
type TransitionNotifier struct {
	dispatcher Dispatcher
	newID      func() string
}

// NewTransitionNotifier publishes through dispatcher.
func NewTransitionNotifier(dispatcher Dispatcher) *TransitionNotifier {
	return &TransitionNotifier{dispatcher: dispatcher, newID: uuid.NewString}
}

// Notify publishes the event for tr. Handlers see each committed transition
// at least once and should de-duplicate on Event.DedupKey.
func (n *TransitionNotifier) Notify(ctx context.Context, tr domain.Transition) error {
	eventType, ok := EventTypeFor(tr.NewStatus)
	if !ok {
		return fmt.Errorf("no event for status %q", tr.NewStatus)
	}
	return n.dispatcher.Publish(ctx, Event{
		ID:        n.newID(),
		Type:      eventType,
		RequestID: tr.RequestID,
		ActorID:   tr.ActorID,
		Timestamp: tr.At,
		Payload: TransitionPayload{
			RequesterID:          tr.RequesterID,
			OldStatus:            tr.OldStatus,
			NewStatus:            tr.NewStatus,
			AssignedTechnicianID: tr.AssignedTechnicianID,
		},
	})
}

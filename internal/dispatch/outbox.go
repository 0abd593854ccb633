package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// outboxEntry is one committed transition whose side effects have not all
// succeeded yet.
type outboxEntry struct {
	transition   domain.Transition
	technicianID string
	requestSaved bool
	techSaved    bool
	notified     bool
	attempts     int
}

func (e *outboxEntry) done() bool {
	return e.requestSaved && e.techSaved && e.notified
}

// outbox queues side effects per request and keeps them until they succeed.
// Only one goroutine delivers a given request's queue at a time.
type outbox struct {
	mu       sync.Mutex
	queues   map[string][]*outboxEntry
	order    []string
	inflight map[string]bool
}

func newOutbox() *outbox {
	return &outbox{
		queues:   make(map[string][]*outboxEntry),
		inflight: make(map[string]bool),
	}
}

func (o *outbox) enqueue(e *outboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := e.transition.RequestID
	if _, ok := o.queues[id]; !ok {
		o.order = append(o.order, id)
	}
	o.queues[id] = append(o.queues[id], e)
}

// claim reserves a request's queue for delivery. It fails when the queue is
// empty or another goroutine is delivering it.
func (o *outbox) claim(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[requestID] || len(o.queues[requestID]) == 0 {
		return false
	}
	o.inflight[requestID] = true
	return true
}

// at returns entry i of a claimed queue. Past the end it drops delivered
// entries and releases the claim in the same critical section, so an entry
// enqueued meanwhile is either visited here or claimable by its caller.
func (o *outbox) at(requestID string, i int) *outboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[requestID]
	if i < len(q) {
		return q[i]
	}
	kept := q[:0]
	for _, e := range q {
		if !e.done() {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(o.queues, requestID)
		o.dropOrder(requestID)
	} else {
		o.queues[requestID] = kept
	}
	delete(o.inflight, requestID)
	return nil
}

func (o *outbox) dropOrder(requestID string) {
	for i, id := range o.order {
		if id == requestID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

func (o *outbox) requestIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

// afterCommit records a committed transition in the outbox and delivers the
// request's queue. It runs with no entity lock held; failures stay queued for
// the sweep and are returned as InfrastructureError.
func (c *Controller) afterCommit(ctx context.Context, technicianID string, tr domain.Transition) error {
	c.outbox.enqueue(&outboxEntry{
		transition:   tr,
		technicianID: technicianID,
		requestSaved: c.persistence == nil,
		techSaved:    c.persistence == nil || technicianID == "",
		notified:     c.notifier == nil,
	})
	_, err := c.deliver(ctx, tr.RequestID)
	return err
}

// deliver makes one pass over a request's queued side effects. Persistence
// writes the latest snapshot, so one successful save covers every queued
// entry; the version guard downstream ignores stale rows. Notifications go
// out in commit order: after one fails, later ones wait for the next pass.
// It reports how many entries were fully delivered.
func (c *Controller) deliver(ctx context.Context, requestID string) (int, error) {
	if !c.outbox.claim(requestID) {
		return 0, nil
	}
	var errs []error
	delivered := 0
	saveTried, saveOK := false, false
	notifyBlocked := false
	for i := 0; ; i++ {
		e := c.outbox.at(requestID, i)
		if e == nil {
			break
		}
		e.attempts++
		if !e.requestSaved {
			if !saveTried {
				saveTried = true
				if err := c.saveRequest(ctx, requestID, e.attempts); err != nil {
					errs = append(errs, err)
				} else {
					saveOK = true
				}
			}
			e.requestSaved = saveOK
		}
		if !e.techSaved {
			if err := c.saveAssignedTechnician(ctx, e.technicianID, e.attempts); err != nil {
				errs = append(errs, err)
			} else {
				e.techSaved = true
			}
		}
		if !e.notified && !notifyBlocked {
			if err := c.notify(ctx, e.transition, e.attempts); err != nil {
				errs = append(errs, err)
				notifyBlocked = true
			} else {
				e.notified = true
			}
		}
		if e.done() {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

func (c *Controller) saveRequest(ctx context.Context, requestID string, attempt int) error {
	req, ok := c.store.Get(requestID)
	if !ok {
		return nil
	}
	if err := c.persistence.SaveRequest(ctx, req); err != nil {
		c.logger.Error("persist service request failed",
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return apperrors.NewInfrastructureError("persist service request", err)
	}
	return nil
}

func (c *Controller) saveAssignedTechnician(ctx context.Context, technicianID string, attempt int) error {
	tech, ok := c.registry.Get(technicianID)
	if !ok {
		return nil
	}
	if err := c.persistence.SaveTechnician(ctx, tech); err != nil {
		c.logger.Error("persist technician failed",
			zap.String("technician_id", technicianID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return apperrors.NewInfrastructureError("persist technician", err)
	}
	return nil
}

func (c *Controller) notify(ctx context.Context, tr domain.Transition, attempt int) error {
	if err := c.notifier.Notify(ctx, tr); err != nil {
		c.logger.Error("notify transition failed",
			zap.String("request_id", tr.RequestID),
			zap.String("new_status", string(tr.NewStatus)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return apperrors.NewInfrastructureError("notify transition", err)
	}
	return nil
}

// FlushSideEffects retries every queued side effect, oldest request first.
// It reports how many transitions were fully delivered.
func (c *Controller) FlushSideEffects(ctx context.Context) (int, error) {
	delivered := 0
	var errs []error
	for _, id := range c.outbox.requestIDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := c.deliver(ctx, id)
		delivered += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return delivered, errors.Join(errs...)
}

// PendingSideEffects reports how many committed transitions still owe a
// side effect.
func (c *Controller) PendingSideEffects() int {
	return c.outbox.len()
}

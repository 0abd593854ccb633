package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// RequestFilter narrows ListRequests. Zero fields match everything.
// TechnicianID matches requests the technician holds or held before.
type RequestFilter struct {
	RequesterID  string
	TechnicianID string
	Statuses     []domain.RequestStatus
	Limit        int
	Offset       int
}

func (f RequestFilter) matches(r *domain.ServiceRequest) bool {
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.TechnicianID != "" && !r.WasAssignedTo(f.TechnicianID) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store holds service requests keyed by id and remembers creation order.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*requestSlot
	order []string
}

type requestSlot struct {
	mu  sync.Mutex
	req domain.ServiceRequest
}

// NewStore creates an empty request store.
func NewStore() *Store {
	return &Store{slots: make(map[string]*requestSlot)}
}

func (s *Store) slot(id string) (*requestSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

// Insert adds a new request at the end of the creation order.
func (s *Store) Insert(req domain.ServiceRequest) error {
	if err := req.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[req.ID]; exists {
		return apperrors.NewConcurrencyConflict("request already exists", map[string]any{"request_id": req.ID})
	}
	s.slots[req.ID] = &requestSlot{req: req.Clone()}
	s.order = append(s.order, req.ID)
	return nil
}

// Get returns a copy of a request.
func (s *Store) Get(id string) (domain.ServiceRequest, bool) {
	sl, ok := s.slot(id)
	if !ok {
		return domain.ServiceRequest{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.req.Clone(), true
}

// Update runs mutate on a private copy of the request under the request's
// lock and commits the copy only when mutate succeeds. It returns the state
// before and after the call.
func (s *Store) Update(id string, mutate func(*domain.ServiceRequest) error) (before, after domain.ServiceRequest, err error) {
	sl, ok := s.slot(id)
	if !ok {
		return domain.ServiceRequest{}, domain.ServiceRequest{}, apperrors.NewNotFound("service request", map[string]any{"request_id": id})
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	before = sl.req.Clone()
	working := sl.req.Clone()
	if err := mutate(&working); err != nil {
		return before, before, err
	}
	if err := working.Validate(); err != nil {
		return before, before, apperrors.NewInternalError(fmt.Errorf("rejected invalid request state: %w", err))
	}
	sl.req = working
	return before, working.Clone(), nil
}

// PendingIDs lists PENDING requests oldest first.
func (s *Store) PendingIDs() []string {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	slots := make([]*requestSlot, len(order))
	for i, id := range order {
		slots[i] = s.slots[id]
	}
	s.mu.RUnlock()

	out := make([]string, 0)
	for i, sl := range slots {
		sl.mu.Lock()
		pending := sl.req.Status == domain.RequestStatusPending
		sl.mu.Unlock()
		if pending {
			out = append(out, order[i])
		}
	}
	return out
}

// List returns requests matching filter in creation order.
func (s *Store) List(filter RequestFilter) []domain.ServiceRequest {
	s.mu.RLock()
	slots := make([]*requestSlot, len(s.order))
	for i, id := range s.order {
		slots[i] = s.slots[id]
	}
	s.mu.RUnlock()

	var out []domain.ServiceRequest
	skipped := 0
	for _, sl := range slots {
		sl.mu.Lock()
		match := filter.matches(&sl.req)
		var snap domain.ServiceRequest
		if match {
			snap = sl.req.Clone()
		}
		sl.mu.Unlock()
		if !match {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, snap)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// ActiveCounts counts ASSIGNED and IN_PROGRESS requests per technician.
func (s *Store) ActiveCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range s.List(RequestFilter{Statuses: []domain.RequestStatus{domain.RequestStatusAssigned, domain.RequestStatusInProgress}}) {
		counts[r.TechnicianID()]++
	}
	return counts
}

// Restore replaces the store contents, ordering requests by creation time then id.
func (s *Store) Restore(reqs []domain.ServiceRequest) error {
	sorted := make([]domain.ServiceRequest, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	slots := make(map[string]*requestSlot, len(sorted))
	order := make([]string, 0, len(sorted))
	var errs []error
	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := slots[r.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate request %s", r.ID))
			continue
		}
		slots[r.ID] = &requestSlot{req: r.Clone()}
		order = append(order, r.ID)
	}

	s.mu.Lock()
	s.slots = slots
	s.order = order
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Len returns the number of stored requests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

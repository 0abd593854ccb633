package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// DefaultCapacity is the number of concurrent jobs a technician may hold.
const DefaultCapacity = 1

// Registry holds technicians and their live availability. The map lock only
// guards membership; every read or write of a technician record goes through
// that technician's own mutex.
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]*technicianSlot
	capacity int
	now      func() time.Time

	hookMu sync.RWMutex
	onFree []func(technicianID string)
}

type technicianSlot struct {
	mu   sync.Mutex
	tech domain.Technician
}

// NewRegistry creates an empty registry. capacity <= 0 means DefaultCapacity.
func NewRegistry(capacity int, now func() time.Time) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		slots:    make(map[string]*technicianSlot),
		capacity: capacity,
		now:      now,
	}
}

// Capacity returns the per-technician job limit.
func (r *Registry) Capacity() int {
	return r.capacity
}

// OnCapacityFreed registers fn to run whenever a technician gains free capacity.
// fn is called without any registry lock held.
func (r *Registry) OnCapacityFreed(fn func(technicianID string)) {
	if fn == nil {
		return
	}
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onFree = append(r.onFree, fn)
}

func (r *Registry) capacityFreed(id string) {
	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onFree...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (r *Registry) slot(id string) (*technicianSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	return s, ok
}

func (r *Registry) snapshotSlots() []*technicianSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*technicianSlot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	return out
}

// ListAvailable returns AVAILABLE technicians covering tag in dispatch order.
func (r *Registry) ListAvailable(tag domain.CapabilityTag) []domain.Technician {
	var out []domain.Technician
	for _, s := range r.snapshotSlots() {
		s.mu.Lock()
		if s.tech.Availability == domain.AvailabilityAvailable && s.tech.HasSpecialization(tag) {
			out = append(out, s.tech.Clone())
		}
		s.mu.Unlock()
	}
	SortByDispatchOrder(out)
	return out
}

// SortByDispatchOrder orders technicians by rating desc, active count asc, id asc.
func SortByDispatchOrder(techs []domain.Technician) {
	sort.Slice(techs, func(i, j int) bool {
		a, b := techs[i], techs[j]
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.ActiveAssignmentCount != b.ActiveAssignmentCount {
			return a.ActiveAssignmentCount < b.ActiveAssignmentCount
		}
		return a.ID < b.ID
	})
}

// Reserve claims one unit of capacity. It returns false when the technician is
// unknown or no longer AVAILABLE.
func (r *Registry) Reserve(id string) bool {
	s, ok := r.slot(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tech.Availability != domain.AvailabilityAvailable {
		return false
	}
	s.tech.ActiveAssignmentCount++
	if s.tech.ActiveAssignmentCount >= r.capacity {
		s.tech.Availability = domain.AvailabilityBusy
	}
	s.tech.UpdatedAt = r.now()
	return true
}

// Release gives back one unit of capacity. It returns false when there was
// nothing to release.
func (r *Registry) Release(id string) bool {
	return r.release(id, false)
}

// CompleteJob releases capacity and counts the finished job.
func (r *Registry) CompleteJob(id string) bool {
	return r.release(id, true)
}

func (r *Registry) release(id string, completed bool) bool {
	s, ok := r.slot(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.tech.ActiveAssignmentCount == 0 {
		s.mu.Unlock()
		return false
	}
	s.tech.ActiveAssignmentCount--
	if completed {
		s.tech.CompletedJobs++
	}
	freed := false
	if s.tech.Availability == domain.AvailabilityBusy && s.tech.ActiveAssignmentCount < r.capacity {
		s.tech.Availability = domain.AvailabilityAvailable
		freed = true
	}
	s.tech.UpdatedAt = r.now()
	s.mu.Unlock()

	if freed {
		r.capacityFreed(id)
	}
	return true
}

// Get returns a copy of a technician.
func (r *Registry) Get(id string) (domain.Technician, bool) {
	s, ok := r.slot(id)
	if !ok {
		return domain.Technician{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tech.Clone(), true
}

// List returns copies of all technicians ordered by id.
func (r *Registry) List() []domain.Technician {
	slots := r.snapshotSlots()
	out := make([]domain.Technician, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.tech.Clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reports the live assignment load of every technician ordered by id.
func (r *Registry) Load() []domain.TechnicianLoad {
	techs := r.List()
	out := make([]domain.TechnicianLoad, 0, len(techs))
	for _, t := range techs {
		out = append(out, domain.TechnicianLoad{
			TechnicianID:          t.ID,
			Availability:          t.Availability,
			ActiveAssignmentCount: t.ActiveAssignmentCount,
		})
	}
	return out
}

// Upsert registers a technician or updates the profile of an existing one.
// Live dispatch state (availability, assignment and job counts) of an
// existing technician is never overwritten; use SetPresence for availability.
func (r *Registry) Upsert(t domain.Technician) (domain.Technician, error) {
	if t.Availability == "" {
		t.Availability = domain.AvailabilityAvailable
	}
	if t.Availability == domain.AvailabilityBusy {
		t.Availability = domain.AvailabilityAvailable
	}
	t.ActiveAssignmentCount = 0
	if err := t.Validate(); err != nil {
		return domain.Technician{}, apperrors.NewValidationError(err.Error(), map[string]any{"technician_id": t.ID})
	}

	r.mu.Lock()
	s, exists := r.slots[t.ID]
	if !exists {
		t.UpdatedAt = r.now()
		r.slots[t.ID] = &technicianSlot{tech: t.Clone()}
		r.mu.Unlock()
		if t.Availability == domain.AvailabilityAvailable {
			r.capacityFreed(t.ID)
		}
		return t.Clone(), nil
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.tech.Name = t.Name
	s.tech.Phone = t.Phone
	s.tech.Location = t.Location
	s.tech.Languages = append([]string(nil), t.Languages...)
	s.tech.Specializations = append([]domain.CapabilityTag(nil), t.Specializations...)
	s.tech.Rating = t.Rating
	s.tech.UpdatedAt = r.now()
	out := s.tech.Clone()
	available := s.tech.Availability == domain.AvailabilityAvailable
	s.mu.Unlock()

	if available {
		r.capacityFreed(t.ID)
	}
	return out, nil
}

// SetPresence applies the presence feed. Going offline with active work is
// rejected. changed is false when the technician was already in that state.
func (r *Registry) SetPresence(id string, online bool) (tech domain.Technician, changed bool, err error) {
	s, ok := r.slot(id)
	if !ok {
		return domain.Technician{}, false, apperrors.NewNotFound("technician", map[string]any{"technician_id": id})
	}
	s.mu.Lock()
	switch {
	case online && s.tech.Availability == domain.AvailabilityOffline:
		s.tech.Availability = domain.AvailabilityAvailable
		if s.tech.ActiveAssignmentCount >= r.capacity {
			s.tech.Availability = domain.AvailabilityBusy
		}
		changed = true
	case !online && s.tech.Availability != domain.AvailabilityOffline:
		if s.tech.ActiveAssignmentCount > 0 {
			from := s.tech.Availability
			s.mu.Unlock()
			return domain.Technician{}, false, apperrors.NewInvalidTransition(string(from), string(domain.AvailabilityOffline),
				map[string]any{"technician_id": id, "reason": "technician has active assignments"})
		}
		s.tech.Availability = domain.AvailabilityOffline
		changed = true
	}
	if changed {
		s.tech.UpdatedAt = r.now()
	}
	tech = s.tech.Clone()
	s.mu.Unlock()

	if changed && tech.Availability == domain.AvailabilityAvailable {
		r.capacityFreed(id)
	}
	return tech, changed, nil
}

// Restore replaces the registry contents. activeCounts gives the number of
// ASSIGNED or IN_PROGRESS requests per technician and overrides any stored count.
func (r *Registry) Restore(techs []domain.Technician, activeCounts map[string]int) error {
	slots := make(map[string]*technicianSlot, len(techs))
	for _, t := range techs {
		t.ActiveAssignmentCount = activeCounts[t.ID]
		switch {
		case t.ActiveAssignmentCount >= r.capacity:
			t.Availability = domain.AvailabilityBusy
		case t.Availability == domain.AvailabilityOffline && t.ActiveAssignmentCount == 0:
		default:
			t.Availability = domain.AvailabilityAvailable
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("restore registry: %w", err)
		}
		if _, dup := slots[t.ID]; dup {
			return fmt.Errorf("restore registry: duplicate technician %s", t.ID)
		}
		slots[t.ID] = &technicianSlot{tech: t.Clone()}
	}
	r.mu.Lock()
	r.slots = slots
	r.mu.Unlock()
	return nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsync-africa/dispatch/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 10, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("req-%03d", n.Add(1))
	}
}

type fakePersistence struct {
	mu          sync.Mutex
	techs       map[string]domain.Technician
	reqs        map[string]domain.ServiceRequest
	failSaves   bool
	loadedTechs []domain.Technician
	loadedReqs  []domain.ServiceRequest
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{techs: map[string]domain.Technician{}, reqs: map[string]domain.ServiceRequest{}}
}

func (f *fakePersistence) LoadTechnicians(context.Context) ([]domain.Technician, error) {
	return f.loadedTechs, nil
}

func (f *fakePersistence) LoadRequests(context.Context) ([]domain.ServiceRequest, error) {
	return f.loadedReqs, nil
}

func (f *fakePersistence) SaveRequest(_ context.Context, req domain.ServiceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves {
		return errors.New("connection refused")
	}
	f.reqs[req.ID] = req
	return nil
}

func (f *fakePersistence) SaveTechnician(_ context.Context, tech domain.Technician) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves {
		return errors.New("connection refused")
	}
	f.techs[tech.ID] = tech
	return nil
}

func (f *fakePersistence) request(id string) (domain.ServiceRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	return r, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []domain.Transition
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, tr domain.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("push gateway unavailable")
	}
	n.seen = append(n.seen, tr)
	return nil
}

func (n *recordingNotifier) transitions() []domain.Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Transition(nil), n.seen...)
}

type fixture struct {
	ctl      *Controller
	db       *fakePersistence
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts Options, techs ...domain.Technician) *fixture {
	t.Helper()
	if opts.Now == nil {
		opts.Now = newTestClock().Now
	}
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	if opts.FallbackTag == "" {
		opts.FallbackTag = domain.TagGeneral
	}
	f := &fixture{db: newFakePersistence(), notifier: &recordingNotifier{}}
	f.ctl = NewController(Dependencies{Persistence: f.db, Notifier: f.notifier}, opts)
	for _, tech := range techs {
		_, err := f.ctl.UpsertTechnician(context.Background(), tech)
		require.NoError(t, err)
	}
	return f
}

func technician(id string, rating float64, tags ...domain.CapabilityTag) domain.Technician {
	return domain.Technician{
		ID:              id,
		Name:            "Tech " + id,
		Specializations: tags,
		Rating:          rating,
		Availability:    domain.AvailabilityAvailable,
	}
}

func submit(t *testing.T, ctl *Controller, requester, issue string) (domain.ServiceRequest, error) {
	t.Helper()
	return ctl.SubmitRequest(context.Background(), SubmitInput{
		RequesterID: requester,
		IssueType:   issue,
		Urgency:     "high",
		Title:       "Battery Replacement",
		Description: "Battery not holding charge properly",
	})
}

// assertInvariants checks the assignment invariants across registry and store.
func assertInvariants(t *testing.T, ctl *Controller) {
	t.Helper()
	counts := map[string]int{}
	for _, r := range ctl.ListRequests(RequestFilter{}) {
		assert.Equal(t, r.Status.HoldsTechnician(), r.AssignedTechnicianID != nil,
			"request %s in %s technician=%v", r.ID, r.Status, r.AssignedTechnicianID)
		if r.AssignedTechnicianID != nil {
			counts[*r.AssignedTechnicianID]++
		}
	}
	capacity := ctl.Registry().Capacity()
	for _, tech := range ctl.ListTechnicians() {
		assert.Equal(t, counts[tech.ID], tech.ActiveAssignmentCount, "technician %s count", tech.ID)
		assert.LessOrEqual(t, tech.ActiveAssignmentCount, capacity, "technician %s over capacity", tech.ID)
		if tech.Availability != domain.AvailabilityOffline {
			assert.Equal(t, tech.ActiveAssignmentCount >= capacity, tech.Availability == domain.AvailabilityBusy,
				"technician %s availability %s with count %d", tech.ID, tech.Availability, tech.ActiveAssignmentCount)
		}
	}
}

func (f *fakePersistence) technician(id string) (domain.Technician, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.techs[id]
	return t, ok
}

// reload turns everything saved so far into the state the next Restore loads.
func (f *fakePersistence) reload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadedTechs = f.loadedTechs[:0]
	for _, t := range f.techs {
		f.loadedTechs = append(f.loadedTechs, t)
	}
	f.loadedReqs = f.loadedReqs[:0]
	for _, r := range f.reqs {
		f.loadedReqs = append(f.loadedReqs, r)
	}
}

func (f *fakePersistence) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSaves = fail
}

func (n *recordingNotifier) setFailing(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = fail
}

type recordingMetrics struct {
	mu      sync.Mutex
	matches map[string]int
}

func (m *recordingMetrics) RecordTransition(domain.RequestStatus, domain.RequestStatus) {}

func (m *recordingMetrics) RecordMatch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matches == nil {
		m.matches = map[string]int{}
	}
	m.matches[outcome]++
}

func (m *recordingMetrics) RecordSweep(SweepReport, time.Duration) {}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches[outcome]
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsync-africa/dispatch/internal/domain"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

func TestSubmitAssignsMatchingTechnician(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	req, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)

	assert.Equal(t, domain.RequestStatusAssigned, req.Status)
	require.NotNil(t, req.AssignedTechnicianID)
	assert.Equal(t, "tech-a", *req.AssignedTechnicianID)

	tech, ok := f.ctl.Registry().Get("tech-a")
	require.True(t, ok)
	assert.Equal(t, domain.AvailabilityBusy, tech.Availability)
	assert.Equal(t, 1, tech.ActiveAssignmentCount)

	require.Len(t, req.History, 2)
	assert.Equal(t, domain.RequestStatusPending, req.History[0].Status)
	assert.Equal(t, "user-1", req.History[0].ActorID)
	assert.Equal(t, domain.RequestStatusAssigned, req.History[1].Status)
	assert.Equal(t, ActorMatcher, req.History[1].ActorID)
	require.NotNil(t, req.History[1].TechnicianID)
	assert.Equal(t, "tech-a", *req.History[1].TechnicianID)

	saved, ok := f.db.request(req.ID)
	require.True(t, ok)
	assert.Equal(t, domain.RequestStatusAssigned, saved.Status)
	assert.Equal(t, 1, f.db.techs["tech-a"].ActiveAssignmentCount)

	trs := f.notifier.transitions()
	require.Len(t, trs, 2)
	assert.Equal(t, domain.RequestStatus(""), trs[0].OldStatus)
	assert.Equal(t, domain.RequestStatusPending, trs[0].NewStatus)
	assert.Equal(t, domain.RequestStatusPending, trs[1].OldStatus)
	assert.Equal(t, domain.RequestStatusAssigned, trs[1].NewStatus)
	require.NotNil(t, trs[1].AssignedTechnicianID)
	assert.Equal(t, "tech-a", *trs[1].AssignedTechnicianID)
	assertInvariants(t, f.ctl)
}

func TestSubmitWithoutMatchingTechnicianStaysPending(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	req, err := submit(t, f.ctl, "user-1", "inverter")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable))
	assert.True(t, apperrors.IsNonFatal(err))

	assert.Equal(t, domain.RequestStatusPending, req.Status)
	assert.Nil(t, req.AssignedTechnicianID)

	stored, err := f.ctl.GetRequestStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, stored.Status)
	assertInvariants(t, f.ctl)
}

func TestSubmitValidation(t *testing.T) {
	t.Run("unknown issue type falls back to general", func(t *testing.T) {
		f := newFixture(t, Options{}, technician("tech-g", 4.0, domain.TagGeneral))
		req, err := submit(t, f.ctl, "user-1", "smart-meter")
		require.NoError(t, err)
		assert.Equal(t, domain.RequestStatusAssigned, req.Status)
		assert.Equal(t, domain.CapabilityTag("smart-meter"), req.IssueType)
		assert.Equal(t, "tech-g", req.TechnicianID())
	})

	t.Run("unknown issue type without fallback", func(t *testing.T) {
		ctl := NewController(Dependencies{}, Options{})
		_, err := submit(t, ctl, "user-1", "smart-meter")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
		assert.Empty(t, ctl.ListRequests(RequestFilter{}))
	})

	t.Run("missing requester", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := submit(t, f.ctl, "  ", "battery")
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	})

	t.Run("bad urgency", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.ctl.SubmitRequest(context.Background(), SubmitInput{RequesterID: "u", IssueType: "panel", Urgency: "critical"})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	})

	t.Run("urgency defaults to medium", func(t *testing.T) {
		f := newFixture(t, Options{})
		req, err := f.ctl.SubmitRequest(context.Background(), SubmitInput{RequesterID: "u", IssueType: "Panel"})
		assert.True(t, apperrors.IsNonFatal(err))
		assert.Equal(t, domain.UrgencyMedium, req.Urgency)
		assert.Equal(t, domain.TagPanel, req.IssueType)
	})
}

func TestCompleteFromAssignedIsInvalidTransition(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
	req, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)

	_, err = f.ctl.Complete(context.Background(), req.ID, "tech-a")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))

	stored, err := f.ctl.GetRequestStatus(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusAssigned, stored.Status)
	assert.Len(t, stored.History, 2)
	assertInvariants(t, f.ctl)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
	ctx := context.Background()

	req, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)

	req, err = f.ctl.MarkInProgress(ctx, req.ID, "tech-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusInProgress, req.Status)
	assert.Equal(t, "tech-a", req.TechnicianID())

	req, err = f.ctl.Complete(ctx, req.ID, "tech-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCompleted, req.Status)
	assert.Nil(t, req.AssignedTechnicianID)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, req.LastTransitionAt, *req.CompletedAt)
	assert.Equal(t, 4, req.Version)

	statuses := make([]domain.RequestStatus, 0, len(req.History))
	for i, h := range req.History {
		assert.Equal(t, i+1, h.Sequence)
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []domain.RequestStatus{
		domain.RequestStatusPending,
		domain.RequestStatusAssigned,
		domain.RequestStatusInProgress,
		domain.RequestStatusCompleted,
	}, statuses)

	tech, _ := f.ctl.Registry().Get("tech-a")
	assert.Equal(t, domain.AvailabilityAvailable, tech.Availability)
	assert.Equal(t, 0, tech.ActiveAssignmentCount)
	assert.Equal(t, 1, tech.CompletedJobs)

	trs := f.notifier.transitions()
	require.Len(t, trs, 4)
	last := trs[3]
	assert.Equal(t, domain.RequestStatusInProgress, last.OldStatus)
	assert.Equal(t, domain.RequestStatusCompleted, last.NewStatus)
	require.NotNil(t, last.AssignedTechnicianID)
	assert.Equal(t, "tech-a", *last.AssignedTechnicianID)
	assertInvariants(t, f.ctl)
}

func TestTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel twice", func(t *testing.T) {
		f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
		req, err := submit(t, f.ctl, "user-1", "battery")
		require.NoError(t, err)

		first, err := f.ctl.CancelRequest(ctx, req.ID, "user-1")
		require.NoError(t, err)
		second, err := f.ctl.CancelRequest(ctx, req.ID, "someone-else")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, domain.RequestStatusCancelled, second.Status)
		assert.Len(t, f.notifier.transitions(), 3)
		assertInvariants(t, f.ctl)
	})

	t.Run("start twice", func(t *testing.T) {
		f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
		req, err := submit(t, f.ctl, "user-1", "battery")
		require.NoError(t, err)
		_, err = f.ctl.MarkInProgress(ctx, req.ID, "tech-a")
		require.NoError(t, err)
		again, err := f.ctl.MarkInProgress(ctx, req.ID, "tech-a")
		require.NoError(t, err)
		assert.Equal(t, domain.RequestStatusInProgress, again.Status)
		assert.Len(t, again.History, 3)
	})
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	done, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)
	_, err = f.ctl.MarkInProgress(ctx, done.ID, "tech-a")
	require.NoError(t, err)
	_, err = f.ctl.Complete(ctx, done.ID, "tech-a")
	require.NoError(t, err)

	_, err = f.ctl.CancelRequest(ctx, done.ID, "user-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))

	cancelled, err := submit(t, f.ctl, "user-2", "battery")
	require.NoError(t, err)
	_, err = f.ctl.CancelRequest(ctx, cancelled.ID, "user-2")
	require.NoError(t, err)
	_, err = f.ctl.MarkInProgress(ctx, cancelled.ID, "tech-a")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
	_, err = f.ctl.Complete(ctx, cancelled.ID, "tech-a")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))

	_, err = f.ctl.CancelRequest(ctx, "missing", "user-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = f.ctl.CancelRequest(ctx, done.ID, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assertInvariants(t, f.ctl)
}

func TestCancelReleasesTechnician(t *testing.T) {
	ctx := context.Background()
	for _, start := range []bool{false, true} {
		t.Run(fmt.Sprintf("in_progress=%v", start), func(t *testing.T) {
			f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
			before, _ := f.ctl.Registry().Get("tech-a")

			req, err := submit(t, f.ctl, "user-1", "battery")
			require.NoError(t, err)
			if start {
				_, err = f.ctl.MarkInProgress(ctx, req.ID, "tech-a")
				require.NoError(t, err)
			}

			cancelled, err := f.ctl.CancelRequest(ctx, req.ID, "user-1")
			require.NoError(t, err)
			assert.Nil(t, cancelled.AssignedTechnicianID)
			last := cancelled.History[len(cancelled.History)-1]
			assert.Equal(t, "user-1", last.ActorID)
			require.NotNil(t, last.TechnicianID)
			assert.Equal(t, "tech-a", *last.TechnicianID)

			after, _ := f.ctl.Registry().Get("tech-a")
			assert.Equal(t, before.ActiveAssignmentCount, after.ActiveAssignmentCount)
			assert.Equal(t, domain.AvailabilityAvailable, after.Availability)
			assert.Equal(t, 0, after.CompletedJobs)
			assertInvariants(t, f.ctl)
		})
	}
}

func TestDispatchOrderTieBreak(t *testing.T) {
	f := newFixture(t, Options{},
		technician("tech-c", 4.7, domain.TagPanel),
		technician("tech-b", 4.9, domain.TagPanel),
		technician("tech-a", 4.9, domain.TagPanel),
	)

	var got []string
	for i := 0; i < 3; i++ {
		req, err := submit(t, f.ctl, fmt.Sprintf("user-%d", i), "panel")
		require.NoError(t, err)
		got = append(got, req.TechnicianID())
	}
	assert.Equal(t, []string{"tech-a", "tech-b", "tech-c"}, got)
	assertInvariants(t, f.ctl)
}

func TestSweepAssignsOldestFirst(t *testing.T) {
	ctx := context.Background()
	tech := technician("tech-a", 4.8, domain.TagBattery)
	tech.Availability = domain.AvailabilityOffline
	f := newFixture(t, Options{}, tech)

	var ids []string
	for i := 1; i <= 3; i++ {
		req, err := submit(t, f.ctl, fmt.Sprintf("user-%d", i), "battery")
		require.True(t, apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable))
		ids = append(ids, req.ID)
	}

	_, err := f.ctl.SetTechnicianPresence(ctx, "tech-a", true)
	require.NoError(t, err)

	report, err := f.ctl.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 3, Assigned: 1, Unmatched: 2}, report)

	first, _ := f.ctl.GetRequestStatus(ids[0])
	assert.Equal(t, domain.RequestStatusAssigned, first.Status)
	assert.Equal(t, ActorSweep, first.History[len(first.History)-1].ActorID)
	for _, id := range ids[1:] {
		r, _ := f.ctl.GetRequestStatus(id)
		assert.Equal(t, domain.RequestStatusPending, r.Status)
	}

	// Sweeping again with nothing freed changes nothing.
	report, err = f.ctl.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 2, Unmatched: 2}, report)

	_, err = f.ctl.CancelRequest(ctx, ids[0], "user-1")
	require.NoError(t, err)
	report, err = f.ctl.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Assigned)
	second, _ := f.ctl.GetRequestStatus(ids[1])
	assert.Equal(t, domain.RequestStatusAssigned, second.Status)
	assertInvariants(t, f.ctl)
}

func TestSweepHonoursCancelledContext(t *testing.T) {
	f := newFixture(t, Options{})
	_, _ = submit(t, f.ctl, "user-1", "battery")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.ctl.SweepPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Examined)
}

func TestConcurrentSubmitsNeverShareTechnician(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	const callers = 16
	var wg sync.WaitGroup
	results := make([]domain.ServiceRequest, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = submit(t, f.ctl, fmt.Sprintf("user-%d", i), "battery")
		}(i)
	}
	wg.Wait()

	assigned := 0
	for i, r := range results {
		assert.True(t, apperrors.IsNonFatal(errs[i]), "caller %d: %v", i, errs[i])
		if r.Status == domain.RequestStatusAssigned {
			assigned++
			continue
		}
		assert.Equal(t, domain.RequestStatusPending, r.Status)
		assert.True(t, apperrors.HasCode(errs[i], apperrors.CodeNoTechnicianAvailable))
	}
	assert.Equal(t, 1, assigned)
	assertInvariants(t, f.ctl)
}

func TestConcurrentSubmitsSpreadAcrossTechnicians(t *testing.T) {
	f := newFixture(t, Options{},
		technician("tech-a", 4.8, domain.TagBattery),
		technician("tech-b", 4.5, domain.TagBattery),
	)

	var wg sync.WaitGroup
	results := make([]domain.ServiceRequest, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = submit(t, f.ctl, fmt.Sprintf("user-%d", i), "battery")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, domain.RequestStatusAssigned, r.Status)
	}
	assert.NotEqual(t, results[0].TechnicianID(), results[1].TechnicianID())
	assertInvariants(t, f.ctl)
}

func TestConcurrentSweepCancelAndComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{},
		technician("tech-a", 4.8, domain.TagBattery),
		technician("tech-b", 4.2, domain.TagBattery, domain.TagPanel),
		technician("tech-c", 3.9, domain.TagPanel),
	)

	var ids []string
	for i := 0; i < 30; i++ {
		issue := "battery"
		if i%2 == 1 {
			issue = "panel"
		}
		req, err := submit(t, f.ctl, fmt.Sprintf("user-%d", i), issue)
		require.True(t, apperrors.IsNonFatal(err))
		ids = append(ids, req.ID)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := f.ctl.SweepPending(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(ids); i += 3 {
				req, err := f.ctl.GetRequestStatus(ids[i])
				if !assert.NoError(t, err) {
					continue
				}
				if req.Status == domain.RequestStatusAssigned && i%2 == 0 {
					if _, err := f.ctl.MarkInProgress(ctx, req.ID, req.TechnicianID()); err == nil {
						_, _ = f.ctl.Complete(ctx, req.ID, req.TechnicianID())
					}
					continue
				}
				_, _ = f.ctl.CancelRequest(ctx, req.ID, "ops")
			}
		}(w)
	}
	wg.Wait()

	assertInvariants(t, f.ctl)
}

func TestSideEffectFailuresDoNotRollBack(t *testing.T) {
	t.Run("persistence", func(t *testing.T) {
		f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
		f.db.failSaves = true

		req, err := submit(t, f.ctl, "user-1", "battery")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeInfrastructure))
		assert.True(t, apperrors.IsNonFatal(err))
		assert.Equal(t, domain.RequestStatusAssigned, req.Status)
		assert.Len(t, f.notifier.transitions(), 2)
		assertInvariants(t, f.ctl)
	})

	t.Run("notification", func(t *testing.T) {
		f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
		req, err := submit(t, f.ctl, "user-1", "battery")
		require.NoError(t, err)

		f.notifier.fail = true
		cancelled, err := f.ctl.CancelRequest(context.Background(), req.ID, "user-1")
		assert.True(t, apperrors.HasCode(err, apperrors.CodeInfrastructure))
		assert.Equal(t, domain.RequestStatusCancelled, cancelled.Status)
		saved, _ := f.db.request(req.ID)
		assert.Equal(t, domain.RequestStatusCancelled, saved.Status)
		assertInvariants(t, f.ctl)
	})
}

func TestCapacityAboveOne(t *testing.T) {
	f := newFixture(t, Options{Capacity: 2}, technician("tech-a", 4.8, domain.TagBattery))

	first, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)
	tech, _ := f.ctl.Registry().Get("tech-a")
	assert.Equal(t, domain.AvailabilityAvailable, tech.Availability)

	second, err := submit(t, f.ctl, "user-2", "battery")
	require.NoError(t, err)
	third, err := submit(t, f.ctl, "user-3", "battery")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable))

	assert.Equal(t, "tech-a", first.TechnicianID())
	assert.Equal(t, "tech-a", second.TechnicianID())
	assert.Equal(t, domain.RequestStatusPending, third.Status)
	tech, _ = f.ctl.Registry().Get("tech-a")
	assert.Equal(t, domain.AvailabilityBusy, tech.Availability)
	assertInvariants(t, f.ctl)
}

func TestRestoreRebuildsCounts(t *testing.T) {
	clock := newTestClock()
	t0 := clock.Now()
	techA := "tech-a"
	db := newFakePersistence()
	db.loadedTechs = []domain.Technician{
		{ID: "tech-a", Specializations: []domain.CapabilityTag{domain.TagBattery}, Rating: 4.8, Availability: domain.AvailabilityAvailable, ActiveAssignmentCount: 7},
		{ID: "tech-b", Specializations: []domain.CapabilityTag{domain.TagBattery}, Rating: 4.1, Availability: domain.AvailabilityBusy, ActiveAssignmentCount: 1},
	}
	db.loadedReqs = []domain.ServiceRequest{
		{ID: "r-2", RequesterID: "u2", IssueType: domain.TagBattery, Urgency: domain.UrgencyLow, Status: domain.RequestStatusPending, CreatedAt: t0.Add(2)},
		{ID: "r-1", RequesterID: "u1", IssueType: domain.TagBattery, Urgency: domain.UrgencyHigh, Status: domain.RequestStatusInProgress, AssignedTechnicianID: &techA, CreatedAt: t0.Add(1)},
		{ID: "r-bad", RequesterID: "u3", IssueType: domain.TagBattery, Urgency: domain.UrgencyHigh, Status: domain.RequestStatusAssigned, CreatedAt: t0},
	}
	ctl := NewController(Dependencies{Persistence: db}, Options{Now: clock.Now, FallbackTag: domain.TagGeneral})

	require.NoError(t, ctl.Restore(context.Background()))

	reqs := ctl.ListRequests(RequestFilter{})
	require.Len(t, reqs, 2)
	assert.Equal(t, "r-1", reqs[0].ID)
	assert.Equal(t, "r-2", reqs[1].ID)

	a, _ := ctl.Registry().Get("tech-a")
	assert.Equal(t, 1, a.ActiveAssignmentCount)
	assert.Equal(t, domain.AvailabilityBusy, a.Availability)
	b, _ := ctl.Registry().Get("tech-b")
	assert.Equal(t, 0, b.ActiveAssignmentCount)
	assert.Equal(t, domain.AvailabilityAvailable, b.Availability)

	report, err := ctl.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Assigned)
	r2, _ := ctl.GetRequestStatus("r-2")
	assert.Equal(t, "tech-b", r2.TechnicianID())
	assertInvariants(t, ctl)
}

func TestListTechnicianLoad(t *testing.T) {
	f := newFixture(t, Options{},
		technician("tech-b", 4.8, domain.TagBattery),
		technician("tech-a", 4.1, domain.TagPanel),
	)
	_, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)

	assert.Equal(t, []domain.TechnicianLoad{
		{TechnicianID: "tech-a", Availability: domain.AvailabilityAvailable, ActiveAssignmentCount: 0},
		{TechnicianID: "tech-b", Availability: domain.AvailabilityBusy, ActiveAssignmentCount: 1},
	}, f.ctl.ListTechnicianLoad())
}

func TestListRequestsFilters(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
	first, err := submit(t, f.ctl, "user-1", "battery")
	require.NoError(t, err)
	_, _ = submit(t, f.ctl, "user-1", "panel")
	_, _ = submit(t, f.ctl, "user-2", "battery")

	assert.Len(t, f.ctl.ListRequests(RequestFilter{RequesterID: "user-1"}), 2)
	assert.Len(t, f.ctl.ListRequests(RequestFilter{TechnicianID: "tech-a"}), 1)

	ctx := context.Background()
	_, err = f.ctl.MarkInProgress(ctx, first.ID, "tech-a")
	require.NoError(t, err)
	_, err = f.ctl.Complete(ctx, first.ID, "tech-a")
	require.NoError(t, err)
	held := f.ctl.ListRequests(RequestFilter{TechnicianID: "tech-a"})
	require.Len(t, held, 1)
	assert.Equal(t, domain.RequestStatusCompleted, held[0].Status)
	assert.Nil(t, held[0].AssignedTechnicianID)
	assert.Empty(t, f.ctl.ListRequests(RequestFilter{TechnicianID: "tech-b"}))
	pending := f.ctl.ListRequests(RequestFilter{Statuses: []domain.RequestStatus{domain.RequestStatusPending}})
	require.Len(t, pending, 2)
	assert.Equal(t, "user-1", pending[0].RequesterID)
	assert.Equal(t, "user-2", pending[1].RequesterID)
	assert.Len(t, f.ctl.ListRequests(RequestFilter{Offset: 1, Limit: 1}), 1)
}

// contendedSource hands out the registry's candidate list but lets a rival
// reserve the head technician before the controller can.
type contendedSource struct {
	registry *Registry
	stolen   []string
}

func (s *contendedSource) ListAvailable(tag domain.CapabilityTag) []domain.Technician {
	list := s.registry.ListAvailable(tag)
	if len(list) > 0 && s.registry.Reserve(list[0].ID) {
		s.stolen = append(s.stolen, list[0].ID)
	}
	return list
}

func TestLostReservationRaceIsRetriedOnce(t *testing.T) {
	clock := newTestClock()
	registry := NewRegistry(1, clock.Now)
	source := &contendedSource{registry: registry}
	metrics := &recordingMetrics{}
	ctl := NewController(
		Dependencies{Registry: registry, Candidates: source, Metrics: metrics},
		Options{Now: clock.Now, NewID: sequentialIDs(), FallbackTag: domain.TagGeneral},
	)
	for _, tech := range []domain.Technician{
		technician("tech-a", 4.8, domain.TagBattery),
		technician("tech-b", 4.5, domain.TagBattery),
		technician("tech-c", 4.1, domain.TagBattery),
	} {
		_, err := ctl.UpsertTechnician(context.Background(), tech)
		require.NoError(t, err)
	}

	req, err := submit(t, ctl, "user-1", "battery")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoTechnicianAvailable))
	assert.Equal(t, "reservation contention", apperrors.ToDomainError(err).Details["reason"])
	assert.Equal(t, domain.RequestStatusPending, req.Status)
	assert.Nil(t, req.AssignedTechnicianID)

	assert.Equal(t, []string{"tech-a", "tech-b"}, source.stolen, "second attempt used a fresh candidate list")
	assert.Equal(t, 2, metrics.count(MatchRaceLost))
	assert.Equal(t, 0, metrics.count(MatchAssigned))

	for _, id := range source.stolen {
		require.True(t, registry.Release(id))
	}
	for _, tech := range ctl.ListTechnicians() {
		assert.Equal(t, 0, tech.ActiveAssignmentCount, tech.ID)
		assert.Equal(t, domain.AvailabilityAvailable, tech.Availability, tech.ID)
	}
	assertInvariants(t, ctl)
}

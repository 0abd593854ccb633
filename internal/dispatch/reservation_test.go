package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsync-africa/dispatch/internal/domain"
)

func TestReservationReleasedUnlessCommitted(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	res, ok := f.ctl.reserve("tech-a")
	require.True(t, ok)
	res.Close()
	res.Close()
	tech, _ := f.ctl.Registry().Get("tech-a")
	assert.Equal(t, 0, tech.ActiveAssignmentCount)

	res, ok = f.ctl.reserve("tech-a")
	require.True(t, ok)
	res.Commit()
	res.Close()
	tech, _ = f.ctl.Registry().Get("tech-a")
	assert.Equal(t, 1, tech.ActiveAssignmentCount)
}

func TestReservationReleasedOnPanic(t *testing.T) {
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))

	assert.Panics(t, func() {
		res, ok := f.ctl.reserve("tech-a")
		require.True(t, ok)
		defer res.Close()
		panic("notifier exploded")
	})

	tech, _ := f.ctl.Registry().Get("tech-a")
	assert.Equal(t, 0, tech.ActiveAssignmentCount)
	assert.Equal(t, domain.AvailabilityAvailable, tech.Availability)
}

func TestCommitAssignmentReleasesWhenRequestLeftPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, technician("tech-a", 4.8, domain.TagBattery))
	req, err := submit(t, f.ctl, "user-1", "panel")
	require.Error(t, err)
	_, err = f.ctl.CancelRequest(ctx, req.ID, "user-1")
	require.NoError(t, err)

	res, ok := f.ctl.reserve("tech-a")
	require.True(t, ok)
	snapshot, committed, err := f.ctl.commitAssignment(ctx, res, req.ID, ActorMatcher)
	assert.False(t, committed)
	assert.ErrorIs(t, err, errNotPending)
	assert.Equal(t, domain.RequestStatusCancelled, snapshot.Status)

	tech, _ := f.ctl.Registry().Get("tech-a")
	assert.Equal(t, 0, tech.ActiveAssignmentCount)
	assertInvariants(t, f.ctl)
}

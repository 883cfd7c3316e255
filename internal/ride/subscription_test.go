package ride

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cartrabbit/internal/models"
)

// waitFor reads snapshots until one satisfies ok.
func waitFor(t *testing.T, s *Subscription, ok func([]models.RideRequest) bool) []models.RideRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, open := <-s.C:
			require.True(t, open, "subscription closed")
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func TestSubscriptionFollowsUnassignedRides(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Run(ctx))

	sub, err := m.Subscribe(ctx, Unassigned())
	require.NoError(t, err)
	defer sub.Close()

	first := waitFor(t, sub, func([]models.RideRequest) bool { return true })
	assert.Empty(t, first)

	r := createRide(t, m)
	snap := waitFor(t, sub, func(s []models.RideRequest) bool { return len(s) == 1 })
	assert.Equal(t, r.ID, snap[0].ID)

	_, err = m.Accept(ctx, r.ID, host.ID, nil)
	require.NoError(t, err)
	waitFor(t, sub, func(s []models.RideRequest) bool { return len(s) == 0 })
}

func TestSubscriptionInitialSnapshotAndHostView(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedRide(t, store, "mine", models.StatusAccepted)
	seedRide(t, store, "open", models.StatusPending)
	require.NoError(t, m.Run(ctx))

	sub, err := m.Subscribe(ctx, ActiveForHost(host.ID))
	require.NoError(t, err)
	defer sub.Close()

	snap := waitFor(t, sub, func([]models.RideRequest) bool { return true })
	require.Len(t, snap, 1)
	assert.Equal(t, "mine", snap[0].ID)

	_, err = m.Start(ctx, "mine", host.ID)
	require.NoError(t, err)
	snap = waitFor(t, sub, func(s []models.RideRequest) bool {
		return len(s) == 1 && s[0].Status == models.StatusInProgress
	})
	assert.Equal(t, host.ID, snap[0].HostID)

	_, err = m.Complete(ctx, "mine", host.ID)
	require.NoError(t, err)
	waitFor(t, sub, func(s []models.RideRequest) bool { return len(s) == 0 })
}

func TestSubscriptionIgnoresStaleVersions(t *testing.T) {
	m, store, _ := newTestManager(t)
	r := seedRide(t, store, "r1", models.StatusPending)
	sub, err := m.Subscribe(context.Background(), Unassigned())
	require.NoError(t, err)
	defer sub.Close()
	<-sub.C

	newer := r
	newer.Version = 3
	newer.Status = models.StatusAccepted
	newer.HostID = host.ID
	sub.offer(newer)
	snap := <-sub.C
	assert.Empty(t, snap)

	stale := r
	stale.Version = 2
	sub.offer(stale)
	select {
	case snap := <-sub.C:
		t.Fatalf("unexpected snapshot %v", snap)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, ByRider(rider.ID))
	require.NoError(t, err)
	<-sub.C

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-sub.C
		return !open
	}, time.Second, 10*time.Millisecond)

	sub.Close()
	assert.Empty(t, m.hub.snapshot())
}

package ride

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/storage"
)

type gatewayCall struct {
	Action models.SettlementAction
	Ref    string
	Key    string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	fail  map[models.SettlementAction]error
}

func (g *fakeGateway) record(a models.SettlementAction, ref, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Action: a, Ref: ref, Key: key})
	return g.fail[a]
}

func (g *fakeGateway) Capture(_ context.Context, ref, key string) error {
	return g.record(models.SettleCapture, ref, key)
}

func (g *fakeGateway) Cancel(_ context.Context, ref, key string) error {
	return g.record(models.SettleRelease, ref, key)
}

func (g *fakeGateway) Refund(_ context.Context, ref, key string) error {
	return g.record(models.SettleRefund, ref, key)
}

func (g *fakeGateway) count(a models.SettlementAction) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Action == a {
			n++
		}
	}
	return n
}

var (
	rider = models.Identity{ID: "rider-1", Role: models.RoleRider}
	host  = models.Identity{ID: "host-1", Role: models.RoleHost}

	dock = models.Place{Address: "Harbor Dock", Coord: models.Coord{Lat: 30.3096, Lon: -89.3301}}
	bar  = models.Place{Address: "Beach Bar", Coord: models.Coord{Lat: 30.3380, Lon: -89.3010}}
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore, *fakeGateway) {
	t.Helper()
	store := storage.NewMemoryStore()
	gw := &fakeGateway{fail: map[models.SettlementAction]error{}}
	m := NewManager(store, gw, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n := 0
	m.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return m, store, gw
}

func createRide(t *testing.T, m *Manager) models.RideRequest {
	t.Helper()
	r, err := m.Create(context.Background(), CreateInput{
		RiderID:          rider.ID,
		Pickup:           dock,
		Destination:      bar,
		FeeCents:         850,
		PaymentReference: "pi_test",
	})
	require.NoError(t, err)
	return r
}

func seedRide(t *testing.T, store *storage.MemoryStore, id string, status models.Status) models.RideRequest {
	t.Helper()
	r := models.RideRequest{
		ID:               id,
		RiderID:          rider.ID,
		Pickup:           dock,
		Destination:      bar,
		FeeCents:         850,
		Currency:         "usd",
		PaymentReference: "pi_" + id,
		Status:           status,
		CreatedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	switch status {
	case models.StatusAccepted, models.StatusInProgress, models.StatusCompleted:
		r.HostID = host.ID
	}
	created, err := store.Create(context.Background(), r)
	require.NoError(t, err)
	return created
}

func TestNextTable(t *testing.T) {
	allowed := map[models.Status][]Event{
		models.StatusPending:    {EventAccept, EventCancelByRider},
		models.StatusAccepted:   {EventStart, EventCancelByRider, EventCancelByHost},
		models.StatusInProgress: {EventComplete, EventCancelByHost},
	}
	statuses := []models.Status{
		models.StatusPending, models.StatusAccepted, models.StatusInProgress,
		models.StatusCompleted, models.StatusCancelledByRider, models.StatusCancelledByHost,
	}
	for _, from := range statuses {
		for _, ev := range Events {
			_, err := Next(from, ev)
			ok := false
			for _, a := range allowed[from] {
				ok = ok || a == ev
			}
			if ok {
				assert.NoError(t, err, "%s on %s", ev, from)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", ev, from)
			}
		}
	}

	for _, ev := range Events {
		_, err := Next(models.StatusPendingSettlement, ev)
		assert.ErrorIs(t, err, ErrSettlementInProgress)
	}
	assert.Equal(t, []models.Status{models.StatusAccepted, models.StatusInProgress}, Sources(EventCancelByHost))
}

func TestRejectedTransitionsLeaveRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	ops := map[Event]func(m *Manager, id string) error{
		EventAccept: func(m *Manager, id string) error {
			_, err := m.Accept(ctx, id, "host-2", nil)
			return err
		},
		EventStart: func(m *Manager, id string) error {
			_, err := m.Start(ctx, id, host.ID)
			return err
		},
		EventComplete: func(m *Manager, id string) error {
			_, err := m.Complete(ctx, id, host.ID)
			return err
		},
		EventCancelByRider: func(m *Manager, id string) error {
			_, err := m.Cancel(ctx, id, rider)
			return err
		},
		EventCancelByHost: func(m *Manager, id string) error {
			_, err := m.Cancel(ctx, id, host)
			return err
		},
	}
	statuses := []models.Status{
		models.StatusPending, models.StatusAccepted, models.StatusInProgress,
		models.StatusCompleted, models.StatusCancelledByRider, models.StatusCancelledByHost,
	}
	for _, from := range statuses {
		for _, ev := range Events {
			if _, err := Next(from, ev); err == nil {
				continue
			}
			t.Run(fmt.Sprintf("%s_%s", from, ev), func(t *testing.T) {
				m, store, gw := newTestManager(t)
				before := seedRide(t, store, "r1", from)

				err := ops[ev](m, before.ID)
				require.Error(t, err)

				after, gerr := store.Get(ctx, before.ID)
				require.NoError(t, gerr)
				assert.Equal(t, before, after)
				assert.Empty(t, gw.calls)
			})
		}
	}
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	base := CreateInput{RiderID: rider.ID, Pickup: dock, Destination: bar, FeeCents: 850, PaymentReference: "pi"}

	noRider := base
	noRider.RiderID = ""
	_, err := m.Create(ctx, noRider)
	assert.ErrorIs(t, err, ErrIdentityRequired)

	noPickup := base
	noPickup.Pickup = models.Place{}
	_, err = m.Create(ctx, noPickup)
	assert.ErrorIs(t, err, ErrValidation)

	badCoord := base
	badCoord.Destination = models.Place{Address: "x", Coord: models.Coord{Lat: 91}}
	_, err = m.Create(ctx, badCoord)
	assert.ErrorIs(t, err, ErrValidation)

	noRef := base
	noRef.PaymentReference = " "
	_, err = m.Create(ctx, noRef)
	assert.ErrorIs(t, err, ErrValidation)

	r, err := m.Create(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, "usd", r.Currency)
	assert.Empty(t, r.HostID)
	assert.False(t, r.HostAssigned())
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	r := createRide(t, m)

	const hosts = 20
	var wg sync.WaitGroup
	errs := make([]error, hosts)
	for i := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Accept(context.Background(), r.ID, fmt.Sprintf("host-%d", i), nil)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyAssigned)
	}
	assert.Equal(t, 1, wins)

	got, err := m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.NotEmpty(t, got.HostID)
	assert.NotNil(t, got.AcceptedAt)
}

func TestAcceptRules(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r := createRide(t, m)

	_, err := m.Accept(ctx, r.ID, rider.ID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.Accept(ctx, r.ID, "", nil)
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = m.Accept(ctx, "missing", host.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	at := models.Coord{Lat: 30.3000, Lon: -89.3301}
	got, err := m.Accept(ctx, r.ID, host.ID, &at)
	require.NoError(t, err)
	require.NotNil(t, got.HostLocation)
	assert.InDelta(t, 0.667, got.DistanceToPickup, 0.01)
	assert.InDelta(t, got.DistanceToPickup/25*60, got.ETAMinutes, 1e-9)

	_, err = m.Start(ctx, r.ID, "host-2")
	assert.ErrorIs(t, err, ErrNotAssignedHost)
}

type denyAll struct{}

func (denyAll) CanHost(context.Context, string) (bool, error) { return false, nil }

func TestAcceptRequiresEligibleHost(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Verifier = denyAll{}
	r := createRide(t, m)
	_, err := m.Accept(context.Background(), r.ID, host.ID, nil)
	assert.ErrorIs(t, err, ErrHostNotEligible)
}

func TestCancelPendingReleasesHoldWithoutRefund(t *testing.T) {
	m, _, gw := newTestManager(t)
	r := createRide(t, m)

	got, err := m.Cancel(context.Background(), r.ID, rider)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelledByRider, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Equal(t, 0, gw.count(models.SettleRefund))
	assert.Equal(t, 1, gw.count(models.SettleRelease))
}

func TestCancelAssignedRideRefunds(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		status models.Status
		actor  models.Identity
		want   models.Status
	}{
		{"rider cancels accepted", models.StatusAccepted, rider, models.StatusCancelledByRider},
		{"host cancels accepted", models.StatusAccepted, host, models.StatusCancelledByHost},
		{"host cancels in progress", models.StatusInProgress, host, models.StatusCancelledByHost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, store, gw := newTestManager(t)
			seeded := seedRide(t, store, "r1", tc.status)
			_, err := store.Update(ctx, seeded.ID, storage.Condition{}, func(r *models.RideRequest) {
				r.HostLocation = &models.Coord{Lat: 30.31, Lon: -89.33}
				r.ETAMinutes = 4
			})
			require.NoError(t, err)

			got, err := m.Cancel(ctx, seeded.ID, tc.actor)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Empty(t, got.HostID)
			assert.Nil(t, got.HostLocation)
			assert.Zero(t, got.ETAMinutes)
			assert.False(t, got.HostAssigned())
			assert.Equal(t, 1, gw.count(models.SettleRefund))
			assert.Equal(t, "pi_r1", gw.calls[0].Ref)
			assert.Equal(t, "r1:refund", gw.calls[0].Key)
		})
	}
}

func TestRiderCannotCancelInProgress(t *testing.T) {
	m, store, gw := newTestManager(t)
	seeded := seedRide(t, store, "r1", models.StatusInProgress)
	_, err := m.Cancel(context.Background(), seeded.ID, rider)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, gw.calls)
}

func TestRideScenarioCapturesOnce(t *testing.T) {
	m, store, gw := newTestManager(t)
	ctx := context.Background()
	r := createRide(t, m)

	_, err := m.Accept(ctx, r.ID, host.ID, nil)
	require.NoError(t, err)
	_, err = m.Start(ctx, r.ID, host.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = m.Complete(ctx, r.ID, host.ID)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrSettlementInProgress) || errors.Is(err, ErrInvalidTransition), err)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, gw.count(models.SettleCapture))
	assert.Equal(t, "pi_test", gw.calls[0].Ref)

	got, err := m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(850), got.FeeCents)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Settlement)

	booking, archived := store.Booking(r.ID)
	require.True(t, archived)
	assert.Equal(t, models.StatusCompleted, booking.Status)
}

func TestCaptureFailureRestoresPriorStatus(t *testing.T) {
	m, store, gw := newTestManager(t)
	gw.fail[models.SettleCapture] = errors.New("card_declined")
	seeded := seedRide(t, store, "r1", models.StatusInProgress)

	got, err := m.Complete(context.Background(), seeded.ID, host.ID)
	require.ErrorIs(t, err, ErrPayment)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Nil(t, got.Settlement)
	assert.Equal(t, host.ID, got.HostID)

	_, archived := store.Booking(seeded.ID)
	assert.False(t, archived)

	// the host can retry once payment recovers
	delete(gw.fail, models.SettleCapture)
	got, err = m.Complete(context.Background(), seeded.ID, host.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func seedSettling(t *testing.T, store *storage.MemoryStore, startedAt time.Time) models.RideRequest {
	t.Helper()
	r := seedRide(t, store, "r1", models.StatusInProgress)
	held, err := store.Update(context.Background(), r.ID, storage.Condition{}, func(x *models.RideRequest) {
		x.Status = models.StatusPendingSettlement
		x.Settlement = &models.Settlement{
			Action:    models.SettleCapture,
			Target:    models.StatusCompleted,
			Prior:     models.StatusInProgress,
			ActorID:   host.ID,
			StartedAt: startedAt,
		}
	})
	require.NoError(t, err)
	return held
}

func TestSweepFinishesStaleSettlement(t *testing.T) {
	m, store, gw := newTestManager(t)
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	held := seedSettling(t, store, now.Add(-10*time.Minute))
	assert.True(t, held.HostAssigned())

	rc := &Reconciler{Manager: m, StaleAfter: 2 * time.Minute}
	res, err := rc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Finished: 1}, res)

	got, err := store.Get(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.Len(t, gw.calls, 1)
	assert.Equal(t, "r1:capture", gw.calls[0].Key)

	// nothing left to do
	res, err = rc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepSkipsFreshAndRestoresAbandoned(t *testing.T) {
	m, store, gw := newTestManager(t)
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	gw.fail[models.SettleCapture] = errors.New("gateway down")
	held := seedSettling(t, store, now.Add(-30*time.Second))

	rc := &Reconciler{Manager: m, StaleAfter: 2 * time.Minute, MaxAttempts: 2}
	res, err := rc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	now = now.Add(5 * time.Minute)
	res, err = rc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Retrying: 1}, res)

	now = now.Add(5 * time.Minute)
	res, err = rc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Restored: 1}, res)

	got, err := store.Get(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Nil(t, got.Settlement)
}

func TestUpdateHostLocation(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	accepted := seedRide(t, store, "a", models.StatusAccepted)
	moving := seedRide(t, store, "b", models.StatusInProgress)
	seedRide(t, store, "c", models.StatusPending)

	n, err := m.UpdateHostLocation(ctx, host.ID, dock.Coord)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := store.Get(ctx, accepted.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, a.DistanceToPickup, 1e-9)

	b, err := store.Get(ctx, moving.ID)
	require.NoError(t, err)
	assert.Greater(t, b.DistanceToPickup, 2.0)
	assert.InDelta(t, b.DistanceToPickup/25*60, b.ETAMinutes, 1e-9)

	_, err = m.UpdateHostLocation(ctx, host.ID, models.Coord{Lat: 100})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestChatParticipants(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r := createRide(t, m)
	_, err := m.Accept(ctx, r.ID, host.ID, nil)
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, r.ID, rider, "at the dock")
	require.NoError(t, err)
	_, err = m.SendMessage(ctx, r.ID, host, "two minutes")
	require.NoError(t, err)

	_, err = m.SendMessage(ctx, r.ID, models.Identity{ID: "stranger"}, "hi")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.SendMessage(ctx, r.ID, rider, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	msgs, err := m.Messages(ctx, r.ID, host)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "at the dock", msgs[0].Text)
	assert.Equal(t, models.RoleHost, msgs[1].SenderRole)
}

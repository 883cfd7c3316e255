package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cartrabbit/internal/models"
)

func pendingRide(id string) models.RideRequest {
	return models.RideRequest{
		ID:               id,
		RiderID:          "rider-1",
		Pickup:           models.Place{Address: "Dock", Coord: models.Coord{Lat: 30.30, Lon: -89.33}},
		Destination:      models.Place{Address: "Bar", Coord: models.Coord{Lat: 30.32, Lon: -89.30}},
		FeeCents:         850,
		Currency:         "usd",
		PaymentReference: "pi_1",
		Status:           models.StatusPending,
		CreatedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	created, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Create(ctx, pendingRide("r1"))
	assert.Error(t, err)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)

	empty := ""
	cond := Condition{Statuses: []models.Status{models.StatusPending}, HostID: &empty}
	next, err := s.Update(ctx, "r1", cond, func(r *models.RideRequest) {
		r.Status = models.StatusAccepted
		r.HostID = "host-a"
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, "host-a", next.HostID)

	cur, err := s.Update(ctx, "r1", cond, func(r *models.RideRequest) { r.HostID = "host-b" })
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "host-a", cur.HostID)

	_, err = s.Update(ctx, "nope", cond, func(*models.RideRequest) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateKeepsImmutableFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	orig, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)

	next, err := s.Update(ctx, "r1", Condition{}, func(r *models.RideRequest) {
		r.FeeCents = 1
		r.Pickup.Address = "elsewhere"
		r.PaymentReference = "pi_other"
		r.RiderID = "someone"
	})
	require.NoError(t, err)
	assert.Equal(t, orig.FeeCents, next.FeeCents)
	assert.Equal(t, orig.Pickup, next.Pickup)
	assert.Equal(t, orig.PaymentReference, next.PaymentReference)
	assert.Equal(t, orig.RiderID, next.RiderID)
}

func TestMemoryStoreConcurrentConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)

	empty := ""
	cond := Condition{Statuses: []models.Status{models.StatusPending}, HostID: &empty}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "r1", cond, func(r *models.RideRequest) {
				r.Status = models.StatusAccepted
				r.HostID = string(rune('a' + i))
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := pendingRide("a")
	b := pendingRide("b")
	b.CreatedAt = a.CreatedAt.Add(time.Minute)
	b.RiderID = "rider-2"
	for _, r := range []models.RideRequest{b, a} {
		_, err := s.Create(ctx, r)
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "b", Condition{}, func(r *models.RideRequest) {
		r.Status = models.StatusAccepted
		r.HostID = "h"
	})
	require.NoError(t, err)

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	unassigned, err := s.Query(ctx, Filter{Statuses: []models.Status{models.StatusPending}, Unassigned: true})
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, "a", unassigned[0].ID)

	byHost, err := s.Query(ctx, Filter{HostID: "h"})
	require.NoError(t, err)
	require.Len(t, byHost, 1)
	assert.Equal(t, "b", byHost[0].ID)

	limited, err := s.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStoreWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()
	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	_, err = s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "r1", Condition{}, func(r *models.RideRequest) { r.Status = models.StatusAccepted })
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, int64(1), first.Ride.Version)
	assert.Equal(t, int64(2), second.Ride.Version)
	assert.Equal(t, models.StatusAccepted, second.Ride.Status)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)

	// writes after the watcher is gone must not block
	_, err = s.Update(context.Background(), "r1", Condition{}, func(r *models.RideRequest) { r.ETAMinutes = 3 })
	require.NoError(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "r1", Condition{}, func(r *models.RideRequest) {
		r.HostLocation = &models.Coord{Lat: 1, Lon: 1}
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got.HostLocation.Lat = 99

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.HostLocation.Lat)
}

func TestMemoryStoreArchiveAndMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.Create(ctx, pendingRide("r1"))
	require.NoError(t, err)

	require.NoError(t, s.Archive(ctx, r))
	require.NoError(t, s.Archive(ctx, r))
	_, ok := s.Booking("r1")
	assert.True(t, ok)

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddMessage(ctx, models.Message{ID: "m2", RideID: "r1", Text: "later", SentAt: t0.Add(time.Minute)}))
	require.NoError(t, s.AddMessage(ctx, models.Message{ID: "m1", RideID: "r1", Text: "first", SentAt: t0}))
	assert.ErrorIs(t, s.AddMessage(ctx, models.Message{ID: "m3", RideID: "nope"}), ErrNotFound)

	msgs, err := s.Messages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
}

func TestMemoryStoreReviews(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"r1", "r2"} {
		_, err := s.Create(ctx, pendingRide(id))
		require.NoError(t, err)
	}
	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddReview(ctx, models.Review{RideID: "r1", HostID: "host-a", RiderID: "rider-1", Rating: 4, CreatedAt: at}))
	require.NoError(t, s.AddReview(ctx, models.Review{RideID: "r2", HostID: "host-a", RiderID: "rider-1", Rating: 5, CreatedAt: at.Add(time.Hour)}))

	assert.ErrorIs(t, s.AddReview(ctx, models.Review{RideID: "r1", HostID: "host-a", Rating: 1}), ErrDuplicate)
	assert.ErrorIs(t, s.AddReview(ctx, models.Review{RideID: "missing", HostID: "host-a", Rating: 1}), ErrNotFound)

	got, err := s.Reviews(ctx, "host-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].RideID)
	assert.Equal(t, 4, got[1].Rating)

	none, err := s.Reviews(ctx, "host-b")
	require.NoError(t, err)
	assert.Empty(t, none)
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/cartrabbit/internal/models"
)

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.RideRequest
	bookings map[string]models.RideRequest
	messages map[string][]models.Message
	reviews  map[string]models.Review

	wmu      sync.RWMutex
	watchers map[*watcher]struct{}

	now func() time.Time
}

type watcher struct {
	ch   chan Change
	done <-chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.RideRequest),
		bookings: make(map[string]models.RideRequest),
		messages: make(map[string][]models.Message),
		reviews:  make(map[string]models.Review),
		watchers: make(map[*watcher]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error) {
	m.mu.Lock()
	if _, ok := m.rides[r.ID]; ok {
		m.mu.Unlock()
		return models.RideRequest{}, fmt.Errorf("ride %s already exists", r.ID)
	}
	r.Version = 1
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	m.rides[r.ID] = CloneRide(r)
	m.mu.Unlock()

	m.notify(r)
	return CloneRide(r), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return CloneRide(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, cond Condition, fn func(*models.RideRequest)) (models.RideRequest, error) {
	m.mu.Lock()
	cur, ok := m.rides[id]
	if !ok {
		m.mu.Unlock()
		return models.RideRequest{}, ErrNotFound
	}
	if !cond.Matches(cur) {
		m.mu.Unlock()
		return CloneRide(cur), ErrConflict
	}
	next := CloneRide(cur)
	fn(&next)
	preserveImmutable(cur, &next)
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now()
	m.rides[id] = CloneRide(next)
	m.mu.Unlock()

	m.notify(next)
	return next, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]models.RideRequest, error) {
	m.mu.RLock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rides {
		if f.Match(r) {
			out = append(out, CloneRide(r))
		}
	}
	m.mu.RUnlock()
	SortRides(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	w := &watcher{ch: make(chan Change, 64), done: ctx.Done()}
	m.wmu.Lock()
	m.watchers[w] = struct{}{}
	m.wmu.Unlock()
	go func() {
		<-ctx.Done()
		m.wmu.Lock()
		delete(m.watchers, w)
		close(w.ch)
		m.wmu.Unlock()
	}()
	return w.ch, nil
}

// notify blocks until every live watcher took the change. Senders hold the
// read lock so a watcher cannot be closed mid-send.
func (m *MemoryStore) notify(r models.RideRequest) {
	m.wmu.RLock()
	defer m.wmu.RUnlock()
	for w := range m.watchers {
		select {
		case w.ch <- Change{Ride: CloneRide(r)}:
		case <-w.done:
		}
	}
}

func (m *MemoryStore) Archive(ctx context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[r.ID]; !ok {
		m.bookings[r.ID] = CloneRide(r)
	}
	return nil
}

// Booking returns an archived ride.
func (m *MemoryStore) Booking(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.bookings[id]
	return r, ok
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[msg.RideID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.RideID] = append(m.messages[msg.RideID], msg)
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, rideID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.Message(nil), m.messages[rideID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (m *MemoryStore) AddReview(ctx context.Context, rv models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rv.RideID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.reviews[rv.RideID]; ok {
		return ErrDuplicate
	}
	m.reviews[rv.RideID] = rv
	return nil
}

func (m *MemoryStore) Reviews(ctx context.Context, hostID string) ([]models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Review, 0)
	for _, rv := range m.reviews {
		if rv.HostID == hostID {
			out = append(out, rv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RideID < out[j].RideID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SortRides orders by creation time, then id.
func SortRides(rs []models.RideRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

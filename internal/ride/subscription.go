package ride

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
	"github.com/example/cartrabbit/internal/storage"
)

// Preset filters for the views the apps keep open.
func Unassigned() storage.Filter {
	return storage.Filter{Statuses: []models.Status{models.StatusPending}, Unassigned: true}
}

func ActiveForRider(riderID string) storage.Filter {
	return storage.Filter{RiderID: riderID, Statuses: []models.Status{
		models.StatusPending, models.StatusAccepted, models.StatusInProgress, models.StatusPendingSettlement,
	}}
}

func ActiveForHost(hostID string) storage.Filter {
	return storage.Filter{HostID: hostID, Statuses: []models.Status{
		models.StatusAccepted, models.StatusInProgress, models.StatusPendingSettlement,
	}}
}

func ByRider(riderID string) storage.Filter {
	return storage.Filter{RiderID: riderID}
}

type hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) add(s *Subscription) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	observability.ActiveSubscriptions.Inc()
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		observability.ActiveSubscriptions.Dec()
	}
}

func (h *hub) snapshot() []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

func (h *hub) publish(r models.RideRequest) {
	for _, s := range h.snapshot() {
		s.offer(r)
	}
}

// Subscription delivers the full matching set every time it changes.
// Snapshots coalesce: a slow reader only ever sees the latest one.
type Subscription struct {
	C <-chan []models.RideRequest

	filter storage.Filter
	store  storage.RideStore
	out    chan []models.RideRequest
	done   chan struct{}
	leave  func()

	mu      sync.Mutex
	records map[string]models.RideRequest
	// seen holds the newest version observed per id, matching or not,
	// so a late stale change cannot resurrect a record.
	seen   map[string]int64
	closed bool
	once   sync.Once
}

// Subscribe opens a live view over f. The first snapshot is available on C
// as soon as Subscribe returns. The view ends on Close or when ctx ends.
func (m *Manager) Subscribe(ctx context.Context, f storage.Filter) (*Subscription, error) {
	out := make(chan []models.RideRequest, 1)
	s := &Subscription{
		C:       out,
		filter:  f,
		store:   m.store,
		out:     out,
		done:    make(chan struct{}),
		records: make(map[string]models.RideRequest),
		seen:    make(map[string]int64),
	}
	s.leave = func() { m.hub.remove(s) }
	m.hub.add(s)
	if err := s.Restart(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Restart re-reads the matching set from the store and emits it.
func (s *Subscription) Restart(ctx context.Context) error {
	rides, err := s.store.Query(ctx, s.filter)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	fresh := make(map[string]models.RideRequest, len(rides))
	for _, r := range rides {
		if v, ok := s.seen[r.ID]; ok && v > r.Version {
			// a newer change already arrived; keep its verdict
			if cur, ok := s.records[r.ID]; ok {
				fresh[r.ID] = cur
			}
			continue
		}
		s.seen[r.ID] = r.Version
		fresh[r.ID] = r
	}
	s.records = fresh
	s.emitLocked()
	return nil
}

func (s *Subscription) offer(r models.RideRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if v, ok := s.seen[r.ID]; ok && r.Version <= v {
		return
	}
	s.seen[r.ID] = r.Version
	_, had := s.records[r.ID]
	switch {
	case s.filter.Match(r):
		s.records[r.ID] = r
	case had:
		delete(s.records, r.ID)
	default:
		return
	}
	s.emitLocked()
}

// emitLocked replaces any unread snapshot with the current one. It never
// blocks: mu serializes writers and the buffer holds one.
func (s *Subscription) emitLocked() {
	snap := make([]models.RideRequest, 0, len(s.records))
	for _, r := range s.records {
		snap = append(snap, storage.CloneRide(r))
	}
	storage.SortRides(snap)
	if s.filter.Limit > 0 && len(snap) > s.filter.Limit {
		snap = snap[:s.filter.Limit]
	}
	select {
	case <-s.out:
	default:
	}
	s.out <- snap
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.leave()
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
		close(s.done)
	})
}

// Run attaches the manager to the store change feed and fans every
// committed write out to open subscriptions until ctx ends. The feed is
// registered before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	changes, err := m.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch ride store: %w", err)
	}
	go m.pump(ctx, changes)
	return nil
}

func (m *Manager) pump(ctx context.Context, changes <-chan storage.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Resync {
				m.resync(ctx)
				continue
			}
			m.hub.publish(c.Ride)
		}
	}
}

func (m *Manager) resync(ctx context.Context) {
	for _, s := range m.hub.snapshot() {
		if err := s.Restart(ctx); err != nil {
			m.logger.Warn("subscription resync failed", "error", err)
		}
	}
}

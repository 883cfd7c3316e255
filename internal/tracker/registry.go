package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
)

var ErrNoIdentity = errors.New("location sample has no user id")

// Registry keeps one Tracker per user id and flushes ended windows on a
// ticker so a device that goes quiet still gets its last position written.
type Registry struct {
	window  time.Duration
	persist Persister
	logger  *slog.Logger
	Now     func() time.Time
	// Live, when set, sees every accepted sample before throttling. Its
	// errors are logged and never fail Observe.
	Live Persister

	mu       sync.Mutex
	trackers map[string]*Tracker
}

func NewRegistry(window time.Duration, p Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		window:   window,
		persist:  p,
		logger:   logger.With("component", "tracker"),
		Now:      time.Now,
		trackers: make(map[string]*Tracker),
	}
}

func (r *Registry) tracker(id string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[id]
	if !ok {
		t = New(r.window, r.persist)
		r.trackers[id] = t
		observability.ActiveTrackers.Inc()
	}
	return t
}

// Observe routes s to its user's tracker. Samples without a timestamp are
// stamped with the registry clock.
func (r *Registry) Observe(ctx context.Context, s models.LocationSample) error {
	if s.UserID == "" {
		return ErrNoIdentity
	}
	if s.At.IsZero() {
		s.At = r.Now()
	}
	accepted := s.Error == "" && s.Coord.Validate() == nil
	err := r.tracker(s.UserID).Observe(ctx, s)
	if err != nil && !errors.Is(err, ErrStopped) {
		r.logger.Warn("location sample rejected", "user_id", s.UserID, "error", err)
	}
	if accepted && r.Live != nil && !errors.Is(err, ErrStopped) {
		if lerr := r.Live.Persist(ctx, s); lerr != nil {
			r.logger.Warn("live location update failed", "user_id", s.UserID, "error", lerr)
		}
	}
	return err
}

// Get returns the tracker for id if one exists.
func (r *Registry) Get(id string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[id]
	return t, ok
}

// Remove drains and forgets a tracker. A stopped tracker must be removed
// before the user can share location again.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	t, ok := r.trackers[id]
	delete(r.trackers, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	observability.ActiveTrackers.Dec()
	return t.Drain(ctx)
}

func (r *Registry) all() map[string]*Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Tracker, len(r.trackers))
	for id, t := range r.trackers {
		out[id] = t
	}
	return out
}

// FlushDue writes every pending sample whose window has ended.
func (r *Registry) FlushDue(ctx context.Context) {
	now := r.Now()
	for id, t := range r.all() {
		if err := t.Flush(ctx, now); err != nil {
			r.logger.Error("failed to flush location", "user_id", id, "error", err)
		}
	}
}

// Run flushes on interval until ctx ends, then drains what is left.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for id, t := range r.all() {
				if err := t.Drain(drain); err != nil {
					r.logger.Error("failed to drain location", "user_id", id, "error", err)
				}
			}
			cancel()
			return
		case <-ticker.C:
			r.FlushDue(ctx)
		}
	}
}

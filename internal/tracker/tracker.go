// Package tracker throttles device position samples before they are
// persisted.
//
// Each identity gets a trailing window: the first sample opens it, later
// samples inside it replace the pending one, and whatever is pending when
// the window ends is written once. A write is skipped if the position did
// not move since the last write.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
)

const DefaultWindow = 5 * time.Minute

// Device error codes carried in LocationSample.Error.
const (
	CodePermissionDenied = "permission_denied"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("location unavailable on this device")
	ErrTimeout          = errors.New("location request timed out")
	ErrStopped          = errors.New("tracker stopped")
)

// Persister writes a throttled position.
type Persister interface {
	Persist(ctx context.Context, s models.LocationSample) error
}

type PersistFunc func(ctx context.Context, s models.LocationSample) error

func (f PersistFunc) Persist(ctx context.Context, s models.LocationSample) error { return f(ctx, s) }

// Chain runs every persister in order and joins their errors.
func Chain(ps ...Persister) Persister {
	return PersistFunc(func(ctx context.Context, s models.LocationSample) error {
		var errs []error
		for _, p := range ps {
			if err := p.Persist(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

type State string

const (
	StateIdle     State = "idle"
	StateTracking State = "tracking"
	StateStopped  State = "stopped"
)

type Tracker struct {
	window  time.Duration
	persist Persister

	mu          sync.Mutex
	stopped     error
	windowStart time.Time
	pending     *models.LocationSample
	last        *models.LocationSample
}

func New(window time.Duration, p Persister) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, persist: p}
}

// Observe feeds one device sample. A capability error stops the tracker for
// good; the pending position, if any, is written first.
func (t *Tracker) Observe(ctx context.Context, s models.LocationSample) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped != nil {
		return fmt.Errorf("%w: %v", ErrStopped, t.stopped)
	}

	if s.Error != "" {
		cause := classify(s.Error)
		if !errors.Is(cause, ErrTimeout) {
			perr := t.flushLocked(ctx)
			t.stopped = cause
			if perr != nil {
				return errors.Join(cause, perr)
			}
		}
		return cause
	}
	if err := s.Coord.Validate(); err != nil {
		return err
	}

	var err error
	if t.pending != nil && !s.At.Before(t.windowStart.Add(t.window)) {
		err = t.flushLocked(ctx)
	}
	if t.pending == nil {
		t.windowStart = s.At
	}
	sample := s
	t.pending = &sample
	return err
}

// Flush writes the pending sample if its window has ended by now.
func (t *Tracker) Flush(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || now.Before(t.windowStart.Add(t.window)) {
		return nil
	}
	return t.flushLocked(ctx)
}

// Drain writes the pending sample regardless of the window.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

func (t *Tracker) flushLocked(ctx context.Context) error {
	p := t.pending
	t.pending = nil
	if p == nil {
		return nil
	}
	if t.last != nil && t.last.Coord == p.Coord {
		observability.LocationWrites.WithLabelValues("unchanged").Inc()
		return nil
	}
	if err := t.persist.Persist(ctx, *p); err != nil {
		observability.LocationWrites.WithLabelValues("error").Inc()
		// keep it for the next flush unless a newer sample has replaced it
		t.pending = p
		return fmt.Errorf("failed to persist location: %w", err)
	}
	observability.LocationWrites.WithLabelValues("written").Inc()
	t.last = p
	return nil
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.stopped != nil:
		return StateStopped
	case t.pending != nil || t.last != nil:
		return StateTracking
	}
	return StateIdle
}

// Err returns the terminal error, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Latest is the newest accepted sample, written or not.
func (t *Tracker) Latest() (models.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.pending != nil:
		return *t.pending, true
	case t.last != nil:
		return *t.last, true
	}
	return models.LocationSample{}, false
}

// Last is the most recently persisted sample.
func (t *Tracker) Last() (models.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.LocationSample{}, false
	}
	return *t.last, true
}

func classify(code string) error {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeTimeout:
		return ErrTimeout
	}
	return ErrUnavailable
}

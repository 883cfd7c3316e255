package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/cartrabbit/internal/eta"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
	"github.com/example/cartrabbit/internal/storage"
)

// Gateway is the slice of the payment provider the lifecycle needs.
// Every call carries an idempotency key so a retried settlement never
// charges or refunds twice.
type Gateway interface {
	Capture(ctx context.Context, reference, idempotencyKey string) error
	Cancel(ctx context.Context, reference, idempotencyKey string) error
	Refund(ctx context.Context, reference, idempotencyKey string) error
}

// Locator returns the last persisted position of a user.
type Locator interface {
	Position(ctx context.Context, userID string) (models.Coord, bool, error)
}

// HostVerifier decides whether a user may accept rides.
type HostVerifier interface {
	CanHost(ctx context.Context, userID string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

const maxMessageLen = 1000

type Manager struct {
	store    storage.RideStore
	payments Gateway
	logger   *slog.Logger
	hub      *hub

	// Optional collaborators. Nil means the feature is off.
	Locator  Locator
	Verifier HostVerifier
	Events   EventPublisher

	SpeedMph float64
	Now      func() time.Time
	NewID    func() string
}

func NewManager(store storage.RideStore, payments Gateway, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		payments: payments,
		logger:   logger.With("component", "ride"),
		hub:      newHub(),
		SpeedMph: eta.DefaultSpeedMph,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

type CreateInput struct {
	RiderID          string
	RiderEmail       string
	Pickup           models.Place
	Destination      models.Place
	FeeCents         int64
	Currency         string
	PaymentReference string
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.RiderID) == "" {
		return ErrIdentityRequired
	}
	if in.Pickup.IsZero() {
		return fmt.Errorf("%w: pickup is required", ErrValidation)
	}
	if err := in.Pickup.Coord.Validate(); err != nil {
		return fmt.Errorf("%w: pickup: %v", ErrValidation, err)
	}
	if in.Destination.IsZero() {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if err := in.Destination.Coord.Validate(); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrValidation, err)
	}
	if in.FeeCents <= 0 {
		return fmt.Errorf("%w: fee must be positive", ErrValidation)
	}
	if strings.TrimSpace(in.PaymentReference) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrValidation)
	}
	return nil
}

// Create records a new pending request. The payment hold must already exist.
func (m *Manager) Create(ctx context.Context, in CreateInput) (models.RideRequest, error) {
	if err := in.validate(); err != nil {
		return models.RideRequest{}, err
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "usd"
	}
	now := m.Now()
	r := models.RideRequest{
		ID:               m.NewID(),
		RiderID:          in.RiderID,
		RiderEmail:       in.RiderEmail,
		Pickup:           in.Pickup,
		Destination:      in.Destination,
		FeeCents:         in.FeeCents,
		Currency:         currency,
		PaymentReference: in.PaymentReference,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created, err := m.store.Create(ctx, r)
	if err != nil {
		m.logger.Error("failed to create ride request", "rider_id", in.RiderID, "error", err)
		return models.RideRequest{}, fmt.Errorf("failed to create ride request: %w", err)
	}
	observability.RidesCreated.Inc()
	m.logger.Info("ride requested", "ride_id", created.ID, "rider_id", created.RiderID, "fee_cents", created.FeeCents)
	m.publish(ctx, created, "", in.RiderID)
	return created, nil
}

// Accept claims a pending ride for hostID. Of any number of concurrent
// accepts at most one succeeds; the rest see ErrAlreadyAssigned.
func (m *Manager) Accept(ctx context.Context, rideID, hostID string, at *models.Coord) (models.RideRequest, error) {
	if strings.TrimSpace(hostID) == "" {
		return models.RideRequest{}, ErrIdentityRequired
	}
	if at != nil {
		if err := at.Validate(); err != nil {
			return models.RideRequest{}, fmt.Errorf("%w: host location: %v", ErrValidation, err)
		}
	}
	if m.Verifier != nil {
		ok, err := m.Verifier.CanHost(ctx, hostID)
		if err != nil {
			return models.RideRequest{}, fmt.Errorf("failed to check host profile: %w", err)
		}
		if !ok {
			m.reject(EventAccept, ErrHostNotEligible)
			return models.RideRequest{}, ErrHostNotEligible
		}
	}
	if at == nil && m.Locator != nil {
		pos, ok, err := m.Locator.Position(ctx, hostID)
		if err != nil {
			m.logger.Warn("host position lookup failed", "host_id", hostID, "error", err)
		} else if ok {
			at = &pos
		}
	}

	actor := models.Identity{ID: hostID, Role: models.RoleHost}
	return m.transition(ctx, rideID, EventAccept, actor, func(r *models.RideRequest, now time.Time) {
		r.HostID = hostID
		r.AcceptedAt = &now
		if at != nil {
			pos := *at
			r.HostLocation = &pos
			r.DistanceToPickup, r.ETAMinutes = eta.Between(pos, r.Pickup.Coord, m.SpeedMph)
		}
	})
}

func (m *Manager) Start(ctx context.Context, rideID, hostID string) (models.RideRequest, error) {
	if strings.TrimSpace(hostID) == "" {
		return models.RideRequest{}, ErrIdentityRequired
	}
	actor := models.Identity{ID: hostID, Role: models.RoleHost}
	return m.transition(ctx, rideID, EventStart, actor, func(r *models.RideRequest, now time.Time) {
		r.StartedAt = &now
		if r.HostLocation != nil {
			r.DistanceToPickup, r.ETAMinutes = eta.Between(*r.HostLocation, r.Destination.Coord, m.SpeedMph)
		}
	})
}

// Complete captures the held payment and then marks the ride completed.
func (m *Manager) Complete(ctx context.Context, rideID, hostID string) (models.RideRequest, error) {
	if strings.TrimSpace(hostID) == "" {
		return models.RideRequest{}, ErrIdentityRequired
	}
	return m.transition(ctx, rideID, EventComplete, models.Identity{ID: hostID, Role: models.RoleHost}, nil)
}

// Cancel ends a ride on behalf of its rider or its assigned host. The
// caller's role picks the event.
func (m *Manager) Cancel(ctx context.Context, rideID string, actor models.Identity) (models.RideRequest, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return models.RideRequest{}, ErrIdentityRequired
	}
	ev := EventCancelByRider
	if actor.Role == models.RoleHost {
		ev = EventCancelByHost
	}
	return m.transition(ctx, rideID, ev, actor, nil)
}

func (m *Manager) Get(ctx context.Context, rideID string) (models.RideRequest, error) {
	r, err := m.store.Get(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, fmt.Errorf("failed to load ride %s: %w", rideID, err)
	}
	return r, nil
}

func (m *Manager) List(ctx context.Context, f storage.Filter) ([]models.RideRequest, error) {
	rides, err := m.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	return rides, nil
}

// UpdateHostLocation refreshes host position and ETA on every active ride the
// host drives. Accepted rides measure to pickup, rides in progress to the
// destination.
func (m *Manager) UpdateHostLocation(ctx context.Context, hostID string, at models.Coord) (int, error) {
	if err := at.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rides, err := m.store.Query(ctx, storage.Filter{
		HostID:   hostID,
		Statuses: []models.Status{models.StatusAccepted, models.StatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list host rides: %w", err)
	}
	cond := storage.Condition{
		Statuses: []models.Status{models.StatusAccepted, models.StatusInProgress},
		HostID:   &hostID,
	}
	updated := 0
	for _, r := range rides {
		_, err := m.store.Update(ctx, r.ID, cond, func(x *models.RideRequest) {
			pos := at
			x.HostLocation = &pos
			target := x.Pickup.Coord
			if x.Status == models.StatusInProgress {
				target = x.Destination.Coord
			}
			x.DistanceToPickup, x.ETAMinutes = eta.Between(pos, target, m.SpeedMph)
		})
		switch {
		case err == nil:
			updated++
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			// ride moved on since the query
		default:
			return updated, fmt.Errorf("failed to update host location on %s: %w", r.ID, err)
		}
	}
	return updated, nil
}

// transition runs ev against the current record. Rides with a payment side
// effect go through settle; the rest commit in one conditional write keyed
// on the status and host that were observed.
func (m *Manager) transition(ctx context.Context, rideID string, ev Event, actor models.Identity, apply func(*models.RideRequest, time.Time)) (models.RideRequest, error) {
	cur, err := m.store.Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.RideRequest{}, ErrNotFound
		}
		return models.RideRequest{}, fmt.Errorf("failed to load ride %s: %w", rideID, err)
	}
	target, err := check(cur, ev, actor)
	if err != nil {
		m.reject(ev, err)
		return cur, err
	}

	if action := settlementFor(cur.Status, target); action != "" {
		return m.settle(ctx, cur, ev, target, action, actor)
	}

	now := m.Now()
	next, err := m.store.Update(ctx, rideID, observed(cur), func(r *models.RideRequest) {
		r.Status = target
		if apply != nil {
			apply(r, now)
		}
	})
	if err != nil {
		return m.conflict(ev, actor, next, err)
	}
	m.applied(ctx, cur.Status, next, actor.ID)
	return next, nil
}

// check validates ev for actor against r without writing anything.
func check(r models.RideRequest, ev Event, actor models.Identity) (models.Status, error) {
	switch ev {
	case EventAccept:
		if r.RiderID == actor.ID {
			return "", fmt.Errorf("%w: riders cannot accept their own request", ErrForbidden)
		}
		if r.HostID != "" || r.HostAssigned() {
			return "", ErrAlreadyAssigned
		}
	case EventStart, EventComplete, EventCancelByHost:
		if r.HostAssigned() && r.HostID != actor.ID {
			return "", ErrNotAssignedHost
		}
	case EventCancelByRider:
		if r.RiderID != actor.ID {
			return "", fmt.Errorf("%w: only the rider can cancel as rider", ErrForbidden)
		}
	}
	return Next(r.Status, ev)
}

func observed(r models.RideRequest) storage.Condition {
	host := r.HostID
	return storage.Condition{Statuses: []models.Status{r.Status}, HostID: &host}
}

// conflict turns a failed conditional write into the caller-facing error,
// judged against the record as it is now.
func (m *Manager) conflict(ev Event, actor models.Identity, cur models.RideRequest, err error) (models.RideRequest, error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.reject(ev, ErrNotFound)
		return models.RideRequest{}, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		if _, cerr := check(cur, ev, actor); cerr != nil {
			m.reject(ev, cerr)
			return cur, cerr
		}
		m.reject(ev, ErrConflict)
		return cur, ErrConflict
	}
	m.logger.Error("failed to apply ride event", "event", ev, "ride_id", cur.ID, "error", err)
	return models.RideRequest{}, fmt.Errorf("failed to %s ride: %w", ev, err)
}

func (m *Manager) reject(ev Event, err error) {
	observability.RideRejections.WithLabelValues(string(ev), reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrNotAssignedHost):
		return "not_assigned_host"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrHostNotEligible):
		return "host_not_eligible"
	case errors.Is(err, ErrSettlementInProgress):
		return "settling"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "other"
}

func (m *Manager) applied(ctx context.Context, from models.Status, r models.RideRequest, actorID string) {
	observability.RideTransitions.WithLabelValues(string(from), string(r.Status)).Inc()
	m.logger.Info("ride transition", "ride_id", r.ID, "from", from, "to", r.Status, "actor_id", actorID, "version", r.Version)
	m.publish(ctx, r, from, actorID)
}

func (m *Manager) publish(ctx context.Context, r models.RideRequest, from models.Status, actorID string) {
	if m.Events == nil {
		return
	}
	ev := models.RideEvent{RideID: r.ID, From: from, To: r.Status, ActorID: actorID, Version: r.Version, At: r.UpdatedAt}
	if err := m.Events.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish ride event", "ride_id", r.ID, "error", err)
	}
}

// SendMessage appends a chat line to a ride. Only the rider and the
// assigned host may talk.
func (m *Manager) SendMessage(ctx context.Context, rideID string, sender models.Identity, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if len(text) > maxMessageLen {
		return models.Message{}, fmt.Errorf("%w: message longer than %d bytes", ErrValidation, maxMessageLen)
	}
	if _, err := m.participant(ctx, rideID, sender); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:         m.NewID(),
		RideID:     rideID,
		SenderID:   sender.ID,
		SenderRole: sender.Role,
		Text:       text,
		SentAt:     m.Now(),
	}
	if err := m.store.AddMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

func (m *Manager) Messages(ctx context.Context, rideID string, who models.Identity) ([]models.Message, error) {
	if _, err := m.participant(ctx, rideID, who); err != nil {
		return nil, err
	}
	msgs, err := m.store.Messages(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return msgs, nil
}

func (m *Manager) participant(ctx context.Context, rideID string, who models.Identity) (models.RideRequest, error) {
	if strings.TrimSpace(who.ID) == "" {
		return models.RideRequest{}, ErrIdentityRequired
	}
	r, err := m.store.Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.RideRequest{}, ErrNotFound
		}
		return models.RideRequest{}, fmt.Errorf("failed to load ride %s: %w", rideID, err)
	}
	if who.ID != r.RiderID && (r.HostID == "" || who.ID != r.HostID) {
		return models.RideRequest{}, fmt.Errorf("%w: not a participant in this ride", ErrForbidden)
	}
	return r, nil
}

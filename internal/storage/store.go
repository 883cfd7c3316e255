package storage

import (
	"context"
	"errors"
	"slices"

	"github.com/example/cartrabbit/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrConflict means the record exists but failed the update condition.
	ErrConflict = errors.New("condition not met")
)

// Condition guards an Update. Every set field must hold on the stored record.
type Condition struct {
	Statuses []models.Status
	HostID   *string
	// Version, when non-zero, must equal the stored version.
	Version int64
}

func (c Condition) Matches(r models.RideRequest) bool {
	if len(c.Statuses) > 0 && !slices.Contains(c.Statuses, r.Status) {
		return false
	}
	if c.HostID != nil && r.HostID != *c.HostID {
		return false
	}
	if c.Version != 0 && r.Version != c.Version {
		return false
	}
	return true
}

// Filter selects ride requests for Query and live subscriptions.
type Filter struct {
	Statuses   []models.Status `json:"statuses,omitempty"`
	RiderID    string          `json:"rider_id,omitempty"`
	HostID     string          `json:"host_id,omitempty"`
	Unassigned bool            `json:"unassigned,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

func (f Filter) Match(r models.RideRequest) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.HostID != "" && r.HostID != f.HostID {
		return false
	}
	if f.Unassigned && r.HostID != "" {
		return false
	}
	return true
}

// Change is one entry of the store change feed. Resync is set when the feed
// may have lost entries and readers should re-query.
type Change struct {
	Ride   models.RideRequest
	Resync bool
}

// RideStore defines persistence operations for ride requests.
type RideStore interface {
	Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error)
	Get(ctx context.Context, id string) (models.RideRequest, error)
	// Update applies fn to the stored record atomically if cond holds.
	// On ErrConflict the current record is returned alongside the error.
	// Immutable fields are restored after fn runs; Version and UpdatedAt
	// are assigned by the store.
	Update(ctx context.Context, id string, cond Condition, fn func(*models.RideRequest)) (models.RideRequest, error)
	Query(ctx context.Context, f Filter) ([]models.RideRequest, error)
	// Watch streams every committed write until ctx ends.
	Watch(ctx context.Context) (<-chan Change, error)

	Archive(ctx context.Context, r models.RideRequest) error
	AddMessage(ctx context.Context, m models.Message) error
	Messages(ctx context.Context, rideID string) ([]models.Message, error)

	// AddReview stores one review per ride; a second one is ErrDuplicate.
	AddReview(ctx context.Context, rv models.Review) error
	// Reviews lists a host's reviews, newest first.
	Reviews(ctx context.Context, hostID string) ([]models.Review, error)
}

func preserveImmutable(orig models.RideRequest, next *models.RideRequest) {
	next.ID = orig.ID
	next.RiderID = orig.RiderID
	next.RiderEmail = orig.RiderEmail
	next.Pickup = orig.Pickup
	next.Destination = orig.Destination
	next.FeeCents = orig.FeeCents
	next.Currency = orig.Currency
	next.PaymentReference = orig.PaymentReference
	next.CreatedAt = orig.CreatedAt
}

// CloneRide returns a copy that shares no pointers with r.
func CloneRide(r models.RideRequest) models.RideRequest {
	out := r
	if r.HostLocation != nil {
		c := *r.HostLocation
		out.HostLocation = &c
	}
	if r.Settlement != nil {
		s := *r.Settlement
		out.Settlement = &s
	}
	out.AcceptedAt = cloneTime(r.AcceptedAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.CancelledAt = cloneTime(r.CancelledAt)
	return out
}

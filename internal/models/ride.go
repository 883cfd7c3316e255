package models

import "time"

type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusCancelledByRider Status = "cancelled_by_rider"
	StatusCancelledByHost  Status = "cancelled_by_host"

	// StatusPendingSettlement holds a record while its payment side effect
	// is in flight. Settlement.Target names the status it will end in.
	StatusPendingSettlement Status = "pending_settlement"
)

var knownStatuses = map[Status]bool{
	StatusPending:           true,
	StatusAccepted:          true,
	StatusInProgress:        true,
	StatusCompleted:         true,
	StatusCancelledByRider:  true,
	StatusCancelledByHost:   true,
	StatusPendingSettlement: true,
}

func (s Status) Valid() bool { return knownStatuses[s] }

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByRider, StatusCancelledByHost:
		return true
	}
	return false
}

// Active statuses are the ones a rider or host is still involved in.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusPendingSettlement:
		return true
	}
	return false
}

type SettlementAction string

const (
	SettleCapture SettlementAction = "capture"
	SettleRefund  SettlementAction = "refund"
	SettleRelease SettlementAction = "release"
)

// Settlement describes a payment side effect that must confirm before the
// ride reaches Target. Prior is restored if the side effect fails.
type Settlement struct {
	Action    SettlementAction `json:"action"`
	Target    Status           `json:"target"`
	Prior     Status           `json:"prior"`
	ActorID   string           `json:"actor_id,omitempty"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

type RideRequest struct {
	ID               string `json:"id"`
	RiderID          string `json:"rider_id"`
	RiderEmail       string `json:"rider_email,omitempty"`
	HostID           string `json:"host_id"`
	Pickup           Place  `json:"pickup"`
	Destination      Place  `json:"destination"`
	FeeCents         int64  `json:"fee_cents"`
	Currency         string `json:"currency"`
	PaymentReference string `json:"payment_reference"`
	Status           Status `json:"status"`

	HostLocation     *Coord  `json:"host_location,omitempty"`
	DistanceToPickup float64 `json:"distance_to_pickup_miles,omitempty"`
	ETAMinutes       float64 `json:"eta_minutes,omitempty"`

	Settlement *Settlement `json:"settlement,omitempty"`
	Version    int64       `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// HostAssigned is derived from Status alone. A record in settlement keeps
// the assignment of the status it came from.
func (r RideRequest) HostAssigned() bool {
	s := r.Status
	if s == StatusPendingSettlement && r.Settlement != nil {
		s = r.Settlement.Prior
	}
	switch s {
	case StatusAccepted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ClearHost drops every host-derived field.
func (r *RideRequest) ClearHost() {
	r.HostID = ""
	r.HostLocation = nil
	r.DistanceToPickup = 0
	r.ETAMinutes = 0
}

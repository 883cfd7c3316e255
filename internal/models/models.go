package models

import (
	"errors"
	"math"
	"time"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects NaN/Inf and out-of-range values.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return ErrInvalidCoordinates
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// Place is an address plus its coordinates.
type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

func (p Place) IsZero() bool {
	return p.Address == "" && p.Coord == (Coord{})
}

type Role string

const (
	RoleRider Role = "rider"
	RoleHost  Role = "host"
)

// Identity is the caller as seen by the API.
type Identity struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Anonymous bool   `json:"anonymous"`
}

type UserProfile struct {
	UserID            string     `json:"user_id"`
	DisplayName       string     `json:"display_name,omitempty"`
	Email             string     `json:"email,omitempty"`
	Role              Role       `json:"role,omitempty"`
	DriverLicense     string     `json:"driver_license,omitempty"`
	PayoutAccountID   string     `json:"payout_account_id,omitempty"`
	PayoutsEnabled    bool       `json:"payouts_enabled"`
	Location          *Coord     `json:"location,omitempty"`
	LocationUpdatedAt *time.Time `json:"location_updated_at,omitempty"`
}

// CanHost reports whether the profile is allowed to drive.
func (p UserProfile) CanHost() bool {
	return p.DriverLicense != "" && p.PayoutAccountID != "" && p.PayoutsEnabled
}

type Business struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Rating     float64 `json:"rating"`
	Address    string  `json:"address,omitempty"`
	Location   Coord   `json:"location"`
	PriceCents *int64  `json:"price_cents,omitempty"`
}

// Review is a rider's rating of the host after a completed ride.
type Review struct {
	RideID    string    `json:"ride_id"`
	HostID    string    `json:"host_id"`
	RiderID   string    `json:"rider_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole Role      `json:"sender_role"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// LocationSample is one reading from a device. Error is set instead of
// Coord when the device reports a capability failure.
type LocationSample struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role,omitempty"`
	Anonymous bool      `json:"anonymous,omitempty"`
	Coord     Coord     `json:"coord"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

func (s LocationSample) Identity() Identity {
	return Identity{ID: s.UserID, Role: s.Role, Anonymous: s.Anonymous}
}

// RideEvent is emitted after every committed transition.
type RideEvent struct {
	RideID  string    `json:"ride_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	ActorID string    `json:"actor_id,omitempty"`
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
}

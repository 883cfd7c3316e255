// Package profile stores user profiles and last known positions.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/cartrabbit/internal/models"
)

var ErrNotFound = errors.New("profile not found")

// SessionTTL bounds how long an anonymous rider's position is kept.
const SessionTTL = 24 * time.Hour

const anonPrefix = "anon:"

// AnonymousID is the user id given to a caller that only has a session.
func AnonymousID(session string) string { return anonPrefix + session }

func IsAnonymous(userID string) bool { return strings.HasPrefix(userID, anonPrefix) }

type Store interface {
	Get(ctx context.Context, userID string) (models.UserProfile, error)
	// Save writes the editable fields of p. Position fields are kept.
	Save(ctx context.Context, p models.UserProfile) (models.UserProfile, error)
	// SavePosition writes to the profile for signed-in users and to a
	// short-lived session record for anonymous ones.
	SavePosition(ctx context.Context, id models.Identity, c models.Coord, at time.Time) error
	Position(ctx context.Context, userID string) (models.Coord, bool, error)
	// SavePayouts records the payout account and whether the provider
	// reports it ready. Save never touches these fields.
	SavePayouts(ctx context.Context, userID, accountID string, enabled bool) (models.UserProfile, error)
}

// Verifier adapts a Store to the check run when a host accepts a ride.
type Verifier struct{ Store Store }

func (v Verifier) CanHost(ctx context.Context, userID string) (bool, error) {
	p, err := v.Store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.CanHost(), nil
}

func mergeEditable(cur *models.UserProfile, p models.UserProfile) {
	cur.UserID = p.UserID
	cur.DisplayName = p.DisplayName
	cur.Email = p.Email
	cur.Role = p.Role
	cur.DriverLicense = p.DriverLicense
}

func setPayouts(cur *models.UserProfile, accountID string, enabled bool) {
	cur.PayoutAccountID = accountID
	cur.PayoutsEnabled = enabled && accountID != ""
}

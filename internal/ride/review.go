package ride

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/storage"
)

const (
	minRating        = 1
	maxRating        = 5
	maxReviewComment = 1000
)

type ReviewInput struct {
	Rating  int
	Comment string
}

// HostRating is the review history of one host.
type HostRating struct {
	HostID  string          `json:"host_id"`
	Count   int             `json:"count"`
	Average float64         `json:"average"`
	Reviews []models.Review `json:"reviews"`
}

// Review records the rider's rating of a completed ride. Each ride takes
// one review.
func (m *Manager) Review(ctx context.Context, rideID string, rider models.Identity, in ReviewInput) (models.Review, error) {
	if strings.TrimSpace(rider.ID) == "" {
		return models.Review{}, ErrIdentityRequired
	}
	if in.Rating < minRating || in.Rating > maxRating {
		return models.Review{}, fmt.Errorf("%w: rating must be between %d and %d", ErrValidation, minRating, maxRating)
	}
	comment := strings.TrimSpace(in.Comment)
	if len(comment) > maxReviewComment {
		return models.Review{}, fmt.Errorf("%w: comment longer than %d bytes", ErrValidation, maxReviewComment)
	}
	r, err := m.Get(ctx, rideID)
	if err != nil {
		return models.Review{}, err
	}
	if r.RiderID != rider.ID {
		return models.Review{}, fmt.Errorf("%w: only the rider can review this ride", ErrForbidden)
	}
	if r.Status != models.StatusCompleted {
		return models.Review{}, fmt.Errorf("%w: ride is %s, not completed", ErrInvalidTransition, r.Status)
	}
	rv := models.Review{
		RideID:    r.ID,
		HostID:    r.HostID,
		RiderID:   r.RiderID,
		Rating:    in.Rating,
		Comment:   comment,
		CreatedAt: m.Now(),
	}
	switch err := m.store.AddReview(ctx, rv); {
	case errors.Is(err, storage.ErrDuplicate):
		return models.Review{}, ErrAlreadyReviewed
	case errors.Is(err, storage.ErrNotFound):
		return models.Review{}, ErrNotFound
	case err != nil:
		return models.Review{}, fmt.Errorf("failed to save review: %w", err)
	}
	m.logger.Info("ride reviewed", "ride_id", rv.RideID, "host_id", rv.HostID, "rating", rv.Rating)
	return rv, nil
}

// HostRating averages every review of hostID, rounded to two places.
// No reviews gives an average of 0.
func (m *Manager) HostRating(ctx context.Context, hostID string) (HostRating, error) {
	if strings.TrimSpace(hostID) == "" {
		return HostRating{}, fmt.Errorf("%w: host id is required", ErrValidation)
	}
	reviews, err := m.store.Reviews(ctx, hostID)
	if err != nil {
		return HostRating{}, fmt.Errorf("failed to load reviews: %w", err)
	}
	out := HostRating{HostID: hostID, Count: len(reviews), Reviews: reviews}
	if len(reviews) > 0 {
		sum := 0
		for _, rv := range reviews {
			sum += rv.Rating
		}
		out.Average = math.Round(float64(sum)/float64(len(reviews))*100) / 100
	}
	return out, nil
}

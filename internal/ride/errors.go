package ride

import (
	"errors"

	"github.com/example/cartrabbit/internal/storage"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrIdentityRequired = errors.New("identity required")
	ErrNotFound         = storage.ErrNotFound

	ErrInvalidTransition    = errors.New("invalid transition")
	ErrAlreadyAssigned      = errors.New("ride already has a host")
	ErrNotAssignedHost      = errors.New("caller is not the assigned host")
	ErrForbidden            = errors.New("forbidden")
	ErrHostNotEligible      = errors.New("host profile is not eligible to drive")
	ErrConflict             = errors.New("ride was modified concurrently")
	ErrSettlementInProgress = errors.New("settlement in progress")

	ErrPayment         = errors.New("payment failed")
	ErrAlreadyReviewed = errors.New("ride already reviewed")
)

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/example/cartrabbit/internal/directory"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/payments"
	"github.com/example/cartrabbit/internal/profile"
	"github.com/example/cartrabbit/internal/ride"
	"github.com/example/cartrabbit/internal/tracker"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// identity reads the caller from the request headers. Signed-in users send
// X-User-ID and X-User-Role; anonymous riders send only X-Session-ID.
func identity(r *http.Request) (models.Identity, error) {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role"))))
		switch role {
		case "":
			role = models.RoleRider
		case models.RoleRider, models.RoleHost:
		default:
			return models.Identity{}, fmt.Errorf("%w: unknown role %q", ride.ErrValidation, role)
		}
		return models.Identity{ID: id, Role: role}, nil
	}
	if session := strings.TrimSpace(r.Header.Get("X-Session-ID")); session != "" {
		return models.Identity{ID: profile.AnonymousID(session), Role: models.RoleRider, Anonymous: true}, nil
	}
	return models.Identity{}, ride.ErrIdentityRequired
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid body: %v", ride.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// classify maps a domain error onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ride.ErrValidation),
		errors.Is(err, models.ErrInvalidCoordinates),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, directory.ErrUnknownSort):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ride.ErrIdentityRequired), errors.Is(err, tracker.ErrNoIdentity):
		return http.StatusUnauthorized, "identity_required"
	case errors.Is(err, ride.ErrHostNotEligible):
		return http.StatusForbidden, "host_not_eligible"
	case errors.Is(err, ride.ErrNotAssignedHost):
		return http.StatusForbidden, "not_assigned_host"
	case errors.Is(err, ride.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, profile.ErrNotFound),
		errors.Is(err, payments.ErrUnknownAccount), errors.Is(err, errNoPayoutAccount):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ride.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned"
	case errors.Is(err, ride.ErrAlreadyReviewed):
		return http.StatusConflict, "already_reviewed"
	case errors.Is(err, ride.ErrSettlementInProgress):
		return http.StatusConflict, "settlement_in_progress"
	case errors.Is(err, ride.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ride.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, tracker.ErrStopped):
		return http.StatusConflict, "tracker_stopped"
	case errors.Is(err, ride.ErrPayment):
		return http.StatusPaymentRequired, "payment_failed"
	}
	return http.StatusInternalServerError, "internal"
}

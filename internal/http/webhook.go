package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/example/cartrabbit/internal/observability"
	"github.com/example/cartrabbit/internal/payments"
	"github.com/example/cartrabbit/internal/ride"
)

// handleStripeWebhook verifies and logs provider events. Ride state is
// driven by the lifecycle alone, so payment intent events are an audit
// trail; account events update the owning host's payout status.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.WebhookSecret == "" {
		http.Error(w, "webhooks not configured", http.StatusNotFound)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ride.ErrValidation, err))
		return
	}
	ev, err := payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("invalid").Inc()
		s.writeError(w, r, fmt.Errorf("%w: %v", ride.ErrValidation, err))
		return
	}
	observability.WebhookEvents.WithLabelValues(ev.Type).Inc()
	s.logger.Info("payment webhook",
		"event_id", ev.ID,
		"type", ev.Type,
		"payment_reference", ev.Reference,
		"status", ev.Status,
		"rider_id", ev.Metadata["rider_id"],
	)
	if ev.Account != nil {
		if err := s.syncPayouts(r, ev); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncPayouts(r *http.Request, ev payments.WebhookEvent) error {
	userID := ev.Metadata[payments.MetadataUserID]
	if userID == "" {
		s.logger.Warn("account event without user id", "event_id", ev.ID, "account_id", ev.Account.AccountID)
		return nil
	}
	if _, err := s.Profiles.SavePayouts(r.Context(), userID, ev.Account.AccountID, ev.Account.Ready()); err != nil {
		return err
	}
	s.logger.Info("payout status updated", "user_id", userID, "account_id", ev.Account.AccountID, "ready", ev.Account.Ready())
	return nil
}

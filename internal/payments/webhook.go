package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

// WebhookEvent is the part of a Stripe event the server acts on.
type WebhookEvent struct {
	ID        string
	Type      string
	Reference string
	Status    string
	Metadata  map[string]string
	// Account is set for account.* events.
	Account *AccountStatus
}

// ParseWebhook verifies the Stripe-Signature header against secret and
// decodes payment_intent.* and account.* payloads.
func ParseWebhook(payload []byte, signature, secret string) (WebhookEvent, error) {
	ev, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("invalid webhook: %w", err)
	}
	out := WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}
	if strings.HasPrefix(out.Type, "account.") {
		var acct stripe.Account
		if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
			return out, fmt.Errorf("decode account: %w", err)
		}
		st := statusOf(&acct)
		out.Account = &st
		out.Metadata = acct.Metadata
		return out, nil
	}
	if !strings.HasPrefix(out.Type, "payment_intent.") {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return out, fmt.Errorf("decode payment intent: %w", err)
	}
	out.Reference = pi.ID
	out.Status = string(pi.Status)
	out.Metadata = pi.Metadata
	return out, nil
}

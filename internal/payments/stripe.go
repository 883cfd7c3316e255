package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// AuthorizeRequest places a hold for one ride.
type AuthorizeRequest struct {
	AmountCents    int64
	Currency       string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// Authorization is the result of a hold. ClientSecret lets the rider's
// device confirm the card.
type Authorization struct {
	Reference    string `json:"payment_reference"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Gateway is everything the server needs from a payment provider.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Capture(ctx context.Context, reference, idempotencyKey string) error
	Cancel(ctx context.Context, reference, idempotencyKey string) error
	Refund(ctx context.Context, reference, idempotencyKey string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Authorize creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeClient) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if req.AmountCents <= 0 {
		return Authorization{}, ErrInvalidAmount
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Authorization{}, fmt.Errorf("stripe authorize: %w", err)
	}
	return Authorization{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, reference, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := paymentintent.Capture(reference, params); err != nil {
		return fmt.Errorf("stripe capture %s: %w", reference, err)
	}
	return nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, reference, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := paymentintent.Cancel(reference, params); err != nil {
		return fmt.Errorf("stripe cancel %s: %w", reference, err)
	}
	return nil
}

// Refund returns money to the rider. A hold that was never captured has
// nothing to refund, so it is cancelled instead.
func (s *StripeClient) Refund(ctx context.Context, reference, idempotencyKey string) error {
	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	pi, err := paymentintent.Get(reference, get)
	if err != nil {
		return fmt.Errorf("stripe lookup %s: %w", reference, err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusSucceeded:
	default:
		return s.Cancel(ctx, reference, idempotencyKey)
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(reference)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := refund.New(params); err != nil {
		return fmt.Errorf("stripe refund %s: %w", reference, err)
	}
	return nil
}

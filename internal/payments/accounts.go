package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/account"
	"github.com/stripe/stripe-go/v74/accountlink"
	"github.com/stripe/stripe-go/v74/balance"
	"github.com/stripe/stripe-go/v74/balancetransaction"
)

// MetadataUserID links a connected account back to the host who owns it.
const MetadataUserID = "user_id"

const maxTransactions = 100

var ErrUnknownAccount = errors.New("unknown payout account")

// Payouts is the host side of the provider: connected accounts and what
// they have earned.
type Payouts interface {
	CreateAccount(ctx context.Context, userID, email string) (string, error)
	OnboardingLink(ctx context.Context, accountID, returnURL string) (string, error)
	AccountStatus(ctx context.Context, accountID string) (AccountStatus, error)
	Balance(ctx context.Context, accountID string) (Balance, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

type AccountStatus struct {
	AccountID        string `json:"account_id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// Ready reports whether the account can be paid out to.
func (s AccountStatus) Ready() bool { return s.ChargesEnabled && s.PayoutsEnabled }

type Amount struct {
	Cents    int64  `json:"amount_cents"`
	Currency string `json:"currency"`
}

type Balance struct {
	Available []Amount `json:"available"`
	Pending   []Amount `json:"pending"`
}

type Transaction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	FeeCents    int64     `json:"fee_cents"`
	NetCents    int64     `json:"net_cents"`
	Currency    string    `json:"currency"`
	Created     time.Time `json:"created"`
	AvailableOn time.Time `json:"available_on"`
}

// CreateAccount opens an Express account for a host. The user id is kept
// in the account metadata so account.updated events can be routed back.
func (s *StripeClient) CreateAccount(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.AccountParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		BusinessType: stripe.String(string(stripe.AccountBusinessTypeIndividual)),
		BusinessProfile: &stripe.AccountBusinessProfileParams{
			MCC:                stripe.String("4121"),
			ProductDescription: stripe.String("Golf cart rides"),
		},
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetadataUserID, userID)
	params.Context = ctx
	params.SetIdempotencyKey("account:" + userID)
	acct, err := account.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create account: %w", err)
	}
	return acct.ID, nil
}

// OnboardingLink returns a one-time URL for the host to finish onboarding.
func (s *StripeClient) OnboardingLink(ctx context.Context, accountID, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(returnURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx
	link, err := accountlink.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe account link %s: %w", accountID, err)
	}
	return link.URL, nil
}

func (s *StripeClient) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := account.GetByID(accountID, params)
	if err != nil {
		return AccountStatus{}, fmt.Errorf("stripe account %s: %w", accountID, err)
	}
	return statusOf(acct), nil
}

func statusOf(acct *stripe.Account) AccountStatus {
	return AccountStatus{
		AccountID:        acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}
}

// Balance reads the connected account's balance.
func (s *StripeClient) Balance(ctx context.Context, accountID string) (Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	params.SetStripeAccount(accountID)
	b, err := balance.Get(params)
	if err != nil {
		return Balance{}, fmt.Errorf("stripe balance %s: %w", accountID, err)
	}
	return Balance{Available: amounts(b.Available), Pending: amounts(b.Pending)}, nil
}

func amounts(in []*stripe.Amount) []Amount {
	out := make([]Amount, 0, len(in))
	for _, a := range in {
		out = append(out, Amount{Cents: a.Amount, Currency: string(a.Currency)})
	}
	return out
}

// Transactions lists the newest balance transactions, at most limit.
func (s *StripeClient) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	limit = clampLimit(limit)
	params := &stripe.BalanceTransactionListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))
	params.SetStripeAccount(accountID)
	it := balancetransaction.List(params)
	out := make([]Transaction, 0, limit)
	for len(out) < limit && it.Next() {
		bt := it.BalanceTransaction()
		out = append(out, Transaction{
			ID:          bt.ID,
			Type:        string(bt.Type),
			Status:      string(bt.Status),
			Description: bt.Description,
			AmountCents: bt.Amount,
			FeeCents:    bt.Fee,
			NetCents:    bt.Net,
			Currency:    string(bt.Currency),
			Created:     time.Unix(bt.Created, 0).UTC(),
			AvailableOn: time.Unix(bt.AvailableOn, 0).UTC(),
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe balance transactions %s: %w", accountID, err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, maxTransactions)
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownReference = errors.New("unknown payment reference")
	ErrIntentState      = errors.New("payment intent in wrong state")
)

// Intent states tracked by Fake. They mirror Stripe's names.
const (
	StateRequiresCapture = "requires_capture"
	StateSucceeded       = "succeeded"
	StateCanceled        = "canceled"
	StateRefunded        = "refunded"
)

// Fake is an in-process Gateway for development and tests. Like Stripe it
// treats a repeated idempotency key as a replay of the first call.
type Fake struct {
	mu       sync.Mutex
	intents  map[string]*fakeIntent
	keys     map[string]error
	accounts map[string]*fakeAccount
}

type fakeAccount struct {
	userID string
	status AccountStatus
	ledger []Transaction
}

type fakeIntent struct {
	amount int64
	state  string
}

func NewFake() *Fake {
	return &Fake{
		intents:  make(map[string]*fakeIntent),
		keys:     make(map[string]error),
		accounts: make(map[string]*fakeAccount),
	}
}

func (f *Fake) Authorize(_ context.Context, req AuthorizeRequest) (Authorization, error) {
	if req.AmountCents <= 0 {
		return Authorization{}, ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "pi_fake_" + uuid.NewString()
	f.intents[id] = &fakeIntent{amount: req.AmountCents, state: StateRequiresCapture}
	return Authorization{Reference: id, ClientSecret: id + "_secret"}, nil
}

func (f *Fake) Capture(_ context.Context, ref, key string) error {
	return f.apply(ref, key, func(in *fakeIntent) error {
		if in.state != StateRequiresCapture {
			return fmt.Errorf("%w: capture from %s", ErrIntentState, in.state)
		}
		in.state = StateSucceeded
		return nil
	})
}

func (f *Fake) Cancel(_ context.Context, ref, key string) error {
	return f.apply(ref, key, func(in *fakeIntent) error {
		if in.state != StateRequiresCapture {
			return fmt.Errorf("%w: cancel from %s", ErrIntentState, in.state)
		}
		in.state = StateCanceled
		return nil
	})
}

func (f *Fake) Refund(_ context.Context, ref, key string) error {
	return f.apply(ref, key, func(in *fakeIntent) error {
		switch in.state {
		case StateRequiresCapture:
			in.state = StateCanceled
		case StateSucceeded:
			in.state = StateRefunded
		case StateCanceled:
		default:
			return fmt.Errorf("%w: refund from %s", ErrIntentState, in.state)
		}
		return nil
	})
}

// State reports the fake intent state, or "" for unknown references.
func (f *Fake) State(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[ref]; ok {
		return in.state
	}
	return ""
}

func (f *Fake) apply(ref, key string, fn func(*fakeIntent) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "" {
		if err, ok := f.keys[key]; ok {
			return err
		}
	}
	in, ok := f.intents[ref]
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	} else {
		err = fn(in)
	}
	if key != "" {
		f.keys[key] = err
	}
	return err
}

// CreateAccount opens one account per user; repeated calls return it.
func (f *Fake) CreateAccount(_ context.Context, userID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range f.accounts {
		if a.userID == userID {
			return id, nil
		}
	}
	id := "acct_fake_" + uuid.NewString()
	f.accounts[id] = &fakeAccount{userID: userID, status: AccountStatus{AccountID: id}}
	return id, nil
}

func (f *Fake) OnboardingLink(_ context.Context, accountID, returnURL string) (string, error) {
	if _, err := f.account(accountID); err != nil {
		return "", err
	}
	return "https://connect.fake/onboard/" + accountID + "?return=" + returnURL, nil
}

func (f *Fake) AccountStatus(_ context.Context, accountID string) (AccountStatus, error) {
	a, err := f.account(accountID)
	if err != nil {
		return AccountStatus{}, err
	}
	return a.status, nil
}

// Balance sums the recorded ledger: entries still before their
// AvailableOn time are pending.
func (f *Fake) Balance(_ context.Context, accountID string) (Balance, error) {
	a, err := f.account(accountID)
	if err != nil {
		return Balance{}, err
	}
	now := time.Now()
	avail, pending := map[string]int64{}, map[string]int64{}
	for _, t := range a.ledger {
		if t.AvailableOn.After(now) {
			pending[t.Currency] += t.NetCents
		} else {
			avail[t.Currency] += t.NetCents
		}
	}
	return Balance{Available: toAmounts(avail), Pending: toAmounts(pending)}, nil
}

func toAmounts(m map[string]int64) []Amount {
	out := make([]Amount, 0, len(m))
	for cur, cents := range m {
		out = append(out, Amount{Cents: cents, Currency: cur})
	}
	slices.SortFunc(out, func(a, b Amount) int {
		switch {
		case a.Currency < b.Currency:
			return -1
		case a.Currency > b.Currency:
			return 1
		}
		return 0
	})
	return out
}

// Transactions returns the ledger newest first.
func (f *Fake) Transactions(_ context.Context, accountID string, limit int) ([]Transaction, error) {
	a, err := f.account(accountID)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(a.ledger)
	slices.Reverse(out)
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SetAccountStatus stands in for the host finishing onboarding.
func (f *Fake) SetAccountStatus(st AccountStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[st.AccountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, st.AccountID)
	}
	a.status = st
	return nil
}

// RecordTransaction appends to an account ledger.
func (f *Fake) RecordTransaction(accountID string, t Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	a.ledger = append(a.ledger, t)
	return nil
}

func (f *Fake) account(id string) (fakeAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fakeAccount{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return fakeAccount{userID: a.userID, status: a.status, ledger: slices.Clone(a.ledger)}, nil
}

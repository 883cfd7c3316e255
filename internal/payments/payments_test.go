package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"
)

func TestFakeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	_, err := f.Authorize(ctx, AuthorizeRequest{AmountCents: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	auth, err := f.Authorize(ctx, AuthorizeRequest{AmountCents: 850, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, StateRequiresCapture, f.State(auth.Reference))

	require.NoError(t, f.Capture(ctx, auth.Reference, "r1:capture"))
	// replayed key is a no-op
	require.NoError(t, f.Capture(ctx, auth.Reference, "r1:capture"))
	assert.Equal(t, StateSucceeded, f.State(auth.Reference))

	err = f.Capture(ctx, auth.Reference, "other")
	assert.ErrorIs(t, err, ErrIntentState)

	require.NoError(t, f.Refund(ctx, auth.Reference, "r1:refund"))
	assert.Equal(t, StateRefunded, f.State(auth.Reference))
}

func TestFakeRefundOfHoldCancels(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	auth, err := f.Authorize(ctx, AuthorizeRequest{AmountCents: 500})
	require.NoError(t, err)

	require.NoError(t, f.Refund(ctx, auth.Reference, "k"))
	assert.Equal(t, StateCanceled, f.State(auth.Reference))

	assert.ErrorIs(t, f.Cancel(ctx, "pi_missing", "k2"), ErrUnknownReference)
}

func sign(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhook(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": %q,
		"type": "payment_intent.canceled",
		"data": {"object": {"id": "pi_123", "object": "payment_intent", "status": "canceled", "metadata": {"ride_id": "r1"}}}
	}`, stripe.APIVersion))

	ev, err := ParseWebhook(payload, sign(t, payload, secret, time.Now()), secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "payment_intent.canceled", ev.Type)
	assert.Equal(t, "pi_123", ev.Reference)
	assert.Equal(t, "canceled", ev.Status)
	assert.Equal(t, "r1", ev.Metadata["ride_id"])

	_, err = ParseWebhook(payload, sign(t, payload, "whsec_wrong", time.Now()), secret)
	assert.Error(t, err)
}

func TestParseAccountWebhook(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_2",
		"object": "event",
		"api_version": %q,
		"type": "account.updated",
		"data": {"object": {"id": "acct_9", "object": "account", "details_submitted": true,
			"charges_enabled": true, "payouts_enabled": true, "metadata": {"user_id": "host-1"}}}
	}`, stripe.APIVersion))

	ev, err := ParseWebhook(payload, sign(t, payload, secret, time.Now()), secret)
	require.NoError(t, err)
	require.NotNil(t, ev.Account)
	assert.Equal(t, "acct_9", ev.Account.AccountID)
	assert.True(t, ev.Account.Ready())
	assert.Equal(t, "host-1", ev.Metadata[MetadataUserID])
	assert.Empty(t, ev.Reference)
}

func TestFakePayouts(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	acct, err := f.CreateAccount(ctx, "host-1", "sam@example.com")
	require.NoError(t, err)
	again, err := f.CreateAccount(ctx, "host-1", "sam@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct, again)

	st, err := f.AccountStatus(ctx, acct)
	require.NoError(t, err)
	assert.False(t, st.Ready())

	link, err := f.OnboardingLink(ctx, acct, "https://app.example/host")
	require.NoError(t, err)
	assert.Contains(t, link, acct)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.RecordTransaction(acct, Transaction{ID: "txn_1", NetCents: 700, Currency: "usd", AvailableOn: past}))
	require.NoError(t, f.RecordTransaction(acct, Transaction{ID: "txn_2", NetCents: 450, Currency: "usd", AvailableOn: time.Now().Add(48 * time.Hour)}))

	bal, err := f.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, []Amount{{Cents: 700, Currency: "usd"}}, bal.Available)
	assert.Equal(t, []Amount{{Cents: 450, Currency: "usd"}}, bal.Pending)

	txns, err := f.Transactions(ctx, acct, 1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "txn_2", txns[0].ID)

	_, err = f.AccountStatus(ctx, "acct_missing")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

package profile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cartrabbit/internal/models"
)

// exerciseStore checks the behaviour every Store shares.
func exerciseStore(t *testing.T, s Store, prefix string) {
	ctx := context.Background()
	hostID := prefix + "host"

	_, err := s.Get(ctx, hostID)
	assert.ErrorIs(t, err, ErrNotFound)

	saved, err := s.Save(ctx, models.UserProfile{UserID: hostID, DisplayName: "Sam", DriverLicense: "D123"})
	require.NoError(t, err)
	assert.False(t, saved.CanHost())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePosition(ctx, models.Identity{ID: hostID, Role: models.RoleHost}, models.Coord{Lat: 30.3, Lon: -89.3}, at))

	// payout fields in a client save are ignored
	saved, err = s.Save(ctx, models.UserProfile{UserID: hostID, DisplayName: "Sam", DriverLicense: "D123", PayoutAccountID: "acct_made_up", PayoutsEnabled: true})
	require.NoError(t, err)
	assert.Empty(t, saved.PayoutAccountID)
	assert.False(t, saved.CanHost())
	ok, err := Verifier{Store: s}.CanHost(ctx, hostID)
	require.NoError(t, err)
	assert.False(t, ok)

	saved, err = s.SavePayouts(ctx, hostID, "acct_1", false)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", saved.PayoutAccountID)
	assert.False(t, saved.CanHost())

	saved, err = s.SavePayouts(ctx, hostID, "acct_1", true)
	require.NoError(t, err)
	assert.True(t, saved.CanHost())
	assert.Equal(t, "Sam", saved.DisplayName)

	saved, err = s.Save(ctx, models.UserProfile{UserID: hostID, DisplayName: "Sam B", DriverLicense: "D123"})
	require.NoError(t, err)
	assert.True(t, saved.CanHost())
	// saving the profile keeps the stored position
	require.NotNil(t, saved.Location)
	assert.Equal(t, 30.3, saved.Location.Lat)

	ok, err = Verifier{Store: s}.CanHost(ctx, hostID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Verifier{Store: s}.CanHost(ctx, prefix+"nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	pos, found, err := s.Position(ctx, hostID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.Coord{Lat: 30.3, Lon: -89.3}, pos)

	anon := AnonymousID(prefix + "sess")
	require.NoError(t, s.SavePosition(ctx, models.Identity{ID: anon, Anonymous: true}, models.Coord{Lat: 30.2, Lon: -89.4}, at))
	pos, found, err = s.Position(ctx, anon)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 30.2, pos.Lat)

	// anonymous positions never create a profile
	_, err = s.Get(ctx, anon)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "")
}

func TestMemoryStoreSessionExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	id := AnonymousID("abc")
	require.NoError(t, s.SavePosition(ctx, models.Identity{ID: id, Anonymous: true}, models.Coord{Lat: 1, Lon: 1}, now))

	now = now.Add(SessionTTL + time.Second)
	_, found, err := s.Position(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	exerciseStore(t, NewRedisStore(client), "test-"+uuid.NewString()+"-")
}

func TestAnonymousID(t *testing.T) {
	id := AnonymousID("s1")
	assert.Equal(t, "anon:s1", id)
	assert.True(t, IsAnonymous(id))
	assert.False(t, IsAnonymous("user-1"))
}

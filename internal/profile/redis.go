package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cartrabbit/internal/models"
)

const maxTxRetries = 5

// RedisStore keeps profiles as JSON under profile:<id> and anonymous
// positions under session:<id>:location with SessionTTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func profileKey(id string) string { return "profile:" + id }
func sessionKey(id string) string { return "session:" + id + ":location" }

type storedPosition struct {
	Coord models.Coord `json:"coord"`
	At    time.Time    `json:"at"`
}

func (s *RedisStore) Get(ctx context.Context, userID string) (models.UserProfile, error) {
	return get(ctx, s.client, userID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func get(ctx context.Context, c getter, userID string) (models.UserProfile, error) {
	raw, err := c.Get(ctx, profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("redis get profile: %w", err)
	}
	var p models.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.UserProfile{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, nil
}

// update runs fn as an optimistic transaction on the profile key.
func (s *RedisStore) update(ctx context.Context, userID string, fn func(*models.UserProfile)) (models.UserProfile, error) {
	key := profileKey(userID)
	var out models.UserProfile
	txf := func(tx *redis.Tx) error {
		cur, err := get(ctx, tx, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		cur.UserID = userID
		fn(&cur)
		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.UserProfile{}, fmt.Errorf("redis update profile: %w", err)
		}
		return out, nil
	}
	return models.UserProfile{}, fmt.Errorf("redis update profile %s: too much contention", userID)
}

func (s *RedisStore) Save(ctx context.Context, p models.UserProfile) (models.UserProfile, error) {
	return s.update(ctx, p.UserID, func(cur *models.UserProfile) { mergeEditable(cur, p) })
}

func (s *RedisStore) SavePayouts(ctx context.Context, userID, accountID string, enabled bool) (models.UserProfile, error) {
	return s.update(ctx, userID, func(cur *models.UserProfile) { setPayouts(cur, accountID, enabled) })
}

func (s *RedisStore) SavePosition(ctx context.Context, id models.Identity, c models.Coord, at time.Time) error {
	if id.Anonymous || IsAnonymous(id.ID) {
		b, err := json.Marshal(storedPosition{Coord: c, At: at})
		if err != nil {
			return err
		}
		if err := s.client.Set(ctx, sessionKey(id.ID), b, SessionTTL).Err(); err != nil {
			return fmt.Errorf("redis save session position: %w", err)
		}
		return nil
	}
	_, err := s.update(ctx, id.ID, func(p *models.UserProfile) {
		pos := c
		when := at
		p.Location = &pos
		p.LocationUpdatedAt = &when
	})
	return err
}

func (s *RedisStore) Position(ctx context.Context, userID string) (models.Coord, bool, error) {
	if IsAnonymous(userID) {
		raw, err := s.client.Get(ctx, sessionKey(userID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return models.Coord{}, false, nil
		}
		if err != nil {
			return models.Coord{}, false, fmt.Errorf("redis get session position: %w", err)
		}
		var sp storedPosition
		if err := json.Unmarshal(raw, &sp); err != nil {
			return models.Coord{}, false, fmt.Errorf("decode session position: %w", err)
		}
		return sp.Coord, true, nil
	}
	p, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return models.Coord{}, false, nil
	}
	if err != nil {
		return models.Coord{}, false, err
	}
	if p.Location == nil {
		return models.Coord{}, false, nil
	}
	return *p.Location, true, nil
}

package redisrepo

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is a read-through cache of per-event inventory counters. Entries are
// CBOR encoded and live for ttl; writes invalidate eagerly.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
	ttl time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Cache{rdb: client, ttl: ttl}
}

// Availability returns the cached counters of eventID, calling loader on a
// miss. Concurrent misses for one event share a single loader call. A Redis
// failure degrades to the loader.
func (c *Cache) Availability(
	ctx context.Context,
	eventID string,
	loader func(ctx context.Context) ([]domain.InventoryCounter, error),
) ([]domain.InventoryCounter, error) {
	key := KeyEventAvailability(eventID)

	if counters, ok := c.read(ctx, key); ok {
		return counters, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if counters, ok := c.read(ctx, key); ok {
			return counters, nil
		}

		counters, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		if b, err := cbor.Marshal(counters); err == nil {
			_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
		}

		return counters, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]domain.InventoryCounter), nil
}

func (c *Cache) read(ctx context.Context, key string) ([]domain.InventoryCounter, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var counters []domain.InventoryCounter
	if err := cbor.Unmarshal(b, &counters); err != nil {
		return nil, false
	}

	return counters, true
}

func (c *Cache) InvalidateEvent(ctx context.Context, eventID string) error {
	err := c.rdb.Del(ctx, KeyEventAvailability(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

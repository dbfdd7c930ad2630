// Package rediscache backs the spec §4.2 unprocessed-envelope cache with
// Redis, generalizing the teacher's RedisService (a thin RPush/LRange/Del/Set
// wrapper over go-redis) into the full UnprocessedStore surface of
// internal/store.Store: one hash entry per envelope id, addressable
// independently instead of the teacher's single-list-per-user shape.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"signalengine/internal/store"
)

const unprocessedHashKey = "signalengine:unprocessed"

// Store implements the store.Store cache methods (AddUnprocessed through
// RemoveAllUnprocessed) against one Redis hash keyed by envelope identity.
type Store struct {
	rdb *redis.Client
}

// New wraps an established go-redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) AddUnprocessed(ctx context.Context, id string, envelope []byte) error {
	item := &store.UnprocessedItem{ID: id, Version: 2, Envelope: envelope, Attempts: 1}
	return s.write(ctx, item)
}

func (s *Store) UpdateUnprocessed(ctx context.Context, item *store.UnprocessedItem) error {
	return s.write(ctx, item)
}

func (s *Store) write(ctx context.Context, item *store.UnprocessedItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("rediscache: marshal %s: %w", item.ID, err)
	}
	if err := s.rdb.HSet(ctx, unprocessedHashKey, item.ID, b).Err(); err != nil {
		return fmt.Errorf("rediscache: hset %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) GetUnprocessed(ctx context.Context, id string) (*store.UnprocessedItem, error) {
	v, err := s.rdb.HGet(ctx, unprocessedHashKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: hget %s: %w", id, err)
	}
	var item store.UnprocessedItem
	if err := json.Unmarshal([]byte(v), &item); err != nil {
		return nil, fmt.Errorf("rediscache: unmarshal %s: %w", id, err)
	}
	return &item, nil
}

func (s *Store) GetAllUnprocessed(ctx context.Context) ([]*store.UnprocessedItem, error) {
	all, err := s.rdb.HGetAll(ctx, unprocessedHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscache: hgetall: %w", err)
	}
	out := make([]*store.UnprocessedItem, 0, len(all))
	for id, v := range all {
		var item store.UnprocessedItem
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			return nil, fmt.Errorf("rediscache: unmarshal %s: %w", id, err)
		}
		out = append(out, &item)
	}
	return out, nil
}

func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, unprocessedHashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rediscache: hlen: %w", err)
	}
	return int(n), nil
}

func (s *Store) RemoveUnprocessed(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, unprocessedHashKey, id).Err(); err != nil {
		return fmt.Errorf("rediscache: hdel %s: %w", id, err)
	}
	return nil
}

func (s *Store) RemoveAllUnprocessed(ctx context.Context) error {
	if err := s.rdb.Del(ctx, unprocessedHashKey).Err(); err != nil {
		return fmt.Errorf("rediscache: del: %w", err)
	}
	return nil
}

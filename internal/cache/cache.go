// Package cache wraps the Store's unprocessed-item persistence into the
// durable at-least-once envelope cache the receive path relies on for crash
// recovery (spec §4.2).
package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"signalengine/internal/logging"
	"signalengine/internal/store"
)

// DefaultPurgeThreshold is the cache size above which QueueAllCached
// discards the entire cache rather than trying to replay it (spec §4.2: a
// cache this large almost certainly reflects corrupted or runaway state).
const DefaultPurgeThreshold = 250

// DefaultMaxAttempts is the attempt count at which a startup scan drops an
// item unprocessed (spec §4.2). The count is incremented before the
// comparison, so an item inserted with Attempts=1 is replayed by one startup
// scan and dropped by the next.
const DefaultMaxAttempts = 3

// Cache is the envelope cache keyed by envelope identity
// "{source}.{sourceDevice} {timestamp}".
type Cache struct {
	store          store.Store
	purgeThreshold int
	maxAttempts    uint
}

// New wraps backing with the given purge threshold and max attempts; zero
// values select the spec defaults.
func New(backing store.Store, purgeThreshold int, maxAttempts uint) *Cache {
	if purgeThreshold <= 0 {
		purgeThreshold = DefaultPurgeThreshold
	}
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Cache{store: backing, purgeThreshold: purgeThreshold, maxAttempts: maxAttempts}
}

// Insert records a freshly received envelope before it is acknowledged to
// the server (spec §4.2: "created on receive before ack").
func (c *Cache) Insert(ctx context.Context, id string, envelope []byte) error {
	if err := c.store.AddUnprocessed(ctx, id, envelope); err != nil {
		return fmt.Errorf("cache: insert %s: %w", id, err)
	}
	return nil
}

// SaveDecrypted upgrades a cached item with its decrypted payload. The
// startup replay in receiver.QueueAllCached does not read this payload: it
// decrypts item.Envelope again.
func (c *Cache) SaveDecrypted(ctx context.Context, id string, decrypted []byte) error {
	item, err := c.store.GetUnprocessed(ctx, id)
	if err != nil {
		return fmt.Errorf("cache: save decrypted %s: %w", id, err)
	}
	if item == nil {
		return nil
	}
	item.Decrypted = decrypted
	return c.store.UpdateUnprocessed(ctx, item)
}

// Confirm removes id from the cache once it has been fully dispatched.
func (c *Cache) Confirm(ctx context.Context, id string) error {
	if err := c.store.RemoveUnprocessed(ctx, id); err != nil {
		return fmt.Errorf("cache: confirm %s: %w", id, err)
	}
	return nil
}

// QueueAllCached scans the durable cache at startup, handing every
// recoverable item to dispatch in the order returned by the store. Items at
// or beyond maxAttempts are dropped without being dispatched; if the cache
// as a whole exceeds purgeThreshold it is discarded wholesale instead of
// replayed (spec §4.2).
func (c *Cache) QueueAllCached(ctx context.Context, dispatch func(item *store.UnprocessedItem)) error {
	count, err := c.store.CountUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("cache: count unprocessed: %w", err)
	}
	if count > c.purgeThreshold {
		logging.Warn("cache: unprocessed count exceeds purge threshold, discarding cache",
			zap.Int("count", count), zap.Int("threshold", c.purgeThreshold))
		return c.store.RemoveAllUnprocessed(ctx)
	}

	items, err := c.store.GetAllUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("cache: get all unprocessed: %w", err)
	}

	for _, item := range items {
		item.Attempts++
		if item.Attempts >= c.maxAttempts {
			logging.Warn("cache: dropping item after max attempts",
				zap.String("id", item.ID), zap.Uint("attempts", item.Attempts))
			if err := c.store.RemoveUnprocessed(ctx, item.ID); err != nil {
				logging.Error("cache: remove exhausted item failed", zap.String("id", item.ID), zap.Error(err))
			}
			continue
		}
		if err := c.store.UpdateUnprocessed(ctx, item); err != nil {
			logging.Error("cache: update attempts failed", zap.String("id", item.ID), zap.Error(err))
		}
		dispatch(item)
	}
	return nil
}

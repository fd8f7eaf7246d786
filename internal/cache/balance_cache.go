// Package cache provides an optional Redis hot cache for balance reads.
// The database stays the source of truth: entries are short-lived and
// invalidated after every committed ledger mutation, and any Redis
// failure degrades to a database read.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/model"
)

// BalanceCache caches balances under "balance:<user_id>".  A nil client
// disables the cache entirely; all methods become no-ops.
type BalanceCache struct {
	Client *redis.Client
	TTL    time.Duration
	Log    zerolog.Logger
}

// New returns a BalanceCache over the given client.  The client may be
// nil when Redis is unavailable.
func New(client *redis.Client, ttl time.Duration, log zerolog.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{Client: client, TTL: ttl, Log: log}
}

func key(userID string) string { return "balance:" + userID }

// Get returns the cached balance, if any.  Errors and cache misses both
// report not-found; the caller falls through to the database.
func (c *BalanceCache) Get(ctx context.Context, userID string) (*model.Balance, bool) {
	if c == nil || c.Client == nil {
		return nil, false
	}
	data, err := c.Client.Get(ctx, key(userID)).Bytes()
	if err != nil {
		return nil, false
	}
	var b model.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false
	}
	return &b, true
}

// Set stores the balance with the configured TTL.  Failures are logged
// at debug level and otherwise ignored.
func (c *BalanceCache) Set(ctx context.Context, userID string, b *model.Balance) {
	if c == nil || c.Client == nil || b == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.Client.Set(ctx, key(userID), data, c.TTL).Err(); err != nil {
		c.Log.Debug().Err(err).Str("user_id", userID).Msg("balance cache set failed")
	}
}

// Invalidate drops the cached balance after a committed mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.Client == nil {
		return
	}
	if err := c.Client.Del(ctx, key(userID)).Err(); err != nil {
		c.Log.Debug().Err(err).Str("user_id", userID).Msg("balance cache invalidate failed")
	}
}

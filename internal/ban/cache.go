// Package ban provides a Redis fast path for active-ban lookups. Postgres
// owns the ban ledger; this cache mirrors the currently active ban per
// (group, user) so the hot send path avoids a database round-trip:
//
//	Key:   groupban:<group_id>:<user_id>
//	Value: JSON {reason, expires_at}
//	TTL:   remaining ban duration (none for permanent bans)
//
// All methods fail open on Redis errors so an outage degrades to the
// authoritative Postgres lookup instead of blocking traffic.
package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for cached ban entries.
const KeyPrefix = "groupban:"

// Entry is the cached representation of an active ban.
type Entry struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Cache holds cached ban entries in Redis.
type Cache struct {
	client *redis.Client
}

// NewCache creates a ban cache using the provided Redis client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func key(groupID, userID string) string {
	return KeyPrefix + groupID + ":" + userID
}

// Get returns the cached active ban for the pair, or nil on a miss. Entries
// whose stored expiry has passed are treated as misses even if the Redis TTL
// has not fired yet.
func (c *Cache) Get(ctx context.Context, groupID, userID string) (*Entry, error) {
	raw, err := c.client.Get(ctx, key(groupID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ban: cache get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("ban: cache decode: %w", err)
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(time.Now()) {
		// The Redis TTL lagged behind the stored expiry. Drop the stale key
		// so later lookups miss without the decode round-trip.
		_ = c.Clear(ctx, groupID, userID)
		return nil, nil
	}
	return &e, nil
}

// Put stores an active ban. A nil expiry means permanent: the key gets no
// TTL and lives until Clear is called.
func (c *Cache) Put(ctx context.Context, groupID, userID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ban: cache encode: %w", err)
	}

	var ttl time.Duration
	if e.ExpiresAt != nil {
		ttl = time.Until(*e.ExpiresAt)
		if ttl <= 0 {
			return nil // already expired, nothing to cache
		}
	}
	if err := c.client.Set(ctx, key(groupID, userID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("ban: cache put: %w", err)
	}
	return nil
}

// Clear drops the cached entry, e.g. after a manual unban.
func (c *Cache) Clear(ctx context.Context, groupID, userID string) error {
	if err := c.client.Del(ctx, key(groupID, userID)).Err(); err != nil {
		return fmt.Errorf("ban: cache clear: %w", err)
	}
	return nil
}

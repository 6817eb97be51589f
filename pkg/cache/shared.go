package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

// SharedStore is the cross-instance tier behind the local LRU. A nil store
// leaves the cache single-node.
type SharedStore interface {
	Get(ctx context.Context, tenantID, key string) (*contracts.CacheEntry, error)
	Set(ctx context.Context, tenantID, key string, entry contracts.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, tenantID, key string) error
	DeleteIntent(ctx context.Context, tenantID, intentID string) (int, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

// RedisStore implements SharedStore on go-redis. Keys are namespaced per
// tenant so tenant invalidation is a single SCAN over one prefix.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// keepFresher writes argv[1] at KEYS[1] unless the stored entry expires
// later than argv[2]. Concurrent instances can race on one fingerprint; the
// entry with the later expiry wins regardless of write order.
var keepFresher = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded["expires_at_unix_ms"] and tonumber(decoded["expires_at_unix_ms"]) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// sharedEntry is the wire form stored in Redis. The expiry is duplicated as
// unix milliseconds so the compare-before-write script can read it without
// parsing timestamps.
type sharedEntry struct {
	contracts.CacheEntry
	ExpiresAtUnixMS int64 `json:"expires_at_unix_ms"`
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func redisKey(tenantID, key string) string {
	return fmt.Sprintf("vorion:decision:%s:%s", tenantID, key)
}

func redisTenantPattern(tenantID string) string {
	return fmt.Sprintf("vorion:decision:%s:*", tenantID)
}

// Get fetches an entry. Entries that fail to decode are deleted and reported
// as a miss rather than surfaced as an error.
func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*contracts.CacheEntry, error) {
	raw, err := s.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}

	var stored sharedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.client.Del(ctx, redisKey(tenantID, key))
		return nil, nil
	}
	if stored.Expired(s.now()) {
		return nil, nil
	}
	entry := stored.CacheEntry
	return &entry, nil
}

// Set stores an entry unless a fresher one is already present.
func (s *RedisStore) Set(ctx context.Context, tenantID, key string, entry contracts.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(sharedEntry{
		CacheEntry:      entry,
		ExpiresAtUnixMS: entry.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	err = keepFresher.Run(ctx, s.client,
		[]string{redisKey(tenantID, key)},
		payload, entry.ExpiresAt.UnixMilli(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *RedisStore) Delete(ctx context.Context, tenantID, key string) error {
	if err := s.client.Del(ctx, redisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// DeleteIntent scans the tenant's keys and removes entries whose decision
// carries the intent id.
func (s *RedisStore) DeleteIntent(ctx context.Context, tenantID, intentID string) (int, error) {
	removed := 0
	err := s.scanTenant(ctx, tenantID, func(fullKey string) error {
		raw, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var stored sharedEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			s.client.Del(ctx, fullKey)
			return nil
		}
		if stored.Decision.IntentID == intentID {
			if err := s.client.Del(ctx, fullKey).Err(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache: redis invalidate intent: %w", err)
	}
	return removed, nil
}

// DeleteTenant removes every entry for the tenant.
func (s *RedisStore) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	removed := 0
	err := s.scanTenant(ctx, tenantID, func(fullKey string) error {
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache: redis invalidate tenant: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) scanTenant(ctx context.Context, tenantID string, fn func(fullKey string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisTenantPattern(tenantID), 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

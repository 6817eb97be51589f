package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the three window counters in Redis so every instance
// enforces one shared budget. The check-and-increment is a single Lua call;
// window keys expire on their own so no sweeper is needed.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// checkWindows reads all three counters, and increments them only when every
// window is under its limit. Returns {allowed, sec, min, hour} counts after
// the conditional increment.
var checkWindows = redis.NewScript(`
local s = tonumber(redis.call("GET", KEYS[1]) or "0")
local m = tonumber(redis.call("GET", KEYS[2]) or "0")
local h = tonumber(redis.call("GET", KEYS[3]) or "0")
if s >= tonumber(ARGV[1]) or m >= tonumber(ARGV[2]) or h >= tonumber(ARGV[3]) then
  return {0, s, m, h}
end
for i = 1, 3 do
  local c = redis.call("INCR", KEYS[i])
  if c == 1 then
    redis.call("PEXPIRE", KEYS[i], ARGV[3 + i])
  end
end
return {1, s + 1, m + 1, h + 1}
`)

// Check runs one admission check against the shared counters.
func (s *RedisStore) Check(ctx context.Context, key string, limits Limits) (Result, error) {
	now := s.now()
	secStart := now.Truncate(time.Second)
	minStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)

	keys := []string{
		fmt.Sprintf("vorion:rl:%s:s:%d", key, secStart.Unix()),
		fmt.Sprintf("vorion:rl:%s:m:%d", key, minStart.Unix()),
		fmt.Sprintf("vorion:rl:%s:h:%d", key, hourStart.Unix()),
	}
	raw, err := checkWindows.Run(ctx, s.client, keys,
		limits.PerSecond, limits.PerMinute, limits.PerHour,
		time.Second.Milliseconds(), time.Minute.Milliseconds(), time.Hour.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(raw) != 4 {
		return Result{}, fmt.Errorf("ratelimit: redis check: unexpected reply length %d", len(raw))
	}

	res := Result{
		Allowed: raw[0] == 1,
		Remaining: Remaining{
			Second: max(limits.PerSecond-int(raw[1]), 0),
			Minute: max(limits.PerMinute-int(raw[2]), 0),
			Hour:   max(limits.PerHour-int(raw[3]), 0),
		},
		ResetAt: ResetAt{
			Second: secStart.Add(time.Second),
			Minute: minStart.Add(time.Minute),
			Hour:   hourStart.Add(time.Hour),
		},
	}
	if !res.Allowed {
		switch {
		case int(raw[1]) >= limits.PerSecond:
			res.Window = "second"
			res.RetryAfter = res.ResetAt.Second.Sub(now)
		case int(raw[2]) >= limits.PerMinute:
			res.Window = "minute"
			res.RetryAfter = res.ResetAt.Minute.Sub(now)
		default:
			res.Window = "hour"
			res.RetryAfter = res.ResetAt.Hour.Sub(now)
		}
	}
	return res, nil
}

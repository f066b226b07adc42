package security

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var errUnexpectedReply = errors.New("rate limit script returned unexpected reply")

// hitScript runs the fixed-window check atomically on the Redis side:
// a full window is rejected without touching the counter, otherwise
// the counter is incremented and, on first increment, given the
// window's TTL. Returns {allowed, count, pttl_ms}.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call("GET", key) or "0")
if count >= max then
  local ttl = redis.call("PTTL", key)
  if ttl < 0 then
    ttl = window_ms
  end
  return {0, count, ttl}
end

count = redis.call("INCR", key)
if count == 1 then
  redis.call("PEXPIRE", key, window_ms)
end
return {1, count, 0}
`)

// RedisTrackerStore keeps the hot rate-limit counters in Redis, for
// clusters that do not want every request hitting Postgres. Stale
// windows expire on their own via key TTLs.
type RedisTrackerStore struct {
	rdb *redis.Client
}

func NewRedisTrackerStore(rdb *redis.Client) *RedisTrackerStore {
	return &RedisTrackerStore{rdb: rdb}
}

var _ TrackerStore = (*RedisTrackerStore)(nil)

func (s *RedisTrackerStore) Hit(ip, endpoint string, max int, window time.Duration) (Decision, error) {
	if max <= 0 || window <= 0 {
		return Decision{Allowed: false}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "ratelimit:" + ip + ":" + endpoint
	vals, err := hitScript.Run(ctx, s.rdb, []string{key}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 3 {
		return Decision{}, errUnexpectedReply
	}
	dec := Decision{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
	}
	if !dec.Allowed {
		dec.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return dec, nil
}

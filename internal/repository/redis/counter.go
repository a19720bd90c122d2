package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lalith-99/botgate/internal/repository"
)

// CounterStore is the production counter backend. Every operation is a
// single atomic unit on the Redis side (a Lua script or one command),
// because gateway instances scale horizontally against one Redis: the
// atomicity the pipeline relies on has to live in the store, not in a
// process-local lock.
type CounterStore struct {
	client *redis.Client
	now    func() time.Time
	seq    atomic.Int64
}

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client, now: time.Now}
}

// admitScript is the token bucket as one atomic read-modify-write.
//
// KEYS[1] holds "tokens" and "refilled_at_us" in a hash. The script
// refills by elapsed time (capped at capacity), then consumes one
// token if available. Running it as Lua is the Redis equivalent of
// compare-and-swap: two concurrent admissions against an empty bucket
// serialize inside Redis and cannot both succeed.
//
// The key expires after the time a full refill would take (plus slack)
// so idle buckets cost nothing.
var admitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now_us = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_at_us')
local tokens = tonumber(state[1])
local refilled_at = tonumber(state[2])

if tokens == nil then
  tokens = capacity
  refilled_at = now_us
end

local elapsed = (now_us - refilled_at) / 1000000
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
  refilled_at = now_us
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled_at_us', refilled_at)
local ttl = 60
if refill > 0 then
  ttl = math.ceil(capacity / refill) + 60
end
redis.call('EXPIRE', KEYS[1], ttl)
return allowed
`)

func (s *CounterStore) AdmitToken(ctx context.Context, key string, capacity, refillPerSec float64) (bool, error) {
	res, err := admitScript.Run(ctx, s.client, []string{"bg:bucket:" + key},
		capacity, refillPerSec, s.now().UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: admit token: %v", repository.ErrCounterUnavailable, err)
	}
	return res == 1, nil
}

// slidingScript keeps an exact window in a sorted set scored by
// microsecond timestamps: evict everything older than the window, add
// this event, return the cardinality. One script run per event keeps
// evict+add+count atomic across instances.
var slidingScript = redis.NewScript(`
local now_us = tonumber(ARGV[1])
local window_us = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now_us - window_us)
redis.call('ZADD', KEYS[1], now_us, ARGV[3])
redis.call('PEXPIRE', KEYS[1], math.ceil(window_us / 1000) + 1000)
return redis.call('ZCARD', KEYS[1])
`)

func (s *CounterStore) SlidingCount(ctx context.Context, key string, window time.Duration) (int, error) {
	now := s.now()
	// Member must be unique per event; a timestamp alone collides when
	// two joins land in the same microsecond, so a process-local
	// sequence number is appended.
	member := strconv.FormatInt(now.UnixNano(), 36) + ":" + strconv.FormatInt(s.seq.Add(1), 36)
	count, err := slidingScript.Run(ctx, s.client, []string{"bg:window:" + key},
		now.UnixMicro(), window.Microseconds(), member).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: sliding count: %v", repository.ErrCounterUnavailable, err)
	}
	return count, nil
}

// bucketScript is the fixed-bucket approximation: the window is split
// into N rotating buckets, each a counter field keyed by its bucket
// index. Increment the current bucket, expire the hash a window ahead,
// and sum the fields that are still inside the window.
var bucketScript = redis.NewScript(`
local now_us = tonumber(ARGV[1])
local window_us = tonumber(ARGV[2])
local buckets = tonumber(ARGV[3])

local span = window_us / buckets
local current = math.floor(now_us / span)

redis.call('HINCRBY', KEYS[1], current, 1)
redis.call('PEXPIRE', KEYS[1], math.ceil(window_us / 1000) * 2)

local total = 0
for i = 0, buckets - 1 do
  local v = redis.call('HGET', KEYS[1], current - i)
  if v then
    total = total + tonumber(v)
  end
end
return total
`)

func (s *CounterStore) BucketCount(ctx context.Context, key string, window time.Duration, buckets int) (int, error) {
	count, err := bucketScript.Run(ctx, s.client, []string{"bg:flood:" + key},
		s.now().UnixMicro(), window.Microseconds(), buckets).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: bucket count: %v", repository.ErrCounterUnavailable, err)
	}
	return count, nil
}

// ClaimDedup is SET NX with a TTL: first sighting of a delivery id
// wins, replays inside the TTL read back as duplicates.
func (s *CounterStore) ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, "bg:dedup:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: claim dedup: %v", repository.ErrCounterUnavailable, err)
	}
	return ok, nil
}

func (s *CounterStore) ReleaseDedup(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, "bg:dedup:"+key).Err(); err != nil {
		return fmt.Errorf("%w: release dedup: %v", repository.ErrCounterUnavailable, err)
	}
	return nil
}

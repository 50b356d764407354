package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"scriptgate/internal/clock"
)

// Sliding window over a sorted set scored by unix milliseconds. Scores are
// passed in as strings so Lua never reformats them.
//
// KEYS[1]: bucket key
// ARGV[1]: now (ms), ARGV[2]: cutoff (ms, inclusive), ARGV[3]: window (ms),
// ARGV[4]: limit, ARGV[5]: member
//
// Returns {allowed (0|1), count}
const luaSlidingWindow = `
local key = KEYS[1]
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[3])
return {1, count + 1}
`

var slidingWindowScript = redis.NewScript(luaSlidingWindow)

// RedisStore is a StateStore shared by every instance behind one Redis.
// Window arithmetic uses the injected clock; block and score expiry use
// Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

// NewRedisStore wraps client. Every key is namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, clk clock.Clock) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, clock: clock.OrSystem(clk)}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix + "abuse"
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SeenNonce implements StateStore
func (r *RedisStore) SeenNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl > 0 {
		ok, err := r.client.SetNX(ctx, r.key("nonce", nonce), 1, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis nonce setnx: %w", err)
		}
		return !ok, nil
	}
	added, err := r.client.SAdd(ctx, r.key("nonces"), nonce).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce sadd: %w", err)
	}
	return added == 0, nil
}

// ClearNonces implements StateStore. Only the rotating set is cleared;
// nonces stored with their own TTL expire independently.
func (r *RedisStore) ClearNonces(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key("nonces")).Err(); err != nil {
		return fmt.Errorf("redis nonce clear: %w", err)
	}
	return nil
}

// Hit implements StateStore
func (r *RedisStore) Hit(ctx context.Context, bucket string, window time.Duration, limit int) (bool, int, error) {
	now := r.clock.Now().UnixMilli()
	win := window.Milliseconds()
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key("rate", bucket)},
		strconv.FormatInt(now, 10), strconv.FormatInt(now-win, 10), strconv.FormatInt(win, 10),
		limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate hit: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis rate hit: unexpected reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

// AddSuspicion implements StateStore
func (r *RedisStore) AddSuspicion(ctx context.Context, id string, points int, ttl time.Duration) (int, error) {
	key := r.key("suspicion", id)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.IncrBy(ctx, key, int64(points))
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis suspicion incr: %w", err)
	}
	return int(incr.Val()), nil
}

// Block implements StateStore
func (r *RedisStore) Block(ctx context.Context, id string, d time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key("blocked", id), r.clock.Now().Add(d).Unix(), d)
		p.Del(ctx, r.key("suspicion", id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis block: %w", err)
	}
	return nil
}

// IsBlocked implements StateStore
func (r *RedisStore) IsBlocked(ctx context.Context, id string) (bool, error) {
	err := r.client.Get(ctx, r.key("blocked", id)).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis blocked lookup: %w", err)
	}
	return true, nil
}

// Sweep implements StateStore. Redis expires keys itself.
func (r *RedisStore) Sweep(context.Context) error { return nil }

// Ping verifies the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ StateStore = (*RedisStore)(nil)

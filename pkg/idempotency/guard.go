// Package idempotency narrows the duplicate-processing window by
// claiming each message ID in a shared Redis store before a worker is
// spawned for it. The guard is best-effort: it reduces duplicate
// processing, it does not guarantee exactly-once.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Guard claims and releases per-message processing ownership.
type Guard interface {
	// Claim atomically marks msgID as being processed, with a TTL so a
	// wedged owner cannot block the message forever. False means
	// another delivery already owns it.
	Claim(ctx context.Context, msgID, body string, ttl time.Duration) bool

	// Release drops the claim. Invoked exactly once per spawned
	// worker, whatever the outcome, so a crash does not hold the claim
	// past its useful life.
	Release(ctx context.Context, msgID string)
}

// New returns a Redis-backed guard, or the no-op guard when addr is
// empty (duplicate suppression disabled).
func New(addr string) Guard {
	if addr == "" {
		return Noop{}
	}
	return &RedisGuard{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// RedisGuard stores claims as claim:<msgID> keys.
type RedisGuard struct {
	rdb *redis.Client
}

func claimKey(msgID string) string {
	return fmt.Sprintf("claim:%s", msgID)
}

// Claim is SETNX followed by EXPIRE. A store error fails open: losing
// the store degrades the daemon to plain at-least-once delivery, which
// beats stalling consumption.
func (g *RedisGuard) Claim(ctx context.Context, msgID, body string, ttl time.Duration) bool {
	key := claimKey(msgID)

	ok, err := g.rdb.SetNX(ctx, key, body, 0).Result()
	if err != nil {
		logger.Log.Warn().Err(err).Str("msg_id", msgID).Msg("Idempotency store unreachable, claiming anyway")
		return true
	}
	if !ok {
		return false
	}

	if err := g.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("msg_id", msgID).Msg("Failed to set claim TTL")
	}
	return true
}

// Release deletes the claim key.
func (g *RedisGuard) Release(ctx context.Context, msgID string) {
	if err := g.rdb.Del(ctx, claimKey(msgID)).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("msg_id", msgID).Msg("Failed to release idempotency claim")
	}
}

// Close releases the Redis connection.
func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}

// Noop is the guard used when no idempotency store is configured:
// every claim succeeds and release does nothing.
type Noop struct{}

func (Noop) Claim(ctx context.Context, msgID, body string, ttl time.Duration) bool { return true }

func (Noop) Release(ctx context.Context, msgID string) {}

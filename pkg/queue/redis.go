package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/guido-cesarano/pollerd/pkg/message"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// RedisClient implements Client on top of Redis.
//
// Key layout per queue name:
//   - <name>:ready    — list of envelopes waiting for delivery
//   - <name>:inflight — sorted set of receipt handles, scored by the
//     unix-nano deadline at which the delivery becomes visible again
//   - <name>:unacked  — hash of receipt handle -> envelope for
//     deliveries currently hidden
//
// A background reclaimer moves expired inflight entries back to the
// ready list, which is what makes the visibility timeout real.
type RedisClient struct {
	rdb  *redis.Client
	cron *cron.Cron

	readyKey    string
	inflightKey string
	unackedKey  string
}

// envelope is the wire form of a message on the ready list.
type envelope struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	Checksum   string    `json:"checksum,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewRedisClient connects to the Redis instance at addr and binds to
// the named queue. The reclaimer is not started; call StartReclaimer
// on consumers that should recover expired deliveries.
func NewRedisClient(addr, name string) *RedisClient {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisClient{
		rdb:         rdb,
		cron:        cron.New(cron.WithSeconds()),
		readyKey:    fmt.Sprintf("queue:%s:ready", name),
		inflightKey: fmt.Sprintf("queue:%s:inflight", name),
		unackedKey:  fmt.Sprintf("queue:%s:unacked", name),
	}
}

// receiveScript pops one envelope from the ready list and records the
// delivery under a caller-supplied receipt handle, atomically so a
// crash between the two steps cannot lose the message.
var receiveScript = redis.NewScript(`
	local ready = KEYS[1]
	local inflight = KEYS[2]
	local unacked = KEYS[3]
	local deadline = tonumber(ARGV[1])
	local handle = ARGV[2]

	local raw = redis.call('LPOP', ready)
	if not raw then
		return false
	end

	redis.call('HSET', unacked, handle, raw)
	redis.call('ZADD', inflight, deadline, handle)
	return raw
`)

// Receive fetches at most one message. The delivery stays hidden until
// now+visibility unless ChangeVisibility moves the deadline.
func (c *RedisClient) Receive(ctx context.Context, visibility time.Duration) (*message.Message, error) {
	handle := uuid.New().String()
	deadline := time.Now().Add(visibility).UnixNano()

	raw, err := receiveScript.Run(ctx, c.rdb,
		[]string{c.readyKey, c.inflightKey, c.unackedKey},
		deadline, handle,
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	return &message.Message{
		ID:            env.ID,
		Body:          env.Body,
		Checksum:      env.Checksum,
		ReceiptHandle: handle,
		ReceivedAt:    time.Now(),
	}, nil
}

// Delete removes a delivery for good. Deleting an already-reclaimed
// delivery is a harmless no-op.
func (c *RedisClient) Delete(ctx context.Context, msg *message.Message) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, c.inflightKey, msg.ReceiptHandle)
	pipe.HDel(ctx, c.unackedKey, msg.ReceiptHandle)
	_, err := pipe.Exec(ctx)
	return err
}

// ChangeVisibility resets the redelivery deadline of an in-flight
// message to now+visibility. ZADD XX so a delivery the reclaimer has
// already returned to the queue is not resurrected.
func (c *RedisClient) ChangeVisibility(ctx context.Context, msg *message.Message, visibility time.Duration) error {
	deadline := float64(time.Now().Add(visibility).UnixNano())
	return c.rdb.ZAddXX(ctx, c.inflightKey, redis.Z{
		Score:  deadline,
		Member: msg.ReceiptHandle,
	}).Err()
}

// reclaimScript returns every expired delivery to the tail of the
// ready list. Atomic, so concurrent consumers running their own
// reclaimers cannot duplicate a delivery.
var reclaimScript = redis.NewScript(`
	local ready = KEYS[1]
	local inflight = KEYS[2]
	local unacked = KEYS[3]
	local now = tonumber(ARGV[1])

	local handles = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
	for _, handle in ipairs(handles) do
		local raw = redis.call('HGET', unacked, handle)
		if raw then
			redis.call('RPUSH', ready, raw)
		end
		redis.call('HDEL', unacked, handle)
		redis.call('ZREM', inflight, handle)
	end

	return #handles
`)

// Reclaim runs one pass over the inflight set, requeueing every
// delivery whose visibility deadline has passed. Returns the number of
// deliveries requeued.
func (c *RedisClient) Reclaim(ctx context.Context) (int64, error) {
	now := float64(time.Now().UnixNano())
	res, err := reclaimScript.Run(ctx, c.rdb,
		[]string{c.readyKey, c.inflightKey, c.unackedKey},
		now,
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return res, nil
}

// StartReclaimer schedules Reclaim every second until StopReclaimer.
func (c *RedisClient) StartReclaimer() {
	c.cron.AddFunc("@every 1s", func() {
		n, err := c.Reclaim(context.Background())
		if err != nil {
			logger.Log.Error().Err(err).Msg("Reclaimer error")
		} else if n > 0 {
			logger.Log.Debug().Int64("requeued", n).Msg("Reclaimed expired deliveries")
		}
	})
	c.cron.Start()
}

// StopReclaimer stops the reclaim schedule.
func (c *RedisClient) StopReclaimer() {
	c.cron.Stop()
}

// Enqueue pushes a new message onto the ready list. Used by producers
// (cmd/qsend) and tests; the daemon itself never enqueues.
func (c *RedisClient) Enqueue(ctx context.Context, id, body string) error {
	data, err := json.Marshal(envelope{
		ID:         id,
		Body:       body,
		Checksum:   message.BodyChecksum(body),
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, c.readyKey, data).Err()
}

// Depths returns the number of ready and in-flight deliveries.
func (c *RedisClient) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	if n, err := c.rdb.LLen(ctx, c.readyKey).Result(); err == nil {
		depths["ready"] = n
	}
	if n, err := c.rdb.ZCard(ctx, c.inflightKey).Result(); err == nil {
		depths["inflight"] = n
	}
	return depths
}

// Close stops the reclaimer and releases the Redis connection.
func (c *RedisClient) Close() error {
	c.cron.Stop()
	return c.rdb.Close()
}

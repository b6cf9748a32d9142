package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/websterhq/webster/internal/observability"
)

const defaultChannelPrefix = "webster:events:"

// NewRedisClient connects and pings. An unreachable redis logs a warning
// and returns nil so the server keeps running single-process.
func NewRedisClient(ctx context.Context, addr, password string, db int, logger *observability.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "redis unavailable, continuing without it", "addr", addr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// RedisMirror copies hub events through redis pub/sub so every process
// sees every task's stream.
type RedisMirror struct {
	client *redis.Client
	prefix string
	logger *observability.Logger
}

// NewRedisMirror wraps client. A nil client yields a nil mirror, which
// the hub treats as no mirroring.
func NewRedisMirror(client *redis.Client, prefix string, logger *observability.Logger) *RedisMirror {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisMirror{client: client, prefix: prefix, logger: logger}
}

// Publish sends one event to the task's channel.
func (m *RedisMirror) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.prefix+event.TaskID, payload).Err()
}

// Listen delivers mirrored events until ctx ends. Run it in its own
// goroutine with deliver set to the hub's DeliverRemote.
func (m *RedisMirror) Listen(ctx context.Context, deliver func(context.Context, Event)) {
	sub := m.client.PSubscribe(ctx, m.prefix+"*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				m.logger.Warn(ctx, "mirrored event unreadable", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(ctx, event)
		}
	}
}

// RedisIdempotencyIndex claims idempotency keys with SETNX and a TTL.
type RedisIdempotencyIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *observability.Logger
}

// NewRedisIdempotencyIndex builds an index over client. Nil client
// yields nil; callers fall back to the in-memory index.
func NewRedisIdempotencyIndex(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisIdempotencyIndex {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisIdempotencyIndex{
		client: client,
		prefix: "webster:idem:",
		ttl:    ttl,
		logger: logger,
	}
}

// Claim implements IdempotencyIndex. Redis failures degrade open: the
// submission proceeds as new rather than failing.
func (x *RedisIdempotencyIndex) Claim(ctx context.Context, key, taskID string) (string, bool) {
	set, err := x.client.SetNX(ctx, x.prefix+key, taskID, x.ttl).Result()
	if err != nil {
		x.logger.Warn(ctx, "idempotency claim failed, treating as new", "key", key, "error", err)
		return taskID, true
	}
	if set {
		return taskID, true
	}
	prior, err := x.client.Get(ctx, x.prefix+key).Result()
	if err != nil {
		x.logger.Warn(ctx, "idempotency read failed, treating as new", "key", key, "error", err)
		return taskID, true
	}
	return prior, false
}

// Release implements IdempotencyIndex.
func (x *RedisIdempotencyIndex) Release(ctx context.Context, key string) {
	if err := x.client.Del(ctx, x.prefix+key).Err(); err != nil {
		x.logger.Warn(ctx, "idempotency release failed", "key", key, "error", err)
	}
}

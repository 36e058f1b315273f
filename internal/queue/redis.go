package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// popBlock bounds each BRPOP call so a cancelled context is noticed promptly.
const popBlock = 5 * time.Second

// RedisQueue is a FIFO queue backed by a Redis list (LPUSH/BRPOP). Multiple
// consumers may pop from the same list concurrently; Redis hands each payload
// to exactly one of them.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// Config defines connection parameters for the Redis-backed queue.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
	Key      string
}

// NewRedis returns a queue backed by the Redis list named cfg.Key.
func NewRedis(cfg Config, logger *slog.Logger) *RedisQueue {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &RedisQueue{
		client: redis.NewClient(opts),
		key:    cfg.Key,
		logger: logger.With("component", "queue"),
	}
}

// Ping verifies Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Push appends the payload to the head of the list; BRPOP consumes from the
// tail, so the pair behaves as a FIFO.
func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// BlockingPop waits for the oldest payload on the list. It loops over short
// BRPOP windows so ctx cancellation does not hang for the full block time.
func (q *RedisQueue) BlockingPop(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := q.client.BRPop(ctx, popBlock, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("brpop %s: %w", q.key, err)
		}
		// BRPOP returns [key, value].
		if len(vals) != 2 {
			q.logger.Warn("unexpected brpop reply", "len", len(vals))
			continue
		}
		return []byte(vals[1]), nil
	}
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

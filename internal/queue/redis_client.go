package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type redisAPI interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisOptions configures the Redis list queue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisClient is a list-backed job queue: producers LPUSH, consumers BRPOP.
type RedisClient struct {
	client redisAPI
	key    string
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*RedisClient, error) {
	if opts.Key == "" {
		opts.Key = "extraction:jobs"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &RedisClient{client: rdb, key: opts.Key}, nil
}

// Send pushes the encoded message onto the list.
func (r *RedisClient) Send(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode redis message: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", r.key, err)
	}
	return nil
}

// Requeue pushes a raw body back onto the list so another consumer retries it.
func (r *RedisClient) Requeue(ctx context.Context, body string) error {
	if err := r.client.LPush(ctx, r.key, body).Err(); err != nil {
		return fmt.Errorf("redis requeue %s: %w", r.key, err)
	}
	return nil
}

// Receive blocks up to wait for the next raw message body. ok is false when
// nothing arrived in time.
func (r *RedisClient) Receive(ctx context.Context, wait time.Duration) (body string, ok bool, err error) {
	res, err := r.client.BRPop(ctx, wait, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis brpop %s: %w", r.key, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis brpop %s: unexpected reply of %d items", r.key, len(res))
	}
	return res[1], true, nil
}

// Ping checks the connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

var _ Client = (*RedisClient)(nil)

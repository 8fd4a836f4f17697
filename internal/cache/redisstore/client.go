// Package redisstore wraps the Redis operations used by the leaf store, the
// snapshot store and the offline queue.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/facility-index/internal/core/observability"
)

// ErrMiss is returned by single-key reads when the key does not exist.
var ErrMiss = errors.New("redis key not found")

// maxTxRetries bounds optimistic retries of Update under contention.
const maxTxRetries = 16

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp("get", nil, time.Since(start).Seconds())
		return nil, ErrMiss
	}
	observability.ObserveStoreOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, nil
}

// MGet returns a map of found keys to their values
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	if len(keys) == 0 {
		observability.ObserveStoreOp("mget", nil, time.Since(start).Seconds())
		return map[string][]byte{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	observability.ObserveStoreOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue // missing key
		}
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveStoreOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// Update runs a read-modify-write of one key inside WATCH/MULTI. fn receives
// the current value (nil when absent) and returns the value to store. On a
// concurrent write the transaction is retried with a fresh read.
func (c *Client) Update(ctx context.Context, key string, fn func(cur []byte) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	var stored []byte

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get: %w", err)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	var err error
	for range maxTxRetries {
		err = c.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	observability.ObserveStoreOp("update", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis update %q: %w", key, err)
	}
	return stored, nil
}

func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, error) {
	start := time.Now()
	b, err := c.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp("hget", nil, time.Since(start).Seconds())
		return nil, ErrMiss
	}
	observability.ObserveStoreOp("hget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis HGET %q %q: %w", key, field, err)
	}
	return b, nil
}

func (c *Client) HSet(ctx context.Context, key, field string, val []byte) error {
	start := time.Now()
	err := c.rdb.HSet(ctx, key, field, val).Err()
	observability.ObserveStoreOp("hset", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis HSET %q %q: %w", key, field, err)
	}
	return nil
}

func (c *Client) RPush(ctx context.Context, key string, vals ...[]byte) error {
	if len(vals) == 0 {
		return nil
	}
	start := time.Now()
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	err := c.rdb.RPush(ctx, key, args...).Err()
	observability.ObserveStoreOp("rpush", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis RPUSH %q: %w", key, err)
	}
	return nil
}

// LPop removes and returns up to n values from the head of a list.
func (c *Client) LPop(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()
	vals, err := c.rdb.LPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp("lpop", nil, time.Since(start).Seconds())
		return nil, nil
	}
	observability.ObserveStoreOp("lpop", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis LPOP %q: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.LLen(ctx, key).Result()
	observability.ObserveStoreOp("llen", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveStoreOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

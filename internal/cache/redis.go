package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisBackend is the shared Backend. Transport failures come back wrapped
// in ErrUnavailable; server replies such as WRONGTYPE do not.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend dials lazily; the first command opens the connection.
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	return NewRedisBackendFromClient(redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  dial,
		WriteTimeout: dial,
		MaxRetries:   1,
	}))
}

func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redis reply: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// Set treats ttl <= 0 as no expiry. go-redis reads -1 as KEEPTTL, so
// negative values are clamped.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return classify(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classify(r.client.Del(ctx, keys...).Err())
}

func (r *RedisBackend) GetMulti(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// SetMulti pipelines one SET per item so each keeps its own TTL.
func (r *RedisBackend) SetMulti(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, it := range items {
		ttl := it.TTL
		if ttl < 0 {
			ttl = 0
		}
		pipe.Set(ctx, it.Key, it.Value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (r *RedisBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return 0, ErrNotInteger
		}
		return 0, classify(err)
	}
	return n, nil
}

// TTL returns TTLMissing or TTLNoExpiry for the -2 and -1 replies.
func (r *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return d, nil
}

// Flush deletes every key under prefix with SCAN so other tenants of the
// same database are left alone.
func (r *RedisBackend) Flush(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return classify(err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return classify(err)
	}
	if len(batch) > 0 {
		return classify(r.client.Del(ctx, batch...).Err())
	}
	return nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return classify(r.client.Ping(ctx).Err())
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

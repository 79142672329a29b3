package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// redisKeyPrefix namespaces idempotency records in a shared Redis.
const redisKeyPrefix = "gantry:idem:"

// RedisConfig configures the Redis idempotency store.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// TTL bounds record lifetime. Zero means records never expire
	// and are cleared only by explicit operator action.
	TTL time.Duration
}

// RedisIdempotencyStore keeps idempotency records in Redis so multiple
// worker hosts sharing a checkpoint volume can also share dedup state.
type RedisIdempotencyStore struct {
	config RedisConfig
	client *goredis.Client
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(cfg RedisConfig) (*RedisIdempotencyStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis idempotency store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis idempotency store: invalid URL: %w", err)
	}
	return &RedisIdempotencyStore{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Get returns the record for hash, or (nil, nil) on miss.
func (s *RedisIdempotencyStore) Get(ctx context.Context, hash string) (*IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapReadError(err, hash)
	}
	var rec IdempotencyRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, WrapReadError(err, hash)
	}
	return &rec, nil
}

// Put stores the record under the configured TTL.
func (s *RedisIdempotencyStore) Put(ctx context.Context, rec *IdempotencyRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return WrapWriteError(err, rec.ContentHash)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.ContentHash, data, s.config.TTL).Err(); err != nil {
		return WrapWriteError(err, rec.ContentHash)
	}
	return nil
}

// Clear removes all gantry idempotency records. Explicit operator
// action only; other keys in the database are untouched.
func (s *RedisIdempotencyStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return WrapWriteError(err, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return WrapReadError(err, redisKeyPrefix+"*")
	}
	return nil
}

// Close releases the client connection pool.
func (s *RedisIdempotencyStore) Close() error { return s.client.Close() }

// Interface check.
var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

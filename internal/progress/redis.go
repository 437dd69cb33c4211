package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	keyPrefix  = "ohlcv:run:"
	latestKey  = "ohlcv:run:latest"
	DefaultTTL = time.Hour

	opTimeout = 2 * time.Second
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// RedisStore writes snapshots into a hash per run with a TTL. Every write is
// mirrored into a MemoryStore, which also serves reads whenever Redis fails.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *MemoryStore
	logger   *slog.Logger
}

// NewRedisStore creates a store; the connection is established lazily.
func NewRedisStore(cfg RedisConfig, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		MaxRetries:   -1,
	})
	return &RedisStore{
		client:   client,
		ttl:      cfg.TTL,
		fallback: NewMemoryStore(),
		logger:   logger.With("component", "progress_store"),
	}
}

func runKey(runID string) string { return keyPrefix + runID }

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Save writes rp to Redis. Redis failures are logged and absorbed: the
// snapshot is always kept in the fallback store.
func (r *RedisStore) Save(ctx context.Context, rp models.RunProgress) error {
	_ = r.fallback.Save(ctx, rp)

	payload, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("failed to encode run progress: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := runKey(rp.RunID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"state", string(rp.State),
			"total", rp.Total,
			"completed", rp.Completed,
			"failed", rp.Failed,
			"percent", rp.Percent,
			"updated_at", rp.UpdatedAt.Format(time.RFC3339Nano),
			"payload", payload,
		)
		pipe.Expire(ctx, key, r.ttl)
		pipe.Set(ctx, latestKey, rp.RunID, r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Warn("Redis unavailable, keeping progress in memory", "run_id", rp.RunID, "error", err)
	}
	return nil
}

// Get reads the snapshot of runID, falling back to memory on Redis errors.
func (r *RedisStore) Get(ctx context.Context, runID string) (*models.RunProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := r.client.HGet(ctx, runKey(runID), "payload").Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("Redis read failed, using memory", "run_id", runID, "error", err)
		}
		return r.fallback.Get(ctx, runID)
	}

	var rp models.RunProgress
	if err := json.Unmarshal(payload, &rp); err != nil {
		return nil, fmt.Errorf("failed to decode run progress: %w", err)
	}
	return &rp, nil
}

// Latest returns the snapshot of the most recent run.
func (r *RedisStore) Latest(ctx context.Context) (*models.RunProgress, error) {
	lookup, cancel := context.WithTimeout(ctx, opTimeout)
	id, err := r.client.Get(lookup, latestKey).Result()
	cancel()
	if err != nil {
		return r.fallback.Latest(ctx)
	}
	return r.Get(ctx, id)
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

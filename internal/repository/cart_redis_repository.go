package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// RedisCartRepository persists carts as JSON pair lists in Redis.
type RedisCartRepository struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCartRepository constructs a Redis cart store. A non-positive ttl
// keeps entries until they are deleted.
func NewRedisCartRepository(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisCartRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCartRepository{client: client, ttl: ttl, logger: logger}
}

// Load returns the stored pairs, or nil when the key is absent. Corrupt
// entries are discarded and treated as absent.
func (r *RedisCartRepository) Load(ctx context.Context, key string) ([]models.CartPair, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var pairs []models.CartPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		r.logger.Warn("discarding unreadable cart entry", zap.String("key", key), zap.Error(err))
		if delErr := r.client.Del(ctx, key).Err(); delErr != nil {
			return nil, fmt.Errorf("redis delete %s: %w", key, delErr)
		}
		return nil, nil
	}
	return pairs, nil
}

// Save replaces the stored pairs and refreshes the TTL.
func (r *RedisCartRepository) Save(ctx context.Context, key string, pairs []models.CartPair) error {
	if pairs == nil {
		pairs = []models.CartPair{}
	}
	payload, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("marshal cart for %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry; deleting an absent key is not an error.
func (r *RedisCartRepository) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Redis shares the model catalog between processes
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the configured Redis and verifies it responds
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr must be provided")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Get returns the cached models; a missing key is a miss, not an error
func (r *Redis) Get(ctx context.Context, key string) ([]backend.OllamaModel, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}
	var cached CachedModels
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached models: %w", err)
	}
	return cached.Models, true, nil
}

// Set stores models with a Redis-side expiry
func (r *Redis) Set(ctx context.Context, key string, models []backend.OllamaModel, ttl time.Duration) error {
	now := time.Now()
	raw, err := json.Marshal(CachedModels{Models: models, Timestamp: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}

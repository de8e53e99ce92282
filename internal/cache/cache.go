package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"ChatRelay/internal/backend"
)

// ModelCache stores the runtime's model catalog between listings
type ModelCache interface {
	Get(ctx context.Context, key string) ([]backend.OllamaModel, bool, error)
	Set(ctx context.Context, key string, models []backend.OllamaModel, ttl time.Duration) error
}

// CachedModels represents a cached model listing
type CachedModels struct {
	Models    []backend.OllamaModel `json:"models"`
	Timestamp time.Time             `json:"timestamp"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Key generates a cache key for the catalog of a runtime base URL
func Key(baseURL string) string {
	h := sha256.Sum256([]byte(baseURL))
	return fmt.Sprintf("chatrelay:models:%x", h[:8])
}

// Memory is an in-process ModelCache
type Memory struct {
	entries sync.Map
	now     func() time.Time
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Get returns the cached models if present and not expired
func (m *Memory) Get(_ context.Context, key string) ([]backend.OllamaModel, bool, error) {
	val, ok := m.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	cached := val.(CachedModels)
	if !m.now().Before(cached.ExpiresAt) {
		m.entries.Delete(key)
		return nil, false, nil
	}
	return cached.Models, true, nil
}

// Set stores models for ttl
func (m *Memory) Set(_ context.Context, key string, models []backend.OllamaModel, ttl time.Duration) error {
	now := m.now()
	m.entries.Store(key, CachedModels{
		Models:    models,
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	})
	return nil
}

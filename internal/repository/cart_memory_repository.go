package repository

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

type memoryCartEntry struct {
	pairs     []models.CartPair
	expiresAt time.Time
}

// MemoryCartRepository keeps carts in process memory. Entries survive page
// reloads but not gateway restarts.
type MemoryCartRepository struct {
	mu      sync.Mutex
	entries map[string]memoryCartEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCartRepository constructs an in-memory cart store.
func NewMemoryCartRepository(ttl time.Duration) *MemoryCartRepository {
	return &MemoryCartRepository{entries: make(map[string]memoryCartEntry), ttl: ttl, now: time.Now}
}

// Load returns a copy of the stored pairs, or nil when absent or expired.
func (r *MemoryCartRepository) Load(ctx context.Context, key string) ([]models.CartPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		delete(r.entries, key)
		return nil, nil
	}
	return append([]models.CartPair(nil), entry.pairs...), nil
}

// Save replaces the stored pairs.
func (r *MemoryCartRepository) Save(ctx context.Context, key string, pairs []models.CartPair) error {
	entry := memoryCartEntry{pairs: append([]models.CartPair{}, pairs...)}
	if r.ttl > 0 {
		entry.expiresAt = r.now().Add(r.ttl)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry
	return nil
}

// Delete removes the entry.
func (r *MemoryCartRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

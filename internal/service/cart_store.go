package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// CartStore persists in-progress carts between page loads.
type CartStore interface {
	// Load returns nil pairs and no error when nothing is stored.
	Load(ctx context.Context, key string) ([]models.CartPair, error)
	Save(ctx context.Context, key string, pairs []models.CartPair) error
	Delete(ctx context.Context, key string) error
}

type cartStoreObserver interface {
	ObserveCartStore(operation string, duration time.Duration)
}

// CartKey scopes a persisted cart to one student and term.
func CartKey(prefix, studentID, termID string) string {
	if prefix == "" {
		prefix = "enrollment_cart"
	}
	return fmt.Sprintf("%s:%s:%s", prefix, studentID, termID)
}

// instrumentedCartStore records latency for every persisted cart operation.
type instrumentedCartStore struct {
	next    CartStore
	metrics cartStoreObserver
}

// NewInstrumentedCartStore wraps a store with latency metrics.
func NewInstrumentedCartStore(next CartStore, metrics cartStoreObserver) CartStore {
	if metrics == nil {
		return next
	}
	return &instrumentedCartStore{next: next, metrics: metrics}
}

func (s *instrumentedCartStore) Load(ctx context.Context, key string) ([]models.CartPair, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveCartStore("load", time.Since(start)) }()
	return s.next.Load(ctx, key)
}

func (s *instrumentedCartStore) Save(ctx context.Context, key string, pairs []models.CartPair) error {
	start := time.Now()
	defer func() { s.metrics.ObserveCartStore("save", time.Since(start)) }()
	return s.next.Save(ctx, key, pairs)
}

func (s *instrumentedCartStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { s.metrics.ObserveCartStore("delete", time.Since(start)) }()
	return s.next.Delete(ctx, key)
}

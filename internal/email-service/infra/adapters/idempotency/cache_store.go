package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/cache"
)

const (
	operation = "confirmation"

	// pending marks a key whose confirmation is still being sent.
	pending = "pending"
)

var _ ports.IdempotencyStore = (*CacheStore)(nil)

// CacheStore keeps idempotency keys in the shared cache under
// <service>:confirmation:<key>.
type CacheStore struct {
	cache cache.Cache
}

func NewCacheStore(c cache.Cache) *CacheStore {
	return &CacheStore{cache: c}
}

func (s *CacheStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.cache.SetNX(ctx, s.cache.GenerateKey(operation, key), pending, ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency: reserve %q: %w", key, err)
	}
	return ok, nil
}

func (s *CacheStore) Remember(ctx context.Context, key string, ttl time.Duration) error {
	sentAt := time.Now().UTC().Format(time.RFC3339)
	if err := s.cache.Set(ctx, s.cache.GenerateKey(operation, key), sentAt, ttl); err != nil {
		return fmt.Errorf("idempotency: remember %q: %w", key, err)
	}
	return nil
}

func (s *CacheStore) Release(ctx context.Context, key string) error {
	if err := s.cache.Delete(ctx, s.cache.GenerateKey(operation, key)); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", key, err)
	}
	return nil
}

package ports

import (
	"context"
	"time"
)

// IdempotencyStore claims idempotency keys so a confirmation is sent once.
type IdempotencyStore interface {
	// Reserve atomically claims key for ttl. It returns false when the key is
	// already held by an in-flight or completed confirmation.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Remember marks a reserved key as sent.
	Remember(ctx context.Context, key string, ttl time.Duration) error
	// Release frees a reserved key after a failed send so a retry can proceed.
	Release(ctx context.Context, key string) error
}

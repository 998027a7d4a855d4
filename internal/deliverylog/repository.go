package deliverylog

import "context"

// Repository is the port for persisting delivery log entries. The table is
// an append-only audit log, not an upsert.
type Repository interface {
	Save(ctx context.Context, entry *DeliveryLog) error
	// GetLatest returns ErrNotFound when the order has no entries.
	GetLatest(ctx context.Context, orderID string) (*DeliveryLog, error)
}

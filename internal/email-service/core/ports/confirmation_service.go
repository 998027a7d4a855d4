package ports

import (
	"context"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
)

type ConfirmationService interface {
	SendOrderConfirmation(ctx context.Context, req *entity.ConfirmationRequest) (entity.Outcome, error)
	// LatestConfirmation returns deliverylog.ErrNotFound when nothing was recorded.
	LatestConfirmation(ctx context.Context, orderID string) (*deliverylog.DeliveryLog, error)
}

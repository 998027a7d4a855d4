package ports

import (
	"context"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
)

// Mailer delivers a single message synchronously. A failed delivery returns
// an error wrapping entity.ErrDeliveryFailure.
type Mailer interface {
	Send(ctx context.Context, msg *entity.Message) (*entity.Receipt, error)
}

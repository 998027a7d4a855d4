package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
)

var _ ports.Mailer = (*LogMailer)(nil)

// LogMailer is the local-development transport: it accepts every message and
// writes it to the logger at DEBUG instead of touching the network.
type LogMailer struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger, now: time.Now}
}

func (m *LogMailer) Send(ctx context.Context, msg *entity.Message) (*entity.Receipt, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: log mailer: message is required", entity.ErrDeliveryFailure)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrDeliveryFailure, err)
	}

	m.logger.DebugContext(ctx, "mail delivered to log transport",
		"message_id", msg.MessageID,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)

	return &entity.Receipt{
		MessageID:  msg.MessageID,
		Code:       250,
		Response:   "log: message accepted",
		AcceptedAt: m.now(),
	}, nil
}

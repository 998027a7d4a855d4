package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/constants"
)

const (
	DefaultFrom    = "no-reply@example.com"
	DefaultSubject = "Your confirmation email"
	DefaultTimeout = 10 * time.Second

	instrumentationName = "github.com/jcmexdev/ecommerce-email/internal/email-service/app"
)

var _ ports.ConfirmationService = (*ConfirmationService)(nil)

// Option customizes a ConfirmationService at construction time.
type Option func(*ConfirmationService)

// WithTracerProvider sets where send_email spans are created. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *ConfirmationService) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider sets where the confirmations counter is registered.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *ConfirmationService) {
		if mp != nil {
			s.meterProvider = mp
		}
	}
}

// WithSender overrides the fixed no-reply sender and subject.
func WithSender(from, subject string) Option {
	return func(s *ConfirmationService) {
		if from != "" {
			s.from = from
		}
		if subject != "" {
			s.subject = subject
		}
	}
}

// WithTimeout bounds each mail delivery.
func WithTimeout(d time.Duration) Option {
	return func(s *ConfirmationService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithIdempotency skips confirmations whose idempotency key is already
// claimed by an in-flight or completed send.
func WithIdempotency(store ports.IdempotencyStore, ttl time.Duration) Option {
	return func(s *ConfirmationService) {
		s.idempotency = store
		s.idempotencyTTL = ttl
	}
}

// WithDeliveryLog appends an audit row for every handled confirmation.
func WithDeliveryLog(repo deliverylog.Repository) Option {
	return func(s *ConfirmationService) {
		s.deliveryLog = repo
	}
}

// ConfirmationService renders and sends order-confirmation emails.
type ConfirmationService struct {
	mailer   ports.Mailer
	renderer *Renderer
	logger   *slog.Logger
	tracer   trace.Tracer

	meterProvider metric.MeterProvider
	confirmations metric.Int64Counter

	from    string
	subject string
	timeout time.Duration

	idempotency    ports.IdempotencyStore // nil-safe: guard skipped if nil
	idempotencyTTL time.Duration
	deliveryLog    deliverylog.Repository // nil-safe: audit skipped if nil
}

func NewConfirmationService(mailer ports.Mailer, logger *slog.Logger, opts ...Option) (*ConfirmationService, error) {
	if mailer == nil {
		return nil, errors.New("confirmation service: mailer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}

	s := &ConfirmationService{
		mailer:        mailer,
		renderer:      renderer,
		logger:        logger,
		tracer:        otel.GetTracerProvider().Tracer(instrumentationName),
		meterProvider: otel.GetMeterProvider(),
		from:          DefaultFrom,
		subject:       DefaultSubject,
		timeout:       DefaultTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.confirmations, err = s.meterProvider.Meter(instrumentationName).Int64Counter(
		constants.MetricConfirmations,
		metric.WithDescription("Order confirmations handled, by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("confirmation service: create counter: %w", err)
	}

	return s, nil
}

// SendOrderConfirmation tags the active request span with the order id and
// sends the confirmation inside a send_email child span. Returned errors
// carry a stack and wrap one of the entity error kinds.
func (s *ConfirmationService) SendOrderConfirmation(ctx context.Context, req *entity.ConfirmationRequest) (entity.Outcome, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(constants.AttrOrderID, req.OrderID))

	reserved, duplicate := s.reserve(ctx, req)
	if duplicate {
		return entity.OutcomeDuplicate, nil
	}

	ctx, span := s.tracer.Start(ctx, constants.SpanNameSendEmail)
	defer span.End()

	s.logger.InfoContext(ctx, "sending order confirmation", "email", req.Email)

	body, err := s.renderer.Render(req.Order)
	if err != nil {
		s.release(ctx, req, reserved)
		return "", s.fail(ctx, span, req, errors.WithStack(err))
	}

	msg := &entity.Message{
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.from)),
		From:      s.from,
		To:        req.Email,
		Subject:   s.subject,
		BodyType:  "html",
		Body:      body,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	receipt, err := s.mailer.Send(sendCtx, msg)
	if err != nil {
		s.release(ctx, req, reserved)
		return "", s.fail(ctx, span, req, errors.WithStack(err))
	}

	span.SetAttributes(
		attribute.String(constants.AttrEmailRecipient, req.Email),
		attribute.String(constants.AttrEmailMessageID, receipt.MessageID),
	)
	s.logger.InfoContext(ctx, "order confirmation sent")

	s.remember(ctx, req)
	s.record(ctx, deliverylog.NewEntry(ctx, req.OrderID, req.Email, deliverylog.StatusSent, receipt.MessageID, nil))
	s.count(ctx, deliverylog.StatusSent)

	return entity.OutcomeSent, nil
}

// LatestConfirmation returns the most recent audit row for orderID.
func (s *ConfirmationService) LatestConfirmation(ctx context.Context, orderID string) (*deliverylog.DeliveryLog, error) {
	if s.deliveryLog == nil {
		return nil, deliverylog.ErrNotFound
	}
	return s.deliveryLog.GetLatest(ctx, orderID)
}

func (s *ConfirmationService) fail(ctx context.Context, span trace.Span, req *entity.ConfirmationRequest, err error) error {
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())

	s.record(ctx, deliverylog.NewEntry(ctx, req.OrderID, req.Email, deliverylog.StatusFailed, "", err))
	s.count(ctx, deliverylog.StatusFailed)
	return err
}

// reserve claims the idempotency key before sending. A key that is already
// held is a duplicate. Guard failures fail open.
func (s *ConfirmationService) reserve(ctx context.Context, req *entity.ConfirmationRequest) (reserved, duplicate bool) {
	if s.idempotency == nil || req.IdempotencyKey == "" {
		return false, false
	}

	ok, err := s.idempotency.Reserve(ctx, req.IdempotencyKey, s.idempotencyTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency reservation failed", "error", err)
		return false, false
	}
	if ok {
		return true, false
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(constants.AttrEmailDuplicate, true))
	s.logger.InfoContext(ctx, "duplicate order confirmation skipped", "email", req.Email)
	s.record(ctx, deliverylog.NewEntry(ctx, req.OrderID, req.Email, deliverylog.StatusDuplicate, "", nil))
	s.count(ctx, deliverylog.StatusDuplicate)
	return false, true
}

func (s *ConfirmationService) remember(ctx context.Context, req *entity.ConfirmationRequest) {
	if s.idempotency == nil || req.IdempotencyKey == "" {
		return
	}
	if err := s.idempotency.Remember(ctx, req.IdempotencyKey, s.idempotencyTTL); err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

func (s *ConfirmationService) release(ctx context.Context, req *entity.ConfirmationRequest, reserved bool) {
	if !reserved {
		return
	}
	if err := s.idempotency.Release(ctx, req.IdempotencyKey); err != nil {
		s.logger.WarnContext(ctx, "idempotency release failed", "error", err)
	}
}

func (s *ConfirmationService) record(ctx context.Context, entry *deliverylog.DeliveryLog) {
	if s.deliveryLog == nil {
		return
	}
	if err := s.deliveryLog.Save(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "delivery log write failed", "error", err)
	}
}

func (s *ConfirmationService) count(ctx context.Context, status deliverylog.Status) {
	s.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// domainOf picks the Message-ID host from the sender address.
func domainOf(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		if i := strings.LastIndex(addr.Address, "@"); i >= 0 {
			return addr.Address[i+1:]
		}
	}
	return "localhost"
}

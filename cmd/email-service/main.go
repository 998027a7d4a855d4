package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog/sqlite"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/app"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/config"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/infra/adapters/idempotency"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/infra/adapters/mailer"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/infra/httpx"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/telemetry"
)

func main() {
	logger := telemetry.InitLogger()

	if err := run(logger); err != nil {
		logger.Error("email service stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until a shutdown signal or a server
// failure. Deferred cleanups finish before it returns.
func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.TracesEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initialise tracer: %w", err)
	}
	defer shutdownWithTimeout(logger, "tracer", shutdownTracer)

	shutdownMeter, err := telemetry.SetupMeter(ctx, telemetry.MeterConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.MetricsEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initialise meter: %w", err)
	}
	defer shutdownWithTimeout(logger, "meter", shutdownMeter)

	m, err := newMailer(cfg, logger)
	if err != nil {
		return fmt.Errorf("create mailer: %w", err)
	}

	opts := []app.Option{
		app.WithSender(cfg.Mail.From, cfg.Mail.Subject),
		app.WithTimeout(cfg.Mail.Timeout),
	}

	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisCache(cfg.Redis.Addr, "email")
		defer func() { _ = cache.Close(redisCache) }()
		opts = append(opts, app.WithIdempotency(idempotency.NewCacheStore(redisCache), cfg.Redis.IdempotencyTTL))
		logger.Info("idempotency guard enabled", "redis_addr", cfg.Redis.Addr)
	}

	if cfg.Audit.Path != "" {
		repo, err := sqlite.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open delivery log %s: %w", cfg.Audit.Path, err)
		}
		defer func() { _ = repo.Close() }()
		opts = append(opts, app.WithDeliveryLog(repo))
		logger.Info("delivery log enabled", "path", cfg.Audit.Path)
	}

	svc, err := app.NewConfirmationService(m, logger, opts...)
	if err != nil {
		return fmt.Errorf("create confirmation service: %w", err)
	}

	router := httpx.NewRouter(httpx.NewHandler(svc, logger), logger, otel.GetTracerProvider())

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("email service listening", "port", cfg.Port, "transport", cfg.Mail.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func newMailer(cfg *config.Config, logger *slog.Logger) (ports.Mailer, error) {
	if cfg.Mail.Transport == config.TransportSMTP {
		smtpMailer, err := mailer.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		return smtpMailer, nil
	}
	return mailer.NewLogMailer(logger), nil
}

func shutdownWithTimeout(logger *slog.Logger, name string, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error(name+" shutdown error", "error", err)
	}
}

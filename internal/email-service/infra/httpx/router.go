package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-email/internal/email-service/infra/httpx/middlewares"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/telemetry"
)

// NewRouter mounts the email service routes. /healthz stays outside the
// traced group so probes do not produce spans.
func NewRouter(handler *Handler, logger *slog.Logger, tp trace.TracerProvider) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(otelhttp.NewMiddleware("email",
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithPropagators(telemetry.Propagator()),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		))
		r.Use(middlewares.AttachTracingMetadata)
		r.Use(middlewares.Recover(logger))

		r.Post("/send_order_confirmation", handler.SendOrderConfirmation)
		r.Get("/orders/{id}/confirmation", handler.GetConfirmation)
	})

	return r
}

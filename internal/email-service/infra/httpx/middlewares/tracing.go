package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-email/internal/pkg/constants"
)

// AttachTracingMetadata copies the request id and idempotency key into the
// request context and tags the active span with the request id.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		idempotencyKey := r.Header.Get(constants.HeaderXIdempotencyKey)

		if requestID != "" {
			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(constants.AttrRequestID, requestID))
		}

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, requestID)
		ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdempotencyKey returns the key stored by AttachTracingMetadata, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(constants.ContextKeyIdempotencyKey).(string)
	return key
}

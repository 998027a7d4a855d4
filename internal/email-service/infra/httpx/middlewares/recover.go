package middlewares

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recover turns a panicking request into a 500. The panic is recorded on the
// active span and logged as one ERROR line; the process keeps serving.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if ok {
					err = errors.WithStack(err)
				} else {
					err = errors.Errorf("panic: %v", rec)
				}

				span := trace.SpanFromContext(r.Context())
				span.RecordError(err, trace.WithStackTrace(true))
				span.SetStatus(codes.Error, err.Error())
				logger.ErrorContext(r.Context(), "request panicked", "error", err)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":    "internal_error",
					"trace_id": span.SpanContext().TraceID().String(),
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}

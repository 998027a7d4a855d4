package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TimeFormat is ISO8601 with millisecond precision.
	TimeFormat = "2006-01-02T15:04:05.000Z07:00"

	MessageKey   = "message"
	TraceIDKey   = "trace_id"
	SpanIDKey    = "span_id"
	ErrorKey     = "error"
	BacktraceKey = "backtrace"
)

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// ContextHandler is a custom slog.Handler that extracts TraceID and SpanID
// from the context and adds them as attributes to every log record.
// Error attributes are flattened to their message plus a backtrace.
type ContextHandler struct {
	slog.Handler
}

// Handle adds tracing context attributes before calling the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)

	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		out.AddAttrs(slog.String(TraceIDKey, spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		out.AddAttrs(slog.String(SpanIDKey, spanContext.SpanID().String()))
	}

	r.Attrs(func(a slog.Attr) bool {
		err, ok := a.Value.Any().(error)
		if a.Key != ErrorKey || !ok || err == nil {
			out.AddAttrs(a)
			return true
		}
		out.AddAttrs(slog.String(ErrorKey, err.Error()))
		if bt := Backtrace(err); bt != "" {
			out.AddAttrs(slog.String(BacktraceKey, bt))
		}
		return true
	})

	return h.Handler.Handle(ctx, out)
}

// WithAttrs and WithGroup keep the wrapper so derived loggers still carry trace ids.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// NewContextHandler returns a new slog.Handler that decorates logs with tracing IDs.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// NewLogger builds a JSON-lines logger writing to w. The underlying
// JSONHandler serialises writes, so concurrent records never interleave.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(NewContextHandler(handler))
}

// InitLogger initialises the global slog logger with a JSON handler decorated
// with tracing context, writing to stdout for the log collector.
func InitLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)
	return logger
}

// Backtrace returns the innermost pkg/errors stack attached to err, or "".
func Backtrace(err error) string {
	var deepest stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			deepest = st
		}
	}
	if deepest == nil {
		return ""
	}
	return fmt.Sprintf("%+v", deepest.StackTrace())
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		if a.Value.Kind() == slog.KindTime {
			return slog.String(slog.TimeKey, a.Value.Time().Format(TimeFormat))
		}
	case slog.MessageKey:
		a.Key = MessageKey
	}
	return a
}

package deliverylog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars), empty without an active span.
	TraceID string
	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceInfo{}
	}

	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds a DeliveryLog with the trace info taken from ctx.
//
//	entry := deliverylog.NewEntry(ctx, "ORD-123", "buyer@example.com", deliverylog.StatusSent, msgID, nil)
//	_ = repo.Save(ctx, entry)
func NewEntry(ctx context.Context, orderID, recipient string, status Status, messageID string, cause error) *DeliveryLog {
	ti := ExtractTraceInfo(ctx)

	entry := &DeliveryLog{
		OrderID:   orderID,
		Recipient: recipient,
		Status:    status,
		MessageID: messageID,
		TraceID:   ti.TraceID,
		SpanID:    ti.SpanID,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry
}

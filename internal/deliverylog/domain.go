// Package deliverylog defines the audit trail of order-confirmation
// deliveries.
//
// Every handled confirmation appends one row carrying the trace_id/span_id
// of the send_email span, so an operator can go from "did order X get its
// email?" straight to the trace that sent (or failed to send) it.
package deliverylog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no delivery has been recorded for an order.
var ErrNotFound = errors.New("deliverylog: not found")

// Status represents the outcome of a confirmation attempt.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusDuplicate Status = "DUPLICATE"
)

// DeliveryLog is a single row in the delivery_logs table.
type DeliveryLog struct {
	OrderID   string `json:"order_id"`
	Recipient string `json:"recipient"`
	Status    Status `json:"status"`

	// MessageID is the Message-ID header of the outgoing mail, empty on failure.
	MessageID string `json:"message_id,omitempty"`

	// Error holds the failure message for StatusFailed rows.
	Error string `json:"error,omitempty"`

	// TraceID and SpanID identify the span that handled the attempt.
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`

	CreatedAt time.Time `json:"created_at"`
}

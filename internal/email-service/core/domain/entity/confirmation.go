package entity

import "time"

// ConfirmationRequest is the order-confirmation payload after validation.
// Order is passed through untouched to template rendering.
type ConfirmationRequest struct {
	Email          string
	OrderID        string
	Order          map[string]any
	IdempotencyKey string
}

// Outcome is what the endpoint reports back for a handled request.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDuplicate Outcome = "duplicate"
)

// Message is an outbound email ready for a Mailer.
type Message struct {
	MessageID string
	From      string
	To        string
	Subject   string
	BodyType  string // "html" or "text"
	Body      string
}

// Receipt is what the mail transport reports for an accepted message.
type Receipt struct {
	MessageID  string
	Code       int
	Response   string
	AcceptedAt time.Time
}

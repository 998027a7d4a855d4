package httpx

// SendOrderConfirmationRequest is the wire body of POST /send_order_confirmation.
// Order stays a generic object: only order_id is read, the rest feeds the template.
type SendOrderConfirmationRequest struct {
	Email string         `json:"email"`
	Order map[string]any `json:"order"`
}

type SendOrderConfirmationResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

package entity

import "errors"

// Error kinds surfaced by the notification endpoint. Adapters wrap these with
// fmt.Errorf("...: %w", ...) so callers classify with errors.Is.
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrRenderingFailure = errors.New("rendering failure")
	ErrDeliveryFailure  = errors.New("delivery failure")
)

// Kind returns the stable error code for err, as used in HTTP error bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		return "malformed_request"
	case errors.Is(err, ErrRenderingFailure):
		return "rendering_failure"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	default:
		return "internal_error"
	}
}

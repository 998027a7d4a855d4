package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/ports"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/infra/httpx/middlewares"
)

// maxBodyBytes caps the request body; orders are small JSON documents.
const maxBodyBytes = 1 << 20

// Handler handles incoming HTTP requests for order confirmations.
type Handler struct {
	service ports.ConfirmationService
	logger  *slog.Logger
}

func NewHandler(service ports.ConfirmationService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// SendOrderConfirmation parses the request and delivers the confirmation
// synchronously. Every failure is recorded on the request span and logged
// exactly once here.
func (h *Handler) SendOrderConfirmation(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConfirmationRequest(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req.IdempotencyKey = middlewares.IdempotencyKey(r.Context())

	outcome, err := h.service.SendOrderConfirmation(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SendOrderConfirmationResponse{Status: string(outcome)})
}

// GetConfirmation returns the latest recorded delivery for an order.
func (h *Handler) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	entry, err := h.service.LatestConfirmation(r.Context(), orderID)
	if errors.Is(err, deliverylog.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "confirmation_not_found", "no confirmation recorded for order "+orderID)
		return
	}
	if err != nil {
		h.fail(w, r, errors.WithStack(err))
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeConfirmationRequest(w http.ResponseWriter, r *http.Request) (*entity.ConfirmationRequest, error) {
	var body SendOrderConfirmationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return nil, malformed("invalid json: " + err.Error())
	}
	// The body must hold exactly one JSON value.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("invalid json: unexpected data after the request object")
	}

	email := strings.TrimSpace(body.Email)
	if email == "" {
		return nil, malformed("email is required")
	}
	if body.Order == nil {
		return nil, malformed("order is required")
	}
	orderID, _ := body.Order["order_id"].(string)
	if strings.TrimSpace(orderID) == "" {
		return nil, malformed("order.order_id is required")
	}

	return &entity.ConfirmationRequest{
		Email:   email,
		OrderID: orderID,
		Order:   body.Order,
	}, nil
}

func malformed(reason string) error {
	return errors.WithStack(fmt.Errorf("%w: %s", entity.ErrMalformedRequest, reason))
}

// fail records err on the active request span, logs one ERROR line and
// writes the error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())

	h.logger.ErrorContext(r.Context(), "order confirmation failed", "error", err)

	status := http.StatusInternalServerError
	if errors.Is(err, entity.ErrMalformedRequest) {
		status = http.StatusBadRequest
	}
	writeError(w, r, status, entity.Kind(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	resp := ErrorResponse{Error: code, Message: msg}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}

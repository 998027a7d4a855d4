package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jcmexdev/ecommerce-email/internal/deliverylog"
	"github.com/jcmexdev/ecommerce-email/internal/deliverylog/sqlite"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/app"
	"github.com/jcmexdev/ecommerce-email/internal/email-service/core/domain/entity"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/constants"
	"github.com/jcmexdev/ecommerce-email/internal/pkg/telemetry"
)

type stubMailer struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  []*entity.Message
}

func (m *stubMailer) Send(_ context.Context, msg *entity.Message) (*entity.Receipt, error) {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, msg)
	return &entity.Receipt{MessageID: msg.MessageID, Code: 250, AcceptedAt: time.Now()}, nil
}

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memoryGuard) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *memoryGuard) Remember(_ context.Context, key string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = true
	return nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// panickingService blows up inside the handler to exercise Recover.
type panickingService struct{}

func (panickingService) SendOrderConfirmation(context.Context, *entity.ConfirmationRequest) (entity.Outcome, error) {
	panic("template cache corrupted")
}

func (panickingService) LatestConfirmation(context.Context, string) (*deliverylog.DeliveryLog, error) {
	panic("unreachable")
}

// writeRecorder keeps every Write call separately. It takes no lock of its
// own, so concurrent use is only safe if the logger serialises writes.
type writeRecorder struct {
	writes [][]byte
}

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *writeRecorder) String() string {
	return string(bytes.Join(w.writes, nil))
}

type testServer struct {
	router   http.Handler
	mailer   *stubMailer
	recorder *tracetest.SpanRecorder
	logs     *writeRecorder
}

func newTestServer(t *testing.T, opts ...app.Option) *testServer {
	t.Helper()
	ts := &testServer{
		mailer:   &stubMailer{},
		recorder: tracetest.NewSpanRecorder(),
		logs:     &writeRecorder{},
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(ts.recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger := telemetry.NewLogger(ts.logs, slog.LevelInfo)

	svc, err := app.NewConfirmationService(ts.mailer, logger, append([]app.Option{app.WithTracerProvider(tp)}, opts...)...)
	require.NoError(t, err)

	ts.router = NewRouter(NewHandler(svc, logger), logger, tp)
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) logLines(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(ts.logs.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "log line is not JSON: %s", line)
		out = append(out, entry)
	}
	return out
}

func (ts *testServer) spans(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range ts.recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func linesWithMessage(lines []map[string]any, msg string) []map[string]any {
	var out []map[string]any
	for _, l := range lines {
		if l["message"] == msg {
			out = append(out, l)
		}
	}
	return out
}

func linesAtLevel(lines []map[string]any, level string) []map[string]any {
	var out []map[string]any
	for _, l := range lines {
		if l["level"] == level {
			out = append(out, l)
		}
	}
	return out
}

func orderBody(email, orderID string) string {
	return fmt.Sprintf(`{"email":%q,"order":{"order_id":%q,"shipping_tracking_id":"TRK-1","items":[{"item":{"product_id":"OLJCESPC7Z","quantity":1},"cost":{"currency_code":"USD","units":19,"nanos":990000000}}]}}`, email, orderID)
}

const sendPath = "/send_order_confirmation"

func TestSendOrderConfirmationOK(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-123"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SendOrderConfirmationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Status)
	require.Len(t, ts.mailer.sent, 1)
	assert.Equal(t, "buyer@example.com", ts.mailer.sent[0].To)

	parents := ts.spans("POST " + sendPath)
	require.Len(t, parents, 1)
	orderID, ok := spanAttr(parents[0], constants.AttrOrderID)
	require.True(t, ok)
	assert.Equal(t, "ORD-123", orderID.AsString())

	children := ts.spans(constants.SpanNameSendEmail)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, parents[0].SpanContext().SpanID(), child.Parent().SpanID())
	recipient, ok := spanAttr(child, constants.AttrEmailRecipient)
	require.True(t, ok)
	assert.Equal(t, "buyer@example.com", recipient.AsString())

	lines := ts.logLines(t)
	start := linesWithMessage(lines, "sending order confirmation")
	sent := linesWithMessage(lines, "order confirmation sent")
	require.Len(t, start, 1)
	require.Len(t, sent, 1)
	assert.Empty(t, linesAtLevel(lines, "ERROR"))

	for _, l := range []map[string]any{start[0], sent[0]} {
		assert.NotEmpty(t, l["trace_id"])
		assert.NotEmpty(t, l["span_id"])
		assert.NotEmpty(t, l["time"])
		assert.Equal(t, child.SpanContext().TraceID().String(), l["trace_id"])
		assert.Equal(t, child.SpanContext().SpanID().String(), l["span_id"])
	}
}

func TestSendOrderConfirmationContinuesIncomingTrace(t *testing.T) {
	ts := newTestServer(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	rec := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-7"), map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	for _, l := range ts.logLines(t) {
		assert.Equal(t, traceID, l["trace_id"])
	}
}

func TestSendOrderConfirmationMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing email", body: `{"order":{"order_id":"ORD-1"}}`},
		{name: "blank email", body: `{"email":"  ","order":{"order_id":"ORD-1"}}`},
		{name: "missing order", body: `{"email":"buyer@example.com"}`},
		{name: "missing order id", body: `{"email":"buyer@example.com","order":{"items":[]}}`},
		{name: "invalid json", body: `{"email":`},
		{name: "invalid json: trailing data", body: `{"email":"buyer@example.com","order":{"order_id":"ORD-1"}} }}not-json`},
		{name: "invalid json: second object", body: `{"email":"buyer@example.com","order":{"order_id":"ORD-1"}}{"email":"x@example.com"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)

			rec := ts.do(http.MethodPost, sendPath, tc.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "malformed_request", resp.Error)
			assert.NotEmpty(t, resp.TraceID)
			assert.Empty(t, ts.mailer.sent)

			lines := ts.logLines(t)
			errs := linesAtLevel(lines, "ERROR")
			require.Len(t, errs, 1)
			assert.NotEmpty(t, errs[0]["error"])
			assert.NotEmpty(t, errs[0]["backtrace"])
			assert.Equal(t, resp.TraceID, errs[0]["trace_id"])
			assert.Empty(t, linesWithMessage(lines, "order confirmation sent"))

			parent := ts.spans("POST " + sendPath)
			require.Len(t, parent, 1)
			assert.Equal(t, codes.Error, parent[0].Status().Code)
		})
	}
}

func TestSendOrderConfirmationDeliveryFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.mailer.err = fmt.Errorf("%w: smtp 554: relay denied", entity.ErrDeliveryFailure)

	rec := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-9"), nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "delivery_failure", resp.Error)
	assert.Contains(t, resp.Message, "relay denied")

	lines := ts.logLines(t)
	assert.Empty(t, linesWithMessage(lines, "order confirmation sent"))
	errs := linesAtLevel(lines, "ERROR")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "smtp 554")
	assert.NotEmpty(t, errs[0]["backtrace"])

	children := ts.spans(constants.SpanNameSendEmail)
	require.Len(t, children, 1)
	assert.Equal(t, codes.Error, children[0].Status().Code)
	assert.Equal(t, children[0].SpanContext().TraceID().String(), errs[0]["trace_id"])
}

func TestSendOrderConfirmationConcurrent(t *testing.T) {
	ts := newTestServer(t)
	const n = 50

	var wg sync.WaitGroup
	codesSeen := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := ts.do(http.MethodPost, sendPath, orderBody(fmt.Sprintf("buyer%d@example.com", i), fmt.Sprintf("ORD-%d", i)), nil)
			codesSeen[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codesSeen {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}

	// Every write handed to the sink is one whole JSON line.
	require.Len(t, ts.logs.writes, 2*n)
	for _, w := range ts.logs.writes {
		require.Equal(t, 1, bytes.Count(w, []byte("\n")), "write is not a single line: %q", w)
		require.True(t, bytes.HasSuffix(w, []byte("\n")))
		require.True(t, json.Valid(w), "write is not JSON: %q", w)
	}

	lines := ts.logLines(t)
	sent := linesWithMessage(lines, "order confirmation sent")
	require.Len(t, sent, n)

	spanIDs := make(map[any]bool, n)
	for _, l := range sent {
		spanIDs[l["span_id"]] = true
	}
	assert.Len(t, spanIDs, n)

	// Each start line pairs with exactly one sent line on the same span.
	start := linesWithMessage(lines, "sending order confirmation")
	require.Len(t, start, n)
	for _, l := range start {
		assert.True(t, spanIDs[l["span_id"]])
	}
}

func TestSendOrderConfirmationDuplicate(t *testing.T) {
	guard := &memoryGuard{keys: map[string]bool{}}
	ts := newTestServer(t, app.WithIdempotency(guard, time.Hour))
	headers := map[string]string{constants.HeaderXIdempotencyKey: "checkout-42"}

	first := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-5"), headers)
	second := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-5"), headers)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	var resp SendOrderConfirmationResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Status)
	assert.Len(t, ts.mailer.sent, 1)
}

func TestSendOrderConfirmationConcurrentSameKey(t *testing.T) {
	guard := &memoryGuard{keys: map[string]bool{}}
	ts := newTestServer(t, app.WithIdempotency(guard, time.Hour))
	ts.mailer.delay = 50 * time.Millisecond
	headers := map[string]string{constants.HeaderXIdempotencyKey: "checkout-42"}
	const n = 5

	var wg sync.WaitGroup
	statuses := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-5"), headers)
			assert.Equal(t, http.StatusOK, rec.Code)
			var resp SendOrderConfirmationResponse
			assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			statuses[i] = resp.Status
		}(i)
	}
	wg.Wait()

	assert.Len(t, ts.mailer.sent, 1)
	sent := 0
	for _, st := range statuses {
		if st == "sent" {
			sent++
		} else {
			assert.Equal(t, "duplicate", st)
		}
	}
	assert.Equal(t, 1, sent)
}

func TestSendOrderConfirmationRetryAfterFailure(t *testing.T) {
	guard := &memoryGuard{keys: map[string]bool{}}
	ts := newTestServer(t, app.WithIdempotency(guard, time.Hour))
	ts.mailer.err = fmt.Errorf("%w: smtp 451: try again later", entity.ErrDeliveryFailure)
	headers := map[string]string{constants.HeaderXIdempotencyKey: "checkout-43"}

	first := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-6"), headers)
	require.Equal(t, http.StatusInternalServerError, first.Code)

	ts.mailer.err = nil
	second := ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-6"), headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, ts.mailer.sent, 1)
}

func TestGetConfirmation(t *testing.T) {
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "deliveries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ts := newTestServer(t, app.WithDeliveryLog(repo))

	rec := ts.do(http.MethodGet, "/orders/ORD-404/confirmation", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, sendPath, orderBody("buyer@example.com", "ORD-11"), nil).Code)

	rec = ts.do(http.MethodGet, "/orders/ORD-11/confirmation", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry deliverylog.DeliveryLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, deliverylog.StatusSent, entry.Status)
	assert.Equal(t, "buyer@example.com", entry.Recipient)
	assert.Equal(t, ts.spans(constants.SpanNameSendEmail)[0].SpanContext().SpanID().String(), entry.SpanID)
}

func TestRecoverFromPanic(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	logs := &writeRecorder{}
	logger := telemetry.NewLogger(logs, slog.LevelInfo)
	router := NewRouter(NewHandler(panickingService{}, logger), logger, tp)

	req := httptest.NewRequest(http.MethodPost, sendPath, strings.NewReader(orderBody("buyer@example.com", "ORD-1")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.Contains(t, logs.String(), "template cache corrupted")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Empty(t, ts.recorder.Ended())
}

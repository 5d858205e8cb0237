package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/provider"
	"paidpost/internal/reconcile"
	"paidpost/internal/scheduler"
	"paidpost/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeEngine struct {
	ingested  [][]byte
	created   []reconcile.PaymentRequest
	pollErr   error
	drafts    []store.OrderDraft
	scheduled map[int64]time.Time
	revokeErr error
	confirmed []string
}

func (e *fakeEngine) IngestPaymentEvent(_ context.Context, raw []byte) reconcile.Ack {
	e.ingested = append(e.ingested, raw)
	return reconcile.Ack{Accepted: true}
}

func (e *fakeEngine) CreatePayment(_ context.Context, req reconcile.PaymentRequest) (reconcile.CreatedPayment, error) {
	e.created = append(e.created, req)
	return reconcile.CreatedPayment{PaymentID: "pay_1", OrderRef: "ref-1", ConfirmationURL: "https://pay.example.com/c"}, nil
}

func (e *fakeEngine) PollPayment(context.Context, string) (payment.Status, error) {
	if e.pollErr != nil {
		return payment.StatusUnknown, e.pollErr
	}
	return payment.StatusSucceeded, nil
}

func (e *fakeEngine) BuyerConfirmedLocally(_ context.Context, paymentID string, _ map[string]string) payment.Decision {
	e.confirmed = append(e.confirmed, paymentID)
	return payment.DecisionApply
}

func (e *fakeEngine) CreateManualOrder(_ context.Context, d store.OrderDraft) (int64, error) {
	e.drafts = append(e.drafts, d)
	return int64(len(e.drafts)), nil
}

func (e *fakeEngine) ScheduleOrderPublication(_ context.Context, orderID int64, at time.Time) error {
	if orderID == 404 {
		return fmt.Errorf("update order 404: %w", store.ErrOrderNotFound)
	}
	if e.scheduled == nil {
		e.scheduled = make(map[int64]time.Time)
	}
	e.scheduled[orderID] = at
	return nil
}

func (e *fakeEngine) RevokeSchedule(context.Context, int64) error {
	return e.revokeErr
}

type fakePublisher struct {
	published []int64
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, orderID int64) error {
	p.published = append(p.published, orderID)
	return p.err
}

type fakeSchedules []scheduler.Job

func (s fakeSchedules) Jobs() []scheduler.Job { return s }

type fakeOrders struct {
	cleared []int64
}

func (o *fakeOrders) ListOrdersByStatus(_ context.Context, status store.OrderStatus, _ int) ([]store.Order, error) {
	return []store.Order{{ID: 1, SellerID: "42", URL: "u", Status: status}}, nil
}

func (o *fakeOrders) ListFailures(context.Context, int) ([]store.PublicationFailure, error) {
	return []store.PublicationFailure{{OrderID: 3, Reason: "bot down", Attempts: 3}}, nil
}

func (o *fakeOrders) ClearFailures(_ context.Context, orderID int64) error {
	o.cleared = append(o.cleared, orderID)
	return nil
}

type fixture struct {
	router    *chi.Mux
	engine    *fakeEngine
	publisher *fakePublisher
	orders    *fakeOrders
	healthErr error
	clock     clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:    &fakeEngine{},
		publisher: &fakePublisher{},
		orders:    &fakeOrders{},
		clock:     clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.router = chi.NewRouter()
	cfg := &config.Config{JWTSecret: testSecret, Location: time.UTC}
	SetupRouter(f.router, cfg, Deps{
		Engine:    f.engine,
		Publisher: f.publisher,
		Schedules: fakeSchedules{{OrderID: 7, FireAt: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)}},
		Orders:    f.orders,
		Probes: []metrics.Probe{{Name: "postgres", Check: func(context.Context) error {
			return f.healthErr
		}}},
		Clock: f.clock,
	}, log.NewNop())
	return f
}

func operatorToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCallbackAlwaysAcks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payments/callback", "{broken", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	require.Len(t, f.engine.ingested, 1)
	assert.Equal(t, "{broken", string(f.engine.ingested[0]))
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payments/create",
		`{"metadata":{"url":"https://shop.example.com/p/1"},"chat_id":42,"prompt_message_id":5}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createPaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pay_1", resp.PaymentID)
	assert.Equal(t, "https://pay.example.com/c", resp.ConfirmationURL)
	require.Len(t, f.engine.created, 1)
	assert.Equal(t, int64(42), f.engine.created[0].Conversation.ChatID)
	assert.Equal(t, 5, f.engine.created[0].Conversation.PromptMessageID)

	rec = f.do(t, http.MethodPost, "/api/payments/create", `{"metadata":{}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/payments/pay_1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payment_id":"pay_1","status":"succeeded"}`, rec.Body.String())

	f.engine.pollErr = provider.ErrPaymentNotFound
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/payments/pay_2", "", "").Code)

	f.engine.pollErr = errors.New("timeout")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/api/payments/pay_2", "", "").Code)
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/schedules", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/schedules", "", "garbage").Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodGet, "/api/schedules", "", operatorToken(t, "other-secret")).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/schedules", "", operatorToken(t, testSecret)).Code)
}

func TestCreateManualOrder(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	rec := f.do(t, http.MethodPost, "/api/orders",
		`{"seller_id":"42","url":"https://shop.example.com/p/1","title":"Kettle","price":990,"scheduled_at":"2025-03-02 10:00"}`, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.engine.drafts, 1)
	d := f.engine.drafts[0]
	assert.Equal(t, "Kettle", d.Title)
	require.NotNil(t, d.Price)
	assert.Equal(t, 990.0, *d.Price)
	assert.Equal(t, time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC), d.ScheduledAt)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/orders", `{"title":"x"}`, token).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/orders", `{"seller_id":"1","url":"u","scheduled_at":"tomorrow"}`, token).Code)
}

func TestCreateManualOrderDefaultsToNow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/orders", `{"seller_id":"42","url":"https://shop.example.com/p/1"}`,
		operatorToken(t, testSecret))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.engine.drafts, 1)
	assert.Equal(t, f.clock.Now(), f.engine.drafts[0].ScheduledAt)
}

func TestCreateManualOrderRejectsOversizedFields(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	for name, body := range map[string]string{
		"url":         fmt.Sprintf(`{"seller_id":"1","url":"https://shop.example.com/?%s"}`, strings.Repeat("a=1&", 60)),
		"title":       fmt.Sprintf(`{"seller_id":"1","url":"https://shop.example.com/p/1","title":"%s"}`, strings.Repeat("я", 129)),
		"description": fmt.Sprintf(`{"seller_id":"1","url":"https://shop.example.com/p/1","description":"%s"}`, strings.Repeat("d", 201)),
		"category":    fmt.Sprintf(`{"seller_id":"1","url":"https://shop.example.com/p/1","category":"%s"}`, strings.Repeat("c", 65)),
	} {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/orders", body, token).Code, name)
	}
	assert.Empty(t, f.engine.drafts)

	rec := f.do(t, http.MethodPost, "/api/orders",
		fmt.Sprintf(`{"seller_id":"1","url":"https://shop.example.com/p/1","title":"%s"}`, strings.Repeat("я", 128)), token)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestScheduleOrder(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	rec := f.do(t, http.MethodPut, "/api/orders/9/schedule", `{"scheduled_at":"2025-03-05T09:00:00Z"}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC), f.engine.scheduled[9].UTC())

	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPut, "/api/orders/404/schedule", `{"scheduled_at":"2025-03-05T09:00:00Z"}`, token).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPut, "/api/orders/abc/schedule", `{"scheduled_at":"2025-03-05T09:00:00Z"}`, token).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/orders/9/schedule", `{}`, token).Code)
}

func TestRevokeSchedule(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/orders/9/schedule", "", token).Code)

	f.engine.revokeErr = fmt.Errorf("revoke order 9: %w", scheduler.ErrNoSchedule)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/orders/9/schedule", "", token).Code)
}

func TestManualPublish(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/orders/3/publish", "", token).Code)
	assert.Equal(t, []int64{3}, f.publisher.published)
	assert.Equal(t, []int64{3}, f.orders.cleared)

	f.publisher.err = errors.New("bot down")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/api/orders/4/publish", "", token).Code)
	assert.Equal(t, []int64{3}, f.orders.cleared)
}

func TestListSchedulesAndFailures(t *testing.T) {
	f := newFixture(t)
	token := operatorToken(t, testSecret)

	rec := f.do(t, http.MethodGet, "/api/schedules", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(7), jobs[0].OrderID)

	rec = f.do(t, http.MethodGet, "/api/failures", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var failures []failureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "bot down", failures[0].Reason)

	rec = f.do(t, http.MethodGet, "/api/orders?status=posted", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"posted"`)
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/payments/pay_1/confirm", `{"metadata":{"url":"u"}}`, operatorToken(t, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payment_id":"pay_1","decision":"apply"}`, rec.Body.String())
	assert.Equal(t, []string{"pay_1"}, f.engine.confirmed)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", "").Code)
	f.healthErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", "", "").Code)
}

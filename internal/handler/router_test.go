package handler_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/handler"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/service"
)

const (
	testSecret    = "test-jwt-secret"
	testAppSecret = "app-secret"
	testVerify    = "verify-me"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg domain.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

type fakePayments struct {
	res *service.PaymentConfirmation
	err error
	got string
}

func (f *fakePayments) OnPaymentConfirmed(_ context.Context, orderID string) (*service.PaymentConfirmation, error) {
	f.got = orderID
	return f.res, f.err
}

type fakeConversations struct {
	view  *domain.ConversationView
	err   error
	reset []string
}

func (f *fakeConversations) Inspect(_ context.Context, tenantID, chatID string) (*domain.ConversationView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.view, nil
}

func (f *fakeConversations) Reset(_ context.Context, tenantID, chatID string) error {
	f.reset = append(f.reset, tenantID+"/"+chatID)
	return f.err
}

type fixture struct {
	router        http.Handler
	dispatcher    *fakeDispatcher
	payments      *fakePayments
	conversations *fakeConversations
}

func newFixture(t *testing.T, mutate ...func(*handler.RouterDeps)) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher:    &fakeDispatcher{},
		payments:      &fakePayments{},
		conversations: &fakeConversations{},
	}
	deps := handler.RouterDeps{
		Dispatcher:    f.dispatcher,
		Payments:      f.payments,
		Conversations: f.conversations,
		Metrics:       observability.NewMetrics(),
		VerifyToken:   testVerify,
		AppSecret:     testAppSecret,
		JWTSecret:     testSecret,
		Logger:        zap.NewNop(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.router = handler.NewRouter(deps)
	return f
}

func serviceToken(t *testing.T, secret string, exp time.Duration) string {
	t.Helper()
	claims := handler.ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dashboard",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func authed(t *testing.T, method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+serviceToken(t, testSecret, time.Minute))
	return req
}

// ============================================================
// Operational endpoints
// ============================================================

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_CriticalDependencyDown(t *testing.T) {
	f := newFixture(t, func(d *handler.RouterDeps) {
		d.Checks = []handler.HealthCheck{
			{Name: "database", Critical: true, Ping: func(context.Context) error { return errors.New("down") }},
			{Name: "redis", Ping: func(context.Context) error { return nil }},
		}
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "unhealthy" || len(body.Services) != 3 {
		t.Errorf("unexpected health %+v", body)
	}
}

func TestHealthz_OptionalDependencyDegrades(t *testing.T) {
	f := newFixture(t, func(d *handler.RouterDeps) {
		d.Checks = []handler.HealthCheck{
			{Name: "redis", Ping: func(context.Context) error { return errors.New("timeout") }},
		}
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("expected degraded 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ============================================================
// Webhook
// ============================================================

const textDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "919800000000", "phone_number_id": "pn-1"},
        "contacts": [{"profile": {"name": "Asha"}, "wa_id": "919876543210"}],
        "messages": [{
          "from": "919876543210",
          "id": "wamid.ABC",
          "timestamp": "1741581000",
          "type": "text",
          "text": {"body": "do you have kurtas?"}
        }]
      }
    }]
  }]
}`

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerify(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token="+testVerify+"&hub.challenge=12345", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Errorf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}

	rec = f.do(httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestWebhookReceive_DispatchesTextMessage(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
	req.Header.Set("X-Hub-Signature-256", sign(textDelivery, testAppSecret))
	rec := f.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.dispatcher.msgs) != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", len(f.dispatcher.msgs))
	}
	got := f.dispatcher.msgs[0]
	if got.PhoneNumberID != "pn-1" || got.From != "919876543210" || got.ProfileName != "Asha" ||
		got.MessageID != "wamid.ABC" || got.Type != "text" || got.Text != "do you have kurtas?" {
		t.Errorf("unexpected message %+v", got)
	}
	if !got.ReceivedAt.Equal(time.Unix(1741581000, 0)) {
		t.Errorf("unexpected timestamp %v", got.ReceivedAt)
	}
}

func TestWebhookReceive_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	for _, sig := range []string{"", "sha256=deadbeef", sign(textDelivery, "other-secret"), "md5=abc"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		if sig != "" {
			req.Header.Set("X-Hub-Signature-256", sig)
		}
		rec := f.do(req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("signature %q: expected 401, got %d", sig, rec.Code)
		}
	}
	if len(f.dispatcher.msgs) != 0 {
		t.Errorf("nothing should be dispatched, got %d", len(f.dispatcher.msgs))
	}
}

func TestWebhookReceive_NoSecretSkipsSignature(t *testing.T) {
	f := newFixture(t, func(d *handler.RouterDeps) { d.AppSecret = "" })

	rec := f.do(httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery)))

	if rec.Code != http.StatusOK || len(f.dispatcher.msgs) != 1 {
		t.Errorf("expected dispatch without signature check, got %d / %d", rec.Code, len(f.dispatcher.msgs))
	}
}

func TestWebhookReceive_StatusCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"pn-1"},"statuses":[{"id":"wamid.X","status":"delivered"}]}}]}]}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, testAppSecret))
	rec := f.do(req)

	if rec.Code != http.StatusOK || len(f.dispatcher.msgs) != 0 {
		t.Errorf("expected ack without dispatch, got %d / %d", rec.Code, len(f.dispatcher.msgs))
	}
}

func TestWebhookReceive_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	body := `{"entry": [`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, testAppSecret))
	rec := f.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	limiter := handler.NewRateLimiter(0.001, 2, zap.NewNop())
	t.Cleanup(limiter.Close)
	f := newFixture(t, func(d *handler.RouterDeps) { d.Limiter = limiter })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token="+testVerify, nil)
		req.RemoteAddr = "203.0.113.7:5555"
		codes = append(codes, f.do(req).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token="+testVerify, nil)
	other.RemoteAddr = "198.51.100.1:5555"
	if code := f.do(other).Code; code != http.StatusOK {
		t.Errorf("other client should not be limited, got %d", code)
	}
}

// ============================================================
// Internal API
// ============================================================

func TestInternalAPI_RequiresToken(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong secret", "Bearer " + serviceToken(t, "other", time.Minute)},
		{"expired", "Bearer " + serviceToken(t, testSecret, -time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/metrics/commerce", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if rec := f.do(req); rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInternalAPI_RejectsNoneAlgorithm(t *testing.T) {
	f := newFixture(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "dashboard"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/commerce", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if rec := f.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestCommerceMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(authed(t, http.MethodGet, "/v1/metrics/commerce", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var m domain.CommerceMetrics
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestPaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	f.payments.res = &service.PaymentConfirmation{
		Order: &domain.Order{ID: "o1", OrderNumber: "ORD-250310-001", PaymentStatus: domain.PaymentStatusPaid},
		Reset: true,
	}

	rec := f.do(authed(t, http.MethodPost, "/v1/payments/confirmed", `{"orderId":"o1"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.payments.got != "o1" {
		t.Errorf("expected order o1, got %q", f.payments.got)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["orderNumber"] != "ORD-250310-001" || body["alreadyPaid"] != false || body["conversationReset"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestPaymentConfirmed_AlreadyPaid(t *testing.T) {
	f := newFixture(t)
	f.payments.res = &service.PaymentConfirmation{
		Order:       &domain.Order{ID: "o1", OrderNumber: "ORD-250310-001", PaymentStatus: domain.PaymentStatusPaid},
		AlreadyPaid: true,
	}

	rec := f.do(authed(t, http.MethodPost, "/v1/payments/confirmed", `{"orderId":"o1"}`))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"alreadyPaid":true`) {
		t.Errorf("expected idempotent 200, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentConfirmed_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"blank order", `{"orderId":"  "}`, nil, http.StatusBadRequest},
		{"unknown order", `{"orderId":"nope"}`, &domain.ErrNotFound{Resource: "order", ID: "nope"}, http.StatusNotFound},
		{"store down", `{"orderId":"o1"}`, errors.New("db closed"), http.StatusInternalServerError},
		{"circuit open", `{"orderId":"o1"}`, &domain.ErrCircuitOpen{Service: "whatsapp"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payments.err = tt.err

			rec := f.do(authed(t, http.MethodPost, "/v1/payments/confirmed", tt.body))

			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestGetConversation(t *testing.T) {
	f := newFixture(t)
	f.conversations.view = &domain.ConversationView{
		TenantID: "t1", ChatID: "919876543210", Step: domain.StepAwaitingAddress, ProductID: "p1", Quantity: 2,
	}

	rec := f.do(authed(t, http.MethodGet, "/v1/tenants/t1/chats/919876543210/conversation", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view domain.ConversationView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Step != domain.StepAwaitingAddress || view.Quantity != 2 {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	f := newFixture(t)
	f.conversations.err = &domain.ErrNotFound{Resource: "conversation", ID: "x"}

	rec := f.do(authed(t, http.MethodGet, "/v1/tenants/t1/chats/x/conversation", ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestResetConversation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(authed(t, http.MethodPost, "/v1/tenants/t1/chats/919876543210/conversation/reset", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.conversations.reset) != 1 || f.conversations.reset[0] != "t1/919876543210" {
		t.Errorf("unexpected resets %v", f.conversations.reset)
	}
}

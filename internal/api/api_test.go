package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/auth"
	"github.com/sungwon/mail-relay/internal/broker"
	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/delivery"
	"github.com/sungwon/mail-relay/internal/logger"
	"github.com/sungwon/mail-relay/internal/storage"
)

const testSecret = "test-secret"

type mockGateway struct {
	mu      sync.Mutex
	items   []codec.WorkItem
	origins []delivery.Origin
	outcome delivery.Outcome
}

func (g *mockGateway) Deliver(ctx context.Context, item codec.WorkItem) delivery.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, item)
	g.origins = append(g.origins, delivery.OriginFromContext(ctx))
	return g.outcome
}

func (g *mockGateway) getItems() []codec.WorkItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]codec.WorkItem(nil), g.items...)
}

type mockBroker struct {
	mu    sync.Mutex
	state broker.State
}

func (b *mockBroker) Name() string { return "mqtt" }

func (b *mockBroker) Status() broker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *mockBroker) set(s broker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

type mockLister struct {
	entries []storage.Entry
	err     error
	limit   int
}

func (l *mockLister) Recent(_ context.Context, limit int) ([]storage.Entry, error) {
	l.limit = limit
	return l.entries, l.err
}

func newTestRouter(gw delivery.Gateway, b BrokerStatus, l DeliveryLister) http.Handler {
	return NewRouter(Deps{
		Gateway:    gw,
		Broker:     b,
		Verifier:   auth.NewVerifier(testSecret),
		Deliveries: l,
		Log:        zerolog.Nop(),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(auth.HeaderSecretKey, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return out
}

const validItem = `{"to":"user@example.com","subject":"Welcome","template":"welcome","context":{"name":"Ada"}}`

func TestSend_Success(t *testing.T) {
	gw := &mockGateway{outcome: delivery.Success()}
	h := newTestRouter(gw, nil, nil)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/send", testSecret, validItem)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}

	items := gw.getItems()
	if len(items) != 1 {
		t.Fatalf("gateway called %d times, want 1", len(items))
	}
	if items[0].To != "user@example.com" || items[0].Template != "welcome" {
		t.Errorf("item = %+v", items[0])
	}
	if gw.origins[0].Channel != "http" {
		t.Errorf("origin channel = %q, want http", gw.origins[0].Channel)
	}
	if gw.origins[0].MessageID == "" {
		t.Error("origin message id should carry the correlation id")
	}
	if rec.Header().Get("X-Correlation-ID") != gw.origins[0].MessageID {
		t.Error("correlation id header does not match origin")
	}
}

func TestSend_InvalidSecret(t *testing.T) {
	gw := &mockGateway{outcome: delivery.Success()}
	h := newTestRouter(gw, nil, nil)

	for _, secret := range []string{"", "wrong"} {
		rec := doRequest(t, h, http.MethodPost, "/api/v1/send", secret, validItem)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d, want 401", secret, rec.Code)
		}
		if got := decodeBody(t, rec); got["detail"] != "Invalid secret key" {
			t.Errorf("secret %q: body = %v", secret, got)
		}
	}
	if n := len(gw.getItems()); n != 0 {
		t.Errorf("gateway called %d times, want 0", n)
	}
}

func TestSend_UndecodableBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"malformed", `{"to":`, "invalid JSON"},
		{"empty", ``, "invalid JSON"},
		{"missing subject", `{"to":"a@b.c","template":"t"}`, "schema violation"},
		{"bad recipient", `{"to":"not-an-address","subject":"s","template":"t"}`, "schema violation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{outcome: delivery.Success()}
			h := newTestRouter(gw, nil, nil)

			rec := doRequest(t, h, http.MethodPost, "/api/v1/send", testSecret, tt.body)

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", rec.Code)
			}
			if got := decodeBody(t, rec); got["detail"] != tt.detail {
				t.Errorf("detail = %v, want %q", got["detail"], tt.detail)
			}
			if n := len(gw.getItems()); n != 0 {
				t.Errorf("gateway called %d times, want 0", n)
			}
		})
	}
}

func TestSend_DeliveryFailure(t *testing.T) {
	gw := &mockGateway{outcome: delivery.Failure(delivery.ReasonTemplateNotFound, errors.New("open welcome.html: no such file"))}
	h := newTestRouter(gw, nil, nil)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/send", testSecret, validItem)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["detail"] != "template not found" {
		t.Errorf("detail = %v", got["detail"])
	}
	if strings.Contains(rec.Body.String(), "welcome.html") {
		t.Error("response leaks the underlying error")
	}
}

func TestSend_BodyTooLarge(t *testing.T) {
	h := newTestRouter(&mockGateway{outcome: delivery.Success()}, nil, nil)
	body := `{"to":"a@b.c","subject":"` + strings.Repeat("x", maxSendBody) + `","template":"t"}`

	rec := doRequest(t, h, http.MethodPost, "/api/v1/send", testSecret, body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHealth_ReportsBrokerState(t *testing.T) {
	b := &mockBroker{state: broker.Connected}
	h := newTestRouter(&mockGateway{}, b, nil)

	rec := doRequest(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["status"] != "ok" || got["mqtt"] != "connected" {
		t.Errorf("body = %v", got)
	}

	b.set(broker.Disconnected)
	got = decodeBody(t, doRequest(t, h, http.MethodGet, "/health", "", ""))
	if got["mqtt"] != "disconnected" {
		t.Errorf("after connection loss body = %v", got)
	}

	// Auto-reconnect in progress is reported as such, never as connected.
	b.set(broker.Connecting)
	got = decodeBody(t, doRequest(t, h, http.MethodGet, "/health", "", ""))
	if got["mqtt"] != "connecting" {
		t.Errorf("while reconnecting body = %v", got)
	}
}

func TestHealth_BrokerDisabled(t *testing.T) {
	h := newTestRouter(&mockGateway{}, nil, nil)

	got := decodeBody(t, doRequest(t, h, http.MethodGet, "/health", "", ""))
	if got["status"] != "ok" || got["broker"] != "disabled" {
		t.Errorf("body = %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(&mockGateway{outcome: delivery.Success()}, nil, nil)
	doRequest(t, h, http.MethodGet, "/health", "", "")

	rec := doRequest(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_api_requests_total") {
		t.Error("metrics output missing relay_api_requests_total")
	}
}

func TestDeliveries(t *testing.T) {
	id := uuid.New()
	l := &mockLister{entries: []storage.Entry{{
		ID:        id,
		Channel:   "broker",
		Source:    "notifications/email",
		MessageID: "42",
		Recipient: "user@example.com",
		Template:  "welcome",
		Status:    storage.StatusFailed,
		Reason:    "recipient rejected",
		Duration:  1500 * time.Millisecond,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}}
	h := newTestRouter(&mockGateway{}, nil, l)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/deliveries?limit=10", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if l.limit != 10 {
		t.Errorf("limit = %d, want 10", l.limit)
	}

	var resp struct {
		Deliveries []deliveryResponse `json:"deliveries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Deliveries) != 1 {
		t.Fatalf("got %d deliveries", len(resp.Deliveries))
	}
	d := resp.Deliveries[0]
	if d.ID != id.String() || d.DurationMS != 1500 || d.Reason != "recipient rejected" {
		t.Errorf("delivery = %+v", d)
	}
}

func TestDeliveries_Errors(t *testing.T) {
	h := newTestRouter(&mockGateway{}, nil, &mockLister{err: errors.New("pool closed")})

	if rec := doRequest(t, h, http.MethodGet, "/api/v1/deliveries?limit=abc", testSecret, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/v1/deliveries", testSecret, ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error: status = %d, want 500", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/v1/deliveries", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", rec.Code)
	}
}

func TestDeliveries_NotRegisteredWithoutLog(t *testing.T) {
	h := newTestRouter(&mockGateway{}, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/deliveries", testSecret, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	long := strings.Repeat("a", 129)
	tests := []struct {
		name     string
		headers  map[string]string
		want     string
		wantSame bool
	}{
		{name: "correlation header", headers: map[string]string{"X-Correlation-ID": "abc-123"}, want: "abc-123", wantSame: true},
		{name: "request id fallback", headers: map[string]string{"X-Request-ID": "req-9"}, want: "req-9", wantSame: true},
		{name: "generated", headers: nil},
		{name: "too long", headers: map[string]string{"X-Correlation-ID": long}},
		{name: "control chars", headers: map[string]string{"X-Correlation-ID": "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := CorrelationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = logger.CorrelationIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get("X-Correlation-ID") != seen {
				t.Fatalf("context id %q, header %q", seen, rec.Header().Get("X-Correlation-ID"))
			}
			if tt.wantSame && seen != tt.want {
				t.Errorf("correlation id = %q, want %q", seen, tt.want)
			}
			if !tt.wantSame && (seen == long || seen == "a b") {
				t.Errorf("unusable correlation id %q was kept", seen)
			}
		})
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobescrow/internal/config"
	"github.com/mbd888/jobescrow/internal/fees"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config.
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		RequestTimeout:     5 * time.Second,
		DefaultRegion:      fees.DefaultRegion,
		PlatformFeePercent: fees.DefaultPlatformFeePercent,
		MobileMoneyFee:     fees.DefaultMobileMoneyFixedFee,
		BankTransferFee:    fees.DefaultBankTransferFixedFee,
		CardFeePercent:     fees.DefaultCardFeePercent,
		MinPayment:         fees.DefaultMinAmount,
		MaxPayment:         fees.DefaultMaxAmount,
		DefaultCurrency:    "XOF",
		KafkaTopic:         "payment-events",
		ReconcileInterval:  time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func do(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func createPayment(t *testing.T, s *Server, headers map[string]string) map[string]any {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/payments", map[string]any{
		"jobId":         "job_1",
		"employerId":    "emp_1",
		"workerId":      "wrk_1",
		"amount":        100000,
		"paymentMethod": "mobile_money",
	}, headers)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)["payment"].(map[string]any)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("live: expected 200, got %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before Run: expected 503, got %d", w.Code)
	}

	// The reconciliation loop only runs after Run.
	w = do(t, s, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health: expected 503, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || len(resp.Checks) != 1 || resp.Checks[0].Name != "reconciliation" {
		t.Errorf("unexpected health body: %+v", resp)
	}
}

func TestHardeningHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/api", nil, map[string]string{"X-Request-ID": "req-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected request id echoed, got %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}

	w = do(t, s, http.MethodGet, "/api", nil, map[string]string{"X-Request-ID": "bad id\n"})
	if got := w.Header().Get("X-Request-ID"); len(got) != 32 {
		t.Errorf("expected generated request id for malformed header, got %q", got)
	}
}

func TestOpenModePaymentLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig())

	p := createPayment(t, s, nil)
	id := p["id"].(string)
	if p["netAmount"].(float64) != 94500 {
		t.Fatalf("expected net 94500, got %v", p["netAmount"])
	}

	w := do(t, s, http.MethodPost, "/v1/payments/"+id+"/capture", map[string]string{"transactionId": "MP240301.1200.A1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("capture: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/v1/payments/"+id+"/release", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if status := decode(t, w)["payment"].(map[string]any)["status"]; status != "released" {
		t.Fatalf("expected released, got %v", status)
	}

	w = do(t, s, http.MethodGet, "/v1/stats/wrk_1?role=worker", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	stats := decode(t, w)["stats"].(map[string]any)
	if stats["totalEarnings"].(float64) != 94500 || stats["completedPayments"].(float64) != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	w = do(t, s, http.MethodGet, "/v1/admin/reconcile", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d", w.Code)
	}
	if decode(t, w)["ok"] != true {
		t.Errorf("expected clean reconciliation: %s", w.Body.String())
	}
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeys = map[string]string{"marketplace": "sk_marketplace"}
	cfg.AdminSecret = "s3cret"
	s := newTestServer(t, cfg)
	key := map[string]string{"Authorization": "Bearer sk_marketplace"}

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"fee quote is public", http.MethodGet, "/v1/fees/quote?amount=10000&method=card", nil, http.StatusOK},
		{"read without key", http.MethodGet, "/v1/payments/pay_x", nil, http.StatusUnauthorized},
		{"read with wrong key", http.MethodGet, "/v1/payments/pay_x", map[string]string{"Authorization": "Bearer sk_other"}, http.StatusUnauthorized},
		{"read with key", http.MethodGet, "/v1/payments/pay_x", key, http.StatusNotFound},
		{"admin without secret", http.MethodGet, "/v1/admin/reconcile", key, http.StatusForbidden},
		{"admin with secret", http.MethodGet, "/v1/admin/reconcile", map[string]string{"X-Admin-Secret": "s3cret"}, http.StatusOK},
		{"websocket without key", http.MethodGet, "/ws", nil, http.StatusUnauthorized},
		{"stripe disabled", http.MethodPost, "/webhooks/stripe", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, nil, tt.headers)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRateLimitPerClient(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 60
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg)

	if w := do(t, s, http.MethodGet, "/api", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := do(t, s, http.MethodGet, "/api", nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if decode(t, w)["error"] != "rate_limit_exceeded" {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestStripeWebhookRegisteredWithSecret(t *testing.T) {
	cfg := testConfig()
	cfg.StripeWebhookSecret = "whsec_test"
	s := newTestServer(t, cfg)

	w := do(t, s, http.MethodPost, "/webhooks/stripe", map[string]string{"type": "payment_intent.succeeded"},
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d: %s", w.Code, w.Body.String())
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
}

func (r *recordingSender) SendMessages(msgs []*sarama.ProducerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingSender) Close() error { return nil }

func TestEventsReachKafka(t *testing.T) {
	cfg := testConfig()
	sender := &recordingSender{}
	s := newTestServer(t, cfg, WithKafkaSender(sender))

	p := createPayment(t, s, nil)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) == 0 {
		t.Fatal("expected events on kafka")
	}
	msg := sender.msgs[0]
	if msg.Topic != "payment-events" {
		t.Errorf("expected payment-events topic, got %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != p["id"].(string) {
		t.Errorf("expected message keyed by payment id, got %s", key)
	}

	w := do(t, s, http.MethodGet, "/health", nil, nil)
	var resp HealthResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	found := false
	for _, c := range resp.Checks {
		if c.Name == "kafka" {
			found = true
			if !c.Healthy {
				t.Errorf("expected kafka healthy, got %+v", c)
			}
		}
	}
	if !found {
		t.Error("expected kafka health check")
	}
}

func TestInvalidFeeConfigFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.FeePolicyFile = "/nonexistent/fees.yaml"
	if _, err := New(cfg, WithLogger(slog.New(slog.DiscardHandler))); err == nil {
		t.Fatal("expected error for missing fee policy file")
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig(), WithDrainDelay(0))
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://escrow:hunter2@db:5432/escrow?sslmode=disable")
	if bytes.Contains([]byte(got), []byte("hunter2")) {
		t.Fatalf("password leaked: %s", got)
	}
}

package payment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/jobescrow/internal/fees"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := fees.SingleRegistry(fees.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(NewMemoryStore(), reg)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, svc
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type paymentResponse struct {
	Payment Payment `json:"payment"`
}

func decodePayment(t *testing.T, w *httptest.ResponseRecorder) Payment {
	t.Helper()
	var resp paymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	return resp.Payment
}

func TestHandler_Lifecycle(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/payments", map[string]any{
		"jobId":         "job_9",
		"employerId":    "emp_9",
		"workerId":      "wrk_9",
		"amount":        100000,
		"paymentMethod": "mobile_money",
		"metadata":      map[string]string{"jobTitle": "Plumbing"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p := decodePayment(t, w)
	if p.Status != StatusPending || p.NetAmount != 94500 || p.Fees.TotalFees != 5500 {
		t.Fatalf("unexpected payment: %+v", p)
	}

	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/capture", map[string]string{"transactionId": "mm_123"})
	if w.Code != http.StatusOK {
		t.Fatalf("capture: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodePayment(t, w); got.Status != StatusEscrowed {
		t.Fatalf("Expected escrowed, got %s", got.Status)
	}

	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/release", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Illegal: refund a released payment.
	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/refund", map[string]string{"reason": "late"})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var errBody map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody["error"] != "illegal_transition" || errBody["currentStatus"] != "released" {
		t.Errorf("unexpected error body: %v", errBody)
	}

	w = doJSON(router, "GET", "/v1/payments/"+p.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	var eventsResp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &eventsResp)
	if eventsResp.Count != 3 {
		t.Errorf("Expected 3 events, got %d", eventsResp.Count)
	}

	w = doJSON(router, "GET", "/v1/parties/wrk_9/payments?role=worker", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
}

func TestHandler_MilestoneFlow(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/payments", map[string]any{
		"jobId": "j", "employerId": "e", "workerId": "w",
		"amount": 50000, "paymentMethod": "bank_transfer",
		"milestones": []map[string]any{
			{"title": "Half", "percentage": 50},
			{"title": "Rest", "percentage": 50},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p := decodePayment(t, w)
	doJSON(router, "POST", "/v1/payments/"+p.ID+"/capture", map[string]string{"transactionId": "bt_1"})

	for _, m := range p.Milestones {
		for _, step := range []string{"complete", "approve", "pay"} {
			w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/milestones/"+m.ID+"/"+step, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("%s %s: expected 200, got %d: %s", step, m.ID, w.Code, w.Body.String())
			}
		}
	}
	if got := decodePayment(t, w); got.Status != StatusReleased {
		t.Fatalf("Expected released after all milestones, got %s", got.Status)
	}

	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/milestones/ms_nope/complete", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown milestone, got %d", w.Code)
	}
}

func TestHandler_DisputeAndResolve(t *testing.T) {
	router, svc := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/payments", map[string]any{
		"jobId": "j", "employerId": "e", "workerId": "w",
		"amount": 100000, "paymentMethod": "card",
	})
	p := decodePayment(t, w)
	doJSON(router, "POST", "/v1/payments/"+p.ID+"/capture", map[string]string{"transactionId": "pi_1"})

	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/dispute", map[string]string{})
	if w.Code != http.StatusConflict {
		t.Fatalf("dispute without reason: expected 409, got %d", w.Code)
	}
	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/dispute", map[string]string{"reason": "no show"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/resolve", map[string]string{"outcome": "nobody"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad outcome: expected 400, got %d", w.Code)
	}
	w = doJSON(router, "POST", "/v1/payments/"+p.ID+"/resolve", map[string]string{"outcome": "employer"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := svc.Get(t.Context(), p.ID)
	if got.Status != StatusRefunded || got.ReleasedAt != nil {
		t.Errorf("Expected refunded without release, got %+v", got)
	}
}

func TestHandler_Errors(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing payment", "GET", "/v1/payments/pay_missing", nil, http.StatusNotFound, "not_found"},
		{"bad body", "POST", "/v1/payments", map[string]any{"jobId": "j"}, http.StatusBadRequest, "invalid_request"},
		{"amount too small", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w", "amount": 10, "paymentMethod": "card",
		}, http.StatusBadRequest, "invalid_amount"},
		{"zero amount", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w", "amount": 0, "paymentMethod": "mobile_money",
		}, http.StatusBadRequest, "invalid_amount"},
		{"missing amount", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w", "paymentMethod": "mobile_money",
		}, http.StatusBadRequest, "invalid_amount"},
		{"crypto unsupported", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w", "amount": 10000, "paymentMethod": "crypto",
		}, http.StatusBadRequest, "unsupported_method"},
		{"bad milestones", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w", "amount": 10000, "paymentMethod": "card",
			"milestones": []map[string]any{{"title": "a", "percentage": 10}},
		}, http.StatusBadRequest, "invalid_milestones"},
		{"bad role", "GET", "/v1/parties/p/payments?role=admin", nil, http.StatusBadRequest, "invalid_request"},
		{"capture without tx", "POST", "/v1/payments/pay_x/capture", map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"malformed worker id", "POST", "/v1/payments", map[string]any{
			"jobId": "j", "employerId": "e", "workerId": "w/../x", "amount": 10000, "paymentMethod": "card",
		}, http.StatusBadRequest, "validation_failed"},
		{"malformed path id", "GET", "/v1/payments/-pay", nil, http.StatusBadRequest, "invalid_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] != tt.code {
				t.Errorf("Expected error %q, got %v", tt.code, body["error"])
			}
		})
	}
}

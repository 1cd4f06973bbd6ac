package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobescrow/internal/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllowBurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("request after burst should be denied")
	}

	clock.advance(time.Second)
	if !l.Allow("k") {
		t.Fatal("one token should refill after a second at 60/min")
	}
	if l.Allow("k") {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Error("client-a should be limited")
	}
	if !l.Allow("client-b") {
		t.Error("client-b should not be limited")
	}
}

func TestLimiterEvictsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("old")
	clock.advance(2 * time.Minute)
	l.Allow("fresh")

	l.evictIdle()
	if l.Len() != 1 {
		t.Fatalf("expected 1 bucket after eviction, got %d", l.Len())
	}
	if !l.Allow("old") {
		t.Fatal("evicted key should start with a full bucket")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("expected 120 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("expected burst 20, got %d", cfg.BurstSize)
	}
}

func TestMiddlewareKeysByClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr, err := auth.NewManager(map[string]string{"acme": "sk_acme", "globex": "sk_globex"})
	if err != nil {
		t.Fatal(err)
	}
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	r := gin.New()
	r.Use(auth.Middleware(mgr), l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("sk_acme"); w.Code != http.StatusOK {
		t.Fatalf("first acme request: expected 200, got %d", w.Code)
	}
	w := do("sk_acme")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second acme request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}
	if w := do("sk_globex"); w.Code != http.StatusOK {
		t.Fatalf("globex shares no bucket with acme: expected 200, got %d", w.Code)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterBurstThenDeny(t *testing.T) {
	l := NewIPRateLimiter(1, 3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d inside burst denied", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request past burst allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other client throttled by first client's burst")
	}
}

func TestRateLimitMiddlewareSkip(t *testing.T) {
	m := RateLimitMiddleware{
		Limiter: NewIPRateLimiter(1, 1, time.Minute),
		Skip:    func(r *http.Request) bool { return r.URL.Path != "/public/v1/address-update" },
	}
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ndr/failures", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("admin path throttled: status %d", rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/public/v1/address-update", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first public request denied: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second public request not throttled: status %d", rec.Code)
	}
}

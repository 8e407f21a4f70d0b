package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIPResolverIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	resolver := newClientIPResolver(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	if got := resolver.clientIPFromRequest(req); got != "203.0.113.9" {
		t.Fatalf("clientIPFromRequest = %q, want the direct peer address", got)
	}
}

func TestClientIPResolverHonorsForwardedForFromTrustedProxy(t *testing.T) {
	resolver := newClientIPResolver([]string{"10.0.0.0/8"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")

	if got := resolver.clientIPFromRequest(req); got != "198.51.100.7" {
		t.Fatalf("clientIPFromRequest = %q, want forwarded client address", got)
	}
}

func TestRequestRateLimitMiddlewareExemptsHealthAndMetrics(t *testing.T) {
	resolver := newClientIPResolver(nil)
	limiter := newRequestRateLimiter()
	// Exhaust the bucket for this key.
	now := time.Now()
	for i := 0; i < int(protocolRateLimitBurst)+1; i++ {
		limiter.protocol.allow("203.0.113.9", now)
	}

	handler := requestRateLimitMiddleware(resolver, limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:1"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for exempt path", resp.Code)
	}
}

func TestRequestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	resolver := newClientIPResolver(nil)
	limiter := newRequestRateLimiter()

	handler := requestRateLimitMiddleware(resolver, limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < int(protocolRateLimitBurst)+5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/acme/demo/info/refs", nil)
		req.RemoteAddr = "203.0.113.5:1"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after exceeding burst", last.Code)
	}
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/models"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitByIP_EnforcesLimit(t *testing.T) {
	limiter := RateLimitByIP(RateLimitConfig{Requests: 3, Window: time.Minute})
	handler := limiter(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d failed with status %d, expected 200", i+1, recorder.Code)
		}
	}

	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.1:5000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, recorder.Code)
	}
}

func TestRateLimitByIP_SeparateBuckets(t *testing.T) {
	limiter := RateLimitByIP(RateLimitConfig{Requests: 1, Window: time.Minute})
	handler := limiter(okHandler())

	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = addr
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Errorf("first request from %s got status %d, expected 200", addr, recorder.Code)
		}
	}
}

func TestRateLimitBySession_KeyedByAccount(t *testing.T) {
	limiter := RateLimitBySession(RateLimitConfig{Requests: 2, Window: time.Minute})
	handler := limiter(okHandler())

	claims := &models.SessionClaims{AccountID: "acc-1", Username: "alice"}
	sessionRequest := func() *http.Request {
		req := httptest.NewRequest("GET", "/api/auth/profile", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		return req.WithContext(context.WithValue(req.Context(), auth.SessionContextKey, claims))
	}

	for i := 0; i < 2; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, sessionRequest())
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d failed with status %d, expected 200", i+1, recorder.Code)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, sessionRequest())
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, recorder.Code)
	}

	// A different account is a different bucket even from the same IP
	otherClaims := &models.SessionClaims{AccountID: "acc-2", Username: "bob"}
	req := httptest.NewRequest("GET", "/api/auth/profile", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	req = req.WithContext(context.WithValue(req.Context(), auth.SessionContextKey, otherClaims))
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("expected status 200 for a different account, got %d", recorder.Code)
	}
}

func TestSecurityHeaders_SetOnEveryResponse(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "development"})(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	expected := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := recorder.Header().Get(header); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
	if recorder.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should not be set outside production HTTPS")
	}
}

func TestSecurityHeaders_HSTSInProduction(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "production"})(okHandler())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS should be set for production HTTPS requests")
	}
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	config := DefaultCORSConfig([]string{"https://app.example.com"})
	handler := CORS(config)(okHandler())

	req := httptest.NewRequest("GET", "/api/auth/profile", nil)
	req.Header.Set("Origin", "https://app.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want configured origin", got)
	}
}

func TestCORS_UnknownOriginGetsNoHeaders(t *testing.T) {
	config := DefaultCORSConfig([]string{"https://app.example.com"})
	handler := CORS(config)(okHandler())

	req := httptest.NewRequest("GET", "/api/auth/profile", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unconfigured origin should not be acknowledged")
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	config := DefaultCORSConfig([]string{"https://app.example.com"})
	reached := false
	handler := CORS(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if reached {
		t.Error("preflight request should not reach the handler")
	}
	if recorder.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", recorder.Code)
	}
}

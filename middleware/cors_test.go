package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddlewareReflectsAllowedOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"https://app.example.com"})(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if got := rw.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin to be reflected, got %q", got)
	}
}

func TestCORSMiddlewareOmitsOriginWhenNotAllowed(t *testing.T) {
	h := CORSMiddleware([]string{"https://app.example.com"})(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if got := rw.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header for a disallowed origin, got %q", got)
	}
}

func TestCORSMiddlewareWildcardAllowsAnyOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"*"})(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if got := rw.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
		t.Fatalf("expected wildcard config to reflect any origin, got %q", got)
	}
}

func TestCORSMiddlewareShortCircuitsPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected a preflight OPTIONS request to return 204, got %d", rw.Code)
	}
	if called {
		t.Fatal("expected the preflight request to never reach the wrapped handler")
	}
}

func TestSecurityHeadersMiddlewareSetsExpectedHeaders(t *testing.T) {
	h := SecurityHeadersMiddleware(noopHandler())
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rw.Header().Get(header); got != want {
			t.Errorf("expected %s=%q, got %q", header, want, got)
		}
	}
}

func TestRequestIDMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	h := RequestIDMiddleware(noopHandler())
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	if rw.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request ID to be generated when none was supplied")
	}
}

func TestRequestIDMiddlewarePreservesExistingID(t *testing.T) {
	h := RequestIDMiddleware(noopHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if got := rw.Header().Get("X-Request-ID"); got != "client-supplied-id" {
		t.Fatalf("expected the client-supplied request ID to be preserved, got %q", got)
	}
}

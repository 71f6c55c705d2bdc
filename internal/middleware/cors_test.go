package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string, preflight bool) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/me", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"https://clinic.example"}, http.MethodGet, "https://clinic.example", false)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want handler status", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://clinic.example" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow credentials = %q", got)
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"*"}, http.MethodGet, "https://other.example", false)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://other.example" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("allow credentials = %q, want empty", got)
	}
}

func TestCORSUnknownOriginPassesThroughWithoutHeaders(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"https://clinic.example"}, http.MethodGet, "https://evil.example", false)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow origin = %q, want empty", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("vary = %q", got)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"https://clinic.example"}, http.MethodOptions, "https://clinic.example", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != corsHeaders {
		t.Fatalf("allow headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != corsMaxAge {
		t.Fatalf("max age = %q", got)
	}
}

func TestCORSNoOriginIsUntouched(t *testing.T) {
	t.Parallel()

	rec := serveCORS([]string{"*"}, http.MethodGet, "", false)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Vary"); got != "" {
		t.Fatalf("vary = %q, want empty", got)
	}
}

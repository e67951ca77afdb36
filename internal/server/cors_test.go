package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeOrigin(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "simple", input: "https://archive.example.com", expected: "https://archive.example.com"},
		{name: "uppercase host", input: "HTTPS://Archive.Example.COM", expected: "https://archive.example.com"},
		{name: "with port", input: "http://localhost:5173", expected: "http://localhost:5173"},
		{name: "whitespace", input: "  https://app.example.com  ", expected: "https://app.example.com"},
		{name: "empty", input: "", expected: ""},
		{name: "missing scheme", input: "archive.example.com", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeOrigin(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestCORSPolicyAllows(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !policy.allows("https://app.example.com", "") {
		t.Fatalf("expected configured origin to be allowed")
	}
	if policy.allows("https://evil.example.com", "") {
		t.Fatalf("expected unknown origin to be blocked")
	}
	if !policy.allows("https://archive.example.com", "https://archive.example.com") {
		t.Fatalf("expected same-origin request to be allowed")
	}
	if policy.allows("not a url", "") {
		t.Fatalf("expected malformed origin to be blocked")
	}
}

func TestNewCORSPolicyRejectsInvalidOrigin(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"no-scheme"}}); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}

func TestServerCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/archive/tus", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Upload-Length, Upload-Metadata")
	recorder := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Headers"); got != "Upload-Length, Upload-Metadata" {
		t.Fatalf("expected requested headers to be echoed, got %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", got)
	}
}

func TestServerCORSBlocksUnknownOrigin(t *testing.T) {
	srv := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/archive/media", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", recorder.Code)
	}
}

func TestServerCORSAllowsSameOrigin(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Host = "archive.example.com"
	req.Header.Set("Origin", "http://archive.example.com")
	recorder := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "http://archive.example.com" {
		t.Fatalf("expected allow-origin header for same origin, got %q", got)
	}
}

func TestServerCORSExposesUploadHeaders(t *testing.T) {
	srv := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	recorder := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(recorder, req)

	exposed := recorder.Header().Get("Access-Control-Expose-Headers")
	for _, header := range []string{"Location", "Upload-Offset", "Upload-Length", "Archive-Media-Id"} {
		if !containsHeader(exposed, header) {
			t.Errorf("expected %s to be exposed, got %q", header, exposed)
		}
	}
}

func containsHeader(list, header string) bool {
	for _, candidate := range strings.Split(list, ",") {
		if strings.TrimSpace(candidate) == header {
			return true
		}
	}
	return false
}

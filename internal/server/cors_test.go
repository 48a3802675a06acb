package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCORSHandler(t *testing.T, origins ...string) http.Handler {
	t.Helper()
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: origins})
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return corsMiddleware(policy, nil, next)
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	handler := newTestCORSHandler(t, "https://app.example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/summaries", nil)
	req.Header.Set("Origin", "https://app.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("returned %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	handler := newTestCORSHandler(t, "https://app.example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/summaries", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("returned %d, want 403", recorder.Code)
	}
}

func TestCORSPassesWithoutOrigin(t *testing.T) {
	handler := newTestCORSHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("same-origin request blocked: %d", recorder.Code)
	}
}

func TestCORSAllowsMatchingHostOrigin(t *testing.T) {
	handler := newTestCORSHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "service.example.com"
	req.Header.Set("Origin", "http://service.example.com")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("own-origin request blocked: %d", recorder.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestCORSHandler(t, "https://app.example.com")

	req := httptest.NewRequest(http.MethodOptions, "/api/uploads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("preflight returned %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("missing Access-Control-Allow-Methods")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://App.Example.com", "https://app.example.com", true},
		{" https://a.example.com ", "https://a.example.com", true},
		{"", "", true},
		{"no-scheme.example.com", "", false},
	}
	for _, tc := range cases {
		got, err := normalizeOrigin(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("normalizeOrigin(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("normalizeOrigin(%q) should fail", tc.in)
		}
	}
}

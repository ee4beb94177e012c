package signaling

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireTokenRejectsMissingOrUnknownToken(t *testing.T) {
	s := newTestServer(t, &fakeSender{}, StaticTokens{"good-token": {}}, nil)
	called := false
	h := s.requireToken(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/downing/info", nil)
	w := httptest.NewRecorder()
	h(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no gmv-token header, got %d", w.Code)
	}
	if called {
		t.Fatalf("handler must not run for an unauthorized request")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/downing/info", nil)
	req.Header.Set("gmv-token", "wrong-token")
	w = httptest.NewRecorder()
	h(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unrecognized token, got %d", w.Code)
	}
}

func TestRequireTokenAllowsValidToken(t *testing.T) {
	s := newTestServer(t, &fakeSender{}, StaticTokens{"good-token": {}}, nil)
	called := false
	h := s.requireToken(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/api/downing/info", nil)
	req.Header.Set("gmv-token", "good-token")
	w := httptest.NewRecorder()
	h(w, req)

	if !called {
		t.Fatalf("expected the wrapped handler to run for a valid token")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 default, got %d", w.Code)
	}
}

func TestRequireTokenEnforcesPerTokenRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeSender{}, StaticTokens{"good-token": {}}, nil)
	s.cfg.RequestsPerSecond = 1
	s.cfg.Burst = 1
	s.limiter = newLimiterSet(s.cfg.RequestsPerSecond, s.cfg.Burst)

	h := s.requireToken(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/downing/info", nil)
	req.Header.Set("gmv-token", "good-token")
	w1 := httptest.NewRecorder()
	h(w1, req)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	h(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second immediate request to be rate limited, got %d", w2.Code)
	}
}

package media

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gb28181/vms/internal/media/ingest"
	"github.com/gb28181/vms/internal/media/session"
)

func newTestServer() *Server {
	reg := session.New("node-a", nil)
	return New(Config{NodeName: "node-a"}, reg, ingest.NewEngine(reg), nil)
}

func TestHandleListenSSRCRejectsNonPost(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/listen/ssrc", nil)
	w := httptest.NewRecorder()
	s.handleListenSSRC(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleListenSSRCRejectsBadBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/listen/ssrc", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	s.handleListenSSRC(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestHandleListenSSRCRejectsNonNumericSSRC(t *testing.T) {
	s := newTestServer()
	body := `{"ssrc":"not-a-number","stream_id":"stream-1"}`
	req := httptest.NewRequest(http.MethodPost, "/listen/ssrc", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleListenSSRC(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric ssrc, got %d", w.Code)
	}
}

func TestHandleListenSSRCArmsWaitingStateOnce(t *testing.T) {
	s := newTestServer()
	body := `{"ssrc":"123456","stream_id":"stream-1"}`

	req := httptest.NewRequest(http.MethodPost, "/listen/ssrc", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleListenSSRC(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := s.registry.Lookup(123456); !ok {
		t.Fatalf("expected ssrc 123456 to be registered in Waiting state")
	}

	req = httptest.NewRequest(http.MethodPost, "/listen/ssrc", strings.NewReader(body))
	w = httptest.NewRecorder()
	s.handleListenSSRC(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 re-arming an already-registered ssrc, got %d", w.Code)
	}
}

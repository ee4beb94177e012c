package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gb28181/vms/internal/sip/registry"
	"github.com/gb28181/vms/internal/sip/transaction"
	"github.com/gb28181/vms/internal/sip/transport"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
	"github.com/gb28181/vms/internal/store"
)

// fakeSender records every raw message handed to it, standing in for
// *transport.Transport in tests that never touch the network.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(_ any, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeStore struct{ store.Store }

func newTestServer(t *testing.T, sender *fakeSender, tokens TokenValidator, nodes MediaNodes) *Server {
	t.Helper()
	sessions := registry.New(nil)
	streams := streamreg.New()
	txns := transaction.New(sender)
	return New(Config{
		Domain:      "34020000002000000001",
		Realm:       "3402000000",
		LocalURI:    "sip:server@34020000002000000001",
		LocalSentBy: "10.0.0.1:5060",
	}, sessions, streams, txns, sender, nodes, fakeStore{}, tokens)
}

func registerDevice(s *Server, deviceID string) {
	s.sessions.Insert(deviceID, 60, transport.Association{
		LocalAddr:  "10.0.0.1:5060",
		RemoteAddr: "10.0.0.2:5060",
		Protocol:   transport.UDP,
	})
}

func TestHandleControlPTZSendsMessageToRegisteredDevice(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)
	registerDevice(s, "34020000001110000001")

	body := `{"device_id":"34020000001110000001","left_right":1,"up_down":0,"in_out":0,"horizon_speed":128,"vertical_speed":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/control/ptz", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControlPTZ(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one MESSAGE sent, got %d", sender.count())
	}
}

func TestHandleControlPTZUnknownDeviceReturns404(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)

	body := `{"device_id":"not-registered"}`
	req := httptest.NewRequest(http.MethodPost, "/api/control/ptz", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControlPTZ(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandlePlaySeekRejectsNonPlaybackStream(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)
	sess, err := s.streams.CreateStream("34020000001110000001", "34020000001310000001", streamreg.Live, s.cfg.Domain, "node-a", "call-1", "from-1", "to-1")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	body := `{"streamId":"` + sess.StreamID + `","seekSecond":30}`
	req := httptest.NewRequest(http.MethodPost, "/api/play/seek", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handlePlaySeek(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a Live-mode stream, got %d", w.Code)
	}
}

func TestHandlePlaySeekAcceptsPlaybackStream(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)
	registerDevice(s, "34020000001110000001")
	sess, err := s.streams.CreateStream("34020000001110000001", "34020000001310000001", streamreg.Back, s.cfg.Domain, "node-a", "call-1", "from-1", "to-1")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	body := `{"streamId":"` + sess.StreamID + `","seekSecond":30}`
	req := httptest.NewRequest(http.MethodPost, "/api/play/seek", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handlePlaySeek(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly one INFO sent, got %d", sender.count())
	}
}

func TestHandleDowningInfoReportsViewerCount(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)
	sess, err := s.streams.CreateStream("34020000001110000001", "34020000001310000001", streamreg.Down, s.cfg.Domain, "node-a", "call-1", "from-1", "to-1")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	sess.AddViewerToken("tok-a")
	sess.AddViewerToken("tok-b")

	req := httptest.NewRequest(http.MethodGet, "/api/downing/info?stream_id="+sess.StreamID, nil)
	w := httptest.NewRecorder()
	s.handleDowningInfo(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"viewer_size":2`) {
		t.Fatalf("expected viewer_size 2 in body, got %s", w.Body.String())
	}
}

func TestHandleDownloadStopRemovesStream(t *testing.T) {
	sender := &fakeSender{}
	s := newTestServer(t, sender, StaticTokens{}, nil)
	registerDevice(s, "34020000001110000001")
	sess, err := s.streams.CreateStream("34020000001110000001", "34020000001310000001", streamreg.Down, s.cfg.Domain, "node-a", "call-1", "from-1", "to-1")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	body := `{"streamId":"` + sess.StreamID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/download/stop", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleDownloadStop(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, ok := s.streams.Lookup(sess.StreamID); ok {
		t.Fatalf("expected stream to be removed after download stop")
	}
}

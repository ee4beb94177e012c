package hooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gb28181/vms/internal/media/session"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(Config{PeerBaseURL: srv.URL, Timeout: time.Second, QueueSize: 8})
	return c, func() {
		c.Close()
		srv.Close()
	}
}

func TestStreamRegisterDeliversToPeerPath(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody StreamInfoPayload
	done := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	info := session.StreamInfo{SSRC: 42, StreamID: "abc", ServerName: "m1", RegisterTS: 1000}
	c.StreamRegister(info)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for hook delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/stream/in" {
		t.Fatalf("expected /stream/in, got %s", gotPath)
	}
	if gotBody.SSRC != 42 || gotBody.StreamID != "abc" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestStreamInTimeoutCarriesViewerCount(t *testing.T) {
	done := make(chan StreamInTimeoutPayload, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p StreamInTimeoutPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		w.WriteHeader(http.StatusOK)
		done <- p
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	c.StreamInTimeout(session.StreamInfo{SSRC: 7, StreamID: "s7"}, 3)

	select {
	case p := <-done:
		if p.ViewerCount != 3 || p.SSRC != 7 {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestOnPlayReturnsPeerDecision(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/on/play" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replyEnvelope{Code: 200, Data: true})
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	ok := c.OnPlay(OnPlayPayload{StreamID: "stream-1", Token: "tok"})
	if !ok {
		t.Fatalf("expected OnPlay to authorize the viewer")
	}
}

func TestOnPlayDeniesOnPeerFalse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replyEnvelope{Code: 200, Data: false})
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	if c.OnPlay(OnPlayPayload{StreamID: "stream-1"}) {
		t.Fatalf("expected OnPlay to deny the viewer")
	}
}

func TestOnPlayFailsClosedOnTimeout(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	start := time.Now()
	ok := c.OnPlay(OnPlayPayload{StreamID: "stream-1"})
	if ok {
		t.Fatalf("expected OnPlay to fail closed on timeout")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("expected OnPlay to return around the configured timeout, not the handler's sleep")
	}
}

func TestOnPlayFailsClosedOnTransportError(t *testing.T) {
	c := NewClient(Config{PeerBaseURL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond, QueueSize: 4})
	defer c.Close()

	if c.OnPlay(OnPlayPayload{StreamID: "stream-1"}) {
		t.Fatalf("expected OnPlay to deny when the peer is unreachable")
	}
}

func TestEventsForOneClientDeliverInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	received := make(chan struct{}, 3)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		received <- struct{}{}
	})
	c, cleanup := newTestClient(t, handler)
	defer cleanup()

	c.StreamRegister(session.StreamInfo{SSRC: 1, StreamID: "s1"})
	c.StreamIdle(session.StreamInfo{SSRC: 1, StreamID: "s1"})
	c.EndRecord(EndRecordPayload{StreamID: "s1"})

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/stream/in", "/stream/idle", "/end/record"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected delivery order %v, got %v", want, order)
		}
	}
}

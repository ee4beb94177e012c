package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

type hookCall struct {
	kind string
	info StreamInfo
}

type fakeHooks struct {
	mu    sync.Mutex
	calls []hookCall
}

func (f *fakeHooks) StreamRegister(info StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hookCall{kind: "register", info: info})
}

func (f *fakeHooks) StreamInTimeout(info StreamInfo, viewerCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hookCall{kind: "in_timeout", info: info})
}

func (f *fakeHooks) StreamIdle(info StreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hookCall{kind: "idle", info: info})
}

func (f *fakeHooks) has(kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.kind == kind {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func runRegistry(t *testing.T, r *Registry) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestInsertWaitingRegistersTrace(t *testing.T) {
	r := New("node-a", nil)
	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	tr, ok := r.Lookup(1001)
	if !ok || tr.StreamID != "stream-1" {
		t.Fatalf("expected trace registered for ssrc 1001")
	}
	if _, ok := r.LookupByStreamID("stream-1"); !ok {
		t.Fatalf("expected reverse index to resolve stream-1")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tracked stream, got %d", r.Len())
	}
}

func TestInsertWaitingDuplicateSSRCFails(t *testing.T) {
	r := New("node-a", nil)
	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	if err := r.InsertWaiting("stream-2", 1001, nil); err == nil {
		t.Fatalf("expected duplicate ssrc to be rejected")
	}
}

func TestOnPacketFirstArrivalFiresStreamRegister(t *testing.T) {
	hooks := &fakeHooks{}
	r := New("node-a", hooks)
	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}

	r.OnPacket(1001, Origin{RemoteAddr: "10.0.0.5:6000", Protocol: "UDP"})
	if !hooks.has("register") {
		t.Fatalf("expected StreamRegister hook fired on first packet")
	}

	tr, _ := r.Lookup(1001)
	if tr.RegisterTS() == 0 {
		t.Fatalf("expected register_ts set after first packet")
	}

	// A second packet must not re-fire StreamRegister.
	hooks.mu.Lock()
	hooks.calls = nil
	hooks.mu.Unlock()
	r.OnPacket(1001, Origin{RemoteAddr: "10.0.0.5:6000", Protocol: "UDP"})
	if hooks.has("register") {
		t.Fatalf("expected no second StreamRegister hook")
	}
}

func TestOnPacketUnknownSSRCIsNoOp(t *testing.T) {
	r := New("node-a", nil)
	r.OnPacket(9999, Origin{RemoteAddr: "10.0.0.5:6000", Protocol: "UDP"})
	if r.Len() != 0 {
		t.Fatalf("expected no trace created for unknown ssrc")
	}
}

func TestTrafficPresenceSweepEvictsAfterTwoSilentTicks(t *testing.T) {
	hooks := &fakeHooks{}
	r := New("node-a", hooks)
	r.defaultInTTL = 20 * time.Millisecond

	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	stop := runRegistry(t, r)
	defer stop()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := r.Lookup(1001)
		return !ok
	})
	if !hooks.has("in_timeout") {
		t.Fatalf("expected StreamInTimeout hook fired")
	}
}

func TestOnPacketKeepsStreamAliveAcrossSweeps(t *testing.T) {
	r := New("node-a", nil)
	r.defaultInTTL = 20 * time.Millisecond

	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	stop := runRegistry(t, r)
	defer stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.OnPacket(1001, Origin{RemoteAddr: "10.0.0.5:6000", Protocol: "UDP"})
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := r.Lookup(1001); !ok {
		t.Fatalf("expected stream to survive repeated traffic")
	}
}

func TestUpdateViewerJoinAndLeave(t *testing.T) {
	r := New("node-a", nil)
	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}

	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, true); err != nil {
		t.Fatalf("update viewer join: %v", err)
	}
	tr, _ := r.Lookup(1001)
	if tr.ViewerCount() != 1 {
		t.Fatalf("expected 1 viewer, got %d", tr.ViewerCount())
	}

	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, false); err != nil {
		t.Fatalf("update viewer leave: %v", err)
	}
	if tr.ViewerCount() != 0 {
		t.Fatalf("expected 0 viewers after leave, got %d", tr.ViewerCount())
	}
}

func TestUpdateViewerUnknownStreamReturnsError(t *testing.T) {
	r := New("node-a", nil)
	if err := r.UpdateViewer("ghost", "tok1", "10.0.0.9:1234", OutputFLV, true); err == nil {
		t.Fatalf("expected error for unknown stream_id")
	}
}

func TestIdleEvictionFiresAfterLastViewerLeaves(t *testing.T) {
	hooks := &fakeHooks{}
	r := New("node-a", hooks)
	grace := 20 * time.Millisecond
	if err := r.InsertWaiting("stream-1", 1001, &grace); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	stop := runRegistry(t, r)
	defer stop()

	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, true); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, false); err != nil {
		t.Fatalf("leave: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return hooks.has("idle") })
}

func TestIdleEvictionSkippedIfViewerRejoinedBeforeFiring(t *testing.T) {
	hooks := &fakeHooks{}
	r := New("node-a", hooks)
	grace := 100 * time.Millisecond
	if err := r.InsertWaiting("stream-1", 1001, &grace); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	stop := runRegistry(t, r)
	defer stop()

	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, true); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, false); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// Rejoin well before the grace period elapses.
	time.Sleep(20 * time.Millisecond)
	if err := r.UpdateViewer("stream-1", "tok2", "10.0.0.9:5555", OutputFLV, true); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	time.Sleep(grace + 150*time.Millisecond)
	if hooks.has("idle") {
		t.Fatalf("expected idle eviction to be skipped once a viewer rejoined")
	}
}

// TestIdleEvictionCancelledAtomicallyByConcurrentJoin covers the
// out_ttl=Some(0) race directly: a rejoin that lands after the sweeper
// has already popped the idle-eviction entry (so Remove on it is a
// no-op) but before the fire handler actually runs must still cancel
// the eviction, via the epoch check rather than the wheel's own Remove.
func TestIdleEvictionCancelledAtomicallyByConcurrentJoin(t *testing.T) {
	hooks := &fakeHooks{}
	r := New("node-a", hooks)
	grace := time.Hour // long enough the background sweeper can't fire on its own
	if err := r.InsertWaiting("stream-1", 1001, &grace); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}

	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, true); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.UpdateViewer("stream-1", "tok1", "10.0.0.9:1234", OutputFLV, false); err != nil {
		t.Fatalf("leave: %v", err)
	}

	tr, ok := r.Lookup(1001)
	if !ok {
		t.Fatalf("expected trace still present")
	}

	// Rejoin lands in the window between the wheel popping the entry
	// and the handler running for it.
	if err := r.UpdateViewer("stream-1", "tok2", "10.0.0.9:5555", OutputFLV, true); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	// Invoke the fire handler directly, as the sweeper would for the
	// entry it already popped before the rejoin landed.
	r.handleIdleEvict(1001, tr)

	if hooks.has("idle") {
		t.Fatalf("expected idle eviction to be cancelled by the racing rejoin")
	}
	if tr.ViewerCount() != 1 {
		t.Fatalf("expected the rejoined viewer to still be tracked, got %d", tr.ViewerCount())
	}
}

func TestDefaultMediaKindMapping(t *testing.T) {
	if k, ok := DefaultMediaKind(96); !ok || k != MediaPS {
		t.Fatalf("expected pt=96 to default to MediaPS")
	}
	if k, ok := DefaultMediaKind(98); !ok || k != MediaH264 {
		t.Fatalf("expected pt=98 to default to MediaH264")
	}
	if _, ok := DefaultMediaKind(99); ok {
		t.Fatalf("expected pt=99 to have no default")
	}
}

func TestTraceSetAndGetMediaMap(t *testing.T) {
	r := New("node-a", nil)
	if err := r.InsertWaiting("stream-1", 1001, nil); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	tr, _ := r.Lookup(1001)
	tr.SetMediaMap(map[uint8]MediaKind{96: MediaPS})
	if k, ok := tr.MediaType(96); !ok || k != MediaPS {
		t.Fatalf("expected media map to round-trip")
	}
}

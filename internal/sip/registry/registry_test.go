package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gb28181/vms/internal/sip/transport"
)

func udpAssoc(remote string) transport.Association {
	return transport.Association{LocalAddr: "127.0.0.1:5060", RemoteAddr: remote, Protocol: transport.UDP}
}

func TestInsertAndLookup(t *testing.T) {
	r := New(nil)
	assoc := udpAssoc("10.0.0.1:5060")
	r.Insert("device1", 60, assoc)

	if !r.Has("device1") {
		t.Fatalf("expected device1 present")
	}
	sess, ok := r.Lookup("device1")
	if !ok || sess.Association != assoc {
		t.Fatalf("expected lookup to return inserted association")
	}
	deviceID, ok := r.LookupByAssociation(assoc)
	if !ok || deviceID != "device1" {
		t.Fatalf("expected reverse lookup to find device1, got %q ok=%v", deviceID, ok)
	}
}

func TestInsertOverwritesPriorAssociation(t *testing.T) {
	r := New(nil)
	first := udpAssoc("10.0.0.1:5060")
	second := udpAssoc("10.0.0.1:6060")

	r.Insert("device1", 60, first)
	r.Insert("device1", 60, second)

	if _, ok := r.LookupByAssociation(first); ok {
		t.Fatalf("expected stale association removed from reverse index")
	}
	deviceID, ok := r.LookupByAssociation(second)
	if !ok || deviceID != "device1" {
		t.Fatalf("expected reverse index to point at new association")
	}
}

func TestRefreshRotatesUDPAssociation(t *testing.T) {
	r := New(nil)
	first := udpAssoc("10.0.0.1:5060")
	second := udpAssoc("10.0.0.1:7070")
	r.Insert("device1", 60, first)

	if !r.Refresh("device1", 60, second) {
		t.Fatalf("expected refresh to succeed")
	}
	if _, ok := r.LookupByAssociation(first); ok {
		t.Fatalf("expected old association removed after rotation")
	}
	deviceID, ok := r.LookupByAssociation(second)
	if !ok || deviceID != "device1" {
		t.Fatalf("expected reverse index rotated to new association")
	}
}

func TestRefreshIgnoresObservedTupleForTCP(t *testing.T) {
	r := New(nil)
	stable := transport.Association{LocalAddr: "a", RemoteAddr: "10.0.0.2:5060", Protocol: transport.TCP}
	r.Insert("device2", 60, stable)

	// A differently-shaped TCP association must not rotate the index: TCP
	// connection identity is pinned at accept time.
	other := transport.Association{LocalAddr: "a", RemoteAddr: "10.0.0.2:9999", Protocol: transport.TCP}
	if !r.Refresh("device2", 60, other) {
		t.Fatalf("expected refresh to succeed")
	}
	deviceID, ok := r.LookupByAssociation(stable)
	if !ok || deviceID != "device2" {
		t.Fatalf("expected TCP association left unrotated")
	}
	if _, ok := r.LookupByAssociation(other); ok {
		t.Fatalf("expected observed TCP tuple not inserted into reverse index")
	}
}

func TestRefreshUnknownDeviceReturnsFalse(t *testing.T) {
	r := New(nil)
	if r.Refresh("ghost", 60, udpAssoc("10.0.0.1:5060")) {
		t.Fatalf("expected refresh of unknown device to fail")
	}
}

func TestTeardownRemovesSessionAndIndex(t *testing.T) {
	r := New(nil)
	assoc := udpAssoc("10.0.0.1:5060")
	r.Insert("device1", 60, assoc)

	got, ok := r.Teardown("device1")
	if !ok || got != assoc {
		t.Fatalf("expected teardown to return the session's association")
	}
	if r.Has("device1") {
		t.Fatalf("expected device1 removed")
	}
	if _, ok := r.LookupByAssociation(assoc); ok {
		t.Fatalf("expected reverse index entry removed")
	}
}

func TestExpirationInvokesEvictionHandler(t *testing.T) {
	var mu sync.Mutex
	var evicted *Session
	r := New(func(s *Session) {
		mu.Lock()
		evicted = s
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	assoc := udpAssoc("10.0.0.1:5060")
	// heartbeatSec=0 yields an immediate (already-elapsed) deadline.
	r.Insert("device1", 0, assoc)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got := evicted
		mu.Unlock()
		if got != nil {
			if got.DeviceID != "device1" {
				t.Fatalf("expected eviction for device1, got %q", got.DeviceID)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for eviction")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if _, ok := r.LookupByAssociation(assoc); ok {
		t.Fatalf("expected reverse index cleared on eviction")
	}
}

func TestInvariantNoTwoDevicesShareActiveAssociation(t *testing.T) {
	r := New(nil)
	assoc := udpAssoc("10.0.0.1:5060")
	r.Insert("device1", 60, assoc)
	r.Insert("device2", 60, assoc)

	deviceID, ok := r.LookupByAssociation(assoc)
	if !ok || deviceID != "device2" {
		t.Fatalf("expected the association to now belong to device2 only, got %q", deviceID)
	}
}

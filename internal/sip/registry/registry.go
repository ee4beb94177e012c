// Package registry implements the SIP session registry from spec §4.2:
// device_id ↔ (association, heartbeat-deadline), with a reverse index from
// association back to device_id. Built on internal/expiry the same way the
// anti-replay cache and transaction table are, following the teacher's
// RWMutex-guarded-map registry shape (server/registry.go's CreateStream)
// generalized to a TTL-backed map plus a second index.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gb28181/vms/internal/expiry"
	"github.com/gb28181/vms/internal/sip/transport"
)

// Session is one registered device: its identity, current network
// association, and heartbeat interval (needed to recompute TTL on refresh).
type Session struct {
	DeviceID     string
	Association  transport.Association
	HeartbeatSec int
}

// EvictionHandler is invoked once per expired session, after it has already
// been removed from both the deadline wheel and the reverse index. Callers
// use it to persist device->offline and, for TCP, to reap the connection.
type EvictionHandler func(session *Session)

// Registry is the SIP session registry. Every mutation that touches the
// reverse index also holds mu; the deadline wheel has its own internal lock
// and is safe to call without mu held.
type Registry struct {
	wheel *expiry.Wheel[string, *Session]

	mu      sync.RWMutex
	byAssoc map[transport.Association]string

	onEvict EvictionHandler
}

// New constructs an empty registry. onEvict may be nil.
func New(onEvict EvictionHandler) *Registry {
	r := &Registry{
		byAssoc: make(map[transport.Association]string),
		onEvict: onEvict,
	}
	r.wheel = expiry.New[string, *Session](r.handleExpire)
	return r
}

// Run drives the expiration sweeper until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	r.wheel.Run(ctx)
}

// heartbeatTTL is 3x the device's advertised heartbeat interval, per spec
// §4.2's "schedules deadline at now + 3*heartbeat_sec".
func heartbeatTTL(heartbeatSec int) time.Duration {
	return 3 * time.Duration(heartbeatSec) * time.Second
}

// Insert registers device_id against association, overwriting any prior
// association for the same device and rescheduling its deadline.
func (r *Registry) Insert(deviceID string, heartbeatSec int, assoc transport.Association) {
	r.mu.Lock()
	if old, ok := r.wheel.Get(deviceID); ok {
		delete(r.byAssoc, old.Association)
	}
	r.byAssoc[assoc] = deviceID
	r.mu.Unlock()

	r.wheel.Insert(deviceID, heartbeatTTL(heartbeatSec), &Session{
		DeviceID:     deviceID,
		Association:  assoc,
		HeartbeatSec: heartbeatSec,
	})
}

// Refresh extends deviceID's deadline. For UDP associations, if observed
// differs from the stored one, the reverse index is rotated to the new
// tuple (per spec §4.2: UDP peers may change port across heartbeats). TCP
// associations are never rotated — connection identity is stable. Returns
// false if deviceID is not currently registered.
func (r *Registry) Refresh(deviceID string, heartbeatSec int, observed transport.Association) bool {
	sess, ok := r.wheel.Get(deviceID)
	if !ok {
		return false
	}

	if observed.Protocol == transport.UDP && observed != sess.Association {
		r.mu.Lock()
		delete(r.byAssoc, sess.Association)
		sess.Association = observed
		r.byAssoc[observed] = deviceID
		r.mu.Unlock()
	}
	sess.HeartbeatSec = heartbeatSec

	return r.wheel.Refresh(deviceID, heartbeatTTL(heartbeatSec))
}

// Has reports whether deviceID currently holds a live session.
func (r *Registry) Has(deviceID string) bool {
	return r.wheel.Has(deviceID)
}

// Lookup returns the session for deviceID, if any.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	return r.wheel.Get(deviceID)
}

// LookupByAssociation reverses an association back to its device_id.
func (r *Registry) LookupByAssociation(assoc transport.Association) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.byAssoc[assoc]
	return deviceID, ok
}

// Teardown removes deviceID immediately (e.g. REGISTER with expires=0) and
// reports the association the caller should reap if it was TCP.
func (r *Registry) Teardown(deviceID string) (transport.Association, bool) {
	sess, ok := r.wheel.Get(deviceID)
	if !ok {
		return transport.Association{}, false
	}
	r.wheel.Remove(deviceID)
	r.mu.Lock()
	delete(r.byAssoc, sess.Association)
	r.mu.Unlock()
	return sess.Association, true
}

// Len reports the number of live sessions (for metrics/testing).
func (r *Registry) Len() int { return r.wheel.Len() }

// handleExpire is the expiry.Handler invoked when a session's heartbeat
// deadline elapses without a REGISTER refresh.
func (r *Registry) handleExpire(deviceID string, sess *Session) {
	r.mu.Lock()
	delete(r.byAssoc, sess.Association)
	r.mu.Unlock()

	if r.onEvict != nil {
		r.onEvict(sess)
	}
}

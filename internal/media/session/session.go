// Package session implements the M-side media session registry from spec
// §4.6: a two-phase lifecycle per ssrc (Waiting for the first RTP packet,
// then Active with a traffic-presence sweep; viewer count reaching zero
// starts a separate idle-eviction countdown). Grounded on
// original_source/stream/src/state/cache.rs's StreamTrace/InnerTrace maps
// and their purge_expired_state sweep (the in_on toggle-then-delete
// two-tick pattern), restructured from one BTreeSet of (deadline, ssrc,
// direction) tuples into two internal/expiry.Wheel instances — one per
// direction — following this module's "five registries share the wheel
// primitive" design. Map shape follows the teacher's server/registry.go
// RWMutex-guarded double-index. The StreamOut/idle branch diverges from
// the original's plain re-check-at-fire-time logic: because
// internal/expiry.Wheel releases its own lock before invoking the fire
// handler, a bare viewer-count re-check still leaves a window where a
// join lands after the wheel has already popped the entry but before the
// handler runs. UpdateViewer closes that window with a per-Trace epoch
// counter instead (see Trace.idleEpoch).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/expiry"
	"github.com/gb28181/vms/internal/logging"
)

// DefaultInTTL is the traffic-presence sweep period (spec §4.6: "~4s").
const DefaultInTTL = 4 * time.Second

// OutputKind is the container format a viewer is consuming.
type OutputKind int

const (
	OutputFLV OutputKind = iota
	OutputMP4
	OutputHLS
)

func (k OutputKind) String() string {
	switch k {
	case OutputFLV:
		return "flv"
	case OutputMP4:
		return "mp4"
	case OutputHLS:
		return "hls"
	default:
		return "unknown"
	}
}

// MediaKind is the payload codec/container carried by one RTP payload type.
type MediaKind int

const (
	MediaPS MediaKind = iota
	MediaH264
)

// DefaultMediaKind returns the SDP-implied default for pt (spec §4.7:
// pt=96 MPEG-PS, pt=98 H.264), before any follow-up SetMediaMap call.
func DefaultMediaKind(pt uint8) (MediaKind, bool) {
	switch pt {
	case 96:
		return MediaPS, true
	case 98:
		return MediaH264, true
	default:
		return 0, false
	}
}

// Origin is the network tuple the stream's first RTP packet arrived from.
type Origin struct {
	RemoteAddr string
	Protocol   string // "UDP" | "TCP"
}

// Viewer is one REST client currently holding a stream open.
type Viewer struct {
	Token      string
	JoinTime   time.Time
	OutputKind OutputKind
}

// Trace is one ssrc's session state: dialog-independent traffic presence
// plus the viewer set that would be InnerStream in spec §3. Identity
// fields are set once at InsertWaiting and read without locking; the rest
// is guarded by mu.
type Trace struct {
	SSRC     uint32
	StreamID string

	mu         sync.Mutex
	inOn       bool
	inTTL      time.Duration
	outTTL     *time.Duration // nil = never idle-evict
	origin     *Origin
	registerTS uint32 // unix seconds, 0 until first packet
	mediaMap   map[uint8]MediaKind
	viewers    map[string]Viewer // keyed by remote addr

	// idleEpoch is bumped every time a viewer joins, invalidating any
	// idle-eviction entry armed before that join. idleArmedEpoch is the
	// idleEpoch snapshotted at the moment the current idleWheel entry (if
	// any) was armed; handleIdleEvict fires only if the two still match,
	// which is what actually cancels a pending eviction on join — the
	// wheel's own Remove can't be relied on alone, since it's a no-op
	// once the sweeper has already popped the entry.
	idleEpoch      uint64
	idleArmedEpoch uint64
}

// ViewerCount reports the number of distinct viewers currently holding
// this stream.
func (t *Trace) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.viewers)
}

// RegisterTS reports the unix-second timestamp of the first RTP packet,
// or 0 if none has arrived yet.
func (t *Trace) RegisterTS() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerTS
}

// SetMediaMap installs the payload-type -> media-kind mapping once SDP
// negotiation (or a follow-up API call) has resolved it.
func (t *Trace) SetMediaMap(m map[uint8]MediaKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mediaMap = m
}

// MediaType looks up the media kind for payload type pt.
func (t *Trace) MediaType(pt uint8) (MediaKind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, ok := t.mediaMap[pt]
	return k, ok
}

// StreamInfo is the payload handed to Hooks, mirroring the original's
// BaseStreamInfo/RtpInfo shape.
type StreamInfo struct {
	SSRC       uint32
	StreamID   string
	ServerName string
	Origin     Origin
	RegisterTS uint32
}

// Hooks is the fire-and-forget event port this registry calls out through
// (spec §4.8); its concrete implementation lives in internal/hooks.
type Hooks interface {
	StreamRegister(info StreamInfo)
	StreamInTimeout(info StreamInfo, viewerCount int)
	StreamIdle(info StreamInfo)
}

// Registry is the M-side media session registry: ssrc -> Trace, plus a
// stream_id reverse index, plus two expiration wheels (traffic-presence
// and idle-eviction).
type Registry struct {
	serverName string
	hooks      Hooks
	log        zerolog.Logger

	mu         sync.RWMutex
	traces     map[uint32]*Trace
	byStreamID map[string]uint32

	// defaultInTTL is DefaultInTTL in production; tests shrink it to keep
	// the traffic-presence sweep fast.
	defaultInTTL time.Duration

	inWheel   *expiry.Wheel[uint32, *Trace]
	idleWheel *expiry.Wheel[uint32, *Trace]
}

// New constructs an empty registry. hooks may be nil in tests.
func New(serverName string, hooks Hooks) *Registry {
	r := &Registry{
		serverName:   serverName,
		hooks:        hooks,
		log:          logging.WithComponent(logging.Logger(), "media.session"),
		traces:       make(map[uint32]*Trace),
		byStreamID:   make(map[string]uint32),
		defaultInTTL: DefaultInTTL,
	}
	r.inWheel = expiry.New[uint32, *Trace](r.handleInTimeout)
	r.idleWheel = expiry.New[uint32, *Trace](r.handleIdleEvict)
	return r
}

// Run drives both expiration sweepers until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.inWheel.Run(ctx) }()
	go func() { defer wg.Done(); r.idleWheel.Run(ctx) }()
	wg.Wait()
}

// InsertWaiting registers a new ssrc in the Waiting state, per spec §4.6
// item 1: in_deadline = now + DefaultInTTL. outTTL is the idle-eviction
// grace period once viewers reach zero (nil = never evict, &0 = evict
// immediately).
func (r *Registry) InsertWaiting(streamID string, ssrc uint32, outTTL *time.Duration) error {
	r.mu.Lock()
	if _, exists := r.traces[ssrc]; exists {
		r.mu.Unlock()
		return fmt.Errorf("media session: ssrc %d already registered", ssrc)
	}
	t := &Trace{
		SSRC:     ssrc,
		StreamID: streamID,
		inOn:     true,
		inTTL:    r.defaultInTTL,
		outTTL:   outTTL,
		mediaMap: make(map[uint8]MediaKind),
		viewers:  make(map[string]Viewer),
	}
	r.traces[ssrc] = t
	r.byStreamID[streamID] = ssrc
	r.mu.Unlock()

	r.inWheel.Insert(ssrc, t.inTTL, t)
	return nil
}

// OnPacket records an RTP packet's arrival for ssrc, flagging the stream
// as active for the current sweep tick. The first packet transitions
// Waiting -> Active, records origin and register_ts, and fires the
// StreamRegister hook.
func (r *Registry) OnPacket(ssrc uint32, origin Origin) {
	r.mu.RLock()
	t, ok := r.traces[ssrc]
	r.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.inOn = true
	firstPacket := t.registerTS == 0
	if firstPacket {
		t.registerTS = uint32(time.Now().Unix())
		o := origin
		t.origin = &o
	}
	t.mu.Unlock()

	if firstPacket && r.hooks != nil {
		r.hooks.StreamRegister(r.infoFor(t))
	}
}

// handleInTimeout is the traffic-presence sweep's eviction handler (spec
// §4.6 item 2): first tick with no traffic clears in_on and re-arms;
// second consecutive tick with no traffic deletes the stream and fires
// StreamInTimeout.
func (r *Registry) handleInTimeout(ssrc uint32, t *Trace) {
	t.mu.Lock()
	wasOn := t.inOn
	if wasOn {
		t.inOn = false
	}
	t.mu.Unlock()

	if wasOn {
		r.inWheel.Insert(ssrc, t.inTTL, t)
		return
	}

	r.mu.Lock()
	delete(r.traces, ssrc)
	delete(r.byStreamID, t.StreamID)
	r.mu.Unlock()
	r.idleWheel.Remove(ssrc)

	viewerCount := t.ViewerCount()
	if r.hooks != nil {
		r.hooks.StreamInTimeout(r.infoFor(t), viewerCount)
	}
}

// handleIdleEvict is the idle-eviction wheel's handler (spec §4.6 item
// 3 / §6 item 3): fires only if no viewer has joined since this entry
// was armed. idleArmedEpoch vs idleEpoch is the atomic cancel-on-join
// check — it's taken under t.mu here and compared against the same
// counter UpdateViewer bumps under t.mu on join, so the decision can't
// straddle a join the way a plain viewer-count re-check can.
func (r *Registry) handleIdleEvict(_ uint32, t *Trace) {
	t.mu.Lock()
	canceled := t.idleArmedEpoch != t.idleEpoch
	empty := len(t.viewers) == 0
	t.mu.Unlock()

	if canceled || !empty {
		return
	}
	if r.hooks != nil {
		r.hooks.StreamIdle(r.infoFor(t))
	}
}

// UpdateViewer adds or removes one viewer token against streamID's
// stream. Joining bumps idleEpoch, atomically canceling any pending
// idle-eviction entry for this stream (spec §6 item 3: closes the
// out_ttl=Some(0) join/evict race). Leaving an empty viewer set arms a
// fresh idle-eviction entry, snapshotting idleEpoch so handleIdleEvict
// can tell whether a join raced it, if outTTL was configured (spec
// §4.6's update_viewer contract).
func (r *Registry) UpdateViewer(streamID, token, remoteAddr string, outputKind OutputKind, joining bool) error {
	r.mu.RLock()
	ssrc, ok := r.byStreamID[streamID]
	var t *Trace
	if ok {
		t = r.traces[ssrc]
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("media session: unknown stream_id %s", streamID)
	}

	if joining {
		t.mu.Lock()
		t.viewers[remoteAddr] = Viewer{Token: token, JoinTime: time.Now(), OutputKind: outputKind}
		t.idleEpoch++
		t.mu.Unlock()
		// Best-effort: drops the entry immediately in the common case
		// where the sweeper hasn't popped it yet. The epoch check in
		// handleIdleEvict is what makes cancellation correct even when
		// this loses the race against an in-flight fire.
		r.idleWheel.Remove(ssrc)
		return nil
	}

	t.mu.Lock()
	delete(t.viewers, remoteAddr)
	empty := len(t.viewers) == 0
	outTTL := t.outTTL
	var armedEpoch uint64
	if empty && outTTL != nil {
		armedEpoch = t.idleEpoch
		t.idleArmedEpoch = armedEpoch
	}
	t.mu.Unlock()

	if empty && outTTL != nil {
		r.idleWheel.Insert(ssrc, *outTTL, t)
	}
	return nil
}

// Lookup returns the trace for ssrc, if present.
func (r *Registry) Lookup(ssrc uint32) (*Trace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traces[ssrc]
	return t, ok
}

// LookupByStreamID resolves a stream_id back to its trace.
func (r *Registry) LookupByStreamID(streamID string) (*Trace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ssrc, ok := r.byStreamID[streamID]
	if !ok {
		return nil, false
	}
	return r.traces[ssrc], true
}

// Len reports the number of tracked streams (for metrics/testing).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traces)
}

// infoFor snapshots t into a StreamInfo for a Hooks call.
func (r *Registry) infoFor(t *Trace) StreamInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := StreamInfo{
		SSRC:       t.SSRC,
		StreamID:   t.StreamID,
		ServerName: r.serverName,
		RegisterTS: t.registerTS,
	}
	if t.origin != nil {
		info.Origin = *t.origin
	}
	return info
}

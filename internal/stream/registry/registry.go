// Package registry implements the S-side stream session registry from
// spec §3: StreamSession (stream_id -> node/dialog/viewer state),
// DeviceStreamIndex (device_id -> its active (channel, mode) streams), and
// the per-domain SsrcPool, plus least-loaded media-node selection ported
// from the original's stream_map_order_node. Grounded on
// original_source/session/src/state/cache.rs's stream_map_*/device_map_*
// functions and the teacher's RWMutex-guarded Registry shape.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gb28181/vms/internal/idcodec"
)

// AccessMode is the kind of playback a stream was opened for.
type AccessMode int

const (
	Live AccessMode = iota
	Back
	Down
)

func (m AccessMode) String() string {
	switch m {
	case Live:
		return "live"
	case Back:
		return "back"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// StreamSession is one active stream_id's dialog and viewer state.
type StreamSession struct {
	StreamID   string
	DeviceID   string
	ChannelID  string
	SSRC       string
	NodeName   string
	AccessMode AccessMode

	// Dialog identity, fixed at INVITE time.
	CallID  string
	FromTag string
	ToTag   string

	mu      sync.Mutex
	seq     uint32
	viewers map[string]struct{}
}

// NextDialog increments the SIP CSeq for a follow-up request against this
// stream's dialog (e.g. BYE, PLAY seek) and returns the dialog identity to
// build it with, mirroring stream_map_build_call_id_seq_from_to_tag.
func (s *StreamSession) NextDialog() (callID string, seq uint32, fromTag, toTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.CallID, s.seq, s.FromTag, s.ToTag
}

// AddViewerToken records a REST client's gmv-token as holding this stream.
func (s *StreamSession) AddViewerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers[token] = struct{}{}
}

// RemoveViewerToken drops a single token's claim on the stream.
func (s *StreamSession) RemoveViewerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers, token)
}

// HasViewerToken reports whether token currently holds this stream.
func (s *StreamSession) HasViewerToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.viewers[token]
	return ok
}

// ViewerCount reports the number of distinct tokens holding this stream.
func (s *StreamSession) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

type deviceEntry struct {
	ChannelID  string
	AccessMode AccessMode
	StreamID   string
	SSRC       string
}

// Registry is the S-side stream registry: stream_id -> StreamSession, plus
// a device_id -> []deviceEntry reverse index for "does this device already
// have a stream of this mode" lookups, plus the domain's SsrcPool.
type Registry struct {
	mu       sync.RWMutex
	streams  map[string]*StreamSession
	devices  map[string][]deviceEntry
	byCallID map[string]string // call_id -> stream_id, for BYE/dialog lookup

	ssrc *idcodec.SSRCPool
}

// New constructs an empty registry with a fresh 9999-slot ssrc pool.
func New() *Registry {
	return &Registry{
		streams:  make(map[string]*StreamSession),
		devices:  make(map[string][]deviceEntry),
		byCallID: make(map[string]string),
		ssrc:     idcodec.NewSSRCPool(),
	}
}

// LookupByCallID resolves a SIP dialog's Call-ID back to its stream
// session, used when a BYE or CANCEL arrives identifying the dialog rather
// than the stream_id directly.
func (r *Registry) LookupByCallID(callID string) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streamID, ok := r.byCallID[callID]
	if !ok {
		return nil, false
	}
	s, ok := r.streams[streamID]
	return s, ok
}

// FindStream returns the existing stream for (deviceID, channelID, mode),
// if one is already registered, per spec's "does this device already have
// a stream of this mode" query.
func (r *Registry) FindStream(deviceID, channelID string, mode AccessMode) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.devices[deviceID] {
		if e.ChannelID == channelID && e.AccessMode == mode {
			return r.streams[e.StreamID], true
		}
	}
	return nil, false
}

// CreateStream acquires an ssrc from the domain pool, encodes the stream_id
// from (deviceID, channelID, ssrc), and registers the session under both
// indices. live selects the SSRC's history/live flag per spec §6 (R digit).
func (r *Registry) CreateStream(deviceID, channelID string, mode AccessMode, domainID, nodeName, callID, fromTag, toTag string) (*StreamSession, error) {
	live := mode == Live
	ssrc, err := r.ssrc.AcquireSSRC(domainID, live)
	if err != nil {
		return nil, fmt.Errorf("stream registry: %w", err)
	}

	streamID, err := idcodec.EncodeStreamID(deviceID, channelID, ssrc)
	if err != nil {
		_ = r.ssrc.ReleaseSSRC(ssrc)
		return nil, fmt.Errorf("stream registry: encode stream id: %w", err)
	}

	sess := &StreamSession{
		StreamID:   streamID,
		DeviceID:   deviceID,
		ChannelID:  channelID,
		SSRC:       ssrc,
		NodeName:   nodeName,
		AccessMode: mode,
		CallID:     callID,
		FromTag:    fromTag,
		ToTag:      toTag,
		viewers:    make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[streamID]; exists {
		_ = r.ssrc.ReleaseSSRC(ssrc)
		return nil, fmt.Errorf("stream registry: stream_id collision for %s", streamID)
	}
	r.streams[streamID] = sess
	r.devices[deviceID] = append(r.devices[deviceID], deviceEntry{
		ChannelID:  channelID,
		AccessMode: mode,
		StreamID:   streamID,
		SSRC:       ssrc,
	})
	r.byCallID[callID] = streamID
	return sess, nil
}

// Lookup returns the session for streamID, if present.
func (r *Registry) Lookup(streamID string) (*StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[streamID]
	return s, ok
}

// RemoveStream tears down streamID: releases its ssrc back to the pool and
// removes both index entries. Returns the removed session, if any.
func (r *Registry) RemoveStream(streamID string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.streams[streamID]
	if !ok {
		return nil, false
	}
	delete(r.streams, streamID)
	delete(r.byCallID, sess.CallID)

	entries := r.devices[sess.DeviceID]
	for i, e := range entries {
		if e.StreamID == streamID {
			last := len(entries) - 1
			entries[i] = entries[last]
			entries = entries[:last]
			break
		}
	}
	if len(entries) == 0 {
		delete(r.devices, sess.DeviceID)
	} else {
		r.devices[sess.DeviceID] = entries
	}

	_ = r.ssrc.ReleaseSSRC(sess.SSRC)
	return sess, true
}

// LeastLoadedNode picks the candidate in nodes with the fewest active
// streams, ties broken lexicographically — matching
// stream_map_order_node's BTreeSet<(count, name)> ordering, recomputed
// fresh on each call rather than incrementally maintained. Returns "" if
// nodes is empty.
func (r *Registry) LeastLoadedNode(nodes []string) string {
	if len(nodes) == 0 {
		return ""
	}

	r.mu.RLock()
	counts := make(map[string]int, len(nodes))
	for _, s := range r.streams {
		counts[s.NodeName]++
	}
	r.mu.RUnlock()

	type ordered struct {
		count int
		name  string
	}
	candidates := make([]ordered, len(nodes))
	for i, n := range nodes {
		candidates[i] = ordered{count: counts[n], name: n}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name
}

// Len reports the number of live stream sessions (for metrics/testing).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Package mp4 muxes demuxed H.264 access units into a fragmented MP4
// stream for file recording (spec §4.7): an ftyp+moov header with no
// sample table data (movflags frag_keyframe+empty_moov+
// default_base_moof+faststart, so no seeking is needed by a writer),
// followed by keyframe-aligned moof+mdat fragments. Grounded on
// zsiec-prism/internal/mpegts's per-box/per-table typed-parser shape
// (one function per ISOBMFF box here, mirroring one function per
// PAT/PMT/PES table there), generalized from MPEG-TS parsing to MP4 box
// writing since no pack repo carries an fMP4 muxer.
package mp4

import (
	"fmt"
	"sync"

	"github.com/gb28181/vms/internal/media/demux/h264"
)

const videoTrackID = 1

// Fragment is one moof+mdat unit ready to append to the recording file,
// keyframe-aligned per spec §4.7.
type Fragment struct {
	Data     []byte
	Keyframe bool
}

type pendingSample struct {
	data      []byte
	timestamp uint32
	keyframe  bool
}

// Muxer accumulates access units into keyframe-aligned fragments. Not
// safe for concurrent use; callers serialize calls from the same
// per-ssrc pipeline goroutine that owns the muxer, per spec §5's FIFO
// ordering guarantee.
type Muxer struct {
	mu sync.Mutex

	wroteInit bool
	sequence  uint32

	pending        []pendingSample
	haveLastTS     bool
	lastTS         uint32
	baseDecodeTime uint64
}

// New constructs an empty fragmented MP4 muxer.
func New() *Muxer {
	return &Muxer{}
}

// Init returns the ftyp+moov header once ctx has captured SPS/PPS, per
// spec §4.7's "emit a moov-less [sample-table] header immediately". It
// is idempotent: subsequent calls after the first return the same
// bytes.
func (m *Muxer) Init(ctx *h264.Context) ([]byte, error) {
	if !ctx.Ready() {
		return nil, fmt.Errorf("mp4: SPS/PPS not yet captured")
	}
	width, height, _ := ctx.Dimensions()
	m.mu.Lock()
	m.wroteInit = true
	m.mu.Unlock()
	return append(ftypBox(), moovBox(videoTrackID, width, height, ctx.SPS(), ctx.PPS())...), nil
}

// PushFrame buffers frame into the current fragment. When frame is a
// keyframe and a fragment is already pending, the pending fragment is
// flushed (returned) and a new fragment starts with frame as its first
// sample — the "keyframe-aligned" contract from spec §4.7. timestamp is
// the RTP 90kHz-clock timestamp.
func (m *Muxer) PushFrame(frame h264.Frame, timestamp uint32) (Fragment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flushed Fragment
	ok := false
	if frame.Keyframe && len(m.pending) > 0 {
		flushed, ok = m.buildFragmentLocked()
	}

	m.pending = append(m.pending, pendingSample{data: frame.Data, timestamp: timestamp, keyframe: frame.Keyframe})
	if len(m.pending) == 1 {
		m.baseDecodeTime = uint64(timestamp)
	}
	return flushed, ok
}

// Flush force-emits any buffered fragment, for upstream close.
func (m *Muxer) Flush() (Fragment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildFragmentLocked()
}

func (m *Muxer) buildFragmentLocked() (Fragment, bool) {
	if len(m.pending) == 0 {
		return Fragment{}, false
	}

	samples := make([]sample, len(m.pending))
	var mdat []byte
	keyframe := m.pending[0].keyframe
	for i, p := range m.pending {
		dur := uint32(0)
		if i+1 < len(m.pending) {
			dur = p.nextDuration(m.pending[i+1])
		} else if i > 0 {
			dur = p.nextDuration(m.pending[i-1]) // fall back to previous gap for the last sample
		}
		samples[i] = sample{duration: dur, size: uint32(len(p.data)), keyframe: p.keyframe}
		mdat = append(mdat, p.data...)
	}

	m.sequence++
	// trun's data_offset is the byte distance from the start of moof to
	// this fragment's first sample byte in mdat (default-base-is-moof).
	// Its value doesn't change trun's encoded length, so size a moof
	// with a zero placeholder offset first, then rebuild with the real
	// one now known.
	mfhd := mfhdBox(m.sequence)
	tfhd := tfhdBox(videoTrackID)
	tfdt := tfdtBox(m.baseDecodeTime)
	sizingTraf := box("traf", tfhd, tfdt, trunBox(samples, 0))
	sizingMoof := box("moof", mfhd, sizingTraf)
	dataOffset := int32(len(sizingMoof) + 8) // + mdat box header

	traf := box("traf", tfhd, tfdt, trunBox(samples, dataOffset))
	moof := box("moof", mfhd, traf)
	data := append(moof, mdatBox(mdat)...)

	m.pending = m.pending[:0]
	return Fragment{Data: data, Keyframe: keyframe}, true
}

// nextDuration computes a sample's duration as the absolute RTP-clock
// delta to the neighbor sample (wrap-tolerant via uint32 subtraction).
func (p pendingSample) nextDuration(other pendingSample) uint32 {
	if other.timestamp >= p.timestamp {
		return other.timestamp - p.timestamp
	}
	return p.timestamp - other.timestamp
}

// Package reorder implements the per-ssrc sliding-window RTP reassembly
// buffer from spec §4.7: a 128-slot ring keyed by seq_num mod 128, with an
// adaptive window (1, 2, 4, 8) that grows on out-of-order arrivals and
// shrinks back down once packets resume arriving in order. Grounded on
// gtfodev-camsRelay/pkg/rtp's use of *rtp.Packet as the unit the demux
// stage consumes, generalized here to buffer ahead of that stage instead
// of depacketizing directly.
package reorder

import (
	"github.com/pion/rtp"
)

const (
	slots      = 128
	minWindow  = 1
	maxWindow  = 8
	wrapThresh = 32767 // last - seq > this => treat seq as a sequence-number wrap, not stale
)

// Buffer reassembles one ssrc's RTP stream into sequence order. Not safe
// for concurrent use; callers serialize Insert/Emit from a single
// per-ssrc goroutine, matching spec §5's "FIFO from reorder-buffer emit
// through demuxer through muxer" ordering guarantee.
type Buffer struct {
	ring           [slots]*rtp.Packet
	count          int
	window         int
	lastEmitted    uint16
	haveLastEmitted bool
}

// New constructs an empty reorder buffer starting at the minimum window.
func New() *Buffer {
	return &Buffer{window: minWindow}
}

// Insert adds pkt to the ring. It rejects (returns false) packets at or
// before lastEmittedSeq, unless the gap looks like a 16-bit wrap (spec's
// "last - seq > 32767" test applied via signed delta).
func (b *Buffer) Insert(pkt *rtp.Packet) bool {
	if !b.haveLastEmitted {
		// Seed the scan base from the first packet this ssrc ever hands us,
		// since RFC 3550 (and GB/T devices in practice) start a stream at a
		// random initial sequence number, not 0.
		b.lastEmitted = pkt.SequenceNumber - 1
		b.haveLastEmitted = true
	}

	delta := int16(pkt.SequenceNumber - b.lastEmitted)
	if delta <= 0 && !(int16(b.lastEmitted-pkt.SequenceNumber) > wrapThresh) {
		return false
	}

	idx := pkt.SequenceNumber % slots
	if b.ring[idx] == nil {
		b.count++
	}
	b.ring[idx] = pkt
	return true
}

// Emit scans forward from lastEmittedSeq+1 once count >= window, returning
// the next in-order packet plus ok=true, or ok=false if the window hasn't
// filled yet. The window shrinks by one (floor minWindow) when the
// successor is found immediately, and doubles (ceil maxWindow) when the
// scan has to advance past at least one empty or future slot, per spec's
// "adjust window based on how far the scan had to advance".
func (b *Buffer) Emit() (*rtp.Packet, bool) {
	if b.count < b.window {
		return nil, false
	}

	start := uint16(0)
	if b.haveLastEmitted {
		start = b.lastEmitted + 1
	}

	advanced := 0
	for i := 0; i < slots; i++ {
		seq := start + uint16(i)
		idx := seq % slots
		pkt := b.ring[idx]
		if pkt != nil && pkt.SequenceNumber == seq {
			b.ring[idx] = nil
			b.count--
			b.lastEmitted = seq
			b.haveLastEmitted = true
			b.adjustWindow(advanced)
			return pkt, true
		}
		advanced++
	}
	return nil, false
}

func (b *Buffer) adjustWindow(advanced int) {
	if advanced == 0 {
		if b.window > minWindow {
			b.window--
		}
		return
	}
	b.window *= 2
	if b.window > maxWindow {
		b.window = maxWindow
	}
}

// Flush drains all remaining in-order packets in one shot (spec's "on
// upstream close, flush remaining in-order packets"), ignoring the window
// threshold.
func (b *Buffer) Flush() []*rtp.Packet {
	var out []*rtp.Packet
	for {
		start := uint16(0)
		if b.haveLastEmitted {
			start = b.lastEmitted + 1
		}
		found := false
		for i := 0; i < slots; i++ {
			seq := start + uint16(i)
			idx := seq % slots
			pkt := b.ring[idx]
			if pkt != nil && pkt.SequenceNumber == seq {
				b.ring[idx] = nil
				b.count--
				b.lastEmitted = seq
				b.haveLastEmitted = true
				out = append(out, pkt)
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return out
}

// Window reports the current adaptive window size (for metrics/testing).
func (b *Buffer) Window() int {
	return b.window
}

// Count reports the number of occupied ring slots (for metrics/testing).
func (b *Buffer) Count() int {
	return b.count
}

// Package ps demuxes MPEG Program Stream payloads carried over RTP
// (payload type 96) into Annex-B delimited H.264 NAL units, handing each
// to an internal/media/demux/h264 context. Grounded on spec §4.7's
// described PES-scan algorithm directly: no repo in the retrieved pack
// parses MPEG-PS, so this package is new code against the MPEG-2 Part 1
// pack/PES header layout, stdlib-only (encoding/binary, bytes) — there is
// no idiomatic third-party Go library for MPEG-PS in the retrieved pack.
package ps

import (
	"encoding/binary"

	"github.com/gb28181/vms/internal/media/demux/h264"
)

const flushThreshold = 128 * 1024

var (
	packStartCode = [3]byte{0x00, 0x00, 0x01}
	streamIDBase  = byte(0xBA) // pack_start_code's 4th byte
)

func isVideoStreamID(b byte) bool {
	return b >= 0xE0 && b <= 0xEF
}

// Demuxer accumulates RTP payloads until an RTP marker bit or the
// 128 KiB flush threshold, then scans for pack-start and video-PES start
// codes, strips each PES header, and forwards the Annex-B NAL stream
// inside to h264.
type Demuxer struct {
	buf []byte
	h   *h264.Context
}

// New constructs a Demuxer feeding NAL units to ctx.
func New(ctx *h264.Context) *Demuxer {
	return &Demuxer{h: ctx}
}

// H264 returns the underlying H.264 context (for SPS/PPS/Ready queries).
func (d *Demuxer) H264() *h264.Context { return d.h }

// Push appends one RTP payload to the accumulator and, once marker is set
// or the buffer has grown past the flush threshold, demuxes everything
// accumulated so far and returns the complete frames produced.
func (d *Demuxer) Push(payload []byte, marker bool) ([]h264.Frame, error) {
	d.buf = append(d.buf, payload...)
	if !marker && len(d.buf) < flushThreshold {
		return nil, nil
	}
	frames, err := d.drain()
	d.buf = d.buf[:0]
	return frames, err
}

// drain scans the accumulated buffer for pack-start-code / video-PES
// start-code pairs, strips each PES header, and runs the Annex-B NAL
// units inside through the H.264 context.
func (d *Demuxer) drain() ([]h264.Frame, error) {
	var frames []h264.Frame
	buf := d.buf

	for {
		packAt := indexStartCode(buf, packStartCode, streamIDBase)
		if packAt < 0 {
			break
		}
		rest := buf[packAt+4:]

		pesAt := -1
		for i := 0; i+3 < len(rest); i++ {
			if rest[i] == 0 && rest[i+1] == 0 && rest[i+2] == 1 && isVideoStreamID(rest[i+3]) {
				pesAt = i
				break
			}
		}
		if pesAt < 0 {
			buf = rest
			continue
		}

		pes := rest[pesAt:]
		payload, consumed, ok := stripPESHeader(pes)
		if !ok {
			buf = rest[pesAt+4:]
			continue
		}

		for _, nalu := range splitAnnexB(payload) {
			frame, emitted, err := d.h.ProcessNALU(nalu, true)
			if err != nil {
				return frames, err
			}
			if emitted {
				frames = append(frames, frame)
			}
		}

		buf = pes[consumed:]
	}
	return frames, nil
}

// indexStartCode finds the next occurrence of code followed by marker in
// buf, returning its offset or -1.
func indexStartCode(buf []byte, code [3]byte, marker byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == code[0] && buf[i+1] == code[1] && buf[i+2] == code[2] && buf[i+3] == marker {
			return i
		}
	}
	return -1
}

// stripPESHeader parses a PES packet starting at its 00 00 01 Ex start
// code, returning the elementary-stream payload (the Annex-B H.264
// stream), how many bytes of pes were consumed, and whether the header
// was well-formed enough to proceed.
func stripPESHeader(pes []byte) (payload []byte, consumed int, ok bool) {
	if len(pes) < 9 {
		return nil, 0, false
	}
	pesPacketLength := binary.BigEndian.Uint16(pes[4:6])
	headerDataLength := int(pes[8])
	payloadStart := 9 + headerDataLength
	if payloadStart > len(pes) {
		return nil, 0, false
	}

	end := len(pes)
	if pesPacketLength != 0 {
		candidate := 6 + int(pesPacketLength)
		if candidate <= len(pes) {
			end = candidate
		}
	}
	return pes[payloadStart:end], end, true
}

// splitAnnexB splits an Annex-B byte stream (NAL units delimited by
// 00 00 01 or 00 00 00 01 start codes) into individual NAL units.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	starts := []int{}
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
		}
	}
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1] - 3
			for end > start && data[end-1] == 0 {
				end--
			}
		}
		if end > start {
			nalus = append(nalus, data[start:end])
		}
	}
	return nalus
}

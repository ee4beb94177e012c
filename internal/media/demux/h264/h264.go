// Package h264 depacketizes RFC 6184 RTP payloads (FU-A fragmentation,
// STAP-A aggregation, single NAL units) into AVCC length-prefixed NAL
// units, and parses SPS to recover width/height/frame-rate for the FLV
// muxer's onMetaData tag (spec §4.7). Grounded directly on
// gtfodev-camsRelay/pkg/rtp/h264.go's RFC 6184 handling, generalized to
// emit raw NAL streams instead of invoking an FLV-specific callback and
// to track the SPS/PPS pair across frames rather than inline per-NALU.
package h264

import (
	"encoding/binary"
	"fmt"
)

const (
	NALTypeSlice    = 1
	NALTypeIDR      = 5
	NALTypeSEI      = 6
	NALTypeSPS      = 7
	NALTypePPS      = 8
	NALTypeAUD      = 9
	NALTypeSTAPA    = 24
	NALTypeFUA      = 28
)

// Frame is one complete access unit handed to the muxer: a run of
// AVCC-length-prefixed NAL units and whether it is a keyframe.
type Frame struct {
	Data      []byte
	Keyframe  bool
}

// Context accumulates FU-A fragments and the most recent SPS/PPS pair
// across one ssrc's RTP stream.
type Context struct {
	fuBuf       []byte
	sps         []byte
	pps         []byte
	width       int
	height      int
	frameRate   float64
	haveSPSInfo bool
}

// NewContext constructs an empty depacketization context.
func NewContext() *Context {
	return &Context{frameRate: 25}
}

// SPS returns the most recently captured SPS NAL, or nil.
func (c *Context) SPS() []byte { return c.sps }

// PPS returns the most recently captured PPS NAL, or nil.
func (c *Context) PPS() []byte { return c.pps }

// Ready reports whether both SPS and PPS have been captured, the
// precondition spec §4.7 sets for emitting the first FLV keyframe tag.
func (c *Context) Ready() bool { return c.sps != nil && c.pps != nil }

// Dimensions returns the width, height, and frame rate parsed from SPS
// (defaulting frame rate to 25fps per spec §4.7 when VUI timing is
// absent). Valid only once Ready reports true.
func (c *Context) Dimensions() (width, height int, frameRate float64) {
	return c.width, c.height, c.frameRate
}

// ProcessNALU feeds one RTP payload (the bytes after the 12-byte RTP
// header) through RFC 6184 depacketization. marker is the RTP marker bit.
// It returns a complete Frame once an access unit boundary is reached, or
// ok=false if the payload only contributed a fragment or parameter set.
func (c *Context) ProcessNALU(payload []byte, marker bool) (Frame, bool, error) {
	if len(payload) == 0 {
		return Frame{}, false, nil
	}

	naluType := payload[0] & 0x1F
	switch naluType {
	case NALTypeFUA:
		return c.processFUA(payload, marker)
	case NALTypeSTAPA:
		return c.processSTAPA(payload)
	default:
		return c.processSingle(payload, marker)
	}
}

func (c *Context) processFUA(payload []byte, marker bool) (Frame, bool, error) {
	if len(payload) < 2 {
		return Frame{}, false, fmt.Errorf("h264: FU-A payload too short")
	}
	fuIndicator := payload[0]
	fuHeader := payload[1]
	frag := payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		c.fuBuf = c.fuBuf[:0]
		c.fuBuf = append(c.fuBuf, (fuIndicator&0xE0)|naluType)
	}
	c.fuBuf = append(c.fuBuf, frag...)

	if !end {
		return Frame{}, false, nil
	}
	return c.emit(c.fuBuf, naluType, marker)
}

func (c *Context) processSTAPA(payload []byte) (Frame, bool, error) {
	rest := payload[1:]
	var out []byte
	for len(rest) > 2 {
		size := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(size) {
			return Frame{}, false, fmt.Errorf("h264: STAP-A NALU size exceeds payload")
		}
		nalu := rest[:size]
		rest = rest[size:]
		c.captureParameterSet(nalu)
		out = appendAVCC(out, nalu)
	}
	if len(out) == 0 {
		return Frame{}, false, nil
	}
	return Frame{Data: out, Keyframe: false}, true, nil
}

func (c *Context) processSingle(payload []byte, marker bool) (Frame, bool, error) {
	naluType := payload[0] & 0x1F
	return c.emit(payload, naluType, marker)
}

// emit handles a fully-reassembled single NAL unit: parameter sets are
// captured and never themselves forwarded as a frame; slice NALUs are
// forwarded once the RTP marker bit closes the access unit.
func (c *Context) emit(nalu []byte, naluType byte, marker bool) (Frame, bool, error) {
	c.captureParameterSet(nalu)

	if naluType == NALTypeSPS || naluType == NALTypePPS || naluType == NALTypeAUD || naluType == NALTypeSEI {
		return Frame{}, false, nil
	}
	if !marker {
		return Frame{}, false, nil
	}

	keyframe := naluType == NALTypeIDR
	data := appendAVCC(nil, nalu)
	return Frame{Data: data, Keyframe: keyframe}, true, nil
}

func (c *Context) captureParameterSet(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case NALTypeSPS:
		c.sps = append([]byte(nil), nalu...)
		if w, h, fps, err := parseSPS(nalu); err == nil {
			c.width, c.height, c.frameRate = w, h, fps
			c.haveSPSInfo = true
		}
	case NALTypePPS:
		c.pps = append([]byte(nil), nalu...)
	}
}

func appendAVCC(dst, nalu []byte) []byte {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(nalu)))
	dst = append(dst, length[:]...)
	return append(dst, nalu...)
}

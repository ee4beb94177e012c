// Package flv muxes demuxed H.264 access units into an FLV byte stream
// with keyframe-anchored viewer joining (spec §4.7). Tag framing (11-byte
// tag header + payload + 4-byte PreviousTagSize) and the fixed 13-byte
// FLV header are grounded on the teacher's
// internal/rtmp/media/recorder.go WriteMessage/writeTagLocked; the
// onMetaData script tag reuses the teacher's own internal/rtmp/amf AMF0
// encoder rather than hand-rolling AMF framing again. Broadcast fan-out
// with per-viewer buffered channels is grounded on internal/rtmp/chunk's
// single-writer-per-connection model, generalized here to one writer
// (the muxer) feeding many readers (viewers).
package flv

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gb28181/vms/internal/media/demux/h264"
	"github.com/gb28181/vms/internal/rtmp/amf"
)

const (
	tagTypeAudio  = 8
	tagTypeVideo  = 9
	tagTypeScript = 18

	maxTagPayload = 1200 // spec §4.7: "payload chunked to ≤ 1200 bytes per tag"

	avcPacketTypeSeqHeader = 0
	avcPacketTypeNALU      = 1

	keyframeWaitTimeout = 8 * time.Second // spec §4.7/§5: "blocking, with an 8s timeout"

	subscriberBuffer = 64
)

// ErrKeyframeTimeout is returned by Join when no keyframe arrives within
// keyframeWaitTimeout, mapped by the HTTP layer to a 404 (spec §6).
var ErrKeyframeTimeout = errors.New("flv: timed out waiting for keyframe")

// MuxPacket is one FLV tag ready for broadcast, per spec §4.7.
type MuxPacket struct {
	IsKey     bool
	Data      []byte
	Timestamp uint32
}

// Muxer accumulates one ssrc's H.264 access units into an FLV tag stream
// and fans it out to subscribed viewers.
type Muxer struct {
	mu            sync.Mutex
	header        []byte
	initTags      []byte // cached onMetaData + AVCDecoderConfigurationRecord tags
	wroteInitTags bool
	subscribers   map[int]chan MuxPacket
	nextID        int

	// keyframeTimeout is keyframeWaitTimeout in production; tests shrink
	// it to keep Join's timeout path fast.
	keyframeTimeout time.Duration
}

// New constructs a Muxer with the fixed 13-byte FLV header cached
// (signature, version, video-only flags, header length, zero
// PreviousTagSize0) per spec §4.7 and the teacher's writeHeader layout.
func New() *Muxer {
	header := []byte{'F', 'L', 'V', 0x01, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	return &Muxer{
		header:          header,
		subscribers:     make(map[int]chan MuxPacket),
		keyframeTimeout: keyframeWaitTimeout,
	}
}

// Header returns the cached FLV header + zero PreviousTagSize0 bytes.
func (m *Muxer) Header() []byte {
	return m.header
}

// PushFrame accepts one demuxed access unit from an h264.Context and, once
// (SPS, PPS) are known, emits FLV tags: the one-time onMetaData +
// AVCDecoderConfigurationRecord pair on the first keyframe, then the
// frame's NALU payload chunked to maxTagPayload bytes per tag.
func (m *Muxer) PushFrame(ctx *h264.Context, frame h264.Frame, timestamp uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.wroteInitTags && frame.Keyframe && ctx.Ready() {
		width, height, frameRate := ctx.Dimensions()
		m.initTags = append(m.initTags, buildMetadataTag(width, height, frameRate, timestamp)...)
		m.initTags = append(m.initTags, buildAVCConfigTag(ctx.SPS(), ctx.PPS(), timestamp)...)
		m.wroteInitTags = true
		m.broadcastLocked(MuxPacket{IsKey: true, Data: m.initTags, Timestamp: timestamp})
	}

	for _, chunk := range chunkPayload(frame.Data, maxTagPayload) {
		tag := buildVideoTag(chunk, frame.Keyframe, timestamp)
		m.broadcastLocked(MuxPacket{IsKey: frame.Keyframe, Data: tag, Timestamp: timestamp})
	}
}

func (m *Muxer) broadcastLocked(pkt MuxPacket) {
	for id, ch := range m.subscribers {
		select {
		case ch <- pkt:
		default:
			// Slow viewer: drop them from the broadcast (spec §5's
			// broadcast-channel backpressure policy) rather than block.
			close(ch)
			delete(m.subscribers, id)
		}
	}
}

func (m *Muxer) subscribe() (int, chan MuxPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan MuxPacket, subscriberBuffer)
	m.subscribers[id] = ch
	return id, ch
}

func (m *Muxer) unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		delete(m.subscribers, id)
		close(ch)
	}
}

// Join implements the spec §4.7 viewer-join contract: the caller always
// blocks (bounded by keyframeWaitTimeout) for the next keyframe tag before
// getting anything back, whether or not this muxer has already cached an
// onMetaData/AVCDecoderConfigurationRecord pair from an earlier keyframe.
// A viewer joining mid-GOP must not start decoding from whatever inter
// frame happens to arrive next, so non-key packets seen while waiting are
// discarded. The returned cancel func must be called once the viewer
// disconnects.
func (m *Muxer) Join(ctx context.Context) (header []byte, initTags []byte, live <-chan MuxPacket, cancel func(), err error) {
	id, ch := m.subscribe()
	cancel = func() { m.unsubscribe(id) }

	m.mu.Lock()
	cachedInit := m.wroteInitTags
	init := m.initTags
	m.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, m.keyframeTimeout)
	defer waitCancel()

	for {
		select {
		case pkt, ok := <-ch:
			if !ok {
				cancel()
				return nil, nil, nil, nil, ErrKeyframeTimeout
			}
			if !pkt.IsKey {
				continue
			}
			if cachedInit {
				out := append([]byte(nil), init...)
				out = append(out, pkt.Data...)
				return m.header, out, ch, cancel, nil
			}
			return m.header, pkt.Data, ch, cancel, nil
		case <-waitCtx.Done():
			cancel()
			return nil, nil, nil, nil, ErrKeyframeTimeout
		}
	}
}

func chunkPayload(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func buildVideoTag(payload []byte, keyframe bool, timestamp uint32) []byte {
	var videoData []byte
	frameType := byte(0x20) // inter frame
	if keyframe {
		frameType = 0x10
	}
	videoData = append(videoData, frameType|0x07) // codecID=7 (AVC)
	videoData = append(videoData, avcPacketTypeNALU)
	videoData = append(videoData, 0, 0, 0) // composition time offset = 0
	videoData = append(videoData, payload...)
	return wrapTag(tagTypeVideo, timestamp, videoData)
}

func buildAVCConfigTag(sps, pps []byte, timestamp uint32) []byte {
	var cfg []byte
	cfg = append(cfg, 0x01) // configurationVersion
	if len(sps) >= 4 {
		cfg = append(cfg, sps[1], sps[2], sps[3])
	} else {
		cfg = append(cfg, 0, 0, 0)
	}
	cfg = append(cfg, 0xFF) // reserved(6) + lengthSizeMinusOne=3
	cfg = append(cfg, 0xE1) // reserved(3) + numOfSPS=1
	cfg = append(cfg, byte(len(sps)>>8), byte(len(sps)))
	cfg = append(cfg, sps...)
	cfg = append(cfg, 0x01) // numOfPPS
	cfg = append(cfg, byte(len(pps)>>8), byte(len(pps)))
	cfg = append(cfg, pps...)

	var videoData []byte
	videoData = append(videoData, 0x17) // keyframe | AVC
	videoData = append(videoData, avcPacketTypeSeqHeader)
	videoData = append(videoData, 0, 0, 0)
	videoData = append(videoData, cfg...)
	return wrapTag(tagTypeVideo, timestamp, videoData)
}

func buildMetadataTag(width, height int, frameRate float64, timestamp uint32) []byte {
	payload, err := amf.EncodeAll("onMetaData", map[string]interface{}{
		"width":        float64(width),
		"height":       float64(height),
		"framerate":    frameRate,
		"videocodecid": float64(7),
	})
	if err != nil {
		return nil
	}
	return wrapTag(tagTypeScript, timestamp, payload)
}

// wrapTag frames payload as one FLV tag: 11-byte tag header, the payload,
// and the trailing 4-byte PreviousTagSize, matching the teacher's
// writeTagLocked layout exactly.
func wrapTag(tagType uint8, timestamp uint32, payload []byte) []byte {
	dataSize := len(payload)
	var hdr [11]byte
	hdr[0] = tagType
	hdr[1] = byte(dataSize >> 16)
	hdr[2] = byte(dataSize >> 8)
	hdr[3] = byte(dataSize)
	hdr[4] = byte(timestamp >> 16)
	hdr[5] = byte(timestamp >> 8)
	hdr[6] = byte(timestamp)
	hdr[7] = byte(timestamp >> 24)

	out := make([]byte, 0, 11+dataSize+4)
	out = append(out, hdr[:]...)
	out = append(out, payload...)
	var prevSize [4]byte
	binary.BigEndian.PutUint32(prevSize[:], uint32(11+dataSize))
	out = append(out, prevSize[:]...)
	return out
}

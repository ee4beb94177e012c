package ingest

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/media/session"
)

// rtcpSenderReportType and friends classify a datagram as RTCP (spec.md
// is silent here; the header-byte heuristic follows the common RTP/RTCP
// muxing convention: dynamic RTP payload types live in 96-127, well below
// RTCP's packet types starting at 200, so the two never collide on the
// second header byte).
const (
	rtcpTypeLow  = 200
	rtcpTypeHigh = 204
)

// Engine owns the per-ssrc pipelines and dispatches inbound RTP/RTCP
// frames from a Transport to the matching one, looked up against the
// shared media session registry. Grounded on the teacher's server.go
// conns map (registry of live per-connection state, keyed and guarded the
// same way), generalized from per-TCP-connection state to per-ssrc media
// pipeline state.
type Engine struct {
	registry *session.Registry
	log      zerolog.Logger

	mu        sync.Mutex
	pipelines map[uint32]*Pipeline
}

// NewEngine constructs an Engine bound to registry, which must already be
// running (Registry.Run) so OnPacket's Waiting->Active transition and
// hook firing work.
func NewEngine(registry *session.Registry) *Engine {
	return &Engine{
		registry:  registry,
		log:       logging.WithComponent(logging.Logger(), "media.ingest"),
		pipelines: make(map[uint32]*Pipeline),
	}
}

// Run drains t's inbound channel until it is closed (Transport.Close).
func (e *Engine) Run(t *Transport) {
	for in := range t.Inbound() {
		e.handleFrame(in)
	}
}

func (e *Engine) handleFrame(in Inbound) {
	if isRTCP(in.Data) {
		e.handleRTCP(in)
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(in.Data); err != nil {
		e.log.Debug().Err(err).Str("remote", in.RemoteAddr).Msg("rtp unmarshal failed")
		return
	}

	trace, ok := e.registry.Lookup(pkt.SSRC)
	if !ok {
		e.log.Debug().Uint32("ssrc", pkt.SSRC).Msg("rtp packet for unknown ssrc, dropping")
		return
	}
	e.registry.OnPacket(pkt.SSRC, session.Origin{RemoteAddr: in.RemoteAddr, Protocol: string(in.Proto)})

	p := e.pipelineFor(pkt.SSRC, trace, pkt.PayloadType)
	p.handle(&pkt)
}

func (e *Engine) handleRTCP(in Inbound) {
	packets, err := rtcp.Unmarshal(in.Data)
	if err != nil {
		e.log.Debug().Err(err).Msg("rtcp unmarshal failed")
		return
	}
	for _, pkt := range packets {
		switch sr := pkt.(type) {
		case *rtcp.SenderReport:
			e.log.Debug().
				Uint32("ssrc", sr.SSRC).
				Uint32("packet_count", sr.PacketCount).
				Uint32("octet_count", sr.OctetCount).
				Msg("rtcp sender report")
		case *rtcp.ReceiverReport:
			for _, rr := range sr.Reports {
				e.log.Debug().
					Uint32("ssrc", sr.SSRC).
					Uint32("reported_ssrc", rr.SSRC).
					Uint32("jitter", rr.Jitter).
					Msg("rtcp receiver report")
			}
		}
	}
}

// isRTCP classifies data by the second header byte per the muxing
// convention documented on Engine. Unlike RTP's second byte (marker bit +
// 7-bit payload type), RTCP's packet-type byte is the full unmasked
// value, so it is compared directly rather than stripping a marker bit
// that doesn't exist in the RTCP header.
func isRTCP(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	pt := data[1]
	return pt >= rtcpTypeLow && pt <= rtcpTypeHigh
}

func (e *Engine) pipelineFor(ssrc uint32, trace *session.Trace, pt uint8) *Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pipelines[ssrc]; ok {
		return p
	}

	kind, ok := trace.MediaType(pt)
	if !ok {
		kind, ok = session.DefaultMediaKind(pt)
		if !ok {
			kind = session.MediaH264
		}
		trace.SetMediaMap(map[uint8]session.MediaKind{pt: kind})
	}

	p := NewPipeline(kind, logging.WithComponent(logging.Logger(), "media.ingest.pipeline"))
	e.pipelines[ssrc] = p
	return p
}

// Pipeline returns the live Pipeline for ssrc, if one has been created by
// a prior packet arrival. Used by the playback/recording HTTP surfaces to
// reach a stream's FLV muxer or attach an MP4 recorder.
func (e *Engine) Pipeline(ssrc uint32) (*Pipeline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[ssrc]
	return p, ok
}

// Evict tears down ssrc's Pipeline, flushing any buffered reorder packets
// first. Called by the hook loop once StreamInTimeout fires and the
// session registry has released the ssrc. Reports the Pipeline's
// RecordingSummary if one was active, so the caller can fire EndRecord.
func (e *Engine) Evict(ssrc uint32) (RecordingSummary, bool) {
	e.mu.Lock()
	p, ok := e.pipelines[ssrc]
	delete(e.pipelines, ssrc)
	e.mu.Unlock()
	if !ok {
		return RecordingSummary{}, false
	}
	p.flush()
	return p.StopRecording()
}

package ingest

import (
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/media/demux/h264"
	"github.com/gb28181/vms/internal/media/demux/ps"
	"github.com/gb28181/vms/internal/media/mux/flv"
	"github.com/gb28181/vms/internal/media/mux/mp4"
	"github.com/gb28181/vms/internal/media/reorder"
	"github.com/gb28181/vms/internal/media/session"
)

// RecordingSummary reports a just-stopped recording's file metadata, the
// shape /end/record's hook payload is built from.
type RecordingSummary struct {
	FilePath  string
	SizeBytes int64
	StartedAt time.Time
	EndedAt   time.Time
}

// Pipeline is one ssrc's full reorder -> demux -> mux chain. Not safe for
// concurrent use from more than one goroutine; Engine serializes all
// calls for a given ssrc through its own per-packet dispatch, matching
// spec §5's FIFO ordering guarantee from reorder-buffer emit through
// demuxer through muxer.
type Pipeline struct {
	log zerolog.Logger

	reorder *reorder.Buffer
	h264Ctx *h264.Context
	ps      *ps.Demuxer // non-nil only for the MPEG-PS path
	kind    session.MediaKind

	flv *flv.Muxer

	recordMu    sync.Mutex
	mp4         *mp4.Muxer
	recordDst   io.Writer
	recordSent  bool
	recordPath  string
	recordBytes int64
	recordStart time.Time
}

func NewPipeline(kind session.MediaKind, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		log:     log,
		reorder: reorder.New(),
		h264Ctx: h264.NewContext(),
		kind:    kind,
		flv:     flv.New(),
	}
	if kind == session.MediaPS {
		p.ps = ps.New(p.h264Ctx)
	}
	return p
}

// FLV returns the Pipeline's FLV muxer for viewer Join calls.
func (p *Pipeline) FLV() *flv.Muxer { return p.flv }

// StartRecording attaches a fragmented MP4 sink: dst receives the
// ftyp+moov header on the first call once SPS/PPS are known, then each
// subsequent moof+mdat fragment as it is produced. path is carried
// through only for the RecordingSummary StopRecording later reports; it
// has no bearing on where bytes are actually written (dst decides that).
func (p *Pipeline) StartRecording(dst io.Writer, path string) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	p.mp4 = mp4.New()
	p.recordDst = dst
	p.recordSent = false
	p.recordPath = path
	p.recordBytes = 0
	p.recordStart = time.Now()
}

// StopRecording detaches the MP4 sink, flushing any pending fragment to
// it first and closing it if it is an io.Closer (e.g. the *os.File an
// /api/download/mp4 recording was opened against). Reports the recording
// that was just stopped, or ok=false if none was active.
func (p *Pipeline) StopRecording() (summary RecordingSummary, ok bool) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	if p.mp4 == nil {
		return RecordingSummary{}, false
	}
	if frag, ok := p.mp4.Flush(); ok {
		p.writeFragmentLocked(frag.Data)
	}
	if closer, ok := p.recordDst.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			p.log.Warn().Err(err).Msg("recording sink close failed")
		}
	}
	summary = RecordingSummary{
		FilePath:  p.recordPath,
		SizeBytes: p.recordBytes,
		StartedAt: p.recordStart,
		EndedAt:   time.Now(),
	}
	p.mp4 = nil
	p.recordDst = nil
	p.recordPath = ""
	return summary, true
}

// handle feeds one RTP packet through the reassembly and demux stages and
// pushes every resulting access unit into the FLV broadcast and (if
// active) the MP4 recorder.
func (p *Pipeline) handle(pkt *rtp.Packet) {
	if !p.reorder.Insert(pkt) {
		return
	}
	for {
		next, ok := p.reorder.Emit()
		if !ok {
			return
		}
		p.demuxAndMux(next.Payload, next.Marker, next.Timestamp)
	}
}

// flush drains any packets still buffered in the reorder window, for
// stream teardown.
func (p *Pipeline) flush() {
	for _, pkt := range p.reorder.Flush() {
		p.demuxAndMux(pkt.Payload, pkt.Marker, pkt.Timestamp)
	}
}

func (p *Pipeline) demuxAndMux(payload []byte, marker bool, timestamp uint32) {
	var frames []h264.Frame
	if p.kind == session.MediaPS {
		got, err := p.ps.Push(payload, marker)
		if err != nil {
			p.log.Debug().Err(err).Msg("ps demux error")
			return
		}
		frames = got
	} else {
		frame, ok, err := p.h264Ctx.ProcessNALU(payload, marker)
		if err != nil {
			p.log.Debug().Err(err).Msg("h264 demux error")
			return
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	for _, frame := range frames {
		p.flv.PushFrame(p.h264Ctx, frame, timestamp)
		p.pushRecordingLocked(frame, timestamp)
	}
}

func (p *Pipeline) pushRecordingLocked(frame h264.Frame, timestamp uint32) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	if p.mp4 == nil || p.recordDst == nil {
		return
	}
	if !p.recordSent {
		header, err := p.mp4.Init(p.h264Ctx)
		if err != nil {
			return // SPS/PPS not yet known; try again next frame
		}
		n, err := p.recordDst.Write(header)
		if err != nil {
			p.log.Warn().Err(err).Msg("mp4 header write failed")
			return
		}
		p.recordBytes += int64(n)
		p.recordSent = true
	}
	if frag, ok := p.mp4.PushFrame(frame, timestamp); ok {
		p.writeFragmentLocked(frag.Data)
	}
}

// writeFragmentLocked must be called with recordMu held.
func (p *Pipeline) writeFragmentLocked(data []byte) {
	if p.recordDst == nil {
		return
	}
	n, err := p.recordDst.Write(data)
	p.recordBytes += int64(n)
	if err != nil {
		p.log.Warn().Err(err).Msg("mp4 fragment write failed")
	}
}

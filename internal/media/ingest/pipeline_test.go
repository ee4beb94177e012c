package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/media/session"
)

func testLogger() zerolog.Logger {
	return logging.WithComponent(logging.Logger(), "test")
}

func rawPkt(seq uint16, marker bool, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: seq,
			Marker:         marker,
			PayloadType:    98,
		},
		Payload: payload,
	}
}

func TestPipelineH264FeedsKeyframeThroughFLVAndRecorder(t *testing.T) {
	p := NewPipeline(session.MediaH264, testLogger())

	var rec bytes.Buffer
	p.StartRecording(&rec, "test.mp4")

	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)

	p.handle(rawPkt(1, false, sps))
	p.handle(rawPkt(2, false, pps))
	p.handle(rawPkt(3, true, idr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	header, init, live, joinCancel, err := p.FLV().Join(ctx)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer joinCancel()
	if string(header[:3]) != "FLV" {
		t.Fatalf("expected FLV header")
	}
	if len(init) == 0 {
		t.Fatalf("expected cached init tags after the first keyframe was pushed")
	}
	if live == nil {
		t.Fatalf("expected a live channel")
	}

	if rec.Len() == 0 {
		t.Fatalf("expected mp4 header bytes to have been written to the recorder")
	}
}

func TestPipelinePSPathDemuxesPackedStream(t *testing.T) {
	p := NewPipeline(session.MediaPS, testLogger())

	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)

	var pes []byte
	pes = append(pes, 0x00, 0x00, 0x01, 0xBA) // pack start
	pes = append(pes, make([]byte, 6)...)     // pack header filler, out of scope for the test
	pes = append(pes, 0x00, 0x00, 0x01, 0xE0) // video PES start
	pes = append(pes, 0x00, 0x00)             // PES_packet_length (unused by the demuxer)
	pes = append(pes, 0x80, 0x00, 0x00)       // optional header flags, header_data_length=0
	pes = append(pes, 0x00, 0x00, 0x01)
	pes = append(pes, sps...)
	pes = append(pes, 0x00, 0x00, 0x01)
	pes = append(pes, pps...)
	pes = append(pes, 0x00, 0x00, 0x01)
	pes = append(pes, idr...)

	p.handle(rawPkt(1, true, pes))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, init, _, joinCancel, err := p.FLV().Join(ctx)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer joinCancel()
	if len(init) == 0 {
		t.Fatalf("expected the PS path to have demuxed a keyframe and emitted init tags")
	}
}

func TestPipelineStopRecordingFlushesPending(t *testing.T) {
	p := NewPipeline(session.MediaH264, testLogger())
	var rec bytes.Buffer
	p.StartRecording(&rec, "test.mp4")

	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)
	p.handle(rawPkt(1, false, sps))
	p.handle(rawPkt(2, false, pps))
	p.handle(rawPkt(3, true, idr))

	before := rec.Len()
	summary, ok := p.StopRecording()
	if !ok {
		t.Fatalf("expected StopRecording to report a summary")
	}
	if summary.SizeBytes != int64(rec.Len()) {
		t.Fatalf("summary size %d does not match bytes written %d", summary.SizeBytes, rec.Len())
	}
	if rec.Len() <= before {
		t.Fatalf("expected StopRecording to flush the pending fragment, before=%d after=%d", before, rec.Len())
	}
}

func TestPipelineFlushDrainsReorderBufferOnTeardown(t *testing.T) {
	p := NewPipeline(session.MediaH264, testLogger())

	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)

	p.handle(rawPkt(1, false, sps))
	p.handle(rawPkt(2, false, pps))
	// After two in-order packets the window has grown past 1, so the
	// keyframe packet sits buffered rather than auto-emitting; insert it
	// directly and force a flush instead of feeding a fourth packet.
	p.reorder.Insert(rawPkt(3, true, idr))
	p.flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, init, _, joinCancel, err := p.FLV().Join(ctx)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer joinCancel()
	if len(init) == 0 {
		t.Fatalf("expected flush to have emitted the buffered keyframe")
	}
}

package ps

import (
	"testing"

	"github.com/gb28181/vms/internal/media/demux/h264"
)

func buildPESPacket(payload []byte) []byte {
	pes := []byte{0x00, 0x00, 0x01, 0xE0}
	pes = append(pes, 0x00, 0x00) // PES_packet_length = 0 (unbounded, consume to end)
	pes = append(pes, 0x80, 0x00) // flags
	pes = append(pes, 0x05)       // PES_header_data_length
	pes = append(pes, 0x21, 0x00, 0x01, 0x00, 0x01) // fake PTS bytes
	pes = append(pes, payload...)
	return pes
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestDemuxerExtractsKeyframeFromPackedStream(t *testing.T) {
	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x01}
	idr := append([]byte{0x65}, byte(0xAB), byte(0xCD))

	payload := annexB(sps, pps, idr)
	pes := buildPESPacket(payload)

	var stream []byte
	stream = append(stream, 0x00, 0x00, 0x01, 0xBA) // pack start code
	stream = append(stream, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08) // pack header filler
	stream = append(stream, pes...)

	ctx := h264.NewContext()
	d := New(ctx)

	frames, err := d.Push(stream, true)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 emitted frame (the IDR), got %d", len(frames))
	}
	if !frames[0].Keyframe {
		t.Fatalf("expected emitted frame to be a keyframe")
	}
	if !ctx.Ready() {
		t.Fatalf("expected SPS+PPS captured into the shared H.264 context")
	}
}

func TestDemuxerBuffersUntilMarkerOrThreshold(t *testing.T) {
	ctx := h264.NewContext()
	d := New(ctx)

	frames, err := d.Push([]byte{0x00, 0x00, 0x01, 0xBA}, false)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames before marker bit or flush threshold")
	}
	if len(d.buf) == 0 {
		t.Fatalf("expected payload to remain buffered")
	}
}

func TestDemuxerFlushesAtSizeThreshold(t *testing.T) {
	ctx := h264.NewContext()
	d := New(ctx)

	big := make([]byte, flushThreshold)
	frames, err := d.Push(big, false)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if frames != nil {
		t.Fatalf("expected no frames from garbage data, got %d", len(frames))
	}
	if len(d.buf) != 0 {
		t.Fatalf("expected buffer drained after exceeding flush threshold")
	}
}

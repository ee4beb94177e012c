package mp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gb28181/vms/internal/media/demux/h264"
)

func readyContext(t *testing.T) (*h264.Context, h264.Frame) {
	t.Helper()
	ctx := h264.NewContext()
	if _, ok, err := ctx.ProcessNALU([]byte{0x67, 0x42, 0x00, 0x1F}, false); ok || err != nil {
		t.Fatalf("sps: ok=%v err=%v", ok, err)
	}
	if _, ok, err := ctx.ProcessNALU([]byte{0x68, 0xCE}, false); ok || err != nil {
		t.Fatalf("pps: ok=%v err=%v", ok, err)
	}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)
	frame, ok, err := ctx.ProcessNALU(idr, true)
	if !ok || err != nil {
		t.Fatalf("idr: ok=%v err=%v", ok, err)
	}
	return ctx, frame
}

// boxType reads the 4-byte ASCII type at the given offset of an ISOBMFF box.
func boxType(data []byte, offset int) string {
	return string(data[offset+4 : offset+8])
}

func boxSize(data []byte, offset int) int {
	return int(binary.BigEndian.Uint32(data[offset : offset+4]))
}

func TestInitReturnsFtypThenMoov(t *testing.T) {
	ctx, _ := readyContext(t)
	m := New()

	header, err := m.Init(ctx)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if boxType(header, 0) != "ftyp" {
		t.Fatalf("expected leading ftyp box, got %q", boxType(header, 0))
	}
	ftypLen := boxSize(header, 0)
	if boxType(header, ftypLen) != "moov" {
		t.Fatalf("expected moov box after ftyp, got %q", boxType(header, ftypLen))
	}
}

func TestInitFailsBeforeSPSPPSCaptured(t *testing.T) {
	ctx := h264.NewContext()
	m := New()
	if _, err := m.Init(ctx); err == nil {
		t.Fatalf("expected Init to fail before SPS/PPS are captured")
	}
}

func TestPushFrameBuffersUntilNextKeyframe(t *testing.T) {
	ctx, frame := readyContext(t)
	m := New()

	if _, ok := m.PushFrame(frame, 0); ok {
		t.Fatalf("expected no fragment flushed on the very first keyframe")
	}

	inter := append([]byte{0x61}, bytes.Repeat([]byte{0xCD}, 8)...)
	for i := 1; i <= 3; i++ {
		f, ok, err := ctx.ProcessNALU(inter, true)
		if !ok || err != nil {
			t.Fatalf("inter frame %d: ok=%v err=%v", i, ok, err)
		}
		if _, flushed := m.PushFrame(f, uint32(i*3000)); flushed {
			t.Fatalf("expected no fragment flushed on inter frame %d", i)
		}
	}

	idr2 := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 16)...)
	f2, ok, err := ctx.ProcessNALU(idr2, true)
	if !ok || err != nil {
		t.Fatalf("second idr: ok=%v err=%v", ok, err)
	}

	frag, flushed := m.PushFrame(f2, 12000)
	if !flushed {
		t.Fatalf("expected second keyframe to flush the pending fragment")
	}
	if !frag.Keyframe {
		t.Fatalf("expected flushed fragment to be marked keyframe")
	}
	assertMoofMdatPair(t, frag.Data, 4)
}

func TestFlushDrainsFinalPendingFragment(t *testing.T) {
	ctx, frame := readyContext(t)
	m := New()
	m.PushFrame(frame, 0)

	frag, ok := m.Flush()
	if !ok {
		t.Fatalf("expected Flush to drain the pending fragment")
	}
	assertMoofMdatPair(t, frag.Data, 1)

	if _, ok := m.Flush(); ok {
		t.Fatalf("expected a second Flush with nothing pending to report false")
	}
}

func TestTrunDataOffsetPointsAtMdatPayload(t *testing.T) {
	ctx, frame := readyContext(t)
	m := New()
	m.PushFrame(frame, 0)
	frag, ok := m.Flush()
	if !ok {
		t.Fatalf("expected a flushed fragment")
	}

	moofLen := boxSize(frag.Data, 0)
	if boxType(frag.Data, moofLen) != "mdat" {
		t.Fatalf("expected mdat immediately after moof, got %q", boxType(frag.Data, moofLen))
	}

	// trun's data_offset is read out of the fragment by locating traf/trun
	// within moof; simplest check here is that moof's length plus the
	// 8-byte mdat header equals the offset of the sample payload, and
	// that payload matches the pushed frame's NALU bytes exactly.
	mdatPayload := frag.Data[moofLen+8:]
	if !bytes.Equal(mdatPayload, frame.Data) {
		t.Fatalf("expected mdat payload to equal the pushed frame's AVCC NALU bytes")
	}
}

// assertMoofMdatPair checks that data is exactly one moof box followed by
// one mdat box, and that moof's traf/trun reports wantSamples samples.
func assertMoofMdatPair(t *testing.T, data []byte, wantSamples int) {
	t.Helper()
	if boxType(data, 0) != "moof" {
		t.Fatalf("expected leading moof box, got %q", boxType(data, 0))
	}
	moofLen := boxSize(data, 0)
	if boxType(data, moofLen) != "mdat" {
		t.Fatalf("expected mdat box after moof, got %q", boxType(data, moofLen))
	}
	if moofLen+boxSize(data, moofLen) != len(data) {
		t.Fatalf("expected moof+mdat to account for the entire fragment, got %d want %d",
			moofLen+boxSize(data, moofLen), len(data))
	}

	// Walk moof -> traf -> trun to read sample_count (first 4 bytes of
	// trun's FullBox payload, after version+flags).
	mfhdLen := boxSize(data, 8)
	trafOffset := 8 + mfhdLen
	tfhdLen := boxSize(data, trafOffset+8)
	tfdtOffset := trafOffset + 8 + tfhdLen
	tfdtLen := boxSize(data, tfdtOffset)
	trunOffset := tfdtOffset + tfdtLen
	if boxType(data, trunOffset) != "trun" {
		t.Fatalf("expected trun box, got %q", boxType(data, trunOffset))
	}
	sampleCountOffset := trunOffset + 8 + 4 // box header(8) + version/flags(4)
	sampleCount := binary.BigEndian.Uint32(data[sampleCountOffset : sampleCountOffset+4])
	if int(sampleCount) != wantSamples {
		t.Fatalf("expected %d samples in trun, got %d", wantSamples, sampleCount)
	}
}

package ingest

import (
	"bytes"
	"testing"

	"github.com/gb28181/vms/internal/media/session"
)

func TestEngineRoutesPacketToPipelineForRegisteredSSRC(t *testing.T) {
	reg := session.New("test-server", nil)
	const ssrc = uint32(0xABCD1234)
	if err := reg.InsertWaiting("stream-1", ssrc, nil); err != nil {
		t.Fatalf("InsertWaiting failed: %v", err)
	}

	e := NewEngine(reg)
	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	e.handleFrame(Inbound{Proto: ProtoUDP, RemoteAddr: "10.0.0.5:6000", Data: rtpPacketBytes(t, 1, ssrc, sps)})

	if _, ok := e.Pipeline(ssrc); !ok {
		t.Fatalf("expected a pipeline to have been created for the registered ssrc")
	}
	trace, ok := reg.Lookup(ssrc)
	if !ok {
		t.Fatalf("expected trace to still be registered")
	}
	if trace.RegisterTS() == 0 {
		t.Fatalf("expected OnPacket to have recorded register_ts on first arrival")
	}
}

func TestEngineDropsPacketForUnknownSSRC(t *testing.T) {
	reg := session.New("test-server", nil)
	e := NewEngine(reg)

	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	e.handleFrame(Inbound{Proto: ProtoUDP, RemoteAddr: "10.0.0.5:6000", Data: rtpPacketBytes(t, 1, 0x99, sps)})

	if _, ok := e.Pipeline(0x99); ok {
		t.Fatalf("expected no pipeline for an unregistered ssrc")
	}
}

func TestEngineEvictRemovesAndFlushesPipeline(t *testing.T) {
	reg := session.New("test-server", nil)
	const ssrc = uint32(777)
	if err := reg.InsertWaiting("stream-2", ssrc, nil); err != nil {
		t.Fatalf("InsertWaiting failed: %v", err)
	}
	e := NewEngine(reg)
	e.handleFrame(Inbound{Proto: ProtoUDP, RemoteAddr: "10.0.0.5:6000", Data: rtpPacketBytes(t, 1, ssrc, []byte{0x67, 0x42, 0x00, 0x1F})})

	if _, ok := e.Pipeline(ssrc); !ok {
		t.Fatalf("expected pipeline to exist before eviction")
	}
	e.Evict(ssrc)
	if _, ok := e.Pipeline(ssrc); ok {
		t.Fatalf("expected pipeline to be removed after eviction")
	}
}

func TestIsRTCPClassifiesByPacketTypeByte(t *testing.T) {
	rtcpFrame := []byte{0x80, 200, 0x00, 0x06} // version 2, PT=200 (SR)
	if !isRTCP(rtcpFrame) {
		t.Fatalf("expected frame with PT=200 to classify as RTCP")
	}

	rtpFrame := []byte{0x80, 98, 0x00, 0x01} // PT=98 (H.264), well below 200
	if isRTCP(rtpFrame) {
		t.Fatalf("expected frame with PT=98 to classify as RTP")
	}
}

func TestEngineHandlesRTCPSenderReportWithoutPanicking(t *testing.T) {
	reg := session.New("test-server", nil)
	e := NewEngine(reg)

	// Minimal RTCP SR: version=2, PT=200, length=6 (7 32-bit words - 1),
	// SSRC, NTP MSW/LSW, RTP timestamp, packet/octet counts.
	var sr bytes.Buffer
	sr.Write([]byte{0x80, 200, 0x00, 0x06})
	sr.Write([]byte{0x00, 0x00, 0x00, 0x01}) // ssrc
	sr.Write(make([]byte, 20))               // ntp msw/lsw, rtp ts, packet/octet counts

	e.handleFrame(Inbound{Proto: ProtoUDP, RemoteAddr: "10.0.0.5:6000", Data: sr.Bytes()})
}

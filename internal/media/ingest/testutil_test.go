package ingest

import (
	"testing"

	"github.com/pion/rtp"
)

// rtpPacketBytes marshals a minimal RTP packet for test fixtures.
func rtpPacketBytes(t *testing.T, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			PayloadType:    98,
			SequenceNumber: seq,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp packet: %v", err)
	}
	return data
}

// rtpPacketBytesMarked is rtpPacketBytes with the RTP marker bit set, for
// fixtures that need to close an access unit.
func rtpPacketBytesMarked(t *testing.T, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Marker:         true,
			PayloadType:    98,
			SequenceNumber: seq,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp packet: %v", err)
	}
	return data
}

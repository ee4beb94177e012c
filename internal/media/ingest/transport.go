// Package ingest implements the RTP/RTCP network listener from spec §4.7's
// "input: RTP packets arriving ... from the network layer": a UDP socket
// (datagram-per-packet) and a TCP listener (RFC 4571 two-byte length-prefix
// framing), both demultiplexed by SSRC onto a per-stream pipeline
// (reorder buffer -> demuxer -> muxers). Transport's accept-loop/closing-bool
// shape and its UDP+TCP dual-listener structure are ported directly from
// internal/sip/transport, generalized from SIP's message-oriented framing to
// RTP/RTCP's packet-oriented one.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/bufpool"
	"github.com/gb28181/vms/internal/logging"
)

// maxRTPFrame bounds one RFC 4571 length-prefixed frame. Per the decided
// desync-recovery policy (spec.md open question 2): any TCP frame whose
// declared length exceeds this, or whose payload fails the RTP
// version-bits check, closes the connection rather than attempting
// resynchronization.
const maxRTPFrame = 1500

// Proto identifies the wire transport a packet arrived over.
type Proto string

const (
	ProtoUDP Proto = "UDP"
	ProtoTCP Proto = "TCP"
)

// Inbound is one received datagram or TCP frame, not yet classified as
// RTP or RTCP.
type Inbound struct {
	Proto      Proto
	RemoteAddr string
	Data       []byte
}

// Transport owns the UDP socket and TCP listener for media ingest and
// multiplexes both onto a single bounded Inbound channel.
type Transport struct {
	udpConn *net.UDPConn
	tcpLn   net.Listener
	inbound chan Inbound
	log     zerolog.Logger

	mu      sync.Mutex
	tcpConn map[string]net.Conn
	closing bool
	wg      sync.WaitGroup
}

// NewTransport binds udpAddr and/or tcpAddr (either may be empty to skip
// that listener) and returns an unstarted Transport with inbound buffered
// to capacity.
func NewTransport(udpAddr, tcpAddr string, capacity int) (*Transport, error) {
	t := &Transport{
		inbound: make(chan Inbound, capacity),
		tcpConn: make(map[string]net.Conn),
		log:     logging.WithComponent(logging.Logger(), "media.ingest"),
	}

	if udpAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("ingest: resolve udp addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("ingest: listen udp: %w", err)
		}
		t.udpConn = conn
	}

	if tcpAddr != "" {
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return nil, fmt.Errorf("ingest: listen tcp: %w", err)
		}
		t.tcpLn = ln
	}

	return t, nil
}

// Inbound returns the channel of received frames.
func (t *Transport) Inbound() <-chan Inbound { return t.inbound }

// Start launches the UDP read loop and TCP accept loop (whichever are
// configured) as background goroutines.
func (t *Transport) Start() {
	if t.udpConn != nil {
		t.wg.Add(1)
		go t.udpReadLoop()
	}
	if t.tcpLn != nil {
		t.wg.Add(1)
		go t.tcpAcceptLoop()
	}
}

// Close stops accepting and closes all sockets.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	conns := make([]net.Conn, 0, len(t.tcpConn))
	for _, c := range t.tcpConn {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var firstErr error
	if t.udpConn != nil {
		if err := t.udpConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.tcpLn != nil {
		if err := t.tcpLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
	t.wg.Wait()
	close(t.inbound)
	return firstErr
}

func (t *Transport) udpReadLoop() {
	defer t.wg.Done()
	buf := bufpool.Get(64 * 1024)
	defer bufpool.Put(buf)
	for {
		n, remote, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			if t.isClosing() {
				return
			}
			t.log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case t.inbound <- Inbound{Proto: ProtoUDP, RemoteAddr: remote.String(), Data: data}:
		default:
			t.log.Warn().Msg("inbound channel full, dropping udp packet")
		}
	}
}

func (t *Transport) tcpAcceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			if t.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn().Err(err).Msg("tcp accept failed")
			continue
		}
		t.mu.Lock()
		t.tcpConn[conn.RemoteAddr().String()] = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go t.tcpReadLoop(conn)
	}
}

// tcpReadLoop accumulates length-prefixed RTP/RTCP frames per RFC 4571. A
// frame whose declared length exceeds maxRTPFrame, or whose first two
// payload bytes fail the RTP/RTCP version check ((b0>>6) == 2), desyncs
// the stream beyond simple recovery and closes the connection.
func (t *Transport) tcpReadLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.tcpConn, conn.RemoteAddr().String())
		t.mu.Unlock()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	var acc bytes.Buffer
	header := make([]byte, 2)
	chunk := bufpool.Get(4096)
	defer bufpool.Put(chunk)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			acc.Write(chunk[:n])
		}
		if err != nil {
			return
		}

		for acc.Len() >= 2 {
			peek := acc.Bytes()
			copy(header, peek[:2])
			length := int(header[0])<<8 | int(header[1])
			if length == 0 || length > maxRTPFrame {
				t.log.Warn().Str("remote", remote).Int("length", length).Msg("tcp rtp frame desync, closing connection")
				return
			}
			if acc.Len() < 2+length {
				break
			}
			full := acc.Bytes()
			frame := full[2 : 2+length]
			if !hasRTPVersionBits(frame) {
				t.log.Warn().Str("remote", remote).Msg("tcp rtp frame failed version check, closing connection")
				return
			}
			msg := append([]byte(nil), frame...)
			remaining := append([]byte(nil), full[2+length:]...)
			acc.Reset()
			acc.Write(remaining)

			select {
			case t.inbound <- Inbound{Proto: ProtoTCP, RemoteAddr: remote, Data: msg}:
			default:
				t.log.Warn().Msg("inbound channel full, dropping tcp frame")
			}
		}
	}
}

// hasRTPVersionBits reports whether data's first byte carries RTP/RTCP
// version 2 in its top two bits, the cheap sanity check spec.md's desync
// policy relies on.
func hasRTPVersionBits(data []byte) bool {
	return len(data) > 0 && data[0]>>6 == 2
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// Package transport implements the SIP I/O pipeline from spec §4.4: a
// UDP listener (datagram-per-message) and a TCP listener (per-connection
// accumulation buffer with length-prefix framing), both feeding a single
// bounded inbound channel and both reachable through a common Send method
// for the transaction table's retries. Grounded on the teacher's
// server.go accept-loop shape (closing bool + WaitGroup + net.Listener)
// generalized from RTMP's single TCP listener to SIP's dual UDP+TCP model.
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gb28181/vms/internal/logging"
	"github.com/rs/zerolog"
)

// Protocol identifies the wire transport of an Association.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// Association is the network identity of a peer, per spec §3: for UDP it
// may rotate across heartbeats; for TCP it is pinned to the connection.
type Association struct {
	LocalAddr  string
	RemoteAddr string
	Protocol   Protocol

	// conn is set only for TCP associations, letting Send and teardown
	// target the exact connection without a reverse lookup.
	conn net.Conn
}

// Inbound is one received unit: either a complete message's raw bytes, or
// an out-of-band event (connection closed, keepalive received).
type Inbound struct {
	Association Association
	Data        []byte
	Event       Event
}

// Event marks non-data occurrences on the inbound channel.
type Event int

const (
	EventNone Event = iota
	EventKeepalive
	EventClosed
)

// maxTCPFrame bounds a single length-prefixed SIP message (spec mentions no
// explicit cap; this guards against a malformed peer from stalling the
// accumulation buffer indefinitely).
const maxTCPFrame = 1 << 20

// Transport owns the UDP socket and TCP listener and multiplexes both onto
// a single bounded Inbound channel.
type Transport struct {
	udpConn *net.UDPConn
	tcpLn   net.Listener
	inbound chan Inbound
	log     zerolog.Logger

	mu      sync.Mutex
	tcpConn map[string]net.Conn // remoteAddr -> conn, for Send() by association
	closing bool
	wg      sync.WaitGroup
}

// New binds udpAddr and tcpAddr (either may be empty to skip that
// transport) and returns an unstarted Transport with inbound buffered to
// capacity.
func New(udpAddr, tcpAddr string, capacity int) (*Transport, error) {
	t := &Transport{
		inbound: make(chan Inbound, capacity),
		tcpConn: make(map[string]net.Conn),
		log:     logging.WithComponent(logging.Logger(), "sip.transport"),
	}

	if udpAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve udp addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen udp: %w", err)
		}
		t.udpConn = conn
	}

	if tcpAddr != "" {
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: listen tcp: %w", err)
		}
		t.tcpLn = ln
	}

	return t, nil
}

// Inbound returns the channel of received messages/events.
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

// Close stops accepting and closes all sockets; Start's goroutines drain
// and exit.
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
	buf := make([]byte, 64*1024)
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
		assoc := Association{
			LocalAddr:  t.udpConn.LocalAddr().String(),
			RemoteAddr: remote.String(),
			Protocol:   UDP,
		}
		t.deliver(assoc, data)
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
		t.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("tcp association opened")

		t.wg.Add(1)
		go t.tcpReadLoop(conn)
	}
}

// tcpReadLoop accumulates bytes per spec §4.4: a two-byte length prefix
// (network byte order), then that many bytes of SIP message. A lone CRLF
// or whitespace-only frame is treated as a keepalive and echoed unchanged
// (handled by the caller reacting to EventKeepalive).
func (t *Transport) tcpReadLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.tcpConn, conn.RemoteAddr().String())
		t.mu.Unlock()
		_ = conn.Close()
		t.deliverEvent(Association{
			LocalAddr:  conn.LocalAddr().String(),
			RemoteAddr: conn.RemoteAddr().String(),
			Protocol:   TCP,
			conn:       conn,
		}, EventClosed)
	}()

	var acc bytes.Buffer
	header := make([]byte, 2)
	chunk := make([]byte, 4096)

	assoc := Association{
		LocalAddr:  conn.LocalAddr().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Protocol:   TCP,
		conn:       conn,
	}

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
			if isWhitespaceKeepalive(peek) {
				acc.Reset()
				t.deliverEvent(assoc, EventKeepalive)
				break
			}
			copy(header, peek[:2])
			length := int(binary.BigEndian.Uint16(header))
			if length == 0 || length > maxTCPFrame {
				// Not a length-prefixed frame; treat the whole buffer
				// as one SIP message (some devices omit the RFC 4571
				// prefix on plain TCP SIP).
				msg := append([]byte(nil), peek...)
				acc.Reset()
				t.deliver(assoc, msg)
				break
			}
			if acc.Len() < 2+length {
				break
			}
			full := acc.Bytes()
			msg := append([]byte(nil), full[2:2+length]...)
			remaining := append([]byte(nil), full[2+length:]...)
			acc.Reset()
			acc.Write(remaining)
			t.deliver(assoc, msg)
		}
	}
}

func isWhitespaceKeepalive(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\r' && c != '\n' && c != '\t' {
			return false
		}
	}
	return len(b) > 0
}

// deliver blocks until the inbound channel accepts the message. Spec §5
// treats SIP as loss-intolerant (unlike RTP), so a full channel applies
// backpressure to the reader rather than dropping.
func (t *Transport) deliver(assoc Association, data []byte) {
	t.inbound <- Inbound{Association: assoc, Data: data}
}

func (t *Transport) deliverEvent(assoc Association, ev Event) {
	select {
	case t.inbound <- Inbound{Association: assoc, Event: ev}:
	default:
	}
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// Send transmits raw bytes to assoc, over UDP (stateless) or the pinned
// TCP connection, framing TCP sends with the same two-byte length prefix
// tcpReadLoop expects.
func (t *Transport) Send(assoc Association, raw []byte) error {
	switch assoc.Protocol {
	case UDP:
		if t.udpConn == nil {
			return fmt.Errorf("transport: udp not configured")
		}
		remote, err := net.ResolveUDPAddr("udp", assoc.RemoteAddr)
		if err != nil {
			return fmt.Errorf("transport: resolve remote %s: %w", assoc.RemoteAddr, err)
		}
		_, err = t.udpConn.WriteToUDP(raw, remote)
		return err
	case TCP:
		conn := assoc.conn
		if conn == nil {
			t.mu.Lock()
			conn = t.tcpConn[assoc.RemoteAddr]
			t.mu.Unlock()
		}
		if conn == nil {
			return fmt.Errorf("transport: no tcp connection for %s", assoc.RemoteAddr)
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(raw)))
		if _, err := conn.Write(prefix[:]); err != nil {
			return err
		}
		_, err := conn.Write(raw)
		return err
	default:
		return fmt.Errorf("transport: unknown protocol %q", assoc.Protocol)
	}
}

// CloseAssociation reaps the TCP connection behind assoc, per spec §4.2's
// teardown contract ("emit a close-connection event to the IO layer").
func (t *Transport) CloseAssociation(assoc Association) error {
	if assoc.Protocol != TCP {
		return nil
	}
	t.mu.Lock()
	conn, ok := t.tcpConn[assoc.RemoteAddr]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Package hooks implements the §4.8 hook event loop shared by both nodes:
// a single-consumer task draining a bounded queue of (payload, optional
// reply) tuples and delivering each as an HTTP POST to the peer node.
// Grounded on the teacher's internal/rtmp/server/hooks package — Hook
// interface, HookManager registration/dispatch, and WebhookHook's POST
// shape survive nearly unchanged; the teacher's per-event-type fan-out to
// N registered hooks is narrowed to exactly one peer endpoint per event
// (M and S only ever hook each other), and the teacher's worker-pool
// concurrency is replaced by a single consumer goroutine so that events
// for a given ssrc are delivered to the peer in the order they were
// raised, per the ordering guarantee in the concurrency model.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/media/session"
)

// ReplyTimeout is the deadline for a hook call's HTTP round trip; on
// expiry a reply-needing event fails closed (OnPlay denies the viewer).
const ReplyTimeout = 8 * time.Second

// EventType names one of the six cross-node hook events.
type EventType string

const (
	EventStreamRegister  EventType = "stream_register"
	EventStreamInTimeout EventType = "stream_input_timeout"
	EventStreamIdle      EventType = "stream_idle"
	EventOnPlay          EventType = "on_play"
	EventOffPlay         EventType = "off_play"
	EventEndRecord       EventType = "end_record"
)

// path is the HTTP POST path this event type is delivered to.
func (t EventType) path() string {
	switch t {
	case EventStreamRegister:
		return "/stream/in"
	case EventStreamInTimeout:
		return "/stream/input/timeout"
	case EventStreamIdle:
		return "/stream/idle"
	case EventOnPlay:
		return "/on/play"
	case EventOffPlay:
		return "/off/play"
	case EventEndRecord:
		return "/end/record"
	default:
		return ""
	}
}

// event is one queued (payload, optional reply) tuple.
type event struct {
	Type    EventType
	Payload any
	reply   chan bool // non-nil only for events that need a reply (OnPlay)
}

// Config controls a Client's dispatch behaviour.
type Config struct {
	// PeerBaseURL is the base URL of the peer node's hook receiver, e.g.
	// "http://m.internal:8081".
	PeerBaseURL string
	// Timeout bounds each HTTP round trip. Defaults to ReplyTimeout.
	Timeout time.Duration
	// QueueSize bounds the pending-event queue. Defaults to 256.
	QueueSize int
}

// Client is the outbound half of the hook event loop: events are enqueued
// by registries/handlers and delivered one at a time, in order, by a
// single background consumer goroutine.
type Client struct {
	cfg    Config
	http   *http.Client
	log    zerolog.Logger
	queue  chan event
	closed chan struct{}
}

// NewClient starts the consumer goroutine and returns a ready Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = ReplyTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    logging.WithComponent(logging.Logger(), "hooks.client"),
		queue:  make(chan event, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops accepting new events once the queue drains. Already-queued
// events are still delivered.
func (c *Client) Close() {
	close(c.queue)
	<-c.closed
}

func (c *Client) run() {
	defer close(c.closed)
	for ev := range c.queue {
		c.dispatch(ev)
	}
}

// enqueue drops ev and logs at debug level if the queue is full, per the
// "bounded channels throughout" backpressure policy. Events needing a
// reply are never dropped silently: if the queue itself is full the
// caller is denied immediately rather than blocking past ReplyTimeout.
func (c *Client) enqueue(ev event) bool {
	select {
	case c.queue <- ev:
		return true
	default:
		c.log.Debug().Str("event", string(ev.Type)).Msg("hook queue full, dropping event")
		return false
	}
}

func (c *Client) dispatch(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(ev.Payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(ev.Type)).Msg("marshal hook payload failed")
		c.reply(ev, false)
		return
	}

	url := c.cfg.PeerBaseURL + ev.Type.path()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.log.Error().Err(err).Str("event", string(ev.Type)).Msg("build hook request failed")
		c.reply(ev, false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("hook delivery failed")
		c.reply(ev, false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Str("event", string(ev.Type)).Msg("hook peer returned non-2xx")
		c.reply(ev, false)
		return
	}

	if ev.reply == nil {
		return
	}
	var decoded replyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("hook reply decode failed")
		c.reply(ev, false)
		return
	}
	c.reply(ev, decoded.Code == http.StatusOK && decoded.Data)
}

func (c *Client) reply(ev event, ok bool) {
	if ev.reply != nil {
		ev.reply <- ok
	}
}

// replyEnvelope is the JSON body of a reply-needing hook's response, per
// spec.md's documented OnPlay contract: {code: 200, data: true|false}.
type replyEnvelope struct {
	Code int  `json:"code"`
	Data bool `json:"data"`
}

// StreamRegister implements session.Hooks: fired once a waiting ssrc
// receives its first RTP packet.
func (c *Client) StreamRegister(info session.StreamInfo) {
	c.enqueue(event{Type: EventStreamRegister, Payload: streamInfoPayload(info)})
}

// StreamInTimeout implements session.Hooks: fired when a sweep tick finds
// no traffic since the last one, just before the ssrc is released.
func (c *Client) StreamInTimeout(info session.StreamInfo, viewerCount int) {
	c.enqueue(event{Type: EventStreamInTimeout, Payload: StreamInTimeoutPayload{
		streamInfoPayload(info), viewerCount,
	}})
}

// StreamIdle implements session.Hooks: fired when the viewer count has
// been zero for out_ttl; S is expected to reply by issuing a SIP BYE.
func (c *Client) StreamIdle(info session.StreamInfo) {
	c.enqueue(event{Type: EventStreamIdle, Payload: streamInfoPayload(info)})
}

// OffPlay notifies the peer that a viewer has disconnected.
func (c *Client) OffPlay(req OffPlayPayload) {
	c.enqueue(event{Type: EventOffPlay, Payload: req})
}

// EndRecord notifies the peer that a recording file has been closed, so
// it can update the corresponding database row.
func (c *Client) EndRecord(req EndRecordPayload) {
	c.enqueue(event{Type: EventEndRecord, Payload: req})
}

// OnPlay asks the peer whether req's viewer may be authorized, blocking
// up to ReplyTimeout for the answer. A queue-full condition, a transport
// error, or a timeout all deny the viewer (fail-closed, per spec.md's
// "Hook callback timeouts degrade gracefully: OnPlay denies").
func (c *Client) OnPlay(req OnPlayPayload) bool {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	reply := make(chan bool, 1)
	if !c.enqueue(event{Type: EventOnPlay, Payload: req, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-time.After(c.cfg.Timeout + time.Second):
		// belt-and-braces: dispatch already bounds itself to cfg.Timeout,
		// this only guards against a queue so backed up the event hasn't
		// even been picked up yet.
		return false
	}
}

func streamInfoPayload(info session.StreamInfo) StreamInfoPayload {
	return StreamInfoPayload{
		SSRC:       info.SSRC,
		StreamID:   info.StreamID,
		ServerName: info.ServerName,
		RemoteAddr: info.Origin.RemoteAddr,
		Protocol:   info.Origin.Protocol,
		RegisterTS: info.RegisterTS,
	}
}

var _ session.Hooks = (*Client)(nil)

func init() {
	// Fail fast at compile time if EventType.path ever misses an entry;
	// nothing to do at runtime, this just documents the invariant.
	for _, t := range []EventType{
		EventStreamRegister, EventStreamInTimeout, EventStreamIdle,
		EventOnPlay, EventOffPlay, EventEndRecord,
	} {
		if t.path() == "" {
			panic(fmt.Sprintf("hooks: event type %q has no path mapping", t))
		}
	}
}

// Package handler implements the per-method SIP request dispatcher from
// spec §4.5: REGISTER (with optional digest auth), MESSAGE/NOTIFY (MANSCDP
// dispatch), and INVITE/BYE/CANCEL/ACK routed against the stream-session
// registry. Grounded on the teacher's internal/rtmp/rpc dispatch table
// shape (one method per case, each delegating to a narrow handler) and
// original_source/session/src/gb/handler/{builder.rs,requester.rs} for the
// exact response contract (Via/From/Call-ID/CSeq reuse, fresh To-tag,
// X-GB-Ver header, 401-not-403 on unknown session).
package handler

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/expiry"
	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/sip/digest"
	"github.com/gb28181/vms/internal/sip/manscdp"
	"github.com/gb28181/vms/internal/sip/message"
	"github.com/gb28181/vms/internal/sip/registry"
	"github.com/gb28181/vms/internal/sip/sdp"
	"github.com/gb28181/vms/internal/sip/transport"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
)

// nonceTTL bounds how long a 401 challenge stays valid before a retried
// Authorization is treated as stale (re-challenged rather than verified).
const nonceTTL = 30 * time.Second

// DeviceStore is the persistence boundary this handler writes through
// (spec §6's narrow device-table interface).
type DeviceStore interface {
	// UpsertDevice records deviceID as known, creating its row on first
	// REGISTER.
	UpsertDevice(deviceID string) error
	// SetOnline flips the device's stored liveness flag.
	SetOnline(deviceID string, online bool) error
	// Password returns the device's configured password and whether
	// digest auth is required for it (the pwd_check flag). An empty
	// password with requireAuth=true is treated as "never matches".
	Password(deviceID string) (password string, requireAuth bool)
	UpdateDeviceInfo(deviceID string, info manscdp.DeviceInfoBody) error
	UpdateCatalog(deviceID string, items []manscdp.CatalogItem) error
}

// MediaNodes resolves the media-node pool S picks from for a new INVITE,
// per spec §2's "S selects least-loaded M".
type MediaNodes interface {
	Candidates() []string
	Address(nodeName string) (addr string, ok bool)
}

// ConnectionCloser reaps a TCP association's socket, e.g. after a
// REGISTER(expires=0) teardown. *transport.Transport satisfies this.
type ConnectionCloser interface {
	CloseAssociation(transport.Association) error
}

// Config carries the handler's own identity and policy knobs.
type Config struct {
	Realm    string // digest auth realm
	Domain   string // 20-digit GB domain id, feeds ssrc composition
	LocalURI string // our own "sip:server@domain" contact for Contact headers
}

// Handler dispatches inbound SIP requests to the registries and stores
// that back this node.
type Handler struct {
	cfg      Config
	sessions *registry.Registry
	streams  *streamreg.Registry
	store    DeviceStore
	nodes    MediaNodes
	closer   ConnectionCloser
	log      zerolog.Logger

	nonces *expiry.Wheel[string, digest.Challenge]
}

// New constructs a Handler. closer may be nil if TCP teardown reaping is
// wired elsewhere.
func New(cfg Config, sessions *registry.Registry, streams *streamreg.Registry, store DeviceStore, nodes MediaNodes, closer ConnectionCloser) *Handler {
	h := &Handler{
		cfg:      cfg,
		sessions: sessions,
		streams:  streams,
		store:    store,
		nodes:    nodes,
		closer:   closer,
		log:      logging.WithComponent(logging.Logger(), "sip.handler"),
	}
	h.nonces = expiry.New[string, digest.Challenge](func(string, digest.Challenge) {})
	return h
}

// Run drives the digest-nonce expiration sweeper until ctx is canceled.
func (h *Handler) Run(ctx context.Context) {
	h.nonces.Run(ctx)
}

// Handle dispatches req, received over assoc, to its per-method handler.
// Returns the response to send, or nil if no response is required (ACK).
func (h *Handler) Handle(req *message.Message, assoc transport.Association) *message.Message {
	switch req.Method {
	case message.REGISTER:
		return h.handleRegister(req, assoc)
	case message.MESSAGE, message.NOTIFY:
		return h.handleMessageBody(req, assoc)
	case message.INVITE:
		return h.handleInvite(req, assoc)
	case message.BYE:
		return h.handleBye(req)
	case message.CANCEL:
		return h.handleCancel(req)
	case message.ACK:
		return nil
	case message.OPTIONS:
		return message.Response(req, 200, "OK", "")
	default:
		return message.Response(req, 501, "Not Implemented", "")
	}
}

func (h *Handler) handleRegister(req *message.Message, assoc transport.Association) *message.Message {
	deviceID := message.URIUser(req.From.URI)
	if deviceID == "" {
		deviceID = message.URIUser(req.RequestURI)
	}

	if _, requireAuth := h.store.Password(deviceID); requireAuth {
		authHeader, hasAuth := req.Header("Authorization")
		if !hasAuth {
			return h.challenge(req, deviceID)
		}
		creds, err := digest.ParseAuthorization(authHeader)
		if err != nil {
			return h.challenge(req, deviceID)
		}
		chal, ok := h.nonces.Get(deviceID)
		if !ok || creds.Nonce != chal.Nonce {
			return h.challenge(req, deviceID)
		}
		password, _ := h.store.Password(deviceID)
		if !digest.Verify(string(req.Method), creds, chal, password) {
			return h.challenge(req, deviceID)
		}
		h.nonces.Remove(deviceID)
	}

	if req.Expires <= 0 {
		if oldAssoc, ok := h.sessions.Teardown(deviceID); ok {
			if oldAssoc.Protocol == transport.TCP && h.closer != nil {
				if err := h.closer.CloseAssociation(oldAssoc); err != nil {
					h.log.Warn().Err(err).Str("device_id", deviceID).Msg("close association failed")
				}
			}
		}
		if err := h.store.SetOnline(deviceID, false); err != nil {
			h.log.Warn().Err(err).Str("device_id", deviceID).Msg("set offline failed")
		}
		return message.Response(req, 200, "OK", "")
	}

	h.sessions.Insert(deviceID, req.Expires, assoc)
	if err := h.store.UpsertDevice(deviceID); err != nil {
		h.log.Warn().Err(err).Str("device_id", deviceID).Msg("upsert device failed")
	}
	if err := h.store.SetOnline(deviceID, true); err != nil {
		h.log.Warn().Err(err).Str("device_id", deviceID).Msg("set online failed")
	}
	return message.Response(req, 200, "OK", "")
}

// challenge mints and remembers a fresh digest nonce for deviceID and
// returns the 401 response carrying it.
func (h *Handler) challenge(req *message.Message, deviceID string) *message.Message {
	chal := digest.NewChallenge(h.cfg.Realm)
	h.nonces.Insert(deviceID, nonceTTL, chal)
	resp := message.Response(req, 401, "Unauthorized", "")
	resp.SetHeader("WWW-Authenticate", chal.WWWAuthenticate())
	return resp
}

func (h *Handler) handleMessageBody(req *message.Message, assoc transport.Association) *message.Message {
	env, err := manscdp.DecodeBody(req.Body)
	if err != nil {
		h.log.Warn().Err(err).Msg("manscdp decode failed")
		return message.Response(req, 400, "Bad Request", "")
	}

	if !h.sessions.Has(env.DeviceID) {
		// Unknown session: 401 forces re-registration rather than 403.
		return message.Response(req, 401, "Unauthorized", "")
	}

	switch env.CmdType {
	case manscdp.CmdKeepalive, manscdp.CmdDeviceStatus:
		if sess, ok := h.sessions.Lookup(env.DeviceID); ok {
			h.sessions.Refresh(env.DeviceID, sess.HeartbeatSec, assoc)
		}
	case manscdp.CmdDeviceInfo:
		if info, err := manscdp.DecodeDeviceInfo(env); err == nil {
			if err := h.store.UpdateDeviceInfo(env.DeviceID, *info); err != nil {
				h.log.Warn().Err(err).Str("device_id", env.DeviceID).Msg("update device info failed")
			}
		}
	case manscdp.CmdCatalog:
		if cat, err := manscdp.DecodeCatalog(env); err == nil {
			if err := h.store.UpdateCatalog(env.DeviceID, cat.DeviceList); err != nil {
				h.log.Warn().Err(err).Str("device_id", env.DeviceID).Msg("update catalog failed")
			}
		}
	default:
		// Alarm/DeviceControl/ConfigDownload and anything else: documented
		// but out of core scope (spec §4.5) — still acknowledged with 200.
	}

	return message.Response(req, 200, "OK", "")
}

func (h *Handler) handleInvite(req *message.Message, assoc transport.Association) *message.Message {
	deviceID := message.URIUser(req.From.URI)
	if !h.sessions.Has(deviceID) {
		return message.Response(req, 401, "Unauthorized", "")
	}

	offer, err := sdp.Parse(req.Body)
	if err != nil {
		return message.Response(req, 400, "Bad Request", "")
	}

	nodeName := h.streams.LeastLoadedNode(h.nodes.Candidates())
	if nodeName == "" {
		return message.Response(req, 503, "Service Unavailable", "")
	}
	addr, ok := h.nodes.Address(nodeName)
	if !ok {
		return message.Response(req, 503, "Service Unavailable", "")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return message.Response(req, 500, "Server Internal Error", "")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return message.Response(req, 500, "Server Internal Error", "")
	}

	sess, ok := h.streams.FindStream(deviceID, offer.ChannelID, streamreg.Live)
	if !ok {
		sess, err = h.streams.CreateStream(deviceID, offer.ChannelID, streamreg.Live,
			h.cfg.Domain, nodeName, req.CallID, req.From.Tag, "")
		if err != nil {
			h.log.Warn().Err(err).Str("device_id", deviceID).Msg("create stream failed")
			return message.Response(req, 500, "Server Internal Error", "")
		}
	}

	answer := sdp.Build(sdp.BuildAnswerOptions{
		SessionName:  "Play",
		LocalAddr:    host,
		LocalPort:    port,
		Transport:    offer.Transport,
		PayloadTypes: offer.PayloadTypes,
		SSRC:         sess.SSRC,
		ChannelID:    offer.ChannelID,
		Username:     deviceID,
	})

	resp := message.Response(req, 200, "OK", "")
	resp.ContentType = "Application/SDP"
	resp.Body = answer
	resp.Contact = fmt.Sprintf("<%s>", h.cfg.LocalURI)
	return resp
}

func (h *Handler) handleBye(req *message.Message) *message.Message {
	deviceID := message.URIUser(req.From.URI)
	if !h.sessions.Has(deviceID) {
		return message.Response(req, 401, "Unauthorized", "")
	}
	if sess, ok := h.streams.LookupByCallID(req.CallID); ok {
		h.streams.RemoveStream(sess.StreamID)
	}
	return message.Response(req, 200, "OK", "")
}

func (h *Handler) handleCancel(req *message.Message) *message.Message {
	deviceID := message.URIUser(req.From.URI)
	if !h.sessions.Has(deviceID) {
		return message.Response(req, 401, "Unauthorized", "")
	}
	if sess, ok := h.streams.LookupByCallID(req.CallID); ok {
		h.streams.RemoveStream(sess.StreamID)
	}
	return message.Response(req, 200, "OK", "")
}

// Package signaling implements S's REST surface (spec §6) and hook
// receiver (spec §4.8: S is always the receiving side of the six M→S
// hook events). Grounded on the teacher's cmd/rtmp-server bootstrap
// style for the listener shape, internal/sip/handler for the registries
// it wires against, and gtfodev-camsRelay/pkg/nest's rate.Limiter usage
// for per-token throttling.
package signaling

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/sip/registry"
	"github.com/gb28181/vms/internal/sip/transaction"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
	"github.com/gb28181/vms/internal/store"
)

// Config carries S's own SIP identity and the REST surface's policy
// knobs.
type Config struct {
	Domain   string // 20-digit GB domain id
	Realm    string // digest auth realm, reused for X-GB-Ver style headers
	LocalURI string // our "sip:server@domain" contact
	LocalSentBy string // host:port for our own Via sent-by

	// RequestsPerSecond/Burst bound each gmv-token's REST call rate.
	RequestsPerSecond float64
	Burst             int
}

// MediaNodes resolves the node name the stream registry already picked
// into the two addresses this package needs: the RTP "host:port" S
// builds the SDP offer around, and the HTTP base URL of that node's
// /listen/ssrc endpoint.
type MediaNodes interface {
	MediaAddress(nodeName string) (addr string, ok bool)
	HTTPBaseURL(nodeName string) (url string, ok bool)
	Candidates() []string
}

// Server wires the REST handlers and hook receiver to the shared
// registries. Its HTTP surface is built by NewMux.
type Server struct {
	cfg      Config
	sessions *registry.Registry
	streams  *streamreg.Registry
	txns     *transaction.Table
	sender   transaction.Sender
	nodes    MediaNodes
	store    store.Store
	tokens   TokenValidator
	limiter  *limiterSet
	log      zerolog.Logger
}

// New constructs a Server. sender is *transport.Transport in production.
func New(cfg Config, sessions *registry.Registry, streams *streamreg.Registry, txns *transaction.Table, sender transaction.Sender, nodes MediaNodes, st store.Store, tokens TokenValidator) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		streams:  streams,
		txns:     txns,
		sender:   sender,
		nodes:    nodes,
		store:    st,
		tokens:   tokens,
		limiter:  newLimiterSet(cfg.RequestsPerSecond, cfg.Burst),
		log:      logging.WithComponent(logging.Logger(), "httpapi.signaling"),
	}
}

const replyTimeout = 6 * time.Second // SIP transaction timeout, spec §5

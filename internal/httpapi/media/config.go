// Package media implements M's REST surface (spec §6): the /listen/ssrc
// pre-arm call S uses before sending an INVITE, and the viewer-facing
// /{node}/play/{stream_id}.flv join endpoint. Grounded on the teacher's
// cmd/rtmp-server bootstrap style for the listener shape and
// internal/media/session + internal/media/ingest for the registries it
// sits on top of.
package media

import (
	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/hooks"
	"github.com/gb28181/vms/internal/logging"
	"github.com/gb28181/vms/internal/media/ingest"
	"github.com/gb28181/vms/internal/media/session"
)

// Config carries this node's identity, used both in StreamInfo payloads
// and in building the /{node}/play/ URL prefix viewers are handed.
type Config struct {
	NodeName string
}

// Server wires the REST handlers to the media session registry and
// ingest engine. hooks is the outbound *hooks.Client, installed as the
// registry's session.Hooks port at construction time by the caller.
type Server struct {
	cfg      Config
	registry *session.Registry
	engine   *ingest.Engine
	hooks    *hooks.Client
	log      zerolog.Logger
}

// New constructs a Server. registry must already have been built with
// hooksClient installed as its session.Hooks (session.New(cfg.NodeName,
// hooksClient)), since Server uses hooksClient directly for the two
// reply-needing/viewer-scoped events session.Hooks doesn't cover
// (OnPlay, OffPlay, EndRecord).
func New(cfg Config, registry *session.Registry, engine *ingest.Engine, hooksClient *hooks.Client) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		hooks:    hooksClient,
		log:      logging.WithComponent(logging.Logger(), "httpapi.media"),
	}
}

package signaling

import (
	"net/http"

	"github.com/gb28181/vms/internal/hooks"
)

// NewMux builds S's full HTTP surface: the REST play/control endpoints
// (gmv-token authenticated and rate limited) layered onto the hook
// receiver routes hooks.Mux already builds for s, since S is always the
// receiving side of the six M→S hook events.
func NewMux(s *Server) *http.ServeMux {
	mux := hooks.Mux(s)

	mux.HandleFunc("/api/play/live/stream", s.requireToken(s.handlePlayLive))
	mux.HandleFunc("/api/play/back/stream", s.requireToken(s.handlePlayBack))
	mux.HandleFunc("/api/play/seek", s.requireToken(s.handlePlaySeek))
	mux.HandleFunc("/api/play/speed", s.requireToken(s.handlePlaySpeed))
	mux.HandleFunc("/api/control/ptz", s.requireToken(s.handleControlPTZ))
	mux.HandleFunc("/api/download/mp4", s.requireToken(s.handleDownloadMP4))
	mux.HandleFunc("/api/download/stop", s.requireToken(s.handleDownloadStop))
	mux.HandleFunc("/api/downing/info", s.requireToken(s.handleDowningInfo))

	return mux
}

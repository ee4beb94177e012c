package media

import "net/http"

// NewMux builds M's HTTP surface: the /listen/ssrc pre-arm call and the
// viewer-facing FLV join endpoint. M never receives hook calls (S is
// always the receiving side, per spec §4.8), so unlike
// httpapi/signaling's NewMux there is no hooks.Mux to layer under this
// one.
func NewMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/listen/ssrc", s.handleListenSSRC)
	mux.HandleFunc("/", s.handlePlayFLV)
	return mux
}

package media

import (
	"net/http"
	"strings"

	"github.com/gb28181/vms/internal/hooks"
	"github.com/gb28181/vms/internal/media/session"
)

// handlePlayFLV implements GET /{node}/play/{stream_id}.flv: spec §4.7's
// viewer-join contract laid over HTTP chunked streaming. The leading
// {node} segment is routing-only (a load balancer's stream_id -> node
// hint); this node answers any stream_id whose ssrc it actually holds,
// node match or not.
func (s *Server) handlePlayFLV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	streamID, ok := streamIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	trace, ok := s.registry.LookupByStreamID(streamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}
	pipeline, ok := s.engine.Pipeline(trace.SSRC)
	if !ok {
		http.Error(w, "stream has not started yet", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("token")
	remoteAddr := r.RemoteAddr
	if s.hooks != nil && !s.hooks.OnPlay(hooks.OnPlayPayload{StreamID: streamID, Token: token, RemoteAddr: remoteAddr}) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	header, initTags, live, cancel, err := pipeline.FLV().Join(r.Context())
	if err != nil {
		if s.hooks != nil {
			s.hooks.OffPlay(hooks.OffPlayPayload{StreamID: streamID, Token: token, RemoteAddr: remoteAddr})
		}
		http.Error(w, "timed out waiting for a keyframe", http.StatusNotFound)
		return
	}
	defer cancel()

	if err := s.registry.UpdateViewer(streamID, token, remoteAddr, session.OutputFLV, true); err != nil {
		s.log.Warn().Err(err).Str("stream_id", streamID).Msg("update viewer on join")
	}
	defer func() {
		if err := s.registry.UpdateViewer(streamID, token, remoteAddr, session.OutputFLV, false); err != nil {
			s.log.Warn().Err(err).Str("stream_id", streamID).Msg("update viewer on leave")
		}
		if s.hooks != nil {
			s.hooks.OffPlay(hooks.OffPlayPayload{StreamID: streamID, Token: token, RemoteAddr: remoteAddr})
		}
	}()

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Transfer-Encoding", "chunked")
	flusher, _ := w.(http.Flusher)

	if !writeAndFlush(w, flusher, header) || !writeAndFlush(w, flusher, initTags) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case pkt, ok := <-live:
			if !ok {
				return
			}
			if !writeAndFlush(w, flusher, pkt.Data) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeAndFlush(w http.ResponseWriter, flusher http.Flusher, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}

func streamIDFromPath(path string) (string, bool) {
	const marker = "/play/"
	i := strings.Index(path, marker)
	if i < 0 {
		return "", false
	}
	rest := path[i+len(marker):]
	streamID := strings.TrimSuffix(rest, ".flv")
	if streamID == "" || streamID == rest {
		return "", false
	}
	return streamID, true
}

package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/gb28181/vms/internal/hooks"
	"github.com/gb28181/vms/internal/store"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
)

// S is always the receiving side of the six M→S hook events (spec §4.8);
// *Server implements hooks.Receiver and is mounted behind hooks.Mux by
// NewMux.
var _ hooks.Receiver = (*Server)(nil)

// HandleStreamRegister records that a stream's first RTP packet arrived.
// S has no independent action here beyond logging — the REST call that
// originated the stream already has its playback URLs.
func (s *Server) HandleStreamRegister(p hooks.StreamInfoPayload) {
	s.log.Info().Str("stream_id", p.StreamID).Msg("stream registered upstream")
}

// HandleStreamInTimeout is fired when M evicts a waiting ssrc that never
// received RTP. S tears down the dialog it opened for it, since the
// device is never going to send media on it.
func (s *Server) HandleStreamInTimeout(p hooks.StreamInTimeoutPayload) {
	sess, ok := s.streams.Lookup(p.StreamID)
	if !ok {
		return
	}
	s.log.Warn().Str("stream_id", p.StreamID).Int("viewer_count", p.ViewerCount).Msg("stream input timed out upstream, tearing down dialog")
	s.byeStream(sess)
}

// HandleStreamIdle is fired when a stream's viewer count has been zero for
// out_ttl. Per spec §4.8, S is expected to reply by issuing a BYE.
func (s *Server) HandleStreamIdle(p hooks.StreamInfoPayload) {
	sess, ok := s.streams.Lookup(p.StreamID)
	if !ok {
		return
	}
	s.log.Info().Str("stream_id", p.StreamID).Msg("stream idle, issuing bye")
	s.byeStream(sess)
}

// HandleOnPlay authorizes a viewer join against the stream's gmv-token
// allowlist: the token must already have been attached to the stream by a
// prior /api/play/* call.
func (s *Server) HandleOnPlay(p hooks.OnPlayPayload) bool {
	sess, ok := s.streams.Lookup(p.StreamID)
	if !ok {
		return false
	}
	if sess.HasViewerToken(p.Token) {
		return true
	}
	return s.tokens.Valid(p.Token)
}

// HandleOffPlay drops the departing viewer's token claim and, per spec's
// idle eviction scenario, triggers recording/dialog teardown once no
// token remains attached and the stream is not Live (live streams keep
// their dialog for the device's benefit even with zero current viewers,
// since the push side has no notion of "viewer" at all; only playback
// dialogs depend on a held viewer token to stay open).
func (s *Server) HandleOffPlay(p hooks.OffPlayPayload) {
	sess, ok := s.streams.Lookup(p.StreamID)
	if !ok {
		return
	}
	sess.RemoveViewerToken(p.Token)
	if sess.AccessMode != streamreg.Live && sess.ViewerCount() == 0 {
		s.byeStream(sess)
	}
}

// HandleEndRecord persists the finished recording's file metadata and
// closes out its database row.
func (s *Server) HandleEndRecord(p hooks.EndRecordPayload) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.InsertFileInfo(ctx, store.FileInfo{
		StreamID:  p.StreamID,
		FilePath:  p.FilePath,
		SizeBytes: p.SizeBytes,
		CreatedAt: unixToTime(p.EndedAt),
	}); err != nil {
		s.log.Error().Err(err).Str("stream_id", p.StreamID).Msg("insert file info")
	}
	if err := s.store.UpdateRecord(ctx, p.StreamID, unixToTime(p.EndedAt)); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error().Err(err).Str("stream_id", p.StreamID).Msg("update record")
	}
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

package media

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"
)

// listenSSRCRequest mirrors httpapi/signaling's outbound body: the ssrc S
// is about to INVITE a device onto, pre-armed into the Waiting state so
// the ingest engine already has a home for the device's first RTP
// packet. Record/FilePath are set for /api/download/mp4-originated
// streams only.
type listenSSRCRequest struct {
	SSRC       string `json:"ssrc"`
	StreamID   string `json:"stream_id"`
	OutTTLSecs *int   `json:"out_ttl_secs,omitempty"`
	Record     bool   `json:"record,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

const (
	recordArmAttempts = 20
	recordArmInterval = 200 * time.Millisecond
)

// handleListenSSRC implements POST /listen/ssrc.
func (s *Server) handleListenSSRC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req listenSSRCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ssrc, err := strconv.ParseUint(req.SSRC, 10, 32)
	if err != nil {
		http.Error(w, "ssrc must be a decimal uint32", http.StatusBadRequest)
		return
	}

	var outTTL *time.Duration
	if req.OutTTLSecs != nil {
		d := time.Duration(*req.OutTTLSecs) * time.Second
		outTTL = &d
	}
	if err := s.registry.InsertWaiting(req.StreamID, uint32(ssrc), outTTL); err != nil {
		s.log.Error().Err(err).Str("stream_id", req.StreamID).Msg("insert waiting ssrc")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if req.Record && req.FilePath != "" {
		go s.armRecording(uint32(ssrc), req.StreamID, req.FilePath)
	}
	w.WriteHeader(http.StatusOK)
}

// armRecording waits for the ssrc's ingest Pipeline to exist (created
// lazily by the Engine on the device's first RTP packet) and attaches an
// MP4 sink to it. The Pipeline doesn't exist until that first packet
// arrives, so this polls briefly rather than blocking handleListenSSRC's
// response to S.
func (s *Server) armRecording(ssrc uint32, streamID, filePath string) {
	for i := 0; i < recordArmAttempts; i++ {
		if pipeline, ok := s.engine.Pipeline(ssrc); ok {
			f, err := os.Create(filePath)
			if err != nil {
				s.log.Error().Err(err).Str("stream_id", streamID).Str("file_path", filePath).Msg("create recording file")
				return
			}
			pipeline.StartRecording(f, filePath)
			return
		}
		time.Sleep(recordArmInterval)
	}
	s.log.Warn().Str("stream_id", streamID).Msg("recording arm timed out waiting for first rtp packet")
}

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gb28181/vms/internal/sip/message"
	"github.com/gb28181/vms/internal/sip/sdp"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
)

// playRequest is the shared body shape of /api/play/live/stream and
// /api/play/back/stream: the latter adds St/Et (unix seconds), per spec
// §6's REST surface description.
type playRequest struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
	St        int64  `json:"st,omitempty"`
	Et        int64  `json:"et,omitempty"`
	FilePath  string `json:"file_path,omitempty"` // /api/download/mp4 only
}

type playResponse struct {
	StreamID string `json:"stream_id"`
	FLV      string `json:"flv"`
	M3U8     string `json:"m3u8"`
}

// listenSSRCRequest is the body S posts to M's /listen/ssrc, pre-arming the
// media node's session registry for the ssrc before the device's RTP
// arrives.
type listenSSRCRequest struct {
	SSRC       string `json:"ssrc"`
	StreamID   string `json:"stream_id"`
	OutTTLSecs *int   `json:"out_ttl_secs,omitempty"` // nil = never idle-evict (Live); set for Back/Down
	Record     bool   `json:"record,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// playbackOutTTLSecs is the idle-eviction grace period armed for Back/Down
// streams once their last viewer leaves (spec's out_ttl = Some(d)); Live
// streams are armed with out_ttl = None since the push side has no notion
// of "viewer" at all.
const playbackOutTTLSecs = 30

func (s *Server) handlePlayLive(w http.ResponseWriter, r *http.Request) {
	s.handlePlay(w, r, streamreg.Live)
}

func (s *Server) handlePlayBack(w http.ResponseWriter, r *http.Request) {
	s.handlePlay(w, r, streamreg.Back)
}

// handleDownloadMP4 implements POST /api/download/mp4: a Down-mode stream
// whose media node is additionally told to record to disk. Shares every
// other step (ssrc acquisition, arming, INVITE/ACK) with handlePlay.
func (s *Server) handleDownloadMP4(w http.ResponseWriter, r *http.Request) {
	s.handlePlay(w, r, streamreg.Down)
}

// handlePlay is the shared live/playback/download path: spec's "Playback
// happy path" scenario — acquire an ssrc, arm the media node, send the
// INVITE, wait for the device's 200, ACK the dialog, hand the REST client
// its playback URLs.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request, mode streamreg.AccessMode) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" || req.ChannelID == "" {
		http.Error(w, "device_id and channel_id are required", http.StatusBadRequest)
		return
	}
	if mode == streamreg.Back && (req.St == 0 || req.Et == 0) {
		http.Error(w, "st and et are required for playback", http.StatusBadRequest)
		return
	}
	if mode == streamreg.Down && req.FilePath == "" {
		http.Error(w, "file_path is required for download", http.StatusBadRequest)
		return
	}

	if existing, ok := s.streams.FindStream(req.DeviceID, req.ChannelID, mode); ok {
		s.writePlayResponse(w, existing)
		return
	}

	devSess, ok := s.sessions.Lookup(req.DeviceID)
	if !ok {
		http.Error(w, "device is not registered", http.StatusNotFound)
		return
	}

	nodeName := s.streams.LeastLoadedNode(s.nodes.Candidates())
	if nodeName == "" {
		http.Error(w, "no media node available", http.StatusServiceUnavailable)
		return
	}
	mediaAddr, ok := s.nodes.MediaAddress(nodeName)
	if !ok {
		http.Error(w, "media node has no reachable address", http.StatusServiceUnavailable)
		return
	}

	callID := message.NewCallID() + "@" + s.cfg.Domain
	fromTag := message.NewTag()

	sess, err := s.streams.CreateStream(req.DeviceID, req.ChannelID, mode, s.cfg.Domain, nodeName, callID, fromTag, "")
	if err != nil {
		s.log.Error().Err(err).Msg("create stream session")
		http.Error(w, "could not allocate a stream", http.StatusInternalServerError)
		return
	}

	host, portStr, err := splitHostPort(mediaAddr)
	if err != nil {
		s.streams.RemoveStream(sess.StreamID)
		http.Error(w, "media node address is malformed", http.StatusInternalServerError)
		return
	}
	port, _ := strconv.Atoi(portStr)

	if err := s.armMediaNode(r.Context(), nodeName, sess, mode, req.FilePath); err != nil {
		s.streams.RemoveStream(sess.StreamID)
		s.log.Error().Err(err).Str("node", nodeName).Msg("arm media node listen/ssrc")
		http.Error(w, "media node rejected the stream", http.StatusBadGateway)
		return
	}

	body := sdp.Build(sdp.BuildAnswerOptions{
		SessionName:  playSessionName(mode),
		LocalAddr:    host,
		LocalPort:    port,
		Transport:    "TCP/RTP/AVP",
		PayloadTypes: []int{96, 98},
		SSRC:         sess.SSRC,
		ChannelID:    req.ChannelID,
		Setup:        sdp.SetupPassive,
		Username:     req.DeviceID,
	})
	if mode == streamreg.Back {
		body = append(body, []byte(fmt.Sprintf("u=%s:1\r\n", req.ChannelID))...)
	}

	invite := &message.Message{
		Method:      message.INVITE,
		RequestURI:  "sip:" + req.DeviceID + "@" + s.cfg.Domain,
		Via:         message.Via{Transport: string(devSess.Association.Protocol), SentBy: s.cfg.LocalSentBy, Branch: message.NewBranch()},
		From:        message.NameAddr{URI: s.cfg.LocalURI, Tag: fromTag},
		To:          message.NameAddr{URI: "sip:" + req.DeviceID + "@" + s.cfg.Domain},
		CallID:      callID,
		CSeq:        1,
		CSeqName:    message.INVITE,
		Contact:     s.cfg.LocalURI,
		MaxFwd:      70,
		ContentType: "application/sdp",
		Body:        body,
	}

	raw := invite.Encode()
	replyCh := make(chan *message.Message, 1)
	s.txns.Open(invite, raw, devSess.Association, func(resp *message.Message, ok bool) {
		if !ok {
			replyCh <- nil
			return
		}
		replyCh <- resp
	})
	if err := s.sender.Send(devSess.Association, raw); err != nil {
		s.streams.RemoveStream(sess.StreamID)
		s.log.Error().Err(err).Msg("send invite")
		http.Error(w, "could not reach the device", http.StatusBadGateway)
		return
	}

	var resp *message.Message
	select {
	case resp = <-replyCh:
	case <-time.After(replyTimeout):
	}
	if resp == nil || resp.StatusCode != 200 {
		s.streams.RemoveStream(sess.StreamID)
		http.Error(w, "device did not answer the invite", http.StatusGatewayTimeout)
		return
	}
	sess.ToTag = resp.To.Tag

	ack := &message.Message{
		Method:     message.ACK,
		RequestURI: invite.RequestURI,
		Via:        message.Via{Transport: invite.Via.Transport, SentBy: s.cfg.LocalSentBy, Branch: message.NewBranch()},
		From:       invite.From,
		To:         message.NameAddr{URI: invite.To.URI, Tag: sess.ToTag},
		CallID:     callID,
		CSeq:       1,
		CSeqName:   message.ACK,
		MaxFwd:     70,
	}
	if err := s.sender.Send(devSess.Association, ack.Encode()); err != nil {
		s.log.Warn().Err(err).Msg("send ack")
	}

	sess.AddViewerToken(r.Header.Get("gmv-token"))
	s.writePlayResponse(w, sess)
}

func playSessionName(mode streamreg.AccessMode) string {
	if mode == streamreg.Back {
		return "Playback"
	}
	return "Play"
}

func (s *Server) writePlayResponse(w http.ResponseWriter, sess *streamreg.StreamSession) {
	base, _ := s.nodes.HTTPBaseURL(sess.NodeName)
	resp := playResponse{
		StreamID: sess.StreamID,
		FLV:      base + "/" + sess.NodeName + "/play/" + sess.StreamID + ".flv",
		M3U8:     base + "/" + sess.NodeName + "/play/" + sess.StreamID + ".m3u8",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// armMediaNode posts the pending ssrc to the chosen media node's
// /listen/ssrc endpoint before the INVITE is sent, so the node's ingest
// pipeline is already waiting when the device's first RTP packet arrives.
func (s *Server) armMediaNode(ctx context.Context, nodeName string, sess *streamreg.StreamSession, mode streamreg.AccessMode, filePath string) error {
	base, ok := s.nodes.HTTPBaseURL(nodeName)
	if !ok {
		return fmt.Errorf("signaling: no http base url for node %q", nodeName)
	}
	armReq := listenSSRCRequest{SSRC: sess.SSRC, StreamID: sess.StreamID}
	if mode != streamreg.Live {
		ttl := playbackOutTTLSecs
		armReq.OutTTLSecs = &ttl
	}
	if mode == streamreg.Down {
		armReq.Record = true
		armReq.FilePath = filePath
	}
	payload, err := json.Marshal(armReq)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/listen/ssrc", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("signaling: listen/ssrc returned %d", resp.StatusCode)
	}
	return nil
}

func splitHostPort(addr string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("signaling: %w", err)
	}
	return host, port, nil
}

package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gb28181/vms/internal/sip/manscdp"
	"github.com/gb28181/vms/internal/sip/message"
	"github.com/gb28181/vms/internal/sip/registry"
	streamreg "github.com/gb28181/vms/internal/stream/registry"
)

// ptzRequest is the body of /api/control/ptz: a subset of GB/T's 8-byte PTZ
// command, named the way the REST surface exposes it rather than the wire
// byte layout.
type ptzRequest struct {
	DeviceID      string `json:"device_id"`
	LeftRight     int    `json:"left_right"`
	UpDown        int    `json:"up_down"`
	InOut         int    `json:"in_out"`
	HorizonSpeed  byte   `json:"horizon_speed"`
	VerticalSpeed byte   `json:"vertical_speed"`
}

func (s *Server) handleControlPTZ(w http.ResponseWriter, r *http.Request) {
	var req ptzRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	devSess, ok := s.sessions.Lookup(req.DeviceID)
	if !ok {
		http.Error(w, "device is not registered", http.StatusNotFound)
		return
	}

	body := manscdp.ControlPTZ(req.DeviceID, manscdp.PTZCommand{
		LeftRight:     req.LeftRight,
		UpDown:        req.UpDown,
		InOut:         req.InOut,
		HorizonSpeed:  req.HorizonSpeed,
		VerticalSpeed: req.VerticalSpeed,
	})
	msg := s.newMessageRequest(devSess, body)
	if err := s.sender.Send(devSess.Association, msg.Encode()); err != nil {
		s.log.Error().Err(err).Msg("send ptz message")
		http.Error(w, "could not reach the device", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newMessageRequest builds a MESSAGE request carrying body to devSess's
// device, outside any dialog (fresh Call-ID, no To-tag) — the shape every
// GB/T control/query XML payload is delivered in.
func (s *Server) newMessageRequest(devSess *registry.Session, body string) *message.Message {
	return &message.Message{
		Method:      message.MESSAGE,
		RequestURI:  "sip:" + devSess.DeviceID + "@" + s.cfg.Domain,
		Via:         message.Via{Transport: string(devSess.Association.Protocol), SentBy: s.cfg.LocalSentBy, Branch: message.NewBranch()},
		From:        message.NameAddr{URI: s.cfg.LocalURI, Tag: message.NewTag()},
		To:          message.NameAddr{URI: "sip:" + devSess.DeviceID + "@" + s.cfg.Domain},
		CallID:      message.NewCallID() + "@" + s.cfg.Domain,
		CSeq:        1,
		CSeqName:    message.MESSAGE,
		Contact:     s.cfg.LocalURI,
		MaxFwd:      70,
		ContentType: "Application/MANSCDP+xml",
		Body:        []byte(body),
	}
}

// seekRequest is the body of /api/play/seek: a stream_id and the target
// offset in seconds from the recording's start.
type seekRequest struct {
	StreamID   string `json:"streamId"`
	OffsetSecs int    `json:"seekSecond"`
}

// handlePlaySeek issues an INFO within the playback dialog. GB/T leaves the
// INFO body a vendor XML fragment with no normative schema in this
// profile's scope (spec.md's REST surface list omits it from the core
// contract); this keeps seek/speed as registry-level bookkeeping on
// StreamSession plus a best-effort INFO notification rather than
// round-tripping a vendor-specific payload this profile does not define.
func (s *Server) handlePlaySeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	sess, ok := s.streams.Lookup(req.StreamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}
	if sess.AccessMode != streamreg.Back {
		http.Error(w, "seek only applies to playback streams", http.StatusBadRequest)
		return
	}
	if !s.sendDialogInfo(sess, "PLAY", req.OffsetSecs) {
		http.Error(w, "could not reach the device", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type speedRequest struct {
	StreamID string  `json:"streamId"`
	Scale    float64 `json:"speed"`
}

func (s *Server) handlePlaySpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	sess, ok := s.streams.Lookup(req.StreamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}
	if !s.sendDialogInfoScale(sess, req.Scale) {
		http.Error(w, "could not reach the device", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type downingInfoResponse struct {
	StreamID   string  `json:"stream_id"`
	Percent    float64 `json:"percent"`
	ViewerSize int     `json:"viewer_size"`
}

// handleDowningInfo reports download progress. Actual byte-progress
// tracking belongs to the media node's mp4 writer; S only knows the
// stream's registry state, so percent is left at 0 until a future
// EndRecord hook (or a media-node status relay not in this profile's
// scope) supplies it.
func (s *Server) handleDowningInfo(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream_id")
	sess, ok := s.streams.Lookup(streamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(downingInfoResponse{StreamID: sess.StreamID, ViewerSize: sess.ViewerCount()})
}

type downloadStopRequest struct {
	StreamID string `json:"streamId"`
}

func (s *Server) handleDownloadStop(w http.ResponseWriter, r *http.Request) {
	var req downloadStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	sess, ok := s.streams.Lookup(req.StreamID)
	if !ok {
		http.Error(w, "unknown stream_id", http.StatusNotFound)
		return
	}
	s.byeStream(sess)
	w.WriteHeader(http.StatusNoContent)
}

// sendDialogInfo and sendDialogInfoScale are fire-and-forget INFO requests
// within an established playback dialog: no transaction wait, matching the
// scope note on handlePlaySeek — GB/T leaves this body a vendor XML
// fragment this profile doesn't otherwise need to parse.
func (s *Server) sendDialogInfo(sess *streamreg.StreamSession, action string, offsetSecs int) bool {
	xml := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Control>\r\n<CmdType>PlayControl</CmdType>\r\n<Action>%s</Action>\r\n<OffsetSecs>%d</OffsetSecs>\r\n</Control>\r\n",
		action, offsetSecs)
	return s.sendDialogXML(sess, xml)
}

func (s *Server) sendDialogInfoScale(sess *streamreg.StreamSession, scale float64) bool {
	xml := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Control>\r\n<CmdType>PlayControl</CmdType>\r\n<Scale>%.2f</Scale>\r\n</Control>\r\n",
		scale)
	return s.sendDialogXML(sess, xml)
}

func (s *Server) sendDialogXML(sess *streamreg.StreamSession, xml string) bool {
	devSess, ok := s.sessions.Lookup(sess.DeviceID)
	if !ok {
		return false
	}
	callID, cseq, fromTag, toTag := sess.NextDialog()
	msg := &message.Message{
		Method:      message.INFO,
		RequestURI:  "sip:" + sess.DeviceID + "@" + s.cfg.Domain,
		Via:         message.Via{Transport: string(devSess.Association.Protocol), SentBy: s.cfg.LocalSentBy, Branch: message.NewBranch()},
		From:        message.NameAddr{URI: s.cfg.LocalURI, Tag: fromTag},
		To:          message.NameAddr{URI: "sip:" + sess.DeviceID + "@" + s.cfg.Domain, Tag: toTag},
		CallID:      callID,
		CSeq:        cseq,
		CSeqName:    message.INFO,
		MaxFwd:      70,
		ContentType: "Application/MANSCDP+xml",
		Body:        []byte(xml),
	}
	if err := s.sender.Send(devSess.Association, msg.Encode()); err != nil {
		s.log.Warn().Err(err).Str("stream_id", sess.StreamID).Msg("send dialog info")
		return false
	}
	return true
}

// byeStream tears down an established stream dialog: sends a BYE to the
// device and removes the session from the registry regardless of whether
// the device acknowledges it.
func (s *Server) byeStream(sess *streamreg.StreamSession) {
	devSess, ok := s.sessions.Lookup(sess.DeviceID)
	if ok {
		callID, cseq, fromTag, toTag := sess.NextDialog()
		bye := &message.Message{
			Method:     message.BYE,
			RequestURI: "sip:" + sess.DeviceID + "@" + s.cfg.Domain,
			Via:        message.Via{Transport: string(devSess.Association.Protocol), SentBy: s.cfg.LocalSentBy, Branch: message.NewBranch()},
			From:       message.NameAddr{URI: s.cfg.LocalURI, Tag: fromTag},
			To:         message.NameAddr{URI: "sip:" + sess.DeviceID + "@" + s.cfg.Domain, Tag: toTag},
			CallID:     callID,
			CSeq:       cseq,
			CSeqName:   message.BYE,
			MaxFwd:     70,
		}
		if err := s.sender.Send(devSess.Association, bye.Encode()); err != nil {
			s.log.Warn().Err(err).Str("stream_id", sess.StreamID).Msg("send bye")
		}
	}
	s.streams.RemoveStream(sess.StreamID)
}

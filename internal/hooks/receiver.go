package hooks

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gb28181/vms/internal/logging"
)

// Receiver is implemented by whichever node is on the receiving end of a
// hook call. httpapi/signaling wires one backed by the device/channel
// registry and database; httpapi/media wires one backed by the media
// session Registry and ingest Engine.
type Receiver interface {
	HandleStreamRegister(StreamInfoPayload)
	HandleStreamInTimeout(StreamInTimeoutPayload)
	HandleStreamIdle(StreamInfoPayload)
	HandleOnPlay(OnPlayPayload) bool
	HandleOffPlay(OffPlayPayload)
	HandleEndRecord(EndRecordPayload)
}

// Mux builds the six hook routes over r, suitable for mounting into a
// larger http.ServeMux under the node's HTTP listener. Grounded on the
// teacher's WebhookHook request/response shape, inverted from client to
// server side.
func Mux(r Receiver) *http.ServeMux {
	m := http.NewServeMux()
	log := logging.WithComponent(logging.Logger(), "hooks.receiver")

	m.HandleFunc("/stream/in", handleFireAndForget(log, func(p StreamInfoPayload) { r.HandleStreamRegister(p) }))
	m.HandleFunc("/stream/input/timeout", handleFireAndForget(log, func(p StreamInTimeoutPayload) { r.HandleStreamInTimeout(p) }))
	m.HandleFunc("/stream/idle", handleFireAndForget(log, func(p StreamInfoPayload) { r.HandleStreamIdle(p) }))
	m.HandleFunc("/off/play", handleFireAndForget(log, func(p OffPlayPayload) { r.HandleOffPlay(p) }))
	m.HandleFunc("/end/record", handleFireAndForget(log, func(p EndRecordPayload) { r.HandleEndRecord(p) }))

	m.HandleFunc("/on/play", func(w http.ResponseWriter, req *http.Request) {
		var payload OnPlayPayload
		if !decodeBody(log, w, req, &payload) {
			return
		}
		ok := r.HandleOnPlay(payload)
		writeReply(w, ok)
	})

	return m
}

func handleFireAndForget[T any](log zerolog.Logger, fn func(T)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var payload T
		if !decodeBody(log, w, req, &payload) {
			return
		}
		fn(payload)
		w.WriteHeader(http.StatusOK)
	}
}

func decodeBody(log zerolog.Logger, w http.ResponseWriter, req *http.Request, dst any) bool {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		log.Warn().Err(err).Str("path", req.URL.Path).Msg("hook body decode failed")
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeReply(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(replyEnvelope{Code: http.StatusOK, Data: ok})
}

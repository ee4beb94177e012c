package media

import (
	"github.com/gb28181/vms/internal/hooks"
	"github.com/gb28181/vms/internal/media/ingest"
	"github.com/gb28181/vms/internal/media/session"
)

// HookPort adapts *hooks.Client into session.Hooks, additionally tearing
// down the ingest Engine's Pipeline for an ssrc once StreamInTimeout
// fires — the session registry has no notion of the ingest engine, so
// this is the seam where the two meet, one layer up in cmd/media's
// wiring. Exported (rather than the usual unexported adapter shape)
// because cmd/media must construct it before the Engine exists: a
// session.Registry is needed to build an Engine, but this port is what
// session.New needs its Hooks argument to be. BindEngine closes that
// cycle once the Engine is built.
type HookPort struct {
	client *hooks.Client
	engine *ingest.Engine
}

// NewHookPort constructs the session.Hooks implementation cmd/media
// installs into session.New. engine is nil until BindEngine is called;
// StreamInTimeout is a no-op w.r.t. recording eviction until then.
func NewHookPort(client *hooks.Client) *HookPort {
	return &HookPort{client: client}
}

// BindEngine attaches the ingest Engine once cmd/media has constructed
// it (which itself requires the session.Registry this port was handed
// to at construction time).
func (h *HookPort) BindEngine(engine *ingest.Engine) {
	h.engine = engine
}

func (h *HookPort) StreamRegister(info session.StreamInfo) {
	h.client.StreamRegister(info)
}

func (h *HookPort) StreamInTimeout(info session.StreamInfo, viewerCount int) {
	h.client.StreamInTimeout(info, viewerCount)
	if h.engine == nil {
		return
	}
	if summary, recorded := h.engine.Evict(info.SSRC); recorded {
		h.client.EndRecord(hooks.EndRecordPayload{
			StreamID:  info.StreamID,
			FilePath:  summary.FilePath,
			SizeBytes: summary.SizeBytes,
			StartedAt: summary.StartedAt.Unix(),
			EndedAt:   summary.EndedAt.Unix(),
		})
	}
}

func (h *HookPort) StreamIdle(info session.StreamInfo) {
	h.client.StreamIdle(info)
}

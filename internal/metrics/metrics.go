// Package metrics exposes prometheus collectors for the registries and
// pipelines described in spec.md §2's component table. Both daemons mount
// Handler() at /metrics alongside their REST/playback surfaces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a dedicated prometheus registry (not the global default) so
// tests can construct independent instances without collector collisions.
type Registry struct {
	reg *prometheus.Registry

	SIPSessionsActive   prometheus.Gauge
	SIPTransactionsOpen prometheus.Gauge
	AntiReplayHits      *prometheus.CounterVec
	MediaSessionsActive prometheus.Gauge
	MediaViewersActive  prometheus.Gauge
	SSRCPoolFree        prometheus.Gauge
	ReorderDropped      prometheus.Counter
	DemuxErrors         *prometheus.CounterVec
	HookLatency         *prometheus.HistogramVec
	HookTimeouts        *prometheus.CounterVec
}

// New constructs a Registry with all collectors registered.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		SIPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sip_sessions_active",
			Help: "Number of devices with a live SIP session.",
		}),
		SIPTransactionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sip_transactions_open",
			Help: "Number of outstanding (non-terminated) SIP transactions.",
		}),
		AntiReplayHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sip_antireplay_hits_total",
			Help: "Anti-replay cache hits, labeled by policy (loose/strict).",
		}, []string{"policy"}),
		MediaSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "media_sessions_active",
			Help: "Number of ssrc entries currently tracked by the media session registry.",
		}),
		MediaViewersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "media_viewers_active",
			Help: "Sum of viewer counts across all inner streams.",
		}),
		SSRCPoolFree: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ssrc_pool_free",
			Help: "Number of free SSRC suffixes remaining in the pool.",
		}),
		ReorderDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtp_reorder_dropped_total",
			Help: "RTP packets dropped by the reorder buffer as too-late duplicates.",
		}),
		DemuxErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "demux_errors_total",
			Help: "Demux pipeline errors, labeled by payload kind (ps/h264).",
		}, []string{"kind"}),
		HookLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "hook_latency_seconds",
			Help:    "Hook callback round-trip latency, labeled by event type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		HookTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hook_timeouts_total",
			Help: "Hook callbacks that exceeded their reply deadline, labeled by event type.",
		}, []string{"event"}),
	}
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

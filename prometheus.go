package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metric collectors for the pileup server.
// All Record* methods are safe to call on a nil receiver.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions     prometheus.Gauge
	wsConnectionsTotal prometheus.Counter
	wsDisconnectsTotal prometheus.Counter
	wsRejectedTotal    *prometheus.CounterVec // reason

	// Message metrics (with 'type' label)
	wsMessagesReceivedTotal *prometheus.CounterVec
	wsMessagesSentTotal     *prometheus.CounterVec
	wsDroppedTotal          *prometheus.CounterVec
	wsInvalidTotal          *prometheus.CounterVec // reason
	rateLimitedTotal        *prometheus.CounterVec // kind

	// Queue metrics
	backlogLength      prometheus.Gauge
	entriesAddedTotal  prometheus.Counter
	entriesPlayedTotal prometheus.Counter
	entriesRemoved     prometheus.Counter
	backlogClearsTotal prometheus.Counter
	configUpdatesTotal prometheus.Counter

	// Arbitration metrics
	audioOwned         prometheus.Gauge
	audioClaimsTotal   *prometheus.CounterVec // result
	audioReleasesTotal prometheus.Counter

	// Waterfall relay metrics
	framesRelayedTotal prometheus.Counter
	framesIgnoredTotal *prometheus.CounterVec // reason
	frameBins          prometheus.Histogram
}

// NewPrometheusMetrics creates the metric collectors on their own registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pileup_sessions_active",
			Help: "Number of connected participants",
		}),
		wsConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_websocket_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		wsDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_websocket_disconnects_total",
			Help: "Total WebSocket disconnections",
		}),
		wsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_websocket_rejected_total",
			Help: "WebSocket connections refused before a session was created",
		}, []string{"reason"}),

		wsMessagesReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_websocket_messages_received_total",
			Help: "Messages received from participants by type",
		}, []string{"type"}),
		wsMessagesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_websocket_messages_sent_total",
			Help: "Messages queued to participants by type",
		}, []string{"type"}),
		wsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_ws_dropped_total",
			Help: "Outbound messages dropped because the session was closed or its buffer was full",
		}, []string{"type"}),
		wsInvalidTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_websocket_invalid_total",
			Help: "Inbound messages dropped by validation",
		}, []string{"reason"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_rate_limited_total",
			Help: "Requests refused by a rate limiter",
		}, []string{"kind"}),

		backlogLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pileup_backlog_length",
			Help: "Number of callsigns waiting in the queue",
		}),
		entriesAddedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_entries_added_total",
			Help: "Callsigns added to the queue",
		}),
		entriesPlayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_entries_played_total",
			Help: "Callsigns reported as played by the audio owner",
		}),
		entriesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_entries_removed_total",
			Help: "Callsigns removed from the queue without being played",
		}),
		backlogClearsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_backlog_clears_total",
			Help: "Times the queue was cleared",
		}),
		configUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_config_updates_total",
			Help: "Config updates that changed at least one field",
		}),

		audioOwned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pileup_audio_owned",
			Help: "1 while a participant holds the audio token",
		}),
		audioClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_audio_claims_total",
			Help: "Audio claims by result (granted, held, denied)",
		}, []string{"result"}),
		audioReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_audio_releases_total",
			Help: "Audio token releases, explicit or on disconnect",
		}),

		framesRelayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pileup_waterfall_frames_relayed_total",
			Help: "Waterfall frames relayed from the audio owner",
		}),
		framesIgnoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pileup_waterfall_frames_ignored_total",
			Help: "Waterfall frames not relayed by reason",
		}, []string{"reason"}),
		frameBins: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pileup_waterfall_frame_bins",
			Help:    "Number of bins in relayed waterfall frames",
			Buckets: []float64{32, 64, 128, 256, 512, 1024, 2048, 4096},
		}),
	}
}

// Gatherer returns the registry backing these metrics
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.NewRegistry()
	}
	return pm.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.Gatherer(), promhttp.HandlerOpts{})
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection(active int) {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.activeSessions.Set(float64(active))
}

func (pm *PrometheusMetrics) RecordWSDisconnect(active int) {
	if pm == nil {
		return
	}
	pm.wsDisconnectsTotal.Inc()
	pm.activeSessions.Set(float64(active))
}

func (pm *PrometheusMetrics) RecordWSRejected(reason string) {
	if pm == nil {
		return
	}
	pm.wsRejectedTotal.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) RecordWSMessageReceived(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesReceivedTotal.WithLabelValues(msgType).Inc()
}

func (pm *PrometheusMetrics) RecordWSMessageSent(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesSentTotal.WithLabelValues(msgType).Inc()
}

func (pm *PrometheusMetrics) RecordWSDropped(msgType string) {
	if pm == nil {
		return
	}
	pm.wsDroppedTotal.WithLabelValues(msgType).Inc()
}

func (pm *PrometheusMetrics) RecordInvalidMessage(reason string) {
	if pm == nil {
		return
	}
	pm.wsInvalidTotal.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) RecordRateLimitError(kind string) {
	if pm == nil {
		return
	}
	pm.rateLimitedTotal.WithLabelValues(kind).Inc()
}

// Queue tracking methods
func (pm *PrometheusMetrics) UpdateBacklogLength(n int) {
	if pm == nil {
		return
	}
	pm.backlogLength.Set(float64(n))
}

func (pm *PrometheusMetrics) RecordEntryAdded() {
	if pm == nil {
		return
	}
	pm.entriesAddedTotal.Inc()
}

func (pm *PrometheusMetrics) RecordEntryPlayed() {
	if pm == nil {
		return
	}
	pm.entriesPlayedTotal.Inc()
}

func (pm *PrometheusMetrics) RecordEntryRemoved() {
	if pm == nil {
		return
	}
	pm.entriesRemoved.Inc()
}

func (pm *PrometheusMetrics) RecordBacklogCleared() {
	if pm == nil {
		return
	}
	pm.backlogClearsTotal.Inc()
}

func (pm *PrometheusMetrics) RecordConfigUpdate() {
	if pm == nil {
		return
	}
	pm.configUpdatesTotal.Inc()
}

// Arbitration tracking methods
func (pm *PrometheusMetrics) RecordAudioClaim(result string) {
	if pm == nil {
		return
	}
	pm.audioClaimsTotal.WithLabelValues(result).Inc()
}

func (pm *PrometheusMetrics) SetAudioOwned(owned bool) {
	if pm == nil {
		return
	}
	if owned {
		pm.audioOwned.Set(1)
	} else {
		pm.audioOwned.Set(0)
	}
}

func (pm *PrometheusMetrics) RecordAudioRelease() {
	if pm == nil {
		return
	}
	pm.audioReleasesTotal.Inc()
}

// Waterfall relay tracking methods
func (pm *PrometheusMetrics) RecordFrameRelayed(bins int) {
	if pm == nil {
		return
	}
	pm.framesRelayedTotal.Inc()
	pm.frameBins.Observe(float64(bins))
}

func (pm *PrometheusMetrics) RecordFrameIgnored(reason string) {
	if pm == nil {
		return
	}
	pm.framesIgnoredTotal.WithLabelValues(reason).Inc()
}

// Package metrics provides Prometheus metrics for VEIL.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "veil"
)

// Metrics contains all Prometheus metrics for a VEIL agent (client or
// server). Every counter here corresponds to a stat spec.md calls out
// somewhere in §3/§4/§8 — no speculative metrics beyond that surface.
type Metrics struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionsExpired  prometheus.Counter
	SessionsRotated  prometheus.Counter

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	HandshakeReplays prometheus.Counter

	// Replay window metrics
	PacketsDroppedReplay prometheus.Counter
	PacketsDroppedDecrypt prometheus.Counter
	ReplayBlacklistHits  prometheus.Counter

	// Retransmission metrics
	PacketsRetransmitted prometheus.Counter
	PacketsDroppedBuffer *prometheus.CounterVec
	RTOEstimate          prometheus.Gauge
	SRTTEstimate         prometheus.Gauge

	// Congestion control metrics
	CongestionWindow   prometheus.Gauge
	SlowStartThreshold prometheus.Gauge
	FastRetransmits    prometheus.Counter
	TimeoutLosses      prometheus.Counter

	// ACK scheduler metrics
	AcksSent      prometheus.Counter
	AcksCoalesced prometheus.Counter
	AcksImmediate prometheus.Counter

	// Fragment reassembly metrics
	FragmentsReassembled prometheus.Counter
	FragmentsExpired     prometheus.Counter
	FragmentsDropped     *prometheus.CounterVec

	// Data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total sessions rejected by reason",
		}, []string{"reason"}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total sessions reaped for inactivity",
		}),
		SessionsRotated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rotated_total",
			Help:      "Total session-id rotations performed",
		}),

		// Handshake metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake completion latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		HandshakeReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_replays_total",
			Help:      "Total handshake INIT messages rejected as replays",
		}),

		// Replay window metrics
		PacketsDroppedReplay: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_replay_total",
			Help:      "Total data packets dropped by the replay window",
		}),
		PacketsDroppedDecrypt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_decrypt_total",
			Help:      "Total packets dropped for AEAD authentication failure",
		}),
		ReplayBlacklistHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_blacklist_hits_total",
			Help:      "Total packets dropped by the unmark-cycle blacklist",
		}),

		// Retransmission metrics
		PacketsRetransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_retransmitted_total",
			Help:      "Total packets retransmitted",
		}),
		PacketsDroppedBuffer: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_buffer_total",
			Help:      "Total packets dropped by the retransmit buffer drop policy",
		}, []string{"policy"}),
		RTOEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rto_seconds",
			Help:      "Current retransmission timeout estimate",
		}),
		SRTTEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "srtt_seconds",
			Help:      "Current smoothed round-trip-time estimate",
		}),

		// Congestion control metrics
		CongestionWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window size in bytes",
		}),
		SlowStartThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slow_start_threshold_bytes",
			Help:      "Current slow-start threshold in bytes",
		}),
		FastRetransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fast_retransmits_total",
			Help:      "Total fast-retransmit events triggered by duplicate acks",
		}),
		TimeoutLosses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeout_losses_total",
			Help:      "Total congestion-window reductions triggered by RTO expiry",
		}),

		// ACK scheduler metrics
		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total ACK frames sent",
		}),
		AcksCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_coalesced_total",
			Help:      "Total data packets acknowledged by a coalesced ack",
		}),
		AcksImmediate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_immediate_total",
			Help:      "Total acks sent immediately due to gap or FIN",
		}),

		// Fragment reassembly metrics
		FragmentsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_reassembled_total",
			Help:      "Total messages successfully reassembled from fragments",
		}),
		FragmentsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_expired_total",
			Help:      "Total partial messages dropped for exceeding the reassembly timeout",
		}),
		FragmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Total fragments dropped by reason",
		}, []string{"reason"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by kind",
		}, []string{"frame_kind"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by kind",
		}, []string{"frame_kind"}),
	}

	return m
}

// RecordSessionEstablished records a newly established session.
func (m *Metrics) RecordSessionEstablished() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClosed records a session leaving the table, for any reason.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordSessionRejected records a rejected session attempt.
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionExpired records a session reaped by the timeout sweep.
func (m *Metrics) RecordSessionExpired() {
	m.SessionsExpired.Inc()
	m.SessionsActive.Dec()
}

// RecordSessionRotated records a session-id rotation.
func (m *Metrics) RecordSessionRotated() {
	m.SessionsRotated.Inc()
}

// RecordHandshake records a successful handshake with its latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordHandshakeReplay records an INIT rejected by the replay cache.
func (m *Metrics) RecordHandshakeReplay() {
	m.HandshakeReplays.Inc()
}

// RecordReplayDrop records a data packet dropped by the replay window.
func (m *Metrics) RecordReplayDrop() {
	m.PacketsDroppedReplay.Inc()
}

// RecordDecryptDrop records a packet dropped for AEAD auth failure.
func (m *Metrics) RecordDecryptDrop() {
	m.PacketsDroppedDecrypt.Inc()
}

// RecordReplayBlacklistHit records a drop by the unmark-cycle blacklist.
func (m *Metrics) RecordReplayBlacklistHit() {
	m.ReplayBlacklistHits.Inc()
}

// RecordRetransmit records a packet retransmission.
func (m *Metrics) RecordRetransmit() {
	m.PacketsRetransmitted.Inc()
}

// RecordBufferDrop records a packet dropped by the retransmit buffer's drop policy.
func (m *Metrics) RecordBufferDrop(policy string) {
	m.PacketsDroppedBuffer.WithLabelValues(policy).Inc()
}

// SetRTOEstimate updates the current RTO gauge.
func (m *Metrics) SetRTOEstimate(seconds float64) {
	m.RTOEstimate.Set(seconds)
}

// SetSRTTEstimate updates the current SRTT gauge.
func (m *Metrics) SetSRTTEstimate(seconds float64) {
	m.SRTTEstimate.Set(seconds)
}

// SetCongestionWindow updates the congestion window gauge.
func (m *Metrics) SetCongestionWindow(bytes int) {
	m.CongestionWindow.Set(float64(bytes))
}

// SetSlowStartThreshold updates the slow-start threshold gauge.
func (m *Metrics) SetSlowStartThreshold(bytes int) {
	m.SlowStartThreshold.Set(float64(bytes))
}

// RecordFastRetransmit records a fast-retransmit event.
func (m *Metrics) RecordFastRetransmit() {
	m.FastRetransmits.Inc()
}

// RecordTimeoutLoss records an RTO-triggered congestion-window reduction.
func (m *Metrics) RecordTimeoutLoss() {
	m.TimeoutLosses.Inc()
}

// RecordAckSent records an ACK frame transmission, immediate or delayed.
func (m *Metrics) RecordAckSent(immediate bool, coalescedCount int) {
	m.AcksSent.Inc()
	if immediate {
		m.AcksImmediate.Inc()
	}
	m.AcksCoalesced.Add(float64(coalescedCount))
}

// RecordFragmentReassembled records a message successfully reassembled.
func (m *Metrics) RecordFragmentReassembled() {
	m.FragmentsReassembled.Inc()
}

// RecordFragmentExpired records a partial message dropped by the reassembly timeout.
func (m *Metrics) RecordFragmentExpired() {
	m.FragmentsExpired.Inc()
}

// RecordFragmentDropped records a fragment dropped by reason (over_message_cap, over_total_cap).
func (m *Metrics) RecordFragmentDropped(reason string) {
	m.FragmentsDropped.WithLabelValues(reason).Inc()
}

// RecordBytesSent records bytes sent by type (data, ack, control, heartbeat).
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received by type.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame transmission by kind.
func (m *Metrics) RecordFrameSent(frameKind string) {
	m.FramesSent.WithLabelValues(frameKind).Inc()
}

// RecordFrameReceived records a frame reception by kind.
func (m *Metrics) RecordFrameReceived(frameKind string) {
	m.FramesReceived.WithLabelValues(frameKind).Inc()
}

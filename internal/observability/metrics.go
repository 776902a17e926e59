package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSWriteErrors    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	CaptureSessions  *prometheus.CounterVec
	CaptureErrors    *prometheus.CounterVec
	BargeIns         prometheus.Counter
	DispatchErrors   *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram

	stages *turnWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active tutoring sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transitions_total",
			Help:      "Conversation state transitions by source and target state.",
		}, []string{"from", "to"}),
		CaptureSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_sessions_total",
			Help:      "Speech capture sessions by mode.",
		}, []string{"mode"}),
		CaptureErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Surfaced speech capture errors by code.",
		}, []string{"code"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Playback interruptions triggered by the barge-in vocabulary.",
		}),
		DispatchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Action dispatch failures by kind.",
		}, []string{"kind"}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Round trip of an action dispatch in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		stages: newTurnWindow(256),
	}
}

// The Observe helpers accept a nil receiver so components can run without metrics.

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveCaptureSession(mode string) {
	if m == nil {
		return
	}
	m.CaptureSessions.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveCaptureError(code string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
	m.stages.ObserveIndicator("barge_in")
}

// ObserveDispatch records a dispatch round trip, failed or not. Failures are
// counted by the dispatcher, which knows their kind.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageDispatchRoundtrip, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveDispatchError(kind string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(kind).Inc()
}

// ObserveTurnStage records a latency sample for the rolling turn window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

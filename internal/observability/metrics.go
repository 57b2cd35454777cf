package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	CallEvents      *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	MalformedFrames *prometheus.CounterVec
	Interruptions   prometheus.Counter
	TruncatedAudio  prometheus.Histogram
	ToolCalls       *prometheus.CounterVec
	Recordings      *prometheus.CounterVec
	OutboundCalls   *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls with a live media stream relay.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		MalformedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Dropped frames that could not be decoded, by socket.",
		}, []string{"source"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-ins that truncated in-flight assistant audio.",
		}),
		TruncatedAudio: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "truncated_audio_end_ms",
			Help:      "Milliseconds of assistant audio heard before a barge-in.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Function calls handled by result.",
		}, []string{"result"}),
		Recordings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording callbacks by result.",
		}, []string{"result"}),
		OutboundCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound call placements by result.",
		}, []string{"result"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
	m.CallEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) MalformedFrame(source string) {
	if m == nil {
		return
	}
	m.MalformedFrames.WithLabelValues(source).Inc()
	m.stages.ObserveIndicator("malformed_" + source)
}

func (m *Metrics) Interruption(audioEndMS int64) {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
	m.TruncatedAudio.Observe(float64(audioEndMS))
	m.stages.Observe("truncated_audio", float64(audioEndMS))
	m.stages.ObserveIndicator("interruption")
}

func (m *Metrics) ToolCall(result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(result).Inc()
	m.stages.ObserveIndicator("tool_" + result)
}

func (m *Metrics) Recording(result string) {
	if m == nil {
		return
	}
	m.Recordings.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboundCall(result string) {
	if m == nil {
		return
	}
	m.OutboundCalls.WithLabelValues(result).Inc()
}

// ObserveStage records one latency sample for the rolling window served on
// the latency debug endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pronunciation_eval"

// Evaluation outcomes.
const (
	OutcomeScored    = "scored"
	OutcomeThrottled = "throttled"
	OutcomeNoSignal  = "no_signal"
	OutcomeError     = "error"
	OutcomeCompleted = "completed"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsCreated  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsClosed   *prometheus.CounterVec
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Evaluation metrics
	Evaluations        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	BlocksConfirmed    prometheus.Counter
	FinalScore         prometheus.Histogram

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter

	// Inference metrics
	InferenceLatency *prometheus.HistogramVec
	InferenceErrors  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// RPC metrics
	StreamsActive prometheus.Gauge
	RPCCalls      *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all Prometheus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of evaluation sessions created",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently registered sessions",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed",
		}, []string{"reason"}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of create requests rejected by validation",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of sessions from creation to close",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 900, 3600},
		}),

		// Evaluation metrics
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of evaluate calls by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of non-throttled evaluation passes",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		BlocksConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_confirmed_total",
			Help:      "Total number of sentence blocks confirmed",
		}),
		FinalScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_score",
			Help:      "Overall score of sessions at close",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),

		// Audio metrics
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received",
		}),

		// Inference metrics
		InferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Acoustic model inference latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"provider"}),
		InferenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Total number of acoustic inference errors",
		}, []string{"provider"}),

		// Kafka publish metrics
		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// RPC metrics
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open audio streams",
		}),
		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total number of RPC calls by method and code",
		}, []string{"method", "code"}),
	}
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionRejected records a create request that failed validation.
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordSessionClosed records a session leaving the registry.
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordEvaluation records an evaluate call outcome.
func (m *Metrics) RecordEvaluation(outcome string) {
	m.Evaluations.WithLabelValues(outcome).Inc()
}

// RecordEvaluationDuration records a non-throttled evaluation pass.
func (m *Metrics) RecordEvaluationDuration(seconds float64) {
	m.EvaluationDuration.Observe(seconds)
}

// RecordBlocksConfirmed records newly confirmed blocks.
func (m *Metrics) RecordBlocksConfirmed(n int) {
	m.BlocksConfirmed.Add(float64(n))
}

// RecordFinalScore records a session's overall score at close.
func (m *Metrics) RecordFinalScore(score float64) {
	m.FinalScore.Observe(score)
}

// RecordAudioReceived records an inbound audio chunk.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// RecordInference records an inference call.
func (m *Metrics) RecordInference(provider string, err error, latencySeconds float64) {
	m.InferenceLatency.WithLabelValues(provider).Observe(latencySeconds)
	if err != nil {
		m.InferenceErrors.WithLabelValues(provider).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordStreamStart records an audio stream opening.
func (m *Metrics) RecordStreamStart() {
	m.StreamsActive.Inc()
}

// RecordStreamEnd records an audio stream closing.
func (m *Metrics) RecordStreamEnd() {
	m.StreamsActive.Dec()
}

// RecordRPC records a completed RPC.
func (m *Metrics) RecordRPC(method, code string) {
	m.RPCCalls.WithLabelValues(method, code).Inc()
}

// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	clientNamespace = "ai_speech_capture"
	serverNamespace = "ai_speech_transcriber"
)

// Drop reasons for frames that never reach the batch.
const (
	DropEmpty        = "empty"
	DropGap          = "admission_gap"
	DropNotCapturing = "not_capturing"
)

// Client holds the capture pipeline metrics.
type Client struct {
	// Frame metrics
	FramesReceived prometheus.Counter
	FramesAdmitted prometheus.Counter
	FramesDropped  *prometheus.CounterVec

	// Flush metrics
	Flushes          *prometheus.CounterVec
	PayloadBytesSent prometheus.Counter
	PayloadSize      prometheus.Histogram
	PendingBytes     prometheus.Gauge

	// Transport metrics
	FragmentsReceived prometheus.Counter
	ConnectionState   prometheus.Gauge
}

// Server holds the companion transcription server metrics.
type Server struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	ChunksReceived     prometheus.Counter
	ChunksSkipped      *prometheus.CounterVec

	// Transcript metrics
	TranscriptsSent prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec
	STTEmpty   *prometheus.CounterVec

	// gRPC client metrics
	GRPCClientCalls *prometheus.CounterVec
}

var (
	// DefaultClient is the capture metrics instance on the default registry.
	DefaultClient = NewClient(prometheus.DefaultRegisterer)
	// DefaultServer is the server metrics instance on the default registry.
	DefaultServer = NewServer(prometheus.DefaultRegisterer)
)

// NewClient creates and registers the capture pipeline metrics on reg.
func NewClient(reg prometheus.Registerer) *Client {
	factory := promauto.With(reg)
	return &Client{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "frames_received_total",
			Help:      "Total number of encoder frames delivered to the session",
		}),
		FramesAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "frames_admitted_total",
			Help:      "Total number of frames admitted to the stream buffer",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped before admission",
		}, []string{"reason"}),

		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "flushes_total",
			Help:      "Total number of batch flushes by result",
		}, []string{"result"}),
		PayloadBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Total payload bytes handed to the transport",
		}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: clientNamespace,
			Name:      "payload_size_bytes",
			Help:      "Size of flushed payloads in bytes",
			Buckets:   []float64{1000, 10000, 25000, 50000, 75000, 100000, 200000},
		}),
		PendingBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: clientNamespace,
			Name:      "pending_bytes",
			Help:      "Bytes currently held in the pending batch",
		}),

		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: clientNamespace,
			Name:      "fragments_received_total",
			Help:      "Total transcript fragments received from the server",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: clientNamespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 connecting, 1 open, 2 closed, 3 failed)",
		}),
	}
}

// NewServer creates and registers the server metrics on reg.
func NewServer(reg prometheus.Registerer) *Server {
	factory := promauto.With(reg)
	return &Server{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "connections_total",
			Help:      "Total number of websocket connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serverNamespace,
			Name:      "connections_active",
			Help:      "Number of currently open websocket connections",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: serverNamespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of websocket connections in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received",
		}),
		ChunksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "audio_chunks_skipped_total",
			Help:      "Total audio chunks skipped without recognition",
		}, []string{"reason"}),

		TranscriptsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "transcripts_sent_total",
			Help:      "Total transcript fragments sent to clients",
		}),

		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serverNamespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		STTLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serverNamespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text recognition latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		STTErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider"}),
		STTEmpty: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "stt_empty_results_total",
			Help:      "Total number of recognitions that returned no transcript",
		}, []string{"provider"}),

		GRPCClientCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serverNamespace,
			Name:      "grpc_client_calls_total",
			Help:      "Total outbound gRPC calls by method and status code",
		}, []string{"method", "code"}),
	}
}

// RecordFrame records an encoder frame reaching the session.
func (m *Client) RecordFrame() {
	m.FramesReceived.Inc()
}

// RecordAdmitted records a frame admitted to the batch.
func (m *Client) RecordAdmitted(pendingBytes int) {
	m.FramesAdmitted.Inc()
	m.PendingBytes.Set(float64(pendingBytes))
}

// RecordDropped records a frame dropped before admission.
func (m *Client) RecordDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordFlush records a flush attempt. The pending batch is always empty
// afterwards.
func (m *Client) RecordFlush(bytes int, err error) {
	m.PendingBytes.Set(0)
	m.PayloadSize.Observe(float64(bytes))
	if err != nil {
		m.Flushes.WithLabelValues("failed").Inc()
		return
	}
	m.Flushes.WithLabelValues("sent").Inc()
	m.PayloadBytesSent.Add(float64(bytes))
}

// RecordFragment records an inbound transcript fragment.
func (m *Client) RecordFragment() {
	m.FragmentsReceived.Inc()
}

// RecordConnectionState records the current transport state ordinal.
func (m *Client) RecordConnectionState(state int) {
	m.ConnectionState.Set(float64(state))
}

// RecordConnectionStart records a new websocket connection.
func (m *Server) RecordConnectionStart() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a websocket connection ending.
func (m *Server) RecordConnectionEnd(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordAudioReceived records an audio chunk.
func (m *Server) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.ChunksReceived.Inc()
}

// RecordChunkSkipped records a chunk that was not sent to the recognizer.
func (m *Server) RecordChunkSkipped(reason string) {
	m.ChunksSkipped.WithLabelValues(reason).Inc()
}

// RecordTranscriptSent records a fragment written back to a client.
func (m *Server) RecordTranscriptSent() {
	m.TranscriptsSent.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Server) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordRecognition records one recognizer call.
func (m *Server) RecordRecognition(provider string, err error, results int, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
	if err != nil {
		m.STTErrors.WithLabelValues(provider).Inc()
		return
	}
	if results == 0 {
		m.STTEmpty.WithLabelValues(provider).Inc()
	}
}

// RecordGRPCCall records an outbound gRPC call.
func (m *Server) RecordGRPCCall(method, code string) {
	m.GRPCClientCalls.WithLabelValues(method, code).Inc()
}

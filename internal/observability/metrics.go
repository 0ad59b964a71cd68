package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_sessions",
		Help: "Number of active recording sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_sessions_total",
		Help: "Total number of recording sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_session_duration_seconds",
		Help:    "Duration of recording sessions in seconds",
		Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 5400, 7200},
	})

	// STT connection metrics
	sttConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_stt_connection_events_total",
		Help: "STT connection lifecycle events",
	}, []string{"event"}) // connected, disconnected, reconnecting, max_reconnect_reached

	sttResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_stt_results_total",
		Help: "Transcription results received from the STT service",
	}, []string{"kind"}) // final, interim

	sttFinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_stt_finalize_duration_seconds",
		Help:    "Time from finalize request until the connection is released",
		Buckets: []float64{0.5, 1, 2, 4, 8, 12},
	})

	// Assembler metrics
	segmentsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_segments_finalized_total",
		Help: "Total number of finalized transcript segments",
	})

	channelModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_channel_mode_transitions_total",
		Help: "Channel mode decisions made by the transcript assembler",
	}, []string{"mode"})

	// Auto-stop metrics
	autoStopTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_autostop_triggers_total",
		Help: "Auto-stop triggers by reason",
	}, []string{"reason"})

	// Capture metrics
	systemAudioTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_system_audio_transitions_total",
		Help: "System audio availability transitions",
	}, []string{"available"})

	// Sink metrics
	sinkPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_sink_publish_total",
		Help: "Sink publish attempts by topic and status",
	}, []string{"topic", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_audio_bytes_total",
		Help: "Total audio bytes handled by the STT client",
	}, []string{"direction"}) // direction: "sent", "buffered" or "dropped"
)

// Metrics tracks metrics for a single recording session
type Metrics struct {
	sessionID     string
	startTime     time.Time
	finalizeStart time.Time
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the session the tracker belongs to
func (m *Metrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnectionEvent records an STT connection lifecycle event
func (m *Metrics) RecordConnectionEvent(event string) {
	sttConnectionEvents.WithLabelValues(event).Inc()
}

// RecordResult records a transcription result
func (m *Metrics) RecordResult(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	sttResults.WithLabelValues(kind).Inc()
}

// RecordFinalizeStart marks the start of a graceful finalize
func (m *Metrics) RecordFinalizeStart() {
	m.mu.Lock()
	m.finalizeStart = time.Now()
	m.mu.Unlock()
}

// RecordFinalizeEnd records how long the graceful finalize took
func (m *Metrics) RecordFinalizeEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.finalizeStart.IsZero() {
		sttFinalizeDuration.Observe(time.Since(m.finalizeStart).Seconds())
		m.finalizeStart = time.Time{}
	}
}

// RecordSegmentFinalized records a finalized transcript segment
func (m *Metrics) RecordSegmentFinalized() {
	segmentsFinalized.Inc()
}

// RecordChannelMode records a channel mode decision
func (m *Metrics) RecordChannelMode(mode string) {
	channelModeTransitions.WithLabelValues(mode).Inc()
}

// RecordAutoStop records an auto-stop trigger
func (m *Metrics) RecordAutoStop(reason string) {
	autoStopTriggers.WithLabelValues(reason).Inc()
}

// RecordSystemAudio records a system audio availability transition
func (m *Metrics) RecordSystemAudio(available bool) {
	label := "false"
	if available {
		label = "true"
	}
	systemAudioTransitions.WithLabelValues(label).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes handled by the STT client
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSinkPublish records a sink publish attempt
func RecordSinkPublish(topic string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sinkPublishes.WithLabelValues(topic, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

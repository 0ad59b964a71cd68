package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcription service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string   `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string   `envconfig:"DEEPGRAM_MODEL" default:"nova-3"` // keyterms require nova-3
	DeepgramLanguage string   `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramEndpoint string   `envconfig:"DEEPGRAM_ENDPOINT" default:"wss://api.deepgram.com/v1/listen"`
	UtteranceEndMs   int      `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1500"`
	EndpointingMs    int      `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"`
	KeytermCoreList  []string `envconfig:"KEYTERM_CORE_LIST" default:"agenda,action item,follow-up,roadmap,deadline"`

	// Audio pipeline configuration
	TargetSampleRate   int           `envconfig:"TARGET_SAMPLE_RATE" default:"16000"`
	ChunkDuration      time.Duration `envconfig:"CHUNK_DURATION" default:"100ms"`
	AudioBufferChunks  int           `envconfig:"AUDIO_BUFFER_CHUNKS" default:"50"` // ~5s of 100ms chunks
	VADEnergyThreshold float64       `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int           `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Streaming client configuration
	KeepAliveInterval    time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"8s"`
	FinalizeQuietWindow  time.Duration `envconfig:"FINALIZE_QUIET_WINDOW" default:"900ms"`
	FinalizeMaxWait      time.Duration `envconfig:"FINALIZE_MAX_WAIT" default:"8s"`
	FinalizeCloseWait    time.Duration `envconfig:"FINALIZE_CLOSE_WAIT" default:"3500ms"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`
	ReconnectMaxBackoff  time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"30s"`

	// Transcript assembly. These thresholds were tuned by ear on a handful of
	// recordings and should be revisited against a labelled corpus.
	DetectionThreshold     int     `envconfig:"DETECTION_THRESHOLD" default:"5"`
	MergeGapSeconds        float64 `envconfig:"MERGE_GAP_SECONDS" default:"2.0"`
	StabilizeMinWords      int     `envconfig:"STABILIZE_MIN_WORDS" default:"4"`
	StabilizeMinDuration   float64 `envconfig:"STABILIZE_MIN_DURATION" default:"1.0"`
	StabilizeMinConfidence float64 `envconfig:"STABILIZE_MIN_CONFIDENCE" default:"0.6"`
	BoundaryConfidence     float64 `envconfig:"BOUNDARY_CONFIDENCE" default:"0.4"`
	MicroSegmentMaxWords   int     `envconfig:"MICRO_SEGMENT_MAX_WORDS" default:"3"`
	MicroSegmentConfidence float64 `envconfig:"MICRO_SEGMENT_CONFIDENCE" default:"0.4"`
	DefaultMaxSpeakers     int     `envconfig:"DEFAULT_MAX_SPEAKERS" default:"0"` // 0 = no hint

	// Auto-stop configuration
	AutoStopEnabled         bool          `envconfig:"AUTOSTOP_ENABLED" default:"true"`
	AutoStopSilence         time.Duration `envconfig:"AUTOSTOP_SILENCE" default:"10m"`
	AutoStopMinRecording    time.Duration `envconfig:"AUTOSTOP_MIN_RECORDING" default:"5m"`
	AutoStopCalendarGrace   time.Duration `envconfig:"AUTOSTOP_CALENDAR_GRACE" default:"5m"`
	AutoStopSilenceCheck    time.Duration `envconfig:"AUTOSTOP_SILENCE_CHECK" default:"30s"`
	AutoStopProcessPoll     time.Duration `envconfig:"AUTOSTOP_PROCESS_POLL" default:"10s"`
	AutoStopActiveSpeech    time.Duration `envconfig:"AUTOSTOP_ACTIVE_SPEECH" default:"60s"`
	AutoStopCalendarRecheck time.Duration `envconfig:"AUTOSTOP_CALENDAR_RECHECK" default:"1m"`
	MeetingAppsFile         string        `envconfig:"MEETING_APPS_FILE" default:""`

	// Sink (Kafka) configuration
	KafkaEnabled         bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopicPartial    string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcript.segments.partial"`
	KafkaTopicFinal      string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcript.segments.final"`
	KafkaTopicTranscript string   `envconfig:"KAFKA_TOPIC_TRANSCRIPT" default:"transcript.completed"`
	KafkaTopicStatus     string   `envconfig:"KAFKA_TOPIC_STATUS" default:"recording.status"`
	KafkaPrincipal       string   `envconfig:"KAFKA_PRINCIPAL" default:"meeting-transcriber"`

	// Resilience configuration for the sink
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.TargetSampleRate <= 0 {
		return fmt.Errorf("TARGET_SAMPLE_RATE must be positive, got %d", c.TargetSampleRate)
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("CHUNK_DURATION must be positive, got %s", c.ChunkDuration)
	}
	if c.AudioBufferChunks <= 0 {
		return fmt.Errorf("AUDIO_BUFFER_CHUNKS must be positive, got %d", c.AudioBufferChunks)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative, got %d", c.ReconnectMaxAttempts)
	}
	if c.DetectionThreshold <= 0 {
		return fmt.Errorf("DETECTION_THRESHOLD must be positive, got %d", c.DetectionThreshold)
	}
	return nil
}

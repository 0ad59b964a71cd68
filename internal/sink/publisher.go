package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/resilience"
)

// Config holds Kafka publisher configuration
type Config struct {
	Brokers         []string
	TopicPartial    string
	TopicFinal      string
	TopicTranscript string
	TopicStatus     string
	Principal       string
	Enabled         bool
}

// ConfigFrom builds publisher settings from service configuration
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Brokers:         cfg.KafkaBrokers,
		TopicPartial:    cfg.KafkaTopicPartial,
		TopicFinal:      cfg.KafkaTopicFinal,
		TopicTranscript: cfg.KafkaTopicTranscript,
		TopicStatus:     cfg.KafkaTopicStatus,
		Principal:       cfg.KafkaPrincipal,
		Enabled:         cfg.KafkaEnabled,
	}
}

// messageWriter is the subset of kafka.Writer used for publishing
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Option configures a Publisher
type Option func(*Publisher)

// WithLogger sets the parent logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = observability.WithComponent(logger, "sink") }
}

// WithCircuitBreaker guards writes with a circuit breaker
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Publisher) { p.breaker = cb }
}

// WithRetry sets the retry policy for transient write errors
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(p *Publisher) { p.retry = cfg }
}

// Publisher writes sink events as JSON to Kafka topics keyed by session id.
// When Kafka is disabled events are only logged.
type Publisher struct {
	writer    messageWriter
	dialer    *kafka.Dialer
	brokers   []string
	principal string
	topics    Config
	enabled   bool
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	logger    zerolog.Logger
}

// New creates a publisher. A nil or disabled config, or one without
// brokers, yields a log-only publisher.
func New(cfg *Config, opts ...Option) *Publisher {
	p := &Publisher{
		logger: observability.WithComponent(observability.GetLogger(), "sink"),
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg == nil {
		p.logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.topics = *cfg
	p.principal = cfg.Principal

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	// Topic is set per message so one writer serves every topic
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.dialer = dialer
	p.brokers = cfg.Brokers
	p.enabled = true

	p.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicStatus", cfg.TopicStatus).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// PublishSegment publishes an interim segment to the partial topic and a
// finalized one to the final topic.
func (p *Publisher) PublishSegment(ctx context.Context, event SegmentEvent) error {
	topic := p.topics.TopicFinal
	if event.Interim {
		topic = p.topics.TopicPartial
	}
	return p.publish(ctx, topic, "segment", event.SessionID, event)
}

// PublishTranscript publishes a completed transcript
func (p *Publisher) PublishTranscript(ctx context.Context, event TranscriptEvent) error {
	return p.publish(ctx, p.topics.TopicTranscript, "transcript", event.SessionID, event)
}

// PublishStatus publishes a recording status change
func (p *Publisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	return p.publish(ctx, p.topics.TopicStatus, "status", event.SessionID, event)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	p.logger.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || p.writer == nil {
		observability.RecordSinkPublish(topic, true)
		return nil
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	write := func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			return p.writer.WriteMessages(ctx, msg)
		}, p.retry, isRetryableKafkaError)
	}
	if p.breaker != nil {
		err = p.breaker.Call(write)
	} else {
		err = write()
	}

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(p.breaker.Name())
		}
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		observability.RecordSinkPublish(topic, false)
		return err
	}

	observability.RecordSinkPublish(topic, true)
	return nil
}

func isRetryableKafkaError(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	return resilience.IsRetryableNetworkError(err)
}

// Ping dials the brokers until one answers. A log-only publisher is always
// reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	if !p.enabled || p.dialer == nil {
		return nil
	}
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close flushes and closes the Kafka writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Kafka writer")
		return err
	}
	return nil
}

var _ Sink = (*Publisher)(nil)

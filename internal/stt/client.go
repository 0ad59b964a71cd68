package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/audio"
	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/resilience"
)

// Config holds streaming client settings
type Config struct {
	Options             LiveOptions
	BufferChunks        int
	KeepAliveInterval   time.Duration
	FinalizeQuietWindow time.Duration
	FinalizeMaxWait     time.Duration
	FinalizeCloseWait   time.Duration
	Reconnect           resilience.ReconnectConfig
}

// ConfigFrom builds client settings for 2-channel 16-bit PCM from service
// configuration. Per-session values (speaker hint, keyterms) are left empty.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Options: LiveOptions{
			Model:          cfg.DeepgramModel,
			Language:       cfg.DeepgramLanguage,
			Encoding:       "linear16",
			SampleRate:     cfg.TargetSampleRate,
			Channels:       audio.MixedChannels,
			SmartFormat:    true,
			Diarize:        true,
			InterimResults: true,
			VADEvents:      true,
			UtteranceEndMs: cfg.UtteranceEndMs,
			EndpointingMs:  cfg.EndpointingMs,
		},
		BufferChunks:        cfg.AudioBufferChunks,
		KeepAliveInterval:   cfg.KeepAliveInterval,
		FinalizeQuietWindow: cfg.FinalizeQuietWindow,
		FinalizeMaxWait:     cfg.FinalizeMaxWait,
		FinalizeCloseWait:   cfg.FinalizeCloseWait,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.ReconnectBackoff,
			Multiplier:  2.0,
			MaxBackoff:  cfg.ReconnectMaxBackoff,
		},
	}
}

// Option configures a Client
type Option func(*Client)

// WithClock replaces the wall clock used for timers
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the parent logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = observability.WithComponent(logger, "stt") }
}

// WithMetrics records connection and result metrics for a session
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCircuitBreaker guards dials with a circuit breaker
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client streams audio to the transcription service and delivers results on
// Events. Audio sent while the connection is down is kept in a bounded
// buffer and flushed on reconnect. Connect and the close methods must not be
// called concurrently with each other.
type Client struct {
	cfg     Config
	dialer  Dialer
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics
	breaker *resilience.CircuitBreaker

	events       chan Event
	done         chan struct{}
	closingCh    chan struct{}
	lifeCtx      context.Context
	lifeCancel   context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	// writeMu orders the buffer flush ahead of live audio
	writeMu sync.Mutex

	mu               sync.Mutex
	state            ConnectionState
	conn             Conn
	connDone         chan struct{}
	closing          bool
	buffer           *audio.ChunkRing
	lastResultAt     time.Time
	keytermsDisabled bool
	keytermWarned    bool
}

// NewClient creates an idle client
func NewClient(cfg Config, dialer Dialer, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clock.New(),
		logger:     observability.WithComponent(observability.GetLogger(), "stt"),
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
		closingCh:  make(chan struct{}),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		state:      StateIdle,
		buffer:     audio.NewChunkRing(cfg.BufferChunks),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the event stream. It is closed once the client has shut down.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BufferedChunks returns the number of chunks waiting for a connection
func (c *Client) BufferedChunks() int {
	return c.buffer.Len()
}

// Connect opens the connection. When the first attempt fails the client keeps
// retrying in the background and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.connect(ctx)
	if err == nil {
		return nil
	}

	c.logger.Error().Err(err).Msg("Failed to connect to transcription service")
	c.emit(Event{Type: EventError, Message: ErrorMessage(err)})

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return err
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.reconnectLoop()

	return fmt.Errorf("failed to connect to transcription service: %w", err)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.recordConnection("failed")
		return err
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	connDone := make(chan struct{})
	c.conn = conn
	c.connDone = connDone
	c.state = StateOpen
	pending := c.buffer.Drain()
	c.wg.Add(2)
	c.mu.Unlock()

	for i, chunk := range pending {
		if err := conn.WriteAudio(chunk); err != nil {
			c.logger.Warn().Err(err).Int("remaining", len(pending)-i).Msg("Failed to flush buffered audio")
			c.mu.Lock()
			for _, rest := range pending[i:] {
				c.buffer.Push(rest)
			}
			c.mu.Unlock()
			break
		}
		c.recordAudio("sent", len(chunk))
	}
	c.writeMu.Unlock()

	c.logger.Info().
		Str("model", c.cfg.Options.Model).
		Int("flushed_chunks", len(pending)).
		Msg("Connected to transcription service")
	c.recordConnection("connected")
	c.emit(Event{Type: EventConnected})

	go c.readLoop(conn, connDone)
	go c.keepAlive(conn, connDone)
	return nil
}

// dial connects once, retrying a single time without keyterms when the
// service rejects them
func (c *Client) dial(ctx context.Context) (Conn, error) {
	opts := c.liveOptions()
	conn, err := c.dialOnce(ctx, opts)

	var rejected *CapabilityRejectedError
	if err != nil && len(opts.Keyterms) > 0 && errors.As(err, &rejected) {
		c.mu.Lock()
		c.keytermsDisabled = true
		c.warnKeytermsLocked(rejected.Error())
		c.mu.Unlock()

		opts.Keyterms = nil
		conn, err = c.dialOnce(ctx, opts)
	}
	return conn, err
}

func (c *Client) dialOnce(ctx context.Context, opts LiveOptions) (Conn, error) {
	var conn Conn
	call := func() error {
		var err error
		conn, err = c.dialer.Dial(ctx, opts)
		return err
	}
	if c.breaker == nil {
		err := call()
		return conn, err
	}
	err := c.breaker.Call(call)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		observability.IncrementCircuitBreakerFailures(c.breaker.Name())
	}
	return conn, err
}

func (c *Client) liveOptions() LiveOptions {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := c.cfg.Options
	if len(opts.Keyterms) == 0 {
		return opts
	}
	if c.keytermsDisabled {
		opts.Keyterms = nil
		return opts
	}
	if !opts.SupportsKeyterms() {
		c.keytermsDisabled = true
		c.warnKeytermsLocked("model " + opts.Model + " does not support keyterms")
		opts.Keyterms = nil
		return opts
	}
	opts.Keyterms = append([]string(nil), opts.Keyterms...)
	return opts
}

// warnKeytermsLocked logs at most once per client. c.mu must be held.
func (c *Client) warnKeytermsLocked(reason string) {
	if c.keytermWarned {
		return
	}
	c.keytermWarned = true
	c.logger.Warn().Str("reason", reason).Msg("Keyterm prompting disabled for this session")
}

// SendAudio sends one PCM chunk. While the connection is down the chunk is
// buffered, evicting the oldest buffered chunk when full.
func (c *Client) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	conn := c.conn
	if c.state != StateOpen || conn == nil {
		evicted := c.buffer.Push(chunk)
		c.mu.Unlock()
		c.recordAudio("buffered", len(chunk))
		if evicted {
			c.recordAudio("dropped", len(chunk))
		}
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteAudio(chunk)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Audio write failed, buffering until reconnected")
		c.mu.Lock()
		c.buffer.Push(chunk)
		c.mu.Unlock()
		// The read loop observes the closed connection and reconnects
		_ = conn.Close()
		return nil
	}
	c.recordAudio("sent", len(chunk))
	return nil
}

func (c *Client) readLoop(conn Conn, connDone chan struct{}) {
	defer c.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			close(connDone)
			return
		}

		msg, err := parseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed service message")
			c.recordError("parse")
			continue
		}

		switch msg.kind {
		case messageResults:
			c.mu.Lock()
			c.lastResultAt = c.clock.Now()
			c.mu.Unlock()
			if msg.utterance == nil {
				continue
			}
			if c.metrics != nil {
				c.metrics.RecordResult(msg.utterance.IsFinal)
			}
			c.emit(Event{Type: EventTranscript, Utterance: msg.utterance})

		case messageUtteranceEnd:
			c.emit(Event{Type: EventUtteranceEnd, Channel: msg.channel, LastWordEnd: msg.lastWordEnd})

		case messageError:
			c.logger.Error().Str("error", msg.errText).Msg("Transcription service reported an error")
			c.recordError("service")
			c.emit(Event{Type: EventError, Message: msg.errText})
			if !c.isClosing() {
				_ = conn.Close()
			}
		}
	}
}

func (c *Client) handleDisconnect(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connDone = nil
	closing := c.closing
	if closing {
		c.state = StateClosed
	} else {
		c.state = StateConnecting
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if !closing && !isNormalClose(err) {
		msg := ErrorMessage(err)
		c.logger.Error().Str("error", msg).Msg("Transcription connection lost")
		c.recordError("transport")
		c.emit(Event{Type: EventError, Message: msg})
	}

	c.logger.Info().Bool("closing", closing).Msg("Disconnected from transcription service")
	c.recordConnection("disconnected")
	c.emit(Event{Type: EventDisconnected})

	if !closing {
		go c.reconnectLoop()
	}
}

// reconnectLoop must be started with c.wg already incremented
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	rc := c.cfg.Reconnect
	rc.OnAttempt = func(attempt int, delay time.Duration) {
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to transcription service")
		c.recordConnection("reconnecting")
		c.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
	}
	if rc.Sleep == nil {
		rc.Sleep = c.sleep
	}

	err := resilience.Reconnect(c.lifeCtx, c.connect, &rc)
	if err == nil || !errors.Is(err, resilience.ErrReconnectExhausted) {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Giving up on transcription service, audio will be buffered")
	c.recordConnection("max_reconnect_reached")
	c.emit(Event{Type: EventMaxReconnectReached, Message: ErrorMessage(err)})
}

func (c *Client) keepAlive(conn Conn, connDone <-chan struct{}) {
	defer c.wg.Done()

	if c.cfg.KeepAliveInterval <= 0 {
		return
	}
	ticker := c.clock.Ticker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-c.closingCh:
			return
		case <-ticker.C:
			if err := c.writeControl(conn, ControlKeepAlive); err != nil {
				c.logger.Debug().Err(err).Msg("Keepalive failed")
			}
		}
	}
}

// FinalizeAndClose asks the service to flush pending results, waits until
// results stop arriving, then closes the stream and waits for the service to
// confirm. Every wait is bounded, so the call returns even when the service
// never answers. Events is closed before it returns.
func (c *Client) FinalizeAndClose(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.closingCh)
	conn, connDone := c.conn, c.connDone
	open := c.state == StateOpen && conn != nil
	if open {
		c.state = StateClosing
	}
	c.lastResultAt = c.clock.Now()
	c.mu.Unlock()
	c.lifeCancel()

	if open {
		start := c.clock.Now()
		if c.metrics != nil {
			c.metrics.RecordFinalizeStart()
		}

		if err := c.writeControl(conn, ControlFinalize); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send finalize")
		} else {
			c.waitForDrain(ctx, connDone)
		}

		if err := c.writeControl(conn, ControlCloseStream); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send close stream")
		}
		c.waitFor(ctx, connDone, c.cfg.FinalizeCloseWait)

		if c.metrics != nil {
			c.metrics.RecordFinalizeEnd()
		}
		c.logger.Info().Dur("duration", c.clock.Since(start)).Msg("Transcription stream finalized")
	}

	c.shutdown()
	return nil
}

// Close shuts the client down without waiting for pending results
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.closingCh)
	conn := c.conn
	c.mu.Unlock()
	c.lifeCancel()

	if conn != nil {
		_ = c.writeControl(conn, ControlCloseStream)
	}
	c.shutdown()
	return nil
}

func (c *Client) waitForDrain(ctx context.Context, connDone <-chan struct{}) {
	quiet := c.cfg.FinalizeQuietWindow
	poll := min(quiet, 200*time.Millisecond)
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	deadline := c.clock.Now().Add(c.cfg.FinalizeMaxWait)

	for {
		now := c.clock.Now()
		if now.Sub(c.lastResult()) >= quiet {
			return
		}
		if !now.Before(deadline) {
			c.logger.Warn().Dur("max_wait", c.cfg.FinalizeMaxWait).Msg("Results still arriving at finalize deadline")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-connDone:
			return
		case <-c.clock.After(poll):
		}
	}
}

func (c *Client) waitFor(ctx context.Context, ch <-chan struct{}, d time.Duration) {
	timer := c.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-ch:
	case <-timer.C:
		c.logger.Warn().Dur("wait", d).Msg("Service did not confirm close, forcing")
	}
}

func (c *Client) shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connDone = nil
		c.state = StateClosed
		c.buffer.Clear()
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
			// The read loop ignores a connection it no longer owns
			select {
			case c.events <- Event{Type: EventDisconnected}:
			default:
			}
			c.recordConnection("disconnected")
		}

		close(c.done)
		c.wg.Wait()
		close(c.events)
	})
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) writeControl(conn Conn, msgType string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(msgType)
}

// emit never holds c.mu; it gives up once the client has shut down
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) lastResult() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResultAt
}

func (c *Client) recordConnection(event string) {
	if c.metrics != nil {
		c.metrics.RecordConnectionEvent(event)
	}
}

func (c *Client) recordAudio(direction string, n int) {
	if c.metrics != nil {
		c.metrics.RecordAudioBytes(direction, int64(n))
	}
}

func (c *Client) recordError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType, "stt")
	}
}

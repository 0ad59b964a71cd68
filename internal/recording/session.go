// Package recording wires capture, live transcription, transcript assembly
// and auto-stop into one recording session.
package recording

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/audio"
	"github.com/lexiqai/meeting-transcriber/internal/autostop"
	"github.com/lexiqai/meeting-transcriber/internal/capture"
	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/resilience"
	"github.com/lexiqai/meeting-transcriber/internal/sink"
	"github.com/lexiqai/meeting-transcriber/internal/stt"
	"github.com/lexiqai/meeting-transcriber/internal/transcript"
)

var (
	// ErrNotRecording is returned for operations that need an active recording
	ErrNotRecording = errors.New("recording is not active")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("recording already started")
	// ErrAlreadyStopped is returned when starting a session that has ended
	ErrAlreadyStopped = errors.New("recording already stopped")
)

// StopReasonUser marks a stop requested by the shell
const StopReasonUser = "user"

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return sink.StatusRecording
	case StatePaused:
		return sink.StatusPaused
	case StateStopping:
		return sink.StatusStopping
	case StateStopped:
		return sink.StatusStopped
	default:
		return "unknown"
	}
}

// Params describes the meeting being recorded
type Params struct {
	Title     string
	SelfName  string
	Attendees []string
	// CalendarEnd enables the calendar auto-stop trigger when set
	CalendarEnd time.Time
	// ExpectedSpeakers overrides the participant count derived from attendees
	ExpectedSpeakers int
	NativeSampleRate int
	SystemAudio      capture.SystemAudioStatus
	// Restore continues a previous transcript
	Restore []transcript.Segment
}

// HealthTracker is told when a session loses live transcription for good
type HealthTracker interface {
	MarkDegraded(sessionID string)
	ClearDegraded(sessionID string)
}

// Deps are the collaborators a session needs. Sink, Detector, Backend,
// Health, Breaker, Clock and Notify are optional.
type Deps struct {
	Config   *config.Config
	Dialer   stt.Dialer
	Sink     sink.Sink
	Detector autostop.Detector
	Backend  capture.Backend
	Health   HealthTracker
	Breaker  *resilience.CircuitBreaker
	Clock    clock.Clock
	Notify   func(Notification)
}

// Result is the completed transcript of a recording
type Result struct {
	Markdown        string
	Text            string
	Segments        []transcript.Segment
	Speakers        map[int]string
	DurationSeconds float64
	Reason          string
}

// Session is one recording. Audio must be pushed from a single goroutine;
// control methods are safe to call concurrently. The assembler is owned by
// the session's event loop.
type Session struct {
	id      string
	deps    Deps
	cfg     *config.Config
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	params    Params
	client    *stt.Client
	pipeline  *capture.Pipeline
	monitor   *autostop.Monitor
	assembler *transcript.Assembler
	vad       *audio.VADDetector
	queue     *publishQueue

	cmds     chan func()
	loopDone chan struct{}
	degraded atomic.Bool

	// audioMu orders pushed audio ahead of the tail flushed at stop
	audioMu sync.Mutex

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	stoppedAt   time.Time
	stopReason  string
	result      *Result
}

// NewSession creates an idle session
func NewSession(deps Deps) *Session {
	id := uuid.New().String()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		id:       id,
		deps:     deps,
		cfg:      deps.Config,
		clock:    clk,
		logger:   observability.WithSession(id, observability.NewCorrelationID()),
		metrics:  observability.NewSessionMetrics(id),
		cmds:     make(chan func(), 64),
		loopDone: make(chan struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether live transcription gave up reconnecting
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

// Start begins recording. A failed first connection is not an error: the
// client keeps reconnecting in the background while audio is buffered.
func (s *Session) Start(ctx context.Context, p Params) error {
	if p.NativeSampleRate <= 0 {
		return fmt.Errorf("invalid native sample rate %d", p.NativeSampleRate)
	}

	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateStopping, StateStopped:
		s.mu.Unlock()
		return ErrAlreadyStopped
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRecording
	s.startedAt = s.clock.Now()
	s.params = p
	s.mu.Unlock()

	cfg := s.cfg
	s.queue = newPublishQueue(256, s.logger)

	s.assembler = transcript.NewAssembler(transcript.ConfigFrom(cfg), s.metrics, s.logger)
	if len(p.Restore) > 0 {
		s.assembler.Restore(p.Restore)
	}
	expected := s.expectedSpeakers(p.ExpectedSpeakers)
	s.assembler.SetExpectedSpeakers(expected)

	sttCfg := stt.ConfigFrom(cfg)
	sttCfg.Options.MaxSpeakers = expected
	sttCfg.Options.Keyterms = stt.BuildKeyterms(p.Title, p.Attendees, cfg.KeytermCoreList)
	opts := []stt.Option{stt.WithLogger(s.logger), stt.WithMetrics(s.metrics), stt.WithClock(s.clock)}
	if s.deps.Breaker != nil {
		opts = append(opts, stt.WithCircuitBreaker(s.deps.Breaker))
	}
	s.client = stt.NewClient(sttCfg, s.deps.Dialer, opts...)

	s.vad = audio.NewVADDetector(&audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
		FrameSize:       cfg.TargetSampleRate / 50,
	}, audio.MixedChannels)

	s.pipeline = capture.NewPipeline(capture.Config{
		NativeRate:    p.NativeSampleRate,
		TargetRate:    cfg.TargetSampleRate,
		ChunkDuration: cfg.ChunkDuration,
	}, s.deps.Backend, s.onSystemAudio, s.metrics, s.logger)

	if cfg.AutoStopEnabled {
		monitorOpts := []autostop.Option{
			autostop.WithClock(s.clock),
			autostop.WithLogger(s.logger),
			autostop.WithMetrics(s.metrics),
		}
		if s.deps.Detector != nil {
			monitorOpts = append(monitorOpts, autostop.WithDetector(s.deps.Detector))
		}
		if !p.CalendarEnd.IsZero() {
			monitorOpts = append(monitorOpts, autostop.WithCalendarEnd(p.CalendarEnd))
		}
		s.monitor = autostop.NewMonitor(autostop.ConfigFrom(cfg), s.onAutoStop, monitorOpts...)
	}

	s.metrics.RecordSessionStart()
	s.logger.Info().
		Str("title", p.Title).
		Int("attendees", len(p.Attendees)).
		Int("expected_speakers", expected).
		Int("native_rate", p.NativeSampleRate).
		Int("restored_segments", len(p.Restore)).
		Msg("Recording started")

	go s.run()
	s.do(func() { s.publishStatus("") })

	s.pipeline.Start(ctx, p.SystemAudio)
	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial transcription connection failed, reconnecting in background")
	}
	if s.monitor != nil {
		s.monitor.Start(context.Background())
	}
	return nil
}

// expectedSpeakers resolves the participant count: an explicit hint, else
// self plus attendees, else the configured default
func (s *Session) expectedSpeakers(hint int) int {
	switch {
	case hint > 0:
		return hint
	case len(s.params.Attendees) > 0:
		return 1 + len(s.params.Attendees)
	default:
		return max(s.cfg.DefaultMaxSpeakers, 0)
	}
}

// PushAudio processes one block of native-rate samples. Audio pushed while
// paused is discarded.
func (s *Session) PushAudio(mic, sys []float32) error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	switch s.State() {
	case StateRecording:
	case StatePaused:
		return nil
	default:
		return ErrNotRecording
	}

	frame := s.pipeline.Process(mic, sys)
	for _, chunk := range frame.Chunks {
		if err := s.client.SendAudio(chunk); err != nil {
			if errors.Is(err, stt.ErrClientClosed) {
				return ErrNotRecording
			}
			return err
		}
	}

	// Without live results, audio energy stands in for speech activity
	if s.degraded.Load() && s.monitor != nil && s.vad.Process(frame.Mixed) {
		s.monitor.OnSpeechDetected()
	}
	return nil
}

// Pause stops sending audio while keeping the connection open
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.state = StatePaused
	s.pausedAt = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info().Msg("Recording paused")
	s.do(func() {
		s.notify(Notification{Type: TypeStatus, Status: sink.StatusPaused})
		s.publishStatus("")
	})
	return nil
}

// Resume continues a paused recording
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.state = StateRecording
	s.pausedTotal += s.clock.Since(s.pausedAt)
	s.pausedAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info().Msg("Recording resumed")
	s.do(func() {
		s.notify(Notification{Type: TypeStatus, Status: sink.StatusRecording})
		s.publishStatus("")
	})
	return nil
}

// SetSystemAudio reports a change in system audio availability
func (s *Session) SetSystemAudio(ctx context.Context, available bool, reason string) error {
	if !s.active() {
		return ErrNotRecording
	}
	s.pipeline.SetSystemAvailable(ctx, available, reason)
	return nil
}

// SetExpectedSpeakers updates the participant count hint; 0 reverts to the
// count derived from the attendee list
func (s *Session) SetExpectedSpeakers(n int) error {
	if !s.active() {
		return ErrNotRecording
	}
	s.do(func() {
		expected := s.expectedSpeakers(n)
		s.assembler.SetExpectedSpeakers(expected)
		s.logger.Info().Int("expected_speakers", expected).Msg("Expected speakers updated")
	})
	return nil
}

// Stop finalizes the transcript and releases every resource. Calling Stop
// again returns the same result once the first stop completes.
func (s *Session) Stop(ctx context.Context, reason string) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil, ErrNotRecording
	case StateRecording, StatePaused:
		now := s.clock.Now()
		if s.state == StatePaused {
			s.pausedTotal += now.Sub(s.pausedAt)
		}
		s.state = StateStopping
		s.stoppedAt = now
		s.stopReason = reason
		s.mu.Unlock()
		s.beginStop(ctx)
	default:
		s.mu.Unlock()
	}

	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

func (s *Session) beginStop(ctx context.Context) {
	s.logger.Info().Str("reason", s.stopReason).Msg("Stopping recording")
	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.audioMu.Lock()
	if tail := s.pipeline.Flush(); len(tail) > 0 {
		if err := s.client.SendAudio(tail); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send trailing audio")
		}
	}
	s.audioMu.Unlock()

	s.do(func() { s.publishStatus("") })

	// The event loop keeps draining results until the client closes Events
	go func() {
		if err := s.client.FinalizeAndClose(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Finalize did not complete cleanly")
		}
	}()
}

func (s *Session) onAutoStop(reason autostop.Reason) {
	s.notify(Notification{Type: TypeAutoStop, Reason: string(reason)})
	if _, err := s.Stop(context.Background(), string(reason)); err != nil {
		s.logger.Warn().Err(err).Msg("Auto-stop failed")
	}
}

func (s *Session) onSystemAudio(available bool) {
	s.do(func() {
		s.assembler.SetSecondaryAvailable(available)
		constraints := s.pipeline.Constraints()
		s.notify(Notification{Type: TypeSystemAudio, Available: &available, Constraints: &constraints})
		s.publishStatus("")
	})
}

// do runs fn on the event loop
func (s *Session) do(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.loopDone:
	}
}

func (s *Session) run() {
	defer close(s.loopDone)
	events := s.client.Events()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				s.drainCommands()
				s.finish()
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) drainCommands() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		default:
			return
		}
	}
}

func (s *Session) handleEvent(ev stt.Event) {
	switch ev.Type {
	case stt.EventConnected:
		if s.degraded.CompareAndSwap(true, false) && s.deps.Health != nil {
			s.deps.Health.ClearDegraded(s.id)
		}
		s.notify(Notification{Type: TypeConnected})

	case stt.EventDisconnected:
		s.notify(Notification{Type: TypeDisconnected})

	case stt.EventReconnecting:
		s.notify(Notification{Type: TypeReconnecting, Attempt: ev.Attempt, DelayMs: ev.Delay.Milliseconds()})

	case stt.EventMaxReconnectReached:
		s.logger.Error().Msg("Live transcription unavailable, continuing in degraded mode")
		s.degraded.Store(true)
		if s.deps.Health != nil {
			s.deps.Health.MarkDegraded(s.id)
		}
		s.notify(Notification{Type: TypeMaxReconnectReached})
		s.publishStatus("reconnect attempts exhausted")

	case stt.EventTranscript:
		s.handleTranscript(ev.Utterance)

	case stt.EventUtteranceEnd:
		channel := ev.Channel
		s.notify(Notification{Type: TypeUtteranceEnd, Channel: &channel, LastWordEnd: ev.LastWordEnd})

	case stt.EventError:
		s.notify(Notification{Type: TypeError, Message: ev.Message})
	}
}

func (s *Session) handleTranscript(u *stt.Utterance) {
	if u == nil || strings.TrimSpace(u.Transcript) == "" {
		return
	}
	if s.monitor != nil {
		s.monitor.OnSpeechDetected()
	}

	update := s.assembler.AddResult(u)
	mode := update.Mode.String()
	now := s.clock.Now()

	for _, change := range update.Changes {
		seg := change.Segment
		index := change.Index
		s.notify(Notification{Type: TypeTranscriptUpdate, Segment: &seg, Index: &index, Mode: mode})
		event := sink.SegmentEvent{SessionID: s.id, Index: index, Segment: seg, Mode: mode, Timestamp: now}
		s.queue.enqueue("segment", func(ctx context.Context) error {
			return s.publishSegment(ctx, event)
		})
	}

	if update.Interim != nil {
		seg := *update.Interim
		s.notify(Notification{Type: TypeTranscriptUpdate, Segment: &seg, Interim: true, Mode: mode})
		event := sink.SegmentEvent{SessionID: s.id, Index: -1, Interim: true, Segment: seg, Mode: mode, Timestamp: now}
		s.queue.enqueue("segment", func(ctx context.Context) error {
			return s.publishSegment(ctx, event)
		})
	}

	if update.ModeChanged {
		s.logger.Info().Str("mode", mode).Msg("Channel mode resolved")
	}
	if len(update.Changes) > 0 || update.Interim != nil {
		s.publishStatus("")
	}
}

// publishStatus queues a status event. Event loop only.
func (s *Session) publishStatus(reason string) {
	s.mu.Lock()
	state := s.state
	duration := s.durationLocked()
	s.mu.Unlock()

	status := state.String()
	if s.degraded.Load() && (state == StateRecording || state == StatePaused) {
		status = sink.StatusDegraded
	}
	event := sink.StatusEvent{
		SessionID:       s.id,
		Status:          status,
		Paused:          state == StatePaused,
		DurationSeconds: duration.Seconds(),
		SpeakerCount:    s.assembler.SpeakerCount(),
		Mode:            s.assembler.Mode().String(),
		SystemAudio:     s.pipeline != nil && s.pipeline.SystemAvailable(),
		Reason:          reason,
		Timestamp:       s.clock.Now(),
	}
	s.queue.enqueue("status", func(ctx context.Context) error {
		if s.deps.Sink == nil {
			return nil
		}
		return s.deps.Sink.PublishStatus(ctx, event)
	})
}

func (s *Session) publishSegment(ctx context.Context, event sink.SegmentEvent) error {
	if s.deps.Sink == nil {
		return nil
	}
	return s.deps.Sink.PublishSegment(ctx, event)
}

// finish runs on the event loop once the client has shut down
func (s *Session) finish() {
	s.assembler.Finalize()
	s.assembler.PostProcess()

	segments := s.assembler.Segments()
	names := transcript.SpeakerMap(s.params.SelfName, s.params.Attendees, s.assembler.SpeakerCount())

	s.mu.Lock()
	s.state = StateStopped
	result := &Result{
		Markdown:        transcript.RenderMarkdown(segments, names),
		Text:            s.assembler.FullText(),
		Segments:        segments,
		Speakers:        names,
		DurationSeconds: s.durationLocked().Seconds(),
		Reason:          s.stopReason,
	}
	s.result = result
	s.mu.Unlock()

	s.publishStatus(result.Reason)
	s.queue.close()

	if s.deps.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.deps.Sink.PublishTranscript(ctx, sink.TranscriptEvent{
			SessionID:       s.id,
			Title:           s.params.Title,
			Markdown:        result.Markdown,
			Text:            result.Text,
			Segments:        result.Segments,
			Speakers:        result.Speakers,
			DurationSeconds: result.DurationSeconds,
			StopReason:      result.Reason,
			Timestamp:       s.clock.Now(),
		})
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to publish transcript")
		}
	}

	if s.degraded.Load() && s.deps.Health != nil {
		s.deps.Health.ClearDegraded(s.id)
	}
	s.metrics.RecordSessionEnd()

	s.notify(Notification{
		Type:            TypeStopped,
		Reason:          result.Reason,
		Markdown:        result.Markdown,
		Text:            result.Text,
		Segments:        result.Segments,
		DurationSeconds: result.DurationSeconds,
	})
	s.logger.Info().
		Int("segments", len(segments)).
		Int("speakers", s.assembler.SpeakerCount()).
		Float64("duration_seconds", result.DurationSeconds).
		Str("reason", result.Reason).
		Msg("Recording stopped")
}

// durationLocked is recording time excluding pauses. Caller holds mu.
func (s *Session) durationLocked() time.Duration {
	end := s.clock.Now()
	if !s.stoppedAt.IsZero() {
		end = s.stoppedAt
	}
	d := end.Sub(s.startedAt) - s.pausedTotal
	if s.state == StatePaused && !s.pausedAt.IsZero() {
		d -= end.Sub(s.pausedAt)
	}
	return max(d, 0)
}

func (s *Session) active() bool {
	state := s.State()
	return state == StateRecording || state == StatePaused
}

func (s *Session) notify(n Notification) {
	if s.deps.Notify != nil {
		s.deps.Notify(n)
	}
}

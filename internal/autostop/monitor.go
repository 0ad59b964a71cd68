package autostop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
)

// Reason names the trigger that ended a recording
type Reason string

const (
	ReasonProcessExit Reason = "process_exit"
	ReasonCalendarEnd Reason = "calendar_end"
	ReasonSilence     Reason = "silence"
)

// Config holds auto-stop thresholds and polling intervals
type Config struct {
	Silence         time.Duration
	MinRecording    time.Duration
	CalendarGrace   time.Duration
	SilenceCheck    time.Duration
	ProcessPoll     time.Duration
	ActiveSpeech    time.Duration
	CalendarRecheck time.Duration
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		Silence:         10 * time.Minute,
		MinRecording:    5 * time.Minute,
		CalendarGrace:   5 * time.Minute,
		SilenceCheck:    30 * time.Second,
		ProcessPoll:     10 * time.Second,
		ActiveSpeech:    60 * time.Second,
		CalendarRecheck: time.Minute,
	}
}

// ConfigFrom builds monitor settings from service configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Silence:         cfg.AutoStopSilence,
		MinRecording:    cfg.AutoStopMinRecording,
		CalendarGrace:   cfg.AutoStopCalendarGrace,
		SilenceCheck:    cfg.AutoStopSilenceCheck,
		ProcessPoll:     cfg.AutoStopProcessPoll,
		ActiveSpeech:    cfg.AutoStopActiveSpeech,
		CalendarRecheck: cfg.AutoStopCalendarRecheck,
	}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces the wall clock used for timers
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clock = clk }
}

// WithLogger sets the parent logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = observability.WithComponent(logger, "autostop") }
}

// WithMetrics records triggers against a session
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithDetector enables the process-exit trigger
func WithDetector(d Detector) Option {
	return func(m *Monitor) { m.detector = d }
}

// WithCalendarEnd enables the calendar trigger at end plus the grace period
func WithCalendarEnd(end time.Time) Option {
	return func(m *Monitor) { m.calendarEnd = end }
}

// Monitor decides when a recording should end. The first trigger to fire
// wins; onStop is called at most once, after all timers have stopped.
type Monitor struct {
	cfg         Config
	clock       clock.Clock
	logger      zerolog.Logger
	metrics     *observability.Metrics
	detector    Detector
	calendarEnd time.Time
	onStop      func(Reason)

	mu          sync.Mutex
	started     bool
	stopped     bool
	triggered   bool
	reason      Reason
	startedAt   time.Time
	lastSpeech  time.Time
	initial     map[string]struct{}
	calendarDue time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMonitor creates an idle monitor
func NewMonitor(cfg Config, onStop func(Reason), opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		clock:  clock.New(),
		logger: observability.WithComponent(observability.GetLogger(), "autostop"),
		onStop: onStop,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start records the recording start, snapshots running meeting apps and
// starts the timers. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	now := m.clock.Now()
	m.startedAt = now
	m.lastSpeech = now
	if !m.calendarEnd.IsZero() {
		m.calendarDue = m.calendarEnd.Add(m.cfg.CalendarGrace)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if m.detector != nil {
		apps, err := m.detector.Detect(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Meeting app detection failed, process trigger disabled")
		} else if len(apps) > 0 {
			m.mu.Lock()
			m.initial = Platforms(apps)
			m.mu.Unlock()
			m.logger.Info().Int("platforms", len(apps)).Msg("Watching meeting apps for exit")
		}
	}

	t := m.newTimers()
	go m.run(loopCtx, t)
}

// OnSpeechDetected marks speech activity now
func (m *Monitor) OnSpeechDetected() {
	m.mu.Lock()
	m.lastSpeech = m.clock.Now()
	m.mu.Unlock()
}

// Stop cancels all timers without triggering. Safe to call more than once
// and from inside onStop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-m.done
}

// Triggered reports the reason the monitor fired, if it has
func (m *Monitor) Triggered() (Reason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason, m.triggered
}

// timers are created before the loop goroutine starts so that no tick is
// lost between Start and the first select.
type timers struct {
	silence  *clock.Ticker
	process  *clock.Ticker
	calendar *clock.Timer
	armed    time.Time
}

func (m *Monitor) newTimers() *timers {
	t := &timers{silence: m.clock.Ticker(m.cfg.SilenceCheck)}
	if m.watchingProcesses() {
		t.process = m.clock.Ticker(m.cfg.ProcessPoll)
	}
	m.armCalendar(t)
	return t
}

// armCalendar points the calendar timer at the next due check, if it moved
func (m *Monitor) armCalendar(t *timers) {
	due := m.nextCalendarCheck()
	if due.IsZero() || due.Equal(t.armed) {
		return
	}
	t.armed = due
	d := max(due.Sub(m.clock.Now()), 0)
	if t.calendar == nil {
		t.calendar = m.clock.Timer(d)
		return
	}
	if !t.calendar.Stop() {
		select {
		case <-t.calendar.C:
		default:
		}
	}
	t.calendar.Reset(d)
}

func (t *timers) stop() {
	t.silence.Stop()
	if t.process != nil {
		t.process.Stop()
	}
	if t.calendar != nil {
		t.calendar.Stop()
	}
}

func (m *Monitor) run(ctx context.Context, t *timers) {
	reason, fired := m.loop(ctx, t)
	t.stop()
	close(m.done)
	if !fired {
		return
	}

	m.logger.Info().Str("reason", string(reason)).Msg("Auto-stop triggered")
	if m.metrics != nil {
		m.metrics.RecordAutoStop(string(reason))
	}
	if m.onStop != nil {
		m.onStop(reason)
	}
}

func (m *Monitor) loop(ctx context.Context, t *timers) (Reason, bool) {
	var processC, calendarC <-chan time.Time
	if t.process != nil {
		processC = t.process.C
	}

	for {
		if t.calendar != nil {
			calendarC = t.calendar.C
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-t.silence.C:
		case <-processC:
		case <-calendarC:
		}

		if reason, ok := m.evaluate(ctx); ok {
			if m.trigger(reason) {
				return reason, true
			}
			return "", false
		}
		m.armCalendar(t)
	}
}

// evaluate checks every condition in priority order: process exit, then
// calendar end, then silence.
func (m *Monitor) evaluate(ctx context.Context) (Reason, bool) {
	if m.processesExited(ctx) {
		return ReasonProcessExit, true
	}

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.calendarDue.IsZero() && !now.Before(m.calendarDue) {
		if now.Sub(m.lastSpeech) < m.cfg.ActiveSpeech {
			m.calendarDue = now.Add(m.cfg.CalendarRecheck)
			m.logger.Debug().Time("recheck_at", m.calendarDue).Msg("Meeting past scheduled end but still active")
		} else {
			return ReasonCalendarEnd, true
		}
	}

	if now.Sub(m.startedAt) >= m.cfg.MinRecording && now.Sub(m.lastSpeech) >= m.cfg.Silence {
		return ReasonSilence, true
	}
	return "", false
}

func (m *Monitor) processesExited(ctx context.Context) bool {
	if !m.watchingProcesses() {
		return false
	}
	apps, err := m.detector.Detect(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Meeting app detection failed")
		return false
	}

	current := Platforms(apps)
	m.mu.Lock()
	defer m.mu.Unlock()
	for platform := range m.initial {
		if _, ok := current[platform]; ok {
			return false
		}
	}
	return true
}

func (m *Monitor) trigger(reason Reason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered || m.stopped {
		return false
	}
	m.triggered = true
	m.reason = reason
	return true
}

func (m *Monitor) watchingProcesses() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detector != nil && len(m.initial) > 0
}

func (m *Monitor) nextCalendarCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calendarDue
}

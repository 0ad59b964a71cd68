package autostop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type fakeDetector struct {
	mu    sync.Mutex
	apps  []RunningApp
	err   error
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context) ([]RunningApp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return append([]RunningApp(nil), d.apps...), d.err
}

func (d *fakeDetector) set(apps ...RunningApp) {
	d.mu.Lock()
	d.apps = apps
	d.mu.Unlock()
}

var (
	zoomApp  = RunningApp{Platform: "zoom", Name: "Zoom", PID: 100}
	teamsApp = RunningApp{Platform: "teams", Name: "Microsoft Teams", PID: 200}
)

type stopRecorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (r *stopRecorder) record(reason Reason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *stopRecorder) get() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.reasons...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestMonitor(clk *clock.Mock, rec *stopRecorder, opts ...Option) *Monitor {
	opts = append([]Option{WithClock(clk), WithLogger(zerolog.Nop())}, opts...)
	return NewMonitor(DefaultConfig(), rec.record, opts...)
}

// advance moves the mock clock in small steps so the loop sees every tick
func advance(clk *clock.Mock, total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		clk.Add(step)
	}
}

func TestMonitor_SilenceTrigger(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	m := newTestMonitor(clk, rec)
	m.Start(context.Background())
	defer m.Stop()

	advance(clk, 9*time.Minute+30*time.Second, 30*time.Second)
	if _, ok := m.Triggered(); ok {
		t.Fatal("Expected no trigger before the silence threshold")
	}

	clk.Add(30 * time.Second)
	waitUntil(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != ReasonSilence {
		t.Errorf("Expected %q, got %q", ReasonSilence, got)
	}
}

func TestMonitor_SpeechResetsSilence(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	m := newTestMonitor(clk, rec)
	m.Start(context.Background())
	defer m.Stop()

	advance(clk, 8*time.Minute, 30*time.Second)
	m.OnSpeechDetected()
	advance(clk, 8*time.Minute, 30*time.Second)

	if reasons := rec.get(); len(reasons) != 0 {
		t.Fatalf("Expected no trigger after recent speech, got %v", reasons)
	}
}

func TestEvaluate_MinimumRecordingFloor(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Silence = time.Minute
	m := NewMonitor(cfg, nil, WithClock(clk), WithLogger(zerolog.Nop()))
	m.startedAt = clk.Now()
	m.lastSpeech = clk.Now()

	clk.Add(2 * time.Minute)
	if _, ok := m.evaluate(context.Background()); ok {
		t.Error("Expected no silence trigger before the minimum recording duration")
	}

	clk.Add(3 * time.Minute)
	reason, ok := m.evaluate(context.Background())
	if !ok || reason != ReasonSilence {
		t.Errorf("Expected silence trigger at 5m, got %q (%v)", reason, ok)
	}
}

func TestMonitor_ProcessExitTrigger(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	det := &fakeDetector{apps: []RunningApp{zoomApp, teamsApp}}
	m := newTestMonitor(clk, rec, WithDetector(det))
	m.Start(context.Background())
	defer m.Stop()

	det.set(teamsApp)
	advance(clk, 30*time.Second, 10*time.Second)
	if reasons := rec.get(); len(reasons) != 0 {
		t.Fatalf("Expected no trigger while one platform is still running, got %v", reasons)
	}

	det.set()
	clk.Add(10 * time.Second)
	waitUntil(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != ReasonProcessExit {
		t.Errorf("Expected %q, got %q", ReasonProcessExit, got)
	}
}

func TestMonitor_NoProcessesAtStart(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	det := &fakeDetector{}
	m := newTestMonitor(clk, rec, WithDetector(det))
	m.Start(context.Background())
	defer m.Stop()

	advance(clk, time.Minute, 10*time.Second)
	if reasons := rec.get(); len(reasons) != 0 {
		t.Errorf("Expected no process trigger without apps at start, got %v", reasons)
	}
	det.mu.Lock()
	calls := det.calls
	det.mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected only the start snapshot, got %d detections", calls)
	}
}

func TestEvaluate_CalendarRecheckWhileActive(t *testing.T) {
	clk := clock.NewMock()
	start := clk.Now()
	m := NewMonitor(DefaultConfig(), nil,
		WithClock(clk), WithLogger(zerolog.Nop()), WithCalendarEnd(start.Add(time.Minute)))
	m.startedAt = start
	m.calendarDue = start.Add(6 * time.Minute)

	clk.Add(5*time.Minute + 30*time.Second)
	m.OnSpeechDetected()

	clk.Add(30 * time.Second)
	if _, ok := m.evaluate(context.Background()); ok {
		t.Fatal("Expected calendar trigger postponed while speech is recent")
	}
	if want := start.Add(7 * time.Minute); !m.calendarDue.Equal(want) {
		t.Errorf("Expected recheck at %v, got %v", want, m.calendarDue)
	}

	clk.Add(time.Minute)
	reason, ok := m.evaluate(context.Background())
	if !ok || reason != ReasonCalendarEnd {
		t.Errorf("Expected calendar trigger, got %q (%v)", reason, ok)
	}
}

func TestMonitor_CalendarTrigger(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	cfg := DefaultConfig()
	cfg.Silence = time.Hour
	m := NewMonitor(cfg, rec.record,
		WithClock(clk), WithLogger(zerolog.Nop()), WithCalendarEnd(clk.Now().Add(2*time.Minute)))
	m.Start(context.Background())
	defer m.Stop()

	advance(clk, 7*time.Minute, 10*time.Second)
	waitUntil(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != ReasonCalendarEnd {
		t.Errorf("Expected %q, got %q", ReasonCalendarEnd, got)
	}
}

func TestMonitor_CalendarAlreadyPast(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	rec := &stopRecorder{}
	cfg := DefaultConfig()
	cfg.Silence = time.Hour
	m := NewMonitor(cfg, rec.record,
		WithClock(clk), WithLogger(zerolog.Nop()), WithCalendarEnd(clk.Now().Add(-30*time.Minute)))
	m.Start(context.Background())
	defer m.Stop()

	// recording just started, so speech counts as recent
	time.Sleep(10 * time.Millisecond)
	if reasons := rec.get(); len(reasons) != 0 {
		t.Fatalf("Expected postponed check, got %v", reasons)
	}

	advance(clk, time.Minute, 10*time.Second)
	waitUntil(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != ReasonCalendarEnd {
		t.Errorf("Expected %q, got %q", ReasonCalendarEnd, got)
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	tests := []struct {
		name           string
		processExited  bool
		calendarPassed bool
		want           Reason
	}{
		{"all conditions", true, true, ReasonProcessExit},
		{"calendar and silence", false, true, ReasonCalendarEnd},
		{"silence only", false, false, ReasonSilence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			det := &fakeDetector{}
			if !tt.processExited {
				det.set(zoomApp)
			}
			m := NewMonitor(DefaultConfig(), nil,
				WithClock(clk), WithLogger(zerolog.Nop()), WithDetector(det))
			m.startedAt = clk.Now()
			m.lastSpeech = clk.Now()
			m.initial = Platforms([]RunningApp{zoomApp})
			if tt.calendarPassed {
				m.calendarDue = clk.Now().Add(time.Minute)
			}

			clk.Add(20 * time.Minute)
			reason, ok := m.evaluate(context.Background())
			if !ok || reason != tt.want {
				t.Errorf("Expected %q, got %q (%v)", tt.want, reason, ok)
			}
		})
	}
}

func TestMonitor_FiresOnce(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	det := &fakeDetector{apps: []RunningApp{zoomApp}}
	m := newTestMonitor(clk, rec, WithDetector(det))
	m.Start(context.Background())

	det.set()
	advance(clk, 15*time.Minute, 10*time.Second)
	waitUntil(t, func() bool { return len(rec.get()) >= 1 })
	time.Sleep(10 * time.Millisecond)

	if reasons := rec.get(); len(reasons) != 1 {
		t.Errorf("Expected exactly one trigger, got %v", reasons)
	}
	m.Stop()
	m.Stop()
}

func TestMonitor_StopFromCallback(t *testing.T) {
	clk := clock.NewMock()
	var m *Monitor
	stopped := make(chan Reason, 1)
	m = NewMonitor(DefaultConfig(), func(r Reason) {
		m.Stop()
		stopped <- r
	}, WithClock(clk), WithLogger(zerolog.Nop()), WithDetector(&fakeDetector{apps: []RunningApp{zoomApp}}))
	m.Start(context.Background())

	m.detector.(*fakeDetector).set()
	clk.Add(10 * time.Second)

	select {
	case r := <-stopped:
		if r != ReasonProcessExit {
			t.Errorf("Expected %q, got %q", ReasonProcessExit, r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop inside the callback did not return")
	}
}

func TestMonitor_StopCancelsTimers(t *testing.T) {
	clk := clock.NewMock()
	rec := &stopRecorder{}
	m := newTestMonitor(clk, rec)
	m.Start(context.Background())
	m.Stop()

	advance(clk, 20*time.Minute, 30*time.Second)
	if reasons := rec.get(); len(reasons) != 0 {
		t.Errorf("Expected no trigger after Stop, got %v", reasons)
	}
	if _, ok := m.Triggered(); ok {
		t.Error("Expected Triggered to be false")
	}
}

func TestMonitor_StopBeforeStart(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, WithClock(clock.NewMock()), WithLogger(zerolog.Nop()))
	m.Stop()
	m.Start(context.Background())
	if m.started {
		t.Error("Expected Start after Stop to be a no-op")
	}
}

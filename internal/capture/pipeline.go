// Package capture turns the two live meeting audio sources (microphone and
// system loopback) into the fixed-cadence 2-channel PCM stream the
// transcription client consumes. The shell owns the actual devices; this
// package decides how they should be configured and tracks whether system
// audio is usable.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-transcriber/internal/audio"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
)

// Constraints describes how the shell should open the microphone
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// ProcessedConstraints is the default microphone setup
func ProcessedConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// RawConstraints disables all microphone processing. Used while system audio
// is unavailable.
func RawConstraints() Constraints {
	return Constraints{}
}

// SystemAudioStatus is what the shell reports after requesting loopback audio
type SystemAudioStatus struct {
	AudioTracks int
	Ended       bool
	Err         error
}

// Usable reports whether the system audio source can be captured
func (s SystemAudioStatus) Usable() bool {
	return s.Err == nil && !s.Ended && s.AudioTracks > 0
}

// Reason describes why the source is unusable
func (s SystemAudioStatus) Reason() string {
	switch {
	case s.Err != nil:
		return s.Err.Error()
	case s.Ended:
		return "system audio track ended"
	case s.AudioTracks == 0:
		return "no system audio tracks"
	default:
		return ""
	}
}

// Backend applies capture settings on the device side
type Backend interface {
	ApplyMicrophoneConstraints(ctx context.Context, c Constraints) error
}

// Config holds pipeline settings
type Config struct {
	NativeRate    int
	TargetRate    int
	ChunkDuration time.Duration
}

// Frame is one processed block: the chunks ready to send and the mixed
// samples they were cut from
type Frame struct {
	Chunks [][]byte
	Mixed  []int16
}

// Pipeline mixes, resamples and chunks the two sources and tracks system
// audio availability. Safe for concurrent use.
type Pipeline struct {
	cfg     Config
	backend Backend
	notify  func(available bool)
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu              sync.Mutex
	mixer           *audio.Mixer
	chunker         *audio.Chunker
	systemAvailable bool
	availabilitySet bool
	constraints     Constraints
}

// NewPipeline creates a pipeline. notify is called once per system audio
// availability transition.
func NewPipeline(cfg Config, backend Backend, notify func(available bool), metrics *observability.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		backend:     backend,
		notify:      notify,
		metrics:     metrics,
		logger:      observability.WithComponent(logger, "capture"),
		mixer:       audio.NewMixer(cfg.NativeRate, cfg.TargetRate),
		chunker:     audio.NewChunker(cfg.TargetRate, audio.MixedChannels, cfg.ChunkDuration),
		constraints: ProcessedConstraints(),
	}
}

// Start applies the default microphone setup and evaluates the system audio
// source. Capture problems degrade to mic-only mode and never fail the start.
func (p *Pipeline) Start(ctx context.Context, status SystemAudioStatus) {
	if err := p.applyConstraints(ctx, ProcessedConstraints(), true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to apply microphone constraints, continuing with device defaults")
	}

	if status.Usable() {
		p.SetSystemAvailable(ctx, true, "")
		return
	}
	p.SetSystemAvailable(ctx, false, status.Reason())
}

// SetSystemAvailable records a system audio availability change. Losing the
// source switches the microphone to raw capture; regaining it restores
// processing. The audio clock is never reset.
func (p *Pipeline) SetSystemAvailable(ctx context.Context, available bool, reason string) {
	p.mu.Lock()
	if p.availabilitySet && p.systemAvailable == available {
		p.mu.Unlock()
		return
	}
	p.availabilitySet = true
	p.systemAvailable = available
	p.mu.Unlock()

	if available {
		p.logger.Info().Msg("System audio available")
	} else {
		p.logger.Warn().Str("reason", reason).Msg("System audio unavailable, falling back to microphone only")
	}
	if p.metrics != nil {
		p.metrics.RecordSystemAudio(available)
	}

	want := ProcessedConstraints()
	if !available {
		want = RawConstraints()
	}
	if err := p.applyConstraints(ctx, want, false); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to re-apply microphone constraints")
		if p.metrics != nil {
			p.metrics.RecordError("constraints", "capture")
		}
	}

	if p.notify != nil {
		p.notify(available)
	}
}

func (p *Pipeline) applyConstraints(ctx context.Context, c Constraints, force bool) error {
	p.mu.Lock()
	unchanged := p.constraints == c
	p.mu.Unlock()
	if unchanged && !force {
		return nil
	}

	if p.backend != nil {
		if err := p.backend.ApplyMicrophoneConstraints(ctx, c); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.constraints = c
	p.mu.Unlock()
	return nil
}

// Process mixes one block of native-rate samples. sys is ignored while the
// system source is unavailable.
func (p *Pipeline) Process(mic, sys []float32) Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.systemAvailable {
		sys = nil
	}
	mixed := p.mixer.Mix(mic, sys)
	return Frame{
		Chunks: p.chunker.Push(mixed),
		Mixed:  mixed,
	}
}

// Flush returns the trailing partial chunk
func (p *Pipeline) Flush() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunker.Flush()
}

// SystemAvailable reports the current system audio availability
func (p *Pipeline) SystemAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.systemAvailable
}

// Constraints returns the microphone constraints last applied
func (p *Pipeline) Constraints() Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.constraints
}

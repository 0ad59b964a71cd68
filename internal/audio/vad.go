package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end a speech run
	FrameSize       int     // Samples per channel per frame (320 = 20ms at 16kHz)
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,  // 200ms of silence (10 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADDetector performs energy-based Voice Activity Detection on interleaved
// multi-channel PCM. A frame counts as speech when any channel exceeds the
// threshold, so far-end speech on the system channel is detected too.
type VADDetector struct {
	config         *VADConfig
	channels       int
	pending        []int16
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector for the given channel count
func NewVADDetector(config *VADConfig, channels int) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if channels <= 0 {
		channels = 1
	}
	return &VADDetector{
		config:   config,
		channels: channels,
	}
}

// ProcessFrame processes one interleaved frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := false
	for _, ch := range Deinterleave(samples, v.channels) {
		if CalculateRMS(ch) > v.config.EnergyThreshold {
			frameHasSpeech = true
			break
		}
	}

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Process splits an arbitrary-length interleaved block into frames and
// reports whether any of them contained speech
func (v *VADDetector) Process(samples []int16) bool {
	v.pending = append(v.pending, samples...)
	frameLen := v.config.FrameSize * v.channels

	detected := false
	for len(v.pending) >= frameLen {
		speaking, _, _ := v.ProcessFrame(v.pending[:frameLen])
		if speaking {
			detected = true
		}
		v.pending = v.pending[frameLen:]
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}
	return detected
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

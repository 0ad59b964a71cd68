package audio

import (
	"testing"
)

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   3,
		FrameSize:       4,
	}
}

// stereoFrame builds one interleaved frame with constant amplitudes per channel
func stereoFrame(frameSize int, mic, sys int16) []int16 {
	out := make([]int16, frameSize*2)
	for i := 0; i < frameSize; i++ {
		out[i*2] = mic
		out[i*2+1] = sys
	}
	return out
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(stereoFrame(4, 5000, 0))
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected speechStarted only once, got it on frame %d", i)
		}
	}
}

func TestVADDetector_SystemChannelSpeech(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)

	isSpeaking, _, _ := vad.ProcessFrame(stereoFrame(4, 0, 5000))
	if !isSpeaking {
		t.Error("Expected speech on the system channel to be detected")
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)

	for i := 0; i < 10; i++ {
		if isSpeaking, _, _ := vad.ProcessFrame(stereoFrame(4, 10, 10)); isSpeaking {
			t.Errorf("Expected no speech detection on frame %d", i)
		}
	}
}

func TestVADDetector_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)

	vad.ProcessFrame(stereoFrame(4, 5000, 0))

	var ended bool
	for i := 0; i < 3; i++ {
		_, _, ended = vad.ProcessFrame(stereoFrame(4, 0, 0))
	}
	if !ended {
		t.Error("Expected speech to end after SilenceFrames silent frames")
	}
	if vad.IsSpeaking() {
		t.Error("Expected IsSpeaking false after speech ended")
	}
}

func TestVADDetector_Process(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)

	// Half a frame is buffered, not evaluated
	if vad.Process(stereoFrame(2, 5000, 0)) {
		t.Error("Expected no decision before a full frame is available")
	}
	if !vad.Process(stereoFrame(2, 5000, 0)) {
		t.Error("Expected speech once the frame completes")
	}
	if vad.Process(nil) {
		t.Error("Expected no speech from an empty block")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig(), 2)
	vad.ProcessFrame(stereoFrame(4, 5000, 0))

	vad.Reset()

	if vad.IsSpeaking() {
		t.Error("Expected IsSpeaking false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected EnergyThreshold 500.0, got %.2f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 10 {
		t.Errorf("Expected SilenceFrames 10, got %d", config.SilenceFrames)
	}
	if config.FrameSize != 320 {
		t.Errorf("Expected FrameSize 320, got %d", config.FrameSize)
	}
}

package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/meeting-transcriber/internal/audio"
	"github.com/lexiqai/meeting-transcriber/internal/capture"
	"github.com/lexiqai/meeting-transcriber/internal/recording"
	"github.com/lexiqai/meeting-transcriber/internal/transcript"
)

// Control message types sent by the shell
const (
	msgStart            = "start"
	msgPause            = "pause"
	msgResume           = "resume"
	msgStop             = "stop"
	msgSystemAudio      = "system_audio"
	msgExpectedSpeakers = "expected_speakers"
)

// controlMessage is a JSON text frame from the shell
type controlMessage struct {
	Type             string               `json:"type"`
	SampleRate       int                  `json:"sample_rate,omitempty"`
	Title            string               `json:"title,omitempty"`
	SelfName         string               `json:"self_name,omitempty"`
	Attendees        []string             `json:"attendees,omitempty"`
	CalendarEnd      string               `json:"calendar_end,omitempty"`
	ExpectedSpeakers int                  `json:"expected_speakers,omitempty"`
	SystemAudio      *systemAudioStatus   `json:"system_audio,omitempty"`
	Restore          []transcript.Segment `json:"restore,omitempty"`
	Available        bool                 `json:"available,omitempty"`
	Reason           string               `json:"reason,omitempty"`
	Count            *int                 `json:"count,omitempty"`
}

// systemAudioStatus is the shell's report on the loopback source
type systemAudioStatus struct {
	AudioTracks int    `json:"audio_tracks"`
	Ended       bool   `json:"ended"`
	Error       string `json:"error,omitempty"`
}

func (s *systemAudioStatus) toCapture() capture.SystemAudioStatus {
	if s == nil {
		return capture.SystemAudioStatus{}
	}
	status := capture.SystemAudioStatus{AudioTracks: s.AudioTracks, Ended: s.Ended}
	if s.Error != "" {
		status.Err = errors.New(s.Error)
	}
	return status
}

// params converts a start message into recording parameters
func (m *controlMessage) params() (recording.Params, error) {
	p := recording.Params{
		Title:            m.Title,
		SelfName:         m.SelfName,
		Attendees:        m.Attendees,
		ExpectedSpeakers: m.ExpectedSpeakers,
		NativeSampleRate: m.SampleRate,
		SystemAudio:      m.SystemAudio.toCapture(),
		Restore:          m.Restore,
	}
	if m.SampleRate <= 0 {
		return p, fmt.Errorf("sample_rate is required")
	}
	if m.CalendarEnd != "" {
		end, err := time.Parse(time.RFC3339, m.CalendarEnd)
		if err != nil {
			return p, fmt.Errorf("invalid calendar_end: %w", err)
		}
		p.CalendarEnd = end
	}
	return p, nil
}

// decodeAudioFrame splits a binary frame into microphone and system blocks.
// The first byte is the source count, followed by planar little-endian
// float32 samples: the microphone block, then the system block.
func decodeAudioFrame(data []byte) (mic, sys []float32, err error) {
	if len(data) < 1 {
		return nil, nil, errors.New("empty audio frame")
	}
	sources := int(data[0])
	if sources != 1 && sources != 2 {
		return nil, nil, fmt.Errorf("unsupported source count %d", sources)
	}

	samples, err := audio.DecodeFloat32(data[1:])
	if err != nil {
		return nil, nil, err
	}
	if sources == 1 {
		return samples, nil, nil
	}
	if len(samples)%2 != 0 {
		return nil, nil, fmt.Errorf("uneven source blocks: %d samples", len(samples))
	}
	half := len(samples) / 2
	return samples[:half], samples[half:], nil
}

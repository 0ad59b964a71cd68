package transcript

import (
	"strings"

	"github.com/lexiqai/meeting-transcriber/internal/config"
)

// ChannelMode decides how speaker identity is derived
type ChannelMode int

const (
	// ModeDetecting is the initial mode, before the secondary channel has
	// either carried speech or been given up on
	ModeDetecting ChannelMode = iota
	// ModeMultichannel derives speaker identity from the audio channel
	ModeMultichannel
	// ModeDiarization relies on the service's speaker separation
	ModeDiarization
)

func (m ChannelMode) String() string {
	switch m {
	case ModeDetecting:
		return "detecting"
	case ModeMultichannel:
		return "multichannel"
	case ModeDiarization:
		return "diarization"
	default:
		return "unknown"
	}
}

// Word is one word on the session timeline
type Word struct {
	Word              string  `json:"word"`
	PunctuatedWord    string  `json:"punctuated_word"`
	Start             float64 `json:"start"`
	End               float64 `json:"end"`
	Confidence        float64 `json:"confidence"`
	Speaker           int     `json:"speaker"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	Channel           int     `json:"channel"`
}

// Text returns the punctuated form when available
func (w Word) Text() string {
	if w.PunctuatedWord != "" {
		return w.PunctuatedWord
	}
	return w.Word
}

// Segment is a contiguous run of words attributed to one resolved speaker
type Segment struct {
	Speaker   int     `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	IsFinal   bool    `json:"is_final"`
	Words     []Word  `json:"words"`
}

// Clone returns a deep copy
func (s Segment) Clone() Segment {
	s.Words = append([]Word(nil), s.Words...)
	return s
}

// Duration is the segment's span in seconds
func (s *Segment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// AvgSpeakerConfidence is the mean word speaker-confidence, 0 without words
func (s *Segment) AvgSpeakerConfidence() float64 {
	if len(s.Words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range s.Words {
		sum += w.SpeakerConfidence
	}
	return sum / float64(len(s.Words))
}

// setSpeaker relabels the segment and all of its words
func (s *Segment) setSpeaker(speaker int) {
	s.Speaker = speaker
	for i := range s.Words {
		s.Words[i].Speaker = speaker
	}
}

// rebuild recomputes text and time bounds from the words
func (s *Segment) rebuild() {
	if len(s.Words) == 0 {
		return
	}
	parts := make([]string, len(s.Words))
	for i, w := range s.Words {
		parts[i] = w.Text()
	}
	s.Text = strings.Join(parts, " ")
	s.StartTime = s.Words[0].Start
	s.EndTime = s.Words[len(s.Words)-1].End
}

// absorb appends next onto s under s's speaker
func (s *Segment) absorb(next Segment) {
	words := append([]Word(nil), next.Words...)
	for i := range words {
		words[i].Speaker = s.Speaker
	}
	s.Words = append(s.Words, words...)
	if next.Text != "" {
		if s.Text == "" {
			s.Text = next.Text
		} else {
			s.Text += " " + next.Text
		}
	}
	if next.EndTime > s.EndTime {
		s.EndTime = next.EndTime
	}
}

// Config holds the assembler thresholds. The defaults were tuned by ear and
// are all overridable from the environment.
type Config struct {
	// DetectionThreshold is the number of consecutive primary-channel final
	// results without secondary speech before falling back to diarization
	DetectionThreshold int
	// MergeGap is the largest gap in seconds across which consecutive
	// same-speaker segments are merged
	MergeGap float64

	StabilizeMinWords      int
	StabilizeMinDuration   float64
	StabilizeMinConfidence float64

	BoundaryConfidence     float64
	MicroSegmentMaxWords   int
	MicroSegmentConfidence float64
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		DetectionThreshold:     5,
		MergeGap:               2.0,
		StabilizeMinWords:      4,
		StabilizeMinDuration:   1.0,
		StabilizeMinConfidence: 0.6,
		BoundaryConfidence:     0.4,
		MicroSegmentMaxWords:   3,
		MicroSegmentConfidence: 0.4,
	}
}

// ConfigFrom reads the thresholds from service configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DetectionThreshold:     cfg.DetectionThreshold,
		MergeGap:               cfg.MergeGapSeconds,
		StabilizeMinWords:      cfg.StabilizeMinWords,
		StabilizeMinDuration:   cfg.StabilizeMinDuration,
		StabilizeMinConfidence: cfg.StabilizeMinConfidence,
		BoundaryConfidence:     cfg.BoundaryConfidence,
		MicroSegmentMaxWords:   cfg.MicroSegmentMaxWords,
		MicroSegmentConfidence: cfg.MicroSegmentConfidence,
	}
}

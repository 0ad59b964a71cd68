// Package sink delivers transcript segments, completed transcripts and
// recording status to downstream consumers.
package sink

import (
	"context"
	"time"

	"github.com/lexiqai/meeting-transcriber/internal/transcript"
)

// Recording status values
const (
	StatusRecording = "recording"
	StatusPaused    = "paused"
	StatusStopping  = "stopping"
	StatusStopped   = "stopped"
	StatusDegraded  = "degraded"
)

// SegmentEvent carries one interim or finalized segment
type SegmentEvent struct {
	SessionID string             `json:"session_id"`
	Index     int                `json:"index"`
	Interim   bool               `json:"interim"`
	Segment   transcript.Segment `json:"segment"`
	Mode      string             `json:"mode"`
	Timestamp time.Time          `json:"timestamp"`
}

// TranscriptEvent carries the completed transcript of a recording
type TranscriptEvent struct {
	SessionID       string               `json:"session_id"`
	Title           string               `json:"title,omitempty"`
	Markdown        string               `json:"markdown"`
	Text            string               `json:"text"`
	Segments        []transcript.Segment `json:"segments"`
	Speakers        map[int]string       `json:"speakers,omitempty"`
	DurationSeconds float64              `json:"duration_seconds"`
	StopReason      string               `json:"stop_reason"`
	Timestamp       time.Time            `json:"timestamp"`
}

// StatusEvent carries a recording status change
type StatusEvent struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	Paused          bool      `json:"paused"`
	DurationSeconds float64   `json:"duration_seconds"`
	SpeakerCount    int       `json:"speaker_count"`
	Mode            string    `json:"mode"`
	SystemAudio     bool      `json:"system_audio"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives recording output
type Sink interface {
	PublishSegment(ctx context.Context, event SegmentEvent) error
	PublishTranscript(ctx context.Context, event TranscriptEvent) error
	PublishStatus(ctx context.Context, event StatusEvent) error
	Close() error
}

package recording

import (
	"github.com/lexiqai/meeting-transcriber/internal/capture"
	"github.com/lexiqai/meeting-transcriber/internal/transcript"
)

// Notification types delivered to the shell
const (
	TypeConnected           = "connected"
	TypeDisconnected        = "disconnected"
	TypeReconnecting        = "reconnecting"
	TypeMaxReconnectReached = "max_reconnect_reached"
	TypeTranscriptUpdate    = "transcript_update"
	TypeUtteranceEnd        = "utterance_end"
	TypeError               = "error"
	TypeAutoStop            = "auto_stop"
	TypeSystemAudio         = "system_audio"
	TypeApplyConstraints    = "apply_constraints"
	TypeStatus              = "status"
	TypeStopped             = "stopped"
)

// Notification is a live event for the shell. Only the fields relevant to
// Type are set.
type Notification struct {
	Type            string               `json:"type"`
	Attempt         int                  `json:"attempt,omitempty"`
	DelayMs         int64                `json:"delay_ms,omitempty"`
	Segment         *transcript.Segment  `json:"segment,omitempty"`
	Index           *int                 `json:"index,omitempty"`
	Interim         bool                 `json:"interim,omitempty"`
	Mode            string               `json:"mode,omitempty"`
	Channel         *int                 `json:"channel,omitempty"`
	LastWordEnd     float64              `json:"last_word_end,omitempty"`
	Message         string               `json:"message,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	Available       *bool                `json:"available,omitempty"`
	Constraints     *capture.Constraints `json:"constraints,omitempty"`
	Status          string               `json:"status,omitempty"`
	Markdown        string               `json:"markdown,omitempty"`
	Text            string               `json:"text,omitempty"`
	Segments        []transcript.Segment `json:"segments,omitempty"`
	DurationSeconds float64              `json:"duration_seconds,omitempty"`
}

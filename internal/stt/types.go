package stt

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the streaming client
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Word is one recognized word as reported by the service
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

// Utterance is one batch of words from the service. Interim utterances are
// superseded by later results; final ones are not revised by the service.
type Utterance struct {
	Channel      int     `json:"channel"`
	Transcript   string  `json:"transcript"`
	Words        []Word  `json:"words"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
}

// EventType identifies a client event
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnecting
	EventMaxReconnectReached
	EventTranscript
	EventUtteranceEnd
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventMaxReconnectReached:
		return "max_reconnect_reached"
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered in order on Client.Events
type Event struct {
	Type EventType

	// EventTranscript
	Utterance *Utterance

	// EventReconnecting
	Attempt int
	Delay   time.Duration

	// EventUtteranceEnd
	Channel     int
	LastWordEnd float64

	// EventError
	Message string
}

// LiveOptions are the streaming recognition settings sent with each connection
type LiveOptions struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	SmartFormat    bool
	Diarize        bool
	InterimResults bool
	VADEvents      bool
	UtteranceEndMs int
	EndpointingMs  int
	MaxSpeakers    int
	Keyterms       []string
}

// SupportsKeyterms reports whether the model accepts keyterm prompting
func (o LiveOptions) SupportsKeyterms() bool {
	return strings.HasPrefix(o.Model, "nova-3")
}

// Query encodes the options as listen endpoint query parameters
func (o LiveOptions) Query() url.Values {
	q := url.Values{}
	q.Set("model", o.Model)
	if o.Language != "" {
		q.Set("language", o.Language)
	}
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	q.Set("diarize", strconv.FormatBool(o.Diarize))
	if o.MaxSpeakers > 0 {
		q.Set("max_speakers", strconv.Itoa(o.MaxSpeakers))
	}
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	if o.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(o.UtteranceEndMs))
	}
	if o.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(o.EndpointingMs))
	}
	q.Set("vad_events", strconv.FormatBool(o.VADEvents))
	if o.Channels > 1 {
		q.Set("multichannel", "true")
	}
	for _, term := range o.Keyterms {
		q.Add("keyterm", term)
	}
	q.Set("encoding", o.Encoding)
	q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	q.Set("channels", strconv.Itoa(o.Channels))
	return q
}

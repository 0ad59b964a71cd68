package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the Deepgram live transcription endpoint
const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Control message types understood by the service
const (
	ControlKeepAlive   = "KeepAlive"
	ControlFinalize    = "Finalize"
	ControlCloseStream = "CloseStream"
)

// Conn is one live connection to the transcription service
type Conn interface {
	WriteAudio(chunk []byte) error
	WriteControl(msgType string) error
	// ReadMessage blocks until the next text message or a connection error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens live connections
type Dialer interface {
	Dial(ctx context.Context, opts LiveOptions) (Conn, error)
}

// DeepgramDialer dials the Deepgram streaming endpoint over a websocket
type DeepgramDialer struct {
	APIKey   string
	Endpoint string
	Dialer   *websocket.Dialer
}

// NewDeepgramDialer creates a dialer for the given endpoint
func NewDeepgramDialer(apiKey, endpoint string) *DeepgramDialer {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &DeepgramDialer{
		APIKey:   apiKey,
		Endpoint: endpoint,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens a connection. A handshake refused with 400 while keyterms are
// requested is reported as *CapabilityRejectedError.
func (d *DeepgramDialer) Dial(ctx context.Context, opts LiveOptions) (Conn, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.RawQuery = opts.Query().Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.APIKey)

	ws, resp, err := d.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			body := readBody(resp)
			if resp.StatusCode == http.StatusBadRequest && len(opts.Keyterms) > 0 {
				return nil, &CapabilityRejectedError{
					Feature:    "keyterm",
					StatusCode: resp.StatusCode,
					Message:    body,
				}
			}
			return nil, fmt.Errorf("handshake failed with status %d: %s: %w", resp.StatusCode, body, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &wsConn{ws: ws}, nil
}

func readBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	return ErrorMessage(data)
}

// wsConn serializes writes; gorilla allows one concurrent writer
type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) WriteAudio(chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, chunk)
}

func (c *wsConn) WriteControl(msgType string) error {
	payload, err := json.Marshal(map[string]string{"type": msgType})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// isNormalClose reports whether a read error is an orderly shutdown
func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

type messageKind int

const (
	messageIgnored messageKind = iota
	messageResults
	messageUtteranceEnd
	messageError
)

type message struct {
	kind        messageKind
	utterance   *Utterance
	channel     int
	lastWordEnd float64
	errText     string
}

type dgWord struct {
	Word              string   `json:"word"`
	Start             float64  `json:"start"`
	End               float64  `json:"end"`
	Confidence        float64  `json:"confidence"`
	Speaker           *int     `json:"speaker"`
	SpeakerConfidence *float64 `json:"speaker_confidence"`
	PunctuatedWord    string   `json:"punctuated_word"`
}

type dgMessage struct {
	Type         string          `json:"type"`
	ChannelIndex []int           `json:"channel_index"`
	Start        float64         `json:"start"`
	Duration     float64         `json:"duration"`
	IsFinal      bool            `json:"is_final"`
	SpeechFinal  bool            `json:"speech_final"`
	FromFinalize bool            `json:"from_finalize"`
	Channel      json.RawMessage `json:"channel"`
	LastWordEnd  float64         `json:"last_word_end"`
}

type dgChannel struct {
	Alternatives []struct {
		Transcript string   `json:"transcript"`
		Words      []dgWord `json:"words"`
	} `json:"alternatives"`
}

// parseMessage decodes a service text message. Results with an empty
// transcript carry no utterance.
func parseMessage(data []byte) (message, error) {
	var raw dgMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return message{}, fmt.Errorf("malformed service message: %w", err)
	}

	switch raw.Type {
	case "Results":
		return parseResults(raw)
	case "UtteranceEnd":
		// UtteranceEnd carries the channel as a plain index array
		var ch []int
		_ = json.Unmarshal(raw.Channel, &ch)
		channel := 0
		if len(ch) > 0 {
			channel = ch[0]
		}
		return message{kind: messageUtteranceEnd, channel: channel, lastWordEnd: raw.LastWordEnd}, nil
	case "Error":
		return message{kind: messageError, errText: ErrorMessage(data)}, nil
	default:
		// Metadata, SpeechStarted
		return message{kind: messageIgnored}, nil
	}
}

func parseResults(raw dgMessage) (message, error) {
	var ch dgChannel
	if len(raw.Channel) > 0 {
		if err := json.Unmarshal(raw.Channel, &ch); err != nil {
			return message{}, fmt.Errorf("malformed results channel: %w", err)
		}
	}
	if len(ch.Alternatives) == 0 {
		return message{kind: messageResults}, nil
	}
	alt := ch.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return message{kind: messageResults}, nil
	}

	channel := 0
	if len(raw.ChannelIndex) > 0 {
		channel = raw.ChannelIndex[0]
	}

	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := Word{
			Word:           w.Word,
			PunctuatedWord: w.PunctuatedWord,
			Start:          w.Start,
			End:            w.End,
			Confidence:     w.Confidence,
			Channel:        channel,
		}
		if word.PunctuatedWord == "" {
			word.PunctuatedWord = w.Word
		}
		if w.Speaker != nil {
			word.Speaker = *w.Speaker
		}
		if w.SpeakerConfidence != nil {
			word.SpeakerConfidence = *w.SpeakerConfidence
		}
		words = append(words, word)
	}

	return message{
		kind: messageResults,
		utterance: &Utterance{
			Channel:      channel,
			Transcript:   alt.Transcript,
			Words:        words,
			Start:        raw.Start,
			Duration:     raw.Duration,
			IsFinal:      raw.IsFinal,
			SpeechFinal:  raw.SpeechFinal,
			FromFinalize: raw.FromFinalize,
		},
	}, nil
}

package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrClientClosed is returned once the client has begun closing
var ErrClientClosed = errors.New("stt client is closed")

// CapabilityRejectedError is returned by a Dialer when the service refuses a
// requested feature during the handshake
type CapabilityRejectedError struct {
	Feature    string
	StatusCode int
	Message    string
}

func (e *CapabilityRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("service rejected %s (status %d)", e.Feature, e.StatusCode)
	}
	return fmt.Sprintf("service rejected %s (status %d): %s", e.Feature, e.StatusCode, e.Message)
}

// messageKeys are checked in order when extracting text from a payload map
var messageKeys = []string{"message", "error", "reason", "description", "err_msg"}

// ErrorMessage extracts a human-readable message from an error payload of
// any shape: an error, a string, a decoded JSON object, a Stringer or
// anything else.
func ErrorMessage(v any) string {
	switch e := v.(type) {
	case nil:
		return "unknown error"
	case error:
		return e.Error()
	case string:
		if strings.TrimSpace(e) == "" {
			return "unknown error"
		}
		return e
	case []byte:
		return ErrorMessage(decodePayload(e))
	case map[string]any:
		for _, key := range messageKeys {
			switch inner := e[key].(type) {
			case string:
				if inner != "" {
					return inner
				}
			case map[string]any:
				return ErrorMessage(inner)
			}
		}
		return marshalOrSprint(e)
	case fmt.Stringer:
		return e.String()
	default:
		return marshalOrSprint(e)
	}
}

// decodePayload returns a map for JSON objects and the raw text otherwise
func decodePayload(data []byte) any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		return m
	}
	return string(data)
}

func marshalOrSprint(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}

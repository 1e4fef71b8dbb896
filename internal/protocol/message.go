package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the "type" discriminant of a bridge frame.
type Kind string

const (
	KindExecute     Kind = "EXECUTE"
	KindStats       Kind = "STATS"
	KindPing        Kind = "PING"
	KindResult      Kind = "RESULT"
	KindStatsResult Kind = "STATS_RESULT"
	KindPong        Kind = "PONG"
)

// ErrMalformed marks an inbound payload that is not valid for its declared kind.
var ErrMalformed = errors.New("malformed bridge message")

// Message is one JSON text frame exchanged with the bridge. Payload fields vary by kind;
// unused fields are omitted on the wire.
type Message struct {
	ID       string `json:"id,omitempty"`
	Type     Kind   `json:"type"`
	Command  string `json:"command,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Output   string `json:"output,omitempty"`
	Platform string `json:"platform,omitempty"`
}

func Execute(command string) Message {
	return Message{Type: KindExecute, Command: command}
}

func Stats() Message {
	return Message{Type: KindStats}
}

func Ping() Message {
	return Message{Type: KindPing}
}

// ResponseKind returns the inbound kind that answers an outbound kind.
func ResponseKind(k Kind) (Kind, bool) {
	switch k {
	case KindExecute:
		return KindResult, true
	case KindStats:
		return KindStatsResult, true
	case KindPing:
		return KindPong, true
	default:
		return "", false
	}
}

// IsResponse reports whether k is one of the terminal inbound kinds.
func IsResponse(k Kind) bool {
	switch k {
	case KindResult, KindStatsResult, KindPong:
		return true
	default:
		return false
	}
}

func Encode(msg Message) ([]byte, error) {
	if strings.TrimSpace(string(msg.Type)) == "" {
		return nil, errors.New("message type is required")
	}
	return json.Marshal(msg)
}

// Decode parses a text frame. Frames that are not JSON objects with a type are rejected
// with ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(msg.Type)) == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

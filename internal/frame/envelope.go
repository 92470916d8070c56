package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of structured envelope on a session channel.
type Type string

const (
	TypeControl    Type = "control"
	TypeAudioChunk Type = "audio_chunk"
	TypeTranscript Type = "transcript"
	TypeResponse   Type = "response"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
)

// Envelope is one framed message on a session channel. Structured envelopes
// travel as JSON text frames; raw audio travels as native binary frames with
// no wrapper and correlates to the sequence context of the most recent
// audio_chunk envelope (see Tracker.BindBinary).
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
}

// ParseError reports a malformed structured frame. One bad frame must not
// kill the session, so callers surface it as a non-fatal error event.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame parse: %s: %v", e.Reason, e.Err)
	}
	return "frame parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// New constructs a structured envelope with the payload marshalled in place.
// Envelopes are immutable once constructed.
func New(t Type, payload any, seq uint64) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return &Envelope{Type: t, Payload: raw, Seq: seq, TS: time.Now().UTC()}, nil
}

// Encode serializes a structured envelope to its wire bytes.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses wire bytes into an Envelope, returning *ParseError on
// malformed input so the connection layer can recover without closing.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Reason: "missing type"}
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return &ParseError{Reason: "empty payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &ParseError{Reason: "invalid payload", Err: err}
	}
	return nil
}

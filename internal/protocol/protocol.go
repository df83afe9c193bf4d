// Package protocol defines the JSON frames exchanged with the tutoring
// backend over the chat websocket.
//
// Outbound there is a single frame shape, [Outbound]. Inbound frames are
// decoded by [Decode] into a flat [Frame] tagged with a [Kind]:
//
//	{"type":"status","value":"typing"}                    -> KindStatus
//	{"type":"partial","text":"..."}                       -> KindPartial
//	{"type":"final","reply":"...","audio_b64":"...",
//	 "content_type":"audio/mpeg"}                         -> KindFinal
//	{"error":"..."}                                       -> KindError
//	{"reply":"...","audio":"..."}                         -> KindFinal (untyped)
//	{"message":"Connected to AI Chatbot!"}                -> KindGreeting
//
// Anything else decodes to KindUnknown without error so a newer server never
// breaks an older client.
package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// ErrInvalidAudio is returned by [Decode] alongside a usable frame when the
// audio payload is not valid base64. The frame's text is still valid.
var ErrInvalidAudio = errors.New("protocol: invalid audio payload")

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindPartial
	KindFinal
	KindError
	KindGreeting
)

// String returns the wire-level name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	case KindGreeting:
		return "greeting"
	default:
		return "unknown"
	}
}

// StatusTyping is the only status value the backend currently sends.
const StatusTyping = "typing"

// Outbound is a chat send. TTS asks the backend to attach synthesized audio
// to the final frame of the reply.
type Outbound struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	TTS       bool   `json:"tts"`
}

// Frame is a decoded inbound frame.
type Frame struct {
	Kind Kind

	// SessionID is set only when the server echoed a session_id.
	SessionID string

	// Status holds the value of a status frame.
	Status string

	// Text is the partial text, the final reply, the error message or the
	// greeting, depending on Kind.
	Text string

	// Audio is the decoded audio of a final frame, if any.
	Audio []byte

	// ContentType is the MIME type of Audio.
	ContentType string
}

// HasAudio reports whether the frame carries audio bytes.
func (f Frame) HasAudio() bool { return len(f.Audio) > 0 }

// wire is the union of every inbound field.
type wire struct {
	Type        string  `json:"type"`
	Value       string  `json:"value"`
	Text        string  `json:"text"`
	Reply       *string `json:"reply"`
	AudioB64    string  `json:"audio_b64"`
	Audio       string  `json:"audio"`
	ContentType string  `json:"content_type"`
	Error       *string `json:"error"`
	Message     *string `json:"message"`
	SessionID   ID      `json:"session_id"`
}

// ID is an identifier the backend may encode as either a JSON string or a
// JSON number. Both decode to the same textual form.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (s *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		v, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("protocol: id: %w", err)
		}
		*s = ID(v)
		return nil
	}
	*s = ID(b)
	return nil
}

// Encode serialises an outbound frame.
func Encode(o Outbound) ([]byte, error) {
	data, err := sonic.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal outbound: %w", err)
	}
	return data, nil
}

// Decode parses one inbound frame. A non-nil error other than
// [ErrInvalidAudio] means the frame is unusable.
func Decode(data []byte) (Frame, error) {
	var w wire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("protocol: unmarshal frame: %w", err)
	}

	f := Frame{SessionID: string(w.SessionID)}
	switch {
	case w.Error != nil:
		f.Kind = KindError
		f.Text = *w.Error
	case w.Type == "status":
		f.Kind = KindStatus
		f.Status = w.Value
	case w.Type == "partial":
		f.Kind = KindPartial
		f.Text = w.Text
	case w.Type == "final", w.Type == "" && w.Reply != nil:
		f.Kind = KindFinal
		if w.Reply != nil {
			f.Text = *w.Reply
		}
		return decodeAudio(f, w)
	case w.Type == "" && w.Message != nil:
		f.Kind = KindGreeting
		f.Text = *w.Message
	default:
		f.Kind = KindUnknown
		f.Status = w.Type
	}
	return f, nil
}

func decodeAudio(f Frame, w wire) (Frame, error) {
	raw := w.AudioB64
	if raw == "" {
		raw = w.Audio
	}
	if raw == "" {
		return f, nil
	}
	audio, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return f, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}
	f.Audio = audio
	f.ContentType = w.ContentType
	if f.ContentType == "" {
		f.ContentType = "audio/mpeg"
	}
	return f, nil
}

// EncodeAudio is the inverse of the audio decoding in [Decode]; test servers
// use it to build final frames.
func EncodeAudio(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

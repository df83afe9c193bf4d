package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tutorchat/pkg/audio"
)

// Sender identifies who authored a message.
type Sender int

const (
	SenderUser Sender = iota
	SenderAgent
)

// String returns "user" or "agent".
func (s Sender) String() string {
	if s == SenderUser {
		return "user"
	}
	return "agent"
}

// ParseSender maps a backend sender label to a [Sender]. Only "user" is a
// user; the backend labels replies "assistant" and older data uses "bot".
func ParseSender(label string) Sender {
	if strings.EqualFold(strings.TrimSpace(label), "user") {
		return SenderUser
	}
	return SenderAgent
}

// Status is the lifecycle state of a message.
type Status int

const (
	StatusComplete Status = iota
	StatusStreaming
)

// String returns "complete" or "streaming".
func (s Status) String() string {
	if s == StatusStreaming {
		return "streaming"
	}
	return "complete"
}

// PlaybackState tracks the audio attached to an agent message.
type PlaybackState int

const (
	// PlaybackNone means there is nothing left to play.
	PlaybackNone PlaybackState = iota

	// PlaybackPending means audio is attached and has not been played yet.
	PlaybackPending

	// PlaybackError means autoplay was blocked; the user may retry.
	PlaybackError
)

// String returns the state name.
func (p PlaybackState) String() string {
	switch p {
	case PlaybackPending:
		return "pending"
	case PlaybackError:
		return "error"
	default:
		return "none"
	}
}

// Message is one transcript entry. Messages are values: the store never
// hands out a pointer into its own state.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Status    Status
	Audio     *audio.Clip
	Playback  PlaybackState
	CreatedAt time.Time
}

// NewMessage returns a complete message with a fresh id.
func NewMessage(sender Sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Status:    StatusComplete,
		CreatedAt: time.Now(),
	}
}

// NewStreaming returns a streaming agent message with a fresh id.
func NewStreaming(text string) Message {
	m := NewMessage(SenderAgent, text)
	m.Status = StatusStreaming
	return m
}

// Streaming reports whether m is still receiving partial updates.
func (m Message) Streaming() bool { return m.Status == StatusStreaming }

// HasAudio reports whether m carries a playable clip.
func (m Message) HasAudio() bool { return m.Audio != nil && !m.Audio.Empty() }

// Complete returns a copy of m finalized with text and, if clip is non-empty,
// the clip marked pending for playback.
func (m Message) Complete(text string, clip *audio.Clip) Message {
	m.Text = text
	m.Status = StatusComplete
	if clip != nil && !clip.Empty() {
		c := *clip
		c.MessageID = m.ID
		m.Audio = &c
		m.Playback = PlaybackPending
	}
	return m
}

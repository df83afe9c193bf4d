// Package stream turns inbound chat frames into transcript mutations.
//
// The [Assembler] is a small per-transcript state machine:
//
//	idle    --status(typing)--> typing     (flag only)
//	idle    --partial-->        streaming  (append streaming message)
//	typing  --partial-->        streaming
//	streaming --partial-->      streaming  (replace text, never concatenate)
//	streaming|typing|idle --final--> idle  (complete in place, or append)
//	any     --error-->          idle       (append "Error: ..." message)
//
// Partial frames carry the full text so far, not a delta, so a dropped or
// repeated partial never duplicates content.
//
// The Assembler is not safe for concurrent use; it is driven by the chat
// dispatcher goroutine, which is also the transcript's only writer.
package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tutorchat/internal/protocol"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/pkg/audio"
)

// ErrServerError marks an error frame sent by the backend.
var ErrServerError = errors.New("stream: server error")

// Outcome says what [Assembler.Apply] did with a frame.
type Outcome int

const (
	// Ignored frames carry nothing for the transcript (greeting, unknown).
	Ignored Outcome = iota

	// Applied frames mutated the transcript or the typing flag.
	Applied

	// Discarded frames belonged to a session that is no longer active.
	Discarded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Discarded:
		return "discarded"
	default:
		return "ignored"
	}
}

// Result describes the effect of one frame.
type Result struct {
	Outcome Outcome

	// Message is the message appended or updated by the frame, if any.
	Message transcript.Message

	// Err wraps [ErrServerError] for error frames.
	Err error
}

// Assembler applies frames to a [transcript.Store].
type Assembler struct {
	store  *transcript.Store
	active string
	turn   string
}

// New returns an Assembler writing to store.
func New(store *transcript.Store) *Assembler {
	return &Assembler{store: store}
}

// Activate makes sessionID the session whose transcript receives frames.
// Switching to a different session clears the typing flag; a streaming
// message of the old session is abandoned along with its transcript.
func (a *Assembler) Activate(sessionID string) {
	if a.active == sessionID {
		return
	}
	a.active = sessionID
	a.store.SetTyping(false)
}

// Active returns the active session id.
func (a *Assembler) Active() string { return a.active }

// BeginTurn records that a message was just sent for sessionID. Frames that
// do not echo a session id are attributed to the most recent turn.
func (a *Assembler) BeginTurn(sessionID string) { a.turn = sessionID }

// owner returns the session a frame belongs to.
func (a *Assembler) owner(f protocol.Frame) string {
	switch {
	case f.SessionID != "":
		return f.SessionID
	case a.turn != "":
		return a.turn
	default:
		return a.active
	}
}

// Apply processes one frame.
func (a *Assembler) Apply(f protocol.Frame) Result {
	switch f.Kind {
	case protocol.KindGreeting:
		slog.Debug("server greeting", "message", f.Text)
		return Result{Outcome: Ignored}
	case protocol.KindUnknown:
		slog.Debug("ignoring unknown frame", "type", f.Status)
		return Result{Outcome: Ignored}
	}

	if owner := a.owner(f); owner != a.active {
		slog.Debug("discarding frame for inactive session",
			"kind", f.Kind, "session_id", owner, "active", a.active)
		return Result{Outcome: Discarded}
	}

	switch f.Kind {
	case protocol.KindStatus:
		if f.Status != protocol.StatusTyping {
			return Result{Outcome: Ignored}
		}
		a.store.SetTyping(true)
		return Result{Outcome: Applied}

	case protocol.KindPartial:
		return a.partial(f.Text)

	case protocol.KindFinal:
		return a.final(f)

	case protocol.KindError:
		a.store.SetTyping(false)
		m := transcript.NewMessage(transcript.SenderAgent, "Error: "+f.Text)
		a.store.Append(m)
		return Result{Outcome: Applied, Message: m, Err: fmt.Errorf("%w: %s", ErrServerError, f.Text)}
	}
	return Result{Outcome: Ignored}
}

func (a *Assembler) partial(text string) Result {
	a.store.SetTyping(true)
	if _, ok := a.store.Snapshot().Streaming(); ok {
		var updated transcript.Message
		a.store.MutateLast(func(m transcript.Message) transcript.Message {
			m.Text = text
			updated = m
			return m
		})
		return Result{Outcome: Applied, Message: updated}
	}
	m := transcript.NewStreaming(text)
	a.store.Append(m)
	return Result{Outcome: Applied, Message: m}
}

func (a *Assembler) final(f protocol.Frame) Result {
	a.store.SetTyping(false)

	var clip *audio.Clip
	if f.HasAudio() {
		clip = &audio.Clip{Data: f.Audio, ContentType: f.ContentType}
	}

	if _, ok := a.store.Snapshot().Streaming(); ok {
		var done transcript.Message
		a.store.MutateLast(func(m transcript.Message) transcript.Message {
			done = m.Complete(f.Text, clip)
			return done
		})
		return Result{Outcome: Applied, Message: done}
	}

	done := transcript.NewMessage(transcript.SenderAgent, "").Complete(f.Text, clip)
	a.store.Append(done)
	return Result{Outcome: Applied, Message: done}
}

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/internal/protocol"
	"github.com/MrWong99/tutorchat/internal/transcript"
)

// Send sends typed text to the active session. Typed messages never ask
// for synthesized audio.
//
// Returns [ErrEmptyMessage] for blank text, [ErrNoActiveSession] when no
// session is selected and [ErrTransportUnavailable] when the connection is
// not open. In all three cases the transcript is unchanged.
func (e *Engine) Send(ctx context.Context, text string) error {
	ctx, span := observe.StartSpan(ctx, "chat.send")
	defer span.End()
	return e.do(ctx, "send", func() error { return e.send(ctx, text, false) })
}

// send runs on the dispatcher.
func (e *Engine) send(ctx context.Context, text string, tts bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	active := e.asm.Active()
	if active == "" {
		return ErrNoActiveSession
	}
	if e.connState() != conn.StateOpen {
		observe.Logger(ctx).Warn("chat: connection not open, message dropped", "session_id", active)
		e.metrics.SendsDropped.Add(ctx, 1)
		return ErrTransportUnavailable
	}

	// The dispatcher is the only writer, so a free slot stays free until
	// the enqueue below.
	if len(e.outbox) == cap(e.outbox) {
		e.metrics.SendsDropped.Add(ctx, 1)
		return fmt.Errorf("%w: outbound queue full", ErrTransportUnavailable)
	}
	// Reply audio must be silent before the next question leaves.
	if e.player != nil {
		e.player.Stop()
	}
	e.outbox <- protocol.Outbound{Message: text, SessionID: active, TTS: tts}

	e.store.Append(transcript.NewMessage(transcript.SenderUser, text))
	e.asm.BeginTurn(active)
	e.turnStart = time.Now()
	e.awaitingFirst = true
	e.turnOpen = true

	source := "typed"
	if tts {
		source = "voice"
	}
	e.metrics.RecordSent(ctx, source)
	return nil
}

// ToggleVoice starts a capture when idle and stops it when capturing. The
// recognized text is sent with tts=true once transcription finishes.
// Starting a capture stops any audio that is playing.
func (e *Engine) ToggleVoice(ctx context.Context) error {
	err := e.voice.Toggle(ctx)
	if err != nil {
		e.addNotice(slog.LevelWarn, "Voice input unavailable", err)
	}
	return err
}

// Select makes id the active session. Frames of the previous session still
// in flight are discarded from now on. The transcript is emptied at once and
// the history is placed in front of anything sent meanwhile when it
// arrives; if loading fails a notice is raised.
func (e *Engine) Select(ctx context.Context, id string) error {
	return e.do(ctx, "select", func() error {
		if id == e.asm.Active() {
			return nil
		}
		return e.activate(id)
	})
}

// CreateSession creates a session titled title (or the default title when
// blank) and makes it active with an empty transcript. On failure the
// active session and the transcript are unchanged.
func (e *Engine) CreateSession(ctx context.Context, title string) (directory.Session, error) {
	ctx, span := observe.StartSpan(ctx, "chat.create_session")
	defer span.End()

	s, err := e.dir.Create(ctx, title)
	reply := make(chan error, 1)
	if err := e.postAndWait(ctx, sessionCreatedEvent{session: s, err: err, reply: reply}, reply); err != nil {
		return directory.Session{}, err
	}
	return s, nil
}

// DeleteSession deletes a session. Deleting the active session clears the
// transcript back to the placeholder.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	ctx, span := observe.StartSpan(ctx, "chat.delete_session")
	defer span.End()

	err := e.dir.Delete(ctx, id)
	reply := make(chan error, 1)
	return e.postAndWait(ctx, sessionDeletedEvent{id: id, err: err, reply: reply}, reply)
}

// RefreshSessions reloads the session list from the backend.
func (e *Engine) RefreshSessions(ctx context.Context) error {
	reply := make(chan error, 1)
	e.loadSessions(ctx, false, reply)
	return e.await(ctx, reply)
}

// Sessions returns the cached session list, most recent first.
func (e *Engine) Sessions() []directory.Session { return e.dir.Sessions() }

// Upload adds a study resource for the assistant to draw on. The outcome is
// also reported in the transcript as an agent message.
func (e *Engine) Upload(ctx context.Context, r backend.Resource) (backend.ResourceResult, error) {
	ctx, span := observe.StartSpan(ctx, "chat.upload")
	defer span.End()

	res, err := e.backend.AddResource(ctx, r)
	reply := make(chan error, 1)
	if werr := e.postAndWait(ctx, uploadDoneEvent{title: r.Title, result: res, err: err, reply: reply}, reply); werr != nil {
		return backend.ResourceResult{}, werr
	}
	return res, nil
}

// PlayAudio plays the audio of messageID on explicit user request. This is
// the retry path after autoplay was blocked: it counts as a user gesture.
func (e *Engine) PlayAudio(ctx context.Context, messageID string) error {
	return e.do(ctx, "play", func() error {
		if e.player == nil {
			return ErrNoAudioOutput
		}
		m, _, ok := e.store.Snapshot().Find(messageID)
		if !ok || !m.HasAudio() {
			return ErrNoAudio
		}
		e.setPlayback(messageID, transcript.PlaybackPending)
		e.player.Retry(*m.Audio)
		return nil
	})
}

// StopAudio stops any audio that is playing. Safe to call when nothing is.
func (e *Engine) StopAudio(ctx context.Context) error {
	return e.do(ctx, "stop_audio", func() error {
		if e.player != nil {
			e.player.Stop()
		}
		return nil
	})
}

// View returns a consistent snapshot of everything a UI renders.
func (e *Engine) View() View {
	e.viewMu.RLock()
	vs := e.view.clone()
	e.viewMu.RUnlock()

	v := View{
		Transcript: e.store.Snapshot(),
		Sessions:   e.dir.Sessions(),
		Conn:       vs.conn,
		Voice:      e.voice.State(),
		Notices:    vs.notices,
	}
	v.Active, v.HasActive = e.dir.Active()
	return v
}

// Subscribe registers fn to be called after every transcript change. The
// returned function removes the subscription.
func (e *Engine) Subscribe(fn func(transcript.Snapshot)) (cancel func()) {
	return e.store.Subscribe(fn)
}

// OnNotice registers fn to be called for every new notice. fn must not call
// back into the engine's blocking methods.
func (e *Engine) OnNotice(fn func(Notice)) {
	e.viewMu.Lock()
	e.onNotice = fn
	e.viewMu.Unlock()
}

func (e *Engine) connState() conn.State {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view.conn
}

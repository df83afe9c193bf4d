// Package chat is the chat session engine. It wires the connection, the
// session directory, the transcript, the stream assembler, voice input and
// audio playback together behind one event loop.
//
// Every input (inbound frames, connection state changes, capture results,
// playback outcomes, REST completions and user commands) becomes a typed
// event on a single channel. One dispatcher goroutine processes events one
// at a time, so the transcript has exactly one writer. Slow work (network
// writes, REST calls, capture, playback) runs on other goroutines and
// re-enters the loop as events.
//
// Typical usage:
//
//	e := chat.New(connMgr, restClient, chat.WithPlayer(p), chat.WithRecognizer(r))
//	go e.Run(ctx)
//	err := e.Send(ctx, "What is a prime number?")
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/internal/playback"
	"github.com/MrWong99/tutorchat/internal/protocol"
	"github.com/MrWong99/tutorchat/internal/stream"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/internal/voice"
	"github.com/MrWong99/tutorchat/pkg/audio"
	"github.com/MrWong99/tutorchat/pkg/speech"
)

// PlaceholderText is shown while no session is selected.
const PlaceholderText = "Hello! Please select a session or create a new one to start."

const (
	eventBuffer        = 256
	outboxBuffer       = 32
	defaultNoticeLimit = 50
)

// Transport is the chat websocket as seen by the engine. *conn.Manager
// implements it.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, out protocol.Outbound) error
	OnFrame(fn func(protocol.Frame))
	OnStateChange(fn func(conn.State, error))
	Close() error
}

// Backend is the REST surface the engine uses. *backend.Client implements
// it.
type Backend interface {
	directory.Backend
	MessageLister
	AddResource(ctx context.Context, r backend.Resource) (backend.ResourceResult, error)
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithPlayer sets the audio output. Without one, reply audio is kept on the
// message but never played.
func WithPlayer(p audio.Player) Option {
	return func(e *Engine) { e.device = p }
}

// WithRecognizer sets the speech recognizer. Without one, voice input
// reports [ErrCapabilityUnavailable].
func WithRecognizer(r speech.Recognizer) Option {
	return func(e *Engine) { e.recognizer = r }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNoticeLimit caps how many notices the view keeps. Default: 50.
func WithNoticeLimit(n int) Option {
	return func(e *Engine) { e.noticeLimit = n }
}

// Engine is the chat session engine. Public methods are safe for concurrent
// use; they enqueue commands and wait for the dispatcher to process them.
type Engine struct {
	transport  Transport
	backend    Backend
	device     audio.Player
	recognizer speech.Recognizer
	metrics    *observe.Metrics

	dir    *directory.Directory
	store  *transcript.Store
	asm    *stream.Assembler
	player *playback.Controller
	voice  *voice.Controller

	events  chan event
	outbox  chan protocol.Outbound
	stopped chan struct{}
	started atomic.Bool

	viewMu      sync.RWMutex
	view        viewState
	noticeLimit int
	onNotice    func(Notice)

	// Owned by the dispatcher goroutine.
	runCtx        context.Context
	turnStart     time.Time
	awaitingFirst bool
	turnOpen      bool
	// historyLoad numbers activations; only the latest history load is
	// applied.
	historyLoad uint64
}

// New wires an engine around t and b. The engine owns t, the player and
// the recognizer from now on and closes them when Run returns.
func New(t Transport, b Backend, opts ...Option) *Engine {
	e := &Engine{
		transport:   t,
		backend:     b,
		events:      make(chan event, eventBuffer),
		outbox:      make(chan protocol.Outbound, outboxBuffer),
		stopped:     make(chan struct{}),
		noticeLimit: defaultNoticeLimit,
		runCtx:      context.Background(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	e.dir = directory.New(b)
	e.store = transcript.New(HistoryFrom(b))
	e.asm = stream.New(e.store)

	var interrupt voice.Interrupter
	if e.device != nil {
		e.player = playback.New(e.device, playback.WithMetrics(e.metrics))
		e.player.OnReport(func(r playback.Report) { e.post(playbackEvent{report: r}) })
		interrupt = e.player
	}
	e.voice = voice.New(e.recognizer, interrupt, voice.WithMetrics(e.metrics))
	e.voice.OnUtterance(func(u voice.Utterance) { e.post(utteranceEvent{utterance: u}) })
	e.voice.OnError(func(err error) { e.post(voiceErrorEvent{err: err}) })

	t.OnFrame(func(f protocol.Frame) { e.post(frameEvent{frame: f}) })
	t.OnStateChange(func(s conn.State, err error) { e.post(connStateEvent{state: s, err: err}) })

	e.store.Replace("", []transcript.Message{placeholder()})
	return e
}

func placeholder() transcript.Message {
	return transcript.NewMessage(transcript.SenderAgent, PlaceholderText)
}

// Run connects, loads the session list (selecting the most recent
// session) and processes events until ctx is cancelled. On return the
// transport, voice input and audio output are closed. Run may be called
// once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("chat: Run called twice")
	}
	defer e.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	e.runCtx = gctx

	g.Go(func() error { return e.dispatch(gctx) })
	g.Go(func() error { return e.sendLoop(gctx) })
	g.Go(func() error {
		if err := e.transport.Open(gctx); err != nil && gctx.Err() == nil {
			e.addNotice(slog.LevelError, "Could not connect to the chat server", err)
		}
		return nil
	})
	g.Go(func() error {
		e.loadSessions(gctx, true, nil)
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) shutdown() {
	if err := e.voice.Close(); err != nil {
		slog.Warn("chat: closing voice input", "err", err)
	}
	if e.player != nil {
		if err := e.player.Close(); err != nil {
			slog.Warn("chat: closing audio output", "err", err)
		}
	}
	if err := e.transport.Close(); err != nil {
		slog.Warn("chat: closing connection", "err", err)
	}
}

// post hands ev to the dispatcher. It gives up once the dispatcher has
// stopped.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
		slog.Debug("chat: dropping event after stop", "event", ev.eventType())
	}
}

// do runs fn on the dispatcher and waits for its result.
func (e *Engine) do(ctx context.Context, name string, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.events <- commandEvent{name: name, fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	return e.await(ctx, reply)
}

func (e *Engine) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// postAndWait posts a completion event carrying reply and waits for the
// dispatcher to apply it.
func (e *Engine) postAndWait(ctx context.Context, ev event, reply chan error) error {
	select {
	case e.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	return e.await(ctx, reply)
}

func (e *Engine) dispatch(ctx context.Context) error {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// sendLoop writes outbound frames in order, off the dispatcher.
func (e *Engine) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-e.outbox:
			if err := e.transport.Send(ctx, out); err != nil && ctx.Err() == nil {
				e.post(sendFailedEvent{out: out, err: err})
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		e.handleFrame(ctx, ev.frame)
	case connStateEvent:
		e.handleConnState(ev)
	case utteranceEvent:
		if err := e.send(ctx, ev.utterance.Text, true); err != nil {
			e.addNotice(slog.LevelWarn, "Voice message not sent", err)
		}
	case voiceErrorEvent:
		e.addNotice(slog.LevelWarn, "Voice input failed", ev.err)
	case playbackEvent:
		e.handlePlayback(ev.report)
	case sessionsLoadedEvent:
		e.handleSessionsLoaded(ev)
	case sessionCreatedEvent:
		e.handleSessionCreated(ev)
	case sessionDeletedEvent:
		e.handleSessionDeleted(ev)
	case historyLoadedEvent:
		e.handleHistoryLoaded(ev)
	case uploadDoneEvent:
		e.handleUploadDone(ev)
	case sendFailedEvent:
		e.addNotice(slog.LevelWarn, "Message could not be delivered", ev.err)
	case commandEvent:
		ev.reply <- ev.fn()
	default:
		slog.Warn("chat: unhandled event", "event", ev.eventType())
	}
}

func (e *Engine) handleFrame(ctx context.Context, f protocol.Frame) {
	res := e.asm.Apply(f)
	e.metrics.RecordFrame(ctx, f.Kind.String(), res.Outcome.String())
	if res.Outcome != stream.Applied {
		return
	}

	switch f.Kind {
	case protocol.KindPartial, protocol.KindFinal:
		if e.awaitingFirst {
			e.awaitingFirst = false
			e.metrics.FirstTokenLatency.Record(ctx, time.Since(e.turnStart).Seconds())
		}
	}
	if (f.Kind == protocol.KindFinal || f.Kind == protocol.KindError) && e.turnOpen {
		e.turnOpen = false
		e.awaitingFirst = false
		e.metrics.TurnDuration.Record(ctx, time.Since(e.turnStart).Seconds())
	}

	if res.Err != nil {
		e.addNotice(slog.LevelWarn, "The tutor reported an error", res.Err)
	}
	if f.Kind == protocol.KindFinal && res.Message.HasAudio() && e.player != nil {
		e.player.Play(*res.Message.Audio)
	}
}

func (e *Engine) handleConnState(ev connStateEvent) {
	e.viewMu.Lock()
	prev := e.view.conn
	reconnect := ev.state == conn.StateOpen && e.view.everOpen
	e.view.conn = ev.state
	if ev.state == conn.StateOpen {
		e.view.everOpen = true
	}
	e.viewMu.Unlock()

	switch ev.state {
	case conn.StateDisconnected:
		e.store.SetTyping(false)
		e.endTurn()
		if prev == conn.StateOpen || ev.err != nil {
			e.addNotice(slog.LevelWarn, "Connection to the chat server lost", ev.err)
		}
	case conn.StateOpen:
		if reconnect {
			e.addNotice(slog.LevelInfo, "Reconnected to the chat server", nil)
		}
	}
}

func (e *Engine) handlePlayback(r playback.Report) {
	switch r.Outcome {
	case playback.OutcomePlayed:
		e.setPlayback(r.MessageID, transcript.PlaybackNone)
	case playback.OutcomeBlocked:
		e.setPlayback(r.MessageID, transcript.PlaybackError)
		e.addNotice(slog.LevelInfo, "Audio playback was blocked", ErrPlaybackBlocked)
	case playback.OutcomeFailed:
		e.setPlayback(r.MessageID, transcript.PlaybackError)
		e.addNotice(slog.LevelWarn, "Audio playback failed", r.Err)
	}
}

func (e *Engine) setPlayback(id string, state transcript.PlaybackState) {
	e.store.Update(id, func(m transcript.Message) transcript.Message {
		m.Playback = state
		return m
	})
}

// activate makes id the active session, empties the transcript and starts
// loading its history. Messages sent before the history arrives stay in
// the transcript; the history is placed in front of them.
func (e *Engine) activate(id string) error {
	if _, err := e.dir.Select(id); err != nil {
		return err
	}
	e.asm.Activate(id)
	e.endTurn()
	e.store.Reset(id)

	e.historyLoad++
	load := e.historyLoad
	ctx := e.runCtx
	go func() {
		msgs, err := e.store.Fetch(ctx, id)
		e.post(historyLoadedEvent{sessionID: id, load: load, messages: msgs, err: err})
	}()
	return nil
}

func (e *Engine) endTurn() {
	e.awaitingFirst = false
	e.turnOpen = false
}

func (e *Engine) handleHistoryLoaded(ev historyLoadedEvent) {
	if ev.sessionID != e.asm.Active() || ev.load != e.historyLoad {
		slog.Debug("chat: dropping stale history", "session_id", ev.sessionID)
		return
	}
	if ev.err != nil {
		e.addNotice(slog.LevelError, "Could not load chat history", ev.err)
		return
	}
	e.store.PrependHistory(ev.sessionID, ev.messages)
}

func (e *Engine) loadSessions(ctx context.Context, autoSelect bool, reply chan error) {
	ss, err := e.dir.Refresh(ctx)
	e.post(sessionsLoadedEvent{sessions: ss, err: err, autoSelect: autoSelect, reply: reply})
}

func (e *Engine) handleSessionsLoaded(ev sessionsLoadedEvent) {
	if ev.err != nil {
		e.addNotice(slog.LevelWarn, "Could not load sessions", ev.err)
	} else if ev.autoSelect && e.asm.Active() == "" {
		if recent, ok := e.dir.MostRecent(); ok {
			if err := e.activate(recent.ID); err != nil {
				slog.Warn("chat: selecting most recent session", "err", err)
			}
		}
	}
	if ev.reply != nil {
		ev.reply <- ev.err
	}
}

func (e *Engine) handleSessionCreated(ev sessionCreatedEvent) {
	if ev.err != nil {
		e.addNotice(slog.LevelError, "Could not create session", ev.err)
		ev.reply <- ev.err
		return
	}
	if _, err := e.dir.Select(ev.session.ID); err != nil {
		ev.reply <- err
		return
	}
	e.asm.Activate(ev.session.ID)
	e.endTurn()
	e.historyLoad++
	e.store.Reset(ev.session.ID)
	ev.reply <- nil
}

func (e *Engine) handleSessionDeleted(ev sessionDeletedEvent) {
	if ev.err != nil {
		e.addNotice(slog.LevelError, "Could not delete session", ev.err)
		ev.reply <- ev.err
		return
	}
	if e.asm.Active() == ev.id {
		e.asm.Activate("")
		e.endTurn()
		e.store.Replace("", []transcript.Message{placeholder()})
	}
	ev.reply <- nil
}

func (e *Engine) handleUploadDone(ev uploadDoneEvent) {
	if ev.err != nil {
		e.store.Append(transcript.NewMessage(transcript.SenderAgent, "Error uploading file: "+ev.err.Error()))
		e.addNotice(slog.LevelError, "Upload failed", ev.err)
		ev.reply <- ev.err
		return
	}
	text := "Successfully added resource: " + ev.title + " (ID: " + string(ev.result.ID) + ")"
	e.store.Append(transcript.NewMessage(transcript.SenderAgent, text))
	ev.reply <- nil
}

// addNotice records a notice for the view, logs it and forwards it to the
// notice callback. Safe from any goroutine.
func (e *Engine) addNotice(level slog.Level, text string, err error) {
	n := Notice{At: time.Now(), Level: level, Text: text, Err: err}

	e.viewMu.Lock()
	e.view.notices = append(e.view.notices, n)
	if over := len(e.view.notices) - e.noticeLimit; over > 0 {
		e.view.notices = e.view.notices[over:]
	}
	cb := e.onNotice
	e.viewMu.Unlock()

	if err != nil {
		slog.Log(context.Background(), level, "chat: "+text, "err", err)
	} else {
		slog.Log(context.Background(), level, "chat: "+text)
	}
	if cb != nil {
		cb(n)
	}
}

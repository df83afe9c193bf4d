package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/chat"
	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/protocol"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/pkg/audio"
	audiomock "github.com/MrWong99/tutorchat/pkg/audio/mock"
	speechmock "github.com/MrWong99/tutorchat/pkg/speech/mock"
)

// fakeTransport stands in for the websocket. Open reports the connection
// open unless openErr is set; frames are injected with emit.
type fakeTransport struct {
	mu      sync.Mutex
	onFrame func(protocol.Frame)
	onState func(conn.State, error)
	openErr error
	closed  int
	// beforeWrite, when set, runs as each frame is written.
	beforeWrite func(protocol.Outbound)

	sent chan protocol.Outbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan protocol.Outbound, 16)}
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	err, cb := f.openErr, f.onState
	f.mu.Unlock()
	if err != nil {
		cb(conn.StateDisconnected, err)
		return err
	}
	cb(conn.StateOpen, nil)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, out protocol.Outbound) error {
	f.mu.Lock()
	hook := f.beforeWrite
	f.mu.Unlock()
	if hook != nil {
		hook(out)
	}
	f.sent <- out
	return nil
}

func (f *fakeTransport) OnFrame(fn func(protocol.Frame)) {
	f.mu.Lock()
	f.onFrame = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(conn.State, error)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(fr protocol.Frame) {
	f.mu.Lock()
	cb := f.onFrame
	f.mu.Unlock()
	cb(fr)
}

func (f *fakeTransport) setState(s conn.State, err error) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	cb(s, err)
}

// fakeBackend serves canned sessions and histories.
type fakeBackend struct {
	mu         sync.Mutex
	sessions   []backend.Session
	history    map[string][]backend.Message
	historyErr map[string]error
	// historyGate holds a session's history until the channel is closed.
	historyGate map[string]chan struct{}
	createErr  error
	uploadErr  error
	uploads    []backend.Resource
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: []backend.Session{
			{ID: "older", Title: "Geometry", CreatedAt: at(1)},
			{ID: "recent", Title: "Fractions", CreatedAt: at(2)},
		},
		history: map[string][]backend.Message{
			"recent": {
				{ID: "1", Sender: "user", Content: "What is 1/2 + 1/4?", CreatedAt: at(2)},
				{ID: "2", Sender: "assistant", Content: "3/4", CreatedAt: at(2)},
			},
			"older": {
				{ID: "3", Sender: "user", Content: "What is a right angle?", CreatedAt: at(1)},
			},
		},
		historyErr:  map[string]error{},
		historyGate: map[string]chan struct{}{},
	}
}

func at(day int) backend.Timestamp {
	return backend.Timestamp{Time: time.Date(2025, 5, day, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeBackend) ListSessions(context.Context) ([]backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Session(nil), f.sessions...), nil
}

func (f *fakeBackend) CreateSession(_ context.Context, title string) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return backend.Session{}, f.createErr
	}
	s := backend.Session{ID: "fresh", Title: title, CreatedAt: at(3)}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if string(s.ID) == id {
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			return nil
		}
	}
	return &backend.APIError{Method: "DELETE", Route: "sessions.delete", Status: 404}
}

func (f *fakeBackend) Messages(ctx context.Context, sessionID string) ([]backend.Message, error) {
	f.mu.Lock()
	gate := f.historyGate[sessionID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.historyErr[sessionID]; err != nil {
		return nil, err
	}
	return f.history[sessionID], nil
}

func (f *fakeBackend) AddResource(_ context.Context, r backend.Resource) (backend.ResourceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, r)
	if f.uploadErr != nil {
		return backend.ResourceResult{}, f.uploadErr
	}
	return backend.ResourceResult{ID: "42", Message: "ok"}, nil
}

func startEngine(t *testing.T, tr *fakeTransport, be *fakeBackend, opts ...chat.Option) *chat.Engine {
	t.Helper()
	e := chat.New(tr, be, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return e
}

func waitFor(t *testing.T, what string, cond func(chat.View) bool, e *chat.Engine) chat.View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := e.View()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; transcript=%v", what, texts(v.Transcript))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func texts(s transcript.Snapshot) []string {
	out := make([]string, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.Text
	}
	return out
}

// ready waits until the most recent session is active with its history
// and the connection is open.
func ready(t *testing.T, e *chat.Engine) chat.View {
	t.Helper()
	return waitFor(t, "recent session loaded", func(v chat.View) bool {
		return v.Conn == conn.StateOpen && v.Transcript.SessionID == "recent" && len(v.Transcript.Messages) == 2
	}, e)
}

func nextSent(t *testing.T, tr *fakeTransport) protocol.Outbound {
	t.Helper()
	select {
	case out := <-tr.sent:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was sent")
		return protocol.Outbound{}
	}
}

func TestEngine_PlaceholderBeforeSelection(t *testing.T) {
	t.Parallel()
	e := chat.New(newFakeTransport(), newFakeBackend())
	v := e.View()
	if len(v.Transcript.Messages) != 1 || v.Transcript.Messages[0].Text != chat.PlaceholderText {
		t.Fatalf("transcript = %v, want placeholder", texts(v.Transcript))
	}
	if v.HasActive {
		t.Fatal("HasActive = true before any selection")
	}
}

func TestEngine_SelectsMostRecentSessionOnStart(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())

	v := ready(t, e)
	if !v.HasActive || v.Active.ID != "recent" {
		t.Fatalf("Active = %+v, want recent", v.Active)
	}
	if got := v.Sessions[0].ID; got != "recent" {
		t.Fatalf("Sessions[0] = %q, want most recent first", got)
	}
	if v.Transcript.Messages[0].Sender != transcript.SenderUser || v.Transcript.Messages[1].ID != "2" {
		t.Fatalf("history not mapped: %+v", v.Transcript.Messages)
	}
}

func TestEngine_TypedSendAndStreamedReply(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())
	ready(t, e)

	if err := e.Send(context.Background(), "  What is 2/3 of 9?  "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := nextSent(t, tr)
	want := protocol.Outbound{Message: "What is 2/3 of 9?", SessionID: "recent", TTS: false}
	if out != want {
		t.Fatalf("sent %+v, want %+v", out, want)
	}

	tr.emit(protocol.Frame{Kind: protocol.KindStatus, Status: protocol.StatusTyping})
	tr.emit(protocol.Frame{Kind: protocol.KindPartial, Text: "It is"})
	tr.emit(protocol.Frame{Kind: protocol.KindPartial, Text: "It is 6"})
	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "It is 6."})

	v := waitFor(t, "final reply", func(v chat.View) bool {
		last, ok := v.Transcript.Last()
		return ok && last.Text == "It is 6." && !last.Streaming()
	}, e)
	if n := len(v.Transcript.Messages); n != 4 {
		t.Fatalf("transcript = %v, want history + question + one reply", texts(v.Transcript))
	}
	if v.Transcript.Typing {
		t.Fatal("Typing still set after final")
	}
	if err := v.Transcript.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_SendRejections(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		e := startEngine(t, newFakeTransport(), newFakeBackend())
		ready(t, e)
		if err := e.Send(context.Background(), "   "); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
	})

	t.Run("no active session", func(t *testing.T) {
		t.Parallel()
		be := newFakeBackend()
		be.sessions = nil
		tr := newFakeTransport()
		e := startEngine(t, tr, be)
		waitFor(t, "open", func(v chat.View) bool { return v.Conn == conn.StateOpen }, e)
		if err := e.Send(context.Background(), "hi"); !errors.Is(err, chat.ErrNoActiveSession) {
			t.Fatalf("err = %v, want ErrNoActiveSession", err)
		}
	})

	t.Run("connection not open", func(t *testing.T) {
		t.Parallel()
		tr := newFakeTransport()
		e := startEngine(t, tr, newFakeBackend())
		ready(t, e)
		tr.setState(conn.StateDisconnected, errors.New("network down"))
		waitFor(t, "disconnected", func(v chat.View) bool { return v.Conn == conn.StateDisconnected }, e)

		before := e.View().Transcript
		if err := e.Send(context.Background(), "hi"); !errors.Is(err, chat.ErrTransportUnavailable) {
			t.Fatalf("err = %v, want ErrTransportUnavailable", err)
		}
		if after := e.View().Transcript; len(after.Messages) != len(before.Messages) {
			t.Fatalf("transcript changed on dropped send: %v", texts(after))
		}
		select {
		case out := <-tr.sent:
			t.Fatalf("unexpected send %+v", out)
		default:
		}
	})
}

func TestEngine_FramesForPreviousSessionAreDiscarded(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())
	ready(t, e)

	if err := e.Send(context.Background(), "Explain fractions"); err != nil {
		t.Fatal(err)
	}
	nextSent(t, tr)
	tr.emit(protocol.Frame{Kind: protocol.KindPartial, Text: "A fraction"})
	waitFor(t, "partial", func(v chat.View) bool {
		_, ok := v.Transcript.Streaming()
		return ok
	}, e)

	if err := e.Select(context.Background(), "older"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	waitFor(t, "older history", func(v chat.View) bool {
		return v.Transcript.SessionID == "older" && len(v.Transcript.Messages) == 1
	}, e)

	tr.emit(protocol.Frame{Kind: protocol.KindPartial, Text: "A fraction is"})
	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "A fraction is a part.", SessionID: "recent"})

	// A marker frame for the active session proves the earlier ones were
	// processed.
	tr.emit(protocol.Frame{Kind: protocol.KindError, Text: "marker", SessionID: "older"})
	v := waitFor(t, "marker", func(v chat.View) bool {
		last, ok := v.Transcript.Last()
		return ok && strings.Contains(last.Text, "marker")
	}, e)
	for _, m := range v.Transcript.Messages {
		if strings.Contains(m.Text, "fraction") {
			t.Fatalf("frame of previous session leaked into transcript: %v", texts(v.Transcript))
		}
	}
}

func TestEngine_ServerErrorRaisesNotice(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())
	ready(t, e)

	tr.emit(protocol.Frame{Kind: protocol.KindError, Text: "model overloaded"})
	v := waitFor(t, "notice", func(v chat.View) bool { return len(v.Notices) > 0 }, e)
	if !errors.Is(v.Notices[len(v.Notices)-1].Err, chat.ErrServerError) {
		t.Fatalf("notice err = %v, want ErrServerError", v.Notices[len(v.Notices)-1].Err)
	}
	last, _ := v.Transcript.Last()
	if last.Text != "Error: model overloaded" {
		t.Fatalf("last = %q", last.Text)
	}
}

func TestEngine_HistoryFailureRaisesNotice(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	be.historyErr["older"] = errors.New("502 bad gateway")
	tr := newFakeTransport()
	e := startEngine(t, tr, be)
	ready(t, e)

	if err := e.Select(context.Background(), "older"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	v := waitFor(t, "history notice", func(v chat.View) bool { return len(v.Notices) > 0 }, e)
	if !errors.Is(v.Notices[0].Err, chat.ErrHistoryLoadFailed) {
		t.Fatalf("notice err = %v, want ErrHistoryLoadFailed", v.Notices[0].Err)
	}
	if v.Transcript.SessionID != "older" || len(v.Transcript.Messages) != 0 {
		t.Fatalf("transcript = session %q %v, want empty older", v.Transcript.SessionID, texts(v.Transcript))
	}
	if v.Active.ID != "older" {
		t.Fatalf("Active = %q, want older", v.Active.ID)
	}
}

func TestEngine_TurnSentBeforeHistoryArrivesIsKept(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	gate := make(chan struct{})
	be.historyGate["older"] = gate
	tr := newFakeTransport()
	e := startEngine(t, tr, be)
	ready(t, e)

	if err := e.Select(context.Background(), "older"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := e.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out := nextSent(t, tr); out.SessionID != "older" {
		t.Fatalf("sent to %q, want older", out.SessionID)
	}
	tr.emit(protocol.Frame{Kind: protocol.KindPartial, Text: "Hello!"})
	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "Hello! How can I help?"})
	waitFor(t, "reply", func(v chat.View) bool {
		last, ok := v.Transcript.Last()
		return ok && last.Text == "Hello! How can I help?" && !last.Streaming()
	}, e)

	close(gate)
	v := waitFor(t, "history", func(v chat.View) bool { return len(v.Transcript.Messages) == 3 }, e)
	want := []string{"What is a right angle?", "hi", "Hello! How can I help?"}
	for i, w := range want {
		if got := v.Transcript.Messages[i].Text; got != w {
			t.Fatalf("transcript = %v, want %v", texts(v.Transcript), want)
		}
	}
	agents := 0
	for _, m := range v.Transcript.Messages[1:] {
		if m.Sender == transcript.SenderAgent {
			agents++
		}
	}
	if agents != 1 {
		t.Fatalf("agent messages for the turn = %d, want 1", agents)
	}
	if err := v.Transcript.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_StaleHistoryIsDropped(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	gate := make(chan struct{})
	be.historyGate["older"] = gate
	e := startEngine(t, newFakeTransport(), be)
	ready(t, e)

	// The first load of older is still held when it is selected again.
	if err := e.Select(context.Background(), "older"); err != nil {
		t.Fatal(err)
	}
	if err := e.Select(context.Background(), "recent"); err != nil {
		t.Fatal(err)
	}
	ready(t, e)
	if err := e.Select(context.Background(), "older"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	waitFor(t, "older history", func(v chat.View) bool {
		return v.Transcript.SessionID == "older" && len(v.Transcript.Messages) >= 1
	}, e)
	time.Sleep(50 * time.Millisecond)
	if v := e.View(); len(v.Transcript.Messages) != 1 {
		t.Fatalf("transcript = %v, want history applied once", texts(v.Transcript))
	}
}

func TestEngine_SelectUnknownSession(t *testing.T) {
	t.Parallel()
	e := startEngine(t, newFakeTransport(), newFakeBackend())
	ready(t, e)
	if err := e.Select(context.Background(), "nope"); !errors.Is(err, chat.ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestEngine_CreateSession(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())
	ready(t, e)

	s, err := e.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "fresh" || s.Title != "New Chat Session" {
		t.Fatalf("session = %+v", s)
	}
	v := e.View()
	if v.Active.ID != "fresh" || v.Transcript.SessionID != "fresh" || len(v.Transcript.Messages) != 0 {
		t.Fatalf("after create: active=%q session=%q %v", v.Active.ID, v.Transcript.SessionID, texts(v.Transcript))
	}
	if v.Sessions[0].ID != "fresh" {
		t.Fatalf("new session not listed first: %+v", v.Sessions)
	}

	if err := e.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if out := nextSent(t, tr); out.SessionID != "fresh" {
		t.Fatalf("sent to %q, want fresh", out.SessionID)
	}
}

func TestEngine_CreateSessionAfterStopLeavesActive(t *testing.T) {
	t.Parallel()
	e := chat.New(newFakeTransport(), newFakeBackend())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	ready(t, e)
	cancel()
	<-done

	if _, err := e.CreateSession(context.Background(), "Algebra"); !errors.Is(err, chat.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if v := e.View(); v.Active.ID != "recent" {
		t.Fatalf("Active = %q, want recent", v.Active.ID)
	}
}

func TestEngine_CreateSessionFailure(t *testing.T) {
	t.Parallel()
	be := newFakeBackend()
	be.createErr = errors.New("500")
	e := startEngine(t, newFakeTransport(), be)
	before := ready(t, e)

	if _, err := e.CreateSession(context.Background(), "Algebra"); !errors.Is(err, chat.ErrSessionCreateFailed) {
		t.Fatalf("err = %v, want ErrSessionCreateFailed", err)
	}
	v := e.View()
	if v.Active.ID != "recent" || len(v.Transcript.Messages) != len(before.Transcript.Messages) {
		t.Fatalf("state changed after failed create: active=%q %v", v.Active.ID, texts(v.Transcript))
	}
}

func TestEngine_DeleteActiveSessionRestoresPlaceholder(t *testing.T) {
	t.Parallel()
	e := startEngine(t, newFakeTransport(), newFakeBackend())
	ready(t, e)

	if err := e.DeleteSession(context.Background(), "recent"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	v := e.View()
	if v.HasActive {
		t.Fatalf("still active: %+v", v.Active)
	}
	if len(v.Transcript.Messages) != 1 || v.Transcript.Messages[0].Text != chat.PlaceholderText {
		t.Fatalf("transcript = %v, want placeholder", texts(v.Transcript))
	}
	if len(v.Sessions) != 1 {
		t.Fatalf("sessions = %+v", v.Sessions)
	}
}

func TestEngine_Upload(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		be := newFakeBackend()
		e := startEngine(t, newFakeTransport(), be)
		ready(t, e)

		res, err := e.Upload(context.Background(), backend.Resource{Title: "Fractions 101", Content: "..."})
		if err != nil {
			t.Fatalf("Upload: %v", err)
		}
		if res.ID != "42" {
			t.Fatalf("ID = %q", res.ID)
		}
		last, _ := e.View().Transcript.Last()
		if last.Text != "Successfully added resource: Fractions 101 (ID: 42)" || last.Sender != transcript.SenderAgent {
			t.Fatalf("last = %+v", last)
		}
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()
		be := newFakeBackend()
		be.uploadErr = errors.New("too large")
		e := startEngine(t, newFakeTransport(), be)
		ready(t, e)

		if _, err := e.Upload(context.Background(), backend.Resource{Title: "Big", Content: "..."}); err == nil {
			t.Fatal("expected error")
		}
		last, _ := e.View().Transcript.Last()
		if last.Text != "Error uploading file: too large" {
			t.Fatalf("last = %q", last.Text)
		}
	})
}

func TestEngine_VoiceSendAsksForAudio(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	rec := &speechmock.Recognizer{Text: " what is a prime "}
	e := startEngine(t, tr, newFakeBackend(), chat.WithRecognizer(rec))
	ready(t, e)

	if err := e.ToggleVoice(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.ToggleVoice(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	out := nextSent(t, tr)
	want := protocol.Outbound{Message: "what is a prime", SessionID: "recent", TTS: true}
	if out != want {
		t.Fatalf("sent %+v, want %+v", out, want)
	}
}

func TestEngine_VoiceUnavailable(t *testing.T) {
	t.Parallel()
	e := startEngine(t, newFakeTransport(), newFakeBackend())
	ready(t, e)
	if err := e.ToggleVoice(context.Background()); !errors.Is(err, chat.ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestEngine_AutoplayBlockedThenRetry(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p := &audiomock.Player{BlockedUntilGesture: true}
	e := startEngine(t, tr, newFakeBackend(), chat.WithPlayer(p))
	ready(t, e)

	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "Listen.", Audio: []byte{1, 2, 3}, ContentType: "audio/mpeg"})
	v := waitFor(t, "playback error", func(v chat.View) bool {
		last, ok := v.Transcript.Last()
		return ok && last.Playback == transcript.PlaybackError
	}, e)
	if !errors.Is(v.Notices[len(v.Notices)-1].Err, chat.ErrPlaybackBlocked) {
		t.Fatalf("notice = %+v, want ErrPlaybackBlocked", v.Notices)
	}

	last, _ := v.Transcript.Last()
	if err := e.PlayAudio(context.Background(), last.ID); err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	waitFor(t, "played", func(v chat.View) bool {
		m, _, ok := v.Transcript.Find(last.ID)
		return ok && m.Playback == transcript.PlaybackNone
	}, e)
	calls := p.Calls()
	if len(calls) != 2 || calls[1].Clip.MessageID != last.ID {
		t.Fatalf("play calls = %+v", calls)
	}
}

func TestEngine_PlayAudioWithoutAudio(t *testing.T) {
	t.Parallel()
	e := startEngine(t, newFakeTransport(), newFakeBackend(), chat.WithPlayer(&audiomock.Player{}))
	v := ready(t, e)
	if err := e.PlayAudio(context.Background(), v.Transcript.Messages[0].ID); !errors.Is(err, chat.ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
}

func TestEngine_SendStopsPlayback(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p := &audiomock.Player{Block: true, Started: make(chan audio.Clip, 1)}
	e := startEngine(t, tr, newFakeBackend(), chat.WithPlayer(p))
	ready(t, e)

	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "Long answer", Audio: []byte{9}})
	select {
	case <-p.Started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
	if err := e.Send(context.Background(), "next question"); err != nil {
		t.Fatal(err)
	}
	nextSent(t, tr)
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("playback was not stopped by send")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.Calls()[0].Cancelled {
		t.Fatal("playback ended without cancellation")
	}
}

func TestEngine_SendWaitsForAudioRelease(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p := &audiomock.Player{Block: true, ReleaseDelay: 100 * time.Millisecond, Started: make(chan audio.Clip, 1)}
	var mu sync.Mutex
	playingAtWrite := -1
	tr.beforeWrite = func(protocol.Outbound) {
		mu.Lock()
		playingAtWrite = p.Playing()
		mu.Unlock()
	}
	e := startEngine(t, tr, newFakeBackend(), chat.WithPlayer(p))
	ready(t, e)

	tr.emit(protocol.Frame{Kind: protocol.KindFinal, Text: "Long answer", Audio: []byte{9}})
	select {
	case <-p.Started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
	if err := e.Send(context.Background(), "next question"); err != nil {
		t.Fatal(err)
	}
	nextSent(t, tr)

	mu.Lock()
	defer mu.Unlock()
	if playingAtWrite != 0 {
		t.Fatalf("%d playbacks active when the frame was written, want 0", playingAtWrite)
	}
}

func TestEngine_ConnectionNotices(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	e := startEngine(t, tr, newFakeBackend())
	ready(t, e)

	tr.emit(protocol.Frame{Kind: protocol.KindStatus, Status: protocol.StatusTyping})
	waitFor(t, "typing", func(v chat.View) bool { return v.Transcript.Typing }, e)

	tr.setState(conn.StateDisconnected, errors.New("reset by peer"))
	v := waitFor(t, "disconnect", func(v chat.View) bool { return v.Conn == conn.StateDisconnected }, e)
	if v.Transcript.Typing {
		t.Fatal("typing indicator survived disconnect")
	}

	tr.setState(conn.StateOpen, nil)
	waitFor(t, "reconnect notice", func(v chat.View) bool {
		for _, n := range v.Notices {
			if strings.HasPrefix(n.Text, "Reconnected") {
				return true
			}
		}
		return false
	}, e)
}

func TestEngine_RunClosesResources(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p := &audiomock.Player{}
	e := chat.New(tr, newFakeBackend(), chat.WithPlayer(p))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	ready(t, e)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.CallCountClose != 1 || tr.closed != 1 {
		t.Fatalf("close counts: player=%d transport=%d", p.CallCountClose, tr.closed)
	}
	if err := e.Send(context.Background(), "late"); !errors.Is(err, chat.ErrStopped) {
		t.Fatalf("Send after stop = %v, want ErrStopped", err)
	}
}

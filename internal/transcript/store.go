// Package transcript holds the ordered message log of the active chat
// session.
//
// The [Store] is written by exactly one goroutine (the chat dispatcher) and
// may be read from any goroutine. Every write publishes a new immutable
// [Snapshot]; the last element is replaced by a modified copy rather than
// changed in place, so a snapshot captured earlier never observes later
// mutations.
//
// Invariant: at most one message is streaming, and it is always the last.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHistoryLoadFailed wraps any failure fetching a session's history.
var ErrHistoryLoadFailed = errors.New("transcript: history load failed")

// HistorySource fetches the stored messages of a session.
type HistorySource interface {
	History(ctx context.Context, sessionID string) ([]Message, error)
}

// HistoryFunc adapts a function to [HistorySource].
type HistoryFunc func(ctx context.Context, sessionID string) ([]Message, error)

// History implements [HistorySource].
func (f HistoryFunc) History(ctx context.Context, sessionID string) ([]Message, error) {
	return f(ctx, sessionID)
}

// Snapshot is an immutable view of the transcript. Messages must not be
// modified by the receiver.
type Snapshot struct {
	SessionID string
	Messages  []Message
	Typing    bool
	Version   uint64
}

// Last returns the last message.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Streaming returns the streaming message, if any.
func (s Snapshot) Streaming() (Message, bool) {
	m, ok := s.Last()
	if !ok || !m.Streaming() {
		return Message{}, false
	}
	return m, true
}

// Find returns the message with id and its index.
func (s Snapshot) Find(id string) (Message, int, bool) {
	i := slices.IndexFunc(s.Messages, func(m Message) bool { return m.ID == id })
	if i < 0 {
		return Message{}, -1, false
	}
	return s.Messages[i], i, true
}

// Validate checks the single-streaming invariant.
func (s Snapshot) Validate() error {
	for i, m := range s.Messages {
		if m.Streaming() && i != len(s.Messages)-1 {
			return fmt.Errorf("transcript: streaming message %s at index %d is not last", m.ID, i)
		}
	}
	return nil
}

// Store owns the transcript of the active session.
type Store struct {
	history HistorySource

	mu   sync.RWMutex
	snap Snapshot

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an empty Store. history may be nil when history loading is
// not needed.
func New(history HistorySource) *Store {
	return &Store{history: history, subs: make(map[int]func(Snapshot))}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers fn to receive every published snapshot. fn runs on the
// writer's goroutine and must not block or write to the store. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Fetch retrieves the history of sessionID without touching the store.
// Errors wrap [ErrHistoryLoadFailed].
func (s *Store) Fetch(ctx context.Context, sessionID string) ([]Message, error) {
	if s.history == nil {
		return nil, fmt.Errorf("%w: no history source", ErrHistoryLoadFailed)
	}
	msgs, err := s.history.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", ErrHistoryLoadFailed, sessionID, err)
	}
	return msgs, nil
}

// LoadHistory fetches the history of sessionID and replaces the transcript
// with it. On failure the transcript is left unchanged.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]Message, error) {
	msgs, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Replace(sessionID, msgs)
	return msgs, nil
}

// Replace swaps the whole transcript for msgs, scoped to sessionID. Any
// message still marked streaming is completed.
func (s *Store) Replace(sessionID string, msgs []Message) {
	next := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Status = StatusComplete
		next[i] = m
	}
	s.publish(func(Snapshot) (Snapshot, bool) {
		return Snapshot{SessionID: sessionID, Messages: next}, true
	})
}

// PrependHistory puts history in front of the messages appended since the
// transcript was scoped to sessionID. It reports false and changes nothing
// when the transcript belongs to another session.
func (s *Store) PrependHistory(sessionID string, history []Message) bool {
	return s.publish(func(cur Snapshot) (Snapshot, bool) {
		if cur.SessionID != sessionID {
			return cur, false
		}
		next := make([]Message, 0, len(history)+len(cur.Messages))
		for _, m := range history {
			m.Status = StatusComplete
			next = append(next, m)
		}
		cur.Messages = append(next, cur.Messages...)
		return cur, true
	})
}

// Reset empties the transcript and scopes it to sessionID.
func (s *Store) Reset(sessionID string) { s.Replace(sessionID, nil) }

// Append adds m to the end. A trailing streaming message is completed first
// so the invariant holds.
func (s *Store) Append(m Message) {
	s.publish(func(cur Snapshot) (Snapshot, bool) {
		next := make([]Message, len(cur.Messages), len(cur.Messages)+1)
		copy(next, cur.Messages)
		if n := len(next); n > 0 && next[n-1].Streaming() {
			next[n-1].Status = StatusComplete
		}
		cur.Messages = append(next, m)
		return cur, true
	})
}

// MutateLast replaces the last message with fn(last). It reports false and
// publishes nothing when the transcript is empty.
func (s *Store) MutateLast(fn func(Message) Message) bool {
	return s.publish(func(cur Snapshot) (Snapshot, bool) {
		if len(cur.Messages) == 0 {
			return cur, false
		}
		next := slices.Clone(cur.Messages)
		next[len(next)-1] = fn(next[len(next)-1])
		cur.Messages = next
		return cur, true
	})
}

// Update replaces the message with id by fn(message). It reports false
// when no message has that id.
func (s *Store) Update(id string, fn func(Message) Message) bool {
	return s.publish(func(cur Snapshot) (Snapshot, bool) {
		_, i, ok := cur.Find(id)
		if !ok {
			return cur, false
		}
		next := slices.Clone(cur.Messages)
		next[i] = fn(next[i])
		cur.Messages = next
		return cur, true
	})
}

// SetTyping sets the typing indicator.
func (s *Store) SetTyping(typing bool) {
	s.publish(func(cur Snapshot) (Snapshot, bool) {
		if cur.Typing == typing {
			return cur, false
		}
		cur.Typing = typing
		return cur, true
	})
}

// publish applies fn to the current snapshot. When fn reports a change the
// result is stored under a new version and subscribers are notified.
func (s *Store) publish(fn func(Snapshot) (Snapshot, bool)) bool {
	s.mu.Lock()
	next, changed := fn(s.snap)
	if !changed {
		s.mu.Unlock()
		return false
	}
	next.Version = s.snap.Version + 1
	s.snap = next
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
	return true
}

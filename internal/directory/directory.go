// Package directory keeps the user's chat sessions and tracks which one is
// active.
//
// The session list is fetched from the backend once and cached; it is not
// refreshed automatically. Sessions are always presented most recent first,
// whatever order the backend returns them in.
package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/tutorchat/internal/backend"
)

// DefaultTitle is used when a session is created without a title.
const DefaultTitle = "New Chat Session"

var (
	// ErrSessionCreateFailed wraps the cause of a failed [Directory.Create].
	ErrSessionCreateFailed = errors.New("directory: session create failed")

	// ErrUnknownSession is returned for ids the directory does not know.
	ErrUnknownSession = errors.New("directory: unknown session")
)

// Session is a chat session.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Backend is the slice of the REST client the directory needs.
type Backend interface {
	ListSessions(ctx context.Context) ([]backend.Session, error)
	CreateSession(ctx context.Context, title string) (backend.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Directory is safe for concurrent use.
type Directory struct {
	backend Backend

	mu       sync.Mutex
	sessions []Session
	loaded   bool
	activeID string
}

// New returns an empty directory backed by b.
func New(b Backend) *Directory {
	return &Directory{backend: b}
}

func fromBackend(s backend.Session) Session {
	return Session{ID: string(s.ID), Title: s.Title, CreatedAt: s.CreatedAt.Time}
}

// sortRecentFirst orders sessions by CreatedAt, newest first. Ties keep
// their relative order.
func sortRecentFirst(ss []Session) {
	slices.SortStableFunc(ss, func(a, b Session) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
}

// List returns the sessions, fetching them on first use.
func (d *Directory) List(ctx context.Context) ([]Session, error) {
	d.mu.Lock()
	if d.loaded {
		out := slices.Clone(d.sessions)
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()
	return d.Refresh(ctx)
}

// Refresh refetches the sessions. The active session stays active if it
// still exists.
func (d *Directory) Refresh(ctx context.Context) ([]Session, error) {
	raw, err := d.backend.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: list sessions: %w", err)
	}
	ss := make([]Session, 0, len(raw))
	for _, s := range raw {
		ss = append(ss, fromBackend(s))
	}
	sortRecentFirst(ss)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = ss
	d.loaded = true
	if d.activeID != "" && d.indexLocked(d.activeID) < 0 {
		d.activeID = ""
	}
	return slices.Clone(ss), nil
}

// Sessions returns the cached sessions without fetching.
func (d *Directory) Sessions() []Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sessions)
}

// Create creates a session and prepends it. The active session is left
// alone; callers activate the new one with [Directory.Select]. An empty
// title becomes [DefaultTitle]. On failure nothing changes and the error
// wraps [ErrSessionCreateFailed].
func (d *Directory) Create(ctx context.Context, title string) (Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	raw, err := d.backend.CreateSession(ctx, title)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrSessionCreateFailed, err)
	}
	s := fromBackend(raw)
	if s.Title == "" {
		s.Title = title
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(s.ID); i >= 0 {
		d.sessions = slices.Delete(d.sessions, i, i+1)
	}
	d.sessions = slices.Insert(d.sessions, 0, s)
	return s, nil
}

// Select makes the session with id active.
func (d *Directory) Select(id string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	d.activeID = id
	return d.sessions[i], nil
}

// Active returns the active session.
func (d *Directory) Active() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(d.activeID); i >= 0 {
		return d.sessions[i], true
	}
	return Session{}, false
}

// MostRecent returns the newest cached session.
func (d *Directory) MostRecent() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return Session{}, false
	}
	return d.sessions[0], true
}

// Get returns the cached session with id.
func (d *Directory) Get(id string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		return d.sessions[i], true
	}
	return Session{}, false
}

// Delete removes the session server-side and from the cache. Deleting the
// active session leaves the directory without an active session.
func (d *Directory) Delete(ctx context.Context, id string) error {
	if err := d.backend.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("directory: delete session %s: %w", id, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		d.sessions = slices.Delete(d.sessions, i, i+1)
	}
	if d.activeID == id {
		d.activeID = ""
	}
	return nil
}

func (d *Directory) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(d.sessions, func(s Session) bool { return s.ID == id })
}

package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/tutorchat/internal/protocol"
)

// Session is a chat session as listed by the backend.
type Session struct {
	ID        protocol.ID `json:"id"`
	Title     string      `json:"title"`
	CreatedAt Timestamp   `json:"created_at"`
}

// Message is one stored message of a session's history. Sender is "user"
// for the student and "assistant" (or similar) for the tutor.
type Message struct {
	ID        protocol.ID `json:"id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	CreatedAt Timestamp   `json:"created_at"`
}

// Timestamp decodes the backend's ISO-8601 timestamps, with or without a
// zone offset.
type Timestamp struct{ time.Time }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler. Null and empty strings decode
// to the zero time.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		v, err := time.Parse(layout, s)
		if err == nil {
			t.Time = v
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return fmt.Errorf("backend: timestamp %q: %w", s, firstErr)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(time.RFC3339Nano) + `"`), nil
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func sessionPath(id string, suffix string) string {
	return "chatbot/sessions/" + url.PathEscape(id) + "/" + suffix
}

// ListSessions returns the user's chat sessions in server order.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "sessions.list", "chatbot/sessions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "sessions.create", "chatbot/sessions/", createSessionRequest{Title: title}, &out)
	if err != nil {
		return Session{}, err
	}
	if out.ID == "" {
		return Session{}, fmt.Errorf("backend: sessions.create: response carries no id")
	}
	return out, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "sessions.get", sessionPath(id, ""), nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// DeleteSession deletes one session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "sessions.delete", sessionPath(id, ""), nil, nil)
}

// Messages returns the stored history of a session, oldest first.
func (c *Client) Messages(ctx context.Context, id string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, "sessions.messages", sessionPath(id, "messages/"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/transcript"
)

// MessageLister fetches stored session history.
type MessageLister interface {
	Messages(ctx context.Context, sessionID string) ([]backend.Message, error)
}

// HistoryFrom adapts a backend message lister to a transcript history
// source. Server ids are kept; messages without one get a fresh id.
func HistoryFrom(l MessageLister) transcript.HistoryFunc {
	return func(ctx context.Context, sessionID string) ([]transcript.Message, error) {
		raw, err := l.Messages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		out := make([]transcript.Message, 0, len(raw))
		for _, m := range raw {
			id := string(m.ID)
			if id == "" {
				id = uuid.NewString()
			}
			out = append(out, transcript.Message{
				ID:        id,
				Sender:    transcript.ParseSender(m.Sender),
				Text:      m.Content,
				Status:    transcript.StatusComplete,
				CreatedAt: m.CreatedAt.Time,
			})
		}
		return out, nil
	}
}

package chat

import (
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/internal/voice"
)

// Notice is a user-facing status line: a failure the UI should show or a
// hint such as blocked audio.
type Notice struct {
	At    time.Time
	Level slog.Level
	Text  string
	Err   error
}

// View is a consistent read-only picture of the engine for rendering.
type View struct {
	Transcript transcript.Snapshot
	Sessions   []directory.Session
	Active     directory.Session
	HasActive  bool
	Conn       conn.State
	Voice      voice.State
	Notices    []Notice
}

// viewState is the part of the view owned by the dispatcher that is not
// already held by the store or the directory.
type viewState struct {
	conn     conn.State
	everOpen bool
	notices  []Notice
}

func (v viewState) clone() viewState {
	v.notices = slices.Clone(v.notices)
	return v
}

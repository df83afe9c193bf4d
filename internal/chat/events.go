package chat

import (
	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/playback"
	"github.com/MrWong99/tutorchat/internal/protocol"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/internal/voice"
)

// event is anything the dispatcher processes. Every producer (connection,
// voice, playback, REST completions, user commands) turns its output into
// one of the types below.
type event interface {
	eventType() string
}

type frameEvent struct{ frame protocol.Frame }

func (frameEvent) eventType() string { return "frame" }

type connStateEvent struct {
	state conn.State
	err   error
}

func (connStateEvent) eventType() string { return "conn_state" }

type utteranceEvent struct{ utterance voice.Utterance }

func (utteranceEvent) eventType() string { return "utterance" }

type voiceErrorEvent struct{ err error }

func (voiceErrorEvent) eventType() string { return "voice_error" }

type playbackEvent struct{ report playback.Report }

func (playbackEvent) eventType() string { return "playback" }

type sessionsLoadedEvent struct {
	sessions   []directory.Session
	err        error
	autoSelect bool
	reply      chan error
}

func (sessionsLoadedEvent) eventType() string { return "sessions_loaded" }

type sessionCreatedEvent struct {
	session directory.Session
	err     error
	reply   chan error
}

func (sessionCreatedEvent) eventType() string { return "session_created" }

type sessionDeletedEvent struct {
	id    string
	err   error
	reply chan error
}

func (sessionDeletedEvent) eventType() string { return "session_deleted" }

type historyLoadedEvent struct {
	sessionID string
	load      uint64
	messages  []transcript.Message
	err       error
}

func (historyLoadedEvent) eventType() string { return "history_loaded" }

type uploadDoneEvent struct {
	title  string
	result backend.ResourceResult
	err    error
	reply  chan error
}

func (uploadDoneEvent) eventType() string { return "upload_done" }

type sendFailedEvent struct {
	out protocol.Outbound
	err error
}

func (sendFailedEvent) eventType() string { return "send_failed" }

// commandEvent runs fn on the dispatcher and returns its error on reply.
type commandEvent struct {
	name  string
	fn    func() error
	reply chan error
}

func (c commandEvent) eventType() string { return "command:" + c.name }

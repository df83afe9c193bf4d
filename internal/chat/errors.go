package chat

import (
	"errors"

	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/directory"
	"github.com/MrWong99/tutorchat/internal/playback"
	"github.com/MrWong99/tutorchat/internal/stream"
	"github.com/MrWong99/tutorchat/internal/transcript"
	"github.com/MrWong99/tutorchat/internal/voice"
)

// Errors surfaced by the engine. All of them are recoverable; match with
// errors.Is.
var (
	ErrTransportUnavailable  = conn.ErrTransportUnavailable
	ErrCapabilityUnavailable = voice.ErrCapabilityUnavailable
	ErrPermissionDenied      = voice.ErrPermissionDenied
	ErrPlaybackBlocked       = playback.ErrPlaybackBlocked
	ErrServerError           = stream.ErrServerError
	ErrHistoryLoadFailed     = transcript.ErrHistoryLoadFailed
	ErrSessionCreateFailed   = directory.ErrSessionCreateFailed
	ErrUnknownSession        = directory.ErrUnknownSession

	// ErrNoActiveSession is returned by sends while no session is selected.
	ErrNoActiveSession = errors.New("chat: no active session")

	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrNoAudio is returned when asking to play a message without audio.
	ErrNoAudio = errors.New("chat: message has no audio")

	// ErrNoAudioOutput is returned when asking for playback while no audio
	// output is configured.
	ErrNoAudioOutput = errors.New("chat: no audio output configured")

	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("chat: engine stopped")
)

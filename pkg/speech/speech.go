// Package speech defines the host speech-capture capability: something that
// records the microphone and turns one capture session into text.
//
// The recognition model itself is opaque to the client. Implementations only
// need to report the two host conditions the chat engine reacts to:
// [ErrUnavailable] when there is no way to capture speech at all, and
// [ErrPermissionDenied] when the user or OS refused microphone access.
package speech

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the host has no speech-capture support.
	ErrUnavailable = errors.New("speech: capture unavailable")

	// ErrPermissionDenied means microphone access was refused.
	ErrPermissionDenied = errors.New("speech: microphone permission denied")
)

// Recognizer starts capture sessions.
type Recognizer interface {
	// Start begins recording. The returned [Capture] runs until Stop is
	// called, ctx is cancelled or an implementation-defined limit is hit.
	Start(ctx context.Context) (Capture, error)
}

// Capture is one in-progress recording.
type Capture interface {
	// Stop ends recording. Transcription continues in the background and
	// its outcome is delivered on Result. Safe to call multiple times.
	Stop() error

	// Result delivers exactly one [Result] and is then closed.
	Result() <-chan Result
}

// Result is the outcome of a capture session. Text may be empty when
// nothing intelligible was said.
type Result struct {
	Text string
	Err  error
}

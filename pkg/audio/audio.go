// Package audio defines the host audio-output capability used to play
// synthesized agent replies.
//
// A [Player] owns the single output device of the process. Implementations
// must treat a cancelled context as an instruction to stop immediately and
// release the device before returning, so that a caller cancelling one
// playback and starting the next never hears both at once.
package audio

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAutoplayBlocked is returned by [Player.Play] when the host refuses to
// start playback without an explicit user gesture. It is recoverable: the
// same clip may be retried once the user has interacted.
var ErrAutoplayBlocked = errors.New("audio: autoplay blocked")

// DefaultContentType is assumed for clips whose MIME type was not supplied.
const DefaultContentType = "audio/mpeg"

// Clip is one decoded, playable audio resource attached to an agent message.
type Clip struct {
	// MessageID is the transcript message this clip belongs to.
	MessageID string

	// Data holds the encoded audio (mp3, wav, ogg, ...).
	Data []byte

	// ContentType is the MIME type of Data.
	ContentType string
}

// Empty reports whether c carries no audio bytes.
func (c Clip) Empty() bool { return len(c.Data) == 0 }

// Player plays clips on the host's audio output.
type Player interface {
	// Play plays clip and blocks until playback completes, ctx is cancelled
	// or the host refuses playback. A cancelled ctx is not an error.
	// Returns [ErrAutoplayBlocked] when the host requires a user gesture.
	Play(ctx context.Context, clip Clip) error

	// Close releases the device. Safe to call multiple times.
	Close() error
}

// GestureAware is implemented by players that distinguish playback the user
// explicitly asked for from autoplay.
type GestureAware interface {
	// Gesture records that the user interacted with the player.
	Gesture()
}

// GestureGate wraps a [Player] and rejects autoplay with
// [ErrAutoplayBlocked] until the user has interacted at least once. After
// the first [GestureGate.Gesture] all playback is allowed, mirroring the
// sticky activation model of browsers.
type GestureGate struct {
	next     Player
	unlocked atomic.Bool
}

var (
	_ Player       = (*GestureGate)(nil)
	_ GestureAware = (*GestureGate)(nil)
)

// NewGestureGate returns a locked gate in front of next.
func NewGestureGate(next Player) *GestureGate {
	return &GestureGate{next: next}
}

// Gesture unlocks the gate permanently.
func (g *GestureGate) Gesture() { g.unlocked.Store(true) }

// Play implements [Player].
func (g *GestureGate) Play(ctx context.Context, clip Clip) error {
	if !g.unlocked.Load() {
		return ErrAutoplayBlocked
	}
	return g.next.Play(ctx, clip)
}

// Close implements [Player].
func (g *GestureGate) Close() error { return g.next.Close() }

// Package mock provides an in-memory implementation of [audio.Player] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every clip it was asked
// to play and lets the test decide how long playback lasts and what it
// returns.
//
// Typical usage:
//
//	p := &mock.Player{Block: true}
//	go ctrl.Play(clip)
//	<-p.Started
//	ctrl.Stop()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/tutorchat/pkg/audio"
)

// PlayCall records a single invocation of [Player.Play].
type PlayCall struct {
	Clip audio.Clip
	// Cancelled is true when playback ended because ctx was cancelled.
	Cancelled bool
}

// Player is a mock implementation of [audio.Player].
// Set the exported fields before use; inspect the Call* fields after.
type Player struct {
	mu sync.Mutex

	// PlayError is returned by every [Player.Play] call when non-nil.
	PlayError error

	// BlockedUntilGesture makes Play return [audio.ErrAutoplayBlocked]
	// until [Player.Gesture] has been called.
	BlockedUntilGesture bool

	// Block makes Play wait until its ctx is cancelled or Release is closed.
	Block bool

	// Release, when non-nil and Block is set, ends every blocked playback
	// as if the clip finished naturally once it is closed.
	Release chan struct{}

	// ReleaseDelay is how long a cancelled playback keeps the device
	// before Play returns, like a subprocess that takes time to die.
	ReleaseDelay time.Duration

	// Started, when non-nil, receives the clip of every playback that
	// actually begins. Sends are non-blocking.
	Started chan audio.Clip

	// Active is the number of playbacks currently in progress.
	Active int

	// MaxActive is the largest value Active ever reached.
	MaxActive int

	// PlayCalls records every Play call in the order playback ended.
	PlayCalls []PlayCall

	// CallCountGesture records how many times Gesture was called.
	CallCountGesture int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	gestured bool
}

var (
	_ audio.Player       = (*Player)(nil)
	_ audio.GestureAware = (*Player)(nil)
)

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	if p.PlayError != nil {
		err := p.PlayError
		p.PlayCalls = append(p.PlayCalls, PlayCall{Clip: clip})
		p.mu.Unlock()
		return err
	}
	if p.BlockedUntilGesture && !p.gestured {
		p.PlayCalls = append(p.PlayCalls, PlayCall{Clip: clip})
		p.mu.Unlock()
		return audio.ErrAutoplayBlocked
	}
	p.Active++
	if p.Active > p.MaxActive {
		p.MaxActive = p.Active
	}
	block, release, started, delay := p.Block, p.Release, p.Started, p.ReleaseDelay
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- clip:
		default:
		}
	}

	cancelled := false
	if block {
		select {
		case <-ctx.Done():
			cancelled = true
			time.Sleep(delay)
		case <-release:
		}
	}

	p.mu.Lock()
	p.Active--
	p.PlayCalls = append(p.PlayCalls, PlayCall{Clip: clip, Cancelled: cancelled})
	p.mu.Unlock()
	return nil
}

// Gesture implements [audio.GestureAware].
func (p *Player) Gesture() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountGesture++
	p.gestured = true
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// Calls returns a copy of PlayCalls.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Playing returns Active under the lock.
func (p *Player) Playing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Active
}

// Peak returns MaxActive under the lock.
func (p *Player) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MaxActive
}

// Package playback owns the audio output device and plays the audio attached
// to agent replies.
//
// At most one clip plays at a time. [Controller.Play] stops whatever is
// playing and waits for the device to be released before the next clip
// starts, so two replies are never heard on top of each other. Outcomes are
// reported asynchronously through the callback registered with
// [Controller.OnReport]; a clip the host refused to autoplay is reported as
// [OutcomeBlocked] and can be retried with [Controller.Retry] once the user
// asks for it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/pkg/audio"
)

// ErrPlaybackBlocked is reported when the host refuses playback without a
// user gesture.
var ErrPlaybackBlocked = audio.ErrAutoplayBlocked

// Outcome describes how a playback ended.
type Outcome int

const (
	// OutcomePlayed means the clip played to the end.
	OutcomePlayed Outcome = iota

	// OutcomeStopped means the playback was interrupted by Stop or by the
	// next Play.
	OutcomeStopped

	// OutcomeBlocked means the host refused to autoplay the clip.
	OutcomeBlocked

	// OutcomeFailed means the player reported any other error.
	OutcomeFailed
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomePlayed:
		return "played"
	case OutcomeStopped:
		return "stopped"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailed:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Report is delivered once per playback.
type Report struct {
	MessageID string
	Outcome   Outcome
	Err       error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller serialises playback on one [audio.Player]. It is safe for
// concurrent use.
type Controller struct {
	player  audio.Player
	metrics *observe.Metrics

	// startMu orders Play and Retry so each waits for the previous device
	// release before starting.
	startMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	current  string
	onReport func(Report)
	closed   bool
}

// New returns a controller that takes ownership of player.
func New(player audio.Player, opts ...Option) *Controller {
	c := &Controller{player: player}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnReport registers the outcome callback. It runs on the playback
// goroutine after the device has been released.
func (c *Controller) OnReport(fn func(Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReport = fn
}

// Play stops any active playback, waits for it to release the device and
// then plays clip in the background. Empty clips are ignored.
func (c *Controller) Play(clip audio.Clip) {
	if clip.Empty() {
		return
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.stopAndWait()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel, c.done, c.current = cancel, done, clip.MessageID
	c.mu.Unlock()

	go c.run(ctx, cancel, clip, done)
}

// Retry plays clip as an explicit user request. Players that gate autoplay
// on a user gesture are told about the gesture first.
func (c *Controller) Retry(clip audio.Clip) {
	if g, ok := c.player.(audio.GestureAware); ok {
		g.Gesture()
	}
	c.Play(clip)
}

// Stop interrupts the active playback and waits until the device is
// released. Calling Stop with nothing playing does nothing.
func (c *Controller) Stop() {
	c.stopAndWait()
}

// Playing returns the message id of the clip currently playing.
func (c *Controller) Playing() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.done != nil
}

// Close stops playback and closes the player. Safe to call multiple times.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopAndWait()
	return c.player.Close()
}

func (c *Controller) stopAndWait() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.current = nil, nil, ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, clip audio.Clip, done chan struct{}) {
	err := c.player.Play(ctx, clip)
	interrupted := ctx.Err() != nil

	c.mu.Lock()
	if c.done == done {
		c.cancel, c.done, c.current = nil, nil, ""
	}
	cb := c.onReport
	c.mu.Unlock()
	cancel()
	close(done)

	r := Report{MessageID: clip.MessageID, Err: err}
	switch {
	case errors.Is(err, audio.ErrAutoplayBlocked):
		r.Outcome = OutcomeBlocked
		slog.Info("playback: autoplay blocked", "message_id", clip.MessageID)
	case err != nil:
		r.Outcome = OutcomeFailed
		slog.Warn("playback: player failed", "message_id", clip.MessageID, "err", err)
	case interrupted:
		r.Outcome = OutcomeStopped
	default:
		r.Outcome = OutcomePlayed
	}
	c.metrics.RecordPlayback(context.Background(), r.Outcome.String())

	if cb != nil {
		cb(r)
	}
}

// Package voice turns push-to-talk captures into chat utterances.
//
// [Controller.Toggle] starts a capture when idle and stops it when
// capturing. Starting a capture silences any reply audio first. The
// transcription of a stopped capture arrives asynchronously; a non-empty
// transcription is delivered as exactly one [Utterance], an empty one is
// dropped.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/pkg/speech"
)

var (
	// ErrCapabilityUnavailable means the host cannot capture speech.
	ErrCapabilityUnavailable = errors.New("voice: speech capture unavailable")

	// ErrPermissionDenied means microphone access was refused.
	ErrPermissionDenied = errors.New("voice: microphone permission denied")
)

// State is the capture state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateCapturing
	// StateStopping means the capture ended and its transcription is
	// pending.
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Utterance is the text of one completed capture.
type Utterance struct {
	Text string
}

// Interrupter silences reply audio once a capture has started.
type Interrupter interface {
	Stop()
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is safe for concurrent use.
type Controller struct {
	recognizer speech.Recognizer
	interrupt  Interrupter
	metrics    *observe.Metrics

	mu          sync.Mutex
	state       State
	capture     speech.Capture
	onUtterance func(Utterance)
	onError     func(error)
	closed      bool
}

// New returns an idle controller. rec may be nil when the host has no
// speech support; every Toggle then fails with [ErrCapabilityUnavailable].
// interrupt may be nil.
func New(rec speech.Recognizer, interrupt Interrupter, opts ...Option) *Controller {
	c := &Controller{recognizer: rec, interrupt: interrupt}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnUtterance registers the callback for completed transcriptions. It runs
// on the capture goroutine.
func (c *Controller) OnUtterance(fn func(Utterance)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUtterance = fn
}

// OnError registers the callback for failures that happen after Toggle
// returned, such as a permission revoked mid-capture.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Available reports whether a recognizer is configured.
func (c *Controller) Available() bool { return c.recognizer != nil }

// Toggle starts a capture when idle and stops it when capturing. While a
// stopped capture is still being transcribed Toggle does nothing.
//
// ctx bounds the capture itself, not just the call.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCapturing:
		c.state = StateStopping
		if err := c.capture.Stop(); err != nil {
			slog.Warn("voice: stopping capture", "err", err)
		}
		return nil
	case StateStopping:
		return nil
	}

	if c.closed {
		return ErrCapabilityUnavailable
	}
	if c.recognizer == nil {
		c.metrics.RecordCapture(ctx, "unavailable")
		return ErrCapabilityUnavailable
	}
	capture, err := c.recognizer.Start(ctx)
	if err != nil {
		err = classify(err)
		c.metrics.RecordCapture(ctx, captureResult(err))
		c.state = StateIdle
		return err
	}
	// A failed start leaves the reply playing.
	if c.interrupt != nil {
		c.interrupt.Stop()
	}
	c.state = StateCapturing
	c.capture = capture
	go c.await(capture)
	return nil
}

// Close stops an active capture and discards its result.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	capture := c.capture
	c.capture = nil
	c.state = StateIdle
	c.mu.Unlock()

	if capture != nil {
		return capture.Stop()
	}
	return nil
}

func (c *Controller) await(capture speech.Capture) {
	r, ok := <-capture.Result()
	if !ok {
		r = speech.Result{}
	}

	c.mu.Lock()
	if c.capture != capture {
		c.mu.Unlock()
		return
	}
	c.capture = nil
	c.state = StateIdle
	onUtterance, onError := c.onUtterance, c.onError
	c.mu.Unlock()

	ctx := context.Background()
	if r.Err != nil {
		err := classify(r.Err)
		c.metrics.RecordCapture(ctx, captureResult(err))
		slog.Warn("voice: capture failed", "err", err)
		if onError != nil {
			onError(err)
		}
		return
	}

	text := strings.TrimSpace(r.Text)
	if text == "" {
		c.metrics.RecordCapture(ctx, "empty")
		slog.Debug("voice: capture produced no text")
		return
	}
	c.metrics.RecordCapture(ctx, "transcribed")
	if onUtterance != nil {
		onUtterance(Utterance{Text: text})
	}
}

// classify maps host speech errors onto the controller's sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, speech.ErrPermissionDenied):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, speech.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	default:
		return fmt.Errorf("voice: capture: %w", err)
	}
}

func captureResult(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

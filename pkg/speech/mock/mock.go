// Package mock provides in-memory implementations of [speech.Recognizer] and
// [speech.Capture] for use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorchat/pkg/speech"
)

// Recognizer is a mock [speech.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	// Text is the transcription every capture delivers when stopped.
	Text string

	// Captures holds every capture handed out, in order.
	Captures []*Capture

	// CallCountStart records how many times Start was called.
	CallCountStart int
}

var _ speech.Recognizer = (*Recognizer)(nil)

// Start implements [speech.Recognizer].
func (r *Recognizer) Start(_ context.Context) (speech.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.StartError != nil {
		return nil, r.StartError
	}
	c := &Capture{Text: r.Text, result: make(chan speech.Result, 1)}
	r.Captures = append(r.Captures, c)
	return c, nil
}

// Last returns the most recent capture or nil.
func (r *Recognizer) Last() *Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Captures) == 0 {
		return nil
	}
	return r.Captures[len(r.Captures)-1]
}

// Capture is a mock [speech.Capture]. Stop delivers Text; Fail lets a test
// end the capture with an error instead.
type Capture struct {
	mu     sync.Mutex
	Text   string
	result chan speech.Result
	done   bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

var _ speech.Capture = (*Capture)(nil)

// Stop implements [speech.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.CallCountStop++
	text := c.Text
	c.mu.Unlock()
	c.finish(speech.Result{Text: text})
	return nil
}

// Fail ends the capture with err, as if the host aborted it.
func (c *Capture) Fail(err error) { c.finish(speech.Result{Err: err}) }

// Result implements [speech.Capture].
func (c *Capture) Result() <-chan speech.Result { return c.result }

// Stops returns CallCountStop under the lock.
func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStop
}

func (c *Capture) finish(r speech.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.result <- r
	close(c.result)
}

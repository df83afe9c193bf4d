package conn

import "time"

// Default reconnection parameters for [Backoff].
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Policy decides whether and when the [Manager] redials after the
// connection drops. attempt starts at 1 for the first redial after a drop.
// Returning false stops reconnecting and leaves the manager disconnected.
type Policy interface {
	Next(attempt int) (time.Duration, bool)
}

// NoRetry never reconnects. A dropped connection stays disconnected until
// the process restarts.
type NoRetry struct{}

// Next implements [Policy].
func (NoRetry) Next(int) (time.Duration, bool) { return 0, false }

// Backoff redials with exponential backoff: Initial, doubling each attempt
// up to Max, for at most MaxRetries attempts. Zero fields take the defaults
// (1s, 30s, 10 attempts).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Next implements [Policy].
func (b Backoff) Next(attempt int) (time.Duration, bool) {
	initial, maxDelay, retries := b.Initial, b.Max, b.MaxRetries
	if initial <= 0 {
		initial = defaultBackoff
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	if attempt < 1 || attempt > retries {
		return 0, false
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay, true
		}
	}
	return min(d, maxDelay), true
}

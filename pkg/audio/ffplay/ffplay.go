// Package ffplay implements [audio.Player] by piping encoded clips into an
// ffplay subprocess.
//
// ffplay detects the container format from the stream itself, so mp3, wav
// and ogg clips are all accepted without transcoding. Each clip gets its own
// process; cancelling the context kills it, which releases the output device
// before [Player.Play] returns.
package ffplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/tutorchat/pkg/audio"
)

// ErrNotInstalled is returned by [New] when the ffplay binary is not on PATH.
var ErrNotInstalled = errors.New("ffplay: binary not found")

// Option is a functional option for configuring a [Player].
type Option func(*Player)

// WithBinary overrides the ffplay executable path. Default: "ffplay".
func WithBinary(path string) Option {
	return func(p *Player) { p.binary = path }
}

// WithVolume sets the startup volume (0 to 100). Default: 100.
func WithVolume(v int) Option {
	return func(p *Player) {
		if v >= 0 && v <= 100 {
			p.volume = v
		}
	}
}

// Player plays clips through ffplay. Safe for concurrent use, although the
// playback controller never runs two clips at once.
type Player struct {
	binary string
	volume int

	mu     sync.Mutex
	closed bool
}

var _ audio.Player = (*Player)(nil)

// New resolves the ffplay binary and returns a ready [Player].
func New(opts ...Option) (*Player, error) {
	p := &Player{binary: "ffplay", volume: 100}
	for _, o := range opts {
		o(p)
	}
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, p.binary)
	}
	p.binary = path
	return p, nil
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("ffplay: player closed")
	}
	if clip.Empty() {
		return nil
	}

	cmd := exec.CommandContext(ctx, p.binary, args(clip, p.volume)...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ffplay: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// args builds the ffplay command line for clip.
func args(clip audio.Clip, volume int) []string {
	a := []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-volume", strconv.Itoa(volume),
	}
	if f := formatFor(clip.ContentType); f != "" {
		a = append(a, "-f", f)
	}
	return append(a, "-i", "pipe:0")
}

// formatFor maps a MIME type to an ffmpeg demuxer name. Unknown types return
// "" so ffplay probes the stream.
func formatFor(contentType string) string {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(ct) {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/flac":
		return "flac"
	default:
		return ""
	}
}

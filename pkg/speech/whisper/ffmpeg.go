package whisper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/MrWong99/tutorchat/pkg/speech"
)

// FFmpegSource captures the default microphone with an ffmpeg subprocess.
// The zero value picks an input format for the current OS: PulseAudio on
// Linux, AVFoundation on macOS and DirectShow on Windows.
type FFmpegSource struct {
	// Binary is the ffmpeg executable. Default: "ffmpeg".
	Binary string

	// Format is the ffmpeg input format (-f), e.g. "pulse", "alsa".
	Format string

	// Device is the input device (-i), e.g. "default", ":0".
	Device string
}

var _ AudioSource = FFmpegSource{}

// Open implements [AudioSource].
func (s FFmpegSource) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", speech.ErrUnavailable, bin)
	}
	format, device := s.input()
	if format == "" {
		return nil, fmt.Errorf("%w: no microphone input format for %s", speech.ErrUnavailable, runtime.GOOS)
	}

	cmd := exec.CommandContext(ctx, path,
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("whisper: ffmpeg stdout: %w", err)
	}
	st := &ffmpegStream{cmd: cmd, stdout: stdout}
	cmd.Stderr = &st.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", speech.ErrUnavailable, err)
	}
	return st, nil
}

func (s FFmpegSource) input() (format, device string) {
	format, device = s.Format, s.Device
	if format == "" {
		switch runtime.GOOS {
		case "linux":
			format = "pulse"
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		}
	}
	if device == "" {
		switch format {
		case "avfoundation":
			device = ":0"
		case "dshow":
			device = "audio=default"
		default:
			device = "default"
		}
	}
	return format, device
}

// ffmpegStream reads PCM from ffmpeg's stdout. Close waits for the process
// and classifies its failure.
type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
}

func (s *ffmpegStream) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *ffmpegStream) Close() error {
	err := s.cmd.Wait()
	if err == nil {
		return nil
	}
	return classify(s.stderr.String(), err)
}

// permissionMarkers are substrings ffmpeg and the OS audio stacks print when
// microphone access was refused.
var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"not authorized",
	"access denied",
	"access is denied",
}

// classify maps an ffmpeg failure to a speech sentinel error.
func classify(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %s", speech.ErrPermissionDenied, strings.TrimSpace(stderr))
		}
	}
	return fmt.Errorf("%w: ffmpeg: %w: %s", speech.ErrUnavailable, err, strings.TrimSpace(stderr))
}

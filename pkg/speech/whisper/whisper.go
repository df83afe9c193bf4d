// Package whisper provides a [speech.Recognizer] that records the microphone
// through an [AudioSource] and transcribes each capture with a running
// whisper.cpp server (POST /inference).
//
// whisper.cpp is a batch engine, so a capture is buffered in memory until it
// is stopped and then submitted as one WAV upload. Captures that are entirely
// silent are not uploaded and yield an empty transcription.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSource(whisper.FFmpegSource{}),
//	)
//	c, err := r.Start(ctx)
//	// ... user speaks ...
//	c.Stop()
//	res := <-c.Result()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/tutorchat/pkg/speech"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// silenceRMS is the RMS level (16-bit PCM units) below which a whole
	// capture is treated as silence and not uploaded.
	silenceRMS = 300.0

	defaultLanguage    = "en"
	defaultSampleRate  = 16000
	defaultMaxDuration = 60 * time.Second
)

// Compile-time assertion that Recognizer implements speech.Recognizer.
var _ speech.Recognizer = (*Recognizer)(nil)

// AudioSource opens a raw PCM stream (16-bit signed little-endian, mono) from
// the host microphone. Cancelling ctx must end the stream. Close reports why
// the stream ended; implementations wrap [speech.ErrPermissionDenied] or
// [speech.ErrUnavailable] so callers can tell the two apart.
type AudioSource interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper.cpp server.
// When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithSampleRate sets the capture sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) { r.sampleRate = rate }
}

// WithMaxDuration caps how long a single capture may record before it is
// stopped automatically. Defaults to 60s.
func WithMaxDuration(d time.Duration) Option {
	return func(r *Recognizer) { r.maxDuration = d }
}

// WithSource sets the microphone source. Defaults to [FFmpegSource].
func WithSource(src AudioSource) Option {
	return func(r *Recognizer) { r.source = src }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) { r.httpClient = c }
}

// Recognizer implements speech.Recognizer backed by a whisper.cpp server.
type Recognizer struct {
	serverURL   string
	model       string
	language    string
	sampleRate  int
	maxDuration time.Duration
	source      AudioSource
	httpClient  *http.Client
}

// New creates a Recognizer that transcribes through the whisper.cpp server
// at serverURL (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:   serverURL,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		maxDuration: defaultMaxDuration,
		source:      FFmpegSource{},
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start implements [speech.Recognizer]. It fails with an error wrapping
// [speech.ErrUnavailable] when the audio source cannot be opened.
func (r *Recognizer) Start(ctx context.Context) (speech.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	recCtx, cancel := context.WithCancel(ctx)
	stream, err := r.source.Open(recCtx, r.sampleRate)
	if err != nil {
		cancel()
		if errors.Is(err, speech.ErrPermissionDenied) || errors.Is(err, speech.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", speech.ErrUnavailable, err)
	}

	c := &capture{
		stopRec: cancel,
		result:  make(chan speech.Result, 1),
	}
	go c.run(ctx, r, stream)
	return c, nil
}

// capture is one recording; it implements speech.Capture.
type capture struct {
	stopRec context.CancelFunc
	result  chan speech.Result

	mu        sync.Mutex
	requested bool
}

func (c *capture) Stop() error {
	c.mu.Lock()
	c.requested = true
	c.mu.Unlock()
	c.stopRec()
	return nil
}

func (c *capture) Result() <-chan speech.Result { return c.result }

func (c *capture) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// run buffers the stream until it ends, then transcribes it.
func (c *capture) run(ctx context.Context, r *Recognizer, stream io.ReadCloser) {
	defer close(c.result)

	timer := time.AfterFunc(r.maxDuration, func() {
		slog.Debug("whisper: max capture duration reached", "max", r.maxDuration)
		_ = c.Stop()
	})
	defer timer.Stop()

	var pcm bytes.Buffer
	_, _ = io.Copy(&pcm, stream)
	closeErr := stream.Close()
	c.stopRec()

	if !c.stopRequested() && closeErr != nil {
		c.result <- speech.Result{Err: closeErr}
		return
	}
	if ctx.Err() != nil {
		c.result <- speech.Result{Err: ctx.Err()}
		return
	}

	data := pcm.Bytes()
	if computeRMS(data) < silenceRMS {
		c.result <- speech.Result{}
		return
	}
	text, err := r.infer(ctx, data)
	c.result <- speech.Result{Text: text, Err: err}
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data. It returns the transcribed text.
func (r *Recognizer) infer(ctx context.Context, pcm []byte) (string, error) {
	wav := encodeWAV(pcm, r.sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if r.language != "" {
		if err := mw.WriteField("language", r.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if r.model != "" {
		if err := mw.WriteField("model", r.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

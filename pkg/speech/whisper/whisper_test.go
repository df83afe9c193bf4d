package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tutorchat/pkg/speech"
)

// ---- helpers ----------------------------------------------------------------

// pipeSource feeds a fixed PCM buffer through an io.Pipe. The stream stays
// open until ctx is cancelled unless endEarly is set.
type pipeSource struct {
	pcm      []byte
	endEarly bool
	closeErr error
	openErr  error
	written  chan struct{}
}

type fakeStream struct {
	io.Reader
	closeErr error
}

func (f *fakeStream) Close() error { return f.closeErr }

func (s *pipeSource) Open(ctx context.Context, _ int) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(s.pcm)
		if s.written != nil {
			close(s.written)
		}
		if !s.endEarly {
			<-ctx.Done()
		}
		_ = pw.Close()
	}()
	return &fakeStream{Reader: pr, closeErr: s.closeErr}, nil
}

func newInferenceServer(t *testing.T, text string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// speechPCM generates a 440 Hz sine well above the silence threshold.
func speechPCM(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func waitResult(t *testing.T, c speech.Capture) speech.Result {
	t.Helper()
	select {
	case r := <-c.Result():
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for capture result")
		return speech.Result{}
	}
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyServerURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestCapture_StopTranscribes(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, "what is photosynthesis", &calls)
	src := &pipeSource{pcm: speechPCM(8000), written: make(chan struct{})}

	r, err := New(srv.URL, WithSource(src))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := r.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-src.written
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = c.Stop()

	res := waitResult(t, c)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Text != "what is photosynthesis" {
		t.Errorf("text = %q", res.Text)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 inference call, got %d", calls.Load())
	}
	if _, ok := <-c.Result(); ok {
		t.Error("result channel should be closed after one result")
	}
}

func TestCapture_SilenceSkipsInference(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, "ghost", &calls)
	src := &pipeSource{pcm: make([]byte, 16000), written: make(chan struct{})}

	r, _ := New(srv.URL, WithSource(src))
	c, err := r.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-src.written
	_ = c.Stop()

	res := waitResult(t, c)
	if res.Err != nil || res.Text != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
	if calls.Load() != 0 {
		t.Errorf("silent capture should not be uploaded, got %d calls", calls.Load())
	}
}

func TestCapture_PermissionDeniedMidCapture(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, "x", &calls)
	src := &pipeSource{
		endEarly: true,
		closeErr: classify("[pulse] Permission denied", errors.New("exit status 1")),
	}

	r, _ := New(srv.URL, WithSource(src))
	c, err := r.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)
	if !errors.Is(res.Err, speech.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", res.Err)
	}
	if calls.Load() != 0 {
		t.Error("failed capture should not be uploaded")
	}
}

func TestStart_OpenFailureIsUnavailable(t *testing.T) {
	r, _ := New("http://unused", WithSource(&pipeSource{openErr: errors.New("no device")}))
	_, err := r.Start(t.Context())
	if !errors.Is(err, speech.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestCapture_MaxDurationStops(t *testing.T) {
	var calls atomic.Int32
	srv := newInferenceServer(t, "long answer", &calls)
	src := &pipeSource{pcm: speechPCM(4000)}

	r, _ := New(srv.URL, WithSource(src), WithMaxDuration(50*time.Millisecond))
	c, err := r.Start(t.Context())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := waitResult(t, c)
	if res.Text != "long answer" {
		t.Errorf("text = %q, err = %v", res.Text, res.Err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"Operation not permitted", speech.ErrPermissionDenied},
		{"Error opening input: Permission denied", speech.ErrPermissionDenied},
		{"Unknown input format: 'pulse'", speech.ErrUnavailable},
		{"", speech.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			if err := classify(tt.stderr, errors.New("exit status 1")); !errors.Is(err, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.stderr, err, tt.want)
			}
		})
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := encodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("bad chunk ids")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d", got)
	}
}

func TestFFmpegSource_InputDefaults(t *testing.T) {
	format, device := FFmpegSource{Format: "avfoundation"}.input()
	if format != "avfoundation" || device != ":0" {
		t.Errorf("got %q %q", format, device)
	}
	format, device = FFmpegSource{Format: "alsa", Device: "hw:1"}.input()
	if format != "alsa" || device != "hw:1" {
		t.Errorf("got %q %q", format, device)
	}
}

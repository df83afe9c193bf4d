package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tutorchat/pkg/audio"
	"github.com/MrWong99/tutorchat/pkg/audio/ffplay"
	"github.com/MrWong99/tutorchat/pkg/speech"
	"github.com/MrWong99/tutorchat/pkg/speech/whisper"
)

// ErrCapabilityNotRegistered is returned by Create* methods when no factory
// has been registered under the requested name.
var ErrCapabilityNotRegistered = errors.New("config: capability not registered")

// RecognizerFactory builds a speech recognizer. It may return a nil
// recognizer to mean "voice input disabled".
type RecognizerFactory func(VoiceConfig) (speech.Recognizer, error)

// PlayerFactory builds an audio player. It may return a nil player to mean
// "audio output disabled".
type PlayerFactory func(PlaybackConfig) (audio.Player, error)

// Registry maps capability names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]RecognizerFactory
	players     map[string]PlayerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]RecognizerFactory),
		players:     make(map[string]PlayerFactory),
	}
}

// DefaultRegistry returns a registry with the built-in capabilities:
// recognizers "whisper" and "none", players "ffplay" and "none".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterRecognizer("none", func(VoiceConfig) (speech.Recognizer, error) { return nil, nil })
	r.RegisterRecognizer("whisper", newWhisper)
	r.RegisterPlayer("none", func(PlaybackConfig) (audio.Player, error) { return nil, nil })
	r.RegisterPlayer("ffplay", newFFplay)
	return r
}

func newWhisper(c VoiceConfig) (speech.Recognizer, error) {
	opts := []whisper.Option{
		whisper.WithSource(whisper.FFmpegSource{Format: c.InputFormat, Device: c.InputDevice}),
	}
	if c.Model != "" {
		opts = append(opts, whisper.WithModel(c.Model))
	}
	if c.Language != "" {
		opts = append(opts, whisper.WithLanguage(c.Language))
	}
	if c.SampleRate > 0 {
		opts = append(opts, whisper.WithSampleRate(c.SampleRate))
	}
	if c.MaxDuration > 0 {
		opts = append(opts, whisper.WithMaxDuration(c.MaxDuration))
	}
	return whisper.New(c.WhisperURL, opts...)
}

func newFFplay(c PlaybackConfig) (audio.Player, error) {
	var opts []ffplay.Option
	if c.Binary != "" {
		opts = append(opts, ffplay.WithBinary(c.Binary))
	}
	if c.Volume > 0 {
		opts = append(opts, ffplay.WithVolume(c.Volume))
	}
	return ffplay.New(opts...)
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterPlayer registers a player factory under name.
func (r *Registry) RegisterPlayer(name string, factory PlayerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[name] = factory
}

// CreateRecognizer instantiates the recognizer registered under c.Recognizer.
// Returns [ErrCapabilityNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateRecognizer(c VoiceConfig) (speech.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[c.Recognizer]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrCapabilityNotRegistered, c.Recognizer)
	}
	return factory(c)
}

// CreatePlayer instantiates the player registered under c.Player. When
// c.RequireGesture is set the player is wrapped in an [audio.GestureGate].
func (r *Registry) CreatePlayer(c PlaybackConfig) (audio.Player, error) {
	r.mu.RLock()
	factory, ok := r.players[c.Player]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player/%q", ErrCapabilityNotRegistered, c.Player)
	}
	p, err := factory(c)
	if err != nil || p == nil {
		return p, err
	}
	if c.RequireGesture {
		return audio.NewGestureGate(p), nil
	}
	return p, nil
}

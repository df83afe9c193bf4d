// Package config provides the configuration schema, loader and capability
// registry for the tutorchat client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool { return f == LogText || f == LogJSON }

// Defaults applied by [ApplyDefaults].
const (
	DefaultBaseURL        = "http://localhost:8000/api/"
	DefaultWSURL          = "ws://localhost:8000/ws/chat/"
	DefaultRequestTimeout = 15 * time.Second
	DefaultRecognizer     = "none"
	DefaultPlayer         = "none"
	DefaultMaxRetries     = 10
	DefaultBackoff        = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Voice     VoiceConfig     `yaml:"voice"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Debug     DebugConfig     `yaml:"debug"`
}

// ServerConfig locates the tutoring backend.
type ServerConfig struct {
	// BaseURL is the REST API root, e.g. "http://localhost:8000/api/".
	BaseURL string `yaml:"base_url"`

	// WSURL is the chat websocket endpoint.
	WSURL string `yaml:"ws_url"`

	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig holds the bearer token. Prefer TUTORCHAT_TOKEN over putting
// it in the file.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// VoiceConfig selects and tunes the speech recognizer.
type VoiceConfig struct {
	// Recognizer names a factory in the [Registry]: "whisper" or "none".
	Recognizer string `yaml:"recognizer"`

	// WhisperURL is the whisper.cpp server, e.g. "http://localhost:8080".
	WhisperURL string `yaml:"whisper_url"`

	Language string `yaml:"language"`
	Model    string `yaml:"model"`

	// InputFormat and InputDevice are handed to ffmpeg (-f / -i). Empty
	// picks the platform default.
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`

	SampleRate  int           `yaml:"sample_rate"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// PlaybackConfig selects the audio output.
type PlaybackConfig struct {
	// Player names a factory in the [Registry]: "ffplay" or "none".
	Player string `yaml:"player"`

	// Binary overrides the player executable.
	Binary string `yaml:"binary"`

	// Volume is 0 to 100. Zero means the player default.
	Volume int `yaml:"volume"`

	// RequireGesture blocks autoplay until the user asks for playback once.
	RequireGesture bool `yaml:"require_gesture"`
}

// ReconnectConfig turns on automatic reconnection with exponential backoff.
// Disabled by default.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// BreakerConfig tunes the circuit breaker in front of the REST API.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DebugConfig enables the local debug server with health and metrics.
type DebugConfig struct {
	// ListenAddr is e.g. "127.0.0.1:9090". Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

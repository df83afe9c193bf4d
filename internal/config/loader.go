package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvToken   = "TUTORCHAT_TOKEN"
	EnvBaseURL = "TUTORCHAT_BASE_URL"
	EnvWSURL   = "TUTORCHAT_WS_URL"
)

// ValidCapabilityNames lists known factory names per capability kind.
// Used by [Validate] to warn about unrecognised names.
var ValidCapabilityNames = map[string][]string{
	"recognizer": {"whisper", "none"},
	"player":     {"ffplay", "none"},
}

// LoadDotEnv loads KEY=value pairs from the given .env files (".env" when
// none are given) into the process environment. Variables already set win.
// Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults and returns a validated [Config]. A missing file
// (or an empty path) yields the defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if cfg, err = decode(f); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the TUTORCHAT_* variables that are
// set and non-empty. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Auth.Token, EnvToken)
	set(&cfg.Server.BaseURL, EnvBaseURL)
	set(&cfg.Server.WSURL, EnvWSURL)
}

// ApplyDefaults fills every zero value that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = DefaultBaseURL
	}
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = DefaultWSURL
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogText
	}
	if cfg.Voice.Recognizer == "" {
		cfg.Voice.Recognizer = DefaultRecognizer
	}
	if cfg.Playback.Player == "" {
		cfg.Playback.Player = DefaultPlayer
	}
	if cfg.Reconnect.MaxRetries == 0 {
		cfg.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Reconnect.MaxBackoff == 0 {
		cfg.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if err := checkURL(cfg.Server.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("config: server.base_url: %w", err))
	}
	if err := checkURL(cfg.Server.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("config: server.ws_url: %w", err))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("config: log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("config: log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Voice
	validateCapabilityName("recognizer", cfg.Voice.Recognizer)
	if cfg.Voice.Recognizer == "whisper" {
		if err := checkURL(cfg.Voice.WhisperURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("config: voice.whisper_url is required for the whisper recognizer: %w", err))
		}
	}
	if cfg.Voice.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("config: voice.sample_rate %d must not be negative", cfg.Voice.SampleRate))
	}
	if cfg.Voice.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("config: voice.max_duration %s must not be negative", cfg.Voice.MaxDuration))
	}

	// Playback
	validateCapabilityName("player", cfg.Playback.Player)
	if cfg.Playback.Volume < 0 || cfg.Playback.Volume > 100 {
		errs = append(errs, fmt.Errorf("config: playback.volume %d is out of range [0, 100]", cfg.Playback.Volume))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("config: reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("config: reconnect backoff durations must not be negative"))
	}
	if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("config: reconnect.backoff %s exceeds reconnect.max_backoff %s", cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("config: breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	if cfg.Auth.Token == "" {
		slog.Warn("no auth token configured; the backend will likely reject requests", "env", EnvToken)
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// validateCapabilityName logs a warning if name is non-empty and not found
// in the [ValidCapabilityNames] list for the given kind.
func validateCapabilityName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidCapabilityNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown capability name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

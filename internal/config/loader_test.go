package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/tutorchat/internal/config"
)

func TestValidate_InvalidValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "log:\n  level: verbose\n", "log.level"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"base url scheme", "server:\n  base_url: ftp://host/api/\n", "server.base_url"},
		{"ws url scheme", "server:\n  ws_url: http://host/ws/chat/\n", "server.ws_url"},
		{"whisper without url", "voice:\n  recognizer: whisper\n", "voice.whisper_url"},
		{"volume", "playback:\n  volume: 150\n", "playback.volume"},
		{"negative retries", "reconnect:\n  max_retries: -1\n", "reconnect.max_retries"},
		{"backoff above max", "reconnect:\n  backoff: 1m\n  max_backoff: 10s\n", "exceeds"},
		{"negative breaker", "breaker:\n  max_failures: -2\n", "breaker.max_failures"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
log:
  level: loud
playback:
  volume: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log.level") || !strings.Contains(errStr, "playback.volume") {
		t.Errorf("error should list both problems, got: %v", err)
	}
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: "http://file/api/"},
		Auth:   config.AuthConfig{Token: "file"},
	}
	env := map[string]string{
		config.EnvToken: "env-token",
		config.EnvWSURL: "wss://env/ws/chat/",
		// Empty values do not clobber the file.
		config.EnvBaseURL: "",
	}
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Auth.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Auth.Token)
	}
	if cfg.Server.WSURL != "wss://env/ws/chat/" {
		t.Errorf("WSURL = %q", cfg.Server.WSURL)
	}
	if cfg.Server.BaseURL != "http://file/api/" {
		t.Errorf("BaseURL = %q, want file value", cfg.Server.BaseURL)
	}
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv(config.EnvToken, "from-env")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.Auth.Token)
	}
	if cfg.Server.BaseURL != config.DefaultBaseURL {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tutorchat.yaml")
	if err := os.WriteFile(path, []byte("server:\n  base_url: http://file:8000/api/\nauth:\n  token: file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvBaseURL, "http://env:9000/api/")
	t.Setenv(config.EnvToken, "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BaseURL != "http://env:9000/api/" {
		t.Errorf("BaseURL = %q, want env override", cfg.Server.BaseURL)
	}
	if cfg.Auth.Token != "file" {
		t.Errorf("Token = %q, want file value", cfg.Auth.Token)
	}
}

func TestLoad_ParseError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Fatalf("err = %v, want parse error naming the file", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TUTORCHAT_WS_URL=wss://dotenv/ws/chat/\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvWSURL, "")
	os.Unsetenv(config.EnvWSURL)

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(config.EnvWSURL); got != "wss://dotenv/ws/chat/" {
		t.Errorf("%s = %q", config.EnvWSURL, got)
	}
}

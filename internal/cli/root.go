// Package cli implements the tutorchat command line: an interactive chat
// REPL plus one-shot session, history and upload commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MrWong99/tutorchat/internal/config"
	"github.com/MrWong99/tutorchat/internal/observe"
)

// Build information, set through -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// globals holds the persistent flags and everything derived from them in
// PersistentPreRunE.
type globals struct {
	configPath string
	envFiles   []string
	verbose    bool

	cfg      *config.Config
	registry *config.Registry
	metrics  *prometheus.Registry
	shutdown func(context.Context) error

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the command tree. reg supplies the recognizer and
// player factories; nil means [config.DefaultRegistry].
func NewRootCommand(reg *config.Registry) *cobra.Command {
	if reg == nil {
		reg = config.DefaultRegistry()
	}
	g := &globals{registry: reg, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "tutorchat",
		Short: "Chat with your study assistant from the terminal",
		Long: `tutorchat talks to the study assistant backend over its websocket chat
channel and REST API.

Quick start:
  tutorchat chat                     # resume the most recent session
  tutorchat chat --new "Fractions"   # start a new session
  tutorchat sessions list            # list sessions
  tutorchat upload notes.md          # add a study resource`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			g.stdin = cmd.InOrStdin()
			g.stdout = cmd.OutOrStdout()
			g.stderr = cmd.ErrOrStderr()
			return g.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return g.teardown()
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "tutorchat.yaml", "path to the YAML configuration file (optional)")
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newChatCommand(g),
		newSessionsCommand(g),
		newHistoryCommand(g),
		newUploadCommand(g),
	)
	return root
}

// Execute runs the command tree with ctx and returns the process exit code.
func Execute(ctx context.Context, reg *config.Registry) int {
	root := NewRootCommand(reg)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "tutorchat: %v\n", err)
		return 1
	}
	return 0
}

func (g *globals) setup(ctx context.Context) error {
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		return err
	}
	// The logger is needed before the config is validated so that its
	// warnings reach stderr in the requested verbosity.
	slog.SetDefault(newLogger(g.stderr, config.LogConfig{}, g.verbose))

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg
	slog.SetDefault(newLogger(g.stderr, cfg.Log, g.verbose))

	g.metrics = prometheus.NewRegistry()
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     g.metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	g.shutdown = shutdown

	slog.Debug("tutorchat starting",
		"config", g.configPath,
		"base_url", cfg.Server.BaseURL,
		"ws_url", cfg.Server.WSURL,
		"recognizer", cfg.Voice.Recognizer,
		"player", cfg.Playback.Player,
	)
	return nil
}

func (g *globals) teardown() error {
	if g.shutdown == nil {
		return nil
	}
	return g.shutdown(context.Background())
}

// newLogger writes to w, which is stderr in practice so that log lines
// never interleave with the transcript on stdout.
func newLogger(w io.Writer, c config.LogConfig, verbose bool) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case config.LogDebug:
		level = slog.LevelDebug
	case config.LogWarn:
		level = slog.LevelWarn
	case config.LogError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

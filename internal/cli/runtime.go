package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tutorchat/internal/backend"
	"github.com/MrWong99/tutorchat/internal/chat"
	"github.com/MrWong99/tutorchat/internal/config"
	"github.com/MrWong99/tutorchat/internal/conn"
	"github.com/MrWong99/tutorchat/internal/health"
	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/internal/resilience"
)

// newBackend builds the REST client described by cfg.
func newBackend(cfg *config.Config) (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Auth.Token,
		Timeout: cfg.Server.RequestTimeout,
		Breaker: backend.NewBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		}),
	})
}

// newConnection builds the websocket manager described by cfg without
// opening it.
func newConnection(cfg *config.Config) (*conn.Manager, error) {
	var policy conn.Policy = conn.NoRetry{}
	if cfg.Reconnect.Enabled {
		policy = conn.Backoff{
			Initial:    cfg.Reconnect.Backoff,
			Max:        cfg.Reconnect.MaxBackoff,
			MaxRetries: cfg.Reconnect.MaxRetries,
		}
	}
	return conn.New(conn.Config{
		URL:    cfg.Server.WSURL,
		Token:  cfg.Auth.Token,
		Policy: policy,
	})
}

// newEngine wires a chat engine with the configured capabilities.
func newEngine(cfg *config.Config, reg *config.Registry) (*chat.Engine, *conn.Manager, *backend.Client, error) {
	be, err := newBackend(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	cm, err := newConnection(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []chat.Option{chat.WithMetrics(observe.DefaultMetrics())}
	rec, err := reg.CreateRecognizer(cfg.Voice)
	if err != nil {
		slog.Warn("voice input disabled", "recognizer", cfg.Voice.Recognizer, "err", err)
	} else if rec != nil {
		opts = append(opts, chat.WithRecognizer(rec))
	}
	player, err := reg.CreatePlayer(cfg.Playback)
	if err != nil {
		slog.Warn("audio output disabled", "player", cfg.Playback.Player, "err", err)
	} else if player != nil {
		opts = append(opts, chat.WithPlayer(player))
	}

	return chat.New(cm, be, opts...), cm, be, nil
}

// debugRouter serves the health probes and the metrics gathered by reg.
func debugRouter(reg prometheus.Gatherer, checkers ...health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(observe.DefaultMetrics()))
	health.New(checkers...).Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// serveDebug runs the debug server on addr until ctx is cancelled.
func serveDebug(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug server: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("debug server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

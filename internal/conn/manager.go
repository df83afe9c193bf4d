// Package conn manages the single websocket between the chat client and the
// tutoring backend.
//
// A [Manager] dials the chat endpoint with the user's token in the handshake
// query, decodes every inbound text frame into a [protocol.Frame] and hands
// it to the registered frame callback from its read goroutine. Outbound
// frames are written only while the connection is open; otherwise they are
// dropped and [ErrTransportUnavailable] is returned. Nothing is queued.
//
// When the connection drops the configured [Policy] decides whether to
// redial. The default is [NoRetry].
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tutorchat/internal/observe"
	"github.com/MrWong99/tutorchat/internal/protocol"
)

var (
	// ErrTransportUnavailable is returned by [Manager.Send] when the
	// connection is not open.
	ErrTransportUnavailable = errors.New("conn: transport unavailable")

	// ErrClosed is returned by [Manager.Open] after [Manager.Close].
	ErrClosed = errors.New("conn: manager closed")
)

// defaultReadLimit leaves room for final frames that carry base64 audio.
const defaultReadLimit = 16 << 20

// State is the lifecycle state of a [Manager].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDisconnected
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a [Manager].
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws/chat/.
	URL string

	// Token is sent as the "token" query parameter on the handshake.
	Token string

	// Policy decides reconnection after a drop. Nil means [NoRetry].
	Policy Policy

	// HTTPClient is used for the handshake. Nil uses the library default.
	HTTPClient *http.Client

	// ReadLimit caps the size of one inbound message. Defaults to 16 MiB.
	ReadLimit int64

	// Metrics records connection metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns the chat websocket. All methods are safe for concurrent use.
// Callbacks run on the manager's read goroutine and must not block for long.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics
	dialURL string
	logURL  string

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	onFrame func(protocol.Frame)
	onState func(State, error)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates cfg and returns an idle [Manager]. Call [Manager.Open] to
// connect.
func New(cfg Config) (*Manager, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("conn: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("conn: url scheme must be ws or wss, got %q", u.Scheme)
	}
	logURL := u.Scheme + "://" + u.Host + u.Path
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	if cfg.Policy == nil {
		cfg.Policy = NoRetry{}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		metrics: m,
		dialURL: u.String(),
		logURL:  logURL,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Dial is [New] followed by [Manager.Open].
func Dial(ctx context.Context, cfg Config) (*Manager, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Open(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// OnFrame registers the callback for decoded inbound frames.
func (m *Manager) OnFrame(fn func(protocol.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = fn
}

// OnStateChange registers the callback for state transitions. err carries
// the cause for [StateDisconnected].
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check reports [ErrTransportUnavailable] unless the connection is open.
// It satisfies the health checker signature.
func (m *Manager) Check(context.Context) error {
	if s := m.State(); s != StateOpen {
		return fmt.Errorf("%w: state %s", ErrTransportUnavailable, s)
	}
	return nil
}

// Open performs the initial handshake and starts the read loop. A failed
// handshake leaves the manager disconnected and does not consult the
// reconnect policy.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateOpen:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	ws, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected, err)
		return err
	}
	if !m.install(ws) {
		return ErrClosed
	}
	return nil
}

// Send encodes out and writes it as one text frame. When the connection is
// not open the frame is dropped and [ErrTransportUnavailable] is returned.
func (m *Manager) Send(ctx context.Context, out protocol.Outbound) error {
	m.mu.Lock()
	ws, state := m.ws, m.state
	m.mu.Unlock()

	if state != StateOpen || ws == nil {
		slog.Warn("conn: dropping outbound message, connection not open",
			"state", state.String(),
			"session_id", out.SessionID,
		)
		m.metrics.SendsDropped.Add(ctx, 1)
		return ErrTransportUnavailable
	}

	data, err := protocol.Encode(out)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("conn: write: %w", err)
	}
	return nil
}

// Close sends a normal closure and stops the read loop and any pending
// reconnect. Safe to call multiple times.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		ws := m.ws
		wasOpen := m.state == StateOpen
		m.ws = nil
		m.state = StateClosed
		cb := m.onState
		m.mu.Unlock()

		if ws != nil {
			err = ws.Close(websocket.StatusNormalClosure, "client closing")
			if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
				err = nil
			}
		}
		if ws != nil && wasOpen {
			m.metrics.OpenConnections.Add(context.Background(), -1)
		}
		m.cancel()
		m.wg.Wait()

		if cb != nil {
			cb(StateClosed, nil)
		}
	})
	return err
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, m.dialURL, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", m.logURL, err)
	}
	ws.SetReadLimit(m.cfg.ReadLimit)
	return ws, nil
}

// install makes ws the active connection and starts its read loop. It
// returns false, closing ws, when the manager was closed meanwhile.
func (m *Manager) install(ws *websocket.Conn) bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client closing")
		return false
	}
	m.ws = ws
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.OpenConnections.Add(m.ctx, 1)
	slog.Info("conn: connected", "url", m.logURL)
	m.setState(StateOpen, nil)

	go m.readLoop(ws)
	return true
}

// setState records s and notifies the state callback. Transitions out of
// StateClosed are ignored.
func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	cb := m.onState
	m.mu.Unlock()

	if cb != nil {
		cb(s, err)
	}
}

func (m *Manager) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateClosed
}

// readLoop decodes frames from ws until it fails. A failure that is not
// caused by Close hands over to the reconnect loop.
func (m *Manager) readLoop(ws *websocket.Conn) {
	defer m.wg.Done()

	for {
		_, data, err := ws.Read(m.ctx)
		if err != nil {
			if m.closed() || m.ctx.Err() != nil {
				return
			}
			m.drop(ws, err)
			return
		}

		frame, err := protocol.Decode(data)
		switch {
		case errors.Is(err, protocol.ErrInvalidAudio):
			slog.Warn("conn: frame audio undecodable, delivering without audio", "err", err)
		case err != nil:
			slog.Warn("conn: skipping undecodable frame", "err", err, "bytes", len(data))
			m.metrics.FramesInvalid.Add(m.ctx, 1)
			continue
		}

		m.mu.Lock()
		cb := m.onFrame
		m.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

// drop marks the connection lost and, if the policy allows, redials.
func (m *Manager) drop(ws *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	m.mu.Unlock()
	ws.CloseNow()

	m.metrics.OpenConnections.Add(m.ctx, -1)
	slog.Warn("conn: connection lost", "url", m.logURL, "err", cause)
	m.setState(StateDisconnected, cause)

	m.wg.Add(1)
	go m.reconnect()
}

// reconnect redials according to the policy until it succeeds, the policy
// gives up or the manager is closed.
func (m *Manager) reconnect() {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		delay, ok := m.cfg.Policy.Next(attempt)
		if !ok {
			if attempt > 1 {
				m.metrics.RecordReconnect(m.ctx, "gave_up")
				slog.Error("conn: reconnection failed after max retries", "attempts", attempt-1)
			}
			return
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		slog.Info("conn: attempting reconnection", "attempt", attempt, "backoff", delay)
		m.setState(StateConnecting, nil)

		ws, err := m.dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.metrics.RecordReconnect(m.ctx, "failure")
			slog.Warn("conn: reconnection attempt failed", "attempt", attempt, "err", err)
			m.setState(StateDisconnected, err)
			continue
		}

		if m.install(ws) {
			m.metrics.RecordReconnect(m.ctx, "success")
		}
		return
	}
}

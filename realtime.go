package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportType selects the hub transport. Only WebSockets is implemented.
type TransportType string

const (
	TransportWebSockets       TransportType = "WebSockets"
	TransportServerSentEvents TransportType = "ServerSentEvents"
	TransportLongPolling      TransportType = "LongPolling"
)

// DefaultReconnectDelays is the wait before each reconnect attempt; the last
// value repeats for every attempt after the fourth.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// RealtimeConfig configures the realtime manager. Initialize merges it into
// the current configuration: non-zero fields override.
type RealtimeConfig struct {
	URL             string
	AutoReconnect   bool
	LogLevel        string
	Transport       TransportType
	ReconnectDelays []time.Duration
	SkipNegotiation bool
	Headers         map[string]string
}

func (c *RealtimeConfig) merge(o RealtimeConfig) {
	if o.URL != "" {
		c.URL = o.URL
	}
	if o.AutoReconnect {
		c.AutoReconnect = true
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Transport != "" {
		c.Transport = o.Transport
	}
	if len(o.ReconnectDelays) > 0 {
		c.ReconnectDelays = append([]time.Duration(nil), o.ReconnectDelays...)
	}
	if o.SkipNegotiation {
		c.SkipNegotiation = true
	}
	for k, v := range o.Headers {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[k] = v
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

func (s RealtimeState) gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	}
	return 0
}

var ErrNotInitialized = errors.New("realtime manager not initialized")

// ============================================================================
// Hub connection contract
// ============================================================================

// HubConn is one live duplex channel to the hub. Done is closed when the
// channel ends for any reason; Err then reports why.
type HubConn interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Send(ctx context.Context, method string, args ...any) error
	ConnectionID() string
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialOptions are the per-attempt connection parameters.
type DialOptions struct {
	URL             string
	Token           string
	Headers         http.Header
	Transport       TransportType
	SkipNegotiation bool
	HTTPClient      *http.Client
	Logger          *zap.Logger
	OnEvent         func(event string, args []json.RawMessage)

	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
}

// DialFunc opens a HubConn. DialHub is the production implementation.
type DialFunc func(ctx context.Context, opts DialOptions) (HubConn, error)

// ============================================================================
// Manager
// ============================================================================

// StateHook observes every connection state transition.
type StateHook func(from, to RealtimeState)

type transition struct {
	from, to RealtimeState
}

// Manager owns one realtime connection: its state machine, the offline
// invocation queue and the inbound event registry.
type Manager struct {
	creds      CredentialProvider
	dial       DialFunc
	httpClient *http.Client
	baseLog    *zap.Logger
	log        atomic.Pointer[zap.Logger]
	metrics    *Metrics
	events     *EventRegistry
	queue      *PendingMessageQueue

	mu          sync.Mutex
	cfg         RealtimeConfig
	headers     http.Header
	initialized bool
	state       RealtimeState
	attempts    int
	conn        HubConn
	lifeCancel  context.CancelFunc
	hooks       []StateHook
	transitions []transition
}

type ManagerOption func(*Manager)

// WithDialer replaces the hub dialer.
func WithDialer(dial DialFunc) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

func WithRealtimeLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.baseLog = l }
}

func WithRealtimeMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRealtimeHTTPClient sets the client used for negotiation.
func WithRealtimeHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

func NewManager(creds CredentialProvider, opts ...ManagerOption) *Manager {
	m := &Manager{
		creds:      creds,
		dial:       DialHub,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseLog:    zap.NewNop(),
		metrics:    NewMetrics(),
		state:      StateDisconnected,
		cfg:        RealtimeConfig{ReconnectDelays: DefaultReconnectDelays},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.creds == nil {
		m.creds = StaticCredentials{}
	}
	logger := m.baseLog.Named(logRealtime)
	m.log.Store(logger)
	m.events = NewEventRegistry(logger, m.metrics)
	m.queue = NewPendingMessageQueue(logger, m.metrics)
	return m
}

func (m *Manager) logger() *zap.Logger { return m.log.Load() }

// Initialize merges cfg into the configuration and binds the device id into
// the connection headers. It does not connect.
func (m *Manager) Initialize(ctx context.Context, cfg RealtimeConfig) error {
	if _, err := m.creds.Token(ctx); err != nil {
		return &ConnectionError{Op: "initialize", Err: fmt.Errorf("resolve token: %w", err)}
	}
	deviceID, err := m.creds.DeviceID(ctx)
	if err != nil {
		return &ConnectionError{Op: "initialize", Err: fmt.Errorf("resolve device id: %w", err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	next.Headers = cloneHeaders(m.cfg.Headers)
	next.merge(cfg)
	if next.URL == "" {
		return &ConnectionError{Op: "initialize", Err: errors.New("hub url is required")}
	}
	m.cfg = next

	headers := http.Header{}
	headers.Set("origin", DefaultOrigin)
	for k, v := range m.cfg.Headers {
		headers.Set(k, v)
	}
	if deviceID != "" {
		headers.Set("deviceId", deviceID)
	}
	m.headers = headers
	m.initialized = true

	if cfg.LogLevel != "" {
		logger := realtimeLogger(m.baseLog, m.cfg.LogLevel)
		m.log.Store(logger)
		m.events.SetLogger(logger)
		m.queue.SetLogger(logger)
	}
	m.logger().Debug("initialized",
		zap.String("url", m.cfg.URL),
		zap.Bool("autoReconnect", m.cfg.AutoReconnect),
		zap.String("transport", string(m.cfg.Transport)),
	)
	return nil
}

// Connect opens the channel and replays queued invocations. It returns nil
// when a connection is already up or being established. On failure the state
// returns to Disconnected. If ctx ends during the replay, Connect returns and
// the messages not yet delivered are dropped.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrNotInitialized}
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	life, cancel := context.WithCancel(context.Background())
	m.lifeCancel = cancel
	m.unlock()

	conn, err := m.dialOnce(ctx, life)

	m.mu.Lock()
	if err != nil {
		cancel()
		m.lifeCancel = nil
		m.setStateLocked(StateDisconnected)
		m.unlock()
		m.logger().Warn("connect failed", zap.Error(err))
		return &ConnectionError{Op: "connect", Err: err}
	}
	m.adoptLocked(conn)
	m.unlock()

	m.logger().Info("connected", zap.String("connectionId", conn.ConnectionID()))

	// The replay is bounded by the caller as well as the connection.
	flushCtx, cancelFlush := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancelFlush)
	m.flush(flushCtx, conn)
	stop()
	cancelFlush()
	return nil
}

// Disconnect closes the channel and stops reconnecting. It only acts while
// Connected or Reconnecting.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateReconnecting {
		state := m.state
		m.mu.Unlock()
		m.logger().Debug("disconnect ignored", zap.String("state", string(state)))
		return nil
	}
	conn := m.conn
	m.conn = nil
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.unlock()

	m.logger().Info("disconnected")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Invoke calls a hub method. While not connected the call is queued for
// replay and Invoke returns (nil, nil) at once.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.queue.Enqueue(method, args)
		m.mu.Unlock()
		return nil, nil
	}
	conn := m.conn
	m.mu.Unlock()

	res, err := conn.Invoke(ctx, method, args...)
	if err != nil {
		m.logger().Warn("invoke failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (m *Manager) On(event string, l *Listener)                  { m.events.On(event, l) }
func (m *Manager) OnFunc(event string, fn ListenerFunc) *Listener { return m.events.OnFunc(event, fn) }
func (m *Manager) Off(event string, l *Listener)                 { m.events.Off(event, l) }

// OnStateChange registers a hook called after every state transition.
func (m *Manager) OnStateChange(h StateHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

func (m *Manager) State() RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// ReconnectAttempts is the number of attempts since the last successful
// connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ConnectionID returns the hub's id for the live connection, or "".
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.ConnectionID()
}

func (m *Manager) PendingCount() int          { return m.queue.Count() }
func (m *Manager) Queue() *PendingMessageQueue { return m.queue }
func (m *Manager) Events() *EventRegistry      { return m.events }

// Config returns a copy of the merged configuration.
func (m *Manager) Config() RealtimeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.Headers = cloneHeaders(m.cfg.Headers)
	cfg.ReconnectDelays = append([]time.Duration(nil), m.cfg.ReconnectDelays...)
	return cfg
}

// ── Internals ─────────────────────────────────────────────

// dialOnce resolves a fresh token and opens one connection. life bounds the
// resulting connection, ctx bounds the dial.
func (m *Manager) dialOnce(ctx, life context.Context) (HubConn, error) {
	token, err := m.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	m.mu.Lock()
	opts := DialOptions{
		URL:             m.cfg.URL,
		Token:           token,
		Headers:         m.headers.Clone(),
		Transport:       m.cfg.Transport,
		SkipNegotiation: m.cfg.SkipNegotiation,
		HTTPClient:      m.httpClient,
		Logger:          m.logger(),
		OnEvent:         m.events.Dispatch,
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()
	return m.dial(dialCtx, opts)
}

// adoptLocked installs a freshly dialed connection.
func (m *Manager) adoptLocked(conn HubConn) {
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	go m.watch(conn)
}

func (m *Manager) flush(ctx context.Context, conn HubConn) {
	delivered, dropped := m.queue.Flush(ctx, func(ctx context.Context, method string, args []any) error {
		_, err := conn.Invoke(ctx, method, args...)
		return err
	})
	if delivered+dropped > 0 {
		m.logger().Info("queue flushed", zap.Int("delivered", delivered), zap.Int("dropped", dropped))
	}
}

// watch waits for conn to end. An unexpected drop starts the reconnect loop
// on this goroutine, so at most one loop runs at a time.
func (m *Manager) watch(conn HubConn) {
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn {
		// Closed by Disconnect, or already replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.logger().Warn("connection lost", zap.Error(conn.Err()))
	if !m.cfg.AutoReconnect {
		if m.lifeCancel != nil {
			m.lifeCancel()
			m.lifeCancel = nil
		}
		m.setStateLocked(StateDisconnected)
		m.unlock()
		return
	}
	m.setStateLocked(StateReconnecting)
	life, cancel := context.WithCancel(context.Background())
	if m.lifeCancel != nil {
		m.lifeCancel()
	}
	m.lifeCancel = cancel
	m.unlock()

	m.reconnect(life)
}

func (m *Manager) reconnect(life context.Context) {
	for {
		m.mu.Lock()
		if life.Err() != nil || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		delay := reconnectDelay(m.cfg.ReconnectDelays, attempt)
		m.mu.Unlock()

		m.metrics.ReconnectTries.Inc()
		m.logger().Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if !sleepContext(life, delay) {
			return
		}

		conn, err := m.dialOnce(life, life)
		if err != nil {
			m.logger().Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if life.Err() != nil || m.state != StateReconnecting {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.adoptLocked(conn)
		m.unlock()

		m.logger().Info("reconnected", zap.Int("attempts", attempt), zap.String("connectionId", conn.ConnectionID()))
		m.flush(life, conn)
		return
	}
}

// setStateLocked records a transition; hooks run on the next unlock.
func (m *Manager) setStateLocked(to RealtimeState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.RealtimeState.Set(to.gauge())
	m.transitions = append(m.transitions, transition{from: from, to: to})
}

// unlock releases mu and then notifies hooks of the transitions recorded
// while it was held.
func (m *Manager) unlock() {
	pending := m.transitions
	m.transitions = nil
	hooks := m.hooks
	m.mu.Unlock()

	for _, t := range pending {
		m.logger().Debug("state changed", zap.String("from", string(t.from)), zap.String("to", string(t.to)))
		for _, h := range hooks {
			m.callHook(h, t)
		}
	}
}

func (m *Manager) callHook(h StateHook, t transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger().Error("state hook panicked", zap.Any("panic", r))
		}
	}()
	h(t.from, t.to)
}

// reconnectDelay returns the wait before the given 1-based attempt.
func reconnectDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		delays = DefaultReconnectDelays
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(delays) {
		i = len(delays) - 1
	}
	return delays[i]
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// normalizeTransport maps user spellings onto TransportType values.
func normalizeTransport(s string) TransportType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "websockets", "websocket", "ws":
		return TransportWebSockets
	case "serversentevents", "sse":
		return TransportServerSentEvents
	case "longpolling":
		return TransportLongPolling
	}
	return TransportType(s)
}

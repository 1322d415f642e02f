package netcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Hub wire protocol (JSON hub protocol, version 1)
// ============================================================================

const (
	recordSeparator = 0x1e

	messageInvocation = 1
	messageStreamItem = 2
	messageCompletion = 3
	messagePing       = 6
	messageClose      = 7

	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second

	handshakeTimeout = 15 * time.Second
	maxMessageSize   = 1 << 20
	maxRedirects     = 5
	eventBacklog     = 256
)

var (
	ErrConnectionClosed = errors.New("hub connection closed")
	errServerTimeout    = errors.New("server timeout elapsed without receiving a message")
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

type invocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId,omitempty"`
	Target       string `json:"target"`
	Arguments    []any  `json:"arguments"`
}

// hubMessage is the union of every inbound message shape.
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId"`
	Target         string            `json:"target"`
	Arguments      []json.RawMessage `json:"arguments"`
	Result         json.RawMessage   `json:"result"`
	Error          string            `json:"error"`
	AllowReconnect bool              `json:"allowReconnect"`
}

type negotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
	Error       string `json:"error"`
}

type completion struct {
	result json.RawMessage
	errMsg string
	err    error
}

type hubEvent struct {
	target string
	args   []json.RawMessage
}

// ============================================================================
// Dial
// ============================================================================

// DialHub negotiates (unless skipped), opens the WebSocket, performs the
// protocol handshake and starts the read and keep-alive loops.
func DialHub(ctx context.Context, opts DialOptions) (HubConn, error) {
	if opts.Transport != "" && opts.Transport != TransportWebSockets {
		return nil, fmt.Errorf("transport %q is not supported", opts.Transport)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.ServerTimeout <= 0 {
		opts.ServerTimeout = DefaultServerTimeout
	}
	log := opts.Logger.Named(logHub)

	hubURL, token := opts.URL, opts.Token
	var connID, connToken string
	if !opts.SkipNegotiation {
		neg, err := negotiate(ctx, opts.HTTPClient, hubURL, token, opts.Headers)
		for i := 0; err == nil && neg.URL != "" && i < maxRedirects; i++ {
			hubURL = neg.URL
			if neg.AccessToken != "" {
				token = neg.AccessToken
			}
			neg, err = negotiate(ctx, opts.HTTPClient, hubURL, token, opts.Headers)
		}
		if err != nil {
			return nil, err
		}
		if neg.URL != "" {
			return nil, fmt.Errorf("negotiate: too many redirects")
		}
		if !offersWebSockets(neg) {
			return nil, fmt.Errorf("negotiate: server does not offer WebSockets")
		}
		connID, connToken = neg.ConnectionID, neg.ConnectionToken
		if neg.NegotiateVersion == 0 {
			connToken = neg.ConnectionID
		}
	}

	wsURL, err := websocketURL(hubURL, connToken, token)
	if err != nil {
		return nil, err
	}

	header := opts.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	log.Debug("dialing", zap.String("url", redactToken(wsURL)))
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &hubConn{
		ws:        ws,
		id:        connID,
		log:       log,
		onEvent:   opts.OnEvent,
		keepAlive: opts.KeepAliveInterval,
		timeout:   opts.ServerTimeout,
		pending:   make(map[string]chan completion),
		events:    make(chan hubEvent, eventBacklog),
		done:      make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.touch()
	go c.readLoop(runCtx)
	go c.keepAliveLoop(runCtx)
	go c.dispatchLoop()

	log.Debug("handshake complete", zap.String("connectionId", connID))
	return c, nil
}

func negotiate(ctx context.Context, client *http.Client, hubURL, token string, headers http.Header) (*negotiateResponse, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("negotiate: invalid url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("negotiate: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Method: http.MethodPost, URL: u.String(), Body: body}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("negotiate: %w", &HTTPError{StatusCode: resp.StatusCode, Body: body})
	}

	var neg negotiateResponse
	if err := json.Unmarshal(body, &neg); err != nil {
		return nil, fmt.Errorf("negotiate: decode response: %w", err)
	}
	if neg.Error != "" {
		return nil, fmt.Errorf("negotiate: %s", neg.Error)
	}
	return &neg, nil
}

func offersWebSockets(neg *negotiateResponse) bool {
	if neg.URL != "" || len(neg.AvailableTransports) == 0 {
		return true
	}
	for _, t := range neg.AvailableTransports {
		if strings.EqualFold(t.Transport, string(TransportWebSockets)) {
			return true
		}
	}
	return false
}

func websocketURL(hubURL, connToken, accessToken string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid hub url scheme %q", u.Scheme)
	}
	q := u.Query()
	if connToken != "" {
		q.Set("id", connToken)
	}
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ============================================================================
// hubConn
// ============================================================================

type hubConn struct {
	ws        *websocket.Conn
	id        string
	log       *zap.Logger
	onEvent   func(event string, args []json.RawMessage)
	keepAlive time.Duration
	timeout   time.Duration
	cancel    context.CancelFunc

	nextID   atomic.Int64
	lastRecv atomic.Int64

	// partial and backlog are owned by the handshake, then by readLoop.
	partial []byte
	backlog [][]byte

	events chan hubEvent

	mu      sync.Mutex
	pending map[string]chan completion
	closed  bool
	err     error
	done    chan struct{}
}

func (c *hubConn) ConnectionID() string  { return c.id }
func (c *hubConn) Done() <-chan struct{} { return c.done }

func (c *hubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection from the client side.
func (c *hubConn) Close() error {
	if !c.shutdown(ErrConnectionClosed) {
		return nil
	}
	if err := c.ws.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		c.log.Debug("close", zap.Error(err))
	}
	return nil
}

// Invoke calls a hub method and waits for its completion.
func (c *hubConn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan completion, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &InvocationError{Method: method, Err: ErrConnectionClosed}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, invocationMessage{Type: messageInvocation, InvocationID: id, Target: method, Arguments: nonNil(args)}); err != nil {
		c.forget(id)
		return nil, &InvocationError{Method: method, Err: err}
	}

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			return nil, &InvocationError{Method: method, Err: res.err}
		case res.errMsg != "":
			return nil, &InvocationError{Method: method, Message: res.errMsg}
		}
		return res.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, &InvocationError{Method: method, Err: ctx.Err()}
	}
}

// Send calls a hub method without waiting for a result.
func (c *hubConn) Send(ctx context.Context, method string, args ...any) error {
	if err := c.write(ctx, invocationMessage{Type: messageInvocation, Target: method, Arguments: nonNil(args)}); err != nil {
		return &InvocationError{Method: method, Err: err}
	}
	return nil
}

func (c *hubConn) write(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.ws.Write(ctx, websocket.MessageText, append(data, recordSeparator))
}

func (c *hubConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *hubConn) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	req, _ := json.Marshal(handshakeRequest{Protocol: "json", Version: 1})
	if err := c.ws.Write(ctx, websocket.MessageText, append(req, recordSeparator)); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		records := c.split(data)
		if len(records) == 0 {
			continue
		}
		var resp handshakeResponse
		if err := json.Unmarshal(records[0], &resp); err != nil {
			return fmt.Errorf("handshake: invalid response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("handshake rejected: %s", resp.Error)
		}
		c.backlog = records[1:]
		return nil
	}
}

// split appends data to the partial buffer and returns every complete record.
func (c *hubConn) split(data []byte) [][]byte {
	c.partial = append(c.partial, data...)
	var records [][]byte
	for {
		i := bytes.IndexByte(c.partial, recordSeparator)
		if i < 0 {
			break
		}
		if i > 0 {
			records = append(records, append([]byte(nil), c.partial[:i]...))
		}
		c.partial = c.partial[i+1:]
	}
	if len(c.partial) == 0 {
		c.partial = nil
	}
	return records
}

func (c *hubConn) readLoop(ctx context.Context) {
	for _, rec := range c.backlog {
		if !c.handle(rec) {
			return
		}
	}
	c.backlog = nil

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.shutdown(fmt.Errorf("read: %w", err)) {
				c.log.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		c.touch()
		for _, rec := range c.split(data) {
			if !c.handle(rec) {
				return
			}
		}
	}
}

// handle processes one record and reports whether reading should continue.
func (c *hubConn) handle(rec []byte) bool {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		c.log.Warn("invalid hub message", zap.Error(err), payloadField("payload", rec))
		return true
	}

	switch msg.Type {
	case messageInvocation:
		select {
		case c.events <- hubEvent{target: msg.Target, args: msg.Arguments}:
		case <-c.done:
			return false
		}
	case messageCompletion:
		c.mu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("completion for unknown invocation", zap.String("invocationId", msg.InvocationID))
			return true
		}
		ch <- completion{result: msg.Result, errMsg: msg.Error}
	case messagePing:
	case messageClose:
		reason := ErrConnectionClosed
		if msg.Error != "" {
			reason = fmt.Errorf("server closed connection: %s", msg.Error)
		}
		c.log.Info("server closed connection", zap.String("error", msg.Error), zap.Bool("allowReconnect", msg.AllowReconnect))
		if c.shutdown(reason) {
			c.ws.Close(websocket.StatusNormalClosure, "")
		}
		return false
	default:
		c.log.Debug("ignoring hub message", zap.Int("type", msg.Type))
	}
	return true
}

// dispatchLoop delivers inbound events in arrival order off the read
// goroutine, so a listener may Invoke without stalling completions.
func (c *hubConn) dispatchLoop() {
	for {
		select {
		case ev := <-c.events:
			if c.onEvent != nil {
				c.onEvent(ev.target, ev.args)
			}
		case <-c.done:
			return
		}
	}
}

func (c *hubConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	ping, _ := json.Marshal(map[string]int{"type": messagePing})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastRecv.Load())) > c.timeout {
				c.log.Warn("server timeout", zap.Duration("timeout", c.timeout))
				if c.shutdown(errServerTimeout) {
					c.ws.Close(websocket.StatusGoingAway, "server timeout")
				}
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageText, append(ping, recordSeparator)); err != nil {
				c.log.Debug("keep-alive ping failed", zap.Error(err))
			}
		}
	}
}

func (c *hubConn) touch() { c.lastRecv.Store(time.Now().UnixNano()) }

// shutdown marks the connection closed with reason, fails every pending
// invocation and closes Done. It reports whether this call did the closing.
func (c *hubConn) shutdown(reason error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.err = reason
	pending := c.pending
	c.pending = make(map[string]chan completion)
	close(c.done)
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	for _, ch := range pending {
		ch <- completion{err: reason}
	}
	return true
}

func nonNil(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

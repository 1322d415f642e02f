// Package netcore is the network resiliency layer of the mobile business app.
//
// It provides a shared HTTP client with auth interceptors, a request
// deduplicator in front of it, and a realtime hub connection manager with
// automatic reconnect and offline invocation queueing.
//
// Example:
//
//	creds := netcore.StaticCredentials{AccessToken: token, Device: deviceID}
//	tc := netcore.NewTransportClient(creds, netcore.WithBaseURL("https://api.example.com"))
//	dd := netcore.NewDeduplicator(tc)
//	profile, _ := netcore.Do[Profile](ctx, dd, "GET", "/api/profile", nil, nil)
//
//	rt := netcore.NewRealtimeService(netcore.NewManager(creds))
//	rt.Initialize(ctx, netcore.RealtimeConfig{URL: "https://api.example.com/hubs/notify", AutoReconnect: true})
//	rt.Connect(ctx)
//	rt.Invoke(ctx, "SendBroadcast", map[string]string{"msg": "hi"})
package netcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultTimeout      = 10 * time.Second
	DefaultOrigin       = "mobile"
	DefaultLoginPath    = "/api/auth/login"
	DefaultSecretHeader = "x-secret-key"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Transport performs one HTTP call. TransportClient is the production
// implementation; tests substitute a TransportFunc.
type Transport interface {
	Request(ctx context.Context, method, url string, body, query any) (*Response, error)
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, method, url string, body, query any) (*Response, error)

func (f TransportFunc) Request(ctx context.Context, method, url string, body, query any) (*Response, error) {
	return f(ctx, method, url, body, query)
}

// ============================================================================
// TransportClient
// ============================================================================

// TransportClient is the single HTTP client shared by every caller.
type TransportClient struct {
	baseURL        string
	origin         string
	loginPath      string
	secretHeader   string
	secret         string
	creds          CredentialProvider
	httpClient     *http.Client
	onUnauthorized func(ctx context.Context, method, url string)
	log            *zap.Logger
	metrics        *Metrics
}

type TransportOption func(*TransportClient)

func WithBaseURL(u string) TransportOption {
	return func(c *TransportClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) TransportOption {
	return func(c *TransportClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) TransportOption {
	return func(c *TransportClient) { c.httpClient = client }
}

func WithOrigin(origin string) TransportOption {
	return func(c *TransportClient) { c.origin = origin }
}

// WithSharedSecret sets the fixed shared-secret header sent on every call.
func WithSharedSecret(header, value string) TransportOption {
	return func(c *TransportClient) {
		if header != "" {
			c.secretHeader = header
		}
		c.secret = value
	}
}

// WithLoginPath sets the endpoint that is called without an Authorization header.
func WithLoginPath(path string) TransportOption {
	return func(c *TransportClient) { c.loginPath = path }
}

// WithUnauthorizedHook registers fn to be notified of every HTTP 401. The
// call still fails with an AuthError; the hook must not retry it.
func WithUnauthorizedHook(fn func(ctx context.Context, method, url string)) TransportOption {
	return func(c *TransportClient) { c.onUnauthorized = fn }
}

func WithHTTPLogger(l *zap.Logger) TransportOption {
	return func(c *TransportClient) { c.log = l.Named(logHTTP) }
}

func WithHTTPMetrics(m *Metrics) TransportOption {
	return func(c *TransportClient) { c.metrics = m }
}

// NewTransportClient creates the shared HTTP client.
func NewTransportClient(creds CredentialProvider, opts ...TransportOption) *TransportClient {
	c := &TransportClient{
		origin:       DefaultOrigin,
		loginPath:    DefaultLoginPath,
		secretHeader: DefaultSecretHeader,
		creds:        creds,
		httpClient:   newHTTPClient(DefaultTimeout),
		log:          zap.NewNop(),
		metrics:      NewMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil {
		c.creds = StaticCredentials{}
	}
	return c
}

// newHTTPClient builds a pooled transport with HTTP/2 health checks so a
// silently dead connection is noticed before the client timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if h2, err := http2.ConfigureTransports(tr); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Request sends one call through the interceptors.
func (c *TransportClient) Request(ctx context.Context, method, path string, body, query any) (*Response, error) {
	method = strings.ToUpper(method)
	u, err := c.resolveURL(path, query)
	if err != nil {
		return nil, &TransportError{Method: method, URL: path, Err: err}
	}
	if !allowedMethods[method] {
		return nil, &TransportError{Method: method, URL: u, Err: fmt.Errorf("unsupported method")}
	}

	var payload []byte
	var bodyReader io.Reader
	if body != nil {
		payload, err = encodeBody(body)
		if err != nil {
			return nil, &TransportError{Method: method, URL: u, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &TransportError{Method: method, URL: u, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if err := c.interceptRequest(ctx, req); err != nil {
		return nil, &TransportError{Method: method, URL: u, Err: err}
	}

	c.log.Debug("request", zap.String("method", method), zap.String("url", u), payloadField("payload", payload))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, "transport_error", start)
		c.log.Warn("request failed", zap.String("method", method), zap.String("url", u), zap.Error(err))
		return nil, &TransportError{Method: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, "transport_error", start)
		return nil, &TransportError{Method: method, URL: u, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}
	c.log.Debug("response",
		zap.String("method", method),
		zap.String("url", u),
		zap.Int("status", out.StatusCode),
		zap.Duration("duration", out.Duration),
		payloadField("payload", data),
	)
	return c.interceptResponse(ctx, req, out, start)
}

// interceptRequest resolves credentials and attaches the fixed headers.
func (c *TransportClient) interceptRequest(ctx context.Context, req *http.Request) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	deviceID, err := c.creds.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" && !c.isLogin(req.URL) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.origin != "" {
		req.Header.Set("origin", c.origin)
	}
	if deviceID != "" {
		req.Header.Set("deviceId", deviceID)
	}
	if c.secret != "" {
		req.Header.Set(c.secretHeader, c.secret)
	}
	return nil
}

func (c *TransportClient) interceptResponse(ctx context.Context, req *http.Request, resp *Response, start time.Time) (*Response, error) {
	method, u := req.Method, req.URL.String()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.observe(method, "unauthorized", start)
		c.log.Warn("unauthorized", zap.String("method", method), zap.String("url", u))
		c.notifyUnauthorized(ctx, method, u)
		return nil, &AuthError{Method: method, URL: u, Body: resp.Body}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.observe(method, "http_error", start)
		c.log.Warn("http error", zap.String("method", method), zap.String("url", u), zap.Int("status", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	if msg, failed := applicationFailure(resp.Body); failed {
		c.observe(method, "application_error", start)
		c.log.Info("application error", zap.String("method", method), zap.String("url", u), zap.String("message", msg))
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Message: msg, Body: resp.Body}
	}

	c.observe(method, "ok", start)
	return resp, nil
}

func (c *TransportClient) notifyUnauthorized(ctx context.Context, method, u string) {
	if c.onUnauthorized == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("unauthorized hook panicked", zap.Any("panic", r))
		}
	}()
	c.onUnauthorized(ctx, method, u)
}

func (c *TransportClient) observe(method, outcome string, start time.Time) {
	c.metrics.HTTPRequests.WithLabelValues(method, outcome).Inc()
	c.metrics.HTTPDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (c *TransportClient) isLogin(u *url.URL) bool {
	if c.loginPath == "" {
		return false
	}
	p := strings.TrimRight(u.Path, "/")
	return p == strings.TrimRight(c.loginPath, "/") || strings.HasSuffix(p, strings.TrimRight(c.loginPath, "/"))
}

func (c *TransportClient) resolveURL(path string, query any) (string, error) {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if c.baseURL == "" {
			return "", fmt.Errorf("relative url %q without base url", path)
		}
		u = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	params, err := encodeQuery(query)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return u, nil
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + params.Encode(), nil
}

// applicationFailure reports whether a 2xx body carries result=false with a
// non-null error message.
func applicationFailure(body []byte) (string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() || res.Get("result").Type != gjson.False {
		return "", false
	}
	for _, key := range []string{"error", "message"} {
		if m := res.Get(key); m.Type == gjson.String {
			return m.String(), true
		}
	}
	return "", false
}

// ============================================================================
// Encoding helpers
// ============================================================================

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func encodeQuery(query any) (url.Values, error) {
	switch q := query.(type) {
	case nil:
		return nil, nil
	case url.Values:
		return q, nil
	case map[string]string:
		params := url.Values{}
		for k, v := range q {
			params.Set(k, v)
		}
		return params, nil
	}

	raw, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("query must encode to a JSON object: %w", err)
	}
	params := url.Values{}
	for k, v := range fields {
		switch vv := v.(type) {
		case nil:
		case []any:
			for _, item := range vv {
				params.Add(k, fmt.Sprint(item))
			}
		default:
			params.Set(k, fmt.Sprint(vv))
		}
	}
	return params, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

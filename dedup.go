package netcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Request keys
// ============================================================================

// RequestKey derives the deduplication identity of a call. Identical
// (method, url, body, query) tuples yield the same key; the tuple is JSON
// encoded, so distinct tuples never collide. Bytes that are not JSON are
// sent verbatim, so they are keyed under their own kind and never alias a
// JSON value.
func RequestKey(method, rawURL string, body, query any) (string, error) {
	bk, b, err := canonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("body: %w", err)
	}
	qk, q, err := canonicalJSON(query)
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	key, err := json.Marshal([]any{strings.ToUpper(method), rawURL, bk, b, qk, q})
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// Value kinds in a request key.
const (
	kindNone = ""
	kindJSON = "json"
	kindRaw  = "raw"
)

// canonicalJSON re-encodes v so that equal values produce equal bytes.
// Object keys come out sorted; number literals are kept as written. Invalid
// JSON bytes come back as kindRaw with their base64 encoding.
func canonicalJSON(v any) (string, json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return kindNone, nil, nil
	case json.RawMessage:
		raw = x
	case []byte:
		if !json.Valid(x) {
			enc, err := json.Marshal(x)
			return kindRaw, enc, err
		}
		raw = x
	case url.Values:
		enc, err := json.Marshal(map[string][]string(x))
		return kindJSON, enc, err
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return kindNone, nil, err
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return kindNone, nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return kindNone, nil, err
	}
	enc, err := json.Marshal(generic)
	return kindJSON, enc, err
}

// ============================================================================
// RequestDeduplicator
// ============================================================================

type inflightCall struct {
	done chan struct{}
	resp *Response
	err  error
}

func (c *inflightCall) wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestDeduplicator keeps at most one Transport call in flight per
// RequestKey. Concurrent identical requests share the first call's outcome,
// including its *Response, which callers must treat as read-only.
type RequestDeduplicator struct {
	transport Transport
	log       *zap.Logger
	metrics   *Metrics

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type DedupOption func(*RequestDeduplicator)

func WithDedupLogger(l *zap.Logger) DedupOption {
	return func(d *RequestDeduplicator) { d.log = l.Named(logDedup) }
}

func WithDedupMetrics(m *Metrics) DedupOption {
	return func(d *RequestDeduplicator) { d.metrics = m }
}

func NewDeduplicator(t Transport, opts ...DedupOption) *RequestDeduplicator {
	d := &RequestDeduplicator{
		transport: t,
		log:       zap.NewNop(),
		metrics:   NewMetrics(),
		inflight:  make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute sends the request, or joins the identical request already in
// flight. The shared call is detached from ctx: a caller whose ctx ends stops
// waiting, but the call keeps running for everyone else and is bounded by the
// transport timeout.
func (d *RequestDeduplicator) Execute(ctx context.Context, method, rawURL string, body, query any) (*Response, error) {
	key, err := RequestKey(method, rawURL, body, query)
	if err != nil {
		return nil, &TransportError{Method: strings.ToUpper(method), URL: rawURL, Err: fmt.Errorf("request key: %w", err)}
	}

	d.mu.Lock()
	if call, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		d.metrics.DedupCollapsed.Inc()
		d.log.Debug("joined in-flight request", zap.String("key", key))
		return call.wait(ctx)
	}
	call := &inflightCall{done: make(chan struct{})}
	d.inflight[key] = call
	d.metrics.DedupInFlight.Set(float64(len(d.inflight)))
	d.mu.Unlock()

	go d.run(context.WithoutCancel(ctx), key, call, method, rawURL, body, query)
	return call.wait(ctx)
}

func (d *RequestDeduplicator) run(ctx context.Context, key string, call *inflightCall, method, rawURL string, body, query any) {
	var (
		resp *Response
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("transport panicked", zap.String("key", key), zap.Any("panic", r))
			resp, err = nil, &TransportError{Method: strings.ToUpper(method), URL: rawURL, Err: fmt.Errorf("panic: %v", r)}
		}
		d.settle(key, call, resp, err)
	}()
	resp, err = d.transport.Request(ctx, method, rawURL, body, query)
}

// settle unregisters the entry before waking waiters, so a caller that
// observes the outcome can immediately start a fresh call for the same key.
func (d *RequestDeduplicator) settle(key string, call *inflightCall, resp *Response, err error) {
	d.mu.Lock()
	if d.inflight[key] == call {
		delete(d.inflight, key)
	}
	d.metrics.DedupInFlight.Set(float64(len(d.inflight)))
	d.mu.Unlock()

	if err != nil {
		d.log.Debug("request settled with error", zap.String("key", key), zap.Error(err))
	}
	call.resp, call.err = resp, err
	close(call.done)
}

// Cancel stops tracking key. The underlying call is not aborted and callers
// already waiting still receive its outcome; the next identical request
// starts a new call.
func (d *RequestDeduplicator) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[key]; !ok {
		return false
	}
	delete(d.inflight, key)
	d.metrics.DedupInFlight.Set(float64(len(d.inflight)))
	return true
}

// CancelAll stops tracking every entry and returns how many were dropped.
func (d *RequestDeduplicator) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.inflight)
	d.inflight = make(map[string]*inflightCall)
	d.metrics.DedupInFlight.Set(0)
	return n
}

func (d *RequestDeduplicator) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// ActiveKeys returns the tracked keys in sorted order.
func (d *RequestDeduplicator) ActiveKeys() []string {
	d.mu.Lock()
	keys := make([]string, 0, len(d.inflight))
	for k := range d.inflight {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Do executes a deduplicated call and decodes the JSON body into T.
func Do[T any](ctx context.Context, d *RequestDeduplicator, method, rawURL string, body, query any) (*T, error) {
	resp, err := d.Execute(ctx, method, rawURL, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](resp.Body)
}

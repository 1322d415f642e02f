package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// gatedTransport counts calls and holds each one until it is released.
type gatedTransport struct {
	calls   atomic.Int32
	err     error
	noBlock bool

	mu    sync.Mutex
	gates []chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{}
}

func (g *gatedTransport) Request(ctx context.Context, method, rawURL string, body, query any) (*Response, error) {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gates = append(g.gates, gate)
	n := g.calls.Add(1)
	g.mu.Unlock()

	if !g.noBlock {
		<-gate
	}
	if g.err != nil {
		return nil, g.err
	}
	return &Response{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"call":%d,"url":%q}`, n, rawURL))}, nil
}

// release lets the n-th call (1-based) return.
func (g *gatedTransport) release(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates[n-1] != nil {
		close(g.gates[n-1])
		g.gates[n-1] = nil
	}
}

func (g *gatedTransport) releaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, gate := range g.gates {
		if gate != nil {
			close(gate)
			g.gates[i] = nil
		}
	}
}

type result struct {
	resp *Response
	err  error
}

func executeAsync(d *RequestDeduplicator, ctx context.Context, method, rawURL string, body, query any) <-chan result {
	ch := make(chan result, 1)
	go func() {
		resp, err := d.Execute(ctx, method, rawURL, body, query)
		ch <- result{resp, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return result{}
	}
}

// ============================================================================
// RequestKey
// ============================================================================

func TestRequestKey(t *testing.T) {
	key := func(method, u string, body, query any) string {
		t.Helper()
		k, err := RequestKey(method, u, body, query)
		require.NoError(t, err)
		return k
	}

	t.Run("identical requests share a key", func(t *testing.T) {
		assert.Equal(t, key("GET", "/profile", nil, nil), key("get", "/profile", nil, nil))
		assert.Equal(t,
			key("POST", "/a", map[string]int{"x": 1, "y": 2}, nil),
			key("POST", "/a", json.RawMessage(`{ "y": 2, "x": 1 }`), nil),
		)
		assert.Equal(t,
			key("GET", "/list", nil, url.Values{"page": {"2"}}),
			key("GET", "/list", nil, url.Values{"page": {"2"}}),
		)
	})

	t.Run("distinct requests never collide", func(t *testing.T) {
		assert.NotEqual(t, key("GET", "/a", nil, nil), key("GET", "/b", nil, nil))
		assert.NotEqual(t, key("GET", "/a", nil, nil), key("DELETE", "/a", nil, nil))
		assert.NotEqual(t, key("POST", "/a", map[string]int{"x": 1}, nil), key("POST", "/a", map[string]int{"x": 2}, nil))
		assert.NotEqual(t, key("GET", "/a", nil, map[string]string{"q": "1"}), key("GET", "/a", map[string]string{"q": "1"}, nil))
		// A url that embeds the separator must not alias a body.
		assert.NotEqual(t, key("GET", `/a","x`, nil, nil), key("GET", "/a", "x", nil))
	})

	t.Run("number literals are preserved", func(t *testing.T) {
		assert.NotEqual(t,
			key("POST", "/a", json.RawMessage(`{"id":9007199254740993}`), nil),
			key("POST", "/a", json.RawMessage(`{"id":9007199254740992}`), nil),
		)
	})

	t.Run("raw bytes never alias json", func(t *testing.T) {
		assert.NotEqual(t, key("POST", "/a", []byte("abc"), nil), key("POST", "/a", []byte(`"abc"`), nil))
		assert.NotEqual(t, key("POST", "/a", []byte("abc"), nil), key("POST", "/a", "abc", nil))
		assert.Equal(t, key("POST", "/a", []byte(`"abc"`), nil), key("POST", "/a", "abc", nil))
		assert.Equal(t, key("POST", "/a", []byte("abc"), nil), key("POST", "/a", []byte("abc"), nil))
	})

	t.Run("invalid raw body", func(t *testing.T) {
		_, err := RequestKey("POST", "/a", json.RawMessage(`{`), nil)
		assert.Error(t, err)
	})
}

// ============================================================================
// Execute
// ============================================================================

func TestDeduplicatorCollapsesIdenticalRequests(t *testing.T) {
	g := newGatedTransport()
	m := NewMetrics()
	d := NewDeduplicator(g, WithDedupMetrics(m))
	ctx := context.Background()

	const screens = 5
	var chans []<-chan result
	for i := 0; i < screens; i++ {
		chans = append(chans, executeAsync(d, ctx, "GET", "/profile", nil, nil))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DedupCollapsed) == screens-1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.ActiveCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupInFlight))

	g.releaseAll()
	first := await(t, chans[0])
	require.NoError(t, first.err)
	for _, ch := range chans[1:] {
		r := await(t, ch)
		require.NoError(t, r.err)
		assert.Same(t, first.resp, r.resp)
	}
	assert.EqualValues(t, 1, g.calls.Load())
	assert.Equal(t, 0, d.ActiveCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DedupInFlight))
}

func TestDeduplicatorSharesFailure(t *testing.T) {
	g := newGatedTransport()
	g.err = &HTTPError{StatusCode: 503}
	m := NewMetrics()
	d := NewDeduplicator(g, WithDedupMetrics(m))
	ctx := context.Background()

	a := executeAsync(d, ctx, "GET", "/profile", nil, nil)
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	b := executeAsync(d, ctx, "GET", "/profile", nil, nil)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DedupCollapsed) == 1
	}, time.Second, 5*time.Millisecond)

	g.releaseAll()
	ra, rb := await(t, a), await(t, b)
	var httpErr *HTTPError
	require.ErrorAs(t, ra.err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode)
	assert.Same(t, ra.err, rb.err)
	assert.EqualValues(t, 1, g.calls.Load())
}

func TestDeduplicatorCleanup(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"after success", nil},
		{"after failure", errors.New("boom")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := &gatedTransport{err: tc.err, noBlock: true}
			d := NewDeduplicator(g)
			ctx := context.Background()

			_, err := d.Execute(ctx, "GET", "/profile", nil, nil)
			assert.Equal(t, tc.err, err)
			assert.Equal(t, 0, d.ActiveCount())
			assert.Empty(t, d.ActiveKeys())

			_, err = d.Execute(ctx, "GET", "/profile", nil, nil)
			assert.Equal(t, tc.err, err)
			assert.EqualValues(t, 2, g.calls.Load())
		})
	}
}

func TestDeduplicatorIndependence(t *testing.T) {
	g := newGatedTransport()
	d := NewDeduplicator(g)
	ctx := context.Background()

	chans := []<-chan result{
		executeAsync(d, ctx, "GET", "/a", nil, nil),
		executeAsync(d, ctx, "GET", "/b", nil, nil),
		executeAsync(d, ctx, "POST", "/a", map[string]int{"x": 1}, nil),
		executeAsync(d, ctx, "POST", "/a", map[string]int{"x": 2}, nil),
		executeAsync(d, ctx, "POST", "/raw", []byte("abc"), nil),
		executeAsync(d, ctx, "POST", "/raw", []byte(`"abc"`), nil),
	}
	require.Eventually(t, func() bool { return g.calls.Load() == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, d.ActiveCount())
	assert.Len(t, d.ActiveKeys(), 6)

	g.releaseAll()
	for _, ch := range chans {
		require.NoError(t, await(t, ch).err)
	}
	assert.Equal(t, 0, d.ActiveCount())
}

func TestDeduplicatorWaiterContext(t *testing.T) {
	g := newGatedTransport()
	d := NewDeduplicator(g)

	first := executeAsync(d, context.Background(), "GET", "/slow", nil, nil)
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	impatient := executeAsync(d, ctx, "GET", "/slow", nil, nil)
	cancel()
	r := await(t, impatient)
	assert.ErrorIs(t, r.err, context.Canceled)

	// The shared call keeps running for the remaining caller.
	g.releaseAll()
	require.NoError(t, await(t, first).err)
	assert.EqualValues(t, 1, g.calls.Load())
}

func TestDeduplicatorFirstCallerCancelDoesNotPoisonOthers(t *testing.T) {
	var seen atomic.Value
	release := make(chan struct{})
	d := NewDeduplicator(TransportFunc(func(ctx context.Context, method, u string, body, query any) (*Response, error) {
		<-release
		seen.Store(ctx.Err() == nil)
		return &Response{StatusCode: 200}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	first := executeAsync(d, ctx, "GET", "/x", nil, nil)
	require.Eventually(t, func() bool { return d.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	second := executeAsync(d, context.Background(), "GET", "/x", nil, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, await(t, first).err, context.Canceled)
	close(release)
	require.NoError(t, await(t, second).err)
	assert.Equal(t, true, seen.Load())
}

// ============================================================================
// Cancel
// ============================================================================

func TestDeduplicatorCancel(t *testing.T) {
	g := newGatedTransport()
	d := NewDeduplicator(g)
	ctx := context.Background()

	old := executeAsync(d, ctx, "GET", "/profile", nil, nil)
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	key, err := RequestKey("GET", "/profile", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, d.ActiveKeys())
	assert.True(t, d.Cancel(key))
	assert.False(t, d.Cancel(key))
	assert.Equal(t, 0, d.ActiveCount())

	fresh := executeAsync(d, ctx, "GET", "/profile", nil, nil)
	require.Eventually(t, func() bool { return g.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// Settling the cancelled call must not unregister the new one.
	g.release(1)
	require.NoError(t, await(t, old).err)
	assert.Equal(t, 1, d.ActiveCount())

	g.release(2)
	require.NoError(t, await(t, fresh).err)
	assert.Equal(t, 0, d.ActiveCount())
}

func TestDeduplicatorCancelAll(t *testing.T) {
	g := newGatedTransport()
	d := NewDeduplicator(g)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, p := range []string{"/a", "/b", "/c"} {
		ch := executeAsync(d, ctx, "GET", p, nil, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	require.Eventually(t, func() bool { return d.ActiveCount() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, d.CancelAll())
	assert.Equal(t, 0, d.ActiveCount())

	g.releaseAll()
	wg.Wait()
	assert.Equal(t, 0, d.ActiveCount())
}

func TestDeduplicatorTransportPanic(t *testing.T) {
	d := NewDeduplicator(TransportFunc(func(context.Context, string, string, any, any) (*Response, error) {
		panic("nil map")
	}))
	_, err := d.Execute(context.Background(), "GET", "/boom", nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, d.ActiveCount())
}

// ============================================================================
// Do
// ============================================================================

func TestDo(t *testing.T) {
	type profile struct {
		Name string `json:"name"`
	}
	d := NewDeduplicator(TransportFunc(func(_ context.Context, method, u string, _, _ any) (*Response, error) {
		assert.Equal(t, "GET", method)
		return &Response{StatusCode: 200, Body: []byte(`{"name":"Ada"}`)}, nil
	}))

	p, err := Do[profile](context.Background(), d, "GET", "/profile", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Name)
}

package netcore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...TransportOption) *TransportClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	creds := StaticCredentials{AccessToken: "tok-123", Device: "device-9"}
	return NewTransportClient(creds, append([]TransportOption{WithBaseURL(srv.URL)}, opts...)...)
}

// ============================================================================
// Request interceptor
// ============================================================================

func TestTransportRequestHeaders(t *testing.T) {
	var got http.Header
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"result":true}`))
	}, WithSharedSecret("x-secret-key", "s3cret"), WithOrigin("mobile-app"))

	_, err := c.Request(context.Background(), "GET", "/api/profile", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "mobile-app", got.Get("origin"))
	assert.Equal(t, "device-9", got.Get("deviceId"))
	assert.Equal(t, "s3cret", got.Get("x-secret-key"))
}

func TestTransportLoginOmitsAuthorization(t *testing.T) {
	var auth atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "device-9", r.Header.Get("deviceId"))
		w.Write([]byte(`{"result":true,"data":{"token":"new"}}`))
	})

	_, err := c.Request(context.Background(), "POST", DefaultLoginPath, map[string]string{"user": "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", auth.Load())

	_, err = c.Request(context.Background(), "POST", "/api/orders", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", auth.Load())
}

func TestTransportNoTokenNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Authorization"]
		assert.False(t, ok)
	}))
	defer srv.Close()
	c := NewTransportClient(StaticCredentials{}, WithBaseURL(srv.URL))

	_, err := c.Request(context.Background(), "GET", "/public", nil, nil)
	require.NoError(t, err)
}

func TestTransportCredentialFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()
	creds := CredentialFuncs{TokenFunc: func(context.Context) (string, error) {
		return "", errors.New("keychain locked")
	}}
	c := NewTransportClient(creds, WithBaseURL(srv.URL))

	_, err := c.Request(context.Background(), "GET", "/x", nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "keychain locked")
	assert.EqualValues(t, 0, hits.Load())
}

func TestTransportBodyAndQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/tickets/7", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"printer"}`, string(body))
		w.Write([]byte(`{"result":true}`))
	})

	query := struct {
		Status string   `json:"status"`
		Tag    []string `json:"tag"`
		Skip   *string  `json:"skip"`
	}{Status: "open", Tag: []string{"a", "b"}}
	_, err := c.Request(context.Background(), "patch", "/api/tickets/7", map[string]string{"title": "printer"}, query)
	require.NoError(t, err)
}

func TestTransportRejectsUnsupportedMethod(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	_, err := c.Request(context.Background(), "OPTIONS", "/x", nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.EqualValues(t, 0, hits.Load())
}

// ============================================================================
// Response interceptor
// ============================================================================

func TestTransportResponseMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, resp *Response, err error)
	}{
		{
			name:   "success",
			status: 200,
			body:   `{"result":true,"data":{"id":1}}`,
			check: func(t *testing.T, resp *Response, err error) {
				require.NoError(t, err)
				var v struct{ ID int }
				require.NoError(t, resp.DecodeData(&v))
				assert.Equal(t, 1, v.ID)
			},
		},
		{
			name:   "application failure",
			status: 200,
			body:   `{"result":false,"error":"slot already booked"}`,
			check: func(t *testing.T, _ *Response, err error) {
				var ae *ApplicationError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, "slot already booked", ae.Message)
				assert.Equal(t, "slot already booked", err.Error())
			},
		},
		{
			name:   "application failure via message",
			status: 200,
			body:   `{"result":false,"error":null,"message":"invalid date"}`,
			check: func(t *testing.T, _ *Response, err error) {
				var ae *ApplicationError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, "invalid date", ae.Message)
			},
		},
		{
			name:   "result false without message passes",
			status: 200,
			body:   `{"result":false,"error":null}`,
			check: func(t *testing.T, _ *Response, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:   "non json body passes",
			status: 200,
			body:   `ok`,
			check: func(t *testing.T, resp *Response, err error) {
				require.NoError(t, err)
				assert.Equal(t, "ok", string(resp.Body))
			},
		},
		{
			name:   "http error",
			status: 500,
			body:   `{"result":false,"error":"db down"}`,
			check: func(t *testing.T, _ *Response, err error) {
				var he *HTTPError
				require.ErrorAs(t, err, &he)
				assert.Equal(t, 500, he.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			resp, err := c.Request(context.Background(), "GET", "/x", nil, nil)
			tt.check(t, resp, err)
		})
	}
}

func TestTransportUnauthorized(t *testing.T) {
	var hits, hooked atomic.Int32
	var hookURL atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, WithUnauthorizedHook(func(_ context.Context, method, u string) {
		hooked.Add(1)
		hookURL.Store(u)
	}))

	_, err := c.Request(context.Background(), "GET", "/api/profile", nil, nil)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.EqualValues(t, 1, hits.Load(), "401 must not be retried")
	assert.EqualValues(t, 1, hooked.Load())
	assert.Contains(t, hookURL.Load(), "/api/profile")
}

func TestTransportTimeout(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))

	_, err := c.Request(context.Background(), "GET", "/slow", nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "GET", te.Method)
}

func TestTransportMetrics(t *testing.T) {
	m := NewMetrics()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(404)
			return
		}
		w.Write([]byte(`{}`))
	}, WithHTTPMetrics(m))

	_, _ = c.Request(context.Background(), "GET", "/good", nil, nil)
	_, _ = c.Request(context.Background(), "GET", "/bad", nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "http_error")))
}

// ============================================================================
// Encoding helpers
// ============================================================================

func TestEncodeQuery(t *testing.T) {
	v, err := encodeQuery(url.Values{"a": {"1", "2"}})
	require.NoError(t, err)
	assert.Equal(t, "a=1&a=2", v.Encode())

	v, err = encodeQuery(map[string]any{"page": 2, "q": "x"})
	require.NoError(t, err)
	assert.Equal(t, "page=2&q=x", v.Encode())

	_, err = encodeQuery([]int{1})
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	c := NewTransportClient(nil, WithBaseURL("https://api.example.com/"))
	u, err := c.resolveURL("/v1/x", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/x?a=b", u)

	u, err = c.resolveURL("https://other.example.com/y?z=1", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/y?z=1&a=b", u)

	_, err = NewTransportClient(nil).resolveURL("/relative", nil)
	assert.Error(t, err)
}

func TestDeduplicatorOverTransport(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]any{"result": true, "data": map[string]string{"name": "Ada"}})
	})
	m := NewMetrics()
	d := NewDeduplicator(c, WithDedupMetrics(m))

	type profile struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	results := make(chan *profile, 2)
	for i := 0; i < 2; i++ {
		go func() {
			p, err := Do[profile](context.Background(), d, "GET", "/profile", nil, nil)
			assert.NoError(t, err)
			results <- p
		}()
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.DedupCollapsed) == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		p := <-results
		require.NotNil(t, p)
		assert.Equal(t, "Ada", p.Data.Name)
	}
	assert.EqualValues(t, 1, hits.Load())
}

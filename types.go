package netcore

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ============================================================================
// Credentials
// ============================================================================

// CredentialProvider supplies the auth token and the persistent device id.
// Token returns "" when no session exists.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	DeviceID(ctx context.Context) (string, error)
}

// StaticCredentials is a CredentialProvider backed by fixed values.
type StaticCredentials struct {
	AccessToken string
	Device      string
}

func (s StaticCredentials) Token(context.Context) (string, error)    { return s.AccessToken, nil }
func (s StaticCredentials) DeviceID(context.Context) (string, error) { return s.Device, nil }

// CredentialFuncs adapts two functions into a CredentialProvider.
type CredentialFuncs struct {
	TokenFunc    func(ctx context.Context) (string, error)
	DeviceIDFunc func(ctx context.Context) (string, error)
}

func (f CredentialFuncs) Token(ctx context.Context) (string, error) {
	if f.TokenFunc == nil {
		return "", nil
	}
	return f.TokenFunc(ctx)
}

func (f CredentialFuncs) DeviceID(ctx context.Context) (string, error) {
	if f.DeviceIDFunc == nil {
		return "", nil
	}
	return f.DeviceIDFunc(ctx)
}

// ============================================================================
// HTTP Types
// ============================================================================

// Envelope is the API's standard response wrapper.
type Envelope struct {
	Result  *bool           `json:"result,omitempty"`
	Error   *string         `json:"error,omitempty"`
	Message *string         `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a settled TransportClient call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Decode unmarshals the full response body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Envelope decodes the body as the API envelope.
func (r *Response) Envelope() (*Envelope, error) {
	var env Envelope
	if err := r.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodeData unmarshals the envelope's data field into v.
func (r *Response) DecodeData(v interface{}) error {
	env, err := r.Envelope()
	if err != nil {
		return err
	}
	if env.Data == nil {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}

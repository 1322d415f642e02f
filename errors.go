package netcore

import (
	"fmt"
	"net/http"
)

// TransportError is a failure to reach the server: DNS, dial, TLS, timeout,
// or a request that could not be built.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is an HTTP success whose body reported result=false.
type ApplicationError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *ApplicationError) Error() string {
	return e.Message
}

// AuthError is an HTTP 401. It is never retried.
type AuthError struct {
	Method string
	URL    string
	Body   []byte
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s %s", e.Method, e.URL)
}

// HTTPError is any other non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ConnectionError is a realtime Initialize or Connect failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvocationError is a hub method call rejected while connected.
type InvocationError struct {
	Method  string
	Message string
	Err     error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invoke %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("invoke %s: %s", e.Method, e.Message)
}

func (e *InvocationError) Unwrap() error { return e.Err }

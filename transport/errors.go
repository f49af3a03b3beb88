package transport

import (
	"fmt"
	"time"

	"chanrpc/message"
	"github.com/nuclio/errors"
)

// ErrDisconnected is returned by calls on a connection that is not connected, and fails
// requests still pending when the connection disconnects.
var ErrDisconnected = errors.New("Connection is not connected")

// RequestError is returned when the remote method answered with an error.
type RequestError struct {
	Service string
	Method  string
	Info    *message.ErrorInfo
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("Request to %s.%s failed: %s", e.Service, e.Method, e.Info.Message)
}

// RequestTimeoutError is returned when no reply arrived in time. It is also a *RequestError.
type RequestTimeoutError struct {
	*RequestError
	Timeout time.Duration
}

func newRequestTimeoutError(service string, method string, timeout time.Duration) *RequestTimeoutError {
	return &RequestTimeoutError{
		RequestError: &RequestError{
			Service: service,
			Method:  method,
			Info:    &message.ErrorInfo{Message: fmt.Sprintf("No reply within %s", timeout)},
		},
		Timeout: timeout,
	}
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("Request to %s.%s timed out after %s", e.Service, e.Method, e.Timeout)
}

func (e *RequestTimeoutError) Unwrap() error {
	return e.RequestError
}

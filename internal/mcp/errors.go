package mcp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped by the ConnectionError returned when a
// request is sent before Connect or after Disconnect.
var ErrNotConnected = errors.New("not connected")

// ErrClosed is the cause recorded when a connection is torn down while
// requests are in flight.
var ErrClosed = errors.New("connection closed")

// ConnectionError reports that a tool server is unreachable or the
// connection is not (or no longer) established. Callers may retry.
type ConnectionError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unsupported method or a malformed response.
// Retrying the same request will not help.
type ProtocolError struct {
	Method string
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Method, e.Reason)
}

// IsConnectionError reports whether err wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsProtocolError reports whether err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func notConnected(op string) error {
	return &ConnectionError{Op: op, Err: ErrNotConnected}
}

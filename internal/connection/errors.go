package connection

// ============================================================================
// Connection Error Definitions
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Predefined errors
var (
	// ErrNotConfigured indicates Connect was called before a valid Configure
	ErrNotConfigured = errors.New("connection: host/port not configured")

	// ErrNotConnected indicates a send while the socket is not Connected
	ErrNotConnected = errors.New("connection: not connected")

	// ErrTornDown indicates the manager was torn down; no further retries
	ErrTornDown = errors.New("connection: torn down")

	// ErrClosedByPeer indicates the remote end closed the socket
	ErrClosedByPeer = errors.New("connection: closed by remote")
)

// ConfigError is a missing or invalid host/port. Terminal for the current
// attempt: no socket is opened and no retry is scheduled.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("connection: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("connection: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ConnectError is a recoverable socket failure: timeout, refusal, DNS
// failure or a mid-session drop.
type ConnectError struct {
	Addr string
	Op   string // dial, read, write
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a connect/read/write timeout.
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

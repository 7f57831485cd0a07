// Package transport provides serialized line-framed exchange over serial ports.
package transport

import (
	"errors"
	"fmt"

	"github.com/benchlab/benchd/internal/config"
)

// ErrorCode represents a stable error code for transport failures.
// These strings are shared with logs and client-facing error payloads.
type ErrorCode string

const (
	CodeCommandTimeout        ErrorCode = "COMMAND_TIMEOUT"
	CodeTransportDisconnected ErrorCode = "TRANSPORT_DISCONNECTED"
	CodeTransportClosed       ErrorCode = "TRANSPORT_CLOSED"
	CodePortOpenFailed        ErrorCode = "PORT_OPEN_FAILED"
	CodePortIOError           ErrorCode = "PORT_IO_ERROR"
	CodeCancelled             ErrorCode = "CANCELLED"
)

// Error represents a failed transport operation.
type Error struct {
	Op   string
	Port string
	Code ErrorCode
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s on %s: %s: %v", e.Op, e.Port, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s on %s: %s", e.Op, e.Port, e.Code)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the transport error code from err, or empty string
// when err is not a transport error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Config holds transport tuning knobs. All durations are in milliseconds.
type Config struct {
	QueryTimeoutMs     int
	PostCommandDelayMs int
	// LineBuffer is the capacity of the reply line channel between the
	// reader goroutine and the exchange path.
	LineBuffer int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		QueryTimeoutMs:     config.DefaultQueryTimeoutMs,
		PostCommandDelayMs: config.DefaultPostCommandDelayMs,
		LineBuffer:         8,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.QueryTimeoutMs <= 0 {
		return fmt.Errorf("query timeout must be positive, got %d", c.QueryTimeoutMs)
	}
	if c.PostCommandDelayMs < 0 {
		return fmt.Errorf("post-command delay must be non-negative, got %d", c.PostCommandDelayMs)
	}
	if c.LineBuffer <= 0 {
		return fmt.Errorf("line buffer must be positive, got %d", c.LineBuffer)
	}
	return nil
}

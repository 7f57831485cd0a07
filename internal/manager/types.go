package manager

import (
	"fmt"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/transport"
)

// PortOpener opens a serial port by name. The real serial stack and
// the simulated bench both satisfy it.
type PortOpener interface {
	Open(name string, baud int) (transport.Port, error)
}

// OpenerFunc adapts a plain function to PortOpener.
type OpenerFunc func(name string, baud int) (transport.Port, error)

// Open implements PortOpener.
func (f OpenerFunc) Open(name string, baud int) (transport.Port, error) {
	return f(name, baud)
}

// DeviceSummary is one row of the device list.
type DeviceSummary struct {
	DeviceID     string                   `json:"deviceId"`
	PortName     string                   `json:"port"`
	Info         driver.DeviceInfo        `json:"info"`
	Capabilities driver.Capabilities      `json:"capabilities"`
	Status       session.ConnectionStatus `json:"connectionStatus"`
}

// Stats summarizes the manager for diagnostics and metrics.
type Stats struct {
	Devices        int   `json:"devices"`
	Connected      int   `json:"connected"`
	Subscribers    int   `json:"subscribers"`
	DroppedUpdates int64 `json:"droppedUpdates"`
}

// Config controls discovery and the sessions the manager creates.
type Config struct {
	// Enumerator lists candidate serial ports.
	Enumerator transport.PortEnumerator

	// Opener opens a listed port for identification.
	Opener PortOpener

	// Registry maps instrument identities to drivers.
	Registry *driver.Registry

	// BaudRate is used for every opened port.
	BaudRate int

	// IdentifyTimeoutMs bounds the *IDN? probe on unclaimed ports.
	IdentifyTimeoutMs int64

	// DiscoveryIntervalMs is the period of the background scan.
	DiscoveryIntervalMs int64

	// Transport configures the serial transports the manager creates.
	Transport transport.Config

	// Session configures the device sessions the manager creates.
	Session *session.Config
}

// DefaultConfig returns the production configuration: real serial
// ports, the built-in driver registry and the standard timings.
func DefaultConfig() *Config {
	return &Config{
		Enumerator:          transport.SerialEnumerator{},
		Opener:              OpenerFunc(transport.OpenSerialPort),
		Registry:            driver.DefaultRegistry(),
		BaudRate:            config.DefaultBaudRate,
		IdentifyTimeoutMs:   config.DefaultIdentifyTimeoutMs,
		DiscoveryIntervalMs: config.DefaultDiscoveryIntervalMs,
		Transport:           transport.DefaultConfig(),
		Session:             session.DefaultConfig(),
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Enumerator == nil || c.Opener == nil {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.BaudRate <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.IdentifyTimeoutMs <= 0 || c.DiscoveryIntervalMs <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	return nil
}

// Error describes a manager operation failure.
type Error struct {
	Op       string
	DeviceID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("manager %s %s: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("manager %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors reported by manager operations.
var (
	ErrClosed          = errorString("manager closed")
	ErrDeviceNotFound  = errorString("device not found")
	ErrWrongDeviceType = errorString("operation not supported by device type")

	errInvalidConfig = errorString("invalid configuration")
)

type errorString string

func (e errorString) Error() string { return string(e) }

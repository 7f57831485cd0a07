// Package session runs the per-device polling loop and owns all live
// state for a connected instrument: measurements, status fields,
// setpoint cache, history ring and subscriber fan-out.
package session

import (
	"time"

	"github.com/benchlab/benchd/internal/config"
	"github.com/benchlab/benchd/internal/driver"
)

// ConnectionStatus represents the health of a device session.
type ConnectionStatus string

const (
	// StatusConnected indicates polling is healthy.
	StatusConnected ConnectionStatus = "connected"

	// StatusError indicates the error threshold was crossed but the
	// transport is still up; polling continues and the session recovers
	// on the next successful read.
	StatusError ConnectionStatus = "error"

	// StatusDisconnected indicates the transport latched a disconnect
	// (or the session was closed). Polling is stopped; state and
	// subscribers are retained for reconnect.
	StatusDisconnected ConnectionStatus = "disconnected"
)

// HistoryPoint is one retained measurement sample.
type HistoryPoint struct {
	TimestampMs int64   `json:"t"`
	Voltage     float64 `json:"v"`
	Current     float64 `json:"i"`
	Power       float64 `json:"p"`
}

// DeviceState is a point-in-time copy of everything a session knows
// about its device. Snapshots are safe to retain; maps are copied.
type DeviceState struct {
	DeviceID          string                       `json:"deviceId"`
	PortName          string                       `json:"port"`
	Info              driver.DeviceInfo            `json:"info"`
	Capabilities      driver.Capabilities          `json:"capabilities"`
	Status            ConnectionStatus             `json:"connectionStatus"`
	ConsecutiveErrors int                          `json:"consecutiveErrors"`
	Measurements      driver.Measurements          `json:"measurements"`
	StatusFields      driver.StatusFields          `json:"statusFields"`
	Setpoints         map[driver.ValueKind]float64 `json:"setpoints"`
	LastSeenMs        int64                        `json:"lastSeenMs"`
}

// UpdateKind tags the variants of Update.
type UpdateKind string

const (
	// UpdateSnapshot carries a full DeviceState. It is always the first
	// update delivered to a new subscriber.
	UpdateSnapshot UpdateKind = "snapshot"

	// UpdateMeasurements carries one poll result.
	UpdateMeasurements UpdateKind = "measurements"

	// UpdateStatusDiff carries only the status fields that changed
	// since the previous refresh.
	UpdateStatusDiff UpdateKind = "statusDiff"

	// UpdateConnectionStatus carries a connection status transition.
	UpdateConnectionStatus UpdateKind = "connectionStatus"

	// UpdateWaveform carries streamed scope waveforms.
	UpdateWaveform UpdateKind = "waveform"

	// UpdateScopeMeasurements carries streamed scope measurement items.
	UpdateScopeMeasurements UpdateKind = "scopeMeasurements"
)

// Update is a tagged fan-out message. Only the fields relevant to Kind
// are populated.
type Update struct {
	Kind        UpdateKind
	DeviceID    string
	TimestampMs int64

	State             *DeviceState
	Measurements      *driver.Measurements
	StatusDiff        driver.StatusFields
	Status            ConnectionStatus
	StatusReason      string
	Waveforms         []driver.Waveform
	ScopeMeasurements []driver.ScopeMeasurement
}

// Sink receives updates from a session. TrySend must never block: a
// sink that cannot keep up drops or buffers on its own and reports
// false so the session can count the drop.
type Sink interface {
	TrySend(u Update) bool
}

// Config holds tuning for a device session. The zero value is not
// valid; use DefaultConfig.
type Config struct {
	// PollIntervalMs is the measurement poll period.
	PollIntervalMs int64

	// StatusRefreshTicks refreshes status fields every Nth poll tick.
	StatusRefreshTicks int

	// SetpointDebounceMs coalesces rapid setpoint writes per kind.
	SetpointDebounceMs int64

	// ErrorThreshold is the number of consecutive poll failures before
	// the session transitions to StatusError.
	ErrorThreshold int

	// HistoryRetentionMs bounds the history ring by age.
	HistoryRetentionMs int64

	// ScopePollIntervalMs is the status poll period for scope sessions.
	ScopePollIntervalMs int64

	// MinStreamIntervalMs is the floor for scope streaming intervals.
	MinStreamIntervalMs int64
}

// DefaultConfig returns the stock session tuning.
func DefaultConfig() *Config {
	return &Config{
		PollIntervalMs:      config.DefaultPollIntervalMs,
		StatusRefreshTicks:  config.DefaultStatusRefreshTicks,
		SetpointDebounceMs:  config.DefaultSetpointDebounceMs,
		ErrorThreshold:      config.DefaultErrorThreshold,
		HistoryRetentionMs:  config.DefaultHistoryRetentionMs,
		ScopePollIntervalMs: config.DefaultScopePollIntervalMs,
		MinStreamIntervalMs: config.MinStreamIntervalMs,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.PollIntervalMs <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.StatusRefreshTicks <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.SetpointDebounceMs < 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.ErrorThreshold <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.HistoryRetentionMs <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	if c.ScopePollIntervalMs <= 0 {
		return &Error{Op: "validate", Err: errInvalidConfig}
	}
	return nil
}

// Error represents an error from a device session.
type Error struct {
	Op       string // operation that failed
	DeviceID string // device (if known)
	Err      error  // underlying error
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return "session " + e.DeviceID + ": " + e.Op + ": " + e.Err.Error()
	}
	return "session: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common session errors.
var (
	ErrClosed        = errorString("session closed")
	ErrNotConnected  = errorString("device not connected")
	ErrStreamRunning = errorString("stream already running")
	ErrNoStream      = errorString("no stream running")
	errInvalidConfig = errorString("invalid configuration")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// NowMs returns the current wall-clock time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Package driver adapts instrument command dialects to a uniform device API.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// DeviceType classifies an instrument family.
type DeviceType string

const (
	DeviceTypePowerSupply    DeviceType = "powerSupply"
	DeviceTypeElectronicLoad DeviceType = "electronicLoad"
	DeviceTypeOscilloscope   DeviceType = "oscilloscope"
)

// ValueKind identifies a settable or measured quantity.
type ValueKind string

const (
	KindVoltage    ValueKind = "voltage"
	KindCurrent    ValueKind = "current"
	KindPower      ValueKind = "power"
	KindResistance ValueKind = "resistance"
)

// LoadMode identifies an electronic load operating mode.
type LoadMode string

const (
	ModeConstantCurrent    LoadMode = "cc"
	ModeConstantVoltage    LoadMode = "cv"
	ModeConstantPower      LoadMode = "cp"
	ModeConstantResistance LoadMode = "cr"
)

// ErrorCode represents a stable error code for driver failures.
type ErrorCode string

const (
	CodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"
	CodeInvalidValue         ErrorCode = "INVALID_VALUE"
	CodeInvalidMode          ErrorCode = "INVALID_MODE"
	CodeParseError           ErrorCode = "PARSE_ERROR"
	CodeIdentifyFailed       ErrorCode = "IDENTIFY_FAILED"
	CodeNotImplemented       ErrorCode = "NOT_IMPLEMENTED"
)

// Error represents a failed driver operation.
type Error struct {
	Op   string
	Code ErrorCode
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("driver %s: %s", e.Op, e.Code)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the driver error code from err, or empty string when
// err is not a driver error.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// DeviceInfo is the parsed identity of an instrument.
type DeviceInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Firmware     string `json:"firmware"`
	RawIDN       string `json:"rawIdn"`
}

// ValueRange bounds a settable quantity.
type ValueRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Unit     string  `json:"unit"`
	Decimals int     `json:"decimals"`
}

// Contains reports whether v lies within the range.
func (r ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Capabilities describes what a device supports. Ranges come from the
// matched model profile, not from interrogating the instrument.
type Capabilities struct {
	DeviceType     DeviceType               `json:"deviceType"`
	Channels       int                      `json:"channels"`
	Setpoints      map[ValueKind]ValueRange `json:"setpoints,omitempty"`
	Modes          []LoadMode               `json:"modes,omitempty"`
	HasRemoteSense bool                     `json:"hasRemoteSense,omitempty"`
	HasOVP         bool                     `json:"hasOvp,omitempty"`
	HasOCP         bool                     `json:"hasOcp,omitempty"`
	HasListMode    bool                     `json:"hasListMode,omitempty"`
	HasScreenshot  bool                     `json:"hasScreenshot,omitempty"`
}

// SupportsKind reports whether kind is settable on this device.
func (c Capabilities) SupportsKind(kind ValueKind) bool {
	_, ok := c.Setpoints[kind]
	return ok
}

// SupportsMode reports whether mode is a valid operating mode.
func (c Capabilities) SupportsMode(mode LoadMode) bool {
	for _, m := range c.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// ChannelMeasurement holds one channel's readings on a multi-channel device.
type ChannelMeasurement struct {
	Channel int     `json:"channel"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// Measurements is one poll sample. For multi-channel devices the
// top-level fields mirror channel 1 and Channels carries the rest.
type Measurements struct {
	Voltage     float64              `json:"voltage"`
	Current     float64              `json:"current"`
	Power       float64              `json:"power"`
	Channels    []ChannelMeasurement `json:"channels,omitempty"`
	TimestampMs int64                `json:"timestampMs"`
}

// StatusFields is a flat snapshot of device state as the instrument
// reports it. Keys are stable; values are display strings.
type StatusFields map[string]string

// Copy returns an independent copy of the fields.
func (s StatusFields) Copy() StatusFields {
	out := make(StatusFields, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Diff returns the keys in next whose values differ from s, including
// keys absent from s.
func (s StatusFields) Diff(next StatusFields) StatusFields {
	diff := make(StatusFields)
	for k, v := range next {
		if prev, ok := s[k]; !ok || prev != v {
			diff[k] = v
		}
	}
	return diff
}

// Waveform is one channel's capture.
type Waveform struct {
	Channel         int       `json:"channel"`
	Samples         []float64 `json:"samples"`
	SampleIntervalS float64   `json:"sampleIntervalS"`
}

// ScopeMeasurement is one automatic measurement readout.
type ScopeMeasurement struct {
	Channel int     `json:"channel"`
	Kind    string  `json:"kind"`
	Value   float64 `json:"value"`
}

// Scope measurement kinds.
const (
	ScopeMeasVpp       = "vpp"
	ScopeMeasVavg      = "vavg"
	ScopeMeasFrequency = "frequency"
	ScopeMeasDuty      = "duty"
)

// Driver is the uniform control surface over one instrument. All
// methods that touch the instrument take a context and go through the
// device's serialized transport.
type Driver interface {
	// Identify re-reads the instrument identity.
	Identify(ctx context.Context) (DeviceInfo, error)

	// Capabilities returns the matched model profile. It does not
	// touch the instrument.
	Capabilities() Capabilities

	// ReadMeasurements reads one measurement sample.
	ReadMeasurements(ctx context.Context) (Measurements, error)

	// ReadStatusFields reads the slow-changing state snapshot.
	ReadStatusFields(ctx context.Context) (StatusFields, error)

	// SetMode switches an electronic load's operating mode.
	SetMode(ctx context.Context, mode LoadMode) error

	// SetOutput enables or disables the output (or input, for loads).
	SetOutput(ctx context.Context, on bool) error

	// SetValue programs a setpoint.
	SetValue(ctx context.Context, kind ValueKind, value float64) error

	// StartList and StopList control hardware list mode. Reserved;
	// no current driver implements them.
	StartList(ctx context.Context) error
	StopList(ctx context.Context) error
}

// ScopeDriver extends Driver with oscilloscope operations.
type ScopeDriver interface {
	Driver

	// ReadWaveform captures one channel's trace.
	ReadWaveform(ctx context.Context, channel int) (Waveform, error)

	// ReadScopeMeasurements reads the automatic measurements for all
	// enabled channels.
	ReadScopeMeasurements(ctx context.Context) ([]ScopeMeasurement, error)

	// ReadMeasurement reads one named measurement from one channel.
	ReadMeasurement(ctx context.Context, channel int, kind string) (ScopeMeasurement, error)

	// Screenshot returns a PNG of the display, when supported.
	Screenshot(ctx context.Context) ([]byte, error)

	// SetRunState starts or stops acquisition.
	SetRunState(ctx context.Context, running bool) error

	// Single arms a single-shot acquisition.
	Single(ctx context.Context) error

	// AutoSetup asks the instrument to pick display settings for the
	// applied signals.
	AutoSetup(ctx context.Context) error

	// SetChannelEnabled shows or hides a channel.
	SetChannelEnabled(ctx context.Context, channel int, enabled bool) error

	// SetTimebase programs seconds per division.
	SetTimebase(ctx context.Context, secondsPerDiv float64) error

	// SetChannelScale programs volts per division for a channel.
	SetChannelScale(ctx context.Context, channel int, voltsPerDiv float64) error

	// SetTriggerLevel programs the edge trigger source and level.
	SetTriggerLevel(ctx context.Context, channel int, level float64) error
}

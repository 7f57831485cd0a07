package sequence

import (
	"context"
	"fmt"

	"github.com/benchlab/benchd/internal/driver"
)

// WaveformType discriminates the waveform variants of a definition.
type WaveformType string

const (
	WaveSine       WaveformType = "sine"
	WaveTriangle   WaveformType = "triangle"
	WaveRamp       WaveformType = "ramp"
	WaveSquare     WaveformType = "square"
	WaveRandomWalk WaveformType = "randomWalk"
	WaveArbitrary  WaveformType = "arbitrary"
)

// ArbitraryStep is one explicit point of an arbitrary waveform.
type ArbitraryStep struct {
	Value   float64 `json:"value"`
	DwellMs int64   `json:"dwellMs"`
}

// Waveform is the tagged union of waveform variants. Type selects
// which fields apply: standard waveforms use Min/Max/PointsPerCycle/
// IntervalMs, random walks add StartValue/MaxStepSize, arbitrary
// waveforms carry only Steps.
type Waveform struct {
	Type           WaveformType    `json:"type"`
	Min            float64         `json:"min,omitempty"`
	Max            float64         `json:"max,omitempty"`
	PointsPerCycle int             `json:"pointsPerCycle,omitempty"`
	IntervalMs     int64           `json:"intervalMs,omitempty"`
	StartValue     float64         `json:"startValue,omitempty"`
	MaxStepSize    float64         `json:"maxStepSize,omitempty"`
	Steps          []ArbitraryStep `json:"steps,omitempty"`
}

// Definition is a stored sequence: one waveform plus pre/post writes
// and post-processing. Scale defaults to 1 and Offset to 0; clamps and
// the slew limit apply only when present.
type Definition struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Unit        string   `json:"unit,omitempty"`
	Waveform    Waveform `json:"waveform"`
	PreValue    *float64 `json:"preValue,omitempty"`
	PostValue   *float64 `json:"postValue,omitempty"`
	Scale       *float64 `json:"scale,omitempty"`
	Offset      *float64 `json:"offset,omitempty"`
	MinClamp    *float64 `json:"minClamp,omitempty"`
	MaxClamp    *float64 `json:"maxClamp,omitempty"`
	MaxSlewRate *float64 `json:"maxSlewRate,omitempty"`
	CreatedAtMs int64    `json:"createdAt,omitempty"`
	UpdatedAtMs int64    `json:"updatedAt,omitempty"`
}

// RepeatMode controls how many cycles a run executes.
type RepeatMode string

const (
	RepeatOnce       RepeatMode = "once"
	RepeatCount      RepeatMode = "count"
	RepeatContinuous RepeatMode = "continuous"
)

// RunConfig binds a stored definition to a device parameter for one
// run.
type RunConfig struct {
	SequenceID  string           `json:"sequenceId"`
	DeviceID    string           `json:"deviceId"`
	Parameter   driver.ValueKind `json:"parameter"`
	RepeatMode  RepeatMode       `json:"repeatMode"`
	RepeatCount int              `json:"repeatCount,omitempty"`
}

// ExecutionState is the engine's run state.
type ExecutionState string

const (
	StateIdle      ExecutionState = "idle"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateCompleted ExecutionState = "completed"
	StateError     ExecutionState = "error"
)

// State is a snapshot of the engine. TotalCycles is nil for
// continuous runs; StartedAtMs is nil when idle.
type State struct {
	SequenceID       string         `json:"sequenceId,omitempty"`
	RunConfig        *RunConfig     `json:"runConfig,omitempty"`
	ExecutionState   ExecutionState `json:"executionState"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	TotalSteps       int            `json:"totalSteps"`
	CurrentCycle     int            `json:"currentCycle"`
	TotalCycles      *int           `json:"totalCycles"`
	StartedAtMs      *int64         `json:"startedAt"`
	ElapsedMs        int64          `json:"elapsedMs"`
	CommandedValue   float64        `json:"commandedValue"`
	Error            string         `json:"error,omitempty"`
}

// EventKind names the engine lifecycle events.
type EventKind string

const (
	EventStarted   EventKind = "sequenceStarted"
	EventProgress  EventKind = "sequenceProgress"
	EventCompleted EventKind = "sequenceCompleted"
	EventAborted   EventKind = "sequenceAborted"
	EventError     EventKind = "sequenceError"
)

// Event is delivered to engine subscribers with a state snapshot taken
// at emission time.
type Event struct {
	Kind  EventKind `json:"event"`
	State State     `json:"state"`
}

// Point is one materialized setpoint of a cycle.
type Point struct {
	Value   float64
	DwellMs int64
}

// Devices is the slice of the session manager the engine writes
// through. Writes are always immediate: sequences define their own
// cadence and must not be debounced.
type Devices interface {
	SetValue(ctx context.Context, deviceID string, kind driver.ValueKind, value float64, immediate bool) error
}

// DefinitionSource resolves sequence IDs at run time. The sequence
// library satisfies it.
type DefinitionSource interface {
	Get(id string) (Definition, error)
}

// Error describes a sequence operation failure.
type Error struct {
	Op         string
	SequenceID string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SequenceID != "" {
		return fmt.Sprintf("sequence %s %s: %v", e.Op, e.SequenceID, e.Err)
	}
	return fmt.Sprintf("sequence %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors reported by the engine.
var (
	ErrAlreadyRunning    = errorString("a sequence is already running")
	ErrNotRunning        = errorString("no sequence is running")
	ErrInvalidDefinition = errorString("invalid sequence definition")
	ErrInvalidRunConfig  = errorString("invalid run configuration")
	ErrClosed            = errorString("sequence engine closed")
)

type errorString string

func (e errorString) Error() string { return string(e) }

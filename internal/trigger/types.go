package trigger

import (
	"context"
	"fmt"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/session"
)

// ConditionType selects which condition variant a trigger evaluates.
type ConditionType string

const (
	// ConditionValue compares a live measurement against a threshold.
	ConditionValue ConditionType = "value"
	// ConditionTime fires once the script has been running for a
	// number of seconds.
	ConditionTime ConditionType = "time"
)

// Operator is a comparison operator for value conditions.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Condition is a flat tagged union. Type decides which fields apply:
// value conditions use DeviceID, Parameter, Operator and Value; time
// conditions use Seconds.
type Condition struct {
	Type      ConditionType    `json:"type"`
	DeviceID  string           `json:"deviceId,omitempty"`
	Parameter driver.ValueKind `json:"parameter,omitempty"`
	Operator  Operator         `json:"operator,omitempty"`
	Value     float64          `json:"value,omitempty"`
	Seconds   float64          `json:"seconds,omitempty"`
}

// ActionType selects what a trigger does when it fires.
type ActionType string

const (
	ActionSetValue      ActionType = "setValue"
	ActionSetOutput     ActionType = "setOutput"
	ActionStartSequence ActionType = "startSequence"
	ActionStopSequence  ActionType = "stopSequence"
	ActionPauseSequence ActionType = "pauseSequence"
)

// Action is a flat tagged union. setValue uses DeviceID, Parameter and
// Value; setOutput uses DeviceID and Enabled; startSequence carries a
// full sequence run request; stopSequence and pauseSequence take no
// payload.
type Action struct {
	Type        ActionType          `json:"type"`
	DeviceID    string              `json:"deviceId,omitempty"`
	Parameter   driver.ValueKind    `json:"parameter,omitempty"`
	Value       float64             `json:"value,omitempty"`
	Enabled     bool                `json:"enabled,omitempty"`
	SequenceID  string              `json:"sequenceId,omitempty"`
	RepeatMode  sequence.RepeatMode `json:"repeatMode,omitempty"`
	RepeatCount int                 `json:"repeatCount,omitempty"`
}

// RepeatMode controls how often a trigger may fire.
type RepeatMode string

const (
	// RepeatOnce disarms the trigger permanently after its first fire.
	RepeatOnce RepeatMode = "once"
	// RepeatAlways re-arms the trigger on every falling edge.
	RepeatAlways RepeatMode = "repeat"
)

// Trigger pairs one condition with one action.
type Trigger struct {
	ID         string     `json:"id"`
	Condition  Condition  `json:"condition"`
	Action     Action     `json:"action"`
	RepeatMode RepeatMode `json:"repeatMode"`
	DebounceMs int64      `json:"debounceMs,omitempty"`
}

// Script is an ordered collection of triggers evaluated together while
// the script runs. Timestamps are Unix milliseconds and maintained by
// the library that persists scripts.
type Script struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Triggers    []Trigger `json:"triggers"`
	CreatedAtMs int64     `json:"createdAt,omitempty"`
	UpdatedAtMs int64     `json:"updatedAt,omitempty"`
}

// TriggerState is the per-trigger runtime bookkeeping the engine keeps
// while a script runs. LastFiredAtMs is nil until the first fire.
type TriggerState struct {
	TriggerID     string `json:"triggerId"`
	FiredCount    int    `json:"firedCount"`
	LastFiredAtMs *int64 `json:"lastFiredAt"`
	ConditionMet  bool   `json:"conditionMet"`
}

// ExecState describes where the engine is in a script's lifecycle.
type ExecState string

const (
	StateIdle    ExecState = "idle"
	StateRunning ExecState = "running"
	StatePaused  ExecState = "paused"
)

// Status is a snapshot of the running script, or an idle placeholder
// when no script is active. Triggers preserves script order.
type Status struct {
	ScriptID    string         `json:"scriptId,omitempty"`
	Name        string         `json:"name,omitempty"`
	ExecState   ExecState      `json:"execState"`
	StartedAtMs *int64         `json:"startedAt"`
	ElapsedMs   int64          `json:"elapsedMs"`
	Triggers    []TriggerState `json:"triggers,omitempty"`
}

// EventKind names the engine events fanned out to subscribers.
type EventKind string

const (
	EventScriptStarted EventKind = "triggerScriptStarted"
	EventScriptStopped EventKind = "triggerScriptStopped"
	EventScriptStatus  EventKind = "triggerScriptStatus"
	EventFired         EventKind = "triggerFired"
	EventActionFailed  EventKind = "triggerActionFailed"
)

// Event is one engine notification. Status is set on script lifecycle
// events, Trigger on fires, and Action/Err on action failures.
type Event struct {
	Kind      EventKind     `json:"event"`
	ScriptID  string        `json:"scriptId"`
	TriggerID string        `json:"triggerId,omitempty"`
	Status    *Status       `json:"status,omitempty"`
	Trigger   *TriggerState `json:"trigger,omitempty"`
	Action    ActionType    `json:"action,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// Devices is the slice of the session manager the engine needs:
// subscriptions feed value conditions, writes carry out actions.
type Devices interface {
	Subscribe(deviceID string, sink session.Sink) error
	Unsubscribe(deviceID string, sink session.Sink) error
	SetValue(ctx context.Context, deviceID string, kind driver.ValueKind, value float64, immediate bool) error
	SetOutput(ctx context.Context, deviceID string, on bool) error
}

// Sequences is the slice of the sequence engine used by sequence
// actions.
type Sequences interface {
	Run(ctx context.Context, cfg sequence.RunConfig) error
	Abort() error
	Pause() error
}

// ScriptSource resolves a script ID to its definition at run time.
type ScriptSource interface {
	Get(id string) (Script, error)
}

// Error decorates engine failures with the operation and script.
type Error struct {
	Op       string
	ScriptID string
	Err      error
}

func (e *Error) Error() string {
	if e.ScriptID == "" {
		return fmt.Sprintf("trigger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("trigger %s %s: %v", e.Op, e.ScriptID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type errorString string

func (e errorString) Error() string { return string(e) }

// Sentinel errors for errors.Is checks.
const (
	ErrAlreadyRunning = errorString("trigger script already running")
	ErrNotRunning     = errorString("no trigger script running")
	ErrInvalidScript  = errorString("invalid trigger script")
	ErrClosed         = errorString("trigger engine closed")
)

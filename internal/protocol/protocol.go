// Package protocol defines the JSON message vocabulary spoken over the
// WebSocket connection and the translation between wire shapes and the
// internal device model. Messages are tagged unions discriminated by a
// "type" field; the hub dispatches on it.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/trigger"
)

// Client message types.
const (
	MsgGetDevices  = "getDevices"
	MsgScan        = "scan"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"

	MsgSetMode   = "setMode"
	MsgSetOutput = "setOutput"
	MsgSetValue  = "setValue"
	MsgStartList = "startList"
	MsgStopList  = "stopList"

	MsgScopeRun               = "scopeRun"
	MsgScopeStop              = "scopeStop"
	MsgScopeSingle            = "scopeSingle"
	MsgScopeAutoSetup         = "scopeAutoSetup"
	MsgScopeGetWaveform       = "scopeGetWaveform"
	MsgScopeGetMeasurement    = "scopeGetMeasurement"
	MsgScopeGetScreenshot     = "scopeGetScreenshot"
	MsgScopeSetChannelEnabled = "scopeSetChannelEnabled"
	MsgScopeSetTimebase       = "scopeSetTimebase"
	MsgScopeSetChannelScale   = "scopeSetChannelScale"
	MsgScopeSetTriggerLevel   = "scopeSetTriggerLevel"
	MsgScopeStartStreaming    = "scopeStartStreaming"
	MsgScopeStopStreaming     = "scopeStopStreaming"

	MsgSequenceLibraryList   = "sequenceLibraryList"
	MsgSequenceLibrarySave   = "sequenceLibrarySave"
	MsgSequenceLibraryUpdate = "sequenceLibraryUpdate"
	MsgSequenceLibraryDelete = "sequenceLibraryDelete"
	MsgSequenceRun           = "sequenceRun"
	MsgSequenceAbort         = "sequenceAbort"
	MsgSequencePause         = "sequencePause"
	MsgSequenceResume        = "sequenceResume"

	MsgTriggerScriptLibraryList   = "triggerScriptLibraryList"
	MsgTriggerScriptLibrarySave   = "triggerScriptLibrarySave"
	MsgTriggerScriptLibraryUpdate = "triggerScriptLibraryUpdate"
	MsgTriggerScriptLibraryDelete = "triggerScriptLibraryDelete"
	MsgTriggerScriptRun           = "triggerScriptRun"
	MsgTriggerScriptStop          = "triggerScriptStop"
	MsgTriggerScriptPause         = "triggerScriptPause"
	MsgTriggerScriptResume        = "triggerScriptResume"

	MsgDeviceAliasList  = "deviceAliasList"
	MsgDeviceAliasSet   = "deviceAliasSet"
	MsgDeviceAliasClear = "deviceAliasClear"
	MsgSettingsExport   = "settingsExport"
	MsgSettingsImport   = "settingsImport"

	MsgGetDiagnostics = "getDiagnostics"
)

// ClientMessage is the decoded form of one client frame. It is the
// union of all client message payloads; only the fields relevant to
// Type are populated. Pointer fields distinguish absent from zero.
type ClientMessage struct {
	Type string `json:"type"`

	DeviceID string `json:"deviceId,omitempty"`

	// Power device operations.
	Mode      string   `json:"mode,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
	Name      string   `json:"name,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Immediate bool     `json:"immediate,omitempty"`

	// Scope operations.
	Channel         int      `json:"channel,omitempty"`
	MeasurementType string   `json:"measurementType,omitempty"`
	SecondsPerDiv   *float64 `json:"secondsPerDiv,omitempty"`
	VoltsPerDiv     *float64 `json:"voltsPerDiv,omitempty"`
	Level           *float64 `json:"level,omitempty"`
	Channels        []int    `json:"channels,omitempty"`
	IntervalMs      int64    `json:"intervalMs,omitempty"`
	Measurements    []string `json:"measurements,omitempty"`

	// Library and engine payloads.
	ID       string               `json:"id,omitempty"`
	Sequence *sequence.Definition `json:"sequence,omitempty"`
	Config   *sequence.RunConfig  `json:"config,omitempty"`
	Script   *trigger.Script      `json:"script,omitempty"`

	// Aliases and settings.
	IDN      string          `json:"idn,omitempty"`
	Alias    string          `json:"alias,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

const errEmptyType = errorString("missing message type")

type errorString string

func (e errorString) Error() string { return string(e) }

// DecodeClientMessage parses one client frame. A frame that is not a
// JSON object or carries no type is rejected.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", errEmptyType)
	}
	return msg, nil
}

// Encode marshals a server message to one wire frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode server message: %w", err)
	}
	return data, nil
}

package protocol

import (
	"github.com/goccy/go-json"

	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/trigger"
)

// Server message types. Sequence and trigger lifecycle messages reuse
// the engines' event kind strings directly.
const (
	MsgDeviceList   = "deviceList"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgMeasurement  = "measurement"
	MsgField        = "field"
	MsgError        = "error"

	MsgScopeWaveform    = "scopeWaveform"
	MsgScopeMeasurement = "scopeMeasurement"
	MsgScopeScreenshot  = "scopeScreenshot"

	MsgSequenceLibrary      = "sequenceLibrary"
	MsgTriggerScriptLibrary = "triggerScriptLibrary"

	MsgDeviceAliases      = "deviceAliases"
	MsgDeviceAliasChanged = "deviceAliasChanged"
	MsgSettingsExported   = "settingsExported"
	MsgSettingsImported   = "settingsImported"

	MsgDiagnostics = "diagnostics"
)

// DeviceListMessage announces the full device roster. Broadcast to all
// clients whenever discovery or aliasing changes it.
type DeviceListMessage struct {
	Type    string        `json:"type"`
	Devices []DeviceEntry `json:"devices"`
}

// NewDeviceList builds a deviceList message. A nil slice is sent as an
// empty array so clients always receive a list.
func NewDeviceList(devices []DeviceEntry) DeviceListMessage {
	if devices == nil {
		devices = []DeviceEntry{}
	}
	return DeviceListMessage{Type: MsgDeviceList, Devices: devices}
}

// SubscribedMessage acknowledges a subscription. It is always the
// first message a subscriber receives for a device and carries the
// complete current state.
type SubscribedMessage struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId"`
	State    DeviceState `json:"state"`
}

// NewSubscribed builds a subscribed acknowledgement.
func NewSubscribed(deviceID string, state DeviceState) SubscribedMessage {
	return SubscribedMessage{Type: MsgSubscribed, DeviceID: deviceID, State: state}
}

// UnsubscribedMessage acknowledges an unsubscribe.
type UnsubscribedMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// NewUnsubscribed builds an unsubscribed acknowledgement.
func NewUnsubscribed(deviceID string) UnsubscribedMessage {
	return UnsubscribedMessage{Type: MsgUnsubscribed, DeviceID: deviceID}
}

// MeasurementValues is one sample's readings in wire form.
type MeasurementValues struct {
	Voltage  float64                     `json:"voltage"`
	Current  float64                     `json:"current"`
	Power    float64                     `json:"power"`
	Channels []driver.ChannelMeasurement `json:"channels,omitempty"`
}

// MeasurementUpdate pairs a sample with its capture time.
type MeasurementUpdate struct {
	TimestampMs  int64             `json:"timestamp"`
	Measurements MeasurementValues `json:"measurements"`
}

// MeasurementMessage streams one poll sample to subscribers.
type MeasurementMessage struct {
	Type     string            `json:"type"`
	DeviceID string            `json:"deviceId"`
	Update   MeasurementUpdate `json:"update"`
}

// FieldMessage reports one changed state field. Value is typed per
// field: booleans for output state, numbers for scales, objects for
// coalesced setpoints.
type FieldMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Field    string `json:"field"`
	Value    any    `json:"value"`
}

func newField(deviceID, field string, value any) FieldMessage {
	return FieldMessage{Type: MsgField, DeviceID: deviceID, Field: field, Value: value}
}

// ErrorMessage reports a failed operation to the requesting client.
// DeviceID is set when the failure concerns a specific device.
type ErrorMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// NewError builds an error message.
func NewError(deviceID, code, message string) ErrorMessage {
	return ErrorMessage{Type: MsgError, DeviceID: deviceID, Code: code, Message: message}
}

// WaveformData is one channel's capture in wire form.
type WaveformData struct {
	Channel    int       `json:"channel"`
	Points     []float64 `json:"points"`
	XIncrement float64   `json:"xIncrement"`
}

// ScopeWaveformMessage delivers one captured waveform. Multi-channel
// captures produce one message per channel.
type ScopeWaveformMessage struct {
	Type     string       `json:"type"`
	DeviceID string       `json:"deviceId"`
	Waveform WaveformData `json:"waveform"`
}

// NewScopeWaveform builds a scopeWaveform message from one capture.
func NewScopeWaveform(deviceID string, wf driver.Waveform) ScopeWaveformMessage {
	points := wf.Samples
	if points == nil {
		points = []float64{}
	}
	return ScopeWaveformMessage{
		Type:     MsgScopeWaveform,
		DeviceID: deviceID,
		Waveform: WaveformData{
			Channel:    wf.Channel,
			Points:     points,
			XIncrement: wf.SampleIntervalS,
		},
	}
}

// ScopeMeasurementMessage delivers one automatic measurement readout.
type ScopeMeasurementMessage struct {
	Type            string  `json:"type"`
	DeviceID        string  `json:"deviceId"`
	Channel         int     `json:"channel"`
	MeasurementType string  `json:"measurementType"`
	Value           float64 `json:"value"`
}

// NewScopeMeasurement builds a scopeMeasurement message.
func NewScopeMeasurement(deviceID string, m driver.ScopeMeasurement) ScopeMeasurementMessage {
	return ScopeMeasurementMessage{
		Type:            MsgScopeMeasurement,
		DeviceID:        deviceID,
		Channel:         m.Channel,
		MeasurementType: m.Kind,
		Value:           m.Value,
	}
}

// ScopeScreenshotMessage carries a display capture. Data is
// base64-encoded by the JSON codec.
type ScopeScreenshotMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Format   string `json:"format"`
	Data     []byte `json:"data"`
}

// NewScopeScreenshot builds a scopeScreenshot message.
func NewScopeScreenshot(deviceID string, png []byte) ScopeScreenshotMessage {
	return ScopeScreenshotMessage{
		Type:     MsgScopeScreenshot,
		DeviceID: deviceID,
		Format:   "png",
		Data:     png,
	}
}

// SequenceEventMessage broadcasts a sequence engine lifecycle event.
type SequenceEventMessage struct {
	Type  string         `json:"type"`
	State sequence.State `json:"state"`
}

// FromSequenceEvent wraps an engine event for the wire.
func FromSequenceEvent(ev sequence.Event) SequenceEventMessage {
	return SequenceEventMessage{Type: string(ev.Kind), State: ev.State}
}

// TriggerEventMessage broadcasts a trigger engine lifecycle event.
// Status accompanies script-level events, State and Action the
// per-trigger ones.
type TriggerEventMessage struct {
	Type      string                `json:"type"`
	ScriptID  string                `json:"scriptId"`
	TriggerID string                `json:"triggerId,omitempty"`
	Status    *trigger.Status       `json:"status,omitempty"`
	State     *trigger.TriggerState `json:"state,omitempty"`
	Action    string                `json:"action,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// FromTriggerEvent wraps an engine event for the wire.
func FromTriggerEvent(ev trigger.Event) TriggerEventMessage {
	return TriggerEventMessage{
		Type:      string(ev.Kind),
		ScriptID:  ev.ScriptID,
		TriggerID: ev.TriggerID,
		Status:    ev.Status,
		State:     ev.Trigger,
		Action:    string(ev.Action),
		Error:     ev.Err,
	}
}

// SequenceLibraryMessage carries the stored sequence definitions.
type SequenceLibraryMessage struct {
	Type      string                `json:"type"`
	Sequences []sequence.Definition `json:"sequences"`
}

// NewSequenceLibrary builds a sequenceLibrary message.
func NewSequenceLibrary(defs []sequence.Definition) SequenceLibraryMessage {
	if defs == nil {
		defs = []sequence.Definition{}
	}
	return SequenceLibraryMessage{Type: MsgSequenceLibrary, Sequences: defs}
}

// TriggerScriptLibraryMessage carries the stored trigger scripts.
type TriggerScriptLibraryMessage struct {
	Type    string           `json:"type"`
	Scripts []trigger.Script `json:"scripts"`
}

// NewTriggerScriptLibrary builds a triggerScriptLibrary message.
func NewTriggerScriptLibrary(scripts []trigger.Script) TriggerScriptLibraryMessage {
	if scripts == nil {
		scripts = []trigger.Script{}
	}
	return TriggerScriptLibraryMessage{Type: MsgTriggerScriptLibrary, Scripts: scripts}
}

// DeviceAliasesMessage carries the alias table keyed by IDN.
type DeviceAliasesMessage struct {
	Type    string            `json:"type"`
	Aliases map[string]string `json:"aliases"`
}

// NewDeviceAliases builds a deviceAliases message.
func NewDeviceAliases(aliases map[string]string) DeviceAliasesMessage {
	if aliases == nil {
		aliases = map[string]string{}
	}
	return DeviceAliasesMessage{Type: MsgDeviceAliases, Aliases: aliases}
}

// DeviceAliasChangedMessage announces one alias change. An empty alias
// means the alias was cleared.
type DeviceAliasChangedMessage struct {
	Type  string `json:"type"`
	IDN   string `json:"idn"`
	Alias string `json:"alias"`
}

// NewDeviceAliasChanged builds a deviceAliasChanged message.
func NewDeviceAliasChanged(idn, alias string) DeviceAliasChangedMessage {
	return DeviceAliasChangedMessage{Type: MsgDeviceAliasChanged, IDN: idn, Alias: alias}
}

// SettingsExportedMessage carries the full settings document.
type SettingsExportedMessage struct {
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings"`
}

// NewSettingsExported builds a settingsExported message.
func NewSettingsExported(settings json.RawMessage) SettingsExportedMessage {
	return SettingsExportedMessage{Type: MsgSettingsExported, Settings: settings}
}

// SettingsImportedMessage acknowledges a completed import with the
// number of items each library received.
type SettingsImportedMessage struct {
	Type      string `json:"type"`
	Sequences int    `json:"sequences"`
	Scripts   int    `json:"scripts"`
	Aliases   int    `json:"aliases"`
}

// NewSettingsImported builds a settingsImported acknowledgement.
func NewSettingsImported(sequences, scripts, aliases int) SettingsImportedMessage {
	return SettingsImportedMessage{
		Type:      MsgSettingsImported,
		Sequences: sequences,
		Scripts:   scripts,
		Aliases:   aliases,
	}
}

// DiagnosticsMessage carries the latest host and process health
// sample.
type DiagnosticsMessage struct {
	Type   string      `json:"type"`
	Sample diag.Sample `json:"sample"`
}

// NewDiagnostics builds a diagnostics message.
func NewDiagnostics(sample diag.Sample) DiagnosticsMessage {
	return DiagnosticsMessage{Type: MsgDiagnostics, Sample: sample}
}

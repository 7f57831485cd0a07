package hub

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/protocol"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/store"
	"github.com/benchlab/benchd/internal/trigger"
)

const (
	errMissingDeviceID    = errorString("missing deviceId")
	errMissingMode        = errorString("missing mode")
	errMissingEnabled     = errorString("missing enabled")
	errMissingName        = errorString("missing name")
	errMissingValue       = errorString("missing value")
	errMissingChannel     = errorString("missing channel")
	errMissingMeasurement = errorString("missing measurementType")
	errMissingID          = errorString("missing id")
	errMissingSequence    = errorString("missing sequence")
	errMissingConfig      = errorString("missing config")
	errMissingScript      = errorString("missing script")
	errMissingIDN         = errorString("missing idn")
	errMissingAlias       = errorString("missing alias")
	errMissingSettings    = errorString("missing settings")

	errNoSequenceEngine = errorString("sequence engine not configured")
	errNoTriggerEngine  = errorString("trigger script engine not configured")
	errNoStore          = errorString("settings store not configured")
	errNoDiagnostics    = errorString("diagnostics sampler not configured")
	errNoSample         = errorString("no diagnostics sample yet")
)

func (h *Hub) buildHandlers() map[string]func(*Client, protocol.ClientMessage) {
	return map[string]func(*Client, protocol.ClientMessage){
		protocol.MsgGetDevices:  h.handleGetDevices,
		protocol.MsgScan:        h.handleScan,
		protocol.MsgSubscribe:   h.handleSubscribe,
		protocol.MsgUnsubscribe: h.handleUnsubscribe,

		protocol.MsgSetMode:   h.handleSetMode,
		protocol.MsgSetOutput: h.handleSetOutput,
		protocol.MsgSetValue:  h.handleSetValue,
		protocol.MsgStartList: h.handleStartList,
		protocol.MsgStopList:  h.handleStopList,

		protocol.MsgScopeRun:               h.handleScopeRun,
		protocol.MsgScopeStop:              h.handleScopeStop,
		protocol.MsgScopeSingle:            h.handleScopeSingle,
		protocol.MsgScopeAutoSetup:         h.handleScopeAutoSetup,
		protocol.MsgScopeGetWaveform:       h.handleScopeGetWaveform,
		protocol.MsgScopeGetMeasurement:    h.handleScopeGetMeasurement,
		protocol.MsgScopeGetScreenshot:     h.handleScopeGetScreenshot,
		protocol.MsgScopeSetChannelEnabled: h.handleScopeSetChannelEnabled,
		protocol.MsgScopeSetTimebase:       h.handleScopeSetTimebase,
		protocol.MsgScopeSetChannelScale:   h.handleScopeSetChannelScale,
		protocol.MsgScopeSetTriggerLevel:   h.handleScopeSetTriggerLevel,
		protocol.MsgScopeStartStreaming:    h.handleScopeStartStreaming,
		protocol.MsgScopeStopStreaming:     h.handleScopeStopStreaming,

		protocol.MsgSequenceLibraryList:   h.handleSequenceLibraryList,
		protocol.MsgSequenceLibrarySave:   h.handleSequenceLibrarySave,
		protocol.MsgSequenceLibraryUpdate: h.handleSequenceLibraryUpdate,
		protocol.MsgSequenceLibraryDelete: h.handleSequenceLibraryDelete,
		protocol.MsgSequenceRun:           h.handleSequenceRun,
		protocol.MsgSequenceAbort:         h.handleSequenceAbort,
		protocol.MsgSequencePause:         h.handleSequencePause,
		protocol.MsgSequenceResume:        h.handleSequenceResume,

		protocol.MsgTriggerScriptLibraryList:   h.handleTriggerScriptLibraryList,
		protocol.MsgTriggerScriptLibrarySave:   h.handleTriggerScriptLibrarySave,
		protocol.MsgTriggerScriptLibraryUpdate: h.handleTriggerScriptLibraryUpdate,
		protocol.MsgTriggerScriptLibraryDelete: h.handleTriggerScriptLibraryDelete,
		protocol.MsgTriggerScriptRun:           h.handleTriggerScriptRun,
		protocol.MsgTriggerScriptStop:          h.handleTriggerScriptStop,
		protocol.MsgTriggerScriptPause:         h.handleTriggerScriptPause,
		protocol.MsgTriggerScriptResume:        h.handleTriggerScriptResume,

		protocol.MsgDeviceAliasList:  h.handleDeviceAliasList,
		protocol.MsgDeviceAliasSet:   h.handleDeviceAliasSet,
		protocol.MsgDeviceAliasClear: h.handleDeviceAliasClear,
		protocol.MsgSettingsExport:   h.handleSettingsExport,
		protocol.MsgSettingsImport:   h.handleSettingsImport,

		protocol.MsgGetDiagnostics: h.handleGetDiagnostics,
	}
}

// requireDevice rejects messages that need a deviceId but carry none.
func (h *Hub) requireDevice(c *Client, msg protocol.ClientMessage) bool {
	if msg.DeviceID == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, fmt.Errorf("%s: %w", msg.Type, errMissingDeviceID))
		return false
	}
	return true
}

func (h *Hub) requireSequences(c *Client, deviceID string) bool {
	if h.sequences == nil {
		h.replyError(c, deviceID, protocol.CodeSequenceNotAvailable, errNoSequenceEngine)
		return false
	}
	return true
}

func (h *Hub) requireTriggers(c *Client) bool {
	if h.triggers == nil {
		h.replyError(c, "", protocol.CodeTriggerScriptNotAvailable, errNoTriggerEngine)
		return false
	}
	return true
}

func (h *Hub) requireStore(c *Client, code string) bool {
	if h.store == nil {
		h.replyError(c, "", code, errNoStore)
		return false
	}
	return true
}

func (h *Hub) handleGetDevices(c *Client, _ protocol.ClientMessage) {
	h.reply(c, h.deviceListMessage())
}

// handleScan forces a discovery pass before answering with the
// roster. Discovery failures still produce the current list.
func (h *Hub) handleScan(c *Client, _ protocol.ClientMessage) {
	if err := h.mgr.Discover(h.ctx); err != nil {
		h.log.LogClientError(c.id, "scan", err)
	}
	h.reply(c, h.deviceListMessage())
}

// handleSubscribe attaches the client to a device's update stream.
// The manager delivers the state snapshot through the sink before
// returning, so the subscribed message always precedes any update. A
// repeated subscribe just refreshes the snapshot.
func (h *Hub) handleSubscribe(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if c.markSubscribed(msg.DeviceID) {
		st, err := h.mgr.Snapshot(msg.DeviceID)
		if err != nil {
			h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSubscribeFailed), err)
			return
		}
		var history []session.HistoryPoint
		if st.Capabilities.DeviceType != driver.DeviceTypeOscilloscope {
			history, _ = h.mgr.History(msg.DeviceID, 0)
		}
		alias := h.aliases()[store.AliasKey(st.Info)]
		c.send(protocol.NewSubscribed(msg.DeviceID, protocol.StateFrom(st, alias, history)), true)
		return
	}
	if err := h.mgr.Subscribe(msg.DeviceID, c.sink); err != nil {
		c.clearSubscribed(msg.DeviceID)
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSubscribeFailed), err)
	}
}

func (h *Hub) handleUnsubscribe(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.Unsubscribe(msg.DeviceID, c.sink); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSubscribeFailed), err)
		return
	}
	c.clearSubscribed(msg.DeviceID)
	h.reply(c, protocol.NewUnsubscribed(msg.DeviceID))
}

func (h *Hub) handleSetMode(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Mode == "" {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingMode)
		return
	}
	if err := h.mgr.SetMode(h.ctx, msg.DeviceID, protocol.ParseLoadMode(msg.Mode)); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSetModeFailed), err)
	}
}

func (h *Hub) handleSetOutput(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Enabled == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingEnabled)
		return
	}
	if err := h.mgr.SetOutput(h.ctx, msg.DeviceID, *msg.Enabled); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSetOutputFailed), err)
	}
}

func (h *Hub) handleSetValue(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Name == "" {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingName)
		return
	}
	if msg.Value == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingValue)
		return
	}
	err := h.mgr.SetValue(h.ctx, msg.DeviceID, driver.ValueKind(msg.Name), *msg.Value, msg.Immediate)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeSetValueFailed), err)
	}
}

func (h *Hub) handleStartList(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.StartList(h.ctx, msg.DeviceID); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeListFailed), err)
	}
}

func (h *Hub) handleStopList(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.StopList(h.ctx, msg.DeviceID); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeListFailed), err)
	}
}

func (h *Hub) handleScopeRun(c *Client, msg protocol.ClientMessage) {
	h.scopeRunState(c, msg, true)
}

func (h *Hub) handleScopeStop(c *Client, msg protocol.ClientMessage) {
	h.scopeRunState(c, msg, false)
}

func (h *Hub) scopeRunState(c *Client, msg protocol.ClientMessage, running bool) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.SetScopeRunState(h.ctx, msg.DeviceID, running); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

func (h *Hub) handleScopeSingle(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.ScopeSingle(h.ctx, msg.DeviceID); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

func (h *Hub) handleScopeAutoSetup(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.ScopeAutoSetup(h.ctx, msg.DeviceID); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

// handleScopeGetWaveform captures on demand. Without a channel the
// capture covers every displayed channel.
func (h *Hub) handleScopeGetWaveform(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	var channels []int
	if msg.Channel > 0 {
		channels = []int{msg.Channel}
	}
	wfs, err := h.mgr.CaptureWaveform(h.ctx, msg.DeviceID, channels)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeWaveformFailed), err)
		return
	}
	for _, wf := range wfs {
		h.reply(c, protocol.NewScopeWaveform(msg.DeviceID, wf))
	}
}

func (h *Hub) handleScopeGetMeasurement(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Channel < 1 {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingChannel)
		return
	}
	if msg.MeasurementType == "" {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingMeasurement)
		return
	}
	m, err := h.mgr.ReadScopeMeasurement(h.ctx, msg.DeviceID, msg.Channel, msg.MeasurementType)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeMeasurementFailed), err)
		return
	}
	h.reply(c, protocol.NewScopeMeasurement(msg.DeviceID, m))
}

func (h *Hub) handleScopeGetScreenshot(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	png, err := h.mgr.Screenshot(h.ctx, msg.DeviceID)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeScreenshotFailed), err)
		return
	}
	h.reply(c, protocol.NewScopeScreenshot(msg.DeviceID, png))
}

func (h *Hub) handleScopeSetChannelEnabled(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Channel < 1 {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingChannel)
		return
	}
	if msg.Enabled == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingEnabled)
		return
	}
	err := h.mgr.SetScopeChannelEnabled(h.ctx, msg.DeviceID, msg.Channel, *msg.Enabled)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

func (h *Hub) handleScopeSetTimebase(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.SecondsPerDiv == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingValue)
		return
	}
	if err := h.mgr.SetScopeTimebase(h.ctx, msg.DeviceID, *msg.SecondsPerDiv); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

func (h *Hub) handleScopeSetChannelScale(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Channel < 1 {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingChannel)
		return
	}
	if msg.VoltsPerDiv == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingValue)
		return
	}
	err := h.mgr.SetScopeChannelScale(h.ctx, msg.DeviceID, msg.Channel, *msg.VoltsPerDiv)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

func (h *Hub) handleScopeSetTriggerLevel(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if msg.Channel < 1 {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingChannel)
		return
	}
	if msg.Level == nil {
		h.replyError(c, msg.DeviceID, protocol.CodeInvalidMessage, errMissingValue)
		return
	}
	err := h.mgr.SetScopeTriggerLevel(h.ctx, msg.DeviceID, msg.Channel, *msg.Level)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeControlFailed), err)
	}
}

// handleScopeStartStreaming starts continuous waveform capture. The
// stream always carries every measurement kind for the streamed
// channels; a measurements filter in the request is accepted and
// ignored.
func (h *Hub) handleScopeStartStreaming(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	err := h.mgr.StartStreaming(h.ctx, msg.DeviceID, msg.Channels, msg.IntervalMs)
	if err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeStreamFailed), err)
		return
	}
	c.markStreaming(msg.DeviceID, true)
}

func (h *Hub) handleScopeStopStreaming(c *Client, msg protocol.ClientMessage) {
	if !h.requireDevice(c, msg) {
		return
	}
	if err := h.mgr.StopStreaming(msg.DeviceID); err != nil {
		h.replyError(c, msg.DeviceID, protocol.CodeForError(err, protocol.CodeScopeStreamFailed), err)
		return
	}
	c.markStreaming(msg.DeviceID, false)
}

// replySequenceLibrary sends the full library to one client, or to
// everyone after a mutation.
func (h *Hub) replySequenceLibrary(c *Client, broadcast bool) {
	defs, err := h.store.Sequences().List()
	if err != nil {
		h.replyError(c, "", protocol.CodeSequenceNotAvailable, err)
		return
	}
	msg := protocol.NewSequenceLibrary(defs)
	if broadcast {
		h.broadcastAll(msg)
		return
	}
	h.reply(c, msg)
}

func (h *Hub) handleSequenceLibraryList(c *Client, _ protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSequenceNotAvailable) {
		return
	}
	h.replySequenceLibrary(c, false)
}

func (h *Hub) handleSequenceLibrarySave(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSequenceSaveFailed) {
		return
	}
	if msg.Sequence == nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingSequence)
		return
	}
	if err := sequence.ValidateDefinition(*msg.Sequence); err != nil {
		h.replyError(c, "", protocol.CodeSequenceSaveFailed, err)
		return
	}
	if _, err := h.store.Sequences().Save(*msg.Sequence); err != nil {
		h.replyError(c, "", protocol.CodeSequenceSaveFailed, err)
		return
	}
	h.replySequenceLibrary(c, true)
}

func (h *Hub) handleSequenceLibraryUpdate(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSequenceUpdateFailed) {
		return
	}
	if msg.Sequence == nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingSequence)
		return
	}
	if err := sequence.ValidateDefinition(*msg.Sequence); err != nil {
		h.replyError(c, "", protocol.CodeSequenceUpdateFailed, err)
		return
	}
	if err := h.store.Sequences().Update(*msg.Sequence); err != nil {
		h.replyError(c, "", protocol.CodeSequenceUpdateFailed, err)
		return
	}
	h.replySequenceLibrary(c, true)
}

func (h *Hub) handleSequenceLibraryDelete(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSequenceDeleteFailed) {
		return
	}
	if msg.ID == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingID)
		return
	}
	if err := h.store.Sequences().Delete(msg.ID); err != nil {
		h.replyError(c, "", protocol.CodeSequenceDeleteFailed, err)
		return
	}
	h.replySequenceLibrary(c, true)
}

func (h *Hub) handleSequenceRun(c *Client, msg protocol.ClientMessage) {
	if !h.requireSequences(c, "") {
		return
	}
	if msg.Config == nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingConfig)
		return
	}
	if err := h.sequences.Run(h.ctx, *msg.Config); err != nil {
		h.replyError(c, msg.Config.DeviceID, protocol.CodeForError(err, protocol.CodeSequenceRunFailed), err)
	}
}

func (h *Hub) handleSequenceAbort(c *Client, _ protocol.ClientMessage) {
	if !h.requireSequences(c, "") {
		return
	}
	if err := h.sequences.Abort(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeSequenceRunFailed), err)
	}
}

func (h *Hub) handleSequencePause(c *Client, _ protocol.ClientMessage) {
	if !h.requireSequences(c, "") {
		return
	}
	if err := h.sequences.Pause(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeSequenceRunFailed), err)
	}
}

func (h *Hub) handleSequenceResume(c *Client, _ protocol.ClientMessage) {
	if !h.requireSequences(c, "") {
		return
	}
	if err := h.sequences.Resume(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeSequenceRunFailed), err)
	}
}

func (h *Hub) replyTriggerScriptLibrary(c *Client, broadcast bool) {
	scripts, err := h.store.Scripts().List()
	if err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptNotAvailable, err)
		return
	}
	msg := protocol.NewTriggerScriptLibrary(scripts)
	if broadcast {
		h.broadcastAll(msg)
		return
	}
	h.reply(c, msg)
}

func (h *Hub) handleTriggerScriptLibraryList(c *Client, _ protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeTriggerScriptNotAvailable) {
		return
	}
	h.replyTriggerScriptLibrary(c, false)
}

func (h *Hub) handleTriggerScriptLibrarySave(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeTriggerScriptSaveFailed) {
		return
	}
	if msg.Script == nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingScript)
		return
	}
	if err := trigger.ValidateScript(*msg.Script); err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptSaveFailed, err)
		return
	}
	if _, err := h.store.Scripts().Save(*msg.Script); err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptSaveFailed, err)
		return
	}
	h.replyTriggerScriptLibrary(c, true)
}

func (h *Hub) handleTriggerScriptLibraryUpdate(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeTriggerScriptUpdateFailed) {
		return
	}
	if msg.Script == nil {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingScript)
		return
	}
	if err := trigger.ValidateScript(*msg.Script); err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptUpdateFailed, err)
		return
	}
	if err := h.store.Scripts().Update(*msg.Script); err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptUpdateFailed, err)
		return
	}
	h.replyTriggerScriptLibrary(c, true)
}

func (h *Hub) handleTriggerScriptLibraryDelete(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeTriggerScriptDeleteFailed) {
		return
	}
	if msg.ID == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingID)
		return
	}
	if err := h.store.Scripts().Delete(msg.ID); err != nil {
		h.replyError(c, "", protocol.CodeTriggerScriptDeleteFailed, err)
		return
	}
	h.replyTriggerScriptLibrary(c, true)
}

func (h *Hub) handleTriggerScriptRun(c *Client, msg protocol.ClientMessage) {
	if !h.requireTriggers(c) {
		return
	}
	if msg.ID == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingID)
		return
	}
	if err := h.triggers.Run(msg.ID); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeTriggerScriptRunFailed), err)
	}
}

func (h *Hub) handleTriggerScriptStop(c *Client, _ protocol.ClientMessage) {
	if !h.requireTriggers(c) {
		return
	}
	if err := h.triggers.Stop(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeTriggerScriptRunFailed), err)
	}
}

func (h *Hub) handleTriggerScriptPause(c *Client, _ protocol.ClientMessage) {
	if !h.requireTriggers(c) {
		return
	}
	if err := h.triggers.Pause(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeTriggerScriptRunFailed), err)
	}
}

func (h *Hub) handleTriggerScriptResume(c *Client, _ protocol.ClientMessage) {
	if !h.requireTriggers(c) {
		return
	}
	if err := h.triggers.Resume(); err != nil {
		h.replyError(c, "", protocol.CodeForError(err, protocol.CodeTriggerScriptRunFailed), err)
	}
}

func (h *Hub) handleDeviceAliasList(c *Client, _ protocol.ClientMessage) {
	h.reply(c, protocol.NewDeviceAliases(h.aliases()))
}

// handleDeviceAliasSet stores an alias keyed by the instrument's
// identity and refreshes every client's roster.
func (h *Hub) handleDeviceAliasSet(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeDeviceAliasSetFailed) {
		return
	}
	if msg.IDN == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingIDN)
		return
	}
	if msg.Alias == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingAlias)
		return
	}
	if err := h.store.SetAlias(msg.IDN, msg.Alias); err != nil {
		h.replyError(c, "", protocol.CodeDeviceAliasSetFailed, err)
		return
	}
	h.broadcastAll(protocol.NewDeviceAliasChanged(msg.IDN, msg.Alias))
	h.broadcastDeviceList()
}

func (h *Hub) handleDeviceAliasClear(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeDeviceAliasClearFailed) {
		return
	}
	if msg.IDN == "" {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingIDN)
		return
	}
	if err := h.store.ClearAlias(msg.IDN); err != nil {
		h.replyError(c, "", protocol.CodeDeviceAliasClearFailed, err)
		return
	}
	h.broadcastAll(protocol.NewDeviceAliasChanged(msg.IDN, ""))
	h.broadcastDeviceList()
}

func (h *Hub) handleSettingsExport(c *Client, _ protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSettingsExportFailed) {
		return
	}
	doc, err := h.store.ExportSettings()
	if err != nil {
		h.replyError(c, "", protocol.CodeSettingsExportFailed, err)
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		h.replyError(c, "", protocol.CodeSettingsExportFailed, err)
		return
	}
	h.reply(c, protocol.NewSettingsExported(raw))
}

// handleSettingsImport merges a settings document and pushes the
// refreshed libraries, aliases and roster to every client.
func (h *Hub) handleSettingsImport(c *Client, msg protocol.ClientMessage) {
	if !h.requireStore(c, protocol.CodeSettingsImportFailed) {
		return
	}
	if len(msg.Settings) == 0 {
		h.replyError(c, "", protocol.CodeInvalidMessage, errMissingSettings)
		return
	}
	var doc store.Settings
	if err := json.Unmarshal(msg.Settings, &doc); err != nil {
		h.replyError(c, "", protocol.CodeSettingsImportFailed, err)
		return
	}
	counts, err := h.store.ImportSettings(doc)
	if err != nil {
		h.replyError(c, "", protocol.CodeSettingsImportFailed, err)
		return
	}
	h.reply(c, protocol.NewSettingsImported(counts.Sequences, counts.Scripts, counts.Aliases))
	h.replySequenceLibrary(c, true)
	h.replyTriggerScriptLibrary(c, true)
	h.broadcastAll(protocol.NewDeviceAliases(h.aliases()))
	h.broadcastDeviceList()
}

func (h *Hub) handleGetDiagnostics(c *Client, _ protocol.ClientMessage) {
	d := h.diagnostics()
	if d == nil {
		h.replyError(c, "", protocol.CodeDiagnosticsNotAvailable, errNoDiagnostics)
		return
	}
	sample, ok := d.Latest()
	if !ok {
		h.replyError(c, "", protocol.CodeDiagnosticsNotAvailable, errNoSample)
		return
	}
	h.reply(c, protocol.NewDiagnostics(sample))
}

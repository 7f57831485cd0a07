package protocol

import (
	"errors"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/sequence"
	"github.com/benchlab/benchd/internal/transport"
	"github.com/benchlab/benchd/internal/trigger"
)

// Wire error codes. These are stable strings shared with clients;
// never rename one.
const (
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	CodeDeviceNotFound        = "DEVICE_NOT_FOUND"
	CodeWrongDeviceType       = "WRONG_DEVICE_TYPE"
	CodeAlreadyRunning        = "ALREADY_RUNNING"
	CodeNotImplemented        = "NOT_IMPLEMENTED"
	CodeTransportDisconnected = "TRANSPORT_DISCONNECTED"

	CodeSubscribeFailed = "SUBSCRIBE_FAILED"
	CodeSetModeFailed   = "SET_MODE_FAILED"
	CodeSetOutputFailed = "SET_OUTPUT_FAILED"
	CodeSetValueFailed  = "SET_VALUE_FAILED"
	CodeListFailed      = "LIST_FAILED"

	CodeScopeControlFailed     = "SCOPE_CONTROL_FAILED"
	CodeScopeWaveformFailed    = "SCOPE_WAVEFORM_FAILED"
	CodeScopeMeasurementFailed = "SCOPE_MEASUREMENT_FAILED"
	CodeScopeScreenshotFailed  = "SCOPE_SCREENSHOT_FAILED"
	CodeScopeStreamFailed      = "SCOPE_STREAM_FAILED"

	CodeSequenceNotAvailable = "SEQUENCE_NOT_AVAILABLE"
	CodeSequenceSaveFailed   = "SEQUENCE_SAVE_FAILED"
	CodeSequenceUpdateFailed = "SEQUENCE_UPDATE_FAILED"
	CodeSequenceDeleteFailed = "SEQUENCE_DELETE_FAILED"
	CodeSequenceRunFailed    = "SEQUENCE_RUN_FAILED"

	CodeTriggerScriptNotAvailable = "TRIGGER_SCRIPT_NOT_AVAILABLE"
	CodeTriggerScriptSaveFailed   = "TRIGGER_SCRIPT_SAVE_FAILED"
	CodeTriggerScriptUpdateFailed = "TRIGGER_SCRIPT_UPDATE_FAILED"
	CodeTriggerScriptDeleteFailed = "TRIGGER_SCRIPT_DELETE_FAILED"
	CodeTriggerScriptRunFailed    = "TRIGGER_SCRIPT_RUN_FAILED"

	CodeDeviceAliasSetFailed   = "DEVICE_ALIAS_SET_FAILED"
	CodeDeviceAliasClearFailed = "DEVICE_ALIAS_CLEAR_FAILED"
	CodeSettingsExportFailed   = "SETTINGS_EXPORT_FAILED"
	CodeSettingsImportFailed   = "SETTINGS_IMPORT_FAILED"

	CodeDiagnosticsNotAvailable = "DIAGNOSTICS_NOT_AVAILABLE"
)

// CodeForError maps an internal error to its wire code, falling back
// to the operation-specific code when the error carries no more
// precise one. Routing errors, engine singleton rejections, transport
// disconnects and unimplemented driver operations all keep their
// dedicated codes so clients can react to them.
func CodeForError(err error, fallback string) string {
	switch {
	case errors.Is(err, manager.ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, manager.ErrWrongDeviceType):
		return CodeWrongDeviceType
	case errors.Is(err, sequence.ErrAlreadyRunning), errors.Is(err, trigger.ErrAlreadyRunning):
		return CodeAlreadyRunning
	}
	switch transport.CodeOf(err) {
	case transport.CodeTransportDisconnected, transport.CodeTransportClosed:
		return CodeTransportDisconnected
	}
	if driver.CodeOf(err) == driver.CodeNotImplemented {
		return CodeNotImplemented
	}
	return fallback
}

package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key events in benchd.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new EventLogger with JSON output to stdout
// at the given level.
func NewEventLogger(level slog.Level) *EventLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return &EventLogger{logger: slog.New(handler)}
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
// Useful for testing or redirecting output.
func NewEventLoggerWithWriter(level slog.Level, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &EventLogger{logger: slog.New(handler)}
}

// LogServerStarted logs server startup.
// event: "server_started"
// Attributes: addr, sim_mode, store_path
func (el *EventLogger) LogServerStarted(addr string, simMode bool, storePath string) {
	el.logger.Info("server_started",
		"addr", addr,
		"sim_mode", simMode,
		"store_path", storePath,
	)
}

// LogServerStopped logs server shutdown.
// event: "server_stopped"
// Attributes: reason
func (el *EventLogger) LogServerStopped(reason string) {
	el.logger.Info("server_stopped",
		"reason", reason,
	)
}

// LogDeviceConnected logs when a device session comes up.
// event: "device_connected"
// Attributes: device_id, port, device_type, model
func (el *EventLogger) LogDeviceConnected(deviceID, port, deviceType, model string) {
	el.logger.Info("device_connected",
		"device_id", deviceID,
		"port", port,
		"device_type", deviceType,
		"model", model,
	)
}

// LogDeviceDisconnected logs when a device session goes away.
// event: "device_disconnected"
// Attributes: device_id, reason, uptime_ms
func (el *EventLogger) LogDeviceDisconnected(deviceID, reason string, uptimeMs int64) {
	el.logger.Info("device_disconnected",
		"device_id", deviceID,
		"reason", reason,
		"uptime_ms", uptimeMs,
	)
}

// LogDeviceError logs a failed instrument operation.
// event: "device_error"
// Attributes: device_id, op, consecutive, error
func (el *EventLogger) LogDeviceError(deviceID, op string, consecutive int, err error) {
	el.logger.Warn("device_error",
		"device_id", deviceID,
		"op", op,
		"consecutive", consecutive,
		"error", err.Error(),
	)
}

// LogTransportError logs a serial transport failure.
// event: "transport_error"
// Attributes: port, op, code, error
func (el *EventLogger) LogTransportError(port, op, code string, err error) {
	el.logger.Warn("transport_error",
		"port", port,
		"op", op,
		"code", code,
		"error", err.Error(),
	)
}

// LogDiscoveryRound logs the outcome of a discovery pass.
// event: "discovery_round"
// Attributes: ports_scanned, devices_found, duration_ms
func (el *EventLogger) LogDiscoveryRound(portsScanned, devicesFound int, durationMs int64) {
	el.logger.Debug("discovery_round",
		"ports_scanned", portsScanned,
		"devices_found", devicesFound,
		"duration_ms", durationMs,
	)
}

// LogSequenceStarted logs the start of a sequence run.
// event: "sequence_started"
// Attributes: sequence_id, device_id, points, total_ms
func (el *EventLogger) LogSequenceStarted(sequenceID, deviceID string, points int, totalMs int64) {
	el.logger.Info("sequence_started",
		"sequence_id", sequenceID,
		"device_id", deviceID,
		"points", points,
		"total_ms", totalMs,
	)
}

// LogSequenceFinished logs normal sequence completion.
// event: "sequence_finished"
// Attributes: sequence_id, device_id, elapsed_ms, loops
func (el *EventLogger) LogSequenceFinished(sequenceID, deviceID string, elapsedMs int64, loops int) {
	el.logger.Info("sequence_finished",
		"sequence_id", sequenceID,
		"device_id", deviceID,
		"elapsed_ms", elapsedMs,
		"loops", loops,
	)
}

// LogSequenceAborted logs an aborted sequence run.
// event: "sequence_aborted"
// Attributes: sequence_id, device_id, reason
func (el *EventLogger) LogSequenceAborted(sequenceID, deviceID, reason string) {
	el.logger.Warn("sequence_aborted",
		"sequence_id", sequenceID,
		"device_id", deviceID,
		"reason", reason,
	)
}

// LogSequenceError logs a sequence run halted by a write failure.
// event: "sequence_error"
// Attributes: sequence_id, device_id, error
func (el *EventLogger) LogSequenceError(sequenceID, deviceID string, err error) {
	el.logger.Error("sequence_error",
		"sequence_id", sequenceID,
		"device_id", deviceID,
		"error", err.Error(),
	)
}

// LogScriptStarted logs the start of a trigger script.
// event: "script_started"
// Attributes: script_id, triggers
func (el *EventLogger) LogScriptStarted(scriptID string, triggers int) {
	el.logger.Info("script_started",
		"script_id", scriptID,
		"triggers", triggers,
	)
}

// LogScriptStopped logs when a trigger script stops.
// event: "script_stopped"
// Attributes: script_id, reason
func (el *EventLogger) LogScriptStopped(scriptID, reason string) {
	el.logger.Info("script_stopped",
		"script_id", scriptID,
		"reason", reason,
	)
}

// LogTriggerFired logs a trigger condition firing.
// event: "trigger_fired"
// Attributes: script_id, trigger_id, value, threshold
func (el *EventLogger) LogTriggerFired(scriptID, triggerID string, value, threshold float64) {
	el.logger.Info("trigger_fired",
		"script_id", scriptID,
		"trigger_id", triggerID,
		"value", value,
		"threshold", threshold,
	)
}

// LogActionError logs a trigger action that failed to apply.
// event: "action_error"
// Attributes: script_id, trigger_id, action, error
func (el *EventLogger) LogActionError(scriptID, triggerID, action string, err error) {
	el.logger.Warn("action_error",
		"script_id", scriptID,
		"trigger_id", triggerID,
		"action", action,
		"error", err.Error(),
	)
}

// LogClientConnected logs a new hub client.
// event: "client_connected"
// Attributes: client_id, remote_addr
func (el *EventLogger) LogClientConnected(clientID, remoteAddr string) {
	el.logger.Info("client_connected",
		"client_id", clientID,
		"remote_addr", remoteAddr,
	)
}

// LogClientDisconnected logs a hub client going away.
// event: "client_disconnected"
// Attributes: client_id, reason, dropped_updates
func (el *EventLogger) LogClientDisconnected(clientID, reason string, droppedUpdates int64) {
	el.logger.Info("client_disconnected",
		"client_id", clientID,
		"reason", reason,
		"dropped_updates", droppedUpdates,
	)
}

// LogClientError logs a protocol-level client error.
// event: "client_error"
// Attributes: client_id, code, error
func (el *EventLogger) LogClientError(clientID, code string, err error) {
	el.logger.Warn("client_error",
		"client_id", clientID,
		"code", code,
		"error", err.Error(),
	)
}

// LogStoreError logs a persistence failure.
// event: "store_error"
// Attributes: op, key, error
func (el *EventLogger) LogStoreError(op, key string, err error) {
	el.logger.Error("store_error",
		"op", op,
		"key", key,
		"error", err.Error(),
	)
}

// LogHealthSample logs one periodic process health reading.
// event: "health_sample"
// Attributes: cpu_percent, mem_rss_mb, goroutines, load_avg_1
func (el *EventLogger) LogHealthSample(cpuPercent, memRSSMB float64, goroutines int, loadAvg1 float64) {
	el.logger.Debug("health_sample",
		"cpu_percent", cpuPercent,
		"mem_rss_mb", memRSSMB,
		"goroutines", goroutines,
		"load_avg_1", loadAvg1,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex

	noopOnce   sync.Once
	noopLogger *EventLogger
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		noopLogger = &EventLogger{logger: slog.New(handler)}
	})
	return noopLogger
}

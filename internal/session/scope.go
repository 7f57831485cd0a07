package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/transport"
)

// ScopeSession owns one connected oscilloscope. Scopes are not polled
// for measurements; status fields refresh on a slow cadence and data
// moves on demand (captures, measurements, screenshots) or through an
// explicit streaming loop. At most one stream runs per scope.
type ScopeSession struct {
	cfg      *Config
	deviceID string

	log *events.EventLogger

	mu            sync.RWMutex
	drv           driver.ScopeDriver
	tr            transport.Transport
	portName      string
	info          driver.DeviceInfo
	caps          driver.Capabilities
	status        ConnectionStatus
	statusReason  string
	consecutive   int
	fields        driver.StatusFields
	lastSeenMs    int64
	connectedAtMs int64
	runCancel     context.CancelFunc
	runDone       chan struct{}

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	subs *fanout

	closed atomic.Bool

	nowFunc func() time.Time
}

// NewScope builds a scope session for an identified oscilloscope. The
// session starts in the disconnected state; call Start to begin the
// status poll.
func NewScope(cfg *Config, deviceID, portName string, info driver.DeviceInfo, drv driver.ScopeDriver, tr transport.Transport) (*ScopeSession, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, &Error{Op: "new", Err: errInvalidConfig}
	}
	if drv == nil || tr == nil {
		return nil, &Error{Op: "new", DeviceID: deviceID, Err: errInvalidConfig}
	}
	return &ScopeSession{
		cfg:      cfg,
		deviceID: deviceID,
		log:      events.GetGlobalEventLogger(),
		drv:      drv,
		tr:       tr,
		portName: portName,
		info:     info,
		caps:     drv.Capabilities(),
		status:   StatusDisconnected,
		fields:   make(driver.StatusFields),
		subs:     newFanout(),
		nowFunc:  time.Now,
	}, nil
}

// DeviceID returns the stable device identifier.
func (s *ScopeSession) DeviceID() string { return s.deviceID }

// PortName returns the serial port the scope is currently attached to.
func (s *ScopeSession) PortName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portName
}

// Info returns the parsed device identity.
func (s *ScopeSession) Info() driver.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Capabilities returns the matched capability profile.
func (s *ScopeSession) Capabilities() driver.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// Status returns the current connection status.
func (s *ScopeSession) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start launches the status poll loop and transitions to connected.
func (s *ScopeSession) Start() error {
	if s.closed.Load() {
		return &Error{Op: "start", DeviceID: s.deviceID, Err: ErrClosed}
	}
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done
	s.status = StatusConnected
	s.statusReason = ""
	s.consecutive = 0
	s.connectedAtMs = s.nowFunc().UnixMilli()
	drv, tr := s.drv, s.tr
	port, model := s.portName, s.info.Model
	s.mu.Unlock()

	s.log.LogDeviceConnected(s.deviceID, port, string(driver.DeviceTypeOscilloscope), model)
	s.emitStatus(StatusConnected, "")

	go func() {
		defer close(done)
		s.statusLoop(ctx, drv, tr)
	}()
	return nil
}

// Reattach swaps in a fresh transport and driver after a disconnect
// and resumes the status poll.
func (s *ScopeSession) Reattach(portName string, drv driver.ScopeDriver, tr transport.Transport) error {
	if s.closed.Load() {
		return &Error{Op: "reattach", DeviceID: s.deviceID, Err: ErrClosed}
	}
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return &Error{Op: "reattach", DeviceID: s.deviceID, Err: errorString("session still running")}
	}
	prevDone := s.runDone
	s.mu.Unlock()
	if prevDone != nil {
		<-prevDone
	}

	s.mu.Lock()
	s.portName = portName
	s.drv = drv
	s.tr = tr
	s.caps = drv.Capabilities()
	s.consecutive = 0
	s.mu.Unlock()
	return s.Start()
}

// Close stops the stream and status loop, closes the transport and
// emits a final disconnected status. Close is idempotent.
func (s *ScopeSession) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopStream()

	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	done := s.runDone
	tr := s.tr
	wasUp := s.status != StatusDisconnected
	var uptimeMs int64
	if wasUp {
		s.status = StatusDisconnected
		s.statusReason = "closed"
		uptimeMs = s.nowFunc().UnixMilli() - s.connectedAtMs
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return &Error{Op: "close", DeviceID: s.deviceID, Err: ctx.Err()}
		}
	}
	if tr != nil {
		tr.Close()
	}
	if wasUp {
		s.log.LogDeviceDisconnected(s.deviceID, "closed", uptimeMs)
		s.emitStatus(StatusDisconnected, "closed")
	}
	return nil
}

// Snapshot returns a point-in-time copy of the scope state.
func (s *ScopeSession) Snapshot() DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DeviceState{
		DeviceID:          s.deviceID,
		PortName:          s.portName,
		Info:              s.info,
		Capabilities:      s.caps,
		Status:            s.status,
		ConsecutiveErrors: s.consecutive,
		StatusFields:      s.fields.Copy(),
		LastSeenMs:        s.lastSeenMs,
	}
}

// Subscribe registers sink for updates; the first update is a full
// state snapshot.
func (s *ScopeSession) Subscribe(sink Sink) {
	s.subs.subscribe(sink, func() Update {
		snap := s.Snapshot()
		return Update{
			Kind:        UpdateSnapshot,
			DeviceID:    s.deviceID,
			TimestampMs: s.nowFunc().UnixMilli(),
			State:       &snap,
		}
	})
}

// Unsubscribe removes sink.
func (s *ScopeSession) Unsubscribe(sink Sink) {
	s.subs.unsubscribe(sink)
}

// SubscriberCount reports the number of attached sinks.
func (s *ScopeSession) SubscriberCount() int {
	return s.subs.subscriberCount()
}

// DroppedUpdates reports the cumulative updates dropped by slow sinks.
func (s *ScopeSession) DroppedUpdates() int64 {
	return s.subs.droppedTotal()
}

// Streaming reports whether a waveform stream is active.
func (s *ScopeSession) Streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamCancel != nil
}

// statusLoop refreshes status fields on the scope cadence until ctx is
// cancelled or the transport latches a disconnect.
func (s *ScopeSession) statusLoop(ctx context.Context, drv driver.ScopeDriver, tr transport.Transport) {
	interval := time.Duration(s.cfg.ScopePollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !s.refreshOnce(ctx, drv, tr) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.refreshOnce(ctx, drv, tr) {
				return
			}
		}
	}
}

func (s *ScopeSession) refreshOnce(ctx context.Context, drv driver.ScopeDriver, tr transport.Transport) bool {
	fields, err := drv.ReadStatusFields(ctx)
	now := s.nowFunc().UnixMilli()
	if err != nil {
		return s.handlePollError(ctx, tr, "readStatus", err)
	}

	s.mu.Lock()
	s.consecutive = 0
	recovered := s.status == StatusError
	if recovered {
		s.status = StatusConnected
		s.statusReason = ""
	}
	diff := s.fields.Diff(fields)
	s.fields = fields
	s.lastSeenMs = now
	s.mu.Unlock()

	if recovered {
		s.emitStatus(StatusConnected, "")
	}
	if len(diff) > 0 {
		s.emitStatusDiff(diff)
	}
	return true
}

func (s *ScopeSession) handlePollError(ctx context.Context, tr transport.Transport, op string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	code := transport.CodeOf(err)
	if code == transport.CodeTransportClosed {
		return false
	}
	if code == transport.CodeTransportDisconnected || !tr.Connected() {
		s.latchDisconnect(tr, "transport disconnected")
		return false
	}

	s.mu.Lock()
	s.consecutive++
	n := s.consecutive
	crossed := n == s.cfg.ErrorThreshold && s.status == StatusConnected
	if crossed {
		s.status = StatusError
		s.statusReason = err.Error()
	}
	s.mu.Unlock()

	s.log.LogDeviceError(s.deviceID, op, n, err)
	if crossed {
		s.emitStatus(StatusError, err.Error())
	}
	return true
}

func (s *ScopeSession) latchDisconnect(tr transport.Transport, reason string) {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	s.statusReason = reason
	uptimeMs := s.nowFunc().UnixMilli() - s.connectedAtMs
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	s.stopStream()
	s.log.LogDeviceDisconnected(s.deviceID, reason, uptimeMs)
	s.emitStatus(StatusDisconnected, reason)
	if cancel != nil {
		cancel()
	}
	tr.Close()
}

// guard rejects on-demand operations unless the scope is reachable.
func (s *ScopeSession) guard(op string) (driver.ScopeDriver, error) {
	if s.closed.Load() {
		return nil, &Error{Op: op, DeviceID: s.deviceID, Err: ErrClosed}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusDisconnected {
		return nil, &Error{Op: op, DeviceID: s.deviceID, Err: ErrNotConnected}
	}
	return s.drv, nil
}

// CaptureWaveform captures the requested channels, or every displayed
// channel when channels is empty.
func (s *ScopeSession) CaptureWaveform(ctx context.Context, channels []int) ([]driver.Waveform, error) {
	drv, err := s.guard("captureWaveform")
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		channels = s.displayedChannels()
	}
	out := make([]driver.Waveform, 0, len(channels))
	for _, ch := range channels {
		wf, err := drv.ReadWaveform(ctx, ch)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// displayedChannels lists the channels whose display is on, falling
// back to channel 1 when the cache is empty.
func (s *ScopeSession) displayedChannels() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for ch := 1; ch <= s.caps.Channels; ch++ {
		if s.fields[chKey(ch)] == "on" {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		out = []int{1}
	}
	return out
}

func chKey(ch int) string {
	return "ch" + strconv.Itoa(ch)
}

// ReadMeasurements reads the automatic measurements for all displayed
// channels.
func (s *ScopeSession) ReadMeasurements(ctx context.Context) ([]driver.ScopeMeasurement, error) {
	drv, err := s.guard("readScopeMeasurements")
	if err != nil {
		return nil, err
	}
	return drv.ReadScopeMeasurements(ctx)
}

// ReadMeasurement reads one named measurement from one channel.
func (s *ScopeSession) ReadMeasurement(ctx context.Context, channel int, kind string) (driver.ScopeMeasurement, error) {
	drv, err := s.guard("readMeasurement")
	if err != nil {
		return driver.ScopeMeasurement{}, err
	}
	return drv.ReadMeasurement(ctx, channel, kind)
}

// Screenshot returns a PNG of the display.
func (s *ScopeSession) Screenshot(ctx context.Context) ([]byte, error) {
	drv, err := s.guard("screenshot")
	if err != nil {
		return nil, err
	}
	return drv.Screenshot(ctx)
}

// SetRunState starts or stops acquisition.
func (s *ScopeSession) SetRunState(ctx context.Context, running bool) error {
	return s.command(ctx, "setRunState", func(drv driver.ScopeDriver) error {
		return drv.SetRunState(ctx, running)
	})
}

// Single arms a single-shot acquisition.
func (s *ScopeSession) Single(ctx context.Context) error {
	return s.command(ctx, "single", func(drv driver.ScopeDriver) error {
		return drv.Single(ctx)
	})
}

// AutoSetup asks the instrument to pick display settings for the
// applied signals.
func (s *ScopeSession) AutoSetup(ctx context.Context) error {
	return s.command(ctx, "autoSetup", func(drv driver.ScopeDriver) error {
		return drv.AutoSetup(ctx)
	})
}

// SetChannelEnabled shows or hides a channel.
func (s *ScopeSession) SetChannelEnabled(ctx context.Context, channel int, enabled bool) error {
	return s.command(ctx, "setChannelEnabled", func(drv driver.ScopeDriver) error {
		return drv.SetChannelEnabled(ctx, channel, enabled)
	})
}

// SetTimebase programs seconds per division.
func (s *ScopeSession) SetTimebase(ctx context.Context, secondsPerDiv float64) error {
	return s.command(ctx, "setTimebase", func(drv driver.ScopeDriver) error {
		return drv.SetTimebase(ctx, secondsPerDiv)
	})
}

// SetChannelScale programs volts per division for a channel.
func (s *ScopeSession) SetChannelScale(ctx context.Context, channel int, voltsPerDiv float64) error {
	return s.command(ctx, "setChannelScale", func(drv driver.ScopeDriver) error {
		return drv.SetChannelScale(ctx, channel, voltsPerDiv)
	})
}

// SetTriggerLevel programs the edge trigger source and level.
func (s *ScopeSession) SetTriggerLevel(ctx context.Context, channel int, level float64) error {
	return s.command(ctx, "setTriggerLevel", func(drv driver.ScopeDriver) error {
		return drv.SetTriggerLevel(ctx, channel, level)
	})
}

// command runs one mutating scope call and refreshes status fields
// immediately after so subscribers converge without waiting a tick.
func (s *ScopeSession) command(ctx context.Context, op string, fn func(driver.ScopeDriver) error) error {
	drv, err := s.guard(op)
	if err != nil {
		return err
	}
	if err := fn(drv); err != nil {
		return err
	}
	s.mu.RLock()
	tr := s.tr
	s.mu.RUnlock()
	s.refreshOnce(ctx, drv, tr)
	return nil
}

// StartStreaming begins periodic waveform and measurement capture.
// intervalMs is clamped to the configured floor. One stream per scope.
func (s *ScopeSession) StartStreaming(ctx context.Context, channels []int, intervalMs int64) error {
	drv, err := s.guard("startStreaming")
	if err != nil {
		return err
	}
	if intervalMs < s.cfg.MinStreamIntervalMs {
		intervalMs = s.cfg.MinStreamIntervalMs
	}
	if len(channels) == 0 {
		channels = s.displayedChannels()
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamCancel != nil {
		return &Error{Op: "startStreaming", DeviceID: s.deviceID, Err: ErrStreamRunning}
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.streamCancel = cancel
	s.streamDone = done
	go func() {
		defer close(done)
		s.streamLoop(streamCtx, drv, channels, intervalMs)
	}()
	return nil
}

// StopStreaming cancels the active stream.
func (s *ScopeSession) StopStreaming() error {
	s.streamMu.Lock()
	cancel := s.streamCancel
	done := s.streamDone
	s.streamCancel = nil
	s.streamDone = nil
	s.streamMu.Unlock()
	if cancel == nil {
		return &Error{Op: "stopStreaming", DeviceID: s.deviceID, Err: ErrNoStream}
	}
	cancel()
	<-done
	return nil
}

// stopStream tears down the stream during disconnect or close.
func (s *ScopeSession) stopStream() {
	s.streamMu.Lock()
	cancel := s.streamCancel
	done := s.streamDone
	s.streamCancel = nil
	s.streamDone = nil
	s.streamMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *ScopeSession) streamLoop(ctx context.Context, drv driver.ScopeDriver, channels []int, intervalMs int64) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.streamOnce(ctx, drv, channels)
		}
	}
}

func (s *ScopeSession) streamOnce(ctx context.Context, drv driver.ScopeDriver, channels []int) {
	waveforms := make([]driver.Waveform, 0, len(channels))
	for _, ch := range channels {
		wf, err := drv.ReadWaveform(ctx, ch)
		if err != nil {
			s.log.LogDeviceError(s.deviceID, "streamWaveform", 0, err)
			return
		}
		waveforms = append(waveforms, wf)
	}
	now := s.nowFunc().UnixMilli()
	s.subs.publish(Update{
		Kind:        UpdateWaveform,
		DeviceID:    s.deviceID,
		TimestampMs: now,
		Waveforms:   waveforms,
	})

	meas, err := drv.ReadScopeMeasurements(ctx)
	if err != nil {
		s.log.LogDeviceError(s.deviceID, "streamMeasurements", 0, err)
		return
	}
	if len(meas) > 0 {
		s.subs.publish(Update{
			Kind:              UpdateScopeMeasurements,
			DeviceID:          s.deviceID,
			TimestampMs:       now,
			ScopeMeasurements: meas,
		})
	}
}

func (s *ScopeSession) emitStatus(st ConnectionStatus, reason string) {
	s.subs.publish(Update{
		Kind:         UpdateConnectionStatus,
		DeviceID:     s.deviceID,
		TimestampMs:  s.nowFunc().UnixMilli(),
		Status:       st,
		StatusReason: reason,
	})
}

func (s *ScopeSession) emitStatusDiff(diff driver.StatusFields) {
	s.subs.publish(Update{
		Kind:        UpdateStatusDiff,
		DeviceID:    s.deviceID,
		TimestampMs: s.nowFunc().UnixMilli(),
		StatusDiff:  diff,
	})
}

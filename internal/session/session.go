package session

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/transport"
)

// writeChBuffer bounds queued write requests per session.
const writeChBuffer = 64

type writeOp int

const (
	opSetValue writeOp = iota
	opSetOutput
	opSetMode
	opStartList
	opStopList
)

// writeRequest is one unit of work for the writer goroutine. done is
// buffered with capacity 1 and receives exactly one reply; it is nil
// for debounced setpoint writes, which have no waiter.
type writeRequest struct {
	op        writeOp
	kind      driver.ValueKind
	value     float64
	immediate bool
	on        bool
	mode      driver.LoadMode
	done      chan error
}

func (r *writeRequest) reply(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// pendingWrite is a coalesced setpoint awaiting its debounce deadline.
type pendingWrite struct {
	value      float64
	deadlineMs int64
}

// Session owns one connected power supply or electronic load: it polls
// measurements on a fixed cadence, refreshes status fields every few
// ticks, coalesces setpoint writes through a debounce window, retains
// a measurement history ring and fans updates out to subscribers.
//
// All instrument I/O happens on the session's two goroutines (poll
// loop and writer loop); external callers enqueue work or read copies.
type Session struct {
	cfg      *Config
	deviceID string

	log *events.EventLogger

	mu            sync.RWMutex
	drv           driver.Driver
	tr            transport.Transport
	portName      string
	info          driver.DeviceInfo
	caps          driver.Capabilities
	status        ConnectionStatus
	statusReason  string
	consecutive   int
	meas          driver.Measurements
	fields        driver.StatusFields
	setpoints     map[driver.ValueKind]float64
	lastSeenMs    int64
	connectedAtMs int64
	hist          *history
	writeCh       chan *writeRequest
	runCancel     context.CancelFunc
	runDone       chan struct{}

	subs *fanout

	closed     atomic.Bool
	refreshNow atomic.Bool

	nowFunc func() time.Time
}

// New builds a session for an identified device. The session starts in
// the disconnected state; call Start to begin polling.
func New(cfg *Config, deviceID, portName string, info driver.DeviceInfo, drv driver.Driver, tr transport.Transport) (*Session, error) {
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
	return &Session{
		cfg:       cfg,
		deviceID:  deviceID,
		log:       events.GetGlobalEventLogger(),
		drv:       drv,
		tr:        tr,
		portName:  portName,
		info:      info,
		caps:      drv.Capabilities(),
		status:    StatusDisconnected,
		fields:    make(driver.StatusFields),
		setpoints: make(map[driver.ValueKind]float64),
		hist:      newHistory(cfg.HistoryRetentionMs, cfg.PollIntervalMs),
		subs:      newFanout(),
		nowFunc:   time.Now,
	}, nil
}

// DeviceID returns the stable device identifier.
func (s *Session) DeviceID() string { return s.deviceID }

// PortName returns the serial port the device is currently attached to.
func (s *Session) PortName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portName
}

// Info returns the parsed device identity.
func (s *Session) Info() driver.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Capabilities returns the matched capability profile.
func (s *Session) Capabilities() driver.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// Status returns the current connection status.
func (s *Session) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start launches the poll and writer loops and transitions the session
// to connected. Starting a running session is a no-op.
func (s *Session) Start() error {
	if s.closed.Load() {
		return &Error{Op: "start", DeviceID: s.deviceID, Err: ErrClosed}
	}
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	writeCh := make(chan *writeRequest, writeChBuffer)
	done := make(chan struct{})
	s.runCancel = cancel
	s.writeCh = writeCh
	s.runDone = done
	s.status = StatusConnected
	s.statusReason = ""
	s.consecutive = 0
	s.connectedAtMs = s.nowFunc().UnixMilli()
	drv, tr := s.drv, s.tr
	port, model, devType := s.portName, s.info.Model, s.caps.DeviceType
	s.mu.Unlock()

	s.log.LogDeviceConnected(s.deviceID, port, string(devType), model)
	s.emitStatus(StatusConnected, "")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pollLoop(ctx, drv, tr)
	}()
	go func() {
		defer wg.Done()
		s.writerLoop(ctx, drv, writeCh)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Reattach swaps in a fresh transport and driver after a disconnect
// and resumes polling. State, history and subscribers are retained.
func (s *Session) Reattach(portName string, drv driver.Driver, tr transport.Transport) error {
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

// Close stops the loops, closes the transport and emits a final
// disconnected status. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
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

// Snapshot returns a point-in-time copy of the device state.
func (s *Session) Snapshot() DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() DeviceState {
	sp := make(map[driver.ValueKind]float64, len(s.setpoints))
	for k, v := range s.setpoints {
		sp[k] = v
	}
	return DeviceState{
		DeviceID:          s.deviceID,
		PortName:          s.portName,
		Info:              s.info,
		Capabilities:      s.caps,
		Status:            s.status,
		ConsecutiveErrors: s.consecutive,
		Measurements:      s.meas,
		StatusFields:      s.fields.Copy(),
		Setpoints:         sp,
		LastSeenMs:        s.lastSeenMs,
	}
}

// History returns retained measurement samples at or after sinceMs.
func (s *Session) History(sinceMs int64) []HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.since(sinceMs)
}

// Subscribe registers sink for updates. The sink's first update is a
// full state snapshot; deltas follow in publish order.
func (s *Session) Subscribe(sink Sink) {
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
func (s *Session) Unsubscribe(sink Sink) {
	s.subs.unsubscribe(sink)
}

// SubscriberCount reports the number of attached sinks.
func (s *Session) SubscriberCount() int {
	return s.subs.subscriberCount()
}

// DroppedUpdates reports the cumulative updates dropped by slow sinks.
func (s *Session) DroppedUpdates() int64 {
	return s.subs.droppedTotal()
}

// SetValue programs a setpoint. With immediate=false the write is
// coalesced through the debounce window, newest value wins, and the
// call returns once the request is queued. With immediate=true the
// write bypasses the debounce window, supersedes any pending write for
// the same kind and the call reports the driver result.
func (s *Session) SetValue(ctx context.Context, kind driver.ValueKind, value float64, immediate bool) error {
	if s.closed.Load() {
		return &Error{Op: "setValue", DeviceID: s.deviceID, Err: ErrClosed}
	}
	s.mu.RLock()
	status := s.status
	caps := s.caps
	s.mu.RUnlock()
	if status == StatusDisconnected {
		return &Error{Op: "setValue", DeviceID: s.deviceID, Err: ErrNotConnected}
	}
	if err := driver.ValidateSetpoint(caps, kind, value); err != nil {
		return err
	}
	req := &writeRequest{op: opSetValue, kind: kind, value: value, immediate: immediate}
	if immediate {
		req.done = make(chan error, 1)
	}
	runDone, err := s.enqueue(ctx, "setValue", req)
	if err != nil {
		return err
	}
	if !immediate {
		return nil
	}
	return s.await(ctx, "setValue", req, runDone)
}

// SetOutput switches the output (input, for loads). Any pending
// setpoint writes are flushed first so the switch acts on the final
// values.
func (s *Session) SetOutput(ctx context.Context, on bool) error {
	return s.roundTrip(ctx, "setOutput", &writeRequest{op: opSetOutput, on: on, done: make(chan error, 1)})
}

// SetMode switches an electronic load's operating mode. If the input
// is on it is switched off first.
func (s *Session) SetMode(ctx context.Context, mode driver.LoadMode) error {
	return s.roundTrip(ctx, "setMode", &writeRequest{op: opSetMode, mode: mode, done: make(chan error, 1)})
}

// StartList forwards a hardware list mode start to the driver.
func (s *Session) StartList(ctx context.Context) error {
	return s.roundTrip(ctx, "startList", &writeRequest{op: opStartList, done: make(chan error, 1)})
}

// StopList forwards a hardware list mode stop to the driver.
func (s *Session) StopList(ctx context.Context) error {
	return s.roundTrip(ctx, "stopList", &writeRequest{op: opStopList, done: make(chan error, 1)})
}

func (s *Session) roundTrip(ctx context.Context, op string, req *writeRequest) error {
	if s.closed.Load() {
		return &Error{Op: op, DeviceID: s.deviceID, Err: ErrClosed}
	}
	if s.Status() == StatusDisconnected {
		return &Error{Op: op, DeviceID: s.deviceID, Err: ErrNotConnected}
	}
	runDone, err := s.enqueue(ctx, op, req)
	if err != nil {
		return err
	}
	return s.await(ctx, op, req, runDone)
}

// enqueue hands req to the writer goroutine. It returns the run's done
// channel so waiters do not hang if the loops stop.
func (s *Session) enqueue(ctx context.Context, op string, req *writeRequest) (chan struct{}, error) {
	s.mu.RLock()
	ch := s.writeCh
	done := s.runDone
	s.mu.RUnlock()
	if ch == nil {
		return nil, &Error{Op: op, DeviceID: s.deviceID, Err: ErrNotConnected}
	}
	select {
	case ch <- req:
		return done, nil
	case <-done:
		return nil, &Error{Op: op, DeviceID: s.deviceID, Err: ErrNotConnected}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) await(ctx context.Context, op string, req *writeRequest, runDone chan struct{}) error {
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-runDone:
		// The loops stopped; the writer may still have replied first.
		select {
		case err := <-req.done:
			return err
		default:
			return &Error{Op: op, DeviceID: s.deviceID, Err: ErrNotConnected}
		}
	}
}

// pollLoop reads measurements every tick and status fields every
// StatusRefreshTicks ticks (or sooner after a write). It exits when
// ctx is cancelled or the transport latches a disconnect.
func (s *Session) pollLoop(ctx context.Context, drv driver.Driver, tr transport.Transport) {
	interval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !s.pollOnce(ctx, drv, tr, true) {
		return
	}
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			refresh := tick%s.cfg.StatusRefreshTicks == 0
			if s.refreshNow.CompareAndSwap(true, false) {
				refresh = true
			}
			if !s.pollOnce(ctx, drv, tr, refresh) {
				return
			}
		}
	}
}

// pollOnce performs one measurement read and optional status refresh.
// It returns false when polling must stop.
func (s *Session) pollOnce(ctx context.Context, drv driver.Driver, tr transport.Transport, refresh bool) bool {
	m, err := drv.ReadMeasurements(ctx)
	if err != nil {
		return s.handlePollError(ctx, tr, "readMeasurements", err)
	}
	ts := m.TimestampMs
	if ts == 0 {
		ts = s.nowFunc().UnixMilli()
		m.TimestampMs = ts
	}

	s.mu.Lock()
	s.consecutive = 0
	recovered := s.status == StatusError
	if recovered {
		s.status = StatusConnected
		s.statusReason = ""
	}
	s.meas = m
	s.lastSeenMs = ts
	s.hist.append(HistoryPoint{TimestampMs: ts, Voltage: m.Voltage, Current: m.Current, Power: m.Power})
	s.mu.Unlock()

	if recovered {
		s.emitStatus(StatusConnected, "")
	}
	s.subs.publish(Update{
		Kind:         UpdateMeasurements,
		DeviceID:     s.deviceID,
		TimestampMs:  ts,
		Measurements: &m,
	})

	if refresh {
		return s.refreshStatus(ctx, drv, tr)
	}
	return true
}

// refreshStatus reads the slow-changing fields, diffs them against the
// cache and publishes only the changes.
func (s *Session) refreshStatus(ctx context.Context, drv driver.Driver, tr transport.Transport) bool {
	fields, err := drv.ReadStatusFields(ctx)
	if err != nil {
		return s.handlePollError(ctx, tr, "readStatus", err)
	}

	s.mu.Lock()
	diff := s.fields.Diff(fields)
	s.fields = fields
	s.syncSetpointsLocked(fields)
	s.mu.Unlock()

	if len(diff) > 0 {
		s.emitStatusDiff(diff)
	}
	return true
}

// syncSetpointsLocked refreshes the numeric setpoint view from the
// instrument-reported fields, picking up front-panel changes.
func (s *Session) syncSetpointsLocked(fields driver.StatusFields) {
	for kind := range s.caps.Setpoints {
		raw, ok := fields[string(kind)+"Setpoint"]
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			s.setpoints[kind] = v
		}
	}
}

// handlePollError escalates consecutive failures to the error status
// and latches transport-level disconnects. It returns false when
// polling must stop.
func (s *Session) handlePollError(ctx context.Context, tr transport.Transport, op string, err error) bool {
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

// latchDisconnect transitions to disconnected, stops both loops and
// releases the port so discovery can reopen it.
func (s *Session) latchDisconnect(tr transport.Transport, reason string) {
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

	s.log.LogDeviceDisconnected(s.deviceID, reason, uptimeMs)
	s.emitStatus(StatusDisconnected, reason)
	if cancel != nil {
		cancel()
	}
	tr.Close()
}

// writerLoop owns the debounce window and performs every mutating
// driver call, so writes never interleave and FIFO order is kept for
// immediate requests.
func (s *Session) writerLoop(ctx context.Context, drv driver.Driver, writeCh chan *writeRequest) {
	pending := make(map[driver.ValueKind]pendingWrite)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer func() {
		timer.Stop()
		for {
			select {
			case req := <-writeCh:
				req.reply(&Error{Op: "write", DeviceID: s.deviceID, Err: ErrNotConnected})
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-writeCh:
			s.handleWrite(ctx, drv, req, pending)
			s.rearm(timer, pending)
		case <-timer.C:
			s.flushPending(ctx, drv, pending, true)
			s.rearm(timer, pending)
		}
	}
}

// rearm points timer at the earliest pending deadline.
func (s *Session) rearm(timer *time.Timer, pending map[driver.ValueKind]pendingWrite) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if len(pending) == 0 {
		return
	}
	nowMs := s.nowFunc().UnixMilli()
	var minMs int64 = -1
	for _, pw := range pending {
		if minMs < 0 || pw.deadlineMs < minMs {
			minMs = pw.deadlineMs
		}
	}
	d := time.Duration(minMs-nowMs) * time.Millisecond
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (s *Session) handleWrite(ctx context.Context, drv driver.Driver, req *writeRequest, pending map[driver.ValueKind]pendingWrite) {
	switch req.op {
	case opSetValue:
		if req.immediate {
			delete(pending, req.kind)
			req.reply(s.applySetValue(ctx, drv, req.kind, req.value))
			return
		}
		pending[req.kind] = pendingWrite{
			value:      req.value,
			deadlineMs: s.nowFunc().UnixMilli() + s.cfg.SetpointDebounceMs,
		}
	case opSetOutput:
		s.flushPending(ctx, drv, pending, false)
		req.reply(s.applySetOutput(ctx, drv, req.on))
	case opSetMode:
		s.flushPending(ctx, drv, pending, false)
		if s.outputOn() {
			if err := s.applySetOutput(ctx, drv, false); err != nil {
				req.reply(err)
				return
			}
		}
		req.reply(s.applySetMode(ctx, drv, req.mode))
	case opStartList:
		req.reply(drv.StartList(ctx))
	case opStopList:
		req.reply(drv.StopList(ctx))
	}
}

// flushPending writes coalesced setpoints. With onlyDue it flushes
// just the kinds whose debounce deadline has passed.
func (s *Session) flushPending(ctx context.Context, drv driver.Driver, pending map[driver.ValueKind]pendingWrite, onlyDue bool) {
	if len(pending) == 0 {
		return
	}
	nowMs := s.nowFunc().UnixMilli()
	kinds := make([]driver.ValueKind, 0, len(pending))
	for kind, pw := range pending {
		if onlyDue && pw.deadlineMs > nowMs {
			continue
		}
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		pw := pending[kind]
		delete(pending, kind)
		if err := s.applySetValue(ctx, drv, kind, pw.value); err != nil {
			s.log.LogDeviceError(s.deviceID, "flushSetpoint", 0, err)
		}
	}
}

// applySetValue writes one setpoint and, on success, updates the
// cached views and publishes the change.
func (s *Session) applySetValue(ctx context.Context, drv driver.Driver, kind driver.ValueKind, value float64) error {
	if err := drv.SetValue(ctx, kind, value); err != nil {
		return err
	}
	key := string(kind) + "Setpoint"
	str := driver.FormatValue(kind, value)

	s.mu.Lock()
	s.setpoints[kind] = value
	changed := s.fields[key] != str
	s.fields[key] = str
	s.mu.Unlock()

	if changed {
		s.emitStatusDiff(driver.StatusFields{key: str})
	}
	s.refreshNow.Store(true)
	return nil
}

// switchKey is the status field holding the output relay state:
// "input" on electronic loads, "output" everywhere else.
func (s *Session) switchKey() string {
	if s.caps.DeviceType == driver.DeviceTypeElectronicLoad {
		return "input"
	}
	return "output"
}

// outputOn reports the cached switch state.
func (s *Session) outputOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fields[s.switchKey()] == "on"
}

func (s *Session) applySetOutput(ctx context.Context, drv driver.Driver, on bool) error {
	if err := drv.SetOutput(ctx, on); err != nil {
		return err
	}
	key := s.switchKey()
	val := "off"
	if on {
		val = "on"
	}

	s.mu.Lock()
	changed := s.fields[key] != val
	s.fields[key] = val
	s.mu.Unlock()

	if changed {
		s.emitStatusDiff(driver.StatusFields{key: val})
	}
	s.refreshNow.Store(true)
	return nil
}

func (s *Session) applySetMode(ctx context.Context, drv driver.Driver, mode driver.LoadMode) error {
	if err := drv.SetMode(ctx, mode); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.fields["mode"] != string(mode)
	s.fields["mode"] = string(mode)
	s.mu.Unlock()

	if changed {
		s.emitStatusDiff(driver.StatusFields{"mode": string(mode)})
	}
	s.refreshNow.Store(true)
	return nil
}

func (s *Session) emitStatus(st ConnectionStatus, reason string) {
	s.subs.publish(Update{
		Kind:         UpdateConnectionStatus,
		DeviceID:     s.deviceID,
		TimestampMs:  s.nowFunc().UnixMilli(),
		Status:       st,
		StatusReason: reason,
	})
}

func (s *Session) emitStatusDiff(diff driver.StatusFields) {
	s.subs.publish(Update{
		Kind:        UpdateStatusDiff,
		DeviceID:    s.deviceID,
		TimestampMs: s.nowFunc().UnixMilli(),
		StatusDiff:  diff,
	})
}

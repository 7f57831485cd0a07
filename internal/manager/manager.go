// Package manager owns the set of device sessions and the discovery
// loop that keeps it in line with the serial ports that are present.
//
// Discovery never removes a session: a device that stops answering is
// latched disconnected by its session and reclaims its identity (state,
// history, subscribers) when it reappears on any port. Two concurrently
// connected units with the same identity get numeric suffixes.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/events"
	"github.com/benchlab/benchd/internal/otel"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/transport"
)

// entry binds a device identity to its session. Exactly one of dev and
// scope is set, by device type.
type entry struct {
	id    string
	dev   *session.Session
	scope *session.ScopeSession
}

func (e *entry) status() session.ConnectionStatus {
	if e.scope != nil {
		return e.scope.Status()
	}
	return e.dev.Status()
}

func (e *entry) portName() string {
	if e.scope != nil {
		return e.scope.PortName()
	}
	return e.dev.PortName()
}

func (e *entry) deviceType() driver.DeviceType {
	if e.scope != nil {
		return driver.DeviceTypeOscilloscope
	}
	return e.dev.Capabilities().DeviceType
}

func (e *entry) snapshot() session.DeviceState {
	if e.scope != nil {
		return e.scope.Snapshot()
	}
	return e.dev.Snapshot()
}

func (e *entry) summary() DeviceSummary {
	st := e.snapshot()
	return DeviceSummary{
		DeviceID:     st.DeviceID,
		PortName:     st.PortName,
		Info:         st.Info,
		Capabilities: st.Capabilities,
		Status:       st.Status,
	}
}

func (e *entry) subscribe(sink session.Sink) {
	if e.scope != nil {
		e.scope.Subscribe(sink)
		return
	}
	e.dev.Subscribe(sink)
}

func (e *entry) unsubscribe(sink session.Sink) {
	if e.scope != nil {
		e.scope.Unsubscribe(sink)
		return
	}
	e.dev.Unsubscribe(sink)
}

func (e *entry) subscriberCount() int {
	if e.scope != nil {
		return e.scope.SubscriberCount()
	}
	return e.dev.SubscriberCount()
}

func (e *entry) droppedUpdates() int64 {
	if e.scope != nil {
		return e.scope.DroppedUpdates()
	}
	return e.dev.DroppedUpdates()
}

func (e *entry) close(ctx context.Context) error {
	if e.scope != nil {
		return e.scope.Close(ctx)
	}
	return e.dev.Close(ctx)
}

// changeSink feeds device list change notifications off the sessions'
// connection status transitions.
type changeSink struct {
	m *Manager
}

func (cs *changeSink) TrySend(u session.Update) bool {
	if u.Kind == session.UpdateConnectionStatus {
		cs.m.notifyListeners()
	}
	return true
}

// Manager discovers instruments and routes operations to their
// sessions.
type Manager struct {
	cfg *Config
	log *events.EventLogger

	mu      sync.RWMutex
	entries map[string]*entry

	// discoverMu serializes discovery rounds; entries are only
	// created or reattached while it is held.
	discoverMu sync.Mutex

	listenerMu sync.Mutex
	listeners  []func()

	changes *changeSink

	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   chan struct{}

	started atomic.Bool
	closed  atomic.Bool
}

// New builds a manager. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Registry == nil {
		c.Registry = driver.DefaultRegistry()
	}
	if c.Transport == (transport.Config{}) {
		c.Transport = transport.DefaultConfig()
	}
	if c.Session == nil {
		c.Session = session.DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       &c,
		log:       events.GetGlobalEventLogger(),
		entries:   make(map[string]*entry),
		runCtx:    ctx,
		runCancel: cancel,
		stopped:   make(chan struct{}),
	}
	m.changes = &changeSink{m: m}
	return m, nil
}

// Start launches the periodic discovery loop. The first round runs
// immediately.
func (m *Manager) Start() error {
	if m.closed.Load() {
		return &Error{Op: "start", Err: ErrClosed}
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	go m.run()
	return nil
}

func (m *Manager) run() {
	defer close(m.stopped)

	if err := m.Discover(m.runCtx); err != nil && m.runCtx.Err() == nil {
		m.log.LogTransportError("", "enumerate", "", err)
	}
	ticker := time.NewTicker(time.Duration(m.cfg.DiscoveryIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			if err := m.Discover(m.runCtx); err != nil && m.runCtx.Err() == nil {
				m.log.LogTransportError("", "enumerate", "", err)
			}
		}
	}
}

// Close stops discovery and shuts down every session. It is
// idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.runCancel()
	if m.started.Load() {
		select {
		case <-m.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnDeviceListChanged registers fn to run whenever the device list
// changes: a device appears, reattaches or changes connection status.
// Callbacks must not block.
func (m *Manager) OnDeviceListChanged(fn func()) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

func (m *Manager) notifyListeners() {
	m.listenerMu.Lock()
	fns := make([]func(), len(m.listeners))
	copy(fns, m.listeners)
	m.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Discover runs one discovery round: enumerate ports, identify
// whatever answers on unclaimed ones and create or reattach sessions.
// Rounds are serialized; concurrent calls queue up.
func (m *Manager) Discover(ctx context.Context) error {
	if m.closed.Load() {
		return &Error{Op: "discover", Err: ErrClosed}
	}
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()

	start := time.Now()
	ports, err := m.cfg.Enumerator.List()
	if err != nil {
		return &Error{Op: "discover", Err: err}
	}

	bound := m.boundPorts()
	found := 0
	changed := false
	for _, port := range ports {
		if ctx.Err() != nil {
			return &Error{Op: "discover", Err: ctx.Err()}
		}
		if bound[port] {
			continue
		}
		ok, chg := m.probePort(ctx, port)
		if ok {
			found++
		}
		if chg {
			changed = true
		}
	}
	m.log.LogDiscoveryRound(len(ports), found, time.Since(start).Milliseconds())
	if om := otel.GetGlobalMetrics(); om != nil {
		om.SetConnectedDevices(m.Stats().Connected)
	}
	if changed {
		m.notifyListeners()
	}
	return nil
}

// boundPorts returns the ports already owned by a live session. Ports
// of disconnected sessions are fair game: the device may have been
// replugged there.
func (m *Manager) boundPorts() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bound := make(map[string]bool, len(m.entries))
	for _, e := range m.entries {
		if e.status() != session.StatusDisconnected {
			bound[e.portName()] = true
		}
	}
	return bound
}

// probePort identifies the instrument on portName and adopts it. The
// first result reports whether an instrument answered, the second
// whether the device list changed.
func (m *Manager) probePort(ctx context.Context, portName string) (bool, bool) {
	port, err := m.cfg.Opener.Open(portName, m.cfg.BaudRate)
	if err != nil {
		m.log.LogTransportError(portName, "open", string(transport.CodePortOpenFailed), err)
		return false, false
	}
	tr, err := transport.NewSerialTransport(portName, port, m.cfg.Transport)
	if err != nil {
		port.Close()
		m.log.LogTransportError(portName, "open", string(transport.CodePortOpenFailed), err)
		return false, false
	}

	idCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.IdentifyTimeoutMs)*time.Millisecond)
	info, err := driver.Identify(idCtx, tr)
	cancel()
	if err != nil {
		// Silent ports are normal: not every serial device is an
		// instrument.
		tr.Close()
		return false, false
	}

	matcher, _ := m.cfg.Registry.Match(info)
	drv := matcher.New(tr, info)

	if drv.Capabilities().DeviceType == driver.DeviceTypeOscilloscope {
		sd, ok := drv.(driver.ScopeDriver)
		if !ok {
			m.log.LogTransportError(portName, "probe", string(driver.CodeUnsupportedOperation),
				fmt.Errorf("driver %s reports an oscilloscope without scope operations", matcher.Name))
			tr.Close()
			return false, false
		}
		return true, m.adoptScope(ctx, portName, info, sd, tr)
	}
	return true, m.adoptPower(ctx, portName, info, drv, tr)
}

// claim resolves the entry slot for an identified device. It returns
// the device ID to use and, when the identity already has a
// disconnected session of the same type, that entry for reattachment.
// Identities held by live sessions get a numeric suffix.
func (m *Manager) claim(base string, deviceType driver.DeviceType) (string, *entry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for n := 1; ; n++ {
		id := base
		if n > 1 {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		e, ok := m.entries[id]
		if !ok {
			return id, nil
		}
		if e.deviceType() == deviceType && e.status() == session.StatusDisconnected {
			return id, e
		}
	}
}

func (m *Manager) adoptPower(ctx context.Context, portName string, info driver.DeviceInfo, drv driver.Driver, tr transport.Transport) bool {
	id, existing := m.claim(driver.DeviceID(info), drv.Capabilities().DeviceType)
	if existing != nil {
		if err := existing.dev.Reattach(portName, drv, tr); err != nil {
			m.log.LogDeviceError(id, "reattach", 0, err)
			tr.Close()
			return false
		}
		if om := otel.GetGlobalMetrics(); om != nil {
			om.RecordDeviceReconnect(ctx)
		}
		return true
	}

	s, err := session.New(m.cfg.Session, id, portName, info, drv, tr)
	if err == nil {
		err = s.Start()
	}
	if err != nil {
		m.log.LogDeviceError(id, "attach", 0, err)
		tr.Close()
		return false
	}
	s.Subscribe(m.changes)
	m.mu.Lock()
	m.entries[id] = &entry{id: id, dev: s}
	m.mu.Unlock()
	return true
}

func (m *Manager) adoptScope(ctx context.Context, portName string, info driver.DeviceInfo, drv driver.ScopeDriver, tr transport.Transport) bool {
	id, existing := m.claim(driver.DeviceID(info), driver.DeviceTypeOscilloscope)
	if existing != nil {
		if err := existing.scope.Reattach(portName, drv, tr); err != nil {
			m.log.LogDeviceError(id, "reattach", 0, err)
			tr.Close()
			return false
		}
		if om := otel.GetGlobalMetrics(); om != nil {
			om.RecordDeviceReconnect(ctx)
		}
		return true
	}

	s, err := session.NewScope(m.cfg.Session, id, portName, info, drv, tr)
	if err == nil {
		err = s.Start()
	}
	if err != nil {
		m.log.LogDeviceError(id, "attach", 0, err)
		tr.Close()
		return false
	}
	s.Subscribe(m.changes)
	m.mu.Lock()
	m.entries[id] = &entry{id: id, scope: s}
	m.mu.Unlock()
	return true
}

// DeviceList returns a summary of every known device, connected or
// not, sorted by device ID.
func (m *Manager) DeviceList() []DeviceSummary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]DeviceSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Stats summarizes sessions and subscriptions for diagnostics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var st Stats
	st.Devices = len(entries)
	for _, e := range entries {
		if e.status() != session.StatusDisconnected {
			st.Connected++
		}
		st.Subscribers += e.subscriberCount()
		st.DroppedUpdates += e.droppedUpdates()
	}
	return st
}

func (m *Manager) lookup(op, deviceID string) (*entry, error) {
	if m.closed.Load() {
		return nil, &Error{Op: op, DeviceID: deviceID, Err: ErrClosed}
	}
	m.mu.RLock()
	e := m.entries[deviceID]
	m.mu.RUnlock()
	if e == nil {
		return nil, &Error{Op: op, DeviceID: deviceID, Err: ErrDeviceNotFound}
	}
	return e, nil
}

func (m *Manager) powerSession(op, deviceID string) (*session.Session, error) {
	e, err := m.lookup(op, deviceID)
	if err != nil {
		return nil, err
	}
	if e.dev == nil {
		return nil, &Error{Op: op, DeviceID: deviceID, Err: ErrWrongDeviceType}
	}
	return e.dev, nil
}

func (m *Manager) scopeSession(op, deviceID string) (*session.ScopeSession, error) {
	e, err := m.lookup(op, deviceID)
	if err != nil {
		return nil, err
	}
	if e.scope == nil {
		return nil, &Error{Op: op, DeviceID: deviceID, Err: ErrWrongDeviceType}
	}
	return e.scope, nil
}

// Snapshot returns the full state of one device.
func (m *Manager) Snapshot(deviceID string) (session.DeviceState, error) {
	e, err := m.lookup("snapshot", deviceID)
	if err != nil {
		return session.DeviceState{}, err
	}
	return e.snapshot(), nil
}

// History returns measurement samples newer than sinceMs.
func (m *Manager) History(deviceID string, sinceMs int64) ([]session.HistoryPoint, error) {
	s, err := m.powerSession("history", deviceID)
	if err != nil {
		return nil, err
	}
	return s.History(sinceMs), nil
}

// Subscribe attaches sink to a device's update stream. The current
// snapshot is delivered first.
func (m *Manager) Subscribe(deviceID string, sink session.Sink) error {
	e, err := m.lookup("subscribe", deviceID)
	if err != nil {
		return err
	}
	e.subscribe(sink)
	return nil
}

// Unsubscribe detaches sink from a device's update stream.
func (m *Manager) Unsubscribe(deviceID string, sink session.Sink) error {
	e, err := m.lookup("unsubscribe", deviceID)
	if err != nil {
		return err
	}
	e.unsubscribe(sink)
	return nil
}

// UnsubscribeAll detaches sink from every device. Used when a client
// disconnects.
func (m *Manager) UnsubscribeAll(sink session.Sink) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	for _, e := range entries {
		e.unsubscribe(sink)
	}
}

// SetValue routes a setpoint write to the device session.
func (m *Manager) SetValue(ctx context.Context, deviceID string, kind driver.ValueKind, value float64, immediate bool) error {
	s, err := m.powerSession("setValue", deviceID)
	if err != nil {
		return err
	}
	return s.SetValue(ctx, kind, value, immediate)
}

// SetOutput routes an output switch to the device session.
func (m *Manager) SetOutput(ctx context.Context, deviceID string, on bool) error {
	s, err := m.powerSession("setOutput", deviceID)
	if err != nil {
		return err
	}
	return s.SetOutput(ctx, on)
}

// SetMode routes an operating mode change to the device session.
func (m *Manager) SetMode(ctx context.Context, deviceID string, mode driver.LoadMode) error {
	s, err := m.powerSession("setMode", deviceID)
	if err != nil {
		return err
	}
	return s.SetMode(ctx, mode)
}

// StartList starts list mode on a load that supports it.
func (m *Manager) StartList(ctx context.Context, deviceID string) error {
	s, err := m.powerSession("startList", deviceID)
	if err != nil {
		return err
	}
	return s.StartList(ctx)
}

// StopList stops list mode.
func (m *Manager) StopList(ctx context.Context, deviceID string) error {
	s, err := m.powerSession("stopList", deviceID)
	if err != nil {
		return err
	}
	return s.StopList(ctx)
}

// CaptureWaveform captures waveforms from a scope. An empty channel
// list means every displayed channel.
func (m *Manager) CaptureWaveform(ctx context.Context, deviceID string, channels []int) ([]driver.Waveform, error) {
	s, err := m.scopeSession("captureWaveform", deviceID)
	if err != nil {
		return nil, err
	}
	return s.CaptureWaveform(ctx, channels)
}

// ReadScopeMeasurements reads the scope's automatic measurements.
func (m *Manager) ReadScopeMeasurements(ctx context.Context, deviceID string) ([]driver.ScopeMeasurement, error) {
	s, err := m.scopeSession("readScopeMeasurements", deviceID)
	if err != nil {
		return nil, err
	}
	return s.ReadMeasurements(ctx)
}

// ReadScopeMeasurement reads one named measurement from one channel of
// an oscilloscope.
func (m *Manager) ReadScopeMeasurement(ctx context.Context, deviceID string, channel int, kind string) (driver.ScopeMeasurement, error) {
	s, err := m.scopeSession("readScopeMeasurement", deviceID)
	if err != nil {
		return driver.ScopeMeasurement{}, err
	}
	return s.ReadMeasurement(ctx, channel, kind)
}

// Screenshot captures the scope's display as a PNG.
func (m *Manager) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	s, err := m.scopeSession("screenshot", deviceID)
	if err != nil {
		return nil, err
	}
	return s.Screenshot(ctx)
}

// SetScopeRunState starts or stops scope acquisition.
func (m *Manager) SetScopeRunState(ctx context.Context, deviceID string, running bool) error {
	s, err := m.scopeSession("setScopeRunState", deviceID)
	if err != nil {
		return err
	}
	return s.SetRunState(ctx, running)
}

// ScopeSingle arms a single-shot acquisition.
func (m *Manager) ScopeSingle(ctx context.Context, deviceID string) error {
	s, err := m.scopeSession("scopeSingle", deviceID)
	if err != nil {
		return err
	}
	return s.Single(ctx)
}

// ScopeAutoSetup asks a scope to pick display settings for the applied
// signals.
func (m *Manager) ScopeAutoSetup(ctx context.Context, deviceID string) error {
	s, err := m.scopeSession("scopeAutoSetup", deviceID)
	if err != nil {
		return err
	}
	return s.AutoSetup(ctx)
}

// SetScopeChannelEnabled toggles a scope channel's display.
func (m *Manager) SetScopeChannelEnabled(ctx context.Context, deviceID string, channel int, enabled bool) error {
	s, err := m.scopeSession("setScopeChannel", deviceID)
	if err != nil {
		return err
	}
	return s.SetChannelEnabled(ctx, channel, enabled)
}

// SetScopeTimebase sets the scope's horizontal scale.
func (m *Manager) SetScopeTimebase(ctx context.Context, deviceID string, secondsPerDiv float64) error {
	s, err := m.scopeSession("setScopeTimebase", deviceID)
	if err != nil {
		return err
	}
	return s.SetTimebase(ctx, secondsPerDiv)
}

// SetScopeChannelScale sets a channel's vertical scale.
func (m *Manager) SetScopeChannelScale(ctx context.Context, deviceID string, channel int, voltsPerDiv float64) error {
	s, err := m.scopeSession("setScopeChannelScale", deviceID)
	if err != nil {
		return err
	}
	return s.SetChannelScale(ctx, channel, voltsPerDiv)
}

// SetScopeTriggerLevel sets the edge trigger source and level.
func (m *Manager) SetScopeTriggerLevel(ctx context.Context, deviceID string, channel int, level float64) error {
	s, err := m.scopeSession("setScopeTriggerLevel", deviceID)
	if err != nil {
		return err
	}
	return s.SetTriggerLevel(ctx, channel, level)
}

// StartStreaming begins periodic waveform capture on a scope.
func (m *Manager) StartStreaming(ctx context.Context, deviceID string, channels []int, intervalMs int64) error {
	s, err := m.scopeSession("startStreaming", deviceID)
	if err != nil {
		return err
	}
	return s.StartStreaming(ctx, channels, intervalMs)
}

// StopStreaming stops a scope's waveform stream.
func (m *Manager) StopStreaming(deviceID string) error {
	s, err := m.scopeSession("stopStreaming", deviceID)
	if err != nil {
		return err
	}
	return s.StopStreaming()
}

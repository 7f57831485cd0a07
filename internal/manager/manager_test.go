package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/simulator"
	"github.com/benchlab/benchd/internal/transport"
)

func testManagerConfig(b *simulator.Bench) *Config {
	return &Config{
		Enumerator:          b,
		Opener:              b,
		Registry:            driver.DefaultRegistry(),
		BaudRate:            9600,
		IdentifyTimeoutMs:   500,
		DiscoveryIntervalMs: 25,
		Transport:           transport.Config{QueryTimeoutMs: 500, PostCommandDelayMs: 0, LineBuffer: 8},
		Session: &session.Config{
			PollIntervalMs:      10,
			StatusRefreshTicks:  2,
			SetpointDebounceMs:  20,
			ErrorThreshold:      3,
			HistoryRetentionMs:  10000,
			ScopePollIntervalMs: 20,
			MinStreamIntervalMs: 10,
		},
	}
}

func newTestManager(t *testing.T, cfg *Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// silentInstrument never answers, like a serial device that is not an
// instrument.
type silentInstrument struct{}

func (silentInstrument) Handle(string) (string, bool) { return "", false }

func TestDiscoverCreatesSessionsPerInstrument(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	b.Add("sim-load", simulator.NewLoad("LD01"))
	b.Add("sim-scope", simulator.NewScope("SC01"))
	m := newTestManager(t, testManagerConfig(b))

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	list := m.DeviceList()
	if len(list) != 3 {
		t.Fatalf("DeviceList returned %d devices, want 3", len(list))
	}
	wantIDs := []string{"benchlab-vload-1-ld01", "benchlab-vpsu-1-ps01", "benchlab-vscope-1-sc01"}
	for i, want := range wantIDs {
		if list[i].DeviceID != want {
			t.Fatalf("device[%d] = %q, want %q", i, list[i].DeviceID, want)
		}
		if list[i].Status != session.StatusConnected {
			t.Fatalf("device %s status = %q, want connected", want, list[i].Status)
		}
	}
	if list[0].Capabilities.DeviceType != driver.DeviceTypeElectronicLoad {
		t.Fatalf("load capabilities report %q", list[0].Capabilities.DeviceType)
	}
	if list[2].Capabilities.DeviceType != driver.DeviceTypeOscilloscope {
		t.Fatalf("scope capabilities report %q", list[2].Capabilities.DeviceType)
	}

	// A second round must not duplicate sessions: the ports are bound.
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if got := len(m.DeviceList()); got != 3 {
		t.Fatalf("after second round DeviceList has %d devices, want 3", got)
	}
}

func TestDiscoverIgnoresSilentPorts(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	b.Add("sim-mouse", silentInstrument{})
	cfg := testManagerConfig(b)
	cfg.IdentifyTimeoutMs = 80
	cfg.Transport.QueryTimeoutMs = 80
	m := newTestManager(t, cfg)

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	list := m.DeviceList()
	if len(list) != 1 {
		t.Fatalf("DeviceList returned %d devices, want 1", len(list))
	}
	if list[0].DeviceID != "benchlab-vpsu-1-ps01" {
		t.Fatalf("unexpected device %q", list[0].DeviceID)
	}
}

func TestDuplicateIdentityGetsSuffix(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("port-a", simulator.NewPSU("DUP1"))
	b.Add("port-b", simulator.NewPSU("DUP1"))
	m := newTestManager(t, testManagerConfig(b))

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	list := m.DeviceList()
	if len(list) != 2 {
		t.Fatalf("DeviceList returned %d devices, want 2", len(list))
	}
	ids := map[string]bool{}
	for _, d := range list {
		ids[d.DeviceID] = true
	}
	if !ids["benchlab-vpsu-1-dup1"] || !ids["benchlab-vpsu-1-dup1-2"] {
		t.Fatalf("unexpected device IDs %v", ids)
	}
}

func TestOfflineDeviceReattachesWithIdentity(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	m := newTestManager(t, testManagerConfig(b))

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	const id = "benchlab-vpsu-1-ps01"

	// Let a couple of samples land so reattachment provably keeps
	// history.
	waitUntil(t, "history samples", func() bool {
		pts, err := m.History(id, 0)
		return err == nil && len(pts) >= 2
	})

	b.SetOffline("sim-psu", true)
	waitUntil(t, "disconnected status", func() bool {
		st, err := m.Snapshot(id)
		return err == nil && st.Status == session.StatusDisconnected
	})
	before, err := m.History(id, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	b.SetOffline("sim-psu", false)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("rediscover: %v", err)
	}

	list := m.DeviceList()
	if len(list) != 1 {
		t.Fatalf("DeviceList returned %d devices after reattach, want 1", len(list))
	}
	if list[0].DeviceID != id || list[0].Status != session.StatusConnected {
		t.Fatalf("reattached device = %q status %q", list[0].DeviceID, list[0].Status)
	}
	after, err := m.History(id, 0)
	if err != nil {
		t.Fatalf("History after reattach: %v", err)
	}
	if len(after) < len(before) {
		t.Fatalf("history shrank across reattach: %d -> %d", len(before), len(after))
	}
}

func TestRoutingErrors(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	b.Add("sim-scope", simulator.NewScope("SC01"))
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ctx := context.Background()
	const psuID = "benchlab-vpsu-1-ps01"
	const scopeID = "benchlab-vscope-1-sc01"

	if err := m.SetOutput(ctx, "no-such-device", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device error = %v, want ErrDeviceNotFound", err)
	}
	if err := m.SetValue(ctx, scopeID, driver.KindVoltage, 1, true); !errors.Is(err, ErrWrongDeviceType) {
		t.Fatalf("setValue on scope = %v, want ErrWrongDeviceType", err)
	}
	if _, err := m.CaptureWaveform(ctx, psuID, nil); !errors.Is(err, ErrWrongDeviceType) {
		t.Fatalf("captureWaveform on psu = %v, want ErrWrongDeviceType", err)
	}
	if _, err := m.History(scopeID, 0); !errors.Is(err, ErrWrongDeviceType) {
		t.Fatalf("history on scope = %v, want ErrWrongDeviceType", err)
	}
}

func TestManagerRoutesPowerOperations(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ctx := context.Background()
	const id = "benchlab-vpsu-1-ps01"

	if err := m.SetValue(ctx, id, driver.KindVoltage, 5.5, true); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := m.SetOutput(ctx, id, true); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	st, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Setpoints[driver.KindVoltage] != 5.5 {
		t.Fatalf("voltage setpoint = %v, want 5.5", st.Setpoints[driver.KindVoltage])
	}
	if st.StatusFields["output"] != "on" {
		t.Fatalf("output field = %q, want on", st.StatusFields["output"])
	}
}

func TestManagerRoutesScopeOperations(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-scope", simulator.NewScope("SC01"))
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	ctx := context.Background()
	const id = "benchlab-vscope-1-sc01"

	wfs, err := m.CaptureWaveform(ctx, id, nil)
	if err != nil {
		t.Fatalf("CaptureWaveform: %v", err)
	}
	if len(wfs) == 0 {
		t.Fatal("CaptureWaveform returned no waveforms")
	}
	if _, err := m.ReadScopeMeasurements(ctx, id); err != nil {
		t.Fatalf("ReadScopeMeasurements: %v", err)
	}
	png, err := m.Screenshot(ctx, id)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if len(png) < 4 || png[0] != 0x89 || png[1] != 'P' || png[2] != 'N' || png[3] != 'G' {
		t.Fatalf("screenshot is not a PNG (%d bytes)", len(png))
	}
	if err := m.SetScopeTimebase(ctx, id, 0.001); err != nil {
		t.Fatalf("SetScopeTimebase: %v", err)
	}
	st, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.StatusFields["timebase"] == "" {
		t.Fatal("timebase missing from status fields after set")
	}

	meas, err := m.ReadScopeMeasurement(ctx, id, 1, driver.ScopeMeasFrequency)
	if err != nil {
		t.Fatalf("ReadScopeMeasurement: %v", err)
	}
	if meas.Channel != 1 || meas.Value != 1000 {
		t.Fatalf("measurement = %+v, want 1kHz on channel 1", meas)
	}

	if err := m.ScopeSingle(ctx, id); err != nil {
		t.Fatalf("ScopeSingle: %v", err)
	}
	st, err = m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.StatusFields["running"] != "off" {
		t.Fatalf("running = %q after single-shot, want off", st.StatusFields["running"])
	}

	if err := m.ScopeAutoSetup(ctx, id); err != nil {
		t.Fatalf("ScopeAutoSetup: %v", err)
	}
	st, err = m.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.StatusFields["running"] != "on" {
		t.Fatalf("running = %q after auto-setup, want on", st.StatusFields["running"])
	}
}

func TestOnDeviceListChangedFires(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	m := newTestManager(t, testManagerConfig(b))

	var fired atomic.Int32
	m.OnDeviceListChanged(func() { fired.Add(1) })

	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	waitUntil(t, "device list change callback", func() bool { return fired.Load() > 0 })
}

func TestStartPicksUpLateInstrument(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Add("sim-psu", simulator.NewPSU("PS01"))
	waitUntil(t, "late instrument discovery", func() bool {
		return len(m.DeviceList()) == 1
	})
}

func TestCloseIsIdempotentAndStopsRouting(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	ctx := context.Background()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.SetOutput(ctx, "benchlab-vpsu-1-ps01", true); !errors.Is(err, ErrClosed) {
		t.Fatalf("SetOutput after close = %v, want ErrClosed", err)
	}
	if err := m.Discover(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Discover after close = %v, want ErrClosed", err)
	}
}

func TestStatsCountsSessions(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	b.Add("sim-psu", simulator.NewPSU("PS01"))
	b.Add("sim-load", simulator.NewLoad("LD01"))
	m := newTestManager(t, testManagerConfig(b))
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	st := m.Stats()
	if st.Devices != 2 || st.Connected != 2 {
		t.Fatalf("stats = %+v, want 2 devices connected", st)
	}

	b.SetOffline("sim-psu", true)
	waitUntil(t, "one disconnected session", func() bool {
		return m.Stats().Connected == 1
	})
}

func TestManagerConfigValidate(t *testing.T) {
	b := simulator.NewBench(time.Millisecond)
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing enumerator", func(c *Config) { c.Enumerator = nil }, true},
		{"missing opener", func(c *Config) { c.Opener = nil }, true},
		{"zero baud rate", func(c *Config) { c.BaudRate = 0 }, true},
		{"zero identify timeout", func(c *Config) { c.IdentifyTimeoutMs = 0 }, true},
		{"zero discovery interval", func(c *Config) { c.DiscoveryIntervalMs = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testManagerConfig(b)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

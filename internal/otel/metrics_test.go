package otel

import (
	"context"
	"testing"
	"time"
)

// newStdoutMetrics returns an enabled metrics instance exporting to
// stdout, shut down at test end.
func newStdoutMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(context.Background(), &MetricsConfig{
		Enabled:      true,
		ServiceName:  "benchd-test",
		ExporterType: ExporterStdout,
	})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

// recordOneOfEach exercises every record method once.
func recordOneOfEach(ctx context.Context, m *Metrics) {
	m.RecordMessageLatency(ctx, "subscribe", 12.5)
	m.RecordCommandLatency(ctx, "/dev/ttyUSB0", "query", 45.5, true)
	m.RecordError(ctx, "COMMAND_TIMEOUT")
	m.ClientConnected(ctx)
	m.ClientDisconnected(ctx)
	m.RecordDeviceReconnect(ctx)
	m.RecordCommandTimeout(ctx)
	m.SetConnectedDevices(1)
}

func TestDefaultMetricsConfigDisablesExport(t *testing.T) {
	cfg := DefaultMetricsConfig()

	if cfg.Enabled {
		t.Error("metrics enabled by default")
	}
	if cfg.ServiceName != "benchd" {
		t.Errorf("service name %q, want benchd", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("exporter %q, want none", cfg.ExporterType)
	}
}

func TestDisabledMetricsRecordSafely(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		cfg  *MetricsConfig
	}{
		{"nil config", nil},
		{"default config", DefaultMetricsConfig()},
		{"enabled without exporter", &MetricsConfig{Enabled: true, ServiceName: "benchd", ExporterType: ExporterNone}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMetrics(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("NewMetrics: %v", err)
			}
			if m.Enabled() {
				t.Error("metrics report enabled")
			}
			if m.MeterProvider() == nil {
				t.Error("nil meter provider on disabled instance")
			}

			recordOneOfEach(ctx, m)

			if err := m.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		})
	}
}

func TestEnabledInstrumentsAcceptRecordings(t *testing.T) {
	m := newStdoutMetrics(t)
	ctx := context.Background()

	if !m.Enabled() {
		t.Fatal("stdout metrics report disabled")
	}

	m.RecordMessageLatency(ctx, "subscribe", 12.5)
	m.RecordMessageLatency(ctx, "setValue", 0.3)
	m.RecordMessageLatency(ctx, "scopeScreenshot", 850.7)

	m.RecordCommandLatency(ctx, "/dev/ttyUSB0", "query", 45.5, true)
	m.RecordCommandLatency(ctx, "/dev/ttyUSB0", "command", 52.1, true)
	m.RecordCommandLatency(ctx, "/dev/ttyUSB1", "query", 2000.0, false)

	m.RecordError(ctx, "DEVICE_NOT_FOUND")
	m.RecordError(ctx, "COMMAND_TIMEOUT")
	m.RecordError(ctx, "INVALID_MESSAGE")

	m.ClientConnected(ctx)
	m.ClientConnected(ctx)
	m.ClientDisconnected(ctx)
	m.RecordDeviceReconnect(ctx)
	m.RecordCommandTimeout(ctx)
}

func TestConnectedDevicesGaugeMirrorsLastValue(t *testing.T) {
	m := newStdoutMetrics(t)

	m.SetConnectedDevices(0)
	m.SetConnectedDevices(3)
	m.SetConnectedDevices(2)

	if got := m.connectedDevices.Load(); got != 2 {
		t.Errorf("gauge mirror %d, want 2", got)
	}
}

func TestGlobalMetricsReturnsInstalledInstance(t *testing.T) {
	m := newStdoutMetrics(t)
	SetGlobalMetrics(m)
	defer SetGlobalMetrics(nil)

	if got := GetGlobalMetrics(); got != m {
		t.Error("GetGlobalMetrics returned a different instance")
	}
}

func TestGlobalMetricsFallsBackWhenUnset(t *testing.T) {
	SetGlobalMetrics(nil)

	m := GetGlobalMetrics()
	if m == nil {
		t.Fatal("global fallback returned nil")
	}
	if m.Enabled() {
		t.Error("fallback metrics report enabled")
	}
	recordOneOfEach(context.Background(), m)
}

func TestNoopMetricsRecordSafely(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("NoopMetrics returned nil")
	}
	if m.Enabled() {
		t.Error("noop metrics report enabled")
	}

	ctx := context.Background()
	recordOneOfEach(ctx, m)

	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestMetricsShutdownFlushes(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(ctx, &MetricsConfig{
		Enabled:      true,
		ServiceName:  "benchd-test",
		ExporterType: ExporterStdout,
	})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordMessageLatency(ctx, "subscribe", 50.0)
	m.SetConnectedDevices(1)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestMetricsAcceptCustomResourceAttributes(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(ctx, &MetricsConfig{
		Enabled:        true,
		ServiceName:    "benchd-test",
		ServiceVersion: "1.0.0",
		ExporterType:   ExporterStdout,
		Attributes:     map[string]string{"environment": "test", "bench": "lab-3"},
	})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	defer m.Shutdown(ctx)

	if !m.Enabled() {
		t.Error("metrics report disabled")
	}
}

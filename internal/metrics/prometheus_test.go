package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/driver"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/session"
	"github.com/benchlab/benchd/internal/store"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.messageCounts == nil {
		t.Error("messageCounts not initialized")
	}
	if c.protocolErrors == nil {
		t.Error("protocolErrors not initialized")
	}
	if c.clients == nil {
		t.Error("client tracker not initialized")
	}
}

func TestRecordMessage(t *testing.T) {
	c := NewCollector()
	c.RecordMessage("subscribe", 5)
	c.RecordMessage("subscribe", 15)
	c.RecordMessage("scan", 120)

	if c.messageCounts["subscribe"] != 2 {
		t.Errorf("expected 2 subscribe messages, got %d", c.messageCounts["subscribe"])
	}
	if c.messageCounts["scan"] != 1 {
		t.Errorf("expected 1 scan message, got %d", c.messageCounts["scan"])
	}

	data := c.messageDurations["subscribe"]
	if data == nil {
		t.Fatal("messageDurations not recorded")
	}
	expectedSum := 0.02
	if data.sum < expectedSum-0.001 || data.sum > expectedSum+0.001 {
		t.Errorf("expected sum ~0.02, got %f", data.sum)
	}
	if data.count != 2 {
		t.Errorf("expected count 2, got %d", data.count)
	}
}

func TestRecordProtocolError(t *testing.T) {
	c := NewCollector()
	c.RecordProtocolError("DEVICE_NOT_FOUND")
	c.RecordProtocolError("DEVICE_NOT_FOUND")
	c.RecordProtocolError("INVALID_MESSAGE")

	if c.protocolErrors["DEVICE_NOT_FOUND"] != 2 {
		t.Errorf("expected 2 errors, got %d", c.protocolErrors["DEVICE_NOT_FOUND"])
	}
	if c.protocolErrors["INVALID_MESSAGE"] != 1 {
		t.Errorf("expected 1 error, got %d", c.protocolErrors["INVALID_MESSAGE"])
	}
	if got := c.clients.Stability().ProtocolErrors; got != 3 {
		t.Errorf("expected 3 tracked protocol errors, got %d", got)
	}
}

type mockDeviceProvider struct {
	stats manager.Stats
	list  []manager.DeviceSummary
}

func (m *mockDeviceProvider) Stats() manager.Stats { return m.stats }

func (m *mockDeviceProvider) DeviceList() []manager.DeviceSummary { return m.list }

type mockClientProvider struct {
	count   int
	dropped int64
}

func (m *mockClientProvider) ClientCount() int { return m.count }

func (m *mockClientProvider) DroppedFrames() int64 { return m.dropped }

type mockStoreProvider struct {
	counts store.Counts
	err    error
}

func (m *mockStoreProvider) Counts() (store.Counts, error) { return m.counts, m.err }

type mockDiagProvider struct {
	sample diag.Sample
	ok     bool
}

func (m *mockDiagProvider) Latest() (diag.Sample, bool) { return m.sample, m.ok }

func testSummaries() []manager.DeviceSummary {
	return []manager.DeviceSummary{
		{
			DeviceID:     "acme-psu-1",
			Capabilities: driver.Capabilities{DeviceType: driver.DeviceTypePowerSupply},
			Status:       session.StatusConnected,
		},
		{
			DeviceID:     "acme-load-1",
			Capabilities: driver.Capabilities{DeviceType: driver.DeviceTypeElectronicLoad},
			Status:       session.StatusDisconnected,
		},
	}
}

func TestSyncFromProviders(t *testing.T) {
	c := NewCollector()

	c.SetDeviceProvider(&mockDeviceProvider{
		stats: manager.Stats{Devices: 2, Connected: 1, Subscribers: 3, DroppedUpdates: 7},
		list:  testSummaries(),
	})
	c.SetClientProvider(&mockClientProvider{count: 4, dropped: 9})
	c.SetStoreProvider(&mockStoreProvider{counts: store.Counts{Sequences: 5, Scripts: 2, Aliases: 1}})
	c.SetDiagProvider(&mockDiagProvider{
		sample: diag.Sample{
			TimestampMs: 1700000000000,
			Host:        diag.HostMetrics{CPUPercent: 12.5, LoadAvg1: 0.42},
			Process:     diag.ProcessMetrics{CPUPercent: 3.25, MemRSS: 64 * 1024 * 1024, Goroutines: 21},
			StoreBytes:  32768,
		},
		ok: true,
	})

	c.SyncFromProviders()

	if c.deviceStats.Devices != 2 || c.deviceStats.DroppedUpdates != 7 {
		t.Errorf("device stats not synced: %+v", c.deviceStats)
	}
	if len(c.deviceStatus) != 2 {
		t.Fatalf("expected 2 status rows, got %d", len(c.deviceStatus))
	}
	// Rows sort by device ID
	if c.deviceStatus[0].deviceID != "acme-load-1" || c.deviceStatus[1].deviceID != "acme-psu-1" {
		t.Errorf("status rows not sorted: %+v", c.deviceStatus)
	}
	if c.clientCount != 4 || c.droppedFrames != 9 {
		t.Errorf("client counters not synced: %d %d", c.clientCount, c.droppedFrames)
	}
	if !c.haveStore || c.storeCounts.Sequences != 5 {
		t.Errorf("store counts not synced: %+v", c.storeCounts)
	}
	if !c.haveDiag || c.diagSample.Process.Goroutines != 21 {
		t.Errorf("diag sample not synced: %+v", c.diagSample)
	}
}

func TestSyncSkipsFailingStoreProvider(t *testing.T) {
	c := NewCollector()
	c.SetStoreProvider(&mockStoreProvider{err: io.ErrClosedPipe})
	c.SyncFromProviders()

	if c.haveStore {
		t.Error("failed store read should not mark store data present")
	}
}

func TestExposeFormat(t *testing.T) {
	c := NewCollector()
	c.nowFunc = func() time.Time {
		return time.Unix(1706380800, 0)
	}

	c.RecordMessage("subscribe", 10)
	c.RecordProtocolError("DEVICE_NOT_FOUND")
	c.SetDeviceProvider(&mockDeviceProvider{
		stats: manager.Stats{Devices: 2, Connected: 1, Subscribers: 3, DroppedUpdates: 7},
		list:  testSummaries(),
	})
	c.SetClientProvider(&mockClientProvider{count: 4, dropped: 9})
	c.SetStoreProvider(&mockStoreProvider{counts: store.Counts{Sequences: 5, Scripts: 2, Aliases: 1}})
	c.SetDiagProvider(&mockDiagProvider{
		sample: diag.Sample{
			Host:    diag.HostMetrics{CPUPercent: 12.5, LoadAvg1: 0.42},
			Process: diag.ProcessMetrics{CPUPercent: 3.25, MemRSS: 64 * 1024 * 1024, Goroutines: 21},
		},
		ok: true,
	})
	c.SyncFromProviders()

	output := c.Expose()

	expectedPatterns := []string{
		"# HELP benchd_uptime_seconds",
		"# TYPE benchd_uptime_seconds gauge",
		"# HELP benchd_devices_total",
		"# TYPE benchd_devices_total gauge",
		"benchd_devices_total 2",
		"benchd_devices_connected 1",
		"benchd_device_subscribers 3",
		"# TYPE benchd_session_dropped_updates_total counter",
		"benchd_session_dropped_updates_total 7",
		"# HELP benchd_device_status",
		`benchd_device_status{device_id="acme-load-1",device_type="electronicLoad",status="disconnected"} 1`,
		`benchd_device_status{device_id="acme-psu-1",device_type="powerSupply",status="connected"} 1`,
		"benchd_clients_connected 4",
		"benchd_client_frames_dropped_total 9",
		"# TYPE benchd_client_stability_score gauge",
		"# HELP benchd_messages_total",
		"# TYPE benchd_messages_total counter",
		`benchd_messages_total{type="subscribe"} 1`,
		"# TYPE benchd_message_duration_seconds histogram",
		`benchd_message_duration_seconds_sum{type="subscribe"} 0.010000`,
		`benchd_message_duration_seconds_count{type="subscribe"} 1`,
		"# TYPE benchd_protocol_errors_total counter",
		`benchd_protocol_errors_total{code="DEVICE_NOT_FOUND"} 1`,
		"benchd_stored_sequences 5",
		"benchd_stored_trigger_scripts 2",
		"benchd_stored_aliases 1",
		"benchd_host_cpu_percent 12.50",
		"benchd_host_load1 0.42",
		"benchd_process_cpu_percent 3.25",
		"benchd_process_memory_mb 64.00",
		"benchd_goroutines 21",
	}

	for _, pattern := range expectedPatterns {
		if !strings.Contains(output, pattern) {
			t.Errorf("output missing expected pattern: %s", pattern)
		}
	}

	if !strings.Contains(output, "1706380800000") {
		t.Error("output missing timestamp")
	}
}

func TestExposeEmptyCollector(t *testing.T) {
	c := NewCollector()
	c.nowFunc = func() time.Time {
		return time.Unix(1706380800, 0)
	}

	output := c.Expose()

	if !strings.Contains(output, "# HELP benchd_devices_total") {
		t.Error("empty collector should still have HELP lines")
	}
	if !strings.Contains(output, "benchd_devices_total 0") {
		t.Error("empty collector should show 0 devices")
	}
	if strings.Contains(output, "benchd_stored_sequences 0") {
		t.Error("store gauges should be omitted until a store provider syncs")
	}
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollector()
	c.SetDeviceProvider(&mockDeviceProvider{
		stats: manager.Stats{Devices: 1, Connected: 1},
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "benchd_devices_total 1") {
		t.Error("handler did not sync providers before exposing")
	}

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordMessage("subscribe", 10)
	c.RecordProtocolError("INVALID_MESSAGE")
	c.SetStoreProvider(&mockStoreProvider{counts: store.Counts{Sequences: 1}})
	c.SyncFromProviders()

	c.Reset()

	if len(c.messageCounts) != 0 {
		t.Error("messageCounts not reset")
	}
	if len(c.protocolErrors) != 0 {
		t.Error("protocolErrors not reset")
	}
	if c.haveStore {
		t.Error("store cache not reset")
	}
	if c.clients.Stability().ProtocolErrors != 0 {
		t.Error("client tracker not reset")
	}
}

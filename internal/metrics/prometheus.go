// Package metrics provides Prometheus metrics exposition for benchd.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benchlab/benchd/internal/diag"
	"github.com/benchlab/benchd/internal/manager"
	"github.com/benchlab/benchd/internal/store"
)

// DeviceProvider provides access to device roster data for metrics
// collection.
type DeviceProvider interface {
	Stats() manager.Stats
	DeviceList() []manager.DeviceSummary
}

// ClientProvider provides access to WebSocket client data for metrics
// collection.
type ClientProvider interface {
	ClientCount() int
	DroppedFrames() int64
}

// StoreProvider provides access to settings store record counts.
type StoreProvider interface {
	Counts() (store.Counts, error)
}

// DiagProvider provides access to the most recent host and process
// health sample.
type DiagProvider interface {
	Latest() (diag.Sample, bool)
}

// Collector collects and exposes benchd metrics in Prometheus format.
// A single RWMutex guards every map: Expose takes the read lock, the
// hot-path record methods take the write lock.
type Collector struct {
	mu sync.RWMutex

	// Providers for data access
	deviceProvider DeviceProvider
	clientProvider ClientProvider
	storeProvider  StoreProvider
	diagProvider   DiagProvider

	// Hot-path metrics data
	messageCounts    map[string]int64          // message type -> count
	messageDurations map[string]*histogramData // message type -> histogram
	protocolErrors   map[string]int64          // error code -> count

	// Cached provider data, refreshed by SyncFromProviders
	deviceStats   manager.Stats
	deviceStatus  []deviceStatusRow
	clientCount   int
	droppedFrames int64
	storeCounts   store.Counts
	haveStore     bool
	diagSample    diag.Sample
	haveDiag      bool

	clients *ClientTracker

	startTime time.Time

	// Time function for testing
	nowFunc func() time.Time
}

// deviceStatusRow is one device's identity and connection status.
type deviceStatusRow struct {
	deviceID   string
	deviceType string
	status     string
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// NewCollector creates a new metrics Collector.
func NewCollector() *Collector {
	return &Collector{
		messageCounts:    make(map[string]int64),
		messageDurations: make(map[string]*histogramData),
		protocolErrors:   make(map[string]int64),
		clients:          NewClientTracker(),
		startTime:        time.Now(),
		nowFunc:          time.Now,
	}
}

// Clients returns the client stability tracker.
func (c *Collector) Clients() *ClientTracker {
	return c.clients
}

// SetDeviceProvider sets the device roster provider for metrics collection.
func (c *Collector) SetDeviceProvider(p DeviceProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceProvider = p
}

// SetClientProvider sets the client provider for metrics collection.
func (c *Collector) SetClientProvider(p ClientProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientProvider = p
}

// SetStoreProvider sets the settings store provider for metrics collection.
func (c *Collector) SetStoreProvider(p StoreProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeProvider = p
}

// SetDiagProvider sets the health sample provider for metrics collection.
func (c *Collector) SetDiagProvider(p DiagProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagProvider = p
}

// RecordMessage records one handled client message and its processing
// duration.
func (c *Collector) RecordMessage(msgType string, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messageCounts[msgType]++

	if c.messageDurations[msgType] == nil {
		c.messageDurations[msgType] = &histogramData{}
	}
	c.messageDurations[msgType].sum += float64(durationMs) / 1000.0
	c.messageDurations[msgType].count++
}

// RecordProtocolError records one error reply sent to a client.
func (c *Collector) RecordProtocolError(code string) {
	c.mu.Lock()
	c.protocolErrors[code]++
	c.mu.Unlock()
	c.clients.ProtocolError()
}

// ClientConnected records a new WebSocket client.
func (c *Collector) ClientConnected(clientID string) {
	c.clients.Connected(clientID)
}

// ClientDisconnected records a WebSocket client going away.
func (c *Collector) ClientDisconnected(clientID, reason string) {
	c.clients.Disconnected(clientID, reason)
}

// SyncFromProviders pulls fresh gauge values from the wired providers.
// Handler calls it before each scrape renders.
func (c *Collector) SyncFromProviders() {
	c.mu.Lock()
	deviceProvider := c.deviceProvider
	clientProvider := c.clientProvider
	storeProvider := c.storeProvider
	diagProvider := c.diagProvider
	c.mu.Unlock()

	// Sync device roster
	if deviceProvider != nil {
		stats := deviceProvider.Stats()
		rows := deviceRows(deviceProvider.DeviceList())
		c.mu.Lock()
		c.deviceStats = stats
		c.deviceStatus = rows
		c.mu.Unlock()
	}

	// Sync client counters
	if clientProvider != nil {
		count := clientProvider.ClientCount()
		dropped := clientProvider.DroppedFrames()
		c.mu.Lock()
		c.clientCount = count
		c.droppedFrames = dropped
		c.mu.Unlock()
	}

	// Sync store record counts
	if storeProvider != nil {
		counts, err := storeProvider.Counts()
		if err == nil {
			c.mu.Lock()
			c.storeCounts = counts
			c.haveStore = true
			c.mu.Unlock()
		}
	}

	// Sync health sample
	if diagProvider != nil {
		sample, ok := diagProvider.Latest()
		if ok {
			c.mu.Lock()
			c.diagSample = sample
			c.haveDiag = true
			c.mu.Unlock()
		}
	}
}

func deviceRows(sums []manager.DeviceSummary) []deviceStatusRow {
	rows := make([]deviceStatusRow, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, deviceStatusRow{
			deviceID:   s.DeviceID,
			deviceType: string(s.Capabilities.DeviceType),
			status:     string(s.Status),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].deviceID < rows[j].deviceID })
	return rows
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	// benchd_uptime_seconds
	c.writeUptime(&sb, timestamp)

	// benchd_devices_*
	c.writeDeviceStats(&sb, timestamp)

	// benchd_device_status
	c.writeDeviceStatus(&sb, timestamp)

	// benchd_clients_*
	c.writeClientStats(&sb, timestamp)

	// benchd_client_stability_*
	c.writeClientStability(&sb, timestamp)

	// benchd_messages_total
	c.writeMessagesTotal(&sb, timestamp)

	// benchd_message_duration_seconds
	c.writeMessageDuration(&sb, timestamp)

	// benchd_protocol_errors_total
	c.writeProtocolErrors(&sb, timestamp)

	// benchd_stored_*
	c.writeStoreCounts(&sb, timestamp)

	// benchd_host_* / benchd_process_*
	c.writeHealth(&sb, timestamp)

	return sb.String()
}

// Handler returns an HTTP handler that syncs the providers and serves
// the exposition text.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		c.SyncFromProviders()
		output := c.Expose()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(output))
	})
}

func (c *Collector) writeUptime(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_uptime_seconds Time since the server started\n")
	sb.WriteString("# TYPE benchd_uptime_seconds gauge\n")
	uptime := c.nowFunc().Sub(c.startTime).Seconds()
	fmt.Fprintf(sb, "benchd_uptime_seconds %.3f %d\n", uptime, timestamp)
}

func (c *Collector) writeDeviceStats(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_devices_total Number of discovered instruments\n")
	sb.WriteString("# TYPE benchd_devices_total gauge\n")
	fmt.Fprintf(sb, "benchd_devices_total %d %d\n", c.deviceStats.Devices, timestamp)

	sb.WriteString("# HELP benchd_devices_connected Number of instruments currently connected\n")
	sb.WriteString("# TYPE benchd_devices_connected gauge\n")
	fmt.Fprintf(sb, "benchd_devices_connected %d %d\n", c.deviceStats.Connected, timestamp)

	sb.WriteString("# HELP benchd_device_subscribers Number of active device subscriptions\n")
	sb.WriteString("# TYPE benchd_device_subscribers gauge\n")
	fmt.Fprintf(sb, "benchd_device_subscribers %d %d\n", c.deviceStats.Subscribers, timestamp)

	sb.WriteString("# HELP benchd_session_dropped_updates_total Updates dropped by saturated subscriber sinks\n")
	sb.WriteString("# TYPE benchd_session_dropped_updates_total counter\n")
	fmt.Fprintf(sb, "benchd_session_dropped_updates_total %d %d\n", c.deviceStats.DroppedUpdates, timestamp)
}

func (c *Collector) writeDeviceStatus(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_device_status Connection status per instrument (1 = in this status)\n")
	sb.WriteString("# TYPE benchd_device_status gauge\n")

	// Rows are sorted at sync time
	for _, row := range c.deviceStatus {
		fmt.Fprintf(sb, "benchd_device_status{device_id=%q,device_type=%q,status=%q} 1 %d\n",
			row.deviceID, row.deviceType, row.status, timestamp)
	}
}

func (c *Collector) writeClientStats(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_clients_connected Number of connected WebSocket clients\n")
	sb.WriteString("# TYPE benchd_clients_connected gauge\n")
	fmt.Fprintf(sb, "benchd_clients_connected %d %d\n", c.clientCount, timestamp)

	sb.WriteString("# HELP benchd_client_frames_dropped_total Outbound frames dropped for slow clients\n")
	sb.WriteString("# TYPE benchd_client_frames_dropped_total counter\n")
	fmt.Fprintf(sb, "benchd_client_frames_dropped_total %d %d\n", c.droppedFrames, timestamp)
}

func (c *Collector) writeClientStability(sb *strings.Builder, timestamp int64) {
	stability := c.clients.Stability()

	sb.WriteString("# HELP benchd_client_sessions_total Total WebSocket client sessions accepted\n")
	sb.WriteString("# TYPE benchd_client_sessions_total counter\n")
	fmt.Fprintf(sb, "benchd_client_sessions_total %d %d\n", stability.TotalClients, timestamp)

	sb.WriteString("# HELP benchd_client_churn_per_minute Client sessions opened per minute since start\n")
	sb.WriteString("# TYPE benchd_client_churn_per_minute gauge\n")
	fmt.Fprintf(sb, "benchd_client_churn_per_minute %.3f %d\n", stability.ChurnPerMinute, timestamp)

	sb.WriteString("# HELP benchd_client_avg_lifetime_seconds Average client session lifetime\n")
	sb.WriteString("# TYPE benchd_client_avg_lifetime_seconds gauge\n")
	fmt.Fprintf(sb, "benchd_client_avg_lifetime_seconds %.3f %d\n", stability.AvgLifetimeMs/1000.0, timestamp)

	sb.WriteString("# HELP benchd_client_stability_score Connection stability score (0-100)\n")
	sb.WriteString("# TYPE benchd_client_stability_score gauge\n")
	fmt.Fprintf(sb, "benchd_client_stability_score %.2f %d\n", stability.StabilityScore, timestamp)

	sb.WriteString("# HELP benchd_client_disconnects_total Client disconnects by reason\n")
	sb.WriteString("# TYPE benchd_client_disconnects_total counter\n")

	// Sort reasons for deterministic output
	reasons := make([]string, 0, len(stability.DisconnectReasons))
	for reason := range stability.DisconnectReasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	for _, reason := range reasons {
		fmt.Fprintf(sb, "benchd_client_disconnects_total{reason=%q} %d %d\n",
			reason, stability.DisconnectReasons[reason], timestamp)
	}
}

func (c *Collector) writeMessagesTotal(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_messages_total Total client messages handled\n")
	sb.WriteString("# TYPE benchd_messages_total counter\n")

	// Sort keys for deterministic output
	keys := make([]string, 0, len(c.messageCounts))
	for k := range c.messageCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, msgType := range keys {
		count := c.messageCounts[msgType]
		fmt.Fprintf(sb, "benchd_messages_total{type=%q} %d %d\n", msgType, count, timestamp)
	}
}

func (c *Collector) writeMessageDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_message_duration_seconds Client message processing time\n")
	sb.WriteString("# TYPE benchd_message_duration_seconds histogram\n")

	// Sort keys for deterministic output
	keys := make([]string, 0, len(c.messageDurations))
	for k := range c.messageDurations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, msgType := range keys {
		data := c.messageDurations[msgType]
		fmt.Fprintf(sb, "benchd_message_duration_seconds_sum{type=%q} %.6f %d\n", msgType, data.sum, timestamp)
		fmt.Fprintf(sb, "benchd_message_duration_seconds_count{type=%q} %d %d\n", msgType, data.count, timestamp)
	}
}

func (c *Collector) writeProtocolErrors(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_protocol_errors_total Error replies sent to clients\n")
	sb.WriteString("# TYPE benchd_protocol_errors_total counter\n")

	keys := make([]string, 0, len(c.protocolErrors))
	for k := range c.protocolErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, code := range keys {
		count := c.protocolErrors[code]
		fmt.Fprintf(sb, "benchd_protocol_errors_total{code=%q} %d %d\n", code, count, timestamp)
	}
}

func (c *Collector) writeStoreCounts(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_stored_sequences Sequence definitions in the settings store\n")
	sb.WriteString("# TYPE benchd_stored_sequences gauge\n")
	if c.haveStore {
		fmt.Fprintf(sb, "benchd_stored_sequences %d %d\n", c.storeCounts.Sequences, timestamp)
	}

	sb.WriteString("# HELP benchd_stored_trigger_scripts Trigger scripts in the settings store\n")
	sb.WriteString("# TYPE benchd_stored_trigger_scripts gauge\n")
	if c.haveStore {
		fmt.Fprintf(sb, "benchd_stored_trigger_scripts %d %d\n", c.storeCounts.Scripts, timestamp)
	}

	sb.WriteString("# HELP benchd_stored_aliases Device aliases in the settings store\n")
	sb.WriteString("# TYPE benchd_stored_aliases gauge\n")
	if c.haveStore {
		fmt.Fprintf(sb, "benchd_stored_aliases %d %d\n", c.storeCounts.Aliases, timestamp)
	}
}

func (c *Collector) writeHealth(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP benchd_host_cpu_percent Host CPU usage percentage\n")
	sb.WriteString("# TYPE benchd_host_cpu_percent gauge\n")
	if c.haveDiag {
		fmt.Fprintf(sb, "benchd_host_cpu_percent %.2f %d\n", c.diagSample.Host.CPUPercent, timestamp)
	}

	sb.WriteString("# HELP benchd_host_load1 Host 1-minute load average\n")
	sb.WriteString("# TYPE benchd_host_load1 gauge\n")
	if c.haveDiag {
		fmt.Fprintf(sb, "benchd_host_load1 %.2f %d\n", c.diagSample.Host.LoadAvg1, timestamp)
	}

	sb.WriteString("# HELP benchd_process_cpu_percent Server process CPU usage percentage\n")
	sb.WriteString("# TYPE benchd_process_cpu_percent gauge\n")
	if c.haveDiag {
		fmt.Fprintf(sb, "benchd_process_cpu_percent %.2f %d\n", c.diagSample.Process.CPUPercent, timestamp)
	}

	sb.WriteString("# HELP benchd_process_memory_mb Server process resident memory in MB\n")
	sb.WriteString("# TYPE benchd_process_memory_mb gauge\n")
	if c.haveDiag {
		fmt.Fprintf(sb, "benchd_process_memory_mb %.2f %d\n", float64(c.diagSample.Process.MemRSS)/(1024*1024), timestamp)
	}

	sb.WriteString("# HELP benchd_goroutines Goroutines in the server process\n")
	sb.WriteString("# TYPE benchd_goroutines gauge\n")
	if c.haveDiag {
		fmt.Fprintf(sb, "benchd_goroutines %d %d\n", c.diagSample.Process.Goroutines, timestamp)
	}

	sb.WriteString("# HELP benchd_store_bytes Settings database file size in bytes\n")
	sb.WriteString("# TYPE benchd_store_bytes gauge\n")
	if c.haveDiag && c.diagSample.StoreBytes > 0 {
		fmt.Fprintf(sb, "benchd_store_bytes %d %d\n", c.diagSample.StoreBytes, timestamp)
	}
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.messageCounts = make(map[string]int64)
	c.messageDurations = make(map[string]*histogramData)
	c.protocolErrors = make(map[string]int64)
	c.deviceStats = manager.Stats{}
	c.deviceStatus = nil
	c.clientCount = 0
	c.droppedFrames = 0
	c.storeCounts = store.Counts{}
	c.haveStore = false
	c.diagSample = diag.Sample{}
	c.haveDiag = false
	c.startTime = c.nowFunc()
	c.mu.Unlock()
	c.clients.Reset()
}

package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig describes the metrics half of the telemetry setup. It
// mirrors Config minus sampling, which has no meaning for metrics.
type MetricsConfig struct {
	// Enabled gates the pipeline; when false recording is a no-op.
	Enabled bool

	// ServiceName identifies this process in exported metrics.
	ServiceName string

	// ServiceVersion is stamped on the metric resource when set.
	ServiceVersion string

	// ExporterType picks the metric exporter.
	ExporterType ExporterType

	// OTLPEndpoint is the collector address for the OTLP exporters.
	OTLPEndpoint string

	// OTLPInsecure turns off TLS towards the collector.
	OTLPInsecure bool

	// Attributes are stamped on every exported metric.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a config with metric export off.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ServiceName:  "benchd",
		ExporterType: ExporterNone,
	}
}

// Metrics owns the OTel instruments benchd records into. On a disabled
// instance every instrument stays nil and the record methods return
// immediately.
type Metrics struct {
	cfg      *MetricsConfig
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	stop     func(context.Context) error
	mu       sync.Mutex

	messageLatency metric.Float64Histogram
	commandLatency metric.Float64Histogram
	errorCounter   metric.Int64Counter
	activeClients  metric.Int64UpDownCounter
	reconnects     metric.Int64Counter
	timeouts       metric.Int64Counter

	// connectedDevices mirrors the manager's connected count for the
	// observable gauge callback.
	connectedDevices atomic.Int64
	deviceGauge      metric.Int64ObservableGauge
	gaugeReg         metric.Registration
}

// NewMetrics builds a Metrics from cfg. A nil cfg, Enabled=false, and
// the none exporter all yield a disabled instance.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return disabledMetrics(cfg), nil
	}

	exp, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	res, err := buildResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("metric resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	m := &Metrics{
		cfg:      cfg,
		provider: mp,
		meter:    mp.Meter(cfg.ServiceName),
		stop:     mp.Shutdown,
	}
	if err := m.buildInstruments(); err != nil {
		return nil, fmt.Errorf("register instruments: %w", err)
	}
	return m, nil
}

// disabledMetrics leaves every instrument nil on top of a reader-less
// provider.
func disabledMetrics(cfg *MetricsConfig) *Metrics {
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		cfg:      cfg,
		provider: mp,
		meter:    mp.Meter(cfg.ServiceName),
		stop:     func(context.Context) error { return nil },
	}
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		var o []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			o = append(o, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			o = append(o, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, o...)

	case ExporterOTLPHTTP:
		var o []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			o = append(o, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			o = append(o, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, o...)

	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.ExporterType)
	}
}

// buildInstruments creates every instrument on the meter. The helpers
// stop creating once the first error lands.
func (m *Metrics) buildInstruments() error {
	var err error

	latency := func(name, desc string) (h metric.Float64Histogram) {
		if err == nil {
			h, err = m.meter.Float64Histogram(name,
				metric.WithDescription(desc), metric.WithUnit("ms"))
		}
		return h
	}
	counter := func(name, desc string) (c metric.Int64Counter) {
		if err == nil {
			c, err = m.meter.Int64Counter(name, metric.WithDescription(desc))
		}
		return c
	}

	m.messageLatency = latency("benchd.message.latency", "Latency of client message handling")
	m.commandLatency = latency("benchd.command.latency", "Round-trip latency of serial commands")
	m.errorCounter = counter("benchd.errors", "Count of errors by category")
	m.reconnects = counter("benchd.device.reconnects", "Count of instruments re-adopted after a disconnect")
	m.timeouts = counter("benchd.command.timeouts", "Count of serial exchanges that timed out")

	if err == nil {
		m.activeClients, err = m.meter.Int64UpDownCounter("benchd.clients.active",
			metric.WithDescription("Number of connected WebSocket clients"))
	}
	if err == nil {
		m.deviceGauge, err = m.meter.Int64ObservableGauge("benchd.devices.connected",
			metric.WithDescription("Number of instruments currently connected"))
	}
	if err == nil {
		m.gaugeReg, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.deviceGauge, m.connectedDevices.Load())
			return nil
		}, m.deviceGauge)
	}
	return err
}

// RecordMessageLatency records the handling time of one client message.
func (m *Metrics) RecordMessageLatency(ctx context.Context, msgType string, latencyMs float64) {
	if m.messageLatency == nil {
		return
	}
	m.messageLatency.Record(ctx, latencyMs, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordCommandLatency records the round trip of one serial exchange.
func (m *Metrics) RecordCommandLatency(ctx context.Context, port, op string, latencyMs float64, success bool) {
	if m.commandLatency == nil {
		return
	}
	m.commandLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("port", port),
		attribute.String("op", op),
		attribute.Bool("success", success),
	))
}

// RecordError counts one error under its category, usually the wire
// error code.
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// ClientConnected bumps the active client count.
func (m *Metrics) ClientConnected(ctx context.Context) {
	if m.activeClients != nil {
		m.activeClients.Add(ctx, 1)
	}
}

// ClientDisconnected drops the active client count.
func (m *Metrics) ClientDisconnected(ctx context.Context) {
	if m.activeClients != nil {
		m.activeClients.Add(ctx, -1)
	}
}

// RecordDeviceReconnect counts one instrument re-adopted after a
// disconnect.
func (m *Metrics) RecordDeviceReconnect(ctx context.Context) {
	if m.reconnects != nil {
		m.reconnects.Add(ctx, 1)
	}
}

// RecordCommandTimeout counts one serial exchange that hit its
// deadline.
func (m *Metrics) RecordCommandTimeout(ctx context.Context) {
	if m.timeouts != nil {
		m.timeouts.Add(ctx, 1)
	}
}

// SetConnectedDevices updates the value the devices gauge observes.
func (m *Metrics) SetConnectedDevices(n int) {
	m.connectedDevices.Store(int64(n))
}

// Shutdown unhooks the gauge callback, flushes buffered metrics, and
// stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gaugeReg != nil {
		if err := m.gaugeReg.Unregister(); err != nil {
			return fmt.Errorf("devices gauge: %w", err)
		}
		m.gaugeReg = nil
	}
	if m.stop == nil {
		return nil
	}
	return m.stop(ctx)
}

// Enabled reports whether metrics actually leave the process.
func (m *Metrics) Enabled() bool {
	return m.cfg.Enabled && m.cfg.ExporterType != ExporterNone
}

// MeterProvider exposes the underlying provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.provider
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// SetGlobalMetrics installs m for GetGlobalMetrics callers. An enabled
// instance also becomes the process-wide OTel meter provider.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	globalMetrics = m
	globalMetricsMu.Unlock()

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.provider)
	}
}

// GetGlobalMetrics returns the installed instance, or a disabled one
// when nothing was installed. Never nil.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	m := globalMetrics
	globalMetricsMu.RUnlock()
	if m == nil {
		return NoopMetrics()
	}
	return m
}

// NoopMetrics returns a disabled instance whose record methods all
// no-op. Fresh per call: the devices gauge mirror is per-instance
// state.
func NoopMetrics() *Metrics {
	return disabledMetrics(DefaultMetricsConfig())
}

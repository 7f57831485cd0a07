package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config describes the tracing half of the telemetry setup.
type Config struct {
	// Enabled gates the whole pipeline; when false every span is a no-op.
	Enabled bool

	// ServiceName identifies this process in exported traces.
	ServiceName string

	// ServiceVersion is stamped on the trace resource when set.
	ServiceVersion string

	// ExporterType picks the span exporter.
	ExporterType ExporterType

	// OTLPEndpoint is the collector address for the OTLP exporters,
	// e.g. "localhost:4317". Empty means the exporter's default.
	OTLPEndpoint string

	// OTLPInsecure turns off TLS towards the collector.
	OTLPInsecure bool

	// SampleRate keeps this fraction of traces; 1.0 keeps everything.
	SampleRate float64

	// Attributes are stamped on every exported span.
	Attributes map[string]string
}

// DefaultConfig returns a config with tracing off and, once enabled,
// every trace sampled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "benchd",
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

// Tracer owns the span pipeline. A disabled Tracer hands out no-op
// spans, so callers start and end spans unconditionally.
type Tracer struct {
	cfg        *Config
	provider   trace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	stop       func(context.Context) error
	mu         sync.Mutex
}

// NewTracer builds a Tracer from cfg. A nil cfg, Enabled=false, and
// the none exporter all yield a disabled instance; only the enabled
// path installs the W3C propagator process-wide.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return disabledTracer(cfg), nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("span exporter: %w", err)
	}
	res, err := buildResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	t := &Tracer{
		cfg:        cfg,
		provider:   tp,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		stop:       tp.Shutdown,
	}
	otel.SetTextMapPropagator(t.propagator)
	return t, nil
}

// disabledTracer keeps the full method set alive on top of the no-op
// provider without touching process-wide OTel state.
func disabledTracer(cfg *Config) *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		cfg:        cfg,
		provider:   tp,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		stop:       func(context.Context) error { return nil },
	}
}

func newSpanExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case ExporterOTLPGRPC:
		var o []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			o = append(o, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			o = append(o, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, o...)

	case ExporterOTLPHTTP:
		var o []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			o = append(o, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			o = append(o, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, o...)

	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.ExporterType)
	}
}

// Shutdown flushes buffered spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return nil
	}
	return t.stop(ctx)
}

// Enabled reports whether spans actually leave the process.
func (t *Tracer) Enabled() bool {
	return t.cfg.Enabled && t.cfg.ExporterType != ExporterNone
}

// StartSpan opens a span named name under the current context.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// SpanFromContext returns the span carried by ctx.
func (t *Tracer) SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Propagator returns the propagator used for incoming trace headers.
func (t *Tracer) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// TracerProvider exposes the underlying provider.
func (t *Tracer) TracerProvider() trace.TracerProvider {
	return t.provider
}

// MessageSpanOptions carries the standard attributes for a span
// covering one inbound client message.
type MessageSpanOptions struct {
	ClientID    string
	MessageType string
	DeviceID    string
}

// StartMessageSpan opens the server span for one WebSocket message,
// named after the message type, e.g. "ws.setValue".
func (t *Tracer) StartMessageSpan(ctx context.Context, opts MessageSpanOptions) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs,
		attribute.String("benchd.client_id", opts.ClientID),
		attribute.String("benchd.message_type", opts.MessageType),
	)
	if opts.DeviceID != "" {
		attrs = append(attrs, attribute.String("benchd.device_id", opts.DeviceID))
	}
	return t.tracer.Start(ctx, "ws."+opts.MessageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks span with err and the wire error code that went
// back to the client. A nil span or err is a no-op.
func RecordError(span trace.Span, err error, code string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", code))
}

// GetTraceInfo returns the hex trace and span IDs from ctx, or empty
// strings when ctx carries no span.
func GetTraceInfo(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

var (
	globalTracer   *Tracer
	globalTracerMu sync.RWMutex

	noopTracer     *Tracer
	noopTracerOnce sync.Once
)

// SetGlobalTracer installs t for GetGlobalTracer callers. An enabled
// tracer also becomes the process-wide OTel tracer provider.
func SetGlobalTracer(t *Tracer) {
	globalTracerMu.Lock()
	globalTracer = t
	globalTracerMu.Unlock()

	if t != nil && t.Enabled() {
		otel.SetTracerProvider(t.provider)
	}
}

// GetGlobalTracer returns the installed tracer, or a disabled one when
// nothing was installed. Never nil.
func GetGlobalTracer() *Tracer {
	globalTracerMu.RLock()
	t := globalTracer
	globalTracerMu.RUnlock()
	if t == nil {
		return NoopTracer()
	}
	return t
}

// NoopTracer returns the shared disabled tracer.
func NoopTracer() *Tracer {
	noopTracerOnce.Do(func() {
		noopTracer = disabledTracer(DefaultConfig())
	})
	return noopTracer
}

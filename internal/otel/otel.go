// Package otel ships benchd traces and metrics through OpenTelemetry.
//
// Everything here is opt-in. With the zero config the tracer hands out
// no-op spans and the meter leaves every instrument nil, so recording
// costs a nil check and nothing process-wide is touched. Enabling an
// exporter swaps the real SDK pipeline in behind the same handles,
// which keeps call sites free of telemetry branching.
package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType selects where exported telemetry goes. The same set of
// exporters serves both traces and metrics.
type ExporterType string

const (
	// ExporterNone leaves the pipeline off.
	ExporterNone ExporterType = "none"
	// ExporterStdout prints exported telemetry to stdout.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC pushes OTLP to a collector over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP pushes OTLP to a collector over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// buildResource merges the SDK's host defaults with the service
// identity and any operator-supplied attributes.
func buildResource(service, version string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Package telemetry is a thin abstraction over OpenTelemetry for norkv
// instrumentation. Components record metrics and spans through the
// Telemetry interface instead of an OpenTelemetry provider; attributes
// use the OpenTelemetry attribute type. A no-op implementation serves
// builds where telemetry is disabled.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the instrumentation surface handed to store components.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown gracefully shuts down all telemetry providers and exports remaining data.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry is the disabled implementation.
type NoopTelemetry struct{}

// NewNoop creates a no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and a no-op span.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records an operation duration in seconds in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Common attribute keys for consistent naming across components
const (
	AttrOperationType = "operation.type"

	AttrComponent = "component"

	AttrStatus    = "status"
	AttrErrorType = "error.type"

	AttrSector = "sector"
	AttrReason = "reason"
)

// Common attribute values
const (
	// Operation types
	OpTypePut         = "put"
	OpTypeGet         = "get"
	OpTypeDelete      = "delete"
	OpTypeInit        = "init"
	OpTypeGC          = "gc"
	OpTypeRepair      = "repair"
	OpTypeMaintenance = "maintenance"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Component names
	ComponentFlash    = "flash"
	ComponentFormat   = "format"
	ComponentSectors  = "sectors"
	ComponentKeyCache = "keycache"
	ComponentStore    = "kvs"
)

package pipeline

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// telemetryAttrs wraps a set of attributes into the single AddOption the
// OTel counters expect, so call sites read as a flat attribute list.
func telemetryAttrs(attrs ...attribute.KeyValue) []metric.AddOption {
	return []metric.AddOption{metric.WithAttributes(attrs...)}
}

// recordAttrs is the histogram-Record equivalent of telemetryAttrs.
func recordAttrs(attrs ...attribute.KeyValue) []metric.RecordOption {
	return []metric.RecordOption{metric.WithAttributes(attrs...)}
}

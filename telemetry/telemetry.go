// Package telemetry integrates engine events with Clue logging and OTEL
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the engine.
const (
	// MetricRunsStarted counts started runs.
	MetricRunsStarted = "cascade_runs_started"
	// MetricRunsClosed counts closed runs, tagged by status.
	MetricRunsClosed = "cascade_runs_closed"
	// MetricTaskMatches counts task deliveries, tagged by kind.
	MetricTaskMatches = "cascade_task_matches"
	// MetricTimeouts counts fired timeouts, tagged by kind.
	MetricTimeouts = "cascade_timeouts"
	// MetricAppends counts history append batches.
	MetricAppends = "cascade_history_appends"
	// MetricAppendConflicts counts optimistic append conflicts.
	MetricAppendConflicts = "cascade_history_append_conflicts"
	// MetricTaskLatency times queue wait from schedule to claim.
	MetricTaskLatency = "cascade_task_latency"
	// MetricAppendLatency times history append batches.
	MetricAppendLatency = "cascade_append_latency"
)

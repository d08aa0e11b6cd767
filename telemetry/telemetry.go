// Package telemetry defines the logging, metrics, and tracing seams used
// across the control plane and worker.
//
// Components accept these interfaces rather than concrete clients so tests
// can run silent (noop implementations) while production wires clue logging
// and OTEL instruments. Configure the global OTEL providers before invoking
// the clue-backed constructors (typically via clue.ConfigureOpenTelemetry or
// OTEL_EXPORTER_OTLP_ENDPOINT).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are flat
	// key-value string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the minimal span surface used by the platform.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the control plane and worker.
const (
	MetricRunsCreated          = "runs_created_total"
	MetricRunsStarted          = "runs_started_total"
	MetricRunsCompleted        = "runs_completed_total"
	MetricRunsFailed           = "runs_failed_total"
	MetricRunsCancelled        = "runs_cancelled_total"
	MetricRunsRequeued         = "runs_requeued_total"
	MetricRunDuration          = "run_duration_ms"
	MetricSchedulingAttempts   = "scheduling_attempts_total"
	MetricSchedulingFailures   = "scheduling_failures_total"
	MetricSchedulingDuration   = "scheduling_duration_ms"
	MetricLeasesEmitted        = "leases_emitted_total"
	MetricLeasesExpired        = "leases_expired_total"
	MetricEventsPublished      = "events_published_total"
	MetricEventsPublishFailure = "events_publish_failures_total"
	MetricNodesLive            = "nodes_live"
	MetricRunsPending          = "runs_pending"
)

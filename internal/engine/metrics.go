package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"listingflow/backend/pkg/models"
)

const instrumentationName = "listingflow/backend/internal/engine"

type metrics struct {
	started          metric.Int64Counter
	transitions      metric.Int64Counter
	dispatchFailures metric.Int64Counter
	callbacks        metric.Int64Counter
	polls            metric.Int64Counter
	hookFailures     metric.Int64Counter
	duration         metric.Float64Histogram
}

// newMetrics creates the engine instruments. If any instrument cannot be
// created the returned metrics are backed by a no-op meter alongside the error.
func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m, err := buildMetrics(meter)
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m, err
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	var err, errs error

	m.started, err = meter.Int64Counter("executions.started",
		metric.WithDescription("Workflow executions created"))
	errs = errors.Join(errs, err)
	m.transitions, err = meter.Int64Counter("executions.transitions",
		metric.WithDescription("Persisted execution status transitions"))
	errs = errors.Join(errs, err)
	m.dispatchFailures, err = meter.Int64Counter("dispatch.failures",
		metric.WithDescription("Runner trigger calls that failed"))
	errs = errors.Join(errs, err)
	m.callbacks, err = meter.Int64Counter("callbacks.received",
		metric.WithDescription("Completion notifications by outcome"))
	errs = errors.Join(errs, err)
	m.polls, err = meter.Int64Counter("monitor.polls",
		metric.WithDescription("Runner status polls by outcome"))
	errs = errors.Join(errs, err)
	m.hookFailures, err = meter.Int64Counter("events.subscriber_failures",
		metric.WithDescription("Event subscribers that returned an error or panicked"))
	errs = errors.Join(errs, err)
	m.duration, err = meter.Float64Histogram("execution.duration",
		metric.WithDescription("Time from dispatch to completion"),
		metric.WithUnit("s"))
	errs = errors.Join(errs, err)

	return &m, errs
}

func (m *metrics) recordTransition(ctx context.Context, wt models.WorkflowType, from, to models.ExecutionStatus) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_type", string(wt)),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *metrics) recordOutcome(ctx context.Context, counter metric.Int64Counter, source string, outcome Outcome) {
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *metrics) recordDuration(ctx context.Context, wt models.WorkflowType, d time.Duration) {
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("workflow_type", string(wt))))
}

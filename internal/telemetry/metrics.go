// Package telemetry provides metric instrumentation for the engine.
// Instruments are created against the global OpenTelemetry meter; exporters
// are the host process's concern. A nil *Metrics records nothing, so every
// component can take metrics optionally.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/emberworks/cascade/internal/logging"
)

const instrumentationName = "github.com/emberworks/cascade"

// Metrics holds the engine's instruments.
type Metrics struct {
	meter  metric.Meter
	logger *logging.Logger

	dispatches         metric.Int64Counter
	dispatchDuration   metric.Float64Histogram
	failovers          metric.Int64Counter
	breakerRejections  metric.Int64Counter
	cacheLookups       metric.Int64Counter
	validationFailures metric.Int64Counter
	stageDuration      metric.Float64Histogram
}

// NewMetrics creates a Metrics instance.
func NewMetrics(logger *logging.Logger) *Metrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.dispatches, err = m.meter.Int64Counter(
		"cascade.dispatch.attempts_total",
		metric.WithDescription("Completion dispatch attempts by model and outcome (ok, transient, permanent)."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		m.logger.Warn("failed to create dispatch counter")
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"cascade.dispatch.duration_seconds",
		metric.WithDescription("Duration of a single provider call by model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		m.logger.Warn("failed to create dispatch duration histogram")
	}

	m.failovers, err = m.meter.Int64Counter(
		"cascade.dispatch.failovers_total",
		metric.WithDescription("Dispatches answered by a backup model instead of the primary."),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failover counter")
	}

	m.breakerRejections, err = m.meter.Int64Counter(
		"cascade.breaker.rejections_total",
		metric.WithDescription("Calls rejected locally because a model's circuit was open."),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		m.logger.Warn("failed to create breaker rejection counter")
	}

	m.cacheLookups, err = m.meter.Int64Counter(
		"cascade.cache.lookups_total",
		metric.WithDescription("Response cache lookups by result (hit, miss)."),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache lookup counter")
	}

	m.validationFailures, err = m.meter.Int64Counter(
		"cascade.validation.failures_total",
		metric.WithDescription("Validation gate failures by check (structural, schema, consistency)."),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		m.logger.Warn("failed to create validation failure counter")
	}

	m.stageDuration, err = m.meter.Float64Histogram(
		"cascade.stage.duration_seconds",
		metric.WithDescription("End-to-end stage duration including validation retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		m.logger.Warn("failed to create stage duration histogram")
	}
}

// RecordDispatch records one provider call and its outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, model, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	if m.dispatches != nil {
		m.dispatches.Add(ctx, 1, attrs)
	}
	if m.dispatchDuration != nil {
		m.dispatchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordFailover records a dispatch answered by a backup model.
func (m *Metrics) RecordFailover(ctx context.Context, primary, winner string) {
	if m == nil || m.failovers == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("primary", primary),
		attribute.String("winner", winner),
	))
}

// RecordBreakerRejection records a locally rejected call.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, model string) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordValidationFailure records a failed gate check.
func (m *Metrics) RecordValidationFailure(ctx context.Context, stage, check string) {
	if m == nil || m.validationFailures == nil {
		return
	}
	m.validationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("check", check),
	))
}

// RecordStageDuration records a stage's end-to-end duration.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage, status string, elapsed time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

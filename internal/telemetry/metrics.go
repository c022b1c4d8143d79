package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine instruments. The zero value is not usable; build
// one with NewMetrics or DefaultMetrics.
//
// Instruments:
//   - bankflow.step.duration (Float64Histogram, s): step_type, status
//   - bankflow.step.executions (Int64Counter): step_type, status
//   - bankflow.run.finished (Int64Counter): workflow, status
//   - bankflow.step.retries (Int64Counter): step_type
//   - bankflow.api.duration (Float64Histogram, s): host, status_code
//   - bankflow.task.escalations (Int64Counter): action
type Metrics struct {
	stepDuration metric.Float64Histogram
	stepCount    metric.Int64Counter
	runFinished  metric.Int64Counter
	retries      metric.Int64Counter
	apiDuration  metric.Float64Histogram
	escalations  metric.Int64Counter
}

// DefaultMetrics builds instruments on the global MeterProvider. Without a
// configured provider the instruments are no-ops.
func DefaultMetrics() *Metrics {
	return NewMetrics(otel.Meter(instrumentationName))
}

// NewMetrics builds instruments on the given meter. Creation errors fall back
// to the no-op instruments the API returns.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.stepDuration, _ = meter.Float64Histogram("bankflow.step.duration",
		metric.WithDescription("Duration of step execution in seconds"), metric.WithUnit("s"))
	m.stepCount, _ = meter.Int64Counter("bankflow.step.executions",
		metric.WithDescription("Total number of step executions"), metric.WithUnit("{execution}"))
	m.runFinished, _ = meter.Int64Counter("bankflow.run.finished",
		metric.WithDescription("Runs that reached a terminal status"), metric.WithUnit("{run}"))
	m.retries, _ = meter.Int64Counter("bankflow.step.retries",
		metric.WithDescription("Retry attempts made by the retry controller"), metric.WithUnit("{retry}"))
	m.apiDuration, _ = meter.Float64Histogram("bankflow.api.duration",
		metric.WithDescription("Duration of external API calls in seconds"), metric.WithUnit("s"))
	m.escalations, _ = meter.Int64Counter("bankflow.task.escalations",
		metric.WithDescription("Overdue tasks handled by the escalation sweeper"), metric.WithUnit("{task}"))
	return m
}

// RecordStep records one step execution.
func (m *Metrics) RecordStep(ctx context.Context, stepType string, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.String("status", statusOf(err)),
	)
	m.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.stepCount.Add(ctx, 1, attrs)
}

// RecordRunFinished records a run reaching a terminal status.
func (m *Metrics) RecordRunFinished(ctx context.Context, workflow, status string) {
	m.runFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context, stepType string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", stepType)))
}

// RecordAPICall records an outbound API call. statusCode is 0 on transport errors.
func (m *Metrics) RecordAPICall(ctx context.Context, host string, statusCode int, elapsed time.Duration) {
	m.apiDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("host", host),
		attribute.Int("status_code", statusCode),
	))
}

// RecordEscalation records an escalation policy being applied.
func (m *Metrics) RecordEscalation(ctx context.Context, action string) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

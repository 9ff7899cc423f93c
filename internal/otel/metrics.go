package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/claimpilot/claimpilot/internal/otel"

// Metrics records per-call latency and token usage. It is the concrete
// observability sink injected into the manager and invoker; the OTel meter
// provider handles its own synchronization, so callers never lock around it.
type Metrics struct {
	once       sync.Once
	registered bool

	callDuration metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// NewMetrics returns a lazily-initialized metrics sink. Instrument creation is
// deferred to the first record so Setup can install the meter provider first.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) init() {
	meter := otel.Meter(meterName)
	var err error
	m.callDuration, err = meter.Float64Histogram(
		"claimpilot.call.duration",
		metric.WithDescription("Duration of a model invocation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	m.inputTokens, err = meter.Int64Counter(
		"claimpilot.tokens.input",
		metric.WithDescription("Prompt tokens consumed per model invocation"),
	)
	if err != nil {
		return
	}
	m.outputTokens, err = meter.Int64Counter(
		"claimpilot.tokens.output",
		metric.WithDescription("Completion tokens produced per model invocation"),
	)
	if err != nil {
		return
	}
	m.registered = true
}

// RecordCall records one model call. Non-blocking; failures to register
// instruments turn this into a no-op rather than an error path.
func (m *Metrics) RecordCall(ctx context.Context, route, agent string, duration time.Duration, promptTokens, completionTokens int) {
	m.once.Do(m.init)
	if !m.registered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("agent", agent),
	)
	m.callDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.inputTokens.Add(ctx, int64(promptTokens), attrs)
	m.outputTokens.Add(ctx, int64(completionTokens), attrs)
}

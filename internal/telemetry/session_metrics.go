package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	promptCounter    metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	ingressCounter   metric.Int64Counter
	tokenFlushSize   metric.Int64Histogram
)

// InitSessionMetrics initializes session-related metrics
func InitSessionMetrics() error {
	meter := otel.Meter("duet.session")

	var err error

	promptCounter, err = meter.Int64Counter(
		"session.prompt.count",
		metric.WithDescription("Number of enqueued prompts"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return err
	}

	dispatchDuration, err = meter.Float64Histogram(
		"session.dispatch.duration",
		metric.WithDescription("Wall time from dispatch to execution_complete"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	ingressCounter, err = meter.Int64Counter(
		"session.ingress.count",
		metric.WithDescription("Number of ingested sandbox events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	tokenFlushSize, err = meter.Int64Histogram(
		"session.token_flush.size",
		metric.WithDescription("Characters per flushed token batch"),
		metric.WithUnit("{char}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordPrompt records one enqueued prompt
func RecordPrompt(ctx context.Context, source string) {
	if promptCounter != nil {
		promptCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", source)),
		)
	}
}

// RecordDispatchDone records the duration of one completed execution
func RecordDispatchDone(ctx context.Context, durationMs float64, status string) {
	if dispatchDuration != nil {
		dispatchDuration.Record(ctx, durationMs,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordIngress records one ingested event
func RecordIngress(ctx context.Context, eventType string, accepted bool) {
	if ingressCounter != nil {
		ingressCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("type", eventType),
				attribute.Bool("accepted", accepted),
			),
		)
	}
}

// RecordTokenFlush records the size of one drained token buffer
func RecordTokenFlush(ctx context.Context, chars int64) {
	if tokenFlushSize != nil {
		tokenFlushSize.Record(ctx, chars,
			metric.WithAttributes(),
		)
	}
}

package shadowing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName scopes the tracer and meter of the engine.
const instrumentationName = "github.com/go-digitaltwin/go-twinstate/shadowing"

const (
	// twinNameKey is the attribute key used to associate each record with the
	// name of the twin that produced it. This allows both collective analysis
	// across all twins of a process and individual analysis per twin.
	twinNameKey = "twin"
	// transactionOpKey associates each record with the operation that ran the
	// transaction (e.g. "bind", "update property").
	transactionOpKey = "operation"
)

// Names of the general-purpose counters every engine maintains in its registry.
const (
	PropertyVariations        = "shadowing.property.variations"
	PropertyVariationsDropped = "shadowing.property.variations.dropped"
	EventNotifications        = "shadowing.event.notifications"
)

// engineTelemetry holds the instruments that measure the engine itself, as
// opposed to the instruments of the twin state kept by the registry.
type engineTelemetry struct {
	// transactionDuration measures the duration of a single engine transaction,
	// from waiting for the transaction slot until observers were notified of the
	// commit.
	transactionDuration metric.Float64Histogram
	// transactionFailures counts the engine transactions that were aborted.
	transactionFailures metric.Int64Counter
}

func newEngineTelemetry(meter metric.Meter) (engineTelemetry, error) {
	var t engineTelemetry
	var err error
	t.transactionDuration, err = meter.Float64Histogram(
		"shadowing.transaction.duration",
		metric.WithDescription("The duration of a single engine transaction, including the notification of observers about its commit."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return t, fmt.Errorf("init 'shadowing.transaction.duration' instrument: %w", err)
	}

	t.transactionFailures, err = meter.Int64Counter(
		"shadowing.transaction.failures",
		metric.WithDescription("The number of engine transactions that were aborted."),
	)
	if err != nil {
		return t, fmt.Errorf("init 'shadowing.transaction.failures' instrument: %w", err)
	}
	return t, nil
}

// measureTransaction records the duration of a committed transaction, or counts
// an aborted one. Each record is labelled with the twin name and the operation
// that ran the transaction.
func (t engineTelemetry) measureTransaction(ctx context.Context, twinName, op string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String(twinNameKey, twinName),
		attribute.String(transactionOpKey, op),
	)
	if succeeded {
		// Floating-point division keeps sub-millisecond precision.
		duration := float64(d) / float64(time.Millisecond)
		t.transactionDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		t.transactionFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

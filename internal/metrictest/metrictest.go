/*
Package metrictest provides a convenient way to collect the measurements of
OpenTelemetry instruments in tests. It wraps an SDK MeterProvider around a
ManualReader, so that tests decide exactly when a collection (and therefore
every observable callback) happens.

If the details of the collected data are not important, use the Int64, Float64
and HistogramCount helpers. If, however, a test needs the raw data points (for
example to assert on attributes), use Collect and walk the returned
metricdata.ResourceMetrics directly.

This package is intended to be used in tests only. It is not suitable for
production use.
*/
package metrictest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Reader collects the measurements recorded through its MeterProvider.
type Reader struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// New returns a Reader whose MeterProvider is shut down during cleanup of the
// provided [*testing.T].
func New(t *testing.T) *Reader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Error("Encountered an error during cleanup; shutdown meter provider:", err)
		}
	})
	return &Reader{reader: reader, provider: provider}
}

// MeterProvider returns the provider whose instruments this Reader collects.
func (r *Reader) MeterProvider() metric.MeterProvider { return r.provider }

// Meter is a shorthand for r.MeterProvider().Meter(name).
func (r *Reader) Meter(name string) metric.Meter { return r.provider.Meter(name) }

// Collect runs a single collection cycle and returns everything it gathered.
func (r *Reader) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal("Collect():", err)
	}
	return rm
}

// Lookup returns the collected instrument with the given name, across all
// scopes.
func Lookup(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	return LookupIn(rm, "", name)
}

// LookupIn returns the collected instrument with the given name in the named
// instrumentation scope. An empty scope matches every scope.
func LookupIn(rm metricdata.ResourceMetrics, scope, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		if scope != "" && sm.Scope.Name != scope {
			continue
		}
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Int64 collects once and returns the value of the named int64 counter or gauge,
// summed over all of its data points. It reports false if the instrument
// produced no data points.
func (r *Reader) Int64(t *testing.T, name string) (int64, bool) {
	t.Helper()
	return r.Int64In(t, "", name)
}

// Int64In is like Int64 for an instrument of the named instrumentation scope.
func (r *Reader) Int64In(t *testing.T, scope, name string) (int64, bool) {
	t.Helper()
	m, ok := LookupIn(r.Collect(t), scope, name)
	if !ok {
		return 0, false
	}
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		return sumPoints(data.DataPoints)
	case metricdata.Gauge[int64]:
		return sumPoints(data.DataPoints)
	default:
		t.Fatalf("Instrument %q holds %T, want int64 data", name, m.Data)
		return 0, false
	}
}

// Float64 is like Int64 for float64 counters and gauges.
func (r *Reader) Float64(t *testing.T, name string) (float64, bool) {
	t.Helper()
	return r.Float64In(t, "", name)
}

// Float64In is like Float64 for an instrument of the named instrumentation
// scope.
func (r *Reader) Float64In(t *testing.T, scope, name string) (float64, bool) {
	t.Helper()
	m, ok := LookupIn(r.Collect(t), scope, name)
	if !ok {
		return 0, false
	}
	switch data := m.Data.(type) {
	case metricdata.Sum[float64]:
		return sumPoints(data.DataPoints)
	case metricdata.Gauge[float64]:
		return sumPoints(data.DataPoints)
	default:
		t.Fatalf("Instrument %q holds %T, want float64 data", name, m.Data)
		return 0, false
	}
}

// HistogramCount collects once and returns the number of measurements recorded
// by the named float64 histogram, across all of its data points.
func (r *Reader) HistogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	m, ok := Lookup(r.Collect(t), name)
	if !ok {
		return 0
	}
	data, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("Instrument %q holds %T, want a float64 histogram", name, m.Data)
	}
	var n uint64
	for _, dp := range data.DataPoints {
		n += dp.Count
	}
	return n
}

func sumPoints[N int64 | float64](points []metricdata.DataPoint[N]) (N, bool) {
	var sum N
	for _, dp := range points {
		sum += dp.Value
	}
	return sum, len(points) > 0
}

package metrics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-digitaltwin/go-twinstate"
	"github.com/go-digitaltwin/go-twinstate/internal/metrictest"
	"github.com/go-digitaltwin/go-twinstate/metrics"
	"github.com/google/go-cmp/cmp"
)

// properties is a PropertyReader backed by a plain map.
type properties map[string]twinstate.Property

func (p properties) Property(key string) (twinstate.Property, bool) {
	v, ok := p[key]
	return v, ok
}

func newProperties() properties {
	return properties{
		"temperature": {Key: "temperature", Type: "double", Kind: twinstate.KindReal, Value: twinstate.Real(20)},
		"occupancy":   {Key: "occupancy", Type: "Integer", Kind: twinstate.KindInt, Value: twinstate.Int(3)},
		"label":       {Key: "label", Type: "string", Kind: twinstate.KindString, Value: twinstate.String("lab")},
	}
}

func TestWatchReadsPropertyOnCollect(t *testing.T) {
	reader := metrictest.New(t)
	props := newProperties()
	r := metrics.NewRegistry(props, reader.MeterProvider())

	if err := r.WatchGauge("temperature", metrics.Float64); err != nil {
		t.Fatal("WatchGauge():", err)
	}
	if err := r.WatchCounter("occupancy", metrics.Int64); err != nil {
		t.Fatal("WatchCounter():", err)
	}

	if got, _ := reader.Float64(t, "temperature"); got != 20 {
		t.Errorf("temperature = %v, want 20", got)
	}
	props["temperature"] = twinstate.Property{Key: "temperature", Type: "double", Kind: twinstate.KindReal, Value: twinstate.Real(23.5)}
	if got, _ := reader.Float64(t, "temperature"); got != 23.5 {
		t.Errorf("temperature = %v after update, want 23.5", got)
	}
	if got, _ := reader.Int64(t, "occupancy"); got != 3 {
		t.Errorf("occupancy = %v, want 3", got)
	}

	// Collections skip properties that disappeared.
	delete(props, "occupancy")
	if _, ok := reader.Int64(t, "occupancy"); ok {
		t.Error("occupancy reported after the property was removed")
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	r := metrics.NewRegistry(newProperties(), metrictest.New(t).MeterProvider())
	for range 2 {
		if err := r.WatchGauge("temperature", metrics.Float64); err != nil {
			t.Fatal("WatchGauge():", err)
		}
	}
	want := []metrics.Instrument{{Name: "temperature", Type: metrics.Gauge, Kind: metrics.Float64}}
	if diff := cmp.Diff(want, r.Observed()); diff != "" {
		t.Errorf("Observed() mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchAbsentPropertyIsSkipped(t *testing.T) {
	r := metrics.NewRegistry(newProperties(), metrictest.New(t).MeterProvider())
	if err := r.WatchCounter("pressure", metrics.Float64); err != nil {
		t.Errorf("WatchCounter(absent) error = %v, want nil", err)
	}
	if got := r.Observed(); len(got) != 0 {
		t.Errorf("Observed() = %v, want empty", got)
	}
}

func TestWatchTypeMismatch(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		kind     metrics.NumberKind
		wantType string
	}{
		{name: "int64 on double", key: "temperature", kind: metrics.Int64, wantType: "double"},
		{name: "float64 on integer", key: "occupancy", kind: metrics.Float64, wantType: "Integer"},
		{name: "int64 on string", key: "label", kind: metrics.Int64, wantType: "string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := metrics.NewRegistry(newProperties(), metrictest.New(t).MeterProvider())
			for _, watch := range []func(string, metrics.NumberKind) error{r.WatchCounter, r.WatchGauge} {
				err := watch(tt.key, tt.kind)
				var typeErr metrics.InvalidMetricTypeError
				if !errors.As(err, &typeErr) {
					t.Fatalf("Watch() error = %v, want InvalidMetricTypeError", err)
				}
				if typeErr.Type != tt.wantType || !strings.Contains(err.Error(), tt.wantType) {
					t.Errorf("Watch() error = %q, want it to name type %q", err, tt.wantType)
				}
			}
			if got := r.Observed(); len(got) != 0 {
				t.Errorf("Observed() = %v after a rejected watch, want empty", got)
			}
		})
	}
}

func TestUnwatch(t *testing.T) {
	reader := metrictest.New(t)
	r := metrics.NewRegistry(newProperties(), reader.MeterProvider())
	if err := r.WatchGauge("temperature", metrics.Float64); err != nil {
		t.Fatal("WatchGauge():", err)
	}
	if err := r.UnwatchGauge("temperature", metrics.Float64); err != nil {
		t.Fatal("UnwatchGauge():", err)
	}
	if err := r.UnwatchGauge("temperature", metrics.Float64); err != nil {
		t.Error("UnwatchGauge(missing):", err)
	}
	if _, ok := reader.Float64(t, "temperature"); ok {
		t.Error("temperature reported after UnwatchGauge()")
	}
	if got := r.Observed(); len(got) != 0 {
		t.Errorf("Observed() = %v, want empty", got)
	}
}

func TestGeneralCounters(t *testing.T) {
	reader := metrictest.New(t)
	r := metrics.NewRegistry(newProperties(), reader.MeterProvider())

	if err := r.AddInt64Counter("updates.count", 0); err != nil {
		t.Fatal("AddInt64Counter():", err)
	}
	for range 3 {
		if err := r.IncrementInt64Counter("updates.count", 1); err != nil {
			t.Fatal("IncrementInt64Counter():", err)
		}
	}
	// Re-adding keeps the existing counter and its value.
	if err := r.AddInt64Counter("updates.count", 100); err != nil {
		t.Fatal("AddInt64Counter(again):", err)
	}
	if got, _ := reader.Int64(t, "updates.count"); got != 3 {
		t.Errorf("updates.count = %d, want 3", got)
	}

	if err := r.AddFloat64Counter("energy", 1.5); err != nil {
		t.Fatal("AddFloat64Counter():", err)
	}
	if err := r.IncrementFloat64Counter("energy", 0.25); err != nil {
		t.Fatal("IncrementFloat64Counter():", err)
	}
	if got, _ := reader.Float64(t, "energy"); got != 1.75 {
		t.Errorf("energy = %v, want 1.75", got)
	}

	if err := r.IncrementInt64Counter("updates.count", -1); !errors.Is(err, metrics.ErrNegativeIncrement) {
		t.Errorf("IncrementInt64Counter(-1) error = %v, want %v", err, metrics.ErrNegativeIncrement)
	}

	want := []metrics.Instrument{
		{Name: "energy", Type: metrics.Counter, Kind: metrics.Float64},
		{Name: "updates.count", Type: metrics.Counter, Kind: metrics.Int64},
	}
	if diff := cmp.Diff(want, r.General()); diff != "" {
		t.Errorf("General() mismatch (-want +got):\n%s", diff)
	}
}

func TestGeneralGauges(t *testing.T) {
	reader := metrictest.New(t)
	r := metrics.NewRegistry(newProperties(), reader.MeterProvider())

	if err := r.AddInt64Gauge("adapters", 1); err != nil {
		t.Fatal("AddInt64Gauge():", err)
	}
	if err := r.SetInt64Gauge("adapters", -2); err != nil {
		t.Fatal("SetInt64Gauge():", err)
	}
	if got, _ := reader.Int64(t, "adapters"); got != -2 {
		t.Errorf("adapters = %d, want -2", got)
	}

	if err := r.AddFloat64Gauge("load", 0.5); err != nil {
		t.Fatal("AddFloat64Gauge():", err)
	}
	if got, _ := reader.Float64(t, "load"); got != 0.5 {
		t.Errorf("load = %v, want 0.5", got)
	}
	if err := r.SetFloat64Gauge("load", 0.75); err != nil {
		t.Fatal("SetFloat64Gauge():", err)
	}
	if got, _ := reader.Float64(t, "load"); got != 0.75 {
		t.Errorf("load = %v, want 0.75", got)
	}
}

func TestGeneralNotFound(t *testing.T) {
	r := metrics.NewRegistry(newProperties(), metrictest.New(t).MeterProvider())

	tests := []struct {
		name string
		push func() error
		want metrics.Instrument
	}{
		{
			name: "int64 counter",
			push: func() error { return r.IncrementInt64Counter("updates.count", 1) },
			want: metrics.Instrument{Name: "updates.count", Type: metrics.Counter, Kind: metrics.Int64},
		},
		{
			name: "float64 counter",
			push: func() error { return r.IncrementFloat64Counter("energy", 1) },
			want: metrics.Instrument{Name: "energy", Type: metrics.Counter, Kind: metrics.Float64},
		},
		{
			name: "int64 gauge",
			push: func() error { return r.SetInt64Gauge("adapters", 1) },
			want: metrics.Instrument{Name: "adapters", Type: metrics.Gauge, Kind: metrics.Int64},
		},
		{
			name: "float64 gauge",
			push: func() error { return r.SetFloat64Gauge("load", 1) },
			want: metrics.Instrument{Name: "load", Type: metrics.Gauge, Kind: metrics.Float64},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.push()
			var notFound metrics.NotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("push error = %v, want NotFoundError", err)
			}
			if diff := cmp.Diff(tt.want, notFound.Instrument); diff != "" {
				t.Errorf("NotFoundError.Instrument mismatch (-want +got):\n%s", diff)
			}
			if !strings.Contains(err.Error(), tt.want.Name) {
				t.Errorf("Error() = %q, want it to name %q", err, tt.want.Name)
			}
		})
	}
	if got := r.General(); len(got) != 0 {
		t.Errorf("General() = %v, want empty; pushes must not create instruments", got)
	}
}

func TestGeneralRemove(t *testing.T) {
	reader := metrictest.New(t)
	r := metrics.NewRegistry(newProperties(), reader.MeterProvider())
	if err := r.AddInt64Counter("updates.count", 5); err != nil {
		t.Fatal("AddInt64Counter():", err)
	}
	if err := r.RemoveInt64Counter("updates.count"); err != nil {
		t.Fatal("RemoveInt64Counter():", err)
	}
	for _, remove := range []func(string) error{r.RemoveInt64Counter, r.RemoveFloat64Counter, r.RemoveInt64Gauge, r.RemoveFloat64Gauge} {
		if err := remove("missing"); err != nil {
			t.Error("Remove(missing):", err)
		}
	}
	if _, ok := reader.Int64(t, "updates.count"); ok {
		t.Error("updates.count reported after removal")
	}
	var notFound metrics.NotFoundError
	if err := r.IncrementInt64Counter("updates.count", 1); !errors.As(err, &notFound) {
		t.Errorf("IncrementInt64Counter(removed) error = %v, want NotFoundError", err)
	}
}

// General-purpose names live apart from property keys: a gauge may share its
// name with a watched property without either affecting the other.
func TestGeneralIndependentOfProperties(t *testing.T) {
	reader := metrictest.New(t)
	r := metrics.NewRegistry(newProperties(), reader.MeterProvider())
	if err := r.WatchGauge("temperature", metrics.Float64); err != nil {
		t.Fatal("WatchGauge():", err)
	}
	if err := r.AddInt64Gauge("temperature", 5); err != nil {
		t.Fatal("AddInt64Gauge():", err)
	}
	if len(r.Observed()) != 1 || len(r.General()) != 1 {
		t.Errorf("Observed() = %v, General() = %v; want one of each", r.Observed(), r.General())
	}
	if got, _ := reader.Float64In(t, metrics.ObservedScope, "temperature"); got != 20 {
		t.Errorf("observed temperature = %v, want 20", got)
	}
	if got, _ := reader.Int64In(t, metrics.GeneralScope, "temperature"); got != 5 {
		t.Errorf("general temperature = %d, want 5", got)
	}
}

func TestGeneralConflict(t *testing.T) {
	r := metrics.NewRegistry(newProperties(), metrictest.New(t).MeterProvider())
	if err := r.AddInt64Gauge("load", 1); err != nil {
		t.Fatal("AddInt64Gauge():", err)
	}
	err := r.AddFloat64Gauge("load", 0.5)
	var conflict metrics.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("AddFloat64Gauge(load) error = %v, want ConflictError", err)
	}
	want := metrics.ConflictError{
		Instrument: metrics.Instrument{Name: "load", Type: metrics.Gauge, Kind: metrics.Float64},
		Existing:   metrics.Instrument{Name: "load", Type: metrics.Gauge, Kind: metrics.Int64},
	}
	if diff := cmp.Diff(want, conflict); diff != "" {
		t.Errorf("ConflictError mismatch (-want +got):\n%s", diff)
	}

	// A counter of the same name is exported under another name.
	if err := r.AddFloat64Counter("load", 0); err != nil {
		t.Errorf("AddFloat64Counter(load) error = %v, want nil", err)
	}
	if got := len(r.General()); got != 2 {
		t.Errorf("len(General()) = %d, want 2", got)
	}
}

package metrics

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-digitaltwin/go-twinstate"
	"go.opentelemetry.io/otel/metric"
)

// NumberKind is the numeric representation of an instrument's measurements.
type NumberKind uint8

const (
	Int64 NumberKind = iota + 1
	Float64
)

func (k NumberKind) String() string {
	switch k {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("NumberKind(%d)", uint8(k))
	}
}

// accepts reports whether properties of the given value kind can back an
// instrument of number kind k.
func (k NumberKind) accepts(kind twinstate.Kind) bool {
	switch k {
	case Int64:
		return kind == twinstate.KindInt
	case Float64:
		return kind == twinstate.KindReal
	default:
		return false
	}
}

// InstrumentType distinguishes monotonic counters from gauges.
type InstrumentType uint8

const (
	Counter InstrumentType = iota + 1
	Gauge
)

func (t InstrumentType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return fmt.Sprintf("InstrumentType(%d)", uint8(t))
	}
}

// Instrument identifies an entry of the registry. Within a family, a name is
// used by at most one Kind per Type. The observed and general-purpose families
// keep separate tables.
type Instrument struct {
	Name string
	Type InstrumentType
	Kind NumberKind
}

func (i Instrument) describe() string {
	return i.Kind.String() + " " + i.Type.String()
}

// Watch describes a property-observed instrument; see Registry.Attach.
type Watch struct {
	Key  string
	Type InstrumentType
	Kind NumberKind
}

// PropertyReader provides point-in-time reads of twin properties.
// *twinstate.Store implements it.
type PropertyReader interface {
	Property(key string) (twinstate.Property, bool)
}

// Registry is the typed table of metric instruments of a twin. It maintains two
// families of instruments:
//
//   - Property-observed instruments derive their value from a twin property
//     every time the meter is collected. Nothing ever pushes to them.
//   - General-purpose instruments hold a value of their own, driven explicitly
//     by Increment and Set calls.
//
// Both families are exported as OpenTelemetry observable instruments, so
// removing an instrument from the registry also stops its export. Each family
// has an instrumentation scope of its own (ObservedScope and GeneralScope):
// a general-purpose instrument may share its name with a watched property.
//
// A Registry is safe for concurrent use.
type Registry struct {
	props         PropertyReader
	observedMeter metric.Meter
	generalMeter  metric.Meter

	mu       sync.Mutex // Guards the tables, never held while measuring.
	observed map[Instrument]metric.Registration
	general  map[Instrument]*cell
}

// Instrumentation scopes of the two instrument families.
const (
	ObservedScope = "github.com/go-digitaltwin/go-twinstate/metrics/observed"
	GeneralScope  = "github.com/go-digitaltwin/go-twinstate/metrics/general"
)

// NewRegistry returns an empty Registry whose observed instruments read from
// props. Instruments are created with the meters of provider for ObservedScope
// and GeneralScope.
func NewRegistry(props PropertyReader, provider metric.MeterProvider) *Registry {
	return &Registry{
		props:         props,
		observedMeter: provider.Meter(ObservedScope),
		generalMeter:  provider.Meter(GeneralScope),
		observed: make(map[Instrument]metric.Registration),
		general:  make(map[Instrument]*cell),
	}
}

// WatchCounter exposes the property with the given key as a monotonic counter
// of the given number kind. See Attach.
func (r *Registry) WatchCounter(key string, kind NumberKind) error {
	return r.Attach(Watch{Key: key, Type: Counter, Kind: kind})
}

// WatchGauge exposes the property with the given key as a gauge of the given
// number kind. See Attach.
func (r *Registry) WatchGauge(key string, kind NumberKind) error {
	return r.Attach(Watch{Key: key, Type: Gauge, Kind: kind})
}

// Attach registers an instrument named after w.Key whose value is read from the
// property on every collection. Collections skip the instrument while the
// property is absent.
//
// Attaching a property that does not exist is a no-op. Attaching a property
// whose Kind the instrument cannot represent fails with an
// InvalidMetricTypeError and leaves the registry unchanged. Attaching the same
// property to the same table twice registers a single instrument.
func (r *Registry) Attach(w Watch) error {
	p, ok := r.props.Property(w.Key)
	if !ok {
		return nil
	}
	if !w.Kind.accepts(p.Kind) {
		return InvalidMetricTypeError{Property: w.Key, Type: p.Type, Want: w.Kind}
	}

	id := Instrument{Name: w.Key, Type: w.Type, Kind: w.Kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observed[id]; ok {
		return nil
	}

	desc := metric.WithDescription(fmt.Sprintf("The value of the twin property %q.", w.Key))
	inst, observe, err := observable(r.observedMeter, id, desc)
	if err != nil {
		return fmt.Errorf("watch %s %q: %w", id.describe(), w.Key, err)
	}
	reg, err := r.observedMeter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		p, ok := r.props.Property(w.Key)
		if !ok {
			return nil
		}
		observe(o, p.Value)
		return nil
	}, inst)
	if err != nil {
		return fmt.Errorf("watch %s %q: %w", id.describe(), w.Key, err)
	}
	r.observed[id] = reg
	return nil
}

// conflicting fails if table holds an instrument of the same name and type as
// id, but of another number kind. Both would be exported under one name.
// Observed instruments cannot conflict: a property has a single Kind.
func conflicting(table map[Instrument]*cell, id Instrument) error {
	for existing := range table {
		if existing.Name == id.Name && existing.Type == id.Type && existing.Kind != id.Kind {
			return ConflictError{Instrument: id, Existing: existing}
		}
	}
	return nil
}

// observable creates the OpenTelemetry instrument for id on meter, and returns
// a function that reports a twin value through it.
func observable(meter metric.Meter, id Instrument, opts ...metric.InstrumentOption) (metric.Observable, func(metric.Observer, twinstate.Value), error) {
	var int64Opts []metric.Int64ObservableCounterOption
	var float64Opts []metric.Float64ObservableCounterOption
	var int64GaugeOpts []metric.Int64ObservableGaugeOption
	var float64GaugeOpts []metric.Float64ObservableGaugeOption
	for _, opt := range opts {
		int64Opts = append(int64Opts, opt)
		float64Opts = append(float64Opts, opt)
		int64GaugeOpts = append(int64GaugeOpts, opt)
		float64GaugeOpts = append(float64GaugeOpts, opt)
	}

	switch {
	case id.Kind == Int64 && id.Type == Counter:
		inst, err := meter.Int64ObservableCounter(id.Name, int64Opts...)
		return inst, observeInt64(inst), err
	case id.Kind == Int64 && id.Type == Gauge:
		inst, err := meter.Int64ObservableGauge(id.Name, int64GaugeOpts...)
		return inst, observeInt64(inst), err
	case id.Kind == Float64 && id.Type == Counter:
		inst, err := meter.Float64ObservableCounter(id.Name, float64Opts...)
		return inst, observeFloat64(inst), err
	case id.Kind == Float64 && id.Type == Gauge:
		inst, err := meter.Float64ObservableGauge(id.Name, float64GaugeOpts...)
		return inst, observeFloat64(inst), err
	default:
		return nil, nil, fmt.Errorf("unsupported instrument %s", id.describe())
	}
}

func observeInt64(inst metric.Int64Observable) func(metric.Observer, twinstate.Value) {
	return func(o metric.Observer, v twinstate.Value) {
		if n, ok := v.AsInt(); ok {
			o.ObserveInt64(inst, n)
		}
	}
}

func observeFloat64(inst metric.Float64Observable) func(metric.Observer, twinstate.Value) {
	return func(o metric.Observer, v twinstate.Value) {
		if f, ok := v.AsReal(); ok {
			o.ObserveFloat64(inst, f)
		}
	}
}

// UnwatchCounter stops exposing the property as a counter of the given kind. It
// is a no-op if no such instrument is attached.
func (r *Registry) UnwatchCounter(key string, kind NumberKind) error {
	return r.unwatch(Instrument{Name: key, Type: Counter, Kind: kind})
}

// UnwatchGauge is like UnwatchCounter for gauges.
func (r *Registry) UnwatchGauge(key string, kind NumberKind) error {
	return r.unwatch(Instrument{Name: key, Type: Gauge, Kind: kind})
}

func (r *Registry) unwatch(id Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.observed[id]
	if !ok {
		return nil
	}
	delete(r.observed, id)
	if err := reg.Unregister(); err != nil {
		return fmt.Errorf("unwatch %s %q: %w", id.describe(), id.Name, err)
	}
	return nil
}

// cell holds the current value of a general-purpose instrument as the bits of
// an int64 or a float64, according to its kind.
type cell struct {
	kind NumberKind
	bits atomic.Uint64
	reg  metric.Registration
}

func (c *cell) observe(o metric.Observer, inst metric.Observable) {
	switch inst := inst.(type) {
	case metric.Int64Observable:
		o.ObserveInt64(inst, int64(c.bits.Load()))
	case metric.Float64Observable:
		o.ObserveFloat64(inst, math.Float64frombits(c.bits.Load()))
	}
}

func (c *cell) addInt64(n int64) { c.bits.Add(uint64(n)) }

func (c *cell) addFloat64(f float64) {
	for {
		old := c.bits.Load()
		if c.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+f)) {
			return
		}
	}
}

// AddInt64Counter adds a general-purpose counter starting at initial. Adding a
// name that already exists is ignored, and the existing counter keeps its value.
// Adding a float64 counter of the same name fails with a ConflictError.
func (r *Registry) AddInt64Counter(name string, initial int64) error {
	if initial < 0 {
		return ErrNegativeIncrement
	}
	return r.add(Instrument{Name: name, Type: Counter, Kind: Int64}, uint64(initial))
}

// AddFloat64Counter is like AddInt64Counter for float64 counters.
func (r *Registry) AddFloat64Counter(name string, initial float64) error {
	if initial < 0 {
		return ErrNegativeIncrement
	}
	return r.add(Instrument{Name: name, Type: Counter, Kind: Float64}, math.Float64bits(initial))
}

// AddInt64Gauge adds a general-purpose gauge set to initial. Adding a name that
// already exists is ignored.
func (r *Registry) AddInt64Gauge(name string, initial int64) error {
	return r.add(Instrument{Name: name, Type: Gauge, Kind: Int64}, uint64(initial))
}

// AddFloat64Gauge is like AddInt64Gauge for float64 gauges.
func (r *Registry) AddFloat64Gauge(name string, initial float64) error {
	return r.add(Instrument{Name: name, Type: Gauge, Kind: Float64}, math.Float64bits(initial))
}

func (r *Registry) add(id Instrument, bits uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.general[id]; ok {
		return nil
	}
	if err := conflicting(r.general, id); err != nil {
		return err
	}

	c := &cell{kind: id.Kind}
	c.bits.Store(bits)
	inst, _, err := observable(r.generalMeter, id)
	if err != nil {
		return fmt.Errorf("add %s %q: %w", id.describe(), id.Name, err)
	}
	c.reg, err = r.generalMeter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		c.observe(o, inst)
		return nil
	}, inst)
	if err != nil {
		return fmt.Errorf("add %s %q: %w", id.describe(), id.Name, err)
	}
	r.general[id] = c
	return nil
}

// RemoveInt64Counter removes a general-purpose counter, which stops being
// exported. Removing a missing counter is a no-op.
func (r *Registry) RemoveInt64Counter(name string) error {
	return r.remove(Instrument{Name: name, Type: Counter, Kind: Int64})
}

func (r *Registry) RemoveFloat64Counter(name string) error {
	return r.remove(Instrument{Name: name, Type: Counter, Kind: Float64})
}

func (r *Registry) RemoveInt64Gauge(name string) error {
	return r.remove(Instrument{Name: name, Type: Gauge, Kind: Int64})
}

func (r *Registry) RemoveFloat64Gauge(name string) error {
	return r.remove(Instrument{Name: name, Type: Gauge, Kind: Float64})
}

func (r *Registry) remove(id Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.general[id]
	if !ok {
		return nil
	}
	delete(r.general, id)
	if err := c.reg.Unregister(); err != nil {
		return fmt.Errorf("remove %s %q: %w", id.describe(), id.Name, err)
	}
	return nil
}

// lookup returns the general-purpose instrument id, failing with a
// NotFoundError if it was never added.
func (r *Registry) lookup(id Instrument) (*cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.general[id]
	if !ok {
		return nil, NotFoundError{Instrument: id}
	}
	return c, nil
}

// IncrementInt64Counter adds amount to a general-purpose counter. It fails with
// a NotFoundError if the counter was never added, and with ErrNegativeIncrement
// if amount is negative.
func (r *Registry) IncrementInt64Counter(name string, amount int64) error {
	if amount < 0 {
		return ErrNegativeIncrement
	}
	c, err := r.lookup(Instrument{Name: name, Type: Counter, Kind: Int64})
	if err != nil {
		return err
	}
	c.addInt64(amount)
	return nil
}

// IncrementFloat64Counter is like IncrementInt64Counter for float64 counters.
func (r *Registry) IncrementFloat64Counter(name string, amount float64) error {
	if amount < 0 {
		return ErrNegativeIncrement
	}
	c, err := r.lookup(Instrument{Name: name, Type: Counter, Kind: Float64})
	if err != nil {
		return err
	}
	c.addFloat64(amount)
	return nil
}

// SetInt64Gauge sets the value of a general-purpose gauge. It fails with a
// NotFoundError if the gauge was never added.
func (r *Registry) SetInt64Gauge(name string, v int64) error {
	c, err := r.lookup(Instrument{Name: name, Type: Gauge, Kind: Int64})
	if err != nil {
		return err
	}
	c.bits.Store(uint64(v))
	return nil
}

// SetFloat64Gauge is like SetInt64Gauge for float64 gauges.
func (r *Registry) SetFloat64Gauge(name string, v float64) error {
	c, err := r.lookup(Instrument{Name: name, Type: Gauge, Kind: Float64})
	if err != nil {
		return err
	}
	c.bits.Store(math.Float64bits(v))
	return nil
}

// Observed lists the property-observed instruments, sorted by name.
func (r *Registry) Observed() []Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortInstruments(r.observed)
}

// General lists the general-purpose instruments, sorted by name.
func (r *Registry) General() []Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortInstruments(r.general)
}

func sortInstruments[V any](table map[Instrument]V) []Instrument {
	out := make([]Instrument, 0, len(table))
	for id := range table {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b Instrument) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		if a.Type != b.Type {
			return int(a.Type) - int(b.Type)
		}
		return int(a.Kind) - int(b.Kind)
	})
	return out
}

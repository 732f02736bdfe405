package shadowing

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-twinstate"
	"github.com/go-digitaltwin/go-twinstate/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// PhysicalAdapter is the physical side of the twin, as far as the engine is
// concerned: the recipient of action requests. Delivery is fire-and-forget; the
// engine logs errors and moves on.
type PhysicalAdapter interface {
	PublishAction(ctx context.Context, req twinstate.ActionRequest) error
}

// DefaultAcceptedRelationships lists the relationships an Engine imports when
// Options.AcceptedRelationships is nil.
var DefaultAcceptedRelationships = []string{"insideIn"}

// Options configure an Engine. The zero value is ready to use.
type Options struct {
	// Name labels the telemetry of the engine, to tell apart the twins of a single
	// process. Defaults to "twin".
	Name string
	// AcceptedRelationships lists the relationships the engine imports during
	// binding; others are ignored. Defaults to DefaultAcceptedRelationships.
	AcceptedRelationships []string
	// Watch lists the properties to expose as metric instruments once binding
	// completes.
	Watch []metrics.Watch
	// MeterProvider and TracerProvider default to no-op providers.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// binding holds the keys a physical adapter contributed to the twin state, by
// element.
type binding map[twinstate.Element][]string

// Engine synchronizes a twin state with its physical asset. See the package
// documentation for its lifecycle.
//
// An Engine is safe for concurrent use. Notifications delivered concurrently
// are applied one transaction at a time.
//
// Observers of the engine's store may call OnEventNotification and
// OnDigitalActionEvent from within a notification. They must not call the
// callbacks that run a transaction (OnPropertyVariation,
// OnRelationshipEstablished and OnRelationshipDeleted), nor Unbind: the
// notification may be delivered while the engine's transaction is still held.
type Engine struct {
	name     string
	store    *twinstate.Store
	registry *metrics.Registry
	physical PhysicalAdapter
	accepted map[string]bool
	watch    []metrics.Watch

	tracer    trace.Tracer
	telemetry engineTelemetry

	// txMu serialises the transactions of the engine, and lets Unbind wait for
	// the open transaction to resolve.
	txMu sync.Mutex

	mu       sync.RWMutex // Guards the fields below.
	state    LifecycleState
	adapters map[string]binding
	// observed maps an element key to the adapter that contributed it.
	observed map[twinstate.Element]map[string]string

	synchronized chan struct{}
}

// New returns an Engine in the Created state, with an empty store. Action
// requests are forwarded to physical.
func New(physical PhysicalAdapter, opts Options) (*Engine, error) {
	if opts.Name == "" {
		opts.Name = "twin"
	}
	if opts.AcceptedRelationships == nil {
		opts.AcceptedRelationships = DefaultAcceptedRelationships
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}

	telemetry, err := newEngineTelemetry(opts.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("shadowing: %w", err)
	}

	store := twinstate.NewStore()
	accepted := make(map[string]bool, len(opts.AcceptedRelationships))
	for _, name := range opts.AcceptedRelationships {
		accepted[name] = true
	}
	return &Engine{
		name:         opts.Name,
		store:        store,
		registry:     metrics.NewRegistry(store, opts.MeterProvider),
		physical:     physical,
		accepted:     accepted,
		watch:        slices.Clone(opts.Watch),
		tracer:       opts.TracerProvider.Tracer(instrumentationName),
		telemetry:    telemetry,
		adapters:     make(map[string]binding),
		observed:     make(map[twinstate.Element]map[string]string),
		synchronized: make(chan struct{}),
	}, nil
}

// Store returns the twin state the engine maintains. Digital adapters subscribe
// to it to observe the twin; they must not mutate it directly.
func (e *Engine) Store() *twinstate.Store { return e.store }

// Metrics returns the registry of the twin's metric instruments.
func (e *Engine) Metrics() *metrics.Registry { return e.registry }

// State returns the current lifecycle state.
func (e *Engine) State() LifecycleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Synchronized returns a channel that is closed once the engine becomes
// Synchronized. It is never closed if binding fails, or if every adapter is
// unbound before binding completes.
func (e *Engine) Synchronized() <-chan struct{} { return e.synchronized }

// Bind imports the given descriptions, keyed by the ID of the physical adapter
// that sent them, into the twin state and moves the engine from Created to
// Synchronized.
//
// All descriptions are imported in a single transaction, adapters in ascending
// ID order. Properties are created and observed; events are registered and
// observed; actions are enabled; relationships in the accepted set are created
// and observed, while the others are ignored. Each element is imported on its
// own: a failing element is logged and recorded in the returned ImportReport,
// and the import carries on with the remaining elements.
//
// Once the transaction commits, Bind attaches Options.Watch to the registry and
// adds the general-purpose counters of the engine. Failing watches are also
// recorded in the report.
//
// Bind fails with a LifecycleError unless the engine is Created. Failing
// elements never fail Bind; it returns other errors only if the binding
// transaction itself could not commit, in which case the engine is Created
// again.
func (e *Engine) Bind(ctx context.Context, descriptions map[string]twinstate.Description) (ImportReport, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Bind", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.Int("adapters", len(descriptions)),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin", e.name))
	ctx = component.InjectLogger(ctx, logger) // Inject for further logs down the call-stack.

	e.mu.Lock()
	if e.state != Created {
		err := LifecycleError{Op: "bind", State: e.state}
		e.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return ImportReport{}, err
	}
	e.state = Bound
	e.mu.Unlock()

	report, err := e.importAll(ctx, descriptions)
	if err != nil {
		e.mu.Lock()
		e.state = Created
		e.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return ImportReport{}, fmt.Errorf("shadowing: bind: %w", err)
	}
	logger.Info("Physical descriptions imported", slog.String("report", report.String()))

	for _, w := range e.watch {
		err := e.registry.Attach(w)
		if err != nil {
			logger.Warn("Couldn't watch property",
				slog.String("property-key", w.Key),
				slog.Any("error", err),
			)
		}
		report.Watches = append(report.Watches, WatchResult{Watch: w, Err: err})
	}
	for _, name := range []string{PropertyVariations, PropertyVariationsDropped, EventNotifications} {
		if err := e.registry.AddInt64Counter(name, 0); err != nil {
			logger.Warn("Couldn't add engine counter", slog.String("metric", name), slog.Any("error", err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Bound {
		// Every adapter was unbound while we set up the registry.
		logger.Warn("Twin unbound before it synchronized")
		return report, nil
	}
	e.state = Synchronized
	close(e.synchronized)
	logger.Info("Twin synchronized")
	return report, nil
}

// importAll runs the binding transaction and, once it commits, starts observing
// what it imported.
func (e *Engine) importAll(ctx context.Context, descriptions map[string]twinstate.Description) (ImportReport, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	var report ImportReport
	var bindings map[string]binding
	err := e.apply(ctx, "bind", func(ctx context.Context, w twinstate.Writer) error {
		report = ImportReport{}
		bindings = make(map[string]binding, len(descriptions))
		for _, id := range slices.Sorted(maps.Keys(descriptions)) {
			bindings[id] = e.importDescription(ctx, w, &report, id, descriptions[id])
		}
		return nil
	})
	if err != nil {
		return ImportReport{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, b := range bindings {
		e.adapters[id] = b
		for element, keys := range b {
			if e.observed[element] == nil {
				e.observed[element] = make(map[string]string)
			}
			for _, key := range keys {
				e.observed[element][key] = id
			}
		}
	}
	return report, nil
}

func (e *Engine) importDescription(ctx context.Context, w twinstate.Writer, report *ImportReport, adapter string, d twinstate.Description) binding {
	logger := component.Logger(ctx).With(slog.String("adapter", adapter))
	b := make(binding)
	imported := func(element twinstate.Element, key string, err error) {
		if !report.record(adapter, element, key, err) {
			logger.Warn("Couldn't import element, skipped",
				slog.String("element", string(element)),
				slog.String("key", key),
				slog.Any("error", err),
			)
			return
		}
		b[element] = append(b[element], key)
	}

	for _, p := range d.Properties {
		err := w.CreateProperty(twinstate.Property{Key: p.Key, Type: p.Type, Value: p.InitialValue})
		imported(twinstate.ElementProperty, p.Key, err)
	}
	for _, ev := range d.Events {
		err := w.RegisterEvent(twinstate.Event{Key: ev.Key, Type: ev.Type})
		imported(twinstate.ElementEvent, ev.Key, err)
	}
	for _, a := range d.Actions {
		err := w.EnableAction(twinstate.Action{Key: a.Key, Type: a.Type, ContentType: a.ContentType})
		imported(twinstate.ElementAction, a.Key, err)
	}
	for _, r := range d.Relationships {
		if !e.accepted[r.Name] {
			logger.Debug("Relationship not accepted, ignored", slog.String("relationship", r.Name))
			report.ignore(adapter, twinstate.ElementRelationship, r.Name)
			continue
		}
		err := w.CreateRelationship(twinstate.Relationship{Name: r.Name, Type: r.Type})
		imported(twinstate.ElementRelationship, r.Name, err)
	}
	return b
}

// Unbind stops observing every element the given adapter contributed. Once no
// adapter remains bound, the engine becomes Unbound. The twin state and the
// registry are left as they are.
//
// Unbind waits for the open transaction of the engine, if any, to resolve
// before it returns. Unbinding an unknown adapter is a no-op. Unbind fails with
// a LifecycleError unless the engine is Bound or Synchronized.
func (e *Engine) Unbind(ctx context.Context, adapter string) error {
	_, span := e.tracer.Start(ctx, "Engine.Unbind", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("adapter", adapter),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin", e.name), slog.String("adapter", adapter))

	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Bound && e.state != Synchronized {
		err := LifecycleError{Op: "unbind", State: e.state}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b, ok := e.adapters[adapter]
	if !ok {
		logger.Warn("Adapter is not bound, unbind ignored")
		return nil
	}
	delete(e.adapters, adapter)
	for element, keys := range b {
		for _, key := range keys {
			if e.observed[element][key] == adapter {
				delete(e.observed[element], key)
			}
		}
	}
	logger.Info("Adapter unbound", slog.Int("remaining", len(e.adapters)))

	if len(e.adapters) == 0 {
		e.state = Unbound
		logger.Info("Twin unbound")
	}
	return nil
}

// apply runs m in a store transaction and measures it.
func (e *Engine) apply(ctx context.Context, op string, m twinstate.Mutation) (err error) {
	defer func(start time.Time) {
		e.telemetry.measureTransaction(ctx, e.name, op, err == nil, time.Since(start))
	}(time.Now())
	return e.store.Apply(ctx, m)
}

package shadowing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-twinstate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// notObservedError drops notifications about keys the engine does not observe,
// either because they were never bound or because their adapter was unbound.
type notObservedError struct {
	Element twinstate.Element
	Key     string
}

func (e notObservedError) Error() string {
	return fmt.Sprintf("%s %q is not observed", e.Element, e.Key)
}

// observes reports whether the engine is synchronized and observes the element.
func (e *Engine) observes(element twinstate.Element, key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != Synchronized {
		return false
	}
	_, ok := e.observed[element][key]
	return ok
}

// transact applies m in a transaction of its own, provided the engine observes
// the element both before and once the transaction starts.
func (e *Engine) transact(ctx context.Context, op string, element twinstate.Element, key string, m twinstate.Mutation) error {
	if !e.observes(element, key) {
		return notObservedError{Element: element, Key: key}
	}
	e.txMu.Lock()
	defer e.txMu.Unlock()
	return e.apply(ctx, op, func(ctx context.Context, w twinstate.Writer) error {
		// Unbind may have run while we waited for the previous transaction.
		if !e.observes(element, key) {
			return notObservedError{Element: element, Key: key}
		}
		return m(ctx, w)
	})
}

// drop logs a notification that could not be applied. Notifications about keys
// the engine does not observe are expected and logged at debug level.
func drop(logger *slog.Logger, span trace.Span, msg string, err error) {
	if errors.As(err, new(notObservedError)) {
		logger.Debug(msg, slog.Any("error", err))
		return
	}
	span.SetStatus(codes.Error, err.Error())
	logger.Warn(msg, slog.Any("error", err))
}

func (e *Engine) increment(logger *slog.Logger, name string) {
	if err := e.registry.IncrementInt64Counter(name, 1); err != nil {
		logger.Debug("Couldn't increment engine counter", slog.String("metric", name), slog.Any("error", err))
	}
}

// OnPropertyVariation updates the property in a transaction of its own. A
// variation the store rejects (e.g. for carrying a value of the wrong kind) is
// logged and dropped.
func (e *Engine) OnPropertyVariation(ctx context.Context, v twinstate.PropertyVariation) {
	ctx, span := e.tracer.Start(ctx, "Engine.OnPropertyVariation", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("property.key", v.Key),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin", e.name), slog.String("property-key", v.Key))

	err := e.transact(ctx, "update property", twinstate.ElementProperty, v.Key, func(ctx context.Context, w twinstate.Writer) error {
		return w.UpdateProperty(v.Key, v.Value)
	})
	if err != nil {
		drop(logger, span, "Property variation dropped", err)
		e.increment(logger, PropertyVariationsDropped)
		return
	}
	logger.Debug("Property variation applied", slog.Any("value", v.Value))
	e.increment(logger, PropertyVariations)
}

// OnEventNotification forwards the notification to the observers of the store.
// It runs no transaction.
func (e *Engine) OnEventNotification(ctx context.Context, n twinstate.EventNotification) {
	ctx, span := e.tracer.Start(ctx, "Engine.OnEventNotification", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("event.key", n.Key),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin", e.name), slog.String("event-key", n.Key))

	if !e.observes(twinstate.ElementEvent, n.Key) {
		drop(logger, span, "Event notification dropped", notObservedError{Element: twinstate.ElementEvent, Key: n.Key})
		return
	}
	e.store.NotifyEvent(ctx, n)
	e.increment(logger, EventNotifications)
}

// OnRelationshipEstablished adds an instance of an observed relationship. The
// change is dropped unless its TargetID is a string.
func (e *Engine) OnRelationshipEstablished(ctx context.Context, c twinstate.RelationshipInstanceChange) {
	ctx, span := e.tracer.Start(ctx, "Engine.OnRelationshipEstablished", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("relationship.name", c.Relationship),
		attribute.String("relationship.key", c.Key),
	))
	defer span.End()
	logger := component.Logger(ctx).With(
		slog.String("twin", e.name),
		slog.String("relationship", c.Relationship),
		slog.String("instance-key", c.Key),
	)

	target, ok := c.TargetID.(string)
	if !ok {
		drop(logger, span, "Relationship instance dropped", fmt.Errorf("target id of type %T, want string", c.TargetID))
		return
	}
	instance := twinstate.RelationshipInstance{Relationship: c.Relationship, Key: c.Key, TargetID: target}
	err := e.transact(ctx, "add relationship instance", twinstate.ElementRelationship, c.Relationship, func(ctx context.Context, w twinstate.Writer) error {
		return w.AddRelationshipInstance(instance)
	})
	if err != nil {
		drop(logger, span, "Relationship instance dropped", err)
		return
	}
	logger.Debug("Relationship instance added", slog.String("target-id", target))
}

// OnRelationshipDeleted removes an instance of an observed relationship. The
// instance is identified by its key; the TargetID of the change is ignored.
func (e *Engine) OnRelationshipDeleted(ctx context.Context, c twinstate.RelationshipInstanceChange) {
	ctx, span := e.tracer.Start(ctx, "Engine.OnRelationshipDeleted", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("relationship.name", c.Relationship),
		attribute.String("relationship.key", c.Key),
	))
	defer span.End()
	logger := component.Logger(ctx).With(
		slog.String("twin", e.name),
		slog.String("relationship", c.Relationship),
		slog.String("instance-key", c.Key),
	)

	instance := twinstate.RelationshipInstance{Relationship: c.Relationship, Key: c.Key}
	err := e.transact(ctx, "remove relationship instance", twinstate.ElementRelationship, c.Relationship, func(ctx context.Context, w twinstate.Writer) error {
		return w.RemoveRelationshipInstance(instance)
	})
	if err != nil {
		drop(logger, span, "Relationship instance removal dropped", err)
		return
	}
	logger.Debug("Relationship instance removed")
}

// OnDigitalActionEvent forwards an action request to the physical adapter,
// unmodified. It never touches the twin state.
//
// Only actions enabled by a bound adapter are forwarded: the physical side
// declared, at bind time, every action it serves. Requests for other actions,
// for actions of an unbound adapter, or that arrive while the engine is not
// Synchronized, are dropped.
func (e *Engine) OnDigitalActionEvent(ctx context.Context, req twinstate.ActionRequest) {
	ctx, span := e.tracer.Start(ctx, "Engine.OnDigitalActionEvent", trace.WithAttributes(
		attribute.String(twinNameKey, e.name),
		attribute.String("action.key", req.Key),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("twin", e.name), slog.String("action-key", req.Key))

	if !e.observes(twinstate.ElementAction, req.Key) {
		drop(logger, span, "Action request dropped", notObservedError{Element: twinstate.ElementAction, Key: req.Key})
		return
	}
	if e.physical == nil {
		drop(logger, span, "Action request dropped", errors.New("no physical adapter"))
		return
	}
	if err := e.physical.PublishAction(ctx, req); err != nil {
		drop(logger, span, "Couldn't forward action request", err)
		return
	}
	logger.Debug("Action request forwarded", slog.Any("payload", req.Payload))
}

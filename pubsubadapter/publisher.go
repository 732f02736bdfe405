package pubsubadapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-twinstate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// Publisher is a digital adapter: it observes a twinstate.Store and publishes
// every committed change, and every event notification, to a topic.
//
// Observers cannot fail, so a Publisher logs the messages it fails to send and
// carries on with the next one.
type Publisher struct {
	twinName string
	sink     *pubsub.Topic
}

var _ twinstate.Observer = (*Publisher)(nil)

// NewPublisher returns a Publisher that sends to sink. The twin name labels its
// logs and spans (e.g. "thermostat").
func NewPublisher(twinName string, sink *pubsub.Topic) *Publisher {
	return &Publisher{twinName: twinName, sink: sink}
}

// StateChanged publishes the whole transaction as a single message, so that
// consumers observe either all of its changes, in the order they were issued,
// or none of them.
//
// Pubsub does not guarantee the order of distinct messages. Consumers chain
// notifications by StateBefore and StateAfter (see AttributeMap) to restore the
// commit order and detect missed transactions.
func (p *Publisher) StateChanged(ctx context.Context, changed twinstate.StateChanged) {
	ctx, span := tracer.Start(ctx, "Publisher.StateChanged", trace.WithAttributes(
		attribute.String("twin", p.twinName),
		attribute.Stringer("state.hash", changed.StateAfter),
		attribute.Int("changes", len(changed.Changes)),
	))
	defer span.End()
	logger := component.Logger(ctx).With(
		slog.String("twin", p.twinName),
		slog.Any("state-after-hash", changed.StateAfter),
		slog.Uint64("revision", changed.Revision),
	)

	if err := sendStateChanged(ctx, p.sink, p.twinName, changed); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Couldn't publish state change", slog.Any("error", err))
		return
	}
	logger.Debug("State change published", slog.Int("changes", len(changed.Changes)))
}

// EventNotified publishes the notification as is.
func (p *Publisher) EventNotified(ctx context.Context, n twinstate.EventNotification) {
	ctx, span := tracer.Start(ctx, "Publisher.EventNotified", trace.WithAttributes(
		attribute.String("twin", p.twinName),
		attribute.String("event.key", n.Key),
	))
	defer span.End()

	if err := Send(ctx, p.sink, n, twinstate.ElementEvent, n.Key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		component.Logger(ctx).Error("Couldn't publish event notification",
			slog.String("twin", p.twinName),
			slog.String("event-key", n.Key),
			slog.Any("error", err),
		)
	}
}

// ActionSink publishes action requests for the physical asset to a topic. It
// implements shadowing.PhysicalAdapter.
type ActionSink struct {
	sink *pubsub.Topic
}

func NewActionSink(sink *pubsub.Topic) ActionSink {
	return ActionSink{sink: sink}
}

func (s ActionSink) PublishAction(ctx context.Context, req twinstate.ActionRequest) error {
	ctx, span := tracer.Start(ctx, "ActionSink.PublishAction", trace.WithAttributes(
		attribute.String("action.key", req.Key),
	))
	defer span.End()

	if err := Send(ctx, s.sink, req, twinstate.ElementAction, req.Key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish action %q: %w", req.Key, err)
	}
	return nil
}

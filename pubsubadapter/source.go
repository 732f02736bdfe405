package pubsubadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-twinstate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-twinstate/pubsubadapter")

// Handler consumes the notifications a Source receives. *shadowing.Engine
// implements it.
type Handler interface {
	OnPropertyVariation(ctx context.Context, v twinstate.PropertyVariation)
	OnEventNotification(ctx context.Context, n twinstate.EventNotification)
	OnRelationshipEstablished(ctx context.Context, c twinstate.RelationshipInstanceChange)
	OnRelationshipDeleted(ctx context.Context, c twinstate.RelationshipInstanceChange)
	OnDigitalActionEvent(ctx context.Context, req twinstate.ActionRequest)
}

// Source wraps a pubsub subscription and dispatches the notifications it
// receives to a Handler.
type Source struct {
	subscription *pubsub.Subscription
}

func NewSource(sub *pubsub.Subscription) Source {
	return Source{subscription: sub}
}

// Listen returns a component.Proc that continuously receives messages from the
// subscription, decodes them and dispatches them to h.
//
// Every message is acknowledged, even those that fail to decode: the handler
// never reports errors, and redelivering a malformed message would only fail
// again. Such messages are logged and skipped.
func (s Source) Listen(h Handler) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := s.subscription.Receive(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			msg.Ack()

			if err := dispatch(l.Context(), h, msg); err != nil {
				logger.Warn("Couldn't dispatch message, skipped",
					slog.String("msg-id", msg.LoggableID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func dispatch(ctx context.Context, h Handler, msg *pubsub.Message) error {
	ctx, span := tracer.Start(ctx, "Source.dispatch", trace.WithAttributes(
		attribute.String("msg.id", msg.LoggableID),
	))
	defer span.End()

	notification, err := Decode(msg.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := Dispatch(ctx, h, notification); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Dispatch calls the method of h that handles the notification's type.
func Dispatch(ctx context.Context, h Handler, notification any) error {
	switch n := notification.(type) {
	case twinstate.PropertyVariation:
		h.OnPropertyVariation(ctx, n)
	case twinstate.EventNotification:
		h.OnEventNotification(ctx, n)
	case RelationshipEstablished:
		h.OnRelationshipEstablished(ctx, n.RelationshipInstanceChange)
	case RelationshipDeleted:
		h.OnRelationshipDeleted(ctx, n.RelationshipInstanceChange)
	case twinstate.ActionRequest:
		h.OnDigitalActionEvent(ctx, n)
	default:
		return fmt.Errorf("unexpected notification of type %T", notification)
	}
	return nil
}

// Package pubsubadapter carries twin notifications over gocloud.dev/pubsub.
//
// Every message body is a gob-encoded Envelope. On the inbound side, a Source
// decodes envelopes from a subscription and dispatches them to a Handler (such
// as a shadowing.Engine). On the outbound side, a Publisher observes a
// twinstate.Store and publishes its committed changes and event notifications,
// and an ActionSink publishes action requests for the physical asset. Digital
// consumers of a Publisher keep a view of the twin's properties with an
// AttributeMap.
package pubsubadapter

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"

	"github.com/go-digitaltwin/go-twinstate"
	"gocloud.dev/pubsub"
)

// Register the notification types using gob.Register(). This is required to
// identify the type of notification held by an Envelope after decoding it.
func init() {
	gob.Register(twinstate.PropertyVariation{})
	gob.Register(twinstate.EventNotification{})
	gob.Register(twinstate.ActionRequest{})
	gob.Register(RelationshipEstablished{})
	gob.Register(RelationshipDeleted{})
	gob.Register(twinstate.StateChanged{})
}

// Envelope wraps a single notification on the wire. Notification holds one of
// twinstate.PropertyVariation, twinstate.EventNotification,
// twinstate.ActionRequest, RelationshipEstablished, RelationshipDeleted or
// twinstate.StateChanged.
type Envelope struct {
	Notification any
}

// RelationshipEstablished and RelationshipDeleted tell apart the two directions
// of a relationship instance change on the wire.
type (
	RelationshipEstablished struct{ twinstate.RelationshipInstanceChange }
	RelationshipDeleted     struct{ twinstate.RelationshipInstanceChange }
)

// Metadata keys set on the messages this package sends. Brokers that support
// key-based partitioning (e.g. Kafka) keep messages of the same key in order.
//
// Notifications about a single element carry its Element and key. State
// changes carry the twin name as key, and their revision.
const (
	MetadataElement  = "element"
	MetadataKey      = "key"
	MetadataRevision = "revision"
)

// Encode returns the gob encoding of an Envelope around notification.
func Encode(notification any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(Envelope{Notification: notification}); err != nil {
		return nil, fmt.Errorf("encode gob: %w", err)
	}
	return b.Bytes(), nil
}

// Decode returns the notification held by the gob-encoded Envelope in p.
func Decode(p []byte) (any, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode gob: %w", err)
	}
	if env.Notification == nil {
		return nil, fmt.Errorf("decode gob: empty envelope")
	}
	return env.Notification, nil
}

// Send publishes a single notification to topic, with the given metadata.
// Physical adapters use it to feed a Source.
func Send(ctx context.Context, topic *pubsub.Topic, notification any, element twinstate.Element, key string) error {
	return send(ctx, topic, notification, map[string]string{
		MetadataElement: string(element),
		MetadataKey:     key,
	})
}

// sendStateChanged publishes a whole committed transaction as a single message.
func sendStateChanged(ctx context.Context, topic *pubsub.Topic, twinName string, changed twinstate.StateChanged) error {
	return send(ctx, topic, changed, map[string]string{
		MetadataKey:      twinName,
		MetadataRevision: strconv.FormatUint(changed.Revision, 10),
	})
}

func send(ctx context.Context, topic *pubsub.Topic, notification any, metadata map[string]string) error {
	body, err := Encode(notification)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{Body: body, Metadata: metadata}
	if err := topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

package pubsubadapter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-twinstate"
	"gocloud.dev/pubsub"
)

// An AttributeFunc derives an attribute from a property of a twin. For a given
// property, it returns the attribute's value and a bool indicating whether that
// attribute is valid for that property.
type AttributeFunc[V any] func(p twinstate.Property) (V, bool)

// MaxPending is the number of out-of-order state changes an AttributeMap holds
// while it waits for the transaction that precedes them.
const MaxPending = 64

// AttributeMap correlates the properties of a remote twin with an attribute
// derived from each of them, keyed by property key. It is the digital-side view
// of a twin, maintained from the twinstate.StateChanged messages a Publisher
// sends.
//
// Transactions are applied whole, in commit order. A transaction that arrives
// ahead of its predecessor is held until the predecessor is handled.
//
// AttributeMap is safe for concurrent use.
type AttributeMap[V any] struct {
	mu          sync.Mutex
	m           map[string]V
	attributeOf AttributeFunc[V]

	revision uint64              // Revision of the last applied transaction.
	hash     twinstate.StateHash // State after the last applied transaction.
	pending  map[uint64]twinstate.StateChanged
}

// NewAttributeMap returns an empty AttributeMap of the attribute defined by
// attr. It expects the first transaction of a twin, the one committed by a
// fresh twinstate.Store.
func NewAttributeMap[V any](attr AttributeFunc[V]) *AttributeMap[V] {
	return NewAttributeMapAt(attr, twinstate.State{}, 0)
}

// NewAttributeMapAt returns an AttributeMap that starts from a snapshot of the
// twin taken at the given revision, and expects the transaction that follows
// it.
func NewAttributeMapAt[V any](attr AttributeFunc[V], snapshot twinstate.State, revision uint64) *AttributeMap[V] {
	a := &AttributeMap[V]{
		m:           make(map[string]V, len(snapshot.Properties)),
		attributeOf: attr,
		revision:    revision,
		hash:        twinstate.HashState(snapshot),
		pending:     make(map[uint64]twinstate.StateChanged),
	}
	for _, p := range snapshot.Properties {
		a.update(p)
	}
	return a
}

// Find returns the last known attribute of the property identified by key.
func (a *AttributeMap[V]) Find(key string) (v V, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok = a.m[key]
	return v, ok
}

// Update recomputes the attribute of p. If the attribute is invalid for p, the
// property is expunged from the map: a stale value is never kept.
func (a *AttributeMap[V]) Update(p twinstate.Property) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.update(p)
}

func (a *AttributeMap[V]) update(p twinstate.Property) {
	if v, ok := a.attributeOf(p); ok {
		a.m[p.Key] = v
	} else {
		delete(a.m, p.Key)
	}
}

// All returns an iterator over a snapshot of the map's entries, in no
// particular order.
func (a *AttributeMap[V]) All() iter.Seq2[string, V] {
	a.mu.Lock()
	snapshot := maps.Clone(a.m)
	a.mu.Unlock()
	return maps.All(snapshot)
}

// Revision returns the revision of the last transaction applied to the map.
func (a *AttributeMap[V]) Revision() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revision
}

// DiscontinuityError reports a transaction that cannot follow the last one
// applied: at least one committed transaction was missed.
type DiscontinuityError struct {
	Revision uint64              // Revision of the last applied transaction.
	State    twinstate.StateHash // State after the last applied transaction.

	Received    uint64              // Revision of the offending transaction.
	StateBefore twinstate.StateHash // State the offending transaction started from.
}

func (e DiscontinuityError) Error() string {
	return fmt.Sprintf("discontinuity in state changes: last applied revision %d at %v, received revision %d from %v",
		e.Revision, e.State, e.Received, e.StateBefore)
}

// Handle applies a committed transaction to the map, along with every held
// transaction it unblocks. Changes of elements other than properties only
// advance the tracked state.
//
// Transactions of revisions already applied are redeliveries and are ignored.
// Transactions ahead of the next revision are held, up to MaxPending of them.
// Handle fails with a DiscontinuityError if the next revision does not start
// from the state the map tracks, or if too many transactions are held.
func (a *AttributeMap[V]) Handle(changed twinstate.StateChanged) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case changed.Revision <= a.revision:
		return nil
	case changed.Revision > a.revision+1:
		a.pending[changed.Revision] = changed
		if len(a.pending) > MaxPending {
			return a.discontinuity(changed)
		}
		return nil
	}

	for {
		if changed.StateBefore != a.hash {
			return a.discontinuity(changed)
		}
		for _, c := range changed.Changes {
			if c.Element == twinstate.ElementProperty {
				a.update(c.Property)
			}
		}
		a.revision, a.hash = changed.Revision, changed.StateAfter

		next, ok := a.pending[a.revision+1]
		if !ok {
			return nil
		}
		delete(a.pending, next.Revision)
		changed = next
	}
}

func (a *AttributeMap[V]) discontinuity(changed twinstate.StateChanged) error {
	return DiscontinuityError{
		Revision:    a.revision,
		State:       a.hash,
		Received:    changed.Revision,
		StateBefore: changed.StateBefore,
	}
}

// TrackAttribute returns a component.Proc that receives the messages of a
// Publisher from source and keeps m up to date with the twin's properties.
//
// Messages are handled sequentially. The procedure fails if it detects a missed
// transaction, since m can no longer be trusted to reflect the twin.
func TrackAttribute[V any](m *AttributeMap[V], source *pubsub.Subscription) component.Proc {
	return func(l *component.L) {
		logger := component.Logger(l.Context())
		for l.Continue() {
			msg, err := source.Receive(l.GraceContext())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				l.Fatal(fmt.Errorf("receive: %w", err))
			}
			notification, err := Decode(msg.Body)
			if err != nil {
				msg.Ack()
				logger.Warn("Couldn't decode message, skipped",
					slog.String("msg-id", msg.LoggableID),
					slog.Any("error", err),
				)
				continue
			}
			// Event notifications share the topic with state changes.
			changed, ok := notification.(twinstate.StateChanged)
			if !ok {
				msg.Ack()
				continue
			}
			if err := m.Handle(changed); err != nil {
				l.Fatal(fmt.Errorf("stop attribute tracking: %w", err))
			}
			msg.Ack()
		}
	}
}

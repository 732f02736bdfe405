package twinstate

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Writer defines the mutations a transaction may issue against the twin state.
// Store implements Writer; the mutations it accepts are buffered in the open
// transaction and applied together on commit.
type Writer interface {
	// CreateProperty declares a new property with its initial value. The
	// property's Kind is parsed from its Type tag and must match the kind of the
	// initial value.
	CreateProperty(p Property) error
	// UpdateProperty writes a new value to a declared property.
	UpdateProperty(key string, v Value) error
	RegisterEvent(e Event) error
	EnableAction(a Action) error
	CreateRelationship(r Relationship) error
	// AddRelationshipInstance adds an instance of a declared relationship,
	// replacing any instance with the same key.
	AddRelationshipInstance(i RelationshipInstance) error
	// RemoveRelationshipInstance removes an instance of a declared relationship.
	// Removing an instance that does not exist has no effect.
	RemoveRelationshipInstance(i RelationshipInstance) error
}

// A Mutation is a function that issues a set of mutations through the given
// Writer and returns a non-nil error if those fail. See Store.Apply.
type Mutation func(ctx context.Context, w Writer) error

// Store is the versioned container of a twin's state: its properties, events,
// actions and relationships.
//
// Mutations happen only inside a transaction, and at most one transaction is
// open at any time. Readers and observers never see the mutations of a
// transaction until it commits, at which point all of them become visible at
// once.
//
// The state lives in memory for the lifetime of the Store.
//
// A Store is safe for concurrent use.
type Store struct {
	// slot holds a token for as long as a transaction is open.
	slot chan struct{}

	txMu sync.Mutex
	tx   *transaction

	mu       sync.RWMutex // Guards state, revision and hash.
	state    State
	revision uint64
	hash     StateHash

	// queue holds the notifications not yet delivered to observers, in commit
	// order. At most one goroutine delivers at a time.
	queueMu    sync.Mutex
	queue      []delivery
	delivering bool

	obsMu     sync.Mutex
	observers []subscription
	nextObsID uint64
}

var _ Writer = (*Store)(nil)

// NewStore returns an empty Store at revision zero.
func NewStore() *Store {
	s := &Store{
		slot:  make(chan struct{}, 1),
		state: newState(),
	}
	s.hash = HashState(s.state)
	return s
}

// transaction buffers the mutations issued since StartTransaction, along with
// the keys they declare, so that later mutations of the same transaction can be
// validated against them.
type transaction struct {
	mutations     []Change
	properties    map[string]Property // Latest pending value of created or updated properties.
	events        map[string]struct{}
	actions       map[string]struct{}
	relationships map[string]struct{}
}

func newTransaction() *transaction {
	return &transaction{
		properties:    make(map[string]Property),
		events:        make(map[string]struct{}),
		actions:       make(map[string]struct{}),
		relationships: make(map[string]struct{}),
	}
}

// StartTransaction opens a new transaction. It fails with a
// TransactionStateError if a transaction is already open; use Apply to wait for
// the open transaction to resolve instead.
func (s *Store) StartTransaction() error {
	select {
	case s.slot <- struct{}{}:
	default:
		return TransactionStateError{Op: "start transaction", Open: true}
	}
	s.begin()
	return nil
}

func (s *Store) begin() {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.tx = newTransaction()
}

// CommitTransaction applies all pending mutations atomically and then notifies
// observers with a single StateChanged listing one Change per mutation, in the
// order the mutations were issued. A transaction without effective changes
// neither bumps the revision nor notifies observers.
//
// If observers are being notified by another call, the StateChanged is queued
// and that call delivers it, in commit order.
//
// It fails with a TransactionStateError if no transaction is open.
func (s *Store) CommitTransaction(ctx context.Context) error {
	s.txMu.Lock()
	tx := s.tx
	s.tx = nil
	s.txMu.Unlock()
	if tx == nil {
		return TransactionStateError{Op: "commit transaction"}
	}

	s.mu.Lock()
	changed := StateChanged{
		StateBefore: s.hash,
		Changes:     s.state.apply(tx.mutations),
		Timestamp:   time.Now().UTC(),
	}
	if !changed.IsEmpty() {
		s.revision++
		s.hash = HashState(s.state)
	}
	changed.StateAfter = s.hash
	changed.Revision = s.revision
	s.mu.Unlock()

	if changed.IsEmpty() {
		<-s.slot
		return nil
	}
	// Enqueue before releasing the transaction slot, so that the notification of
	// the next transaction is queued after ours.
	s.enqueue(delivery{ctx: ctx, changed: &changed})
	<-s.slot
	s.deliver()
	return nil
}

// AbortTransaction discards all pending mutations; the state is unaffected. It
// fails with a TransactionStateError if no transaction is open.
func (s *Store) AbortTransaction() error {
	s.txMu.Lock()
	tx := s.tx
	s.tx = nil
	s.txMu.Unlock()
	if tx == nil {
		return TransactionStateError{Op: "abort transaction"}
	}
	<-s.slot
	return nil
}

// Apply waits until no transaction is open, opens a new one and passes the
// Store as a Writer to the given mutation.
//
// If the mutation returns a non-nil error (or panics), the transaction is
// aborted and the error is returned to the caller of Apply; the state is not
// modified, as if the mutation was never executed. Otherwise, the transaction
// commits.
func (s *Store) Apply(ctx context.Context, m Mutation) error {
	s.slot <- struct{}{}
	s.begin()

	resolved := false
	defer func() {
		if !resolved {
			_ = s.AbortTransaction()
		}
	}()
	if err := m(ctx, s); err != nil {
		return err
	}
	resolved = true
	return s.CommitTransaction(ctx)
}

// NotifyEvent delivers an event notification to observers. It requires no open
// transaction and never modifies the state.
func (s *Store) NotifyEvent(ctx context.Context, n EventNotification) {
	s.enqueue(delivery{ctx: ctx, event: &n})
	s.deliver()
}

// delivery is a notification waiting in the queue of a Store. Exactly one of
// changed and event is set.
type delivery struct {
	ctx     context.Context
	changed *StateChanged
	event   *EventNotification
}

func (s *Store) enqueue(d delivery) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, d)
}

// deliver drains the queue unless another call is already draining it, in
// which case that call delivers whatever was enqueued, including from within
// an observer.
func (s *Store) deliver() {
	s.queueMu.Lock()
	if s.delivering {
		s.queueMu.Unlock()
		return
	}
	s.delivering = true
	defer func() {
		s.queueMu.Lock()
		s.delivering = false
		s.queueMu.Unlock()
	}()

	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		for _, o := range s.subscribers() {
			if d.changed != nil {
				o.StateChanged(d.ctx, *d.changed)
			} else {
				o.EventNotified(d.ctx, *d.event)
			}
		}
		s.queueMu.Lock()
	}
	s.queueMu.Unlock()
}

// Subscribe registers an observer for committed changes and event
// notifications. Call cancel to unsubscribe.
func (s *Store) Subscribe(o Observer) (cancel func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, subscription{id: id, observer: o})
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		s.observers = slices.DeleteFunc(s.observers, func(sub subscription) bool {
			return sub.id == id
		})
	}
}

func (s *Store) subscribers() []Observer {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	observers := make([]Observer, len(s.observers))
	for i, sub := range s.observers {
		observers[i] = sub.observer
	}
	return observers
}

// pending runs fn against the open transaction, failing with a
// TransactionStateError if there is none.
func (s *Store) pending(op string, fn func(tx *transaction) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx == nil {
		return TransactionStateError{Op: op}
	}
	return fn(s.tx)
}

func (s *Store) CreateProperty(p Property) error {
	return s.pending("create property", func(tx *transaction) error {
		if s.propertyOf(tx, p.Key) {
			return DuplicateKeyError{Element: ElementProperty, Key: p.Key}
		}
		kind, err := ParseKind(p.Type)
		if err != nil || kind != p.Value.Kind() {
			return TypeMismatchError{Key: p.Key, Type: p.Type, Want: kind, Got: p.Value.Kind()}
		}
		p.Kind = kind
		tx.properties[p.Key] = p
		tx.mutations = append(tx.mutations, Change{Op: OpCreated, Element: ElementProperty, Key: p.Key, Property: p})
		return nil
	})
}

func (s *Store) UpdateProperty(key string, v Value) error {
	return s.pending("update property", func(tx *transaction) error {
		p, ok := tx.properties[key]
		if !ok {
			p, ok = s.Property(key)
		}
		if !ok {
			return UndeclaredError{Element: ElementProperty, Key: key}
		}
		if v.Kind() != p.Kind {
			return TypeMismatchError{Key: key, Type: p.Type, Want: p.Kind, Got: v.Kind()}
		}
		p.Value = v
		tx.properties[key] = p
		tx.mutations = append(tx.mutations, Change{Op: OpUpdated, Element: ElementProperty, Key: key, Property: p})
		return nil
	})
}

func (s *Store) RegisterEvent(e Event) error {
	return s.pending("register event", func(tx *transaction) error {
		if _, ok := tx.events[e.Key]; ok {
			return DuplicateKeyError{Element: ElementEvent, Key: e.Key}
		}
		if _, ok := s.Event(e.Key); ok {
			return DuplicateKeyError{Element: ElementEvent, Key: e.Key}
		}
		tx.events[e.Key] = struct{}{}
		tx.mutations = append(tx.mutations, Change{Op: OpRegistered, Element: ElementEvent, Key: e.Key, Event: e})
		return nil
	})
}

func (s *Store) EnableAction(a Action) error {
	return s.pending("enable action", func(tx *transaction) error {
		if _, ok := tx.actions[a.Key]; ok {
			return DuplicateKeyError{Element: ElementAction, Key: a.Key}
		}
		if _, ok := s.Action(a.Key); ok {
			return DuplicateKeyError{Element: ElementAction, Key: a.Key}
		}
		tx.actions[a.Key] = struct{}{}
		tx.mutations = append(tx.mutations, Change{Op: OpEnabled, Element: ElementAction, Key: a.Key, Action: a})
		return nil
	})
}

func (s *Store) CreateRelationship(r Relationship) error {
	return s.pending("create relationship", func(tx *transaction) error {
		if s.relationshipOf(tx, r.Name) {
			return DuplicateKeyError{Element: ElementRelationship, Key: r.Name}
		}
		tx.relationships[r.Name] = struct{}{}
		tx.mutations = append(tx.mutations, Change{Op: OpCreated, Element: ElementRelationship, Key: r.Name, Relationship: r})
		return nil
	})
}

func (s *Store) AddRelationshipInstance(i RelationshipInstance) error {
	return s.pending("add relationship instance", func(tx *transaction) error {
		if !s.relationshipOf(tx, i.Relationship) {
			return UndeclaredError{Element: ElementRelationship, Key: i.Relationship}
		}
		tx.mutations = append(tx.mutations, Change{Op: OpAdded, Element: ElementRelationshipInstance, Key: i.Key, Instance: i})
		return nil
	})
}

func (s *Store) RemoveRelationshipInstance(i RelationshipInstance) error {
	return s.pending("remove relationship instance", func(tx *transaction) error {
		if !s.relationshipOf(tx, i.Relationship) {
			return UndeclaredError{Element: ElementRelationship, Key: i.Relationship}
		}
		tx.mutations = append(tx.mutations, Change{Op: OpRemoved, Element: ElementRelationshipInstance, Key: i.Key, Instance: i})
		return nil
	})
}

// propertyOf reports whether key is declared, either pending in tx or
// committed.
func (s *Store) propertyOf(tx *transaction, key string) bool {
	if _, ok := tx.properties[key]; ok {
		return true
	}
	_, ok := s.Property(key)
	return ok
}

func (s *Store) relationshipOf(tx *transaction, name string) bool {
	if _, ok := tx.relationships[name]; ok {
		return true
	}
	_, ok := s.Relationship(name)
	return ok
}

// Property returns the committed property with the given key, if any.
func (s *Store) Property(key string) (Property, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Properties[key]
	return p, ok
}

func (s *Store) Event(key string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.Events[key]
	return e, ok
}

func (s *Store) Action(key string) (Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.Actions[key]
	return a, ok
}

func (s *Store) Relationship(name string) (Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.Relationships[name]
	return r, ok
}

// RelationshipInstances returns the committed instances of the named
// relationship, sorted by instance key.
func (s *Store) RelationshipInstances(name string) []RelationshipInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instances := s.state.Instances[name]
	out := make([]RelationshipInstance, 0, len(instances))
	for _, k := range sortedKeys(instances) {
		out = append(out, instances[k])
	}
	return out
}

// Snapshot returns a point-in-time copy of the committed state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Revision returns the number of commits that changed the state.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Hash returns the content hash of the committed state.
func (s *Store) Hash() StateHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// apply mutates s in place and returns the effective changes. Removals of
// instances that do not exist are not effective and are omitted.
func (s *State) apply(mutations []Change) []Change {
	changes := make([]Change, 0, len(mutations))
	for _, m := range mutations {
		switch m.Element {
		case ElementProperty:
			s.Properties[m.Key] = m.Property
		case ElementEvent:
			s.Events[m.Key] = m.Event
		case ElementAction:
			s.Actions[m.Key] = m.Action
		case ElementRelationship:
			s.Relationships[m.Key] = m.Relationship
		case ElementRelationshipInstance:
			name := m.Instance.Relationship
			if m.Op == OpRemoved {
				prev, ok := s.Instances[name][m.Key]
				if !ok {
					continue
				}
				delete(s.Instances[name], m.Key)
				m.Instance = prev
				break
			}
			if s.Instances[name] == nil {
				s.Instances[name] = make(map[string]RelationshipInstance)
			}
			s.Instances[name][m.Key] = m.Instance
		}
		changes = append(changes, m)
	}
	return changes
}

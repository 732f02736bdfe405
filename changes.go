package twinstate

import (
	"fmt"
	"strings"
	"time"
)

// Operation identifies the kind of mutation a Change reports.
type Operation uint8

const (
	OpCreated    Operation = iota + 1 // A property or relationship was declared.
	OpUpdated                         // A property took a new value.
	OpRegistered                      // An event was declared.
	OpEnabled                         // An action was declared.
	OpAdded                           // A relationship instance was added (or replaced).
	OpRemoved                         // A relationship instance was removed.
)

func (op Operation) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpUpdated:
		return "updated"
	case OpRegistered:
		return "registered"
	case OpEnabled:
		return "enabled"
	case OpAdded:
		return "added"
	case OpRemoved:
		return "removed"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(op))
	}
}

// Change describes a single mutated element. Only the field matching Element is
// populated; it holds the element as it is after the mutation (or, for
// OpRemoved, as it was before).
type Change struct {
	Op      Operation
	Element Element
	Key     string

	Property     Property
	Event        Event
	Action       Action
	Relationship Relationship
	Instance     RelationshipInstance
}

// StateChanged notifies that a transaction committed. Changes are ordered as the
// mutations were issued within the transaction, one Change per mutated element.
//
// StateBefore hashes the state the transaction started from; StateAfter hashes
// the state once all of Changes were applied.
type StateChanged struct {
	StateBefore StateHash
	Changes     []Change
	StateAfter  StateHash
	Revision    uint64 // Revision of the state after the commit.
	// The time, in UTC, the transaction committed.
	Timestamp time.Time
}

// IsEmpty returns true if the notification contains no changes.
func (c StateChanged) IsEmpty() bool {
	return len(c.Changes) == 0
}

// FormatChanges returns a human-readable representation of the changeset.
// The indent string is prepended to each line.
func FormatChanges(changed StateChanged, indent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, indent+"baseline: %v\n", changed.StateBefore)
	for _, c := range changed.Changes {
		fmt.Fprintf(&b, indent+"%s %s %q", opSymbol(c.Op), c.Element, c.Key)
		switch c.Element {
		case ElementProperty:
			fmt.Fprintf(&b, " = %v", c.Property.Value)
		case ElementRelationshipInstance:
			fmt.Fprintf(&b, " %s -> %q", c.Instance.Relationship, c.Instance.TargetID)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, indent+"current: %v (revision %d)\n", changed.StateAfter, changed.Revision)
	return b.String()
}

func opSymbol(op Operation) string {
	switch op {
	case OpUpdated:
		return "*"
	case OpRemoved:
		return "-"
	default:
		return "+"
	}
}

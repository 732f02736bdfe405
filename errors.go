package twinstate

import "fmt"

// Element names the namespace of a twin state element. Keys are unique within
// their own namespace only.
type Element string

const (
	ElementProperty             Element = "property"
	ElementEvent                Element = "event"
	ElementAction               Element = "action"
	ElementRelationship         Element = "relationship"
	ElementRelationshipInstance Element = "relationship-instance"
)

// A DuplicateKeyError occurs when creating an element whose key already exists
// in its namespace, either committed or pending in the open transaction.
type DuplicateKeyError struct {
	Element Element
	Key     string
}

func (e DuplicateKeyError) Error() string {
	return fmt.Sprintf("twinstate: duplicate %s key %q", e.Element, e.Key)
}

// A TransactionStateError occurs when an operation requires an open transaction
// and there is none, or when starting a transaction while one is already open.
type TransactionStateError struct {
	Op   string // The rejected operation.
	Open bool   // Whether a transaction was open when Op was rejected.
}

func (e TransactionStateError) Error() string {
	if e.Open {
		return "twinstate: " + e.Op + ": a transaction is already open"
	}
	return "twinstate: " + e.Op + ": no open transaction"
}

// A TypeMismatchError occurs when a property is written with a value whose kind
// disagrees with the kind the property was declared with.
type TypeMismatchError struct {
	Key  string
	Type string // Declared type tag.
	Want Kind
	Got  Kind
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("twinstate: property %q declared as %q (%v): cannot hold a %v value", e.Key, e.Type, e.Want, e.Got)
}

// An UndeclaredError occurs when a mutation refers to an element that was never
// declared, like updating an absent property or adding an instance of an unknown
// relationship.
type UndeclaredError struct {
	Element Element
	Key     string
}

func (e UndeclaredError) Error() string {
	return fmt.Sprintf("twinstate: undeclared %s %q", e.Element, e.Key)
}

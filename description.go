package twinstate

import "time"

// Description enumerates what a physical adapter exposes about the asset it is
// bound to. The twin imports a Description into its state during binding.
type Description struct {
	Properties    []PropertyDescription
	Events        []EventDescription
	Actions       []ActionDescription
	Relationships []RelationshipDescription
}

type PropertyDescription struct {
	Key          string
	Type         string
	InitialValue Value
}

type EventDescription struct {
	Key  string
	Type string
}

type ActionDescription struct {
	Key         string
	Type        string
	ContentType string
}

type RelationshipDescription struct {
	Name string
	Type string
}

// PropertyVariation notifies that a physical property took a new value.
type PropertyVariation struct {
	Key       string
	Value     Value
	Timestamp time.Time
}

// EventNotification notifies about an occurrence of a declared event. Event
// notifications are transient; the twin state never stores them.
type EventNotification struct {
	Key       string
	Payload   Value
	Timestamp time.Time
}

// RelationshipInstanceChange notifies that the physical asset established (or
// deleted) an instance of a relationship.
//
// TargetID is whatever identifier the physical side chose to send, so
// consumers must check its dynamic type before relying on it.
type RelationshipInstanceChange struct {
	Relationship string
	Key          string
	TargetID     any
	Timestamp    time.Time
}

// ActionRequest asks the physical asset to perform a declared action. Requests
// pass through the twin unmodified.
type ActionRequest struct {
	Key     string
	Payload Value
}

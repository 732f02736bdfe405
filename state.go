package twinstate

import (
	"maps"
	"sort"
)

// Property is a named, typed value of the twin state. Its Kind is settled from
// the Type tag when the property is created and never changes afterwards.
type Property struct {
	Key   string
	Type  string // Declared type tag, as the physical adapter spelled it.
	Kind  Kind
	Value Value
}

// Event declares that the twin may notify about occurrences of Key. The state
// holds declarations only; see EventNotification.
type Event struct {
	Key  string
	Type string
}

// Action declares a request the twin accepts on behalf of the physical asset.
// An Action is enabled as soon as it is part of the state.
type Action struct {
	Key         string
	Type        string
	ContentType string
}

// Relationship declares a kind of edge between this twin and other entities.
type Relationship struct {
	Name string
	Type string
}

// RelationshipInstance is a concrete edge of a declared Relationship. Instances
// are identified by the pair (Relationship, Key).
type RelationshipInstance struct {
	Relationship string
	Key          string
	TargetID     string
}

// State is a point-in-time copy of the twin state. Callers own the copy and may
// modify it freely.
type State struct {
	Properties    map[string]Property
	Events        map[string]Event
	Actions       map[string]Action
	Relationships map[string]Relationship
	// Instances maps a relationship name to its instances, by instance key.
	Instances map[string]map[string]RelationshipInstance
}

func newState() State {
	return State{
		Properties:    make(map[string]Property),
		Events:        make(map[string]Event),
		Actions:       make(map[string]Action),
		Relationships: make(map[string]Relationship),
		Instances:     make(map[string]map[string]RelationshipInstance),
	}
}

func (s State) clone() State {
	c := State{
		Properties:    maps.Clone(s.Properties),
		Events:        maps.Clone(s.Events),
		Actions:       maps.Clone(s.Actions),
		Relationships: maps.Clone(s.Relationships),
		Instances:     make(map[string]map[string]RelationshipInstance, len(s.Instances)),
	}
	for name, instances := range s.Instances {
		c.Instances[name] = maps.Clone(instances)
	}
	return c
}

// InstanceCount returns the number of relationship instances across all
// relationships.
func (s State) InstanceCount() int {
	var n int
	for _, instances := range s.Instances {
		n += len(instances)
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package metrics

import (
	"errors"
	"fmt"
)

// ErrNegativeIncrement is returned when a counter is asked to go backwards.
var ErrNegativeIncrement = errors.New("metrics: counter increments must not be negative")

// InvalidMetricTypeError is returned when a property is watched with an
// instrument whose number kind cannot represent the property's values.
type InvalidMetricTypeError struct {
	Property string
	Type     string // Declared type tag of the property.
	Want     NumberKind
}

func (e InvalidMetricTypeError) Error() string {
	return fmt.Sprintf("metrics: property %q of type %q cannot back a %s instrument", e.Property, e.Type, e.Want)
}

// NotFoundError is returned when pushing a measurement to a general-purpose
// instrument that was never added (or was removed).
type NotFoundError struct {
	Instrument Instrument
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("metrics: %s %q not found", e.Instrument.describe(), e.Instrument.Name)
}

// ConflictError is returned when an instrument is added to a family that
// already holds an instrument of the same name and type, but another number
// kind.
type ConflictError struct {
	Instrument Instrument
	Existing   Instrument
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("metrics: %s %q conflicts with the existing %s", e.Instrument.describe(), e.Instrument.Name, e.Existing.describe())
}

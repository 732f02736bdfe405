package shadowing

import "fmt"

// LifecycleState is a stage in the life of an Engine. An Engine only moves
// forward through the stages, in declaration order.
type LifecycleState uint8

const (
	Created LifecycleState = iota
	// Bound means the descriptions of the physical adapters were imported, and the
	// engine is setting up the metric instruments.
	Bound
	// Synchronized means the twin state is internally consistent and the engine
	// applies physical notifications as they arrive.
	Synchronized
	// Unbound means every physical adapter was unbound. The engine accepts no
	// further notifications. This stage is terminal.
	Unbound
)

func (s LifecycleState) String() string {
	switch s {
	case Created:
		return "created"
	case Bound:
		return "bound"
	case Synchronized:
		return "synchronized"
	case Unbound:
		return "unbound"
	default:
		return fmt.Sprintf("LifecycleState(%d)", uint8(s))
	}
}

// LifecycleError is returned when an operation is not allowed in the engine's
// current lifecycle state.
type LifecycleError struct {
	Op    string
	State LifecycleState
}

func (e LifecycleError) Error() string {
	return fmt.Sprintf("shadowing: cannot %s while %s", e.Op, e.State)
}

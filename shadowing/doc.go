/*
Package shadowing keeps the state of a digital twin in sync with its physical
asset.

An Engine owns a twinstate.Store and a metrics.Registry. Its lifecycle is
linear:

	Created → Bound → Synchronized → Unbound

Bind imports the descriptions of one or more physical adapters into the store,
all in a single transaction, and reports the outcome of every element it tried
to import (see ImportReport). A single element failing to import never aborts
the import of its siblings. Once the transaction commits, the engine attaches
metric instruments to the populated store and signals that the twin is
synchronized (see Engine.Synchronized).

While synchronized, physical adapters deliver notifications through the
engine's On* callbacks. Property variations and relationship changes each run
in a short transaction of their own; event notifications bypass transactions
altogether. Callbacks never return errors: a notification that cannot be
applied is logged and dropped, and the next successful notification for the
same key recovers the state.

Digital adapters observe the store (see twinstate.Observer) and send action
requests through Engine.OnDigitalActionEvent, which the engine forwards to the
PhysicalAdapter unmodified.
*/
package shadowing

// Package twinstate provides the state of a digital twin; A digital twin is a
// virtual representation of a physical asset - maintained by digesting the
// notifications of adapters bound to that asset in order to produce a
// consistent view about it.
//
// Specifically, the twin state holds four namespaces of elements: properties
// (typed values), events (declarations of transient notifications), actions
// (declarations of requests the asset accepts) and relationships (declarations
// of edges, along with their instances).
//
// The Store mutates the state through transactions. At most one transaction is
// open at a time, and its mutations become visible to readers and observers
// only once it commits. Every commit that changes the state bumps the Revision
// and recomputes a StateHash over the entire state.
//
// Values are tagged (see Value and Kind): a property settles its Kind once, when
// it is declared, and every later write is checked against it.
//
// See the shadowing package for the engine that keeps a Store in sync with the
// physical asset, and the metrics package for exposing properties as metric
// instruments.
package twinstate

package twinstate

import "context"

// An Observer is notified about committed transactions and about event
// notifications. Digital adapters observe the store to shadow its state.
//
// Observers are called one notification at a time, in commit order and in
// subscription order. An observer may start transactions or notify events on
// the same store: the resulting notifications are delivered once the current
// one has reached every observer.
type Observer interface {
	StateChanged(ctx context.Context, changed StateChanged)
	EventNotified(ctx context.Context, n EventNotification)
}

// ObserverFuncs adapts a pair of functions to the Observer interface. Nil
// functions are skipped.
type ObserverFuncs struct {
	OnStateChanged  func(ctx context.Context, changed StateChanged)
	OnEventNotified func(ctx context.Context, n EventNotification)
}

func (o ObserverFuncs) StateChanged(ctx context.Context, changed StateChanged) {
	if o.OnStateChanged != nil {
		o.OnStateChanged(ctx, changed)
	}
}

func (o ObserverFuncs) EventNotified(ctx context.Context, n EventNotification) {
	if o.OnEventNotified != nil {
		o.OnEventNotified(ctx, n)
	}
}

type subscription struct {
	id       uint64
	observer Observer
}

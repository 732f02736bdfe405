package pubsubadapter

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/go-digitaltwin/go-twinstate"
	"github.com/google/go-cmp/cmp"
)

// celsius is an attribute holding the value of real-valued properties.
func celsius(p twinstate.Property) (float64, bool) {
	return p.Value.AsReal()
}

func attributes[V any](m *AttributeMap[V]) map[string]V {
	all := make(map[string]V)
	for k, v := range m.All() {
		all[k] = v
	}
	return all
}

// recordCommits applies each mutation in a transaction of its own and returns
// the StateChanged notifications of the store, in commit order.
func recordCommits(t *testing.T, store *twinstate.Store, mutations ...twinstate.Mutation) []twinstate.StateChanged {
	t.Helper()
	var changes []twinstate.StateChanged
	cancel := store.Subscribe(twinstate.ObserverFuncs{
		OnStateChanged: func(_ context.Context, changed twinstate.StateChanged) {
			changes = append(changes, changed)
		},
	})
	defer cancel()
	for _, m := range mutations {
		if err := store.Apply(context.Background(), m); err != nil {
			t.Fatal("Apply():", err)
		}
	}
	return changes
}

// thermostatCommits creates temperature and humidity, then updates the
// temperature twice: once in the transaction that creates it, and once more in
// a transaction of its own.
func thermostatCommits(t *testing.T, store *twinstate.Store) []twinstate.StateChanged {
	t.Helper()
	return recordCommits(t, store,
		func(_ context.Context, w twinstate.Writer) error {
			return errors.Join(
				w.CreateProperty(twinstate.Property{Key: "temperature", Type: "double", Value: twinstate.Real(20)}),
				w.CreateProperty(twinstate.Property{Key: "humidity", Type: "double", Value: twinstate.Real(40)}),
				w.UpdateProperty("temperature", twinstate.Real(21)),
				w.CreateRelationship(twinstate.Relationship{Name: "insideIn", Type: "inside_in_rel"}),
			)
		},
		func(_ context.Context, w twinstate.Writer) error {
			return w.UpdateProperty("temperature", twinstate.Real(23.5))
		},
	)
}

func TestAttributeMap(t *testing.T) {
	m := NewAttributeMap(celsius)

	if _, ok := m.Find("temperature"); ok {
		t.Error("Find(empty map) = true, expected false")
	}
	m.Update(twinstate.Property{Key: "temperature", Type: "double", Value: twinstate.Real(20)})
	got, ok := m.Find("temperature")
	if !ok || got != 20 {
		t.Errorf("Find(temperature) = %v, %v, want 20, true", got, ok)
	}

	// An invalid attribute expunges the property.
	m.Update(twinstate.Property{Key: "label", Type: "double", Value: twinstate.Real(1)})
	m.Update(twinstate.Property{Key: "label", Type: "string", Value: twinstate.String("x")})
	if _, ok := m.Find("label"); ok {
		t.Error("Find(label) = true after an invalid update, want false")
	}

	if diff := cmp.Diff(map[string]float64{"temperature": 20}, attributes(m)); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

// An AttributeMap fed by a Publisher mirrors the properties of the store it
// observes, whatever the order messages are received in.
func TestAttributeMapTracksPublisher(t *testing.T) {
	topic, sub := setupTopic(t)
	store := twinstate.NewStore()
	store.Subscribe(NewPublisher("thermostat", topic))
	commits := thermostatCommits(t, store)

	m := NewAttributeMap(celsius)
	for range commits {
		n, err := Decode(receive(t, sub).Body)
		if err != nil {
			t.Fatal("Decode():", err)
		}
		changed, ok := n.(twinstate.StateChanged)
		if !ok {
			t.Fatalf("Decode() = %T, want StateChanged", n)
		}
		if err := m.Handle(changed); err != nil {
			t.Fatal("Handle():", err)
		}
	}

	if diff := cmp.Diff(map[string]float64{"temperature": 23.5, "humidity": 40}, attributes(m)); diff != "" {
		t.Errorf("Tracked attributes mismatch (-want +got):\n%s", diff)
	}
	if got := m.Revision(); got != store.Revision() {
		t.Errorf("Revision() = %d, want %d", got, store.Revision())
	}
}

// A transaction received ahead of its predecessor is held until the
// predecessor arrives, and changes apply in the order they were issued.
func TestAttributeMapOutOfOrder(t *testing.T) {
	commits := thermostatCommits(t, twinstate.NewStore())
	m := NewAttributeMap(celsius)

	if err := m.Handle(commits[1]); err != nil {
		t.Fatal("Handle(revision 2):", err)
	}
	if got := attributes(m); len(got) != 0 {
		t.Errorf("All() = %v before revision 1 arrived, want empty", got)
	}
	if err := m.Handle(commits[0]); err != nil {
		t.Fatal("Handle(revision 1):", err)
	}
	if diff := cmp.Diff(map[string]float64{"temperature": 23.5, "humidity": 40}, attributes(m)); diff != "" {
		t.Errorf("Tracked attributes mismatch (-want +got):\n%s", diff)
	}

	// Only the first transaction: the update issued after the creation wins.
	first := NewAttributeMap(celsius)
	if err := first.Handle(commits[0]); err != nil {
		t.Fatal("Handle(revision 1):", err)
	}
	if got, _ := first.Find("temperature"); got != 21 {
		t.Errorf("Find(temperature) = %v after revision 1, want 21", got)
	}
}

func TestAttributeMapRedelivery(t *testing.T) {
	commits := thermostatCommits(t, twinstate.NewStore())
	m := NewAttributeMap(celsius)
	for _, changed := range slices.Concat(commits, commits[:1]) {
		if err := m.Handle(changed); err != nil {
			t.Fatalf("Handle(revision %d): %v", changed.Revision, err)
		}
	}
	if got, _ := m.Find("temperature"); got != 23.5 {
		t.Errorf("Find(temperature) = %v after a redelivery, want 23.5", got)
	}
	if got := m.Revision(); got != 2 {
		t.Errorf("Revision() = %d, want 2", got)
	}
}

func TestAttributeMapAt(t *testing.T) {
	store := twinstate.NewStore()
	commits := thermostatCommits(t, store)
	snapshot := store.Snapshot()

	// A map started from the current state picks up the next transaction.
	m := NewAttributeMapAt(celsius, snapshot, store.Revision())
	next := recordCommits(t, store, func(_ context.Context, w twinstate.Writer) error {
		return w.UpdateProperty("humidity", twinstate.Real(45))
	})
	if err := m.Handle(next[0]); err != nil {
		t.Fatal("Handle():", err)
	}
	if diff := cmp.Diff(map[string]float64{"temperature": 23.5, "humidity": 45}, attributes(m)); diff != "" {
		t.Errorf("Tracked attributes mismatch (-want +got):\n%s", diff)
	}

	// A map that expects the first transaction rejects one that starts elsewhere.
	late := NewAttributeMap(celsius)
	forged := commits[0]
	forged.StateBefore = commits[1].StateAfter
	err := late.Handle(forged)
	var discontinuity DiscontinuityError
	if !errors.As(err, &discontinuity) {
		t.Fatalf("Handle(forged) = %v, want DiscontinuityError", err)
	}
	want := DiscontinuityError{
		Revision:    0,
		State:       twinstate.HashState(twinstate.State{}),
		Received:    1,
		StateBefore: commits[1].StateAfter,
	}
	if diff := cmp.Diff(want, discontinuity); diff != "" {
		t.Errorf("DiscontinuityError mismatch (-want +got):\n%s", diff)
	}
}

// A missed transaction is detected once too many successors are held.
func TestAttributeMapMissedTransaction(t *testing.T) {
	store := twinstate.NewStore()
	mutations := []twinstate.Mutation{func(_ context.Context, w twinstate.Writer) error {
		return w.CreateProperty(twinstate.Property{Key: "temperature", Type: "double", Value: twinstate.Real(0)})
	}}
	for i := range MaxPending + 1 {
		mutations = append(mutations, func(_ context.Context, w twinstate.Writer) error {
			return w.UpdateProperty("temperature", twinstate.Real(float64(i+1)))
		})
	}
	commits := recordCommits(t, store, mutations...)

	m := NewAttributeMap(celsius)
	var err error
	for _, changed := range commits[1:] {
		if err = m.Handle(changed); err != nil {
			break
		}
	}
	var discontinuity DiscontinuityError
	if !errors.As(err, &discontinuity) {
		t.Fatalf("Handle() = %v after %d held transactions, want DiscontinuityError", err, MaxPending+1)
	}
	if discontinuity.Revision != 0 {
		t.Errorf("DiscontinuityError.Revision = %d, want 0", discontinuity.Revision)
	}
	if _, ok := m.Find("temperature"); ok {
		t.Error("Find(temperature) = true without revision 1, want false")
	}
}

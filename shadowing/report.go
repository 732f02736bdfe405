package shadowing

import (
	"fmt"
	"strings"

	"github.com/go-digitaltwin/go-twinstate"
	"github.com/go-digitaltwin/go-twinstate/metrics"
)

// Outcome is the result of importing a single element during binding.
type Outcome uint8

const (
	// OutcomeImported means the element is part of the twin state and, unless it
	// is an action, the engine observes its notifications.
	OutcomeImported Outcome = iota + 1
	// OutcomeIgnored means the element was deliberately skipped, e.g. a
	// relationship outside the accepted set.
	OutcomeIgnored
	// OutcomeFailed means the store rejected the element; see ImportResult.Err.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeImported:
		return "imported"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// ImportResult records the outcome of importing one element of one adapter's
// description.
type ImportResult struct {
	Adapter string
	Element twinstate.Element
	Key     string
	Outcome Outcome
	Err     error
}

// WatchResult records the outcome of attaching one of Options.Watch to the
// registry.
type WatchResult struct {
	Watch metrics.Watch
	Err   error
}

// ImportReport aggregates the outcomes of a binding. Imports are listed by
// adapter (in ascending adapter order), then in the order the description
// declares them: properties, events, actions and relationships.
type ImportReport struct {
	Imports []ImportResult
	Watches []WatchResult
}

// Failed returns the imports that failed.
func (r ImportReport) Failed() []ImportResult {
	var failed []ImportResult
	for _, res := range r.Imports {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Count returns the number of imports with the given outcome.
func (r ImportReport) Count(o Outcome) int {
	var n int
	for _, res := range r.Imports {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r ImportReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d imported, %d ignored, %d failed",
		r.Count(OutcomeImported), r.Count(OutcomeIgnored), r.Count(OutcomeFailed))
	for _, res := range r.Failed() {
		fmt.Fprintf(&b, "\n  %s %s %q: %v", res.Adapter, res.Element, res.Key, res.Err)
	}
	for _, w := range r.Watches {
		if w.Err != nil {
			fmt.Fprintf(&b, "\n  watch %q: %v", w.Watch.Key, w.Err)
		}
	}
	return b.String()
}

func (r *ImportReport) record(adapter string, element twinstate.Element, key string, err error) bool {
	res := ImportResult{Adapter: adapter, Element: element, Key: key, Outcome: OutcomeImported}
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
	}
	r.Imports = append(r.Imports, res)
	return err == nil
}

func (r *ImportReport) ignore(adapter string, element twinstate.Element, key string) {
	r.Imports = append(r.Imports, ImportResult{Adapter: adapter, Element: element, Key: key, Outcome: OutcomeIgnored})
}

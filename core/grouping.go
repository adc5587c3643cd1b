package core

import "github.com/flowgraph/flowcore/core/event"

// GroupExternalEvents partitions events into maximal consecutive runs with no
// repeated type: walking left to right, a new group opens whenever the
// current event's type already appears in the open group.
//
//	[A, B, A, A, C, B] → [[A, B], [A], [A, C, B]]
//
// Every event still spawns exactly one child, in input order; the grouping is
// preserved for tracing and future fan-out batching.
func GroupExternalEvents(events []event.External) [][]event.External {
	if len(events) == 0 {
		return nil
	}

	var groups [][]event.External
	seen := make(map[string]bool)
	var current []event.External

	for _, ev := range events {
		if seen[ev.Type] {
			groups = append(groups, current)
			current = nil
			seen = make(map[string]bool)
		}
		seen[ev.Type] = true
		current = append(current, ev)
	}
	return append(groups, current)
}

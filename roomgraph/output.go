package roomgraph

import (
	"go.mau.fi/hearth/pdu"
)

// OutputEvent is published to listeners after an event's disposition is
// durably committed. Consumers decide what to do with it: the sync
// notifier wakes long-polling clients, the federation gateway gossips
// accepted events onward. State changes are given as event IDs because
// consumers typically have those events cached already.
type OutputEvent struct {
	Event  *pdu.PDU
	Status pdu.EventStatus
	// Reason is set for rejections and soft failures.
	Reason string
	// StreamPosition is the monotonic local position assigned at
	// accept time. Zero for events that never entered the timeline.
	StreamPosition int64
	// AddedState contains the slots this event's acceptance changed in
	// the room's current state, including via resolution fallout.
	AddedState pdu.StateMap
	// RemovedState contains the slots that disappeared entirely.
	RemovedState []pdu.StateKeyTuple
}

// OutputListener receives committed output events. Called from the
// room's writer goroutine; implementations must not block for long and
// must not call back into ingestion synchronously.
type OutputListener func(evt *OutputEvent)

// AddListener registers a listener for all rooms. Not safe to call
// concurrently with event processing; register listeners before
// ingesting.
func (m *Manager) AddListener(listener OutputListener) {
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) publish(evt *OutputEvent) {
	for _, listener := range m.listeners {
		listener(evt)
	}
}

// StateDelta computes the visible state change between two snapshots.
func stateDelta(before, after pdu.StateMap) (added pdu.StateMap, removed []pdu.StateKeyTuple) {
	if before == nil {
		before = make(pdu.StateMap)
	}
	return before.Diff(after)
}

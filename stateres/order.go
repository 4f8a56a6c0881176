package stateres

import (
	"container/heap"
	"context"
	"slices"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

var (
	powerLevelsType = event.StatePowerLevels.Type
	joinRulesType   = event.StateJoinRules.Type
	memberType      = event.StateMember.Type
)

// isPowerEvent reports whether the event participates in the first
// resolution phase: power levels, join rules, and membership changes
// done to someone else (kicks and bans).
func isPowerEvent(evt *pdu.PDU) bool {
	if !evt.IsState() {
		return false
	}
	switch evt.Type {
	case powerLevelsType, joinRulesType:
		return evt.GetStateKey() == ""
	case memberType:
		if evt.GetStateKey() == string(evt.Sender) {
			return false
		}
		switch evt.Membership() {
		case event.MembershipLeave, event.MembershipBan:
			return true
		}
	}
	return false
}

// orderKey is the deterministic comparator key for one candidate.
// The meaning of primary differs per phase: sender power for power
// events, mainline position for the rest. depth and the event ID break
// the remaining ties, guaranteeing a total order.
type orderKey struct {
	primary int64
	depth   int64
	eventID id.EventID
}

func (k orderKey) less(other orderKey) bool {
	if k.primary != other.primary {
		return k.primary < other.primary
	}
	if k.depth != other.depth {
		return k.depth < other.depth
	}
	return strings.Compare(string(k.eventID), string(other.eventID)) < 0
}

type keyedEvent struct {
	evt *pdu.PDU
	key orderKey
}

type eventHeap []keyedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].key.less(h[j].key) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(keyedEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topologicalSort orders the candidates so that no event ever precedes
// a member of its own auth chain, breaking ties with the given key
// function. Kahn's algorithm with a heap of ready events keeps the
// result fully deterministic.
func topologicalSort(candidates map[id.EventID]*pdu.PDU, keyOf func(*pdu.PDU) orderKey) []*pdu.PDU {
	indegree := make(map[id.EventID]int, len(candidates))
	dependents := make(map[id.EventID][]id.EventID, len(candidates))
	for eventID, evt := range candidates {
		if _, ok := indegree[eventID]; !ok {
			indegree[eventID] = 0
		}
		for _, authEventID := range evt.AuthEvents {
			if _, inSet := candidates[authEventID]; inSet {
				indegree[eventID]++
				dependents[authEventID] = append(dependents[authEventID], eventID)
			}
		}
	}
	ready := make(eventHeap, 0, len(candidates))
	for eventID, degree := range indegree {
		if degree == 0 {
			ready = append(ready, keyedEvent{evt: candidates[eventID], key: keyOf(candidates[eventID])})
		}
	}
	heap.Init(&ready)
	sorted := make([]*pdu.PDU, 0, len(candidates))
	for ready.Len() > 0 {
		next := heap.Pop(&ready).(keyedEvent)
		sorted = append(sorted, next.evt)
		deps := dependents[next.evt.EventID]
		slices.SortFunc(deps, func(a, b id.EventID) int {
			return strings.Compare(string(a), string(b))
		})
		for _, childID := range deps {
			indegree[childID]--
			if indegree[childID] == 0 {
				heap.Push(&ready, keyedEvent{evt: candidates[childID], key: keyOf(candidates[childID])})
			}
		}
	}
	// A cycle in auth references cannot happen with content-derived
	// IDs, but if the store is corrupted the leftovers are appended in
	// ID order rather than dropped silently.
	if len(sorted) < len(candidates) {
		var leftovers []*pdu.PDU
		for eventID, evt := range candidates {
			if indegree[eventID] > 0 {
				leftovers = append(leftovers, evt)
			}
		}
		slices.SortFunc(leftovers, func(a, b *pdu.PDU) int {
			return strings.Compare(string(a.EventID), string(b.EventID))
		})
		sorted = append(sorted, leftovers...)
	}
	return sorted
}

// mainline is the resolved power-levels event's own history: the chain
// of m.room.power_levels events reachable through auth_events, oldest
// first. Mainline position is the primary sort key for the second
// resolution phase.
type mainline struct {
	positions map[id.EventID]int64
	resolver  *Resolver
}

func (r *Resolver) buildMainline(ctx context.Context, resolvedPowerLevels *pdu.PDU) *mainline {
	ml := &mainline{positions: make(map[id.EventID]int64), resolver: r}
	var chain []id.EventID
	for evt := resolvedPowerLevels; evt != nil; evt = r.authPowerLevels(ctx, evt) {
		if _, seen := ml.positions[evt.EventID]; seen {
			break
		}
		ml.positions[evt.EventID] = 0
		chain = append(chain, evt.EventID)
	}
	// The walk went newest to oldest; positions count from the oldest.
	for i, eventID := range chain {
		ml.positions[eventID] = int64(len(chain) - i)
	}
	return ml
}

// position returns the mainline position of the closest power-levels
// ancestor of the event. Events with no mainline ancestor sort first.
func (ml *mainline) position(ctx context.Context, evt *pdu.PDU) int64 {
	for step := 0; evt != nil && step < maxMainlineDepth; step++ {
		if pos, ok := ml.positions[evt.EventID]; ok {
			return pos
		}
		evt = ml.resolver.authPowerLevels(ctx, evt)
	}
	return 0
}

const maxMainlineDepth = 100

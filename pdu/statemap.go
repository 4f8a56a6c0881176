package pdu

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/util"
)

// StateKeyTuple identifies one slot in a room's state map.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

func (skt StateKeyTuple) String() string {
	return fmt.Sprintf("(%s, %q)", skt.Type, skt.StateKey)
}

// StateMap maps each (event_type, state_key) slot to the event
// currently in effect for it. A complete StateMap is one state set.
type StateMap map[StateKeyTuple]id.EventID

func (sm StateMap) Clone() StateMap {
	return maps.Clone(sm)
}

// Get returns the event in the given slot, or an empty ID.
func (sm StateMap) Get(evtType, stateKey string) id.EventID {
	return sm[StateKeyTuple{Type: evtType, StateKey: stateKey}]
}

func (sm StateMap) Equal(other StateMap) bool {
	return maps.Equal(sm, other)
}

// SortedTuples returns the slots in a stable order: type first, then
// state key, both lexicographic.
func (sm StateMap) SortedTuples() []StateKeyTuple {
	tuples := slices.Collect(maps.Keys(sm))
	slices.SortFunc(tuples, func(a, b StateKeyTuple) int {
		if cmp := strings.Compare(a.Type, b.Type); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.StateKey, b.StateKey)
	})
	return tuples
}

// Hash returns a collision-resistant identity for this exact state set,
// independent of map iteration order.
func (sm StateMap) Hash() string {
	var sb strings.Builder
	for _, tuple := range sm.SortedTuples() {
		sb.WriteString(tuple.Type)
		sb.WriteByte(0)
		sb.WriteString(tuple.StateKey)
		sb.WriteByte(0)
		sb.WriteString(string(sm[tuple]))
		sb.WriteByte(0)
	}
	return util.UnpaddedURLSafeSHA256([]byte(sb.String()))
}

// Diff returns the slots whose event changed from sm to other, mapped
// to the new event ID, plus the slots that disappeared entirely.
func (sm StateMap) Diff(other StateMap) (changed StateMap, removed []StateKeyTuple) {
	changed = make(StateMap)
	for tuple, eventID := range other {
		if sm[tuple] != eventID {
			changed[tuple] = eventID
		}
	}
	for tuple := range sm {
		if _, ok := other[tuple]; !ok {
			removed = append(removed, tuple)
		}
	}
	slices.SortFunc(removed, func(a, b StateKeyTuple) int {
		if cmp := strings.Compare(a.Type, b.Type); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.StateKey, b.StateKey)
	})
	return
}

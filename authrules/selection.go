package authrules

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// NeededAuthTuples returns the exact state slots whose events must make
// up the event's auth_events list. The selection is protocol-fixed:
// create, the sender's membership and power levels for everything, plus
// the target's membership and the join rules for membership changes.
func NeededAuthTuples(evt *pdu.PDU) []pdu.StateKeyTuple {
	if evt.IsCreate() {
		return nil
	}
	tuples := []pdu.StateKeyTuple{
		{Type: event.StateCreate.Type, StateKey: ""},
		{Type: event.StatePowerLevels.Type, StateKey: ""},
		{Type: event.StateMember.Type, StateKey: string(evt.Sender)},
	}
	if evt.Type == event.StateMember.Type && evt.IsState() {
		if target := evt.GetStateKey(); target != string(evt.Sender) {
			tuples = append(tuples, pdu.StateKeyTuple{Type: event.StateMember.Type, StateKey: target})
		}
		switch evt.Membership() {
		case event.MembershipJoin, event.MembershipKnock:
			tuples = append(tuples, pdu.StateKeyTuple{Type: event.StateJoinRules.Type, StateKey: ""})
		}
	}
	return tuples
}

// VerifyAuthSelection rejects events whose auth_events list doesn't
// match the minimal correct auth set for their type: no duplicates, no
// events outside the needed slots, no missing create event. This
// protects against forged authorization chains.
func VerifyAuthSelection(evt *pdu.PDU, fetch func(id.EventID) (*pdu.PDU, error)) error {
	if evt.IsCreate() {
		if len(evt.AuthEvents) > 0 {
			return reject("create event cannot have auth events")
		}
		return nil
	}
	needed := make(map[pdu.StateKeyTuple]bool, 5)
	for _, tuple := range NeededAuthTuples(evt) {
		needed[tuple] = false
	}
	hasCreate := false
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := fetch(authEventID)
		if err != nil || authEvent == nil {
			return reject("auth event %s is not available", authEventID)
		}
		if !authEvent.IsState() {
			return reject("auth event %s is not a state event", authEventID)
		}
		if authEvent.RoomID != evt.RoomID {
			return reject("auth event %s is from another room", authEventID)
		}
		tuple := authEvent.StateTuple()
		seen, ok := needed[tuple]
		if !ok {
			return reject("auth event %s fills unneeded slot %s", authEventID, tuple)
		}
		if seen {
			return reject("duplicate auth event for slot %s", tuple)
		}
		needed[tuple] = true
		if authEvent.IsCreate() {
			hasCreate = true
		}
	}
	if !hasCreate {
		return reject("auth events don't include the create event")
	}
	return nil
}

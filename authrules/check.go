package authrules

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// Rejection is the terminal auth failure for an event. It is an error
// so it can flow through normal error paths, but callers must treat it
// differently from infrastructure failures: a rejection is a verdict,
// not a fault.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "auth rejected: " + r.Reason
}

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Check evaluates the event against the resolved state at its prev
// events. A nil return means accept; a *Rejection means the event is
// terminally unauthorized; any other error is an evaluation fault.
func Check(evt *pdu.PDU, state State) error {
	if evt.IsCreate() {
		return checkCreate(evt)
	}
	create := state.Create()
	if create == nil {
		return reject("no create event in auth state")
	}
	if create.RoomID != evt.RoomID {
		return reject("create event is for a different room")
	}
	switch evt.Type {
	case event.StateMember.Type:
		if !evt.IsState() {
			return reject("m.room.member without state_key")
		}
		return checkMembership(evt, state)
	case event.StatePowerLevels.Type:
		if err := checkCanSend(evt, state); err != nil {
			return err
		}
		return checkPowerLevelChange(evt, state)
	default:
		return checkCanSend(evt, state)
	}
}

func checkCreate(evt *pdu.PDU) error {
	if len(evt.PrevEvents) != 0 {
		return reject("create event must be the graph root")
	}
	if len(evt.AuthEvents) != 0 {
		return reject("create event cannot have auth events")
	}
	domain := roomServerPart(evt.RoomID)
	if domain == "" {
		return reject("room ID %q has no server part", evt.RoomID)
	}
	if domain != evt.Sender.Homeserver() {
		return reject("room ID server part %q doesn't match sender %q", domain, evt.Sender)
	}
	return nil
}

// checkCanSend is the general rule for everything that isn't a
// membership change: the sender must be joined and hold the level
// required for that event type.
func checkCanSend(evt *pdu.PDU, state State) error {
	if membership := state.Membership(evt.Sender); membership != event.MembershipJoin {
		return reject("sender %s is not in the room (%s)", evt.Sender, membership)
	}
	required := state.EventLevel(evt.EventType())
	if level := state.UserLevel(evt.Sender); level < required {
		return reject("sender %s has level %d but %s requires %d", evt.Sender, level, evt.Type, required)
	}
	if evt.IsState() && strings.HasPrefix(evt.GetStateKey(), "@") && evt.GetStateKey() != string(evt.Sender) {
		return reject("state key %q belongs to another user", evt.GetStateKey())
	}
	return nil
}

func roomServerPart(roomID id.RoomID) string {
	_, server, _ := strings.Cut(string(roomID), ":")
	return server
}

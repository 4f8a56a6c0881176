// Package authrules implements the protocol authorization rules as pure
// functions: given an event and the resolved state it claims to build
// on, decide accept or reject. Nothing here touches storage.
package authrules

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// State is a resolved state set with the events themselves attached,
// which is what the auth rules evaluate against.
type State map[pdu.StateKeyTuple]*pdu.PDU

// FromStateMap materializes a State from a plain event-ID map using the
// given event lookup. Slots whose event cannot be fetched are left out;
// the rules then treat them as absent state.
func FromStateMap(stateMap pdu.StateMap, fetch func(id.EventID) (*pdu.PDU, error)) State {
	state := make(State, len(stateMap))
	for tuple, eventID := range stateMap {
		evt, err := fetch(eventID)
		if err != nil || evt == nil {
			continue
		}
		state[tuple] = evt
	}
	return state
}

func (s State) get(evtType, stateKey string) *pdu.PDU {
	return s[pdu.StateKeyTuple{Type: evtType, StateKey: stateKey}]
}

// Create returns the room creation event, or nil if the state set has
// none (which makes everything else unauthorizable).
func (s State) Create() *pdu.PDU {
	return s.get(event.StateCreate.Type, "")
}

// Creator returns the user that created the room.
func (s State) Creator() id.UserID {
	create := s.Create()
	if create == nil {
		return ""
	}
	content, err := create.AsCreate()
	if err != nil || content.Creator == "" {
		return create.Sender
	}
	return content.Creator
}

// Membership returns the current membership of the given user, with
// the protocol default of leave when no member event exists.
func (s State) Membership(userID id.UserID) event.Membership {
	member := s.get(event.StateMember.Type, string(userID))
	if member == nil {
		return event.MembershipLeave
	}
	membership := member.Membership()
	if membership == "" {
		return event.MembershipLeave
	}
	return membership
}

// JoinRule returns the room's join rule, defaulting to invite.
func (s State) JoinRule() event.JoinRule {
	joinRules := s.get(event.StateJoinRules.Type, "")
	if joinRules == nil {
		return event.JoinRuleInvite
	}
	content, err := joinRules.AsJoinRules()
	if err != nil || content.JoinRule == "" {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}

// PowerLevels returns the parsed current power levels event, or false
// when the room doesn't have one yet.
func (s State) PowerLevels() (*event.PowerLevelsEventContent, bool) {
	pl := s.get(event.StatePowerLevels.Type, "")
	if pl == nil {
		return nil, false
	}
	content, err := pl.AsPowerLevels()
	if err != nil {
		return nil, false
	}
	return content, true
}

// UserLevel returns the user's power level. Before any power levels
// event exists, the room creator has level 100 and everyone else 0.
func (s State) UserLevel(userID id.UserID) int {
	if pl, ok := s.PowerLevels(); ok {
		return pl.GetUserLevel(userID)
	}
	if userID != "" && userID == s.Creator() {
		return 100
	}
	return 0
}

// EventLevel returns the level required to send the given event type.
// Before any power levels event exists, everything requires level 0.
func (s State) EventLevel(evtType event.Type) int {
	if pl, ok := s.PowerLevels(); ok {
		return pl.GetEventLevel(evtType)
	}
	return 0
}

// actionLevel returns the level required for invite/kick/ban/redact.
func (s State) actionLevel(getter func(*event.PowerLevelsEventContent) int, def int) int {
	if pl, ok := s.PowerLevels(); ok {
		return getter(pl)
	}
	return def
}

func (s State) InviteLevel() int {
	return s.actionLevel((*event.PowerLevelsEventContent).Invite, 0)
}

func (s State) KickLevel() int {
	return s.actionLevel((*event.PowerLevelsEventContent).Kick, 50)
}

func (s State) BanLevel() int {
	return s.actionLevel((*event.PowerLevelsEventContent).Ban, 50)
}

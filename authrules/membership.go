package authrules

import (
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// checkMembership implements the m.room.member transition table.
func checkMembership(evt *pdu.PDU, state State) error {
	content, err := evt.AsMember()
	if err != nil {
		return reject("unparseable membership content: %s", err)
	}
	target := id.UserID(evt.GetStateKey())
	switch content.Membership {
	case event.MembershipJoin:
		return checkJoin(evt, state, target)
	case event.MembershipInvite:
		return checkInvite(evt, state, target)
	case event.MembershipLeave:
		return checkLeave(evt, state, target)
	case event.MembershipBan:
		return checkBan(evt, state, target)
	case event.MembershipKnock:
		return checkKnock(evt, state, target)
	default:
		return reject("unknown membership %q", content.Membership)
	}
}

func checkJoin(evt *pdu.PDU, state State, target id.UserID) error {
	// The creator's first join rides directly on the create event.
	create := state.Create()
	if create != nil && len(evt.PrevEvents) == 1 && evt.PrevEvents[0] == create.EventID {
		if target == state.Creator() && evt.Sender == target {
			return nil
		}
	}
	if evt.Sender != target {
		return reject("cannot join on behalf of %s", target)
	}
	switch current := state.Membership(target); current {
	case event.MembershipBan:
		return reject("%s is banned from the room", target)
	case event.MembershipJoin:
		// Profile update, always fine.
		return nil
	case event.MembershipInvite:
		// Invited users may always accept.
		return nil
	default:
		switch rule := state.JoinRule(); rule {
		case event.JoinRulePublic:
			return nil
		case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
			if gjson.GetBytes(evt.Content, "join_authorised_via_users_server").Exists() {
				return nil
			}
			return reject("%s is not invited to this restricted room", target)
		default:
			return reject("join rule %q doesn't allow %s (%s) to join", rule, target, current)
		}
	}
}

func checkInvite(evt *pdu.PDU, state State, target id.UserID) error {
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return reject("inviter %s is not in the room", evt.Sender)
	}
	switch state.Membership(target) {
	case event.MembershipJoin:
		return reject("%s is already in the room", target)
	case event.MembershipBan:
		return reject("%s is banned from the room", target)
	}
	if level, required := state.UserLevel(evt.Sender), state.InviteLevel(); level < required {
		return reject("sender %s has level %d but inviting requires %d", evt.Sender, level, required)
	}
	return nil
}

func checkLeave(evt *pdu.PDU, state State, target id.UserID) error {
	if evt.Sender == target {
		switch state.Membership(target) {
		case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
			return nil
		default:
			return reject("%s is not in the room to leave it", target)
		}
	}
	// Kick, or unban when the target is currently banned.
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return reject("kicker %s is not in the room", evt.Sender)
	}
	senderLevel := state.UserLevel(evt.Sender)
	if state.Membership(target) == event.MembershipBan {
		if required := state.BanLevel(); senderLevel < required {
			return reject("sender %s has level %d but unbanning requires %d", evt.Sender, senderLevel, required)
		}
	}
	if required := state.KickLevel(); senderLevel < required {
		return reject("sender %s has level %d but kicking requires %d", evt.Sender, senderLevel, required)
	}
	if targetLevel := state.UserLevel(target); targetLevel >= senderLevel {
		return reject("cannot kick %s with level %d from level %d", target, targetLevel, senderLevel)
	}
	return nil
}

func checkBan(evt *pdu.PDU, state State, target id.UserID) error {
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return reject("banner %s is not in the room", evt.Sender)
	}
	senderLevel := state.UserLevel(evt.Sender)
	if required := state.BanLevel(); senderLevel < required {
		return reject("sender %s has level %d but banning requires %d", evt.Sender, senderLevel, required)
	}
	if targetLevel := state.UserLevel(target); targetLevel >= senderLevel {
		return reject("cannot ban %s with level %d from level %d", target, targetLevel, senderLevel)
	}
	return nil
}

func checkKnock(evt *pdu.PDU, state State, target id.UserID) error {
	if evt.Sender != target {
		return reject("cannot knock on behalf of %s", target)
	}
	switch rule := state.JoinRule(); rule {
	case event.JoinRuleKnock, event.JoinRuleKnockRestricted:
	default:
		return reject("join rule %q doesn't allow knocking", rule)
	}
	switch current := state.Membership(target); current {
	case event.MembershipBan, event.MembershipInvite, event.MembershipJoin:
		return reject("%s cannot knock while %s", target, current)
	}
	return nil
}

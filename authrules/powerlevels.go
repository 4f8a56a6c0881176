package authrules

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// checkPowerLevelChange validates a new m.room.power_levels event
// against the currently resolved one. Every level the sender touches
// must be within their own reach, and other users can only be demoted
// from strictly below the sender's level.
func checkPowerLevelChange(evt *pdu.PDU, state State) error {
	newContent, err := evt.AsPowerLevels()
	if err != nil {
		return reject("unparseable power levels content: %s", err)
	}
	oldContent, hadPowerLevels := state.PowerLevels()
	if !hadPowerLevels {
		// The first power levels event only needs the general
		// send-state permission, which checkCanSend already verified.
		return nil
	}
	senderLevel := state.UserLevel(evt.Sender)

	check := func(name string, old, new int) error {
		if old == new {
			return nil
		}
		if old > senderLevel {
			return reject("cannot change %s from %d, sender only has %d", name, old, senderLevel)
		}
		if new > senderLevel {
			return reject("cannot change %s to %d, sender only has %d", name, new, senderLevel)
		}
		return nil
	}

	if err = check("users_default", oldContent.UsersDefault, newContent.UsersDefault); err != nil {
		return err
	}
	if err = check("events_default", oldContent.EventsDefault, newContent.EventsDefault); err != nil {
		return err
	}
	if err = check("state_default", oldContent.StateDefault(), newContent.StateDefault()); err != nil {
		return err
	}
	if err = check("ban", oldContent.Ban(), newContent.Ban()); err != nil {
		return err
	}
	if err = check("kick", oldContent.Kick(), newContent.Kick()); err != nil {
		return err
	}
	if err = check("redact", oldContent.Redact(), newContent.Redact()); err != nil {
		return err
	}
	if err = check("invite", oldContent.Invite(), newContent.Invite()); err != nil {
		return err
	}

	for evtType, old := range oldContent.Events {
		new, kept := newContent.Events[evtType]
		if !kept {
			new = newContent.EventsDefault
		}
		if err = check("events."+evtType, old, new); err != nil {
			return err
		}
	}
	for evtType, new := range newContent.Events {
		if _, existed := oldContent.Events[evtType]; !existed {
			if err = check("events."+evtType, oldContent.EventsDefault, new); err != nil {
				return err
			}
		}
	}

	for userID, old := range oldContent.Users {
		new := userLevelOrDefault(newContent, userID)
		if old == new {
			continue
		}
		// Demoting or removing another user requires outranking them,
		// not just reaching their level.
		if userID != evt.Sender && old >= senderLevel {
			return reject("cannot change level of %s from %d, sender only has %d", userID, old, senderLevel)
		}
		if old > senderLevel || new > senderLevel {
			return reject("cannot change level of %s from %d to %d, sender only has %d", userID, old, new, senderLevel)
		}
	}
	for userID, new := range newContent.Users {
		if _, existed := oldContent.Users[userID]; !existed && new != newContent.UsersDefault {
			if new > senderLevel {
				return reject("cannot grant %s level %d, sender only has %d", userID, new, senderLevel)
			}
		}
	}
	return nil
}

func userLevelOrDefault(pl *event.PowerLevelsEventContent, userID id.UserID) int {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return pl.UsersDefault
}

package authrules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/authrules"
	"go.mau.fi/hearth/pdu"
)

func TestNeededAuthTuples(t *testing.T) {
	create := stateEvent(alice, event.StateCreate.Type, "", `{"creator":"@alice:example.com"}`)
	assert.Nil(t, authrules.NeededAuthTuples(create))

	msg := memberEvent(alice, alice, event.MembershipJoin)
	assert.ElementsMatch(t, []pdu.StateKeyTuple{
		{Type: event.StateCreate.Type, StateKey: ""},
		{Type: event.StatePowerLevels.Type, StateKey: ""},
		{Type: event.StateMember.Type, StateKey: string(alice)},
		{Type: event.StateJoinRules.Type, StateKey: ""},
	}, authrules.NeededAuthTuples(msg))

	kick := memberEvent(alice, bob, event.MembershipLeave)
	assert.ElementsMatch(t, []pdu.StateKeyTuple{
		{Type: event.StateCreate.Type, StateKey: ""},
		{Type: event.StatePowerLevels.Type, StateKey: ""},
		{Type: event.StateMember.Type, StateKey: string(alice)},
		{Type: event.StateMember.Type, StateKey: string(bob)},
	}, authrules.NeededAuthTuples(kick))
}

func TestVerifyAuthSelection(t *testing.T) {
	create := stateEvent(alice, event.StateCreate.Type, "", `{"creator":"@alice:example.com"}`)
	aliceJoin := memberEvent(alice, alice, event.MembershipJoin)
	pl := stateEvent(alice, event.StatePowerLevels.Type, "", `{"users":{"@alice:example.com":100}}`)
	events := map[id.EventID]*pdu.PDU{
		create.EventID:    create,
		aliceJoin.EventID: aliceJoin,
		pl.EventID:        pl,
	}
	fetch := func(eventID id.EventID) (*pdu.PDU, error) {
		return events[eventID], nil
	}

	evt := stateEvent(alice, "m.room.topic", "", `{"topic":"hi"}`)
	evt.AuthEvents = []id.EventID{create.EventID, pl.EventID, aliceJoin.EventID}
	require.NoError(t, authrules.VerifyAuthSelection(evt, fetch))

	var rejection *authrules.Rejection

	missingCreate := stateEvent(alice, "m.room.topic", "", `{"topic":"hi"}`)
	missingCreate.AuthEvents = []id.EventID{pl.EventID, aliceJoin.EventID}
	require.ErrorAs(t, authrules.VerifyAuthSelection(missingCreate, fetch), &rejection)
	assert.Contains(t, rejection.Reason, "don't include the create event")

	duplicated := stateEvent(alice, "m.room.topic", "", `{"topic":"hi"}`)
	duplicated.AuthEvents = []id.EventID{create.EventID, pl.EventID, pl.EventID}
	require.ErrorAs(t, authrules.VerifyAuthSelection(duplicated, fetch), &rejection)
	assert.Contains(t, rejection.Reason, "duplicate auth event")

	unneeded := stateEvent(alice, "m.room.topic", "", `{"topic":"hi"}`)
	topic := stateEvent(alice, "m.room.topic", "", `{"topic":"old"}`)
	events[topic.EventID] = topic
	unneeded.AuthEvents = []id.EventID{create.EventID, topic.EventID}
	require.ErrorAs(t, authrules.VerifyAuthSelection(unneeded, fetch), &rejection)
	assert.Contains(t, rejection.Reason, "unneeded slot")

	unknown := stateEvent(alice, "m.room.topic", "", `{"topic":"hi"}`)
	unknown.AuthEvents = []id.EventID{"$who-knows"}
	require.ErrorAs(t, authrules.VerifyAuthSelection(unknown, fetch), &rejection)
	assert.Contains(t, rejection.Reason, "not available")
}

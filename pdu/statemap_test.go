package pdu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.mau.fi/hearth/pdu"
)

func TestStateMapHash_OrderInsensitive(t *testing.T) {
	a := pdu.StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice",
		{Type: "m.room.member", StateKey: "@bob:example.com"}:   "$bob",
	}
	b := pdu.StateMap{
		{Type: "m.room.member", StateKey: "@bob:example.com"}:   "$bob",
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice",
	}
	assert.Equal(t, a.Hash(), b.Hash())

	c := a.Clone()
	c[pdu.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:example.com"}] = "$bob2"
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestStateMapDiff(t *testing.T) {
	before := pdu.StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice1",
		{Type: "m.room.topic", StateKey: ""}:                    "$topic",
	}
	after := pdu.StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice2",
		{Type: "m.room.member", StateKey: "@bob:example.com"}:   "$bob",
	}
	changed, removed := before.Diff(after)
	assert.Equal(t, pdu.StateMap{
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice2",
		{Type: "m.room.member", StateKey: "@bob:example.com"}:   "$bob",
	}, changed)
	assert.Equal(t, []pdu.StateKeyTuple{{Type: "m.room.topic", StateKey: ""}}, removed)

	changed, removed = after.Diff(after)
	assert.Empty(t, changed)
	assert.Empty(t, removed)
}

package database_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/pdu"
)

const testRoom = id.RoomID("!test:example.com")

func newTestDB(t *testing.T) (*database.Database, context.Context) {
	t.Helper()
	rawDB, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	require.NoError(t, err)
	rawDB.RawDB.SetMaxOpenConns(1)
	db := database.New(rawDB)
	ctx := context.Background()
	require.NoError(t, db.Upgrade(ctx))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func makeEvent(t *testing.T, evtType, stateKey, content string, prevEvents ...id.EventID) *pdu.PDU {
	t.Helper()
	evt := &pdu.PDU{
		AuthEvents:     []id.EventID{},
		Content:        json.RawMessage(content),
		Depth:          int64(len(prevEvents)) + 1,
		OriginServerTS: 1700000000000,
		PrevEvents:     prevEvents,
		RoomID:         testRoom,
		Sender:         "@alice:example.com",
		Type:           evtType,
	}
	if stateKey != "" || evtType == "m.room.create" {
		evt.StateKey = ptr.Ptr(stateKey)
	}
	if evt.PrevEvents == nil {
		evt.PrevEvents = []id.EventID{}
	}
	require.NoError(t, evt.ComputeEventID())
	return evt
}

func TestEventQuery_PutGet(t *testing.T) {
	db, ctx := newTestDB(t)

	evt := makeEvent(t, "m.room.create", "", `{"creator":"@alice:example.com","room_version":"11"}`)
	stored := database.WrapPDU(evt, pdu.StatusAccepted)
	stored.StreamOrder = 1
	stored.StateGroupID = 0
	require.NoError(t, db.Event.Put(ctx, stored))

	loaded, err := db.Event.Get(ctx, evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID, loaded.EventID)
	assert.Equal(t, evt.RoomID, loaded.RoomID)
	assert.Equal(t, evt.Sender, loaded.Sender)
	assert.Equal(t, evt.Type, loaded.Type)
	require.NotNil(t, loaded.StateKey)
	assert.Equal(t, "", *loaded.StateKey)
	assert.JSONEq(t, string(evt.Content), string(loaded.Content))
	assert.Equal(t, pdu.StatusAccepted, loaded.Status)
	assert.EqualValues(t, 1, loaded.StreamOrder)
	assert.NotEmpty(t, loaded.Raw)

	// The stored raw form must round trip to the same event ID.
	reparsed, err := pdu.Parse(loaded.Raw)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID, reparsed.EventID)

	exists, err := db.Event.Exists(ctx, evt.EventID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEventQuery_DuplicatePut(t *testing.T) {
	db, ctx := newTestDB(t)

	evt := makeEvent(t, "m.room.create", "", `{"creator":"@alice:example.com"}`)
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(evt, pdu.StatusAccepted)))
	err := db.Event.Put(ctx, database.WrapPDU(evt, pdu.StatusAccepted))
	assert.ErrorIs(t, err, database.ErrDuplicateEvent)
}

func TestEventQuery_GetMissing(t *testing.T) {
	db, ctx := newTestDB(t)
	_, err := db.Event.Get(ctx, "$does-not-exist")
	assert.ErrorIs(t, err, database.ErrEventNotFound)

	exists, err := db.Event.Exists(ctx, "$does-not-exist")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEventQuery_Edges(t *testing.T) {
	db, ctx := newTestDB(t)

	create := makeEvent(t, "m.room.create", "", `{"creator":"@alice:example.com"}`)
	childA := makeEvent(t, "m.room.message", "", `{"body":"a"}`, create.EventID)
	childB := makeEvent(t, "m.room.message", "", `{"body":"b"}`, create.EventID)
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(create, pdu.StatusAccepted)))
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(childA, pdu.StatusAccepted)))
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(childB, pdu.StatusAccepted)))

	children, err := db.Event.ChildrenOf(ctx, create.EventID)
	require.NoError(t, err)
	childIDs := make([]id.EventID, len(children))
	for i, child := range children {
		childIDs[i] = child.EventID
	}
	assert.ElementsMatch(t, []id.EventID{childA.EventID, childB.EventID}, childIDs)

	parents, err := db.Event.ParentsOf(ctx, childA.EventID)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, create.EventID, parents[0].EventID)

	// Parents not yet ingested simply don't appear.
	orphan := makeEvent(t, "m.room.message", "", `{"body":"c"}`, "$not-stored-yet")
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(orphan, pdu.StatusOutlier)))
	parents, err = db.Event.ParentsOf(ctx, orphan.EventID)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestEventQuery_TimelineAndDisposition(t *testing.T) {
	db, ctx := newTestDB(t)

	var wantTimeline []id.EventID
	for i := 1; i <= 5; i++ {
		evt := makeEvent(t, "m.room.message", "", fmt.Sprintf(`{"body":"msg %d"}`, i), "$parent")
		stored := database.WrapPDU(evt, pdu.StatusAccepted)
		pos, err := db.Room.NextStreamPosition(ctx)
		require.NoError(t, err)
		stored.StreamOrder = pos
		require.NoError(t, db.Event.Put(ctx, stored))
		wantTimeline = append(wantTimeline, evt.EventID)
	}
	softFailed := makeEvent(t, "m.room.message", "", `{"body":"hidden"}`, "$parent")
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(softFailed, pdu.StatusSoftFailed)))

	timeline, err := db.Event.TimelineAfter(ctx, testRoom, 0, 100)
	require.NoError(t, err)
	gotIDs := make([]id.EventID, len(timeline))
	for i, evt := range timeline {
		gotIDs[i] = evt.EventID
	}
	assert.Equal(t, wantTimeline, gotIDs)

	partial, err := db.Event.TimelineAfter(ctx, testRoom, 3, 100)
	require.NoError(t, err)
	assert.Len(t, partial, 2)

	capped, err := db.Event.TimelineAfter(ctx, testRoom, 0, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)

	// De-outliering is a disposition update, not a rewrite.
	outlier := makeEvent(t, "m.room.message", "", `{"body":"late"}`, "$parent")
	require.NoError(t, db.Event.Put(ctx, database.WrapPDU(outlier, pdu.StatusOutlier)))
	updated := database.WrapPDU(outlier, pdu.StatusAccepted)
	updated.StreamOrder, err = db.Room.NextStreamPosition(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Event.SetDisposition(ctx, updated))
	loaded, err := db.Event.Get(ctx, outlier.EventID)
	require.NoError(t, err)
	assert.Equal(t, pdu.StatusAccepted, loaded.Status)
	assert.Equal(t, updated.StreamOrder, loaded.StreamOrder)
}

func TestRoomQuery_StateHistory(t *testing.T) {
	db, ctx := newTestDB(t)

	group, err := db.Room.ResolvedStateGroupAt(ctx, testRoom, 100)
	require.NoError(t, err)
	assert.Zero(t, group)

	require.NoError(t, db.Room.RecordStateHistory(ctx, testRoom, 1, 11))
	require.NoError(t, db.Room.RecordStateHistory(ctx, testRoom, 4, 12))

	group, err = db.Room.ResolvedStateGroupAt(ctx, testRoom, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 11, group)
	// Positions between recorded points see the last resolution.
	group, err = db.Room.ResolvedStateGroupAt(ctx, testRoom, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 11, group)
	group, err = db.Room.ResolvedStateGroupAt(ctx, testRoom, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 12, group)

	// Re-recording a position replaces the group, as when a fork merge
	// lands at an already-used position during recovery.
	require.NoError(t, db.Room.RecordStateHistory(ctx, testRoom, 4, 13))
	group, err = db.Room.ResolvedStateGroupAt(ctx, testRoom, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 13, group)
}

func TestRoomQuery_Lifecycle(t *testing.T) {
	db, ctx := newTestDB(t)

	missing, err := db.Room.Get(ctx, testRoom)
	require.NoError(t, err)
	assert.Nil(t, missing)

	room := &database.Room{RoomID: testRoom, Creator: "@alice:example.com", Version: "11"}
	require.NoError(t, db.Room.Put(ctx, room))

	loaded, err := db.Room.Get(ctx, testRoom)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, room.Creator, loaded.Creator)
	assert.Zero(t, loaded.CurrentStateGroup)

	require.NoError(t, db.Room.SetCurrentStateGroup(ctx, testRoom, 42))
	loaded, err = db.Room.Get(ctx, testRoom)
	require.NoError(t, err)
	assert.EqualValues(t, 42, loaded.CurrentStateGroup)

	all, err := db.Room.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, testRoom, all[0].RoomID)
}

func TestRoomQuery_ForwardExtremities(t *testing.T) {
	db, ctx := newTestDB(t)

	require.NoError(t, db.Room.UpdateForwardExtremities(ctx, testRoom, "$a", nil))
	require.NoError(t, db.Room.UpdateForwardExtremities(ctx, testRoom, "$b", nil))
	heads, err := db.Room.GetForwardExtremities(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$a", "$b"}, heads)

	// A new event replaces the heads it extends.
	require.NoError(t, db.Room.UpdateForwardExtremities(ctx, testRoom, "$c", []id.EventID{"$a", "$b"}))
	heads, err = db.Room.GetForwardExtremities(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$c"}, heads)

	// Re-adding an existing head is a no-op.
	require.NoError(t, db.Room.UpdateForwardExtremities(ctx, testRoom, "$c", nil))
	heads, err = db.Room.GetForwardExtremities(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{"$c"}, heads)
}

func TestRoomQuery_StreamPositions(t *testing.T) {
	db, ctx := newTestDB(t)

	current, err := db.Room.CurrentStreamPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	first, err := db.Room.NextStreamPosition(ctx)
	require.NoError(t, err)
	second, err := db.Room.NextStreamPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	current, err = db.Room.CurrentStreamPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, current)
}

func TestStateGroupQuery_Dedup(t *testing.T) {
	db, ctx := newTestDB(t)

	state := pdu.StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.com"}: "$alice",
	}
	first, err := db.StateGroup.GetOrCreate(ctx, testRoom, state)
	require.NoError(t, err)
	assert.NotZero(t, first)

	// The exact same set lands on the same group.
	again, err := db.StateGroup.GetOrCreate(ctx, testRoom, state.Clone())
	require.NoError(t, err)
	assert.Equal(t, first, again)

	changed := state.Clone()
	changed[pdu.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:example.com"}] = "$bob"
	second, err := db.StateGroup.GetOrCreate(ctx, testRoom, changed)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	loaded, err := db.StateGroup.GetMap(ctx, first)
	require.NoError(t, err)
	assert.True(t, state.Equal(loaded))
	loaded, err = db.StateGroup.GetMap(ctx, second)
	require.NoError(t, err)
	assert.True(t, changed.Equal(loaded))

	_, err = db.StateGroup.GetMap(ctx, 9999)
	assert.ErrorIs(t, err, database.ErrStateGroupNotFound)
}

package syncer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/pdu"
	"go.mau.fi/hearth/roomgraph"
	"go.mau.fi/hearth/syncer"
)

const testRoom = id.RoomID("!sync:example.com")

var alice = id.UserID("@alice:example.com")

func newTestStack(t *testing.T) (*roomgraph.Manager, *syncer.Builder) {
	return newTestStackWithLimit(t, 100)
}

func newTestStackWithLimit(t *testing.T, timelineLimit int) (*roomgraph.Manager, *syncer.Builder) {
	t.Helper()
	rawDB, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	require.NoError(t, err)
	rawDB.RawDB.SetMaxOpenConns(1)
	db := database.New(rawDB)
	ctx := context.Background()
	require.NoError(t, db.Upgrade(ctx))
	m := roomgraph.NewManager(zerolog.Nop(), db, nil, roomgraph.Config{})
	builder := syncer.NewBuilder(db, m.Snapshots, timelineLimit)
	m.AddListener(builder.HandleOutput)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		m.Stop()
		_ = db.Close()
	})
	return m, builder
}

func createRoom(t *testing.T, m *roomgraph.Manager) (create, join *pdu.PDU) {
	t.Helper()
	ctx := context.Background()
	create, err := m.CreateEvent(ctx, &roomgraph.EventRequest{
		RoomID: testRoom, Sender: alice, Type: event.StateCreate.Type, StateKey: ptr.Ptr(""),
		Content: map[string]any{"creator": alice, "room_version": "11"},
	})
	require.NoError(t, err)
	join, err = m.CreateEvent(ctx, &roomgraph.EventRequest{
		RoomID: testRoom, Sender: alice, Type: event.StateMember.Type, StateKey: ptr.Ptr(string(alice)),
		Content: map[string]any{"membership": "join"},
	})
	require.NoError(t, err)
	return create, join
}

func sendMessage(t *testing.T, m *roomgraph.Manager, body string) *pdu.PDU {
	t.Helper()
	evt, err := m.CreateEvent(context.Background(), &roomgraph.EventRequest{
		RoomID: testRoom, Sender: alice, Type: "m.room.message",
		Content: map[string]any{"msgtype": "m.text", "body": body},
	})
	require.NoError(t, err)
	return evt
}

func buildTopic(t *testing.T, topic string, create, join *pdu.PDU) *pdu.PDU {
	t.Helper()
	evt := &pdu.PDU{
		AuthEvents:     []id.EventID{create.EventID, join.EventID},
		Content:        json.RawMessage(fmt.Sprintf(`{"topic":%q}`, topic)),
		Depth:          join.Depth + 1,
		OriginServerTS: join.OriginServerTS + 1,
		PrevEvents:     []id.EventID{join.EventID},
		RoomID:         testRoom,
		Sender:         alice,
		StateKey:       ptr.Ptr(""),
		Type:           "m.room.topic",
	}
	require.NoError(t, evt.ComputeEventID())
	return evt
}

func TestDelta_InitialAndIncremental(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	createRoom(t, m)
	msg := sendMessage(t, m, "hello")

	// Initial sync: everything since zero.
	delta, err := builder.Delta(ctx, testRoom, 0)
	require.NoError(t, err)
	assert.False(t, delta.Empty())
	assert.Len(t, delta.Timeline, 3)
	assert.Equal(t, msg.EventID, delta.Timeline[2].EventID)
	assert.Len(t, delta.StateChanges, 2)
	assert.Empty(t, delta.RemovedState)
	assert.EqualValues(t, 3, delta.NextToken)

	// Nothing new: the delta is empty with the same token.
	again, err := builder.Delta(ctx, testRoom, delta.NextToken)
	require.NoError(t, err)
	assert.True(t, again.Empty())
	assert.Equal(t, delta.NextToken, again.NextToken)

	// Repeating the same call must keep yielding the same answer.
	third, err := builder.Delta(ctx, testRoom, delta.NextToken)
	require.NoError(t, err)
	assert.True(t, third.Empty())
	assert.Equal(t, again.NextToken, third.NextToken)

	// One new message shows up in the next increment, without any
	// state changes.
	msg2 := sendMessage(t, m, "hello again")
	next, err := builder.Delta(ctx, testRoom, delta.NextToken)
	require.NoError(t, err)
	require.Len(t, next.Timeline, 1)
	assert.Equal(t, msg2.EventID, next.Timeline[0].EventID)
	assert.Empty(t, next.StateChanges)
	assert.Greater(t, next.NextToken, delta.NextToken)
}

func TestDelta_StateChangeSinceToken(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	createRoom(t, m)

	before, err := builder.Delta(ctx, testRoom, 0)
	require.NoError(t, err)

	_, err = m.CreateEvent(ctx, &roomgraph.EventRequest{
		RoomID: testRoom, Sender: alice, Type: "m.room.topic", StateKey: ptr.Ptr(""),
		Content: map[string]any{"topic": "news"},
	})
	require.NoError(t, err)

	delta, err := builder.Delta(ctx, testRoom, before.NextToken)
	require.NoError(t, err)
	require.Len(t, delta.StateChanges, 1)
	assert.NotEmpty(t, delta.StateChanges.Get("m.room.topic", ""))
	assert.Len(t, delta.Timeline, 1)
}

func TestDelta_EmptyAfterForkResolution(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	create, join := createRoom(t, m)

	// Two topics racing from the same parent. The tie-break winner is
	// the larger event ID; ingest it first so the last-accepted event
	// is the branch that loses the merge.
	winner := buildTopic(t, "one side", create, join)
	loser := buildTopic(t, "other side", create, join)
	if loser.EventID > winner.EventID {
		winner, loser = loser, winner
	}
	require.NoError(t, m.Ingest(ctx, winner, roomgraph.KindNew))
	require.NoError(t, m.Ingest(ctx, loser, roomgraph.KindNew))

	first, err := builder.Delta(ctx, testRoom, 0)
	require.NoError(t, err)
	snap, err := m.CurrentState(testRoom)
	require.NoError(t, err)
	assert.Equal(t, winner.EventID, snap.State.Get("m.room.topic", ""))
	assert.Equal(t, winner.EventID, first.StateChanges.Get("m.room.topic", ""))

	// Polling at the head with no writes must stay empty no matter how
	// often it's repeated.
	for i := 0; i < 3; i++ {
		again, err := builder.Delta(ctx, testRoom, first.NextToken)
		require.NoError(t, err)
		assert.True(t, again.Empty())
		assert.Equal(t, first.NextToken, again.NextToken)
	}
}

func TestDelta_TimelineLimitAdvancesToken(t *testing.T) {
	m, builder := newTestStackWithLimit(t, 2)
	ctx := context.Background()
	createRoom(t, m)

	var sent []id.EventID
	for i := 0; i < 6; i++ {
		sent = append(sent, sendMessage(t, m, fmt.Sprintf("msg %d", i)).EventID)
	}

	// Paging through with a tiny limit must eventually deliver every
	// event exactly once, in order.
	var got []id.EventID
	since := int64(0)
	for i := 0; i < 10; i++ {
		delta, err := builder.Delta(ctx, testRoom, since)
		require.NoError(t, err)
		got = append(got, deltaEventIDs(delta)...)
		if i == 0 {
			assert.True(t, delta.Limited)
			assert.EqualValues(t, 2, delta.NextToken)
		}
		if delta.NextToken == since {
			assert.True(t, delta.Empty())
			break
		}
		since = delta.NextToken
	}
	require.Len(t, got, 8)
	assert.Equal(t, sent, got[2:])
}

func deltaEventIDs(delta *syncer.Delta) []id.EventID {
	ids := make([]id.EventID, len(delta.Timeline))
	for i, evt := range delta.Timeline {
		ids[i] = evt.EventID
	}
	return ids
}

func TestDelta_UnknownRoom(t *testing.T) {
	_, builder := newTestStack(t)
	delta, err := builder.Delta(context.Background(), "!void:example.com", 0)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestDeltaWait_WakesOnNewEvent(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	createRoom(t, m)
	initial, err := builder.Delta(ctx, testRoom, 0)
	require.NoError(t, err)

	type result struct {
		delta *syncer.Delta
		err   error
	}
	done := make(chan result, 1)
	go func() {
		delta, err := builder.DeltaWait(ctx, testRoom, initial.NextToken, 10*time.Second)
		done <- result{delta, err}
	}()

	// Give the long poll a moment to suspend, then wake it with data.
	time.Sleep(50 * time.Millisecond)
	msg := sendMessage(t, m, "wake up")

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Len(t, res.delta.Timeline, 1)
		assert.Equal(t, msg.EventID, res.delta.Timeline[0].EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never woke up")
	}
}

func TestDeltaWait_TimesOutEmpty(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	createRoom(t, m)
	initial, err := builder.Delta(ctx, testRoom, 0)
	require.NoError(t, err)

	start := time.Now()
	delta, err := builder.DeltaWait(ctx, testRoom, initial.NextToken, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestDeltaWait_ContextCancel(t *testing.T) {
	m, builder := newTestStack(t)
	createRoom(t, m)
	initial, err := builder.Delta(context.Background(), testRoom, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = builder.DeltaWait(ctx, testRoom, initial.NextToken, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeltaAll(t *testing.T) {
	m, builder := newTestStack(t)
	ctx := context.Background()
	createRoom(t, m)
	sendMessage(t, m, "fan out")

	deltas, err := builder.DeltaAll(ctx, []id.RoomID{testRoom, "!void:example.com"}, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.False(t, deltas[testRoom].Empty())
	assert.True(t, deltas["!void:example.com"].Empty())
}

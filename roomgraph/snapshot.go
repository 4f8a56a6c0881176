package roomgraph

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// StateSnapshot is one immutable view of a room's resolved state.
// Readers hold a reference to the snapshot rather than a lock on the
// room: a snapshot is never mutated after it's stored, only swapped out
// wholesale when a new resolution is committed.
type StateSnapshot struct {
	RoomID      id.RoomID
	StateGroup  int64
	State       pdu.StateMap
	Extremities []id.EventID
	// StreamPosition is the stream position of the latest accepted
	// event included in this snapshot.
	StreamPosition int64
}

// SnapshotStore keeps the current snapshot for every room this server
// participates in. Safe for concurrent readers with one writer per
// room (the room's graph worker).
type SnapshotStore struct {
	rooms     map[id.RoomID]*StateSnapshot
	roomsLock sync.RWMutex
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		rooms: make(map[id.RoomID]*StateSnapshot),
	}
}

// Current returns the room's current snapshot, or nil for unknown
// rooms. The returned snapshot must be treated as read-only.
func (s *SnapshotStore) Current(roomID id.RoomID) *StateSnapshot {
	s.roomsLock.RLock()
	defer s.roomsLock.RUnlock()
	return s.rooms[roomID]
}

// Swap atomically replaces the room's snapshot. Outstanding readers
// keep whatever snapshot they already hold.
func (s *SnapshotStore) Swap(snapshot *StateSnapshot) {
	s.roomsLock.Lock()
	s.rooms[snapshot.RoomID] = snapshot
	s.roomsLock.Unlock()
}

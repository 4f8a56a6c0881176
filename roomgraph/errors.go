package roomgraph

import (
	"errors"
)

var (
	// ErrMalformedGraph means the event's graph references are invalid
	// in a way no retry can fix (bad parent structure, wrong room).
	ErrMalformedGraph = errors.New("malformed event graph")
	// ErrMissingAncestor means the event was parked pending ancestors
	// that a bounded backfill request is trying to fetch. Not terminal:
	// the event transitions on its own when the ancestors arrive.
	ErrMissingAncestor = errors.New("event parked pending missing ancestors")
	// ErrAuthRejected is terminal for the event and all its
	// descendants. Never retried.
	ErrAuthRejected = errors.New("event rejected")
	// ErrSoftFailed means the event is in the graph but excluded from
	// the locally visible current state.
	ErrSoftFailed = errors.New("event soft-failed")
	// ErrRoomNotFound means the room's create event has never been
	// seen by this server.
	ErrRoomNotFound = errors.New("room not found")
	// ErrManagerStopped is returned for ingestion attempted after
	// shutdown began.
	ErrManagerStopped = errors.New("graph manager is stopped")
)

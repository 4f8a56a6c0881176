package roomgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/authrules"
	"go.mau.fi/hearth/pdu"
)

// EventRequest describes a locally authored event before it has a
// place in the graph.
type EventRequest struct {
	RoomID   id.RoomID
	Sender   id.UserID
	Type     string
	StateKey *string
	Content  any
	// Timestamp overrides origin_server_ts when non-zero.
	Timestamp int64
}

// CreateEvent builds a PDU from a local request: prev_events come from
// the room's current forward extremities, the auth selection from the
// current resolved state, and depth from the parents. The finished
// event then takes the exact same ingestion path as a federated one.
func (m *Manager) CreateEvent(ctx context.Context, req *EventRequest) (*pdu.PDU, error) {
	content, err := json.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	evt := &pdu.PDU{
		RoomID:         req.RoomID,
		Sender:         req.Sender,
		Type:           req.Type,
		StateKey:       req.StateKey,
		Content:        content,
		OriginServerTS: timestamp,
		Depth:          1,
	}
	if !evt.IsCreate() {
		snapshot := m.Snapshots.Current(req.RoomID)
		if snapshot == nil {
			return nil, ErrRoomNotFound
		}
		evt.PrevEvents = append([]id.EventID{}, snapshot.Extremities...)
		for _, tuple := range authrules.NeededAuthTuples(evt) {
			if authEventID, ok := snapshot.State[tuple]; ok {
				evt.AuthEvents = append(evt.AuthEvents, authEventID)
			}
		}
		for _, parentID := range evt.PrevEvents {
			parent, err := m.fetchEvent(ctx, parentID)
			if err != nil {
				return nil, fmt.Errorf("failed to load prev event %s: %w", parentID, err)
			}
			if parent.Depth >= evt.Depth {
				evt.Depth = parent.Depth + 1
			}
		}
	}
	if err = evt.ComputeEventID(); err != nil {
		return nil, err
	}
	if err = m.Ingest(ctx, evt, KindNew); err != nil {
		return nil, err
	}
	return evt, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

var (
	// ErrDuplicateEvent is returned by Put when the event ID is already
	// stored. Callers treat it as success: identical content, identical ID.
	ErrDuplicateEvent = errors.New("event already exists")
	// ErrEventNotFound is returned by getters for unknown event IDs.
	ErrEventNotFound = errors.New("event not found")
)

const (
	insertEventQuery = `
		INSERT INTO event (
			event_id, room_id, sender, type, state_key, content, depth,
			origin_server_ts, auth_events, prev_events, raw_json,
			status, reason, stream_order, state_group
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (event_id) DO NOTHING
	`
	insertEventEdgeQuery = `
		INSERT INTO event_edge (room_id, parent_id, child_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (parent_id, child_id) DO NOTHING
	`
	getEventBaseQuery = `
		SELECT event_id, room_id, sender, type, state_key, content, depth,
		       origin_server_ts, auth_events, prev_events, raw_json,
		       status, reason, stream_order, state_group
		FROM event
	`
	getEventQuery    = getEventBaseQuery + `WHERE event_id=$1`
	getChildrenQuery = getEventBaseQuery + `WHERE event_id IN (SELECT child_id FROM event_edge WHERE parent_id=$1)`
	getParentsQuery  = getEventBaseQuery + `WHERE event_id IN (SELECT parent_id FROM event_edge WHERE child_id=$1)`
	getTimelineQuery = getEventBaseQuery + `WHERE room_id=$1 AND status='accepted' AND stream_order>$2 ORDER BY stream_order LIMIT $3`

	updateDispositionQuery = `
		UPDATE event SET status=$2, reason=$3, stream_order=$4, state_group=$5
		WHERE event_id=$1
	`
	eventExistsQuery = `SELECT EXISTS(SELECT 1 FROM event WHERE event_id=$1)`
)

type EventQuery struct {
	*dbutil.QueryHelper[*Event]
}

// Event is a stored PDU plus its local disposition: status, rejection
// reason, stream position and the state group after the event.
type Event struct {
	pdu.PDU
	Status pdu.EventStatus
	Reason string
	// StreamOrder is the monotonic local position assigned at accept
	// time. Zero means not yet accepted.
	StreamOrder int64
	// StateGroupID identifies the resolved state after this event.
	// Zero means not yet computed (outliers, rejected events).
	StateGroupID int64
	// Raw is the stored wire form, kept verbatim so outbound gossip
	// reproduces the exact bytes the reference hash was computed over.
	Raw json.RawMessage
}

func newEvent(_ *dbutil.QueryHelper[*Event]) *Event {
	return &Event{}
}

func WrapPDU(evt *pdu.PDU, status pdu.EventStatus) *Event {
	return &Event{PDU: *evt, Status: status}
}

func (e *Event) sqlVariables() ([]any, error) {
	rawJSON := []byte(e.Raw)
	if len(rawJSON) == 0 {
		var err error
		rawJSON, err = json.Marshal(&e.PDU)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", e.EventID, err)
		}
	}
	content := []byte(e.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	return []any{
		e.EventID,
		e.RoomID,
		e.Sender,
		e.Type,
		e.StateKey,
		content,
		e.Depth,
		e.OriginServerTS,
		dbutil.JSON{Data: &e.AuthEvents},
		dbutil.JSON{Data: &e.PrevEvents},
		rawJSON,
		string(e.Status),
		dbutil.StrPtr(e.Reason),
		sql.NullInt64{Int64: e.StreamOrder, Valid: e.StreamOrder != 0},
		sql.NullInt64{Int64: e.StateGroupID, Valid: e.StateGroupID != 0},
	}, nil
}

func (e *Event) Scan(row dbutil.Scannable) (*Event, error) {
	var content, rawJSON []byte
	var status string
	var reason sql.NullString
	var streamOrder, stateGroup sql.NullInt64
	err := row.Scan(
		&e.EventID,
		&e.RoomID,
		&e.Sender,
		&e.Type,
		&e.StateKey,
		&content,
		&e.Depth,
		&e.OriginServerTS,
		dbutil.JSON{Data: &e.AuthEvents},
		dbutil.JSON{Data: &e.PrevEvents},
		&rawJSON,
		&status,
		&reason,
		&streamOrder,
		&stateGroup,
	)
	if err != nil {
		return nil, err
	}
	e.Content = json.RawMessage(content)
	e.Raw = json.RawMessage(rawJSON)
	e.Status = pdu.EventStatus(status)
	e.Reason = reason.String
	e.StreamOrder = streamOrder.Int64
	e.StateGroupID = stateGroup.Int64
	return e, nil
}

// Put stores the event and its graph edges. All writes are durable
// before Put returns. Returns ErrDuplicateEvent if the ID is already
// stored; callers treat that as success (idempotent re-ingestion).
func (eq *EventQuery) Put(ctx context.Context, evt *Event) error {
	vars, err := evt.sqlVariables()
	if err != nil {
		return err
	}
	return eq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := eq.GetDB().Exec(ctx, insertEventQuery, vars...)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return ErrDuplicateEvent
		}
		for _, parent := range evt.PrevEvents {
			_, err = eq.GetDB().Exec(ctx, insertEventEdgeQuery, evt.RoomID, parent, evt.EventID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the stored event, or ErrEventNotFound.
func (eq *EventQuery) Get(ctx context.Context, eventID id.EventID) (*Event, error) {
	evt, err := eq.QueryOne(ctx, getEventQuery, eventID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && evt == nil) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return evt, err
}

// Exists reports whether the event ID is stored, regardless of status.
func (eq *EventQuery) Exists(ctx context.Context, eventID id.EventID) (exists bool, err error) {
	err = eq.GetDB().QueryRow(ctx, eventExistsQuery, eventID).Scan(&exists)
	return
}

// ChildrenOf returns the stored events that list the given event in
// their prev_events.
func (eq *EventQuery) ChildrenOf(ctx context.Context, eventID id.EventID) ([]*Event, error) {
	return eq.QueryMany(ctx, getChildrenQuery, eventID)
}

// ParentsOf returns the stored prev_events of the given event. Parents
// that haven't been ingested yet are absent from the result.
func (eq *EventQuery) ParentsOf(ctx context.Context, eventID id.EventID) ([]*Event, error) {
	return eq.QueryMany(ctx, getParentsQuery, eventID)
}

// TimelineAfter returns accepted events with a stream position strictly
// after since, oldest first.
func (eq *EventQuery) TimelineAfter(ctx context.Context, roomID id.RoomID, since int64, limit int) ([]*Event, error) {
	return eq.QueryMany(ctx, getTimelineQuery, roomID, since, limit)
}

// SetDisposition updates the status, reason, stream position and state
// group of an already stored event.
func (eq *EventQuery) SetDisposition(ctx context.Context, evt *Event) error {
	return eq.Exec(ctx, updateDispositionQuery,
		evt.EventID,
		string(evt.Status),
		dbutil.StrPtr(evt.Reason),
		sql.NullInt64{Int64: evt.StreamOrder, Valid: evt.StreamOrder != 0},
		sql.NullInt64{Int64: evt.StateGroupID, Valid: evt.StateGroupID != 0},
	)
}

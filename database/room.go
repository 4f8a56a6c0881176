package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	upsertRoomQuery = `
		INSERT INTO room (room_id, creator, room_version, current_state_group)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE SET
			current_state_group=excluded.current_state_group
	`
	getRoomQuery = `
		SELECT room_id, creator, room_version, current_state_group FROM room WHERE room_id=$1
	`
	getAllRoomsQuery = `
		SELECT room_id, creator, room_version, current_state_group FROM room
	`
	setCurrentStateGroupQuery = `
		UPDATE room SET current_state_group=$2 WHERE room_id=$1
	`
	getForwardExtremitiesQuery = `
		SELECT event_id FROM forward_extremity WHERE room_id=$1 ORDER BY event_id
	`
	addForwardExtremityQuery = `
		INSERT INTO forward_extremity (room_id, event_id) VALUES ($1, $2)
		ON CONFLICT (room_id, event_id) DO NOTHING
	`
	removeForwardExtremityQuery = `
		DELETE FROM forward_extremity WHERE room_id=$1 AND event_id=$2
	`
	recordStateHistoryQuery = `
		INSERT INTO room_state_history (room_id, stream_order, state_group)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, stream_order) DO UPDATE SET state_group=excluded.state_group
	`
	resolvedStateGroupAtQuery = `
		SELECT state_group FROM room_state_history
		WHERE room_id=$1 AND stream_order<=$2
		ORDER BY stream_order DESC LIMIT 1
	`
	nextCounterQuery = `
		UPDATE counter SET pos=pos+1 WHERE name=$1 RETURNING pos
	`
	getCounterQuery = `
		SELECT pos FROM counter WHERE name=$1
	`
)

type RoomQuery struct {
	*dbutil.QueryHelper[*Room]
}

type Room struct {
	RoomID  id.RoomID
	Creator id.UserID
	Version string
	// CurrentStateGroup is the room's current resolved state pointer,
	// the only mutable facet of the room model.
	CurrentStateGroup int64
}

func newRoom(_ *dbutil.QueryHelper[*Room]) *Room {
	return &Room{}
}

func (r *Room) sqlVariables() []any {
	return []any{
		r.RoomID,
		r.Creator,
		r.Version,
		sql.NullInt64{Int64: r.CurrentStateGroup, Valid: r.CurrentStateGroup != 0},
	}
}

func (r *Room) Scan(row dbutil.Scannable) (*Room, error) {
	var currentStateGroup sql.NullInt64
	err := row.Scan(&r.RoomID, &r.Creator, &r.Version, &currentStateGroup)
	if err != nil {
		return nil, err
	}
	r.CurrentStateGroup = currentStateGroup.Int64
	return r, nil
}

func (rq *RoomQuery) Put(ctx context.Context, room *Room) error {
	return rq.Exec(ctx, upsertRoomQuery, room.sqlVariables()...)
}

func (rq *RoomQuery) Get(ctx context.Context, roomID id.RoomID) (*Room, error) {
	room, err := rq.QueryOne(ctx, getRoomQuery, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return room, err
}

func (rq *RoomQuery) GetAll(ctx context.Context) ([]*Room, error) {
	return rq.QueryMany(ctx, getAllRoomsQuery)
}

func (rq *RoomQuery) SetCurrentStateGroup(ctx context.Context, roomID id.RoomID, groupID int64) error {
	return rq.Exec(ctx, setCurrentStateGroupQuery, roomID, groupID)
}

// GetForwardExtremities returns the room's current graph heads in a
// stable order.
func (rq *RoomQuery) GetForwardExtremities(ctx context.Context, roomID id.RoomID) ([]id.EventID, error) {
	rows, err := rq.GetDB().Query(ctx, getForwardExtremitiesQuery, roomID)
	return dbutil.NewRowIterWithError(rows, dbutil.ScanSingleColumn[id.EventID], err).AsList()
}

// UpdateForwardExtremities atomically removes the parents the new event
// extended and adds the event itself as a head.
func (rq *RoomQuery) UpdateForwardExtremities(ctx context.Context, roomID id.RoomID, add id.EventID, remove []id.EventID) error {
	return rq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, eventID := range remove {
			_, err := rq.GetDB().Exec(ctx, removeForwardExtremityQuery, roomID, eventID)
			if err != nil {
				return err
			}
		}
		_, err := rq.GetDB().Exec(ctx, addForwardExtremityQuery, roomID, add)
		return err
	})
}

// RecordStateHistory stores the room's resolved state group as of the
// given stream position. This is the room-level resolution outcome,
// which after a fork merge is not the same as the accepted event's own
// branch group.
func (rq *RoomQuery) RecordStateHistory(ctx context.Context, roomID id.RoomID, streamOrder, groupID int64) error {
	return rq.Exec(ctx, recordStateHistoryQuery, roomID, streamOrder, groupID)
}

// ResolvedStateGroupAt returns the room's resolved state group at the
// given stream position, or 0 before the room's first accepted event.
func (rq *RoomQuery) ResolvedStateGroupAt(ctx context.Context, roomID id.RoomID, pos int64) (int64, error) {
	var group int64
	err := rq.GetDB().QueryRow(ctx, resolvedStateGroupAtQuery, roomID, pos).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return group, err
}

// NextStreamPosition increments and returns the global stream counter
// used for sync ordering. Positions are never reused.
func (rq *RoomQuery) NextStreamPosition(ctx context.Context) (pos int64, err error) {
	err = rq.GetDB().QueryRow(ctx, nextCounterQuery, "stream").Scan(&pos)
	return
}

// CurrentStreamPosition returns the latest assigned stream position.
func (rq *RoomQuery) CurrentStreamPosition(ctx context.Context) (pos int64, err error) {
	err = rq.GetDB().QueryRow(ctx, getCounterQuery, "stream").Scan(&pos)
	return
}

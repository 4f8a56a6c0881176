package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// ErrStateGroupNotFound is returned when a referenced state group has
// no stored entries.
var ErrStateGroupNotFound = errors.New("state group not found")

const (
	getStateGroupByHashQuery = `
		SELECT group_id FROM state_group WHERE room_id=$1 AND state_hash=$2
	`
	insertStateGroupQuery = `
		INSERT INTO state_group (group_id, room_id, state_hash) VALUES ($1, $2, $3)
	`
	insertStateGroupEntryQuery = `
		INSERT INTO state_group_entry (group_id, type, state_key, event_id)
		VALUES ($1, $2, $3, $4)
	`
	getStateGroupEntriesQuery = `
		SELECT type, state_key, event_id FROM state_group_entry WHERE group_id=$1
	`
	stateGroupExistsQuery = `SELECT EXISTS(SELECT 1 FROM state_group WHERE group_id=$1)`
)

type StateGroupQuery struct {
	*dbutil.QueryHelper[*StateGroupRow]
}

// StateGroupRow is one slot of a persisted, deduplicated state set.
type StateGroupRow struct {
	Type     string
	StateKey string
	EventID  id.EventID
}

func newStateGroupRow(_ *dbutil.QueryHelper[*StateGroupRow]) *StateGroupRow {
	return &StateGroupRow{}
}

func (sgr *StateGroupRow) Scan(row dbutil.Scannable) (*StateGroupRow, error) {
	err := row.Scan(&sgr.Type, &sgr.StateKey, &sgr.EventID)
	if err != nil {
		return nil, err
	}
	return sgr, nil
}

// GetOrCreate persists the state set as a numbered group, reusing an
// existing group when the exact same set was stored before. Resolution
// is deterministic, so identical conflicts always land on the same group.
func (sgq *StateGroupQuery) GetOrCreate(ctx context.Context, roomID id.RoomID, state pdu.StateMap) (groupID int64, err error) {
	hash := state.Hash()
	err = sgq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		err := sgq.GetDB().QueryRow(ctx, getStateGroupByHashQuery, roomID, hash).Scan(&groupID)
		if err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		err = sgq.GetDB().QueryRow(ctx, nextCounterQuery, "state_group").Scan(&groupID)
		if err != nil {
			return fmt.Errorf("failed to allocate state group ID: %w", err)
		}
		_, err = sgq.GetDB().Exec(ctx, insertStateGroupQuery, groupID, roomID, hash)
		if err != nil {
			return err
		}
		for _, tuple := range state.SortedTuples() {
			_, err = sgq.GetDB().Exec(ctx, insertStateGroupEntryQuery, groupID, tuple.Type, tuple.StateKey, state[tuple])
			if err != nil {
				return err
			}
		}
		return nil
	})
	return
}

// GetMap loads the full state set of a group.
func (sgq *StateGroupQuery) GetMap(ctx context.Context, groupID int64) (pdu.StateMap, error) {
	var exists bool
	err := sgq.GetDB().QueryRow(ctx, stateGroupExistsQuery, groupID).Scan(&exists)
	if err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("%w: %d", ErrStateGroupNotFound, groupID)
	}
	rows, err := sgq.QueryMany(ctx, getStateGroupEntriesQuery, groupID)
	if err != nil {
		return nil, err
	}
	state := make(pdu.StateMap, len(rows))
	for _, row := range rows {
		state[pdu.StateKeyTuple{Type: row.Type, StateKey: row.StateKey}] = row.EventID
	}
	return state, nil
}

package database

import (
	"go.mau.fi/util/dbutil"

	"go.mau.fi/hearth/database/upgrades"
)

type Database struct {
	*dbutil.Database

	Event      *EventQuery
	Room       *RoomQuery
	StateGroup *StateGroupQuery
}

func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database:   db,
		Event:      &EventQuery{dbutil.MakeQueryHelper(db, newEvent)},
		Room:       &RoomQuery{dbutil.MakeQueryHelper(db, newRoom)},
		StateGroup: &StateGroupQuery{dbutil.MakeQueryHelper(db, newStateGroupRow)},
	}
}

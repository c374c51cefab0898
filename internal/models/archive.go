package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ChildArchive is an immutable copy of a child row taken at archival time.
type ChildArchive struct {
	ID         string         `db:"id" json:"id"`
	ChildID    string         `db:"child_id" json:"child_id"`
	Snapshot   types.JSONText `db:"snapshot" json:"snapshot"`
	ArchivedBy string         `db:"archived_by" json:"archived_by"`
	ArchivedAt time.Time      `db:"archived_at" json:"archived_at"`
	Reason     string         `db:"reason" json:"reason"`
}

package models

import (
	"time"
)

// Child represents a child registered at the nursery.
type Child struct {
	ID                    string     `db:"id" json:"id"`
	FirstName             string     `db:"first_name" json:"first_name"`
	LastName              string     `db:"last_name" json:"last_name"`
	BirthDate             time.Time  `db:"birth_date" json:"birth_date"`
	Gender                string     `db:"gender" json:"gender"`
	MedicalNotes          *string    `db:"medical_notes" json:"medical_notes,omitempty"`
	Allergies             *string    `db:"allergies" json:"allergies,omitempty"`
	EmergencyContactName  *string    `db:"emergency_contact_name" json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone *string    `db:"emergency_contact_phone" json:"emergency_contact_phone,omitempty"`
	IsActive              bool       `db:"is_active" json:"is_active"`
	ArchivedAt            *time.Time `db:"archived_at" json:"archived_at,omitempty"`
	ArchivedBy            *string    `db:"archived_by" json:"archived_by,omitempty"`
	ArchiveReason         *string    `db:"archive_reason" json:"archive_reason,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// ChildFilter encapsulates allowed search parameters for listing children.
type ChildFilter struct {
	Search    string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

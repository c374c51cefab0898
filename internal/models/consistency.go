package models

import (
	"time"

	"github.com/lib/pq"
)

// OrphanChild is an active child without an approved enrollment, together
// with its most recent link if one exists.
type OrphanChild struct {
	ChildID            string            `db:"child_id" json:"child_id"`
	FirstName          string            `db:"first_name" json:"first_name"`
	LastName           string            `db:"last_name" json:"last_name"`
	BirthDate          time.Time         `db:"birth_date" json:"birth_date"`
	LatestEnrollmentID *string           `db:"latest_enrollment_id" json:"latest_enrollment_id,omitempty"`
	LatestStatus       *EnrollmentStatus `db:"latest_status" json:"latest_status,omitempty"`
	LatestParentID     *string           `db:"latest_parent_id" json:"latest_parent_id,omitempty"`
}

// DuplicateActiveLink lists the approved enrollments of a child holding more than one.
type DuplicateActiveLink struct {
	ChildID       string         `db:"child_id" json:"child_id"`
	FirstName     string         `db:"first_name" json:"first_name"`
	LastName      string         `db:"last_name" json:"last_name"`
	ApprovedCount int            `db:"approved_count" json:"approved_count"`
	EnrollmentIDs pq.StringArray `db:"enrollment_ids" json:"enrollment_ids"`
	ParentIDs     pq.StringArray `db:"parent_ids" json:"parent_ids"`
}

// Dangling link reasons.
const (
	DanglingReasonMissingChild  = "MISSING_CHILD"
	DanglingReasonMissingParent = "MISSING_PARENT"
	DanglingReasonNotParentRole = "NOT_PARENT_ROLE"
)

// DanglingLink is an enrollment pointing at a row that does not exist or at
// a user who is not a parent.
type DanglingLink struct {
	EnrollmentID string           `db:"enrollment_id" json:"enrollment_id"`
	ChildID      string           `db:"child_id" json:"child_id"`
	ParentID     string           `db:"parent_id" json:"parent_id"`
	Status       EnrollmentStatus `db:"status" json:"status"`
	Reason       string           `db:"reason" json:"reason"`
}

// ConsistencyReport aggregates every diagnostic of the auditor.
type ConsistencyReport struct {
	Orphans     []OrphanChild         `json:"orphans"`
	Duplicates  []DuplicateActiveLink `json:"duplicates"`
	Dangling    []DanglingLink        `json:"dangling"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Clean reports whether no violation was found.
func (r ConsistencyReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Duplicates) == 0 && len(r.Dangling) == 0
}

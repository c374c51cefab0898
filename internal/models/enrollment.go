package models

import (
	"errors"
	"time"
)

// EnrollmentStatus represents the lifecycle of a child-parent link.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending  EnrollmentStatus = "PENDING"
	EnrollmentStatusApproved EnrollmentStatus = "APPROVED"
	EnrollmentStatusRejected EnrollmentStatus = "REJECTED"
	EnrollmentStatusArchived EnrollmentStatus = "ARCHIVED"
)

// ErrMultipleApprovedEnrollments signals that a child holds more than one
// approved link, which the schema is meant to prevent.
var ErrMultipleApprovedEnrollments = errors.New("multiple approved enrollments for child")

var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending:  {EnrollmentStatusApproved, EnrollmentStatusRejected},
	EnrollmentStatusApproved: {EnrollmentStatusArchived},
	EnrollmentStatusArchived: {EnrollmentStatusApproved},
}

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusApproved, EnrollmentStatusRejected, EnrollmentStatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the status blocks a new submission for the same child.
func (s EnrollmentStatus) Open() bool {
	return s == EnrollmentStatusPending || s == EnrollmentStatusApproved
}

// Enrollment links exactly one child to one parent account.
type Enrollment struct {
	ID                 string           `db:"id" json:"id"`
	ChildID            string           `db:"child_id" json:"child_id"`
	ParentID           string           `db:"parent_id" json:"parent_id"`
	Status             EnrollmentStatus `db:"status" json:"status"`
	EnrollmentDate     time.Time        `db:"enrollment_date" json:"enrollment_date"`
	LunchAssistance    bool             `db:"lunch_assistance" json:"lunch_assistance"`
	RegulationAccepted bool             `db:"regulation_accepted" json:"regulation_accepted"`
	AppointmentDate    *time.Time       `db:"appointment_date" json:"appointment_date,omitempty"`
	AppointmentNotes   *string          `db:"appointment_notes" json:"appointment_notes,omitempty"`
	AdminNotes         *string          `db:"admin_notes" json:"admin_notes,omitempty"`
	ReviewedBy         *string          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time       `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentAttributes carries the administrative form fields of a link.
type EnrollmentAttributes struct {
	EnrollmentDate     *time.Time `json:"enrollment_date,omitempty"`
	LunchAssistance    bool       `json:"lunch_assistance"`
	RegulationAccepted bool       `json:"regulation_accepted"`
	AppointmentDate    *time.Time `json:"appointment_date,omitempty"`
	AppointmentNotes   *string    `json:"appointment_notes,omitempty"`
	AdminNotes         *string    `json:"admin_notes,omitempty"`
}

// Apply copies the attributes onto e. A nil enrollment date keeps the current one.
func (a EnrollmentAttributes) Apply(e *Enrollment) {
	if a.EnrollmentDate != nil {
		e.EnrollmentDate = *a.EnrollmentDate
	}
	e.LunchAssistance = a.LunchAssistance
	e.RegulationAccepted = a.RegulationAccepted
	e.AppointmentDate = a.AppointmentDate
	e.AppointmentNotes = a.AppointmentNotes
	if a.AdminNotes != nil {
		e.AdminNotes = a.AdminNotes
	}
}

// EnrollmentDetail enriches Enrollment with child and parent names.
type EnrollmentDetail struct {
	Enrollment
	ChildName   string `db:"child_name" json:"child_name"`
	ParentName  string `db:"parent_name" json:"parent_name"`
	ParentEmail string `db:"parent_email" json:"parent_email"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	ChildID   string
	ParentID  string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// PreferredEnrollment resolves the enrollment that represents a child's
// current link: the approved row, else the newest pending row, else the
// newest row of any status. Two or more approved rows are never resolved
// silently. It returns nil when list is empty.
func PreferredEnrollment(list []Enrollment) (*Enrollment, error) {
	var approved, pending, other *Enrollment
	approvedCount := 0
	for i := range list {
		e := &list[i]
		switch e.Status {
		case EnrollmentStatusApproved:
			approvedCount++
			approved = e
		case EnrollmentStatusPending:
			if pending == nil || e.CreatedAt.After(pending.CreatedAt) {
				pending = e
			}
		default:
			if other == nil || e.CreatedAt.After(other.CreatedAt) {
				other = e
			}
		}
	}
	switch {
	case approvedCount > 1:
		return nil, ErrMultipleApprovedEnrollments
	case approved != nil:
		return approved, nil
	case pending != nil:
		return pending, nil
	default:
		return other, nil
	}
}

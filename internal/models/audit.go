package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin             = "LOGIN"
	AuditActionParentCreate      = "PARENT_CREATE"
	AuditActionChildCreate       = "CHILD_CREATE"
	AuditActionChildUpdate       = "CHILD_UPDATE"
	AuditActionChildArchive      = "CHILD_ARCHIVE"
	AuditActionChildRestore      = "CHILD_RESTORE"
	AuditActionEnrollmentSubmit  = "ENROLLMENT_SUBMIT"
	AuditActionEnrollmentUpdate  = "ENROLLMENT_UPDATE"
	AuditActionEnrollmentApprove = "ENROLLMENT_APPROVE"
	AuditActionEnrollmentReject  = "ENROLLMENT_REJECT"
	AuditActionEnrollmentRepair  = "ENROLLMENT_REPAIR"
	AuditActionReportExport      = "CONSISTENCY_EXPORT"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

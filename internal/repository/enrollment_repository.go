package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/creche-api/internal/models"
)

const enrollmentColumns = `id, child_id, parent_id, status, enrollment_date, lunch_assistance, regulation_accepted,
appointment_date, appointment_notes, admin_notes, reviewed_by, reviewed_at, created_at, updated_at`

// FindEnrollment returns an enrollment by its ID.
func (r *AssociationRepository) FindEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// LockEnrollment loads an enrollment with a row lock held until the
// surrounding transaction ends.
func (r *AssociationRepository) LockEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListEnrollmentsByChild returns every enrollment of a child, newest first.
func (r *AssociationRepository) ListEnrollmentsByChild(ctx context.Context, exec sqlx.ExtContext, childID string) ([]models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE child_id = $1 ORDER BY created_at DESC`
	var enrollments []models.Enrollment
	if err := sqlx.SelectContext(ctx, r.exec(exec), &enrollments, query, childID); err != nil {
		return nil, fmt.Errorf("list child enrollments: %w", err)
	}
	return enrollments, nil
}

// FindEnrollmentByChild resolves the current enrollment of a child using
// models.PreferredEnrollment. It returns sql.ErrNoRows when the child has
// none and models.ErrMultipleApprovedEnrollments on an invariant violation.
func (r *AssociationRepository) FindEnrollmentByChild(ctx context.Context, exec sqlx.ExtContext, childID string) (*models.Enrollment, error) {
	enrollments, err := r.ListEnrollmentsByChild(ctx, exec, childID)
	if err != nil {
		return nil, err
	}
	preferred, err := models.PreferredEnrollment(enrollments)
	if err != nil {
		return nil, err
	}
	if preferred == nil {
		return nil, sql.ErrNoRows
	}
	return preferred, nil
}

// FindLatestByChildAndStatus returns the newest enrollment of the child in status.
func (r *AssociationRepository) FindLatestByChildAndStatus(ctx context.Context, exec sqlx.ExtContext, childID string, status models.EnrollmentStatus) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE child_id = $1 AND status = $2 ORDER BY updated_at DESC, created_at DESC LIMIT 1`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, r.exec(exec), &enrollment, query, childID, status); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// CountApproved counts approved enrollments of a child, ignoring excludeID.
func (r *AssociationRepository) CountApproved(ctx context.Context, exec sqlx.ExtContext, childID, excludeID string) (int, error) {
	query := "SELECT COUNT(*) FROM enrollments WHERE child_id = $1 AND status = $2"
	args := []interface{}{childID, models.EnrollmentStatusApproved}
	if excludeID != "" {
		query += " AND id <> $3"
		args = append(args, excludeID)
	}
	var count int
	if err := sqlx.GetContext(ctx, r.exec(exec), &count, query, args...); err != nil {
		return 0, fmt.Errorf("count approved enrollments: %w", err)
	}
	return count, nil
}

// UpsertEnrollment updates the child's open (pending or approved) enrollment
// or inserts a new one when the child has none, and returns the stored row.
// The child must exist and the parent must resolve to a PARENT account.
func (r *AssociationRepository) UpsertEnrollment(ctx context.Context, exec sqlx.ExtContext, childID, parentID string, status models.EnrollmentStatus, attrs models.EnrollmentAttributes) (*models.Enrollment, error) {
	target := r.exec(exec)

	var exists int
	if err := sqlx.GetContext(ctx, target, &exists, `SELECT 1 FROM children WHERE id = $1`, childID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChildNotFound
		}
		return nil, fmt.Errorf("check child: %w", err)
	}
	if _, err := r.FindParent(ctx, target, parentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotParent) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	openQuery := `SELECT ` + enrollmentColumns + ` FROM enrollments
WHERE child_id = $1 AND status IN ($2, $3)
ORDER BY (status = $3) DESC, created_at DESC LIMIT 1 FOR UPDATE`
	var current models.Enrollment
	err := sqlx.GetContext(ctx, target, &current, openQuery, childID, models.EnrollmentStatusPending, models.EnrollmentStatusApproved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		enrollment := &models.Enrollment{
			ID:             uuid.NewString(),
			ChildID:        childID,
			ParentID:       parentID,
			Status:         status,
			EnrollmentDate: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		attrs.Apply(enrollment)
		const insertQuery = `INSERT INTO enrollments (id, child_id, parent_id, status, enrollment_date, lunch_assistance, regulation_accepted,
appointment_date, appointment_notes, admin_notes, reviewed_by, reviewed_at, created_at, updated_at)
VALUES (:id, :child_id, :parent_id, :status, :enrollment_date, :lunch_assistance, :regulation_accepted,
:appointment_date, :appointment_notes, :admin_notes, :reviewed_by, :reviewed_at, :created_at, :updated_at)`
		if _, err := sqlx.NamedExecContext(ctx, target, insertQuery, enrollment); err != nil {
			return nil, translateWriteError("insert enrollment", err)
		}
		return enrollment, nil
	case err != nil:
		return nil, fmt.Errorf("find open enrollment: %w", err)
	}

	current.ParentID = parentID
	current.Status = status
	current.UpdatedAt = now
	attrs.Apply(&current)
	const updateQuery = `UPDATE enrollments SET parent_id = :parent_id, status = :status, enrollment_date = :enrollment_date,
lunch_assistance = :lunch_assistance, regulation_accepted = :regulation_accepted, appointment_date = :appointment_date,
appointment_notes = :appointment_notes, admin_notes = :admin_notes, updated_at = :updated_at
WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, target, updateQuery, &current); err != nil {
		return nil, translateWriteError("update enrollment", err)
	}
	return &current, nil
}

// UpdateEnrollmentDetails rewrites the form fields of the enrollment named by
// id. Status, parent and review metadata are left untouched. ErrStatusChanged
// is returned when the row is no longer pending or approved.
func (r *AssociationRepository) UpdateEnrollmentDetails(ctx context.Context, exec sqlx.ExtContext, id string, attrs models.EnrollmentAttributes) (*models.Enrollment, error) {
	target := r.exec(exec)
	current, err := r.LockEnrollment(ctx, target, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.Open() {
		return nil, ErrStatusChanged
	}

	attrs.Apply(current)
	current.UpdatedAt = time.Now().UTC()
	const query = `UPDATE enrollments SET enrollment_date = $1, lunch_assistance = $2, regulation_accepted = $3,
appointment_date = $4, appointment_notes = $5, admin_notes = $6, updated_at = $7
WHERE id = $8 AND status IN ($9, $10)`
	result, err := target.ExecContext(ctx, query, current.EnrollmentDate, current.LunchAssistance, current.RegulationAccepted,
		current.AppointmentDate, current.AppointmentNotes, current.AdminNotes, current.UpdatedAt,
		current.ID, models.EnrollmentStatusPending, models.EnrollmentStatusApproved)
	if err != nil {
		return nil, translateWriteError("update enrollment details", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update enrollment details rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrStatusChanged
	}
	return current, nil
}

// TransitionParams describes a conditional status change.
type TransitionParams struct {
	ID         string
	From       models.EnrollmentStatus
	To         models.EnrollmentStatus
	ReviewedBy *string
	AdminNotes *string
	At         time.Time
}

// TransitionStatus moves an enrollment from params.From to params.To. The
// update only matches while the row is still in params.From; otherwise
// ErrStatusChanged is returned. Review metadata and notes are kept when nil.
func (r *AssociationRepository) TransitionStatus(ctx context.Context, exec sqlx.ExtContext, params TransitionParams) error {
	if params.At.IsZero() {
		params.At = time.Now().UTC()
	}
	const query = `UPDATE enrollments SET status = $1,
reviewed_by = COALESCE($2, reviewed_by),
reviewed_at = CASE WHEN $2::text IS NULL THEN reviewed_at ELSE $3 END,
admin_notes = COALESCE($4, admin_notes),
updated_at = $3
WHERE id = $5 AND status = $6`
	result, err := r.exec(exec).ExecContext(ctx, query, params.To, params.ReviewedBy, params.At, params.AdminNotes, params.ID, params.From)
	if err != nil {
		return translateWriteError("transition enrollment", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition enrollment rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusChanged
	}
	return nil
}

// FindEnrollmentDetail returns an enrollment with child and parent names.
func (r *AssociationRepository) FindEnrollmentDetail(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.child_id, e.parent_id, e.status, e.enrollment_date, e.lunch_assistance, e.regulation_accepted,
e.appointment_date, e.appointment_notes, e.admin_notes, e.reviewed_by, e.reviewed_at, e.created_at, e.updated_at,
COALESCE(c.first_name || ' ' || c.last_name, '') AS child_name, COALESCE(u.full_name, '') AS parent_name, COALESCE(u.email, '') AS parent_email
FROM enrollments e
LEFT JOIN children c ON c.id = e.child_id
LEFT JOIN users u ON u.id = e.parent_id
WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListEnrollments returns enrollments filtered by the provided criteria.
func (r *AssociationRepository) ListEnrollments(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN children c ON c.id = e.child_id
LEFT JOIN users u ON u.id = e.parent_id`
	var conditions []string
	var args []interface{}

	if filter.ChildID != "" {
		args = append(args, filter.ChildID)
		conditions = append(conditions, fmt.Sprintf("e.child_id = $%d", len(args)))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("e.parent_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)))
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":      "e.created_at",
		"enrollment_date": "e.enrollment_date",
		"child_name":      "c.last_name",
		"status":          "e.status",
	}
	orderBy, ok := allowedSorts[filter.SortBy]
	if !ok {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.child_id, e.parent_id, e.status, e.enrollment_date, e.lunch_assistance, e.regulation_accepted,
e.appointment_date, e.appointment_notes, e.admin_notes, e.reviewed_by, e.reviewed_at, e.created_at, e.updated_at,
COALESCE(c.first_name || ' ' || c.last_name, '') AS child_name, COALESCE(u.full_name, '') AS parent_name, COALESCE(u.email, '') AS parent_email
%s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// HasApprovedLink reports whether child and parent share an approved enrollment.
func (r *AssociationRepository) HasApprovedLink(ctx context.Context, childID, parentID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE child_id = $1 AND parent_id = $2 AND status = $3)`
	var linked bool
	if err := r.db.GetContext(ctx, &linked, query, childID, parentID, models.EnrollmentStatusApproved); err != nil {
		return false, fmt.Errorf("check approved link: %w", err)
	}
	return linked, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/creche-api/internal/models"
)

const childColumns = `id, first_name, last_name, birth_date, gender, medical_notes, allergies, emergency_contact_name,
emergency_contact_phone, is_active, archived_at, archived_by, archive_reason, created_at, updated_at`

// FindChild returns a child by ID regardless of its active flag.
func (r *AssociationRepository) FindChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error) {
	query := `SELECT ` + childColumns + ` FROM children WHERE id = $1`
	var child models.Child
	if err := sqlx.GetContext(ctx, r.exec(exec), &child, query, id); err != nil {
		return nil, err
	}
	return &child, nil
}

// LockChild loads a child and holds its row lock until the transaction ends.
// Every transition that touches a child's enrollments locks the child first.
func (r *AssociationRepository) LockChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error) {
	query := `SELECT ` + childColumns + ` FROM children WHERE id = $1 FOR UPDATE`
	var child models.Child
	if err := sqlx.GetContext(ctx, r.exec(exec), &child, query, id); err != nil {
		return nil, err
	}
	return &child, nil
}

// ListChildren returns children matching the filter with the total count.
func (r *AssociationRepository) ListChildren(ctx context.Context, filter models.ChildFilter) ([]models.Child, int, error) {
	var conditions []string
	var args []interface{}

	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf("(LOWER(first_name) LIKE $%d OR LOWER(last_name) LIKE $%d)", len(args), len(args)))
	}

	where := " WHERE 1=1"
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{"last_name": true, "first_name": true, "birth_date": true, "created_at": true}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalizePage(filter.Page, filter.PageSize)

	query := fmt.Sprintf("SELECT %s FROM children%s ORDER BY %s %s LIMIT %d OFFSET %d", childColumns, where, sortBy, order, size, (page-1)*size)
	var children []models.Child
	if err := r.db.SelectContext(ctx, &children, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list children: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM children"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count children: %w", err)
	}
	return children, total, nil
}

// ListChildrenForParent returns the children a parent holds an approved link to.
func (r *AssociationRepository) ListChildrenForParent(ctx context.Context, parentID string) ([]models.Child, error) {
	query := `SELECT c.id, c.first_name, c.last_name, c.birth_date, c.gender, c.medical_notes, c.allergies, c.emergency_contact_name,
c.emergency_contact_phone, c.is_active, c.archived_at, c.archived_by, c.archive_reason, c.created_at, c.updated_at
FROM children c JOIN enrollments e ON e.child_id = c.id
WHERE e.parent_id = $1 AND e.status = $2 ORDER BY c.last_name, c.first_name`
	var children []models.Child
	if err := r.db.SelectContext(ctx, &children, query, parentID, models.EnrollmentStatusApproved); err != nil {
		return nil, fmt.Errorf("list parent children: %w", err)
	}
	return children, nil
}

// CreateChild inserts a new active child.
func (r *AssociationRepository) CreateChild(ctx context.Context, exec sqlx.ExtContext, child *models.Child) error {
	if child.ID == "" {
		child.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	child.IsActive = true
	child.CreatedAt = now
	child.UpdatedAt = now

	const query = `INSERT INTO children (id, first_name, last_name, birth_date, gender, medical_notes, allergies, emergency_contact_name,
emergency_contact_phone, is_active, created_at, updated_at)
VALUES (:id, :first_name, :last_name, :birth_date, :gender, :medical_notes, :allergies, :emergency_contact_name,
:emergency_contact_phone, :is_active, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, child); err != nil {
		return fmt.Errorf("create child: %w", err)
	}
	return nil
}

// UpdateChild updates the registration fields of a child.
func (r *AssociationRepository) UpdateChild(ctx context.Context, child *models.Child) error {
	child.UpdatedAt = time.Now().UTC()
	const query = `UPDATE children SET first_name = :first_name, last_name = :last_name, birth_date = :birth_date, gender = :gender,
medical_notes = :medical_notes, allergies = :allergies, emergency_contact_name = :emergency_contact_name,
emergency_contact_phone = :emergency_contact_phone, updated_at = :updated_at WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, child)
	if err != nil {
		return fmt.Errorf("update child: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeactivateChild marks an active child archived. It returns sql.ErrNoRows
// when the child is missing or already inactive.
func (r *AssociationRepository) DeactivateChild(ctx context.Context, exec sqlx.ExtContext, id, archivedBy, reason string, at time.Time) error {
	const query = `UPDATE children SET is_active = FALSE, archived_at = $2, archived_by = $3, archive_reason = $4, updated_at = $2
WHERE id = $1 AND is_active = TRUE`
	result, err := r.exec(exec).ExecContext(ctx, query, id, at, archivedBy, reason)
	if err != nil {
		return fmt.Errorf("deactivate child: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate child rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReactivateChild clears the archive markers of an inactive child. It
// returns sql.ErrNoRows when the child is missing or already active.
func (r *AssociationRepository) ReactivateChild(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	const query = `UPDATE children SET is_active = TRUE, archived_at = NULL, archived_by = NULL, archive_reason = NULL, updated_at = $2
WHERE id = $1 AND is_active = FALSE`
	result, err := r.exec(exec).ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("reactivate child: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reactivate child rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertChildArchive stores an archive snapshot.
func (r *AssociationRepository) InsertChildArchive(ctx context.Context, exec sqlx.ExtContext, archive *models.ChildArchive) error {
	if archive.ID == "" {
		archive.ID = uuid.NewString()
	}
	if archive.ArchivedAt.IsZero() {
		archive.ArchivedAt = time.Now().UTC()
	}
	const query = `INSERT INTO child_archives (id, child_id, snapshot, archived_by, archived_at, reason)
VALUES (:id, :child_id, :snapshot, :archived_by, :archived_at, :reason)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, archive); err != nil {
		return fmt.Errorf("insert child archive: %w", err)
	}
	return nil
}

// ListChildArchives returns the snapshots of a child, newest first.
func (r *AssociationRepository) ListChildArchives(ctx context.Context, childID string) ([]models.ChildArchive, error) {
	const query = `SELECT id, child_id, snapshot, archived_by, archived_at, reason FROM child_archives WHERE child_id = $1 ORDER BY archived_at DESC`
	var archives []models.ChildArchive
	if err := r.db.SelectContext(ctx, &archives, query, childID); err != nil {
		return nil, fmt.Errorf("list child archives: %w", err)
	}
	return archives, nil
}

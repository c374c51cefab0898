package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/pkg/database"
)

// Sentinel errors surfaced by the association store.
var (
	ErrChildNotFound  = errors.New("child not found")
	ErrParentNotFound = errors.New("parent account not found")
	// ErrNotParent means the user exists but does not hold the PARENT role.
	ErrNotParent = errors.New("user is not a parent")
	// ErrDuplicateApproved is the translated unique violation of the
	// one-approved-enrollment-per-child index.
	ErrDuplicateApproved = errors.New("child already has an approved enrollment")
	// ErrStatusChanged means a conditional status update matched no row
	// because the enrollment left the expected status concurrently.
	ErrStatusChanged = errors.New("enrollment status changed concurrently")
)

// AssociationRepository owns reads and writes over children, parent accounts
// and enrollments. Methods taking an exec argument run inside the caller's
// transaction when exec is non-nil.
type AssociationRepository struct {
	db *sqlx.DB
}

// NewAssociationRepository constructs the repository.
func NewAssociationRepository(db *sqlx.DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

func (r *AssociationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

const parentQuery = `SELECT id, email, password_hash, full_name, phone, role, active, created_at, updated_at FROM users WHERE id = $1`

// FindParent returns the parent account for id. A missing row yields
// sql.ErrNoRows and a user with another role yields ErrNotParent.
func (r *AssociationRepository) FindParent(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error) {
	var user models.User
	if err := sqlx.GetContext(ctx, r.exec(exec), &user, parentQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find parent: %w", err)
	}
	if user.Role != models.RoleParent {
		return nil, ErrNotParent
	}
	return &user, nil
}

func translateWriteError(op string, err error) error {
	if database.IsUniqueViolation(err) {
		return ErrDuplicateApproved
	}
	return fmt.Errorf("%s: %w", op, err)
}

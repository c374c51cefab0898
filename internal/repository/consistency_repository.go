package repository

import (
	"context"
	"fmt"

	"github.com/noah-isme/creche-api/internal/models"
)

// ListOrphanChildren returns active children with no approved enrollment,
// each with its most recent enrollment when one exists.
func (r *AssociationRepository) ListOrphanChildren(ctx context.Context) ([]models.OrphanChild, error) {
	const query = `SELECT c.id AS child_id, c.first_name, c.last_name, c.birth_date,
latest.id AS latest_enrollment_id, latest.status AS latest_status, latest.parent_id AS latest_parent_id
FROM children c
LEFT JOIN LATERAL (
	SELECT e.id, e.status, e.parent_id FROM enrollments e
	WHERE e.child_id = c.id ORDER BY e.updated_at DESC, e.created_at DESC LIMIT 1
) latest ON TRUE
WHERE c.is_active = TRUE
AND NOT EXISTS (SELECT 1 FROM enrollments a WHERE a.child_id = c.id AND a.status = $1)
ORDER BY c.last_name, c.first_name, c.id`
	var orphans []models.OrphanChild
	if err := r.db.SelectContext(ctx, &orphans, query, models.EnrollmentStatusApproved); err != nil {
		return nil, fmt.Errorf("list orphan children: %w", err)
	}
	return orphans, nil
}

// ListDuplicateApproved returns children holding more than one approved enrollment.
func (r *AssociationRepository) ListDuplicateApproved(ctx context.Context) ([]models.DuplicateActiveLink, error) {
	const query = `SELECT e.child_id, COALESCE(c.first_name, '') AS first_name, COALESCE(c.last_name, '') AS last_name,
COUNT(*) AS approved_count,
array_agg(e.id ORDER BY e.created_at) AS enrollment_ids,
array_agg(e.parent_id ORDER BY e.created_at) AS parent_ids
FROM enrollments e
LEFT JOIN children c ON c.id = e.child_id
WHERE e.status = $1
GROUP BY e.child_id, c.first_name, c.last_name
HAVING COUNT(*) > 1
ORDER BY e.child_id`
	var duplicates []models.DuplicateActiveLink
	if err := r.db.SelectContext(ctx, &duplicates, query, models.EnrollmentStatusApproved); err != nil {
		return nil, fmt.Errorf("list duplicate approved enrollments: %w", err)
	}
	return duplicates, nil
}

// ListDanglingEnrollments returns enrollments whose child or parent row is
// missing, or whose parent account does not hold the PARENT role.
func (r *AssociationRepository) ListDanglingEnrollments(ctx context.Context) ([]models.DanglingLink, error) {
	const query = `SELECT e.id AS enrollment_id, e.child_id, e.parent_id, e.status,
CASE
	WHEN c.id IS NULL THEN $1
	WHEN u.id IS NULL THEN $2
	ELSE $3
END AS reason
FROM enrollments e
LEFT JOIN children c ON c.id = e.child_id
LEFT JOIN users u ON u.id = e.parent_id
WHERE c.id IS NULL OR u.id IS NULL OR u.role <> $4
ORDER BY e.created_at`
	var links []models.DanglingLink
	if err := r.db.SelectContext(ctx, &links, query,
		models.DanglingReasonMissingChild, models.DanglingReasonMissingParent, models.DanglingReasonNotParentRole, models.RoleParent); err != nil {
		return nil, fmt.Errorf("list dangling enrollments: %w", err)
	}
	return links, nil
}

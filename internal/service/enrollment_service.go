package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/repository"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx sqlx.ExtContext) error) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type enrollmentStore interface {
	FindChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error)
	LockChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error)
	FindParent(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error)
	FindEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	LockEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error)
	ListEnrollmentsByChild(ctx context.Context, exec sqlx.ExtContext, childID string) ([]models.Enrollment, error)
	FindEnrollmentByChild(ctx context.Context, exec sqlx.ExtContext, childID string) (*models.Enrollment, error)
	FindLatestByChildAndStatus(ctx context.Context, exec sqlx.ExtContext, childID string, status models.EnrollmentStatus) (*models.Enrollment, error)
	CountApproved(ctx context.Context, exec sqlx.ExtContext, childID, excludeID string) (int, error)
	UpsertEnrollment(ctx context.Context, exec sqlx.ExtContext, childID, parentID string, status models.EnrollmentStatus, attrs models.EnrollmentAttributes) (*models.Enrollment, error)
	UpdateEnrollmentDetails(ctx context.Context, exec sqlx.ExtContext, id string, attrs models.EnrollmentAttributes) (*models.Enrollment, error)
	TransitionStatus(ctx context.Context, exec sqlx.ExtContext, params repository.TransitionParams) error
	FindEnrollmentDetail(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ListEnrollments(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	HasApprovedLink(ctx context.Context, childID, parentID string) (bool, error)
	ListChildrenForParent(ctx context.Context, parentID string) ([]models.Child, error)
}

// SubmitEnrollmentRequest opens a new link between a child and a parent.
type SubmitEnrollmentRequest struct {
	ChildID  string `json:"child_id" validate:"required"`
	ParentID string `json:"parent_id"`
	models.EnrollmentAttributes
}

// ReviewEnrollmentRequest carries the optional notes of an approval or rejection.
type ReviewEnrollmentRequest struct {
	AdminNotes *string `json:"admin_notes" validate:"omitempty,max=2000"`
}

// EnrollmentService enforces the enrollment lifecycle: submissions open a
// PENDING link, staff approve or reject it, and archival moves the approved
// link in and out of ARCHIVED.
type EnrollmentService struct {
	store            enrollmentStore
	tx               txRunner
	audit            auditLogger
	cache            *CacheService
	metrics          *MetricsService
	validator        *validator.Validate
	logger           *zap.Logger
	publicSubmission bool
}

// NewEnrollmentService constructs EnrollmentService. publicSubmission allows
// unauthenticated callers to submit enrollments.
func NewEnrollmentService(store enrollmentStore, tx txRunner, audit auditLogger, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, publicSubmission bool) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		store:            store,
		tx:               tx,
		audit:            audit,
		cache:            cache,
		metrics:          metrics,
		validator:        validate,
		logger:           logger,
		publicSubmission: publicSubmission,
	}
}

// Submit creates a PENDING enrollment. Parents may only submit for their own
// account; anonymous callers are accepted only when public submission is on.
func (s *EnrollmentService) Submit(ctx context.Context, req SubmitEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	switch {
	case actor == nil:
		if !s.publicSubmission {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required to submit enrollments")
		}
	case actor.Role == models.RoleParent:
		req.ParentID = actor.UserID
	case !actor.Role.IsStaff():
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role cannot submit enrollments")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if req.ParentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "parent_id is required")
	}

	var created *models.Enrollment
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		var err error
		created, err = s.submitTx(ctx, tx, req.ChildID, req.ParentID, req.EnrollmentAttributes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, actorID(actor), models.AuditActionEnrollmentSubmit, nil, created)
	return created, nil
}

// Approve moves a PENDING enrollment to APPROVED, creating the formal link.
func (s *EnrollmentService) Approve(ctx context.Context, id string, req ReviewEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}

	var before, after *models.Enrollment
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		var err error
		before, after, err = s.approveTx(ctx, tx, id, actor.UserID, req.AdminNotes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, actor.UserID, models.AuditActionEnrollmentApprove, before, after)
	return after, nil
}

// Reject moves a PENDING enrollment to REJECTED. The row is kept.
func (s *EnrollmentService) Reject(ctx context.Context, id string, req ReviewEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}

	var before, after *models.Enrollment
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		current, err := s.store.LockEnrollment(ctx, tx, id)
		if err != nil {
			return translateEnrollmentLookup(err)
		}
		before = current
		after, err = s.transition(ctx, tx, current, models.EnrollmentStatusRejected, &actor.UserID, req.AdminNotes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, actor.UserID, models.AuditActionEnrollmentReject, before, after)
	return after, nil
}

// Get returns an enrollment with child and parent names.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.store.FindEnrollmentDetail(ctx, id)
	if err != nil {
		return nil, translateEnrollmentLookup(err)
	}
	return detail, nil
}

// GetByChild returns the current enrollment of a child: the approved link,
// else the newest pending one, else the newest of any status.
func (s *EnrollmentService) GetByChild(ctx context.Context, childID string) (*models.Enrollment, error) {
	if _, err := s.store.FindChild(ctx, nil, childID); err != nil {
		return nil, translateChildLookup(err)
	}
	enrollment, err := s.store.FindEnrollmentByChild(ctx, nil, childID)
	if err != nil {
		return nil, translateEnrollmentLookup(err)
	}
	return enrollment, nil
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown enrollment status")
	}
	enrollments, total, err := s.store.ListEnrollments(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, paginationFor(filter.Page, filter.PageSize, total), nil
}

// UpdateDetails rewrites the form fields of a PENDING or APPROVED enrollment.
func (s *EnrollmentService) UpdateDetails(ctx context.Context, id string, attrs models.EnrollmentAttributes, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(attrs); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	var before, after *models.Enrollment
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		current, err := s.store.FindEnrollment(ctx, tx, id)
		if err != nil {
			return translateEnrollmentLookup(err)
		}
		if _, err := s.store.LockChild(ctx, tx, current.ChildID); err != nil {
			return translateChildLookup(err)
		}
		current, err = s.store.LockEnrollment(ctx, tx, id)
		if err != nil {
			return translateEnrollmentLookup(err)
		}
		if !current.Status.Open() {
			return errNotEditable
		}
		before = current
		after, err = s.store.UpdateEnrollmentDetails(ctx, tx, id, attrs)
		if errors.Is(err, repository.ErrStatusChanged) {
			return errNotEditable
		}
		return translateStoreWrite(err)
	})
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, actor.UserID, models.AuditActionEnrollmentUpdate, before, after)
	return after, nil
}

// IsLinked reports whether a parent holds an approved link to a child.
// Attendance, notification and document access rely on this check.
func (s *EnrollmentService) IsLinked(ctx context.Context, childID, parentID string) (bool, error) {
	if childID == "" || parentID == "" {
		return false, appErrors.Clone(appErrors.ErrValidation, "childId and parentId are required")
	}
	linked, err := s.store.HasApprovedLink(ctx, childID, parentID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check link")
	}
	return linked, nil
}

// ListForParent returns the children linked to a parent account.
func (s *EnrollmentService) ListForParent(ctx context.Context, parentID string) ([]models.Child, error) {
	if _, err := s.store.FindParent(ctx, nil, parentID); err != nil {
		return nil, translateParentLookup(err)
	}
	children, err := s.store.ListChildrenForParent(ctx, parentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list linked children")
	}
	return children, nil
}

// Repair links an orphaned child to a parent by submitting and approving in a
// single transaction. A pending link the child already has with the same
// parent is approved in place.
func (s *EnrollmentService) Repair(ctx context.Context, childID, parentID string, notes *string, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.requireStaff(actor); err != nil {
		return nil, err
	}

	var approved *models.Enrollment
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		child, err := s.store.LockChild(ctx, tx, childID)
		if err != nil {
			return translateChildLookup(err)
		}
		if !child.IsActive {
			return appErrors.Clone(appErrors.ErrNotFound, "child is archived")
		}
		existing, err := s.store.ListEnrollmentsByChild(ctx, tx, childID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollments")
		}
		var pending *models.Enrollment
		for i := range existing {
			e := existing[i]
			if e.Status == models.EnrollmentStatusApproved {
				return appErrors.Clone(appErrors.ErrDuplicateActiveEnrollment, "child is not orphaned")
			}
			if e.Status == models.EnrollmentStatusPending && e.ParentID == parentID && pending == nil {
				pending = &e
			}
		}
		if pending == nil {
			pending, err = s.submitTx(ctx, tx, childID, parentID, models.EnrollmentAttributes{})
			if err != nil {
				return err
			}
		}
		_, approved, err = s.approveTx(ctx, tx, pending.ID, actor.UserID, notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterChange(ctx, actor.UserID, models.AuditActionEnrollmentRepair, nil, approved)
	return approved, nil
}

func (s *EnrollmentService) submitTx(ctx context.Context, tx sqlx.ExtContext, childID, parentID string, attrs models.EnrollmentAttributes) (*models.Enrollment, error) {
	child, err := s.store.LockChild(ctx, tx, childID)
	if err != nil {
		return nil, translateChildLookup(err)
	}
	if !child.IsActive {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "child is archived")
	}
	if _, err := s.store.FindParent(ctx, tx, parentID); err != nil {
		return nil, translateParentLookup(err)
	}
	existing, err := s.store.ListEnrollmentsByChild(ctx, tx, childID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollments")
	}
	for _, e := range existing {
		if e.Status.Open() {
			return nil, appErrors.Clone(appErrors.ErrDuplicateActiveEnrollment, "")
		}
	}
	created, err := s.store.UpsertEnrollment(ctx, tx, childID, parentID, models.EnrollmentStatusPending, attrs)
	if err != nil {
		return nil, translateStoreWrite(err)
	}
	return created, nil
}

// approveTx locks the child before re-reading the enrollment so concurrent
// approvals for the same child are serialized.
func (s *EnrollmentService) approveTx(ctx context.Context, tx sqlx.ExtContext, id, reviewerID string, notes *string) (*models.Enrollment, *models.Enrollment, error) {
	current, err := s.store.FindEnrollment(ctx, tx, id)
	if err != nil {
		return nil, nil, translateEnrollmentLookup(err)
	}
	child, err := s.store.LockChild(ctx, tx, current.ChildID)
	if err != nil {
		return nil, nil, translateChildLookup(err)
	}
	current, err = s.store.LockEnrollment(ctx, tx, id)
	if err != nil {
		return nil, nil, translateEnrollmentLookup(err)
	}
	if current.Status != models.EnrollmentStatusPending {
		return nil, nil, invalidTransition(current.Status, models.EnrollmentStatusApproved)
	}
	if !child.IsActive {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidTransition, "child is archived")
	}
	count, err := s.store.CountApproved(ctx, tx, current.ChildID, current.ID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check approved links")
	}
	if count > 0 {
		return nil, nil, appErrors.Clone(appErrors.ErrDuplicateActiveEnrollment, "")
	}
	updated, err := s.transition(ctx, tx, current, models.EnrollmentStatusApproved, &reviewerID, notes)
	if err != nil {
		return nil, nil, err
	}
	return current, updated, nil
}

// archiveApproved moves the child's approved enrollment to ARCHIVED inside
// the caller's transaction. It returns nil when the child has no approved link.
func (s *EnrollmentService) archiveApproved(ctx context.Context, tx sqlx.ExtContext, childID string) (*models.Enrollment, error) {
	current, err := s.store.FindEnrollmentByChild(ctx, tx, childID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateEnrollmentLookup(err)
	}
	if current.Status != models.EnrollmentStatusApproved {
		return nil, nil
	}
	return s.transition(ctx, tx, current, models.EnrollmentStatusArchived, nil, nil)
}

// restoreArchived moves the child's most recent ARCHIVED enrollment back to
// APPROVED inside the caller's transaction. The same row is reused.
func (s *EnrollmentService) restoreArchived(ctx context.Context, tx sqlx.ExtContext, childID string) (*models.Enrollment, error) {
	current, err := s.store.FindLatestByChildAndStatus(ctx, tx, childID, models.EnrollmentStatusArchived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load archived enrollment")
	}
	count, err := s.store.CountApproved(ctx, tx, childID, current.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check approved links")
	}
	if count > 0 {
		return nil, appErrors.Clone(appErrors.ErrDuplicateActiveEnrollment, "")
	}
	return s.transition(ctx, tx, current, models.EnrollmentStatusApproved, nil, nil)
}

func (s *EnrollmentService) transition(ctx context.Context, tx sqlx.ExtContext, current *models.Enrollment, to models.EnrollmentStatus, reviewerID, notes *string) (*models.Enrollment, error) {
	if !current.Status.CanTransitionTo(to) {
		return nil, invalidTransition(current.Status, to)
	}
	err := s.store.TransitionStatus(ctx, tx, repository.TransitionParams{
		ID:         current.ID,
		From:       current.Status,
		To:         to,
		ReviewedBy: reviewerID,
		AdminNotes: notes,
		At:         time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusChanged) {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment status changed concurrently")
		}
		return nil, translateStoreWrite(err)
	}
	updated, err := s.store.FindEnrollment(ctx, tx, current.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload enrollment")
	}
	return updated, nil
}

func (s *EnrollmentService) requireStaff(actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return appErrors.Clone(appErrors.ErrForbidden, "staff role required")
	}
	return nil
}

// afterChange runs the best-effort side effects of a committed change.
func (s *EnrollmentService) afterChange(ctx context.Context, userID, action string, before, after *models.Enrollment) {
	if after == nil {
		return
	}
	var from models.EnrollmentStatus
	if before != nil {
		from = before.Status
	}
	if from != after.Status {
		s.metrics.ObserveEnrollmentTransition(from, after.Status)
	}
	s.cache.Invalidate(ctx, consistencyCachePattern)
	s.logger.Info("enrollment changed",
		zap.String("action", action),
		zap.String("enrollment_id", after.ID),
		zap.String("child_id", after.ChildID),
		zap.String("status", string(after.Status)),
	)
	var previous interface{}
	if before != nil {
		previous = before
	}
	emitAudit(ctx, s.audit, s.logger, userID, action, "enrollment", after.ID, previous, after)
}

func emitAudit(ctx context.Context, audit auditLogger, logger *zap.Logger, userID, action, resource, resourceID string, before, after interface{}) {
	if audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     optionalString(userID),
		Action:     action,
		Resource:   resource,
		ResourceID: optionalString(resourceID),
		IPAddress:  "system",
		UserAgent:  "creche-api",
	}
	if before != nil {
		entry.OldValues, _ = json.Marshal(before)
	}
	if after != nil {
		entry.NewValues, _ = json.Marshal(after)
	}
	if err := audit.CreateAuditLog(ctx, entry); err != nil {
		logger.Warn("failed to persist audit log", zap.String("action", action), zap.Error(err))
	}
}

var errNotEditable = appErrors.Clone(appErrors.ErrInvalidTransition, "only pending or approved enrollments can be edited")

func invalidTransition(from, to models.EnrollmentStatus) *appErrors.Error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, "cannot move enrollment from "+string(from)+" to "+string(to))
}

func translateChildLookup(err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, repository.ErrChildNotFound) {
		return appErrors.Clone(appErrors.ErrChildNotFound, "")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load child")
}

func translateParentLookup(err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, repository.ErrParentNotFound) || errors.Is(err, repository.ErrNotParent) {
		return appErrors.Clone(appErrors.ErrParentNotFound, "")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load parent")
}

func translateEnrollmentLookup(err error) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrEnrollmentNotFound, "")
	case errors.Is(err, models.ErrMultipleApprovedEnrollments):
		return appErrors.Clone(appErrors.ErrMultipleActiveEnrollments, "")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
}

func translateStoreWrite(err error) error {
	var appErr *appErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrChildNotFound):
		return appErrors.Clone(appErrors.ErrChildNotFound, "")
	case errors.Is(err, repository.ErrParentNotFound), errors.Is(err, repository.ErrNotParent):
		return appErrors.Clone(appErrors.ErrParentNotFound, "")
	case errors.Is(err, repository.ErrDuplicateApproved):
		return appErrors.Clone(appErrors.ErrDuplicateActiveEnrollment, "")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store enrollment")
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func actorID(actor *models.JWTClaims) string {
	if actor == nil {
		return ""
	}
	return actor.UserID
}

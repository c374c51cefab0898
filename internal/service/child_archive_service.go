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
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
)

type childArchiveStore interface {
	FindChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error)
	LockChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error)
	InsertChildArchive(ctx context.Context, exec sqlx.ExtContext, archive *models.ChildArchive) error
	DeactivateChild(ctx context.Context, exec sqlx.ExtContext, id, archivedBy, reason string, at time.Time) error
	ReactivateChild(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error
	ListChildArchives(ctx context.Context, childID string) ([]models.ChildArchive, error)
}

// ArchiveChildRequest carries the reason recorded with the snapshot.
type ArchiveChildRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ArchiveResult describes the outcome of an archival.
type ArchiveResult struct {
	Child      *models.Child        `json:"child"`
	Archive    *models.ChildArchive `json:"archive"`
	Enrollment *models.Enrollment   `json:"enrollment,omitempty"`
}

// RestoreResult describes the outcome of a restore.
type RestoreResult struct {
	Child      *models.Child      `json:"child"`
	Enrollment *models.Enrollment `json:"enrollment,omitempty"`
}

// ChildArchiveService archives and restores children as a single unit of
// work covering the snapshot, the child flags and the approved enrollment.
type ChildArchiveService struct {
	store       childArchiveStore
	tx          txRunner
	enrollments *EnrollmentService
	audit       auditLogger
	cache       *CacheService
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewChildArchiveService constructs the archival manager.
func NewChildArchiveService(store childArchiveStore, tx txRunner, enrollments *EnrollmentService, audit auditLogger, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ChildArchiveService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChildArchiveService{
		store:       store,
		tx:          tx,
		enrollments: enrollments,
		audit:       audit,
		cache:       cache,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
	}
}

// ArchiveChild snapshots the child, deactivates it and archives its approved
// enrollment. Any failure leaves the database untouched.
func (s *ChildArchiveService) ArchiveChild(ctx context.Context, childID string, req ArchiveChildRequest, actor *models.JWTClaims) (*ArchiveResult, error) {
	if err := s.enrollments.requireStaff(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid archive payload")
	}

	result := &ArchiveResult{}
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		child, err := s.store.LockChild(ctx, tx, childID)
		if err != nil {
			return translateChildLookup(err)
		}
		if !child.IsActive {
			return appErrors.Clone(appErrors.ErrChildNotFound, "child not found or already archived")
		}

		snapshot, err := json.Marshal(child)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode child snapshot")
		}
		now := time.Now().UTC()
		archive := &models.ChildArchive{
			ChildID:    child.ID,
			Snapshot:   snapshot,
			ArchivedBy: actor.UserID,
			ArchivedAt: now,
			Reason:     req.Reason,
		}
		if err := s.store.InsertChildArchive(ctx, tx, archive); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store archive snapshot")
		}

		if err := s.store.DeactivateChild(ctx, tx, child.ID, actor.UserID, req.Reason, now); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrChildNotFound, "child not found or already archived")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate child")
		}

		enrollment, err := s.enrollments.archiveApproved(ctx, tx, child.ID)
		if err != nil {
			return err
		}

		updated, err := s.store.FindChild(ctx, tx, child.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload child")
		}
		result.Child = updated
		result.Archive = archive
		result.Enrollment = enrollment
		return nil
	})
	if err != nil {
		s.logger.Warn("child archival rolled back", zap.String("child_id", childID), zap.Error(err))
		return nil, err
	}

	if result.Enrollment != nil {
		s.metrics.ObserveEnrollmentTransition(models.EnrollmentStatusApproved, models.EnrollmentStatusArchived)
	}
	s.cache.Invalidate(ctx, consistencyCachePattern)
	emitAudit(ctx, s.audit, s.logger, actor.UserID, models.AuditActionChildArchive, "child", childID, nil, result)
	return result, nil
}

// RestoreChild reactivates an archived child and restores its most recent
// archived enrollment to APPROVED.
func (s *ChildArchiveService) RestoreChild(ctx context.Context, childID string, actor *models.JWTClaims) (*RestoreResult, error) {
	if err := s.enrollments.requireStaff(actor); err != nil {
		return nil, err
	}

	result := &RestoreResult{}
	err := s.tx.WithTx(ctx, func(tx sqlx.ExtContext) error {
		child, err := s.store.LockChild(ctx, tx, childID)
		if err != nil {
			return translateChildLookup(err)
		}
		if child.IsActive {
			return appErrors.Clone(appErrors.ErrNotArchived, "")
		}
		if err := s.store.ReactivateChild(ctx, tx, child.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotArchived, "")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reactivate child")
		}

		enrollment, err := s.enrollments.restoreArchived(ctx, tx, child.ID)
		if err != nil {
			return err
		}

		updated, err := s.store.FindChild(ctx, tx, child.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload child")
		}
		result.Child = updated
		result.Enrollment = enrollment
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Enrollment != nil {
		s.metrics.ObserveEnrollmentTransition(models.EnrollmentStatusArchived, models.EnrollmentStatusApproved)
	}
	s.cache.Invalidate(ctx, consistencyCachePattern)
	emitAudit(ctx, s.audit, s.logger, actor.UserID, models.AuditActionChildRestore, "child", childID, nil, result)
	return result, nil
}

// ListArchives returns the snapshot history of a child, newest first.
func (s *ChildArchiveService) ListArchives(ctx context.Context, childID string) ([]models.ChildArchive, error) {
	if _, err := s.store.FindChild(ctx, nil, childID); err != nil {
		return nil, translateChildLookup(err)
	}
	archives, err := s.store.ListChildArchives(ctx, childID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list archives")
	}
	return archives, nil
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/models"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
)

type childRepository interface {
	FindChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error)
	ListChildren(ctx context.Context, filter models.ChildFilter) ([]models.Child, int, error)
	CreateChild(ctx context.Context, exec sqlx.ExtContext, child *models.Child) error
	UpdateChild(ctx context.Context, child *models.Child) error
}

// ChildRequest holds the registration fields of a child.
type ChildRequest struct {
	FirstName             string    `json:"first_name" validate:"required,max=100"`
	LastName              string    `json:"last_name" validate:"required,max=100"`
	BirthDate             time.Time `json:"birth_date" validate:"required"`
	Gender                string    `json:"gender" validate:"required,oneof=M F X"`
	MedicalNotes          *string   `json:"medical_notes"`
	Allergies             *string   `json:"allergies"`
	EmergencyContactName  *string   `json:"emergency_contact_name"`
	EmergencyContactPhone *string   `json:"emergency_contact_phone" validate:"omitempty,max=32"`
}

// ChildService handles child registration records.
type ChildService struct {
	repo      childRepository
	audit     auditLogger
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewChildService constructs the child service. New and renamed children
// change the consistency report, so writes drop the cached copy.
func NewChildService(repo childRepository, audit auditLogger, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *ChildService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChildService{repo: repo, audit: audit, cache: cache, validator: validate, logger: logger}
}

// List returns children and pagination metadata.
func (s *ChildService) List(ctx context.Context, filter models.ChildFilter) ([]models.Child, *models.Pagination, error) {
	children, total, err := s.repo.ListChildren(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list children")
	}
	return children, paginationFor(filter.Page, filter.PageSize, total), nil
}

// Get returns a child by ID.
func (s *ChildService) Get(ctx context.Context, id string) (*models.Child, error) {
	child, err := s.repo.FindChild(ctx, nil, id)
	if err != nil {
		return nil, translateChildLookup(err)
	}
	return child, nil
}

// Create registers a new active child.
func (s *ChildService) Create(ctx context.Context, req ChildRequest, actor *models.JWTClaims) (*models.Child, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid child payload")
	}
	child := &models.Child{}
	req.apply(child)
	if err := s.repo.CreateChild(ctx, nil, child); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create child")
	}
	s.cache.Invalidate(ctx, consistencyCachePattern)
	emitAudit(ctx, s.audit, s.logger, actorID(actor), models.AuditActionChildCreate, "child", child.ID, nil, child)
	return child, nil
}

// Update rewrites the registration fields of a child. Archived children can
// still be corrected.
func (s *ChildService) Update(ctx context.Context, id string, req ChildRequest, actor *models.JWTClaims) (*models.Child, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid child payload")
	}
	existing, err := s.repo.FindChild(ctx, nil, id)
	if err != nil {
		return nil, translateChildLookup(err)
	}
	before := *existing
	req.apply(existing)
	if err := s.repo.UpdateChild(ctx, existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrChildNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update child")
	}
	s.cache.Invalidate(ctx, consistencyCachePattern)
	emitAudit(ctx, s.audit, s.logger, actorID(actor), models.AuditActionChildUpdate, "child", id, before, existing)
	return existing, nil
}

func (r ChildRequest) apply(child *models.Child) {
	child.FirstName = r.FirstName
	child.LastName = r.LastName
	child.BirthDate = r.BirthDate
	child.Gender = r.Gender
	child.MedicalNotes = r.MedicalNotes
	child.Allergies = r.Allergies
	child.EmergencyContactName = r.EmergencyContactName
	child.EmergencyContactPhone = r.EmergencyContactPhone
}

package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/repository"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
)

type parentRepository interface {
	Create(ctx context.Context, user *models.User) error
	ListParents(ctx context.Context, search string, page, pageSize int) ([]models.User, int, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateParentRequest registers a parent account.
type CreateParentRequest struct {
	Email    string  `json:"email" validate:"required,email"`
	FullName string  `json:"full_name" validate:"required,max=200"`
	Phone    *string `json:"phone" validate:"omitempty,max=32"`
	Password string  `json:"password" validate:"required,min=8"`
}

// ParentService manages parent accounts.
type ParentService struct {
	repo        parentRepository
	enrollments *EnrollmentService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewParentService constructs the parent service.
func NewParentService(repo parentRepository, enrollments *EnrollmentService, validate *validator.Validate, logger *zap.Logger) *ParentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParentService{repo: repo, enrollments: enrollments, validator: validate, logger: logger}
}

// Create stores a new active parent account with a bcrypt password hash.
func (s *ParentService) Create(ctx context.Context, req CreateParentRequest, actor *models.JWTClaims) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid parent payload")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	user := &models.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		FullName:     req.FullName,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		Role:         models.RoleParent,
		Active:       true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create parent")
	}
	emitAudit(ctx, s.repo, s.logger, actorID(actor), models.AuditActionParentCreate, "user", user.ID, nil, user)
	return user, nil
}

// List returns parent accounts matching search.
func (s *ParentService) List(ctx context.Context, search string, page, pageSize int) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.ListParents(ctx, search, page, pageSize)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list parents")
	}
	return users, paginationFor(page, pageSize, total), nil
}

// Children returns the children linked to parentID. Parents may only read
// their own links.
func (s *ParentService) Children(ctx context.Context, parentID string, actor *models.JWTClaims) ([]models.Child, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() && actor.UserID != parentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot read another parent's children")
	}
	return s.enrollments.ListForParent(ctx, parentID)
}

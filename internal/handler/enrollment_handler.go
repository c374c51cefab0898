package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/creche-api/internal/middleware"
	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/service"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
	"github.com/noah-isme/creche-api/pkg/response"
)

type enrollmentService interface {
	Submit(ctx context.Context, req service.SubmitEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error)
	Approve(ctx context.Context, id string, req service.ReviewEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error)
	Reject(ctx context.Context, id string, req service.ReviewEnrollmentRequest, actor *models.JWTClaims) (*models.Enrollment, error)
	Get(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	GetByChild(ctx context.Context, childID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error)
	UpdateDetails(ctx context.Context, id string, attrs models.EnrollmentAttributes, actor *models.JWTClaims) (*models.Enrollment, error)
	IsLinked(ctx context.Context, childID, parentID string) (bool, error)
}

// EnrollmentHandler exposes enrollment lifecycle endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param childId query string false "Filter by child"
// @Param parentId query string false "Filter by parent"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	var ok bool
	if filter.ChildID, ok = optionalUUID(c, "childId", c.Query("childId")); !ok {
		return
	}
	if filter.ParentID, ok = optionalUUID(c, "parentId", c.Query("parentId")); !ok {
		return
	}
	filter.Status = models.EnrollmentStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Submit godoc
// @Summary Submit an enrollment request
// @Description Opens a PENDING link between a child and a parent. Parents may only submit for themselves.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.SubmitEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	var req service.SubmitEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	var ok bool
	if req.ChildID, ok = optionalUUID(c, "child_id", req.ChildID); !ok {
		return
	}
	if req.ParentID, ok = optionalUUID(c, "parent_id", req.ParentID); !ok {
		return
	}
	enrollment, err := h.enrollments.Submit(c.Request.Context(), req, middleware.Claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// Get godoc
// @Summary Get enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// GetByChild godoc
// @Summary Get the current enrollment of a child
// @Tags Enrollments
// @Produce json
// @Param id path string true "Child ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /children/{id}/enrollment [get]
func (h *EnrollmentHandler) GetByChild(c *gin.Context) {
	childID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	enrollment, err := h.enrollments.GetByChild(c.Request.Context(), childID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Update godoc
// @Summary Update enrollment details
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body models.EnrollmentAttributes true "Enrollment attributes"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [put]
func (h *EnrollmentHandler) Update(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var attrs models.EnrollmentAttributes
	if err := c.ShouldBindJSON(&attrs); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	enrollment, err := h.enrollments.UpdateDetails(c.Request.Context(), id, attrs, middleware.Claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Approve godoc
// @Summary Approve a pending enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.ReviewEnrollmentRequest false "Review notes"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/approve [post]
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	req, ok := bindReview(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Approve(c.Request.Context(), id, req, middleware.Claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Reject godoc
// @Summary Reject a pending enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.ReviewEnrollmentRequest false "Review notes"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/reject [post]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	req, ok := bindReview(c)
	if !ok {
		return
	}
	enrollment, err := h.enrollments.Reject(c.Request.Context(), id, req, middleware.Claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// IsLinked godoc
// @Summary Check whether a parent holds an approved link to a child
// @Tags Enrollments
// @Produce json
// @Param childId query string true "Child ID"
// @Param parentId query string true "Parent ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments/link [get]
func (h *EnrollmentHandler) IsLinked(c *gin.Context) {
	if strings.TrimSpace(c.Query("childId")) == "" || strings.TrimSpace(c.Query("parentId")) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "childId and parentId are required"))
		return
	}
	childID, ok := requireUUID(c, "childId", c.Query("childId"))
	if !ok {
		return
	}
	parentID, ok := requireUUID(c, "parentId", c.Query("parentId"))
	if !ok {
		return
	}
	if claims := middleware.Claims(c); claims != nil && claims.Role == models.RoleParent && claims.UserID != parentID {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "parents may only check their own links"))
		return
	}
	linked, err := h.enrollments.IsLinked(c.Request.Context(), childID, parentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"child_id": childID, "parent_id": parentID, "linked": linked}, nil)
}

// bindReview accepts an empty body as a review without notes.
func bindReview(c *gin.Context) (service.ReviewEnrollmentRequest, bool) {
	var req service.ReviewEnrollmentRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return req, false
	}
	return req, true
}

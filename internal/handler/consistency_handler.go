package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/creche-api/internal/middleware"
	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/service"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
	"github.com/noah-isme/creche-api/pkg/response"
)

type consistencyService interface {
	FindOrphans(ctx context.Context) ([]models.OrphanChild, error)
	FindDuplicateActiveLinks(ctx context.Context) ([]models.DuplicateActiveLink, error)
	FindDanglingLinks(ctx context.Context) ([]models.DanglingLink, error)
	Report(ctx context.Context, refresh bool) (*models.ConsistencyReport, error)
	Export(ctx context.Context, format string) (*service.ExportFile, error)
	RepairOrphan(ctx context.Context, childID string, req service.RepairOrphanRequest, actor *models.JWTClaims) (*models.Enrollment, error)
}

// ConsistencyHandler exposes the enrollment consistency audit to administrators.
type ConsistencyHandler struct {
	audit consistencyService
}

// NewConsistencyHandler constructs ConsistencyHandler.
func NewConsistencyHandler(audit consistencyService) *ConsistencyHandler {
	return &ConsistencyHandler{audit: audit}
}

// Orphans godoc
// @Summary List active children without an approved enrollment
// @Tags Enrollment Audit
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/enrollments/orphans [get]
func (h *ConsistencyHandler) Orphans(c *gin.Context) {
	orphans, err := h.audit.FindOrphans(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, orphans, nil, map[string]interface{}{"count": len(orphans)})
}

// Duplicates godoc
// @Summary List children with more than one approved enrollment
// @Tags Enrollment Audit
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/enrollments/duplicates [get]
func (h *ConsistencyHandler) Duplicates(c *gin.Context) {
	duplicates, err := h.audit.FindDuplicateActiveLinks(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, duplicates, nil, map[string]interface{}{"count": len(duplicates)})
}

// Dangling godoc
// @Summary List enrollments referencing a missing child or a non-parent account
// @Tags Enrollment Audit
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/enrollments/dangling [get]
func (h *ConsistencyHandler) Dangling(c *gin.Context) {
	dangling, err := h.audit.FindDanglingLinks(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dangling, nil, map[string]interface{}{"count": len(dangling)})
}

// Report godoc
// @Summary Full consistency report
// @Tags Enrollment Audit
// @Produce json
// @Param refresh query bool false "Bypass the cached report"
// @Success 200 {object} response.Envelope
// @Router /admin/enrollments/report [get]
func (h *ConsistencyHandler) Report(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	report, err := h.audit.Report(c.Request.Context(), refresh)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Export godoc
// @Summary Download the consistency report
// @Tags Enrollment Audit
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /admin/enrollments/report/export [get]
func (h *ConsistencyHandler) Export(c *gin.Context) {
	file, err := h.audit.Export(c.Request.Context(), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Body)
}

// RepairOrphan godoc
// @Summary Link an orphan child to a parent
// @Description Submits and approves an enrollment for the child in one transaction.
// @Tags Enrollment Audit
// @Accept json
// @Produce json
// @Param childId path string true "Child ID"
// @Param payload body service.RepairOrphanRequest true "Repair payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/enrollments/orphans/{childId}/repair [post]
func (h *ConsistencyHandler) RepairOrphan(c *gin.Context) {
	childID, ok := pathUUID(c, "childId")
	if !ok {
		return
	}
	var req service.RepairOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.ParentID, ok = optionalUUID(c, "parent_id", req.ParentID); !ok {
		return
	}
	enrollment, err := h.audit.RepairOrphan(c.Request.Context(), childID, req, middleware.Claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

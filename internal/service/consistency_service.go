package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/models"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
	"github.com/noah-isme/creche-api/pkg/export"
)

type consistencyStore interface {
	ListOrphanChildren(ctx context.Context) ([]models.OrphanChild, error)
	ListDuplicateApproved(ctx context.Context) ([]models.DuplicateActiveLink, error)
	ListDanglingEnrollments(ctx context.Context) ([]models.DanglingLink, error)
}

// RepairOrphanRequest names the parent an orphaned child is linked to.
type RepairOrphanRequest struct {
	ParentID   string  `json:"parent_id" validate:"required"`
	AdminNotes *string `json:"admin_notes" validate:"omitempty,max=2000"`
}

// ExportFile is a rendered consistency report.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ConsistencyService scans the association data for invariant violations.
// Scans are read-only; RepairOrphan is the only operation that writes.
type ConsistencyService struct {
	store       consistencyStore
	enrollments *EnrollmentService
	cache       *CacheService
	cacheTTL    time.Duration
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewConsistencyService constructs the auditor.
func NewConsistencyService(store consistencyStore, enrollments *EnrollmentService, cache *CacheService, cacheTTL time.Duration, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ConsistencyService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsistencyService{
		store:       store,
		enrollments: enrollments,
		cache:       cache,
		cacheTTL:    cacheTTL,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		now:         time.Now,
	}
}

// FindOrphans returns active children without an approved enrollment.
func (s *ConsistencyService) FindOrphans(ctx context.Context) ([]models.OrphanChild, error) {
	orphans, err := s.store.ListOrphanChildren(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to scan orphan children")
	}
	if orphans == nil {
		orphans = []models.OrphanChild{}
	}
	return orphans, nil
}

// FindDuplicateActiveLinks returns children with more than one approved enrollment.
func (s *ConsistencyService) FindDuplicateActiveLinks(ctx context.Context) ([]models.DuplicateActiveLink, error) {
	duplicates, err := s.store.ListDuplicateApproved(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to scan duplicate links")
	}
	if duplicates == nil {
		duplicates = []models.DuplicateActiveLink{}
	}
	return duplicates, nil
}

// FindDanglingLinks returns enrollments whose child or parent does not resolve.
func (s *ConsistencyService) FindDanglingLinks(ctx context.Context) ([]models.DanglingLink, error) {
	links, err := s.store.ListDanglingEnrollments(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to scan dangling links")
	}
	if links == nil {
		links = []models.DanglingLink{}
	}
	return links, nil
}

// Report runs every scan. Results are served from cache unless refresh is set.
func (s *ConsistencyService) Report(ctx context.Context, refresh bool) (*models.ConsistencyReport, error) {
	if !refresh {
		var cached models.ConsistencyReport
		if s.cache.Get(ctx, consistencyReportKey, &cached) {
			return &cached, nil
		}
	}

	orphans, err := s.FindOrphans(ctx)
	if err != nil {
		return nil, err
	}
	duplicates, err := s.FindDuplicateActiveLinks(ctx)
	if err != nil {
		return nil, err
	}
	dangling, err := s.FindDanglingLinks(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.ConsistencyReport{
		Orphans:     orphans,
		Duplicates:  duplicates,
		Dangling:    dangling,
		GeneratedAt: s.now().UTC(),
	}
	s.metrics.SetConsistencyViolations(*report)
	if !report.Clean() {
		s.logger.Warn("enrollment consistency violations found",
			zap.Int("orphans", len(orphans)),
			zap.Int("duplicates", len(duplicates)),
			zap.Int("dangling", len(dangling)),
		)
	}
	s.cache.Set(ctx, consistencyReportKey, report, s.cacheTTL)
	return report, nil
}

// Export renders the current report as CSV or PDF.
func (s *ConsistencyService) Export(ctx context.Context, format string) (*ExportFile, error) {
	exporter, ok := export.ForFormat(strings.ToLower(format))
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	report, err := s.Report(ctx, false)
	if err != nil {
		return nil, err
	}
	body, err := exporter.Render(reportDataset(report))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("enrollment-consistency-%s.%s", report.GeneratedAt.Format("20060102-150405"), exporter.Extension()),
		ContentType: exporter.ContentType(),
		Body:        body,
	}, nil
}

// RepairOrphan links an orphaned child to a parent and approves the link.
func (s *ConsistencyService) RepairOrphan(ctx context.Context, childID string, req RepairOrphanRequest, actor *models.JWTClaims) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid repair payload")
	}
	enrollment, err := s.enrollments.Repair(ctx, childID, req.ParentID, req.AdminNotes, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("orphan child repaired", zap.String("child_id", childID), zap.String("enrollment_id", enrollment.ID))
	return enrollment, nil
}

var reportHeaders = []string{"issue", "child_id", "child_name", "enrollment_ids", "parent_ids", "status", "detail"}

func reportDataset(report *models.ConsistencyReport) export.Dataset {
	rows := make([]map[string]string, 0, len(report.Orphans)+len(report.Duplicates)+len(report.Dangling))
	for _, o := range report.Orphans {
		row := map[string]string{
			"issue":      "orphan",
			"child_id":   o.ChildID,
			"child_name": strings.TrimSpace(o.FirstName + " " + o.LastName),
			"detail":     "no approved enrollment",
		}
		if o.LatestEnrollmentID != nil {
			row["enrollment_ids"] = *o.LatestEnrollmentID
		}
		if o.LatestParentID != nil {
			row["parent_ids"] = *o.LatestParentID
		}
		if o.LatestStatus != nil {
			row["status"] = string(*o.LatestStatus)
		}
		rows = append(rows, row)
	}
	for _, d := range report.Duplicates {
		rows = append(rows, map[string]string{
			"issue":          "duplicate",
			"child_id":       d.ChildID,
			"child_name":     strings.TrimSpace(d.FirstName + " " + d.LastName),
			"enrollment_ids": strings.Join(d.EnrollmentIDs, " "),
			"parent_ids":     strings.Join(d.ParentIDs, " "),
			"status":         string(models.EnrollmentStatusApproved),
			"detail":         fmt.Sprintf("%d approved enrollments", d.ApprovedCount),
		})
	}
	for _, l := range report.Dangling {
		rows = append(rows, map[string]string{
			"issue":          "dangling",
			"child_id":       l.ChildID,
			"enrollment_ids": l.EnrollmentID,
			"parent_ids":     l.ParentID,
			"status":         string(l.Status),
			"detail":         l.Reason,
		})
	}
	return export.Dataset{
		Title:   "Enrollment consistency report " + report.GeneratedAt.Format(time.RFC3339),
		Headers: reportHeaders,
		Rows:    rows,
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/creche-api/internal/models"
	appErrors "github.com/noah-isme/creche-api/pkg/errors"
)

var errCacheMissForTest = appErrors.ErrCacheMiss

var (
	staffClaims  = &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff}
	adminClaims  = &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
	parentClaims = &models.JWTClaims{UserID: "parent-1", Role: models.RoleParent}
)

type lifecycleFixture struct {
	store       *memStore
	cache       *memCache
	enrollments *EnrollmentService
	archives    *ChildArchiveService
	children    *ChildService
	audit       *ConsistencyService
}

func newLifecycleFixture(t *testing.T, publicSubmission bool) *lifecycleFixture {
	t.Helper()
	store := newMemStore()
	store.addChild("child-1", "Ana", "Silva", true)
	store.addUser("parent-1", models.RoleParent)
	store.addUser("parent-2", models.RoleParent)
	store.addUser("staff-1", models.RoleStaff)
	store.addUser("admin-1", models.RoleAdmin)

	cacheRepo := newMemCache()
	metrics := NewMetricsService()
	cache := NewCacheService(cacheRepo, metrics, 0, zap.NewNop(), true)
	enrollments := NewEnrollmentService(store, store, store, cache, metrics, nil, zap.NewNop(), publicSubmission)
	return &lifecycleFixture{
		store:       store,
		cache:       cacheRepo,
		enrollments: enrollments,
		archives:    NewChildArchiveService(store, store, enrollments, store, cache, metrics, nil, zap.NewNop()),
		children:    NewChildService(store, store, cache, nil, zap.NewNop()),
		audit:       NewConsistencyService(store, enrollments, cache, 0, metrics, nil, zap.NewNop()),
	}
}

func requireAppError(t *testing.T, err error, target *appErrors.Error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, target.Code, appErrors.FromError(err).Code, "unexpected error: %v", err)
}

func TestSubmitCreatesPendingEnrollment(t *testing.T) {
	f := newLifecycleFixture(t, false)

	enrollment, err := f.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{
		ChildID:              "child-1",
		ParentID:             "parent-1",
		EnrollmentAttributes: models.EnrollmentAttributes{LunchAssistance: true, RegulationAccepted: true},
	}, staffClaims)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
	assert.Equal(t, "parent-1", enrollment.ParentID)
	assert.True(t, enrollment.LunchAssistance)
	assert.Contains(t, f.store.auditActions(), models.AuditActionEnrollmentSubmit)
}

func TestSubmitForcesParentToCaller(t *testing.T) {
	f := newLifecycleFixture(t, false)

	enrollment, err := f.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-2"}, parentClaims)
	require.NoError(t, err)
	assert.Equal(t, "parent-1", enrollment.ParentID)
}

func TestSubmitAnonymousRequiresPublicSubmission(t *testing.T) {
	closed := newLifecycleFixture(t, false)
	_, err := closed.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-1"}, nil)
	requireAppError(t, err, appErrors.ErrUnauthorized)

	open := newLifecycleFixture(t, true)
	enrollment, err := open.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
}

func TestSubmitRejectsSecondOpenLink(t *testing.T) {
	f := newLifecycleFixture(t, false)
	_, err := f.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-1"}, staffClaims)
	require.NoError(t, err)

	_, err = f.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-2"}, staffClaims)
	requireAppError(t, err, appErrors.ErrDuplicateActiveEnrollment)
	assert.Equal(t, 1, f.store.enrollmentCount())
}

func TestSubmitReferenceErrors(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addChild("child-archived", "Rui", "Costa", false)

	cases := []struct {
		name   string
		req    SubmitEnrollmentRequest
		target *appErrors.Error
	}{
		{"unknown child", SubmitEnrollmentRequest{ChildID: "ghost", ParentID: "parent-1"}, appErrors.ErrChildNotFound},
		{"unknown parent", SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "ghost"}, appErrors.ErrParentNotFound},
		{"staff as parent", SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "staff-1"}, appErrors.ErrParentNotFound},
		{"archived child", SubmitEnrollmentRequest{ChildID: "child-archived", ParentID: "parent-1"}, appErrors.ErrNotFound},
		{"missing child id", SubmitEnrollmentRequest{ParentID: "parent-1"}, appErrors.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.enrollments.Submit(context.Background(), tc.req, staffClaims)
			requireAppError(t, err, tc.target)
		})
	}
	assert.Zero(t, f.store.enrollmentCount())
}

func TestApproveAndRejectTransitions(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addChild("child-2", "Rui", "Costa", true)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusPending)
	f.store.addEnrollment("enr-b", "child-2", "parent-2", models.EnrollmentStatusPending)

	notes := "documents checked"
	approved, err := f.enrollments.Approve(context.Background(), "enr-a", ReviewEnrollmentRequest{AdminNotes: &notes}, staffClaims)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, "staff-1", *approved.ReviewedBy)
	assert.Equal(t, &notes, approved.AdminNotes)

	rejected, err := f.enrollments.Reject(context.Background(), "enr-b", ReviewEnrollmentRequest{}, adminClaims)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusRejected, rejected.Status)
	assert.Equal(t, 2, f.store.enrollmentCount())

	_, err = f.enrollments.Approve(context.Background(), "enr-b", ReviewEnrollmentRequest{}, staffClaims)
	requireAppError(t, err, appErrors.ErrInvalidTransition)
	_, err = f.enrollments.Reject(context.Background(), "enr-a", ReviewEnrollmentRequest{}, staffClaims)
	requireAppError(t, err, appErrors.ErrInvalidTransition)
	_, err = f.enrollments.Approve(context.Background(), "ghost", ReviewEnrollmentRequest{}, staffClaims)
	requireAppError(t, err, appErrors.ErrEnrollmentNotFound)
}

func TestApproveRequiresStaff(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusPending)

	_, err := f.enrollments.Approve(context.Background(), "enr-a", ReviewEnrollmentRequest{}, parentClaims)
	requireAppError(t, err, appErrors.ErrForbidden)
	_, err = f.enrollments.Approve(context.Background(), "enr-a", ReviewEnrollmentRequest{}, nil)
	requireAppError(t, err, appErrors.ErrUnauthorized)
	assert.Equal(t, models.EnrollmentStatusPending, f.store.enrollment("enr-a").Status)
}

func TestApproveSecondPendingFailsWithDuplicate(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusPending)
	f.store.addEnrollment("enr-b", "child-1", "parent-2", models.EnrollmentStatusPending)

	_, err := f.enrollments.Approve(context.Background(), "enr-a", ReviewEnrollmentRequest{}, staffClaims)
	require.NoError(t, err)

	_, err = f.enrollments.Approve(context.Background(), "enr-b", ReviewEnrollmentRequest{}, staffClaims)
	requireAppError(t, err, appErrors.ErrDuplicateActiveEnrollment)

	current, err := f.enrollments.GetByChild(context.Background(), "child-1")
	require.NoError(t, err)
	assert.Equal(t, "enr-a", current.ID)
	assert.Equal(t, models.EnrollmentStatusPending, f.store.enrollment("enr-b").Status)
}

func TestConcurrentApprovalsProduceSingleLink(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusPending)
	f.store.addEnrollment("enr-b", "child-1", "parent-2", models.EnrollmentStatusPending)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"enr-a", "enr-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.enrollments.Approve(context.Background(), id, ReviewEnrollmentRequest{}, staffClaims)
		}(i, id)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		code := appErrors.FromError(err).Code
		assert.Contains(t, []string{appErrors.ErrDuplicateActiveEnrollment.Code, appErrors.ErrInvalidTransition.Code}, code)
	}
	assert.Equal(t, 1, successes)

	approved := 0
	for _, id := range []string{"enr-a", "enr-b"} {
		if f.store.enrollment(id).Status == models.EnrollmentStatusApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
}

func TestGetByChildReportsMultipleApproved(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusApproved)
	f.store.addEnrollment("enr-b", "child-1", "parent-2", models.EnrollmentStatusApproved)

	_, err := f.enrollments.GetByChild(context.Background(), "child-1")
	requireAppError(t, err, appErrors.ErrMultipleActiveEnrollments)

	_, err = f.enrollments.GetByChild(context.Background(), "ghost")
	requireAppError(t, err, appErrors.ErrChildNotFound)
}

func TestGetByChildWithoutEnrollment(t *testing.T) {
	f := newLifecycleFixture(t, false)

	_, err := f.enrollments.GetByChild(context.Background(), "child-1")
	requireAppError(t, err, appErrors.ErrEnrollmentNotFound)
}

func TestUpdateDetails(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusApproved)
	f.store.addEnrollment("enr-old", "child-1", "parent-2", models.EnrollmentStatusRejected)

	notes := "mornings only"
	updated, err := f.enrollments.UpdateDetails(context.Background(), "enr-a", models.EnrollmentAttributes{LunchAssistance: true, AppointmentNotes: &notes}, staffClaims)
	require.NoError(t, err)
	assert.Equal(t, "enr-a", updated.ID)
	assert.Equal(t, models.EnrollmentStatusApproved, updated.Status)
	assert.True(t, updated.LunchAssistance)
	assert.Equal(t, 2, f.store.enrollmentCount())

	_, err = f.enrollments.UpdateDetails(context.Background(), "enr-old", models.EnrollmentAttributes{}, staffClaims)
	requireAppError(t, err, appErrors.ErrInvalidTransition)
}

func TestUpdateDetailsWritesOnlyTheNamedRow(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusApproved)
	f.store.addEnrollment("enr-b", "child-1", "parent-2", models.EnrollmentStatusPending)

	updated, err := f.enrollments.UpdateDetails(context.Background(), "enr-b", models.EnrollmentAttributes{LunchAssistance: true}, staffClaims)
	require.NoError(t, err)
	assert.Equal(t, "enr-b", updated.ID)
	assert.Equal(t, models.EnrollmentStatusPending, updated.Status)
	assert.Equal(t, "parent-2", updated.ParentID)
	assert.True(t, f.store.enrollment("enr-b").LunchAssistance)

	approved := f.store.enrollment("enr-a")
	assert.Equal(t, models.EnrollmentStatusApproved, approved.Status)
	assert.Equal(t, "parent-1", approved.ParentID)
	assert.False(t, approved.LunchAssistance)
	assert.Equal(t, 2, f.store.enrollmentCount())
}

func TestIsLinkedAndListForParent(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusApproved)

	linked, err := f.enrollments.IsLinked(context.Background(), "child-1", "parent-1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = f.enrollments.IsLinked(context.Background(), "child-1", "parent-2")
	require.NoError(t, err)
	assert.False(t, linked)

	children, err := f.enrollments.ListForParent(context.Background(), "parent-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child-1", children[0].ID)

	_, err = f.enrollments.ListForParent(context.Background(), "staff-1")
	requireAppError(t, err, appErrors.ErrParentNotFound)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	f := newLifecycleFixture(t, false)

	_, _, err := f.enrollments.List(context.Background(), models.EnrollmentFilter{Status: "ACTIVE"})
	requireAppError(t, err, appErrors.ErrValidation)

	f.store.addEnrollment("enr-a", "child-1", "parent-1", models.EnrollmentStatusPending)
	items, pagination, err := f.enrollments.List(context.Background(), models.EnrollmentFilter{Status: models.EnrollmentStatusPending})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "Ana Silva", items[0].ChildName)
	assert.Equal(t, 1, pagination.TotalCount)
}

func TestSubmitStoreFailureIsInternal(t *testing.T) {
	f := newLifecycleFixture(t, false)
	f.store.failOn["UpsertEnrollment"] = errors.New("connection reset")

	_, err := f.enrollments.Submit(context.Background(), SubmitEnrollmentRequest{ChildID: "child-1", ParentID: "parent-1"}, staffClaims)
	requireAppError(t, err, appErrors.ErrInternal)
}

package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/creche-api/internal/models"
	"github.com/noah-isme/creche-api/internal/repository"
)

// memStore is an in-memory association store. WithTx serializes
// transactions and restores the previous state when fn fails, which mirrors
// the row locks and rollback of the Postgres implementation.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	children    map[string]models.Child
	users       map[string]models.User
	enrollments map[string]models.Enrollment
	archives    []models.ChildArchive
	audits      []*models.AuditLog

	failOn map[string]error
	seq    int
	clock  time.Time
}

func newMemStore() *memStore {
	return &memStore{
		children:    map[string]models.Child{},
		users:       map[string]models.User{},
		enrollments: map[string]models.Enrollment{},
		failOn:      map[string]error{},
		clock:       time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

type memState struct {
	children    map[string]models.Child
	enrollments map[string]models.Enrollment
	archives    []models.ChildArchive
}

func (s *memStore) snapshot() memState {
	state := memState{
		children:    make(map[string]models.Child, len(s.children)),
		enrollments: make(map[string]models.Enrollment, len(s.enrollments)),
		archives:    append([]models.ChildArchive(nil), s.archives...),
	}
	for k, v := range s.children {
		state.children[k] = v
	}
	for k, v := range s.enrollments {
		state.enrollments[k] = v
	}
	return state
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx sqlx.ExtContext) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := s.snapshot()
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.children = saved.children
		s.enrollments = saved.enrollments
		s.archives = saved.archives
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) fail(op string) error {
	return s.failOn[op]
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

// seeding helpers

func (s *memStore) addChild(id, first, last string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	s.children[id] = models.Child{ID: id, FirstName: first, LastName: last, BirthDate: time.Date(2021, 5, 4, 0, 0, 0, 0, time.UTC), Gender: "F", IsActive: active, CreatedAt: now, UpdatedAt: now}
}

func (s *memStore) addUser(id string, role models.UserRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = models.User{ID: id, Email: id + "@example.com", FullName: strings.ToUpper(id), Role: role, Active: true}
}

func (s *memStore) addEnrollment(id, childID, parentID string, status models.EnrollmentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	s.enrollments[id] = models.Enrollment{ID: id, ChildID: childID, ParentID: parentID, Status: status, EnrollmentDate: now, CreatedAt: now, UpdatedAt: now}
}

func (s *memStore) child(id string) models.Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[id]
}

func (s *memStore) enrollment(id string) models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[id]
}

func (s *memStore) enrollmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enrollments)
}

func (s *memStore) archiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archives)
}

// association store

func (s *memStore) FindChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok := s.children[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &child, nil
}

func (s *memStore) LockChild(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Child, error) {
	if err := s.fail("LockChild"); err != nil {
		return nil, err
	}
	return s.FindChild(ctx, exec, id)
}

func (s *memStore) FindParent(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if user.Role != models.RoleParent {
		return nil, repository.ErrNotParent
	}
	return &user, nil
}

func (s *memStore) FindEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (s *memStore) LockEnrollment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Enrollment, error) {
	return s.FindEnrollment(ctx, exec, id)
}

func (s *memStore) byChild(childID string) []models.Enrollment {
	var list []models.Enrollment
	for _, e := range s.enrollments {
		if e.ChildID == childID {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

func (s *memStore) ListEnrollmentsByChild(ctx context.Context, exec sqlx.ExtContext, childID string) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byChild(childID), nil
}

func (s *memStore) FindEnrollmentByChild(ctx context.Context, exec sqlx.ExtContext, childID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preferred, err := models.PreferredEnrollment(s.byChild(childID))
	if err != nil {
		return nil, err
	}
	if preferred == nil {
		return nil, sql.ErrNoRows
	}
	return preferred, nil
}

func (s *memStore) FindLatestByChildAndStatus(ctx context.Context, exec sqlx.ExtContext, childID string, status models.EnrollmentStatus) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Enrollment
	for _, e := range s.byChild(childID) {
		e := e
		if e.Status == status && (latest == nil || e.UpdatedAt.After(latest.UpdatedAt)) {
			latest = &e
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	return latest, nil
}

func (s *memStore) approvedCount(childID, excludeID string) int {
	count := 0
	for _, e := range s.enrollments {
		if e.ChildID == childID && e.ID != excludeID && e.Status == models.EnrollmentStatusApproved {
			count++
		}
	}
	return count
}

func (s *memStore) CountApproved(ctx context.Context, exec sqlx.ExtContext, childID, excludeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvedCount(childID, excludeID), nil
}

func (s *memStore) UpsertEnrollment(ctx context.Context, exec sqlx.ExtContext, childID, parentID string, status models.EnrollmentStatus, attrs models.EnrollmentAttributes) (*models.Enrollment, error) {
	if err := s.fail("UpsertEnrollment"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[childID]; !ok {
		return nil, repository.ErrChildNotFound
	}
	if user, ok := s.users[parentID]; !ok || user.Role != models.RoleParent {
		return nil, repository.ErrParentNotFound
	}

	now := s.tick()
	var current *models.Enrollment
	for _, e := range s.byChild(childID) {
		e := e
		if e.Status == models.EnrollmentStatusApproved {
			current = &e
			break
		}
		if e.Status == models.EnrollmentStatusPending && current == nil {
			current = &e
		}
	}
	if current == nil {
		current = &models.Enrollment{ID: s.nextID("enr"), ChildID: childID, EnrollmentDate: now, CreatedAt: now}
	}
	if status == models.EnrollmentStatusApproved && s.approvedCount(childID, current.ID) > 0 {
		return nil, repository.ErrDuplicateApproved
	}
	current.ParentID = parentID
	current.Status = status
	current.UpdatedAt = now
	attrs.Apply(current)
	s.enrollments[current.ID] = *current
	return current, nil
}

func (s *memStore) UpdateEnrollmentDetails(ctx context.Context, exec sqlx.ExtContext, id string, attrs models.EnrollmentAttributes) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if !e.Status.Open() {
		return nil, repository.ErrStatusChanged
	}
	attrs.Apply(&e)
	e.UpdatedAt = s.tick()
	s.enrollments[id] = e
	return &e, nil
}

func (s *memStore) TransitionStatus(ctx context.Context, exec sqlx.ExtContext, params repository.TransitionParams) error {
	if err := s.fail("TransitionStatus"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[params.ID]
	if !ok || e.Status != params.From {
		return repository.ErrStatusChanged
	}
	if params.To == models.EnrollmentStatusApproved && s.approvedCount(e.ChildID, e.ID) > 0 {
		return repository.ErrDuplicateApproved
	}
	now := s.tick()
	e.Status = params.To
	if params.ReviewedBy != nil {
		reviewer := *params.ReviewedBy
		e.ReviewedBy = &reviewer
		e.ReviewedAt = &now
	}
	if params.AdminNotes != nil {
		e.AdminNotes = params.AdminNotes
	}
	e.UpdatedAt = now
	s.enrollments[e.ID] = e
	return nil
}

func (s *memStore) FindEnrollmentDetail(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s.detail(e), nil
}

func (s *memStore) detail(e models.Enrollment) *models.EnrollmentDetail {
	child := s.children[e.ChildID]
	parent := s.users[e.ParentID]
	return &models.EnrollmentDetail{Enrollment: e, ChildName: child.FirstName + " " + child.LastName, ParentName: parent.FullName, ParentEmail: parent.Email}
}

func (s *memStore) ListEnrollments(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.EnrollmentDetail
	for _, e := range s.enrollments {
		if filter.ChildID != "" && e.ChildID != filter.ChildID {
			continue
		}
		if filter.ParentID != "" && e.ParentID != filter.ParentID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		items = append(items, *s.detail(e))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, len(items), nil
}

func (s *memStore) HasApprovedLink(ctx context.Context, childID, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.ChildID == childID && e.ParentID == parentID && e.Status == models.EnrollmentStatusApproved {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListChildrenForParent(ctx context.Context, parentID string) ([]models.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []models.Child
	for _, e := range s.enrollments {
		if e.ParentID == parentID && e.Status == models.EnrollmentStatusApproved {
			children = append(children, s.children[e.ChildID])
		}
	}
	return children, nil
}

func (s *memStore) ListChildren(ctx context.Context, filter models.ChildFilter) ([]models.Child, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []models.Child
	for _, c := range s.children {
		if filter.Active != nil && c.IsActive != *filter.Active {
			continue
		}
		children = append(children, c)
	}
	return children, len(children), nil
}

func (s *memStore) CreateChild(ctx context.Context, exec sqlx.ExtContext, child *models.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if child.ID == "" {
		child.ID = s.nextID("child")
	}
	now := s.tick()
	child.IsActive = true
	child.CreatedAt = now
	child.UpdatedAt = now
	s.children[child.ID] = *child
	return nil
}

func (s *memStore) UpdateChild(ctx context.Context, child *models.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[child.ID]; !ok {
		return sql.ErrNoRows
	}
	child.UpdatedAt = s.tick()
	s.children[child.ID] = *child
	return nil
}

func (s *memStore) DeactivateChild(ctx context.Context, exec sqlx.ExtContext, id, archivedBy, reason string, at time.Time) error {
	if err := s.fail("DeactivateChild"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok := s.children[id]
	if !ok || !child.IsActive {
		return sql.ErrNoRows
	}
	child.IsActive = false
	child.ArchivedAt = &at
	child.ArchivedBy = &archivedBy
	child.ArchiveReason = &reason
	child.UpdatedAt = at
	s.children[id] = child
	return nil
}

func (s *memStore) ReactivateChild(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok := s.children[id]
	if !ok || child.IsActive {
		return sql.ErrNoRows
	}
	child.IsActive = true
	child.ArchivedAt = nil
	child.ArchivedBy = nil
	child.ArchiveReason = nil
	child.UpdatedAt = at
	s.children[id] = child
	return nil
}

func (s *memStore) InsertChildArchive(ctx context.Context, exec sqlx.ExtContext, archive *models.ChildArchive) error {
	if err := s.fail("InsertChildArchive"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if archive.ID == "" {
		archive.ID = s.nextID("arc")
	}
	s.archives = append(s.archives, *archive)
	return nil
}

func (s *memStore) ListChildArchives(ctx context.Context, childID string) ([]models.ChildArchive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var archives []models.ChildArchive
	for i := len(s.archives) - 1; i >= 0; i-- {
		if s.archives[i].ChildID == childID {
			archives = append(archives, s.archives[i])
		}
	}
	return archives, nil
}

// consistency scans

func (s *memStore) ListOrphanChildren(ctx context.Context) ([]models.OrphanChild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orphans []models.OrphanChild
	for _, c := range s.children {
		if !c.IsActive || s.approvedCount(c.ID, "") > 0 {
			continue
		}
		orphan := models.OrphanChild{ChildID: c.ID, FirstName: c.FirstName, LastName: c.LastName, BirthDate: c.BirthDate}
		if list := s.byChild(c.ID); len(list) > 0 {
			latest := list[0]
			orphan.LatestEnrollmentID = &latest.ID
			orphan.LatestStatus = &latest.Status
			orphan.LatestParentID = &latest.ParentID
		}
		orphans = append(orphans, orphan)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ChildID < orphans[j].ChildID })
	return orphans, nil
}

func (s *memStore) ListDuplicateApproved(ctx context.Context) ([]models.DuplicateActiveLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grouped := map[string]*models.DuplicateActiveLink{}
	for _, e := range s.enrollments {
		if e.Status != models.EnrollmentStatusApproved {
			continue
		}
		link, ok := grouped[e.ChildID]
		if !ok {
			c := s.children[e.ChildID]
			link = &models.DuplicateActiveLink{ChildID: e.ChildID, FirstName: c.FirstName, LastName: c.LastName}
			grouped[e.ChildID] = link
		}
		link.ApprovedCount++
		link.EnrollmentIDs = append(link.EnrollmentIDs, e.ID)
		link.ParentIDs = append(link.ParentIDs, e.ParentID)
	}
	var duplicates []models.DuplicateActiveLink
	for _, link := range grouped {
		if link.ApprovedCount > 1 {
			sort.Strings(link.EnrollmentIDs)
			duplicates = append(duplicates, *link)
		}
	}
	return duplicates, nil
}

func (s *memStore) ListDanglingEnrollments(ctx context.Context) ([]models.DanglingLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var links []models.DanglingLink
	for _, e := range s.enrollments {
		link := models.DanglingLink{EnrollmentID: e.ID, ChildID: e.ChildID, ParentID: e.ParentID, Status: e.Status}
		user, hasUser := s.users[e.ParentID]
		switch {
		case s.children[e.ChildID].ID == "":
			link.Reason = models.DanglingReasonMissingChild
		case !hasUser:
			link.Reason = models.DanglingReasonMissingParent
		case user.Role != models.RoleParent:
			link.Reason = models.DanglingReasonNotParentRole
		default:
			continue
		}
		links = append(links, link)
	}
	return links, nil
}

func (s *memStore) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, log)
	return nil
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		actions = append(actions, a.Action)
	}
	return actions
}

// memCache is a map-backed CacheRepository.
type memCache struct {
	mu      sync.Mutex
	entries map[string]interface{}
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]interface{}{}}
}

func (c *memCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return errCacheMissForTest
	}
	report, ok := value.(*models.ConsistencyReport)
	target, ok2 := dest.(*models.ConsistencyReport)
	if !ok || !ok2 {
		return fmt.Errorf("unexpected cache types")
	}
	*target = *report
	return nil
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/model"
	"github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

// Wrap returns an UploadStore that records StoreLatency for every operation.
func Wrap(inner store.UploadStore) store.UploadStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.UploadStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) EnsureUser(ctx context.Context, userID string, name string) (*model.User, error) {
	defer observe("ensure_user", time.Now())
	return m.inner.EnsureUser(ctx, userID, name)
}

func (m *metricsStore) CreateProject(ctx context.Context, userID string, name string, permalink string) (*model.Project, error) {
	defer observe("create_project", time.Now())
	return m.inner.CreateProject(ctx, userID, name, permalink)
}

func (m *metricsStore) GetProject(ctx context.Context, userID string, permalink string) (*model.Project, error) {
	defer observe("get_project", time.Now())
	return m.inner.GetProject(ctx, userID, permalink)
}

func (m *metricsStore) ListProjects(ctx context.Context, userID string) ([]model.Project, error) {
	defer observe("list_projects", time.Now())
	return m.inner.ListProjects(ctx, userID)
}

func (m *metricsStore) AddMember(ctx context.Context, userID string, permalink string, memberUserID string, role model.Role) (*model.Membership, error) {
	defer observe("add_member", time.Now())
	return m.inner.AddMember(ctx, userID, permalink, memberUserID, role)
}

func (m *metricsStore) CreatePage(ctx context.Context, userID string, permalink string, title string) (*model.Page, error) {
	defer observe("create_page", time.Now())
	return m.inner.CreatePage(ctx, userID, permalink, title)
}

func (m *metricsStore) ListPageSlots(ctx context.Context, userID string, pageID uuid.UUID) ([]model.PageSlot, error) {
	defer observe("list_page_slots", time.Now())
	return m.inner.ListPageSlots(ctx, userID, pageID)
}

func (m *metricsStore) CreateConversation(ctx context.Context, userID string, permalink string, isPrivate bool) (*model.Conversation, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, userID, permalink, isPrivate)
}

func (m *metricsStore) AddWatcher(ctx context.Context, userID string, conversationID uuid.UUID, watcherUserID string) (*model.Watcher, error) {
	defer observe("add_watcher", time.Now())
	return m.inner.AddWatcher(ctx, userID, conversationID, watcherUserID)
}

func (m *metricsStore) ListUploads(ctx context.Context, userID string, query store.UploadQuery) (*store.PagedUploads, error) {
	defer observe("list_uploads", time.Now())
	return m.inner.ListUploads(ctx, userID, query)
}

func (m *metricsStore) CreateUpload(ctx context.Context, userID string, permalink string, req store.CreateUploadRequest) (*model.Upload, error) {
	defer observe("create_upload", time.Now())
	return m.inner.CreateUpload(ctx, userID, permalink, req)
}

func (m *metricsStore) GetUpload(ctx context.Context, userID string, permalink string, uploadID int64) (*model.Upload, error) {
	defer observe("get_upload", time.Now())
	return m.inner.GetUpload(ctx, userID, permalink, uploadID)
}

func (m *metricsStore) MoveUpload(ctx context.Context, userID string, permalink string, uploadID int64, pageID uuid.UUID, placement store.Placement) (*model.PageSlot, error) {
	defer observe("move_upload", time.Now())
	return m.inner.MoveUpload(ctx, userID, permalink, uploadID, pageID, placement)
}

func (m *metricsStore) DeleteUpload(ctx context.Context, userID string, permalink string, uploadID int64) (string, error) {
	defer observe("delete_upload", time.Now())
	return m.inner.DeleteUpload(ctx, userID, permalink, uploadID)
}

func (m *metricsStore) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	defer observe("get_users", time.Now())
	return m.inner.GetUsers(ctx, ids)
}

func (m *metricsStore) GetProjects(ctx context.Context, ids []uuid.UUID) ([]model.Project, error) {
	defer observe("get_projects", time.Now())
	return m.inner.GetProjects(ctx, ids)
}

func (m *metricsStore) GetPages(ctx context.Context, ids []uuid.UUID) ([]model.Page, error) {
	defer observe("get_pages", time.Now())
	return m.inner.GetPages(ctx, ids)
}

func (m *metricsStore) GetPagesForUploads(ctx context.Context, uploadIDs []int64) (map[int64][]uuid.UUID, error) {
	defer observe("get_pages_for_uploads", time.Now())
	return m.inner.GetPagesForUploads(ctx, uploadIDs)
}

func (m *metricsStore) ClaimDeletedAssets(ctx context.Context, limit int) ([]model.DeletedAsset, error) {
	defer observe("claim_deleted_assets", time.Now())
	return m.inner.ClaimDeletedAssets(ctx, limit)
}

func (m *metricsStore) PurgeDeletedAssets(ctx context.Context, ids []int64) error {
	defer observe("purge_deleted_assets", time.Now())
	return m.inner.PurgeDeletedAssets(ctx, ids)
}

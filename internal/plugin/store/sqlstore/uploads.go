package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/model"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
	"github.com/taskdeck/upload-service/internal/slots"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// candidateBatchSize is how many uploads are pulled per round while
// filling a page. Visibility filtering happens after the fetch, so
// each round may contribute fewer visible rows than it fetched.
const candidateBatchSize = 256

func (s *Store) ListUploads(ctx context.Context, userID string, query registrystore.UploadQuery) (*registrystore.PagedUploads, error) {
	count := s.clampCount(query.Count)

	scope, err := s.resolveScope(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return &registrystore.PagedUploads{Data: []model.Upload{}}, nil
	}

	if query.PageID != nil {
		return s.listPageUploads(ctx, userID, *query.PageID, query, count)
	}

	// Iteration order is upload ID ascending, which coincides with
	// creation order. The cursor is exclusive; an anchor that no longer
	// resolves inside the scope yields an empty page, matching the
	// page-scope cursor.
	sinceID := int64(0)
	if query.SinceID != nil {
		var anchored int64
		err := s.db.WithContext(ctx).
			Model(&model.Upload{}).
			Where("id = ?", *query.SinceID).
			Where("project_id IN ?", scope).
			Count(&anchored).Error
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
		if anchored == 0 {
			return &registrystore.PagedUploads{Data: []model.Upload{}}, nil
		}
		sinceID = *query.SinceID
	}

	visible := make([]model.Upload, 0, count+1)
	cursor := sinceID
	for len(visible) <= count {
		var batch []model.Upload
		q := s.db.WithContext(ctx).
			Where("project_id IN ?", scope).
			Where("id > ?", cursor).
			Order("id ASC").
			Limit(candidateBatchSize)
		if query.UserID != nil {
			q = q.Where("user_id = ?", *query.UserID)
		}
		if err := q.Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("failed to list uploads: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		kept, err := s.visibleUploads(ctx, userID, batch)
		if err != nil {
			return nil, err
		}
		visible = append(visible, kept...)
		if len(batch) < candidateBatchSize {
			break
		}
	}

	hasMore := len(visible) > count
	if hasMore {
		visible = visible[:count]
	}
	return &registrystore.PagedUploads{Data: visible, HasMore: hasMore}, nil
}

// resolveScope returns the project IDs the listing may draw from. A
// project-scoped query requires membership; the global scope is every
// project the caller belongs to.
func (s *Store) resolveScope(ctx context.Context, userID string, query registrystore.UploadQuery) ([]uuid.UUID, error) {
	if query.ProjectID != nil {
		if _, err := s.requireAccess(ctx, userID, *query.ProjectID, model.RoleObserver); err != nil {
			return nil, err
		}
		return []uuid.UUID{*query.ProjectID}, nil
	}
	return s.memberProjectIDs(ctx, userID)
}

// listPageUploads lists uploads in slot order for one page. The cursor
// anchors on the slot holding the since upload; an unknown anchor
// yields an empty page rather than restarting from the head.
func (s *Store) listPageUploads(ctx context.Context, userID string, pageID uuid.UUID, query registrystore.UploadQuery, count int) (*registrystore.PagedUploads, error) {
	page, err := s.pageByID(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if query.ProjectID != nil && *query.ProjectID != page.ProjectID {
		return nil, &registrystore.ValidationError{Field: "pageId", Message: "page does not belong to the project"}
	}
	if _, err := s.requireAccess(ctx, userID, page.ProjectID, model.RoleObserver); err != nil {
		return nil, err
	}

	var pageSlots []model.PageSlot
	if err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order("position ASC").
		Find(&pageSlots).Error; err != nil {
		return nil, fmt.Errorf("failed to list page slots: %w", err)
	}

	start := 0
	if query.SinceID != nil {
		start = -1
		for i, slot := range pageSlots {
			if slot.UploadID == *query.SinceID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return &registrystore.PagedUploads{Data: []model.Upload{}}, nil
		}
	}
	pageSlots = pageSlots[start:]

	uploadIDs := make([]int64, len(pageSlots))
	for i, slot := range pageSlots {
		uploadIDs[i] = slot.UploadID
	}
	uploads, err := s.uploadsByIDs(ctx, uploadIDs)
	if err != nil {
		return nil, err
	}

	ordered := make([]model.Upload, 0, len(pageSlots))
	for _, slot := range pageSlots {
		if u, ok := uploads[slot.UploadID]; ok {
			if query.UserID != nil && u.UserID != *query.UserID {
				continue
			}
			ordered = append(ordered, u)
		}
	}

	visible, err := s.visibleUploads(ctx, userID, ordered)
	if err != nil {
		return nil, err
	}
	hasMore := len(visible) > count
	if hasMore {
		visible = visible[:count]
	}
	return &registrystore.PagedUploads{Data: visible, HasMore: hasMore}, nil
}

func (s *Store) uploadsByIDs(ctx context.Context, ids []int64) (map[int64]model.Upload, error) {
	result := map[int64]model.Upload{}
	if len(ids) == 0 {
		return result, nil
	}
	var uploads []model.Upload
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&uploads).Error; err != nil {
		return nil, fmt.Errorf("failed to get uploads: %w", err)
	}
	for _, u := range uploads {
		result[u.ID] = u
	}
	return result, nil
}

func (s *Store) clampCount(count int) int {
	if count <= 0 {
		count = s.cfg.ListDefaultCount
	}
	if count > s.cfg.ListMaxCount {
		count = s.cfg.ListMaxCount
	}
	return count
}

// --- Create / Get / Move / Delete ---

func (s *Store) CreateUpload(ctx context.Context, userID string, permalink string, req registrystore.CreateUploadRequest) (*model.Upload, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, &registrystore.ValidationError{Field: "filename", Message: "must not be empty"}
	}
	if req.Size < 0 {
		return nil, &registrystore.ValidationError{Field: "size", Message: "must not be negative"}
	}

	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleParticipant); err != nil {
		return nil, err
	}
	if _, err := s.EnsureUser(ctx, userID, userID); err != nil {
		return nil, err
	}

	isPrivate := req.IsPrivate
	if req.ConversationID != nil {
		var conv model.Conversation
		result := s.db.WithContext(ctx).Where("id = ?", *req.ConversationID).Limit(1).Find(&conv)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to get conversation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversation does not exist"}
		}
		if conv.ProjectID != project.ID {
			return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversation does not belong to the project"}
		}
		// Privacy follows the conversation.
		isPrivate = conv.IsPrivate
	} else if req.IsPrivate {
		return nil, &registrystore.ValidationError{Field: "isPrivate", Message: "private uploads require a conversation"}
	}

	var page *model.Page
	if req.PageID != nil {
		if page, err = s.pageByID(ctx, *req.PageID); err != nil {
			return nil, err
		}
		if page.ProjectID != project.ID {
			return nil, &registrystore.ValidationError{Field: "pageId", Message: "page does not belong to the project"}
		}
	}

	upload := model.Upload{
		ProjectID:      project.ID,
		UserID:         userID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		Size:           req.Size,
		StorageKey:     req.StorageKey,
		IsPrivate:      isPrivate,
		ConversationID: req.ConversationID,
		CreatedAt:      time.Now(),
	}
	createTx := func(tx *gorm.DB) error {
		if err := tx.Create(&upload).Error; err != nil {
			return err
		}
		if req.PageID != nil {
			placement := registrystore.Placement{Mode: registrystore.PlacementTail}
			if req.Placement != nil {
				placement = *req.Placement
			}
			_, err := s.placeOnPage(ctx, tx, *req.PageID, upload.ID, placement)
			return err
		}
		return nil
	}
	if req.PageID != nil {
		err = s.placementTx(ctx, createTx)
	} else {
		err = s.db.WithContext(ctx).Transaction(createTx)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "upload is already on the page", Code: "already_placed"}
		}
		return nil, err
	}
	if security.UploadsCreatedTotal != nil {
		security.UploadsCreatedTotal.Inc()
	}
	return &upload, nil
}

func (s *Store) GetUpload(ctx context.Context, userID string, permalink string, uploadID int64) (*model.Upload, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleObserver); err != nil {
		return nil, err
	}

	var upload model.Upload
	result := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", uploadID, project.ID).
		Limit(1).
		Find(&upload)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get upload: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "upload", ID: fmt.Sprintf("%d", uploadID)}
	}

	visible, err := s.visibleUploads(ctx, userID, []model.Upload{upload})
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, &registrystore.UnauthorizedError{}
	}
	return &upload, nil
}

func (s *Store) MoveUpload(ctx context.Context, userID string, permalink string, uploadID int64, pageID uuid.UUID, placement registrystore.Placement) (*model.PageSlot, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleParticipant); err != nil {
		return nil, err
	}
	page, err := s.pageByID(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.ProjectID != project.ID {
		return nil, &registrystore.ValidationError{Field: "pageId", Message: "page does not belong to the project"}
	}

	var upload model.Upload
	result := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", uploadID, project.ID).
		Limit(1).
		Find(&upload)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get upload: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "upload", ID: fmt.Sprintf("%d", uploadID)}
	}

	var placed *model.PageSlot
	err = s.placementTx(ctx, func(tx *gorm.DB) error {
		// Remove any current slot for this upload on the page, then
		// place fresh. Both happen inside one serialized placement
		// transaction.
		if err := tx.
			Where("page_id = ? AND upload_id = ?", pageID, uploadID).
			Delete(&model.PageSlot{}).Error; err != nil {
			return err
		}
		slot, err := s.placeOnPage(ctx, tx, pageID, uploadID, placement)
		if err != nil {
			return err
		}
		placed = slot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (s *Store) DeleteUpload(ctx context.Context, userID string, permalink string, uploadID int64) (string, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return "", err
	}
	role, err := s.requireAccess(ctx, userID, project.ID, model.RoleObserver)
	if err != nil {
		return "", err
	}

	var upload model.Upload
	result := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", uploadID, project.ID).
		Limit(1).
		Find(&upload)
	if result.Error != nil {
		return "", fmt.Errorf("failed to get upload: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", &registrystore.NotFoundError{Resource: "upload", ID: fmt.Sprintf("%d", uploadID)}
	}

	// Uploaders may remove their own uploads; managers may remove any.
	if upload.UserID != userID && !role.CanManage() {
		return "", &registrystore.UnauthorizedError{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&model.PageSlot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", uploadID).Delete(&model.Upload{}).Error; err != nil {
			return err
		}
		if upload.StorageKey == "" {
			return nil
		}
		tombstone := model.DeletedAsset{StorageKey: upload.StorageKey, CreatedAt: time.Now()}
		return tx.Create(&tombstone).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to delete upload: %w", err)
	}
	if security.UploadsDeletedTotal != nil {
		security.UploadsDeletedTotal.Inc()
	}
	return upload.StorageKey, nil
}

// --- Slot placement ---

// placementTx runs a placement transaction. On postgres the FOR UPDATE
// page lock in placeOnPage serializes concurrent placements; sqlite
// transactions begin deferred, so two placements could plan from the
// same slot snapshot and then fail at lock upgrade. The mutex
// serializes them before the transaction starts.
func (s *Store) placementTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.dialect != "postgres" {
		s.placeMu.Lock()
		defer s.placeMu.Unlock()
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// placeOnPage creates a slot for the upload at the addressed position.
// It must run inside a transaction started by placementTx. On postgres
// the page row is locked FOR UPDATE so concurrent placements on one
// page serialize.
func (s *Store) placeOnPage(ctx context.Context, tx *gorm.DB, pageID uuid.UUID, uploadID int64, placement registrystore.Placement) (*model.PageSlot, error) {
	if s.dialect == "postgres" {
		var page model.Page
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", pageID).
			Take(&page).Error; err != nil {
			return nil, fmt.Errorf("failed to lock page: %w", err)
		}
	}

	var pageSlots []model.PageSlot
	if err := tx.
		Where("page_id = ?", pageID).
		Order("position ASC").
		Find(&pageSlots).Error; err != nil {
		return nil, fmt.Errorf("failed to list page slots: %w", err)
	}

	index, err := placementIndex(pageSlots, placement)
	if err != nil {
		return nil, err
	}

	keys := make([]int64, len(pageSlots))
	for i, slot := range pageSlots {
		keys[i] = slot.Position
	}
	plan, err := slots.Place(keys, index)
	if err != nil {
		return nil, fmt.Errorf("failed to plan placement: %w", err)
	}

	if len(plan.Renumber) > 0 {
		if security.SlotRenumbersTotal != nil {
			security.SlotRenumbersTotal.Inc()
		}
		// Apply in descending key order so intermediate states stay
		// collision-free.
		idxs := make([]int, 0, len(plan.Renumber))
		for i := range plan.Renumber {
			idxs = append(idxs, i)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(idxs)))
		for _, i := range idxs {
			if err := tx.Model(&model.PageSlot{}).
				Where("id = ?", pageSlots[i].ID).
				Update("position", plan.Renumber[i]).Error; err != nil {
				return nil, fmt.Errorf("failed to renumber slot: %w", err)
			}
		}
	}

	slot := model.PageSlot{
		PageID:    pageID,
		UploadID:  uploadID,
		Position:  plan.Key,
		CreatedAt: time.Now(),
	}
	if err := tx.Create(&slot).Error; err != nil {
		return nil, err
	}
	return &slot, nil
}

// placementIndex resolves a placement to an insertion index into the
// ordered slot list.
func placementIndex(pageSlots []model.PageSlot, placement registrystore.Placement) (int, error) {
	switch placement.Mode {
	case registrystore.PlacementHead:
		return 0, nil
	case registrystore.PlacementTail:
		return len(pageSlots), nil
	case registrystore.PlacementRelative:
		for i, slot := range pageSlots {
			if slot.ID == placement.SlotID {
				if placement.Before {
					return i, nil
				}
				return i + 1, nil
			}
		}
		return 0, &registrystore.NotFoundError{Resource: "slot", ID: fmt.Sprintf("%d", placement.SlotID)}
	default:
		return 0, &registrystore.ValidationError{Field: "position", Message: "unknown placement mode"}
	}
}

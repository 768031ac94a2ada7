package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/model"
)

// UploadQuery holds the parameters of an upload listing. ProjectID nil
// means "every project the caller belongs to". SinceID is exclusive:
// the page starts strictly after that upload in iteration order.
type UploadQuery struct {
	ProjectID *uuid.UUID
	PageID    *uuid.UUID
	UserID    *string
	SinceID   *int64
	Count     int
}

// PagedUploads is one page of an upload listing. HasMore reports
// whether another page exists after the last returned upload.
type PagedUploads struct {
	Data    []model.Upload `json:"data"`
	HasMore bool           `json:"hasMore"`
}

// Placement addresses a slot on a page when creating or moving an
// upload. The zero value is invalid; use Head, Tail, or Relative.
type Placement struct {
	Mode   PlacementMode
	SlotID int64 // relative placements only
	Before bool
}

// PlacementMode selects how a placement is resolved.
type PlacementMode string

const (
	PlacementHead     PlacementMode = "head"
	PlacementTail     PlacementMode = "tail"
	PlacementRelative PlacementMode = "relative"
)

// CreateUploadRequest is the input for creating an upload.
type CreateUploadRequest struct {
	Filename       string
	ContentType    string
	Size           int64
	StorageKey     string
	IsPrivate      bool
	ConversationID *uuid.UUID
	PageID         *uuid.UUID
	Placement      *Placement
}

// UploadStore defines the primary data access interface for the upload
// service.
type UploadStore interface {
	// Users
	EnsureUser(ctx context.Context, userID string, name string) (*model.User, error)

	// Projects
	CreateProject(ctx context.Context, userID string, name string, permalink string) (*model.Project, error)
	GetProject(ctx context.Context, userID string, permalink string) (*model.Project, error)
	ListProjects(ctx context.Context, userID string) ([]model.Project, error)
	AddMember(ctx context.Context, userID string, permalink string, memberUserID string, role model.Role) (*model.Membership, error)

	// Pages
	CreatePage(ctx context.Context, userID string, permalink string, title string) (*model.Page, error)
	ListPageSlots(ctx context.Context, userID string, pageID uuid.UUID) ([]model.PageSlot, error)

	// Conversations
	CreateConversation(ctx context.Context, userID string, permalink string, isPrivate bool) (*model.Conversation, error)
	AddWatcher(ctx context.Context, userID string, conversationID uuid.UUID, watcherUserID string) (*model.Watcher, error)

	// Uploads
	ListUploads(ctx context.Context, userID string, query UploadQuery) (*PagedUploads, error)
	CreateUpload(ctx context.Context, userID string, permalink string, req CreateUploadRequest) (*model.Upload, error)
	GetUpload(ctx context.Context, userID string, permalink string, uploadID int64) (*model.Upload, error)
	MoveUpload(ctx context.Context, userID string, permalink string, uploadID int64, pageID uuid.UUID, placement Placement) (*model.PageSlot, error)
	// DeleteUpload removes the upload and its slots and returns the
	// storage key so the caller can release the backing object.
	DeleteUpload(ctx context.Context, userID string, permalink string, uploadID int64) (string, error)

	// References
	GetUsers(ctx context.Context, ids []string) ([]model.User, error)
	GetProjects(ctx context.Context, ids []uuid.UUID) ([]model.Project, error)
	GetPages(ctx context.Context, ids []uuid.UUID) ([]model.Page, error)
	GetPagesForUploads(ctx context.Context, uploadIDs []int64) (map[int64][]uuid.UUID, error)

	// Asset tombstones
	ClaimDeletedAssets(ctx context.Context, limit int) ([]model.DeletedAsset, error)
	PurgeDeletedAssets(ctx context.Context, ids []int64) error
}

// Loader creates an UploadStore from config.
type Loader func(ctx context.Context) (UploadStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}

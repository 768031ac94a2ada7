package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a user's role within a project.
type Role string

const (
	RoleObserver    Role = "observer"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
	RoleOwner       Role = "owner"
)

// CanModify returns true if the role may create or destroy project content.
// Observers are read-only.
func (r Role) CanModify() bool {
	return roleRank(r) >= roleRank(RoleParticipant)
}

// CanManage returns true if the role may manage project membership and pages.
func (r Role) CanManage() bool {
	return roleRank(r) >= roleRank(RoleAdmin)
}

func roleRank(r Role) int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleParticipant:
		return 2
	case RoleObserver:
		return 1
	default:
		return 0
	}
}

// User is the minimal identity record the service keeps. The ID is the
// login resolved by the auth layer; rows are created lazily the first
// time a login touches the service.
type User struct {
	ID        string    `json:"id"        gorm:"primaryKey"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Project is a collaborative workspace holding uploads, pages, and
// conversations.
type Project struct {
	ID          uuid.UUID `json:"id"          gorm:"primaryKey;type:uuid"`
	Name        string    `json:"name"        gorm:"not null"`
	Permalink   string    `json:"permalink"   gorm:"not null;uniqueIndex"`
	OwnerUserID string    `json:"ownerUserId" gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt"   gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// Membership tracks per-user access to a project.
type Membership struct {
	ProjectID uuid.UUID `json:"-"         gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"userId"    gorm:"primaryKey"`
	Role      Role      `json:"role"      gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Membership) TableName() string { return "memberships" }

// Page is an ordered layout within a project; uploads are placed on it
// through slots.
type Page struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	ProjectID uuid.UUID `json:"projectId" gorm:"not null;type:uuid;index"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Page) TableName() string { return "pages" }

// PageSlot is one ordered position on a page holding exactly one upload.
// Position keys are gap-spaced integers; iteration order is position
// ascending. An upload has at most one slot per page.
type PageSlot struct {
	ID        int64     `json:"id"        gorm:"primaryKey;autoIncrement"`
	PageID    uuid.UUID `json:"pageId"    gorm:"not null;type:uuid;uniqueIndex:idx_page_upload;index:idx_page_position"`
	UploadID  int64     `json:"uploadId"  gorm:"not null;uniqueIndex:idx_page_upload"`
	Position  int64     `json:"position"  gorm:"not null;index:idx_page_position"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (PageSlot) TableName() string { return "page_slots" }

// Conversation exists here so the privacy rule can resolve owners and
// watchers; the service does not otherwise manage conversation content.
type Conversation struct {
	ID          uuid.UUID `json:"id"          gorm:"primaryKey;type:uuid"`
	ProjectID   uuid.UUID `json:"projectId"   gorm:"not null;type:uuid;index"`
	OwnerUserID string    `json:"ownerUserId" gorm:"not null"`
	IsPrivate   bool      `json:"isPrivate"   gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"createdAt"   gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Watcher grants a user read access to a private conversation without
// being its owner.
type Watcher struct {
	ConversationID uuid.UUID `json:"-"         gorm:"primaryKey;type:uuid"`
	UserID         string    `json:"userId"    gorm:"primaryKey"`
	CreatedAt      time.Time `json:"createdAt" gorm:"not null"`
}

func (Watcher) TableName() string { return "watchers" }

// Upload is an asset record attached to a project and optionally placed
// on a page. IDs are assigned monotonically at creation, so ascending ID
// order coincides with insertion order within a project.
type Upload struct {
	ID             int64      `json:"id"                       gorm:"primaryKey;autoIncrement"`
	ProjectID      uuid.UUID  `json:"projectId"                gorm:"not null;type:uuid;index"`
	UserID         string     `json:"userId"                   gorm:"not null;index"`
	Filename       string     `json:"filename"                 gorm:"not null"`
	ContentType    string     `json:"contentType"              gorm:"not null"`
	Size           int64      `json:"size"`
	StorageKey     string     `json:"-"`
	IsPrivate      bool       `json:"isPrivate"                gorm:"not null;default:false"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty" gorm:"type:uuid"`
	CreatedAt      time.Time  `json:"createdAt"                gorm:"not null"`
}

func (Upload) TableName() string { return "uploads" }

// DeletedAsset is a tombstone written in the same transaction that
// removes an upload row. The asset reaper claims tombstones and removes
// the backing object, so a crash between commit and object deletion
// never leaks storage.
type DeletedAsset struct {
	ID         int64     `json:"id"         gorm:"primaryKey;autoIncrement"`
	StorageKey string    `json:"storageKey" gorm:"not null"`
	ClaimedAt  *time.Time `json:"-"`
	CreatedAt  time.Time  `json:"createdAt" gorm:"not null"`
}

func (DeletedAsset) TableName() string { return "deleted_assets" }

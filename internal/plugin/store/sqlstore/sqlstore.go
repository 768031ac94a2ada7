// Package sqlstore implements the upload store on GORM. It registers
// two plugins sharing one implementation: "postgres" for production
// and "sqlite" for small deployments and tests.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/taskdeck/upload-service/internal/config"
	"github.com/taskdeck/upload-service/internal/model"
	registrycache "github.com/taskdeck/upload-service/internal/registry/cache"
	registrymigrate "github.com/taskdeck/upload-service/internal/registry/migrate"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ForceImport allows test packages to force plugin registration.
var ForceImport struct{}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "postgres",
		Loader: loaderFor("postgres"),
	})
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite",
		Loader: loaderFor("sqlite"),
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{TranslateError: true}
	switch cfg.DatastoreType {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DBURL), gormCfg)
	default:
		return gorm.Open(postgres.Open(cfg.DBURL), gormCfg)
	}
}

func loaderFor(name string) registrystore.Loader {
	return func(ctx context.Context) (registrystore.UploadStore, error) {
		cfg := config.FromContext(ctx)
		db, err := openDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", name, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying db: %w", err)
		}
		maxOpen := cfg.DBMaxOpenConns
		if name == "sqlite" {
			// A single connection keeps sqlite writers from ever
			// colliding at lock upgrade.
			maxOpen = 1
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		if security.DBPoolMaxConnections != nil {
			security.DBPoolMaxConnections.Set(float64(maxOpen))
		}

		// Periodically update the open connections gauge.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if security.DBPoolOpenConnections != nil {
						security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
					}
				}
			}
		}()

		return &Store{
			db:          db,
			cfg:         cfg,
			accessCache: registrycache.AccessCacheFromContext(ctx),
			dialect:     name,
		}, nil
	}
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "sql-schema" }
func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" && cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.User{},
		&model.Project{},
		&model.Membership{},
		&model.Page{},
		&model.PageSlot{},
		&model.Conversation{},
		&model.Watcher{},
		&model.Upload{},
		&model.DeletedAsset{},
	); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Schema migration complete")
	return nil
}

// Store implements UploadStore using GORM.
type Store struct {
	db          *gorm.DB
	cfg         *config.Config
	accessCache registrycache.AccessCache
	dialect     string

	// placeMu serializes slot placements on non-postgres dialects,
	// where placeOnPage has no page row lock to lean on.
	placeMu sync.Mutex
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *Store) EnsureUser(ctx context.Context, userID string, name string) (*model.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &registrystore.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	user := model.User{ID: userID, Name: name, CreatedAt: time.Now()}
	err := s.db.WithContext(ctx).
		Where(model.User{ID: userID}).
		Attrs(user).
		FirstOrCreate(&user).Error
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent first contact; the row exists now.
			if err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err == nil {
				return &user, nil
			}
		}
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return &user, nil
}

func (s *Store) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

// --- Projects ---

func permalinkAllowed(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-'
}

func validatePermalink(permalink string) error {
	if permalink == "" {
		return &registrystore.ValidationError{Field: "permalink", Message: "must not be empty"}
	}
	for _, r := range permalink {
		if !permalinkAllowed(r) {
			return &registrystore.ValidationError{Field: "permalink", Message: "must contain only lowercase letters, digits, and dashes"}
		}
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, userID string, name string, permalink string) (*model.Project, error) {
	if err := validatePermalink(permalink); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, &registrystore.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if _, err := s.EnsureUser(ctx, userID, userID); err != nil {
		return nil, err
	}

	now := time.Now()
	project := model.Project{
		ID:          uuid.New(),
		Name:        name,
		Permalink:   permalink,
		OwnerUserID: userID,
		CreatedAt:   now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		membership := model.Membership{
			ProjectID: project.ID,
			UserID:    userID,
			Role:      model.RoleOwner,
			CreatedAt: now,
		}
		return tx.Create(&membership).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: fmt.Sprintf("permalink %q already taken", permalink), Code: "permalink_taken"}
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.invalidateAccess(ctx, userID)
	return &project, nil
}

func (s *Store) GetProject(ctx context.Context, userID string, permalink string) (*model.Project, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleObserver); err != nil {
		return nil, err
	}
	return project, nil
}

func (s *Store) ListProjects(ctx context.Context, userID string) ([]model.Project, error) {
	var projects []model.Project
	err := s.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.project_id = projects.id").
		Where("memberships.user_id = ?", userID).
		Order("projects.created_at ASC").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

func (s *Store) GetProjects(ctx context.Context, ids []uuid.UUID) ([]model.Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var projects []model.Project
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to get projects: %w", err)
	}
	return projects, nil
}

func (s *Store) AddMember(ctx context.Context, userID string, permalink string, memberUserID string, role model.Role) (*model.Membership, error) {
	switch role {
	case model.RoleObserver, model.RoleParticipant, model.RoleAdmin:
	case model.RoleOwner:
		// Ownership is set at project creation and not granted here.
		return nil, &registrystore.ValidationError{Field: "role", Message: "owner role cannot be granted"}
	default:
		return nil, &registrystore.ValidationError{Field: "role", Message: "unknown role"}
	}

	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.EnsureUser(ctx, memberUserID, memberUserID); err != nil {
		return nil, err
	}

	membership := model.Membership{
		ProjectID: project.ID,
		UserID:    memberUserID,
		Role:      role,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "user is already a member", Code: "already_member"}
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	s.invalidateAccess(ctx, memberUserID)
	return &membership, nil
}

// --- Pages ---

func (s *Store) CreatePage(ctx context.Context, userID string, permalink string, title string) (*model.Page, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleParticipant); err != nil {
		return nil, err
	}
	page := model.Page{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &page, nil
}

func (s *Store) ListPageSlots(ctx context.Context, userID string, pageID uuid.UUID) ([]model.PageSlot, error) {
	page, err := s.pageByID(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, page.ProjectID, model.RoleObserver); err != nil {
		return nil, err
	}
	var pageSlots []model.PageSlot
	err = s.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order("position ASC").
		Find(&pageSlots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list page slots: %w", err)
	}
	return pageSlots, nil
}

func (s *Store) GetPages(ctx context.Context, ids []uuid.UUID) ([]model.Page, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var pages []model.Page
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&pages).Error; err != nil {
		return nil, fmt.Errorf("failed to get pages: %w", err)
	}
	return pages, nil
}

func (s *Store) GetPagesForUploads(ctx context.Context, uploadIDs []int64) (map[int64][]uuid.UUID, error) {
	result := map[int64][]uuid.UUID{}
	if len(uploadIDs) == 0 {
		return result, nil
	}
	var pageSlots []model.PageSlot
	err := s.db.WithContext(ctx).
		Where("upload_id IN ?", uploadIDs).
		Order("upload_id ASC, position ASC").
		Find(&pageSlots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pages for uploads: %w", err)
	}
	for _, slot := range pageSlots {
		result[slot.UploadID] = append(result[slot.UploadID], slot.PageID)
	}
	return result, nil
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, userID string, permalink string, isPrivate bool) (*model.Conversation, error) {
	project, err := s.projectByPermalink(ctx, permalink)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, userID, project.ID, model.RoleParticipant); err != nil {
		return nil, err
	}
	conv := model.Conversation{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		OwnerUserID: userID,
		IsPrivate:   isPrivate,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) AddWatcher(ctx context.Context, userID string, conversationID uuid.UUID, watcherUserID string) (*model.Watcher, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	role, err := s.requireAccess(ctx, userID, conv.ProjectID, model.RoleObserver)
	if err != nil {
		return nil, err
	}
	// Only the conversation owner or a project manager may add watchers.
	if conv.OwnerUserID != userID && !role.CanManage() {
		return nil, &registrystore.UnauthorizedError{}
	}
	// Watchers must belong to the project.
	if _, err := s.requireAccess(ctx, watcherUserID, conv.ProjectID, model.RoleObserver); err != nil {
		return nil, err
	}

	watcher := model.Watcher{
		ConversationID: conversationID,
		UserID:         watcherUserID,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&watcher).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "user is already a watcher", Code: "already_watcher"}
		}
		return nil, fmt.Errorf("failed to add watcher: %w", err)
	}
	return &watcher, nil
}

// --- Asset tombstones ---

// ClaimDeletedAssets returns up to limit tombstones that are unclaimed
// or whose claim is stale. Claims expire after ten minutes so a crashed
// reaper does not strand tombstones.
func (s *Store) ClaimDeletedAssets(ctx context.Context, limit int) ([]model.DeletedAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	var tombstones []model.DeletedAsset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("claimed_at IS NULL OR claimed_at < ?", cutoff).
			Order("id ASC").
			Limit(limit).
			Find(&tombstones).Error; err != nil {
			return err
		}
		if len(tombstones) == 0 {
			return nil
		}
		ids := make([]int64, len(tombstones))
		for i, t := range tombstones {
			ids[i] = t.ID
		}
		return tx.Model(&model.DeletedAsset{}).
			Where("id IN ?", ids).
			Update("claimed_at", time.Now()).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim deleted assets: %w", err)
	}
	return tombstones, nil
}

func (s *Store) PurgeDeletedAssets(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.DeletedAsset{}).Error; err != nil {
		return fmt.Errorf("failed to purge deleted assets: %w", err)
	}
	return nil
}

// --- Helpers ---

func (s *Store) projectByPermalink(ctx context.Context, permalink string) (*model.Project, error) {
	var project model.Project
	result := s.db.WithContext(ctx).Where("permalink = ?", permalink).Limit(1).Find(&project)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "project", ID: permalink}
	}
	return &project, nil
}

func (s *Store) pageByID(ctx context.Context, pageID uuid.UUID) (*model.Page, error) {
	var page model.Page
	result := s.db.WithContext(ctx).Where("id = ?", pageID).Limit(1).Find(&page)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get page: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "page", ID: pageID.String()}
	}
	return &page, nil
}

func (s *Store) requireAccess(ctx context.Context, userID string, projectID uuid.UUID, minRole model.Role) (model.Role, error) {
	var m model.Membership
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return "", fmt.Errorf("failed to check access: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", &registrystore.UnauthorizedError{}
	}
	switch minRole {
	case model.RoleObserver:
		// any membership suffices
	case model.RoleParticipant:
		if !m.Role.CanModify() {
			return "", &registrystore.UnauthorizedError{}
		}
	default:
		if !m.Role.CanManage() {
			return "", &registrystore.UnauthorizedError{}
		}
	}
	return m.Role, nil
}

// memberProjectIDs returns the set of projects the user belongs to,
// using the access cache as a read-through layer when available.
func (s *Store) memberProjectIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	if s.accessCache != nil && s.accessCache.Available() {
		ids, hit, err := s.accessCache.GetProjects(ctx, userID)
		if err != nil {
			log.Warn("access cache get error", "err", err)
		} else if hit {
			if security.CacheHitsTotal != nil {
				security.CacheHitsTotal.Inc()
			}
			return ids, nil
		}
	}

	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.Membership{}).
		Where("user_id = ?", userID).
		Order("project_id ASC").
		Pluck("project_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list member projects: %w", err)
	}

	if s.accessCache != nil && s.accessCache.Available() {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		if err := s.accessCache.SetProjects(ctx, userID, ids, s.cfg.AccessCacheTTL); err != nil {
			log.Warn("access cache set error", "err", err)
		}
	}
	return ids, nil
}

func (s *Store) invalidateAccess(ctx context.Context, userID string) {
	if s.accessCache == nil || !s.accessCache.Available() {
		return
	}
	if err := s.accessCache.Invalidate(ctx, userID); err != nil {
		log.Warn("access cache invalidate error", "err", err)
	}
}

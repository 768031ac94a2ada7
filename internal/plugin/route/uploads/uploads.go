package uploads

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/config"
	"github.com/taskdeck/upload-service/internal/envelope"
	"github.com/taskdeck/upload-service/internal/model"
	registryassets "github.com/taskdeck/upload-service/internal/registry/assets"
	registryroute "github.com/taskdeck/upload-service/internal/registry/route"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts upload routes.
func MountRoutes(r *gin.Engine, store registrystore.UploadStore, assetStore registryassets.AssetStore, cfg *config.Config, auth gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.GET("/uploads", auth, func(c *gin.Context) {
		listUploads(c, store, nil)
	})
	v1.GET("/projects/:permalink/uploads", auth, func(c *gin.Context) {
		permalink := c.Param("permalink")
		listUploads(c, store, &permalink)
	})
	v1.POST("/projects/:permalink/uploads", auth, func(c *gin.Context) {
		createUpload(c, store, assetStore, cfg)
	})
	v1.GET("/projects/:permalink/uploads/:uploadId", auth, func(c *gin.Context) {
		getUpload(c, store)
	})
	v1.GET("/projects/:permalink/uploads/:uploadId/download", auth, func(c *gin.Context) {
		downloadUpload(c, store, assetStore, cfg)
	})
	v1.PUT("/projects/:permalink/uploads/:uploadId/position", auth, func(c *gin.Context) {
		moveUpload(c, store)
	})
	v1.DELETE("/projects/:permalink/uploads/:uploadId", auth, func(c *gin.Context) {
		deleteUpload(c, store, assetStore)
	})
}

func listUploads(c *gin.Context, store registrystore.UploadStore, permalink *string) {
	userID := security.GetUserID(c)

	query := registrystore.UploadQuery{}
	if permalink != nil {
		project, err := store.GetProject(c.Request.Context(), userID, *permalink)
		if err != nil {
			handleError(c, err)
			return
		}
		query.ProjectID = &project.ID
	}

	if raw := strings.TrimSpace(c.Query("sinceId")); raw != "" {
		sinceID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sinceId"})
			return
		}
		query.SinceID = &sinceID
	}
	if raw := strings.TrimSpace(c.Query("count")); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
			return
		}
		query.Count = count
	}
	if raw := strings.TrimSpace(c.Query("userId")); raw != "" {
		query.UserID = &raw
	}
	if raw := strings.TrimSpace(c.Query("pageId")); raw != "" {
		pageID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pageId"})
			return
		}
		query.PageID = &pageID
	}

	page, err := store.ListUploads(c.Request.Context(), userID, query)
	if err != nil {
		handleError(c, err)
		return
	}

	refs, err := collectReferences(c, store, page.Data)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, envelope.UploadList{
		Objects:    page.Data,
		References: refs,
		HasMore:    page.HasMore,
	})
}

func createUpload(c *gin.Context, store registrystore.UploadStore, assetStore registryassets.AssetStore, cfg *config.Config) {
	userID := security.GetUserID(c)
	permalink := c.Param("permalink")

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := registrystore.CreateUploadRequest{
		Filename:    header.Filename,
		ContentType: contentType,
	}

	if raw := strings.TrimSpace(c.PostForm("conversationId")); raw != "" {
		convID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
			return
		}
		req.ConversationID = &convID
	}
	if raw := strings.TrimSpace(c.PostForm("pageId")); raw != "" {
		pageID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pageId"})
			return
		}
		req.PageID = &pageID
	}
	placement, err := parsePlacement(c.PostForm("slot"), c.PostForm("before"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Placement = placement
	if placement != nil && req.PageID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slot requires a pageId"})
		return
	}

	result, err := assetStore.Store(c.Request.Context(), file, cfg.UploadMaxSize, contentType)
	if err != nil {
		handleError(c, err)
		return
	}
	req.Size = result.Size
	req.StorageKey = result.StorageKey

	upload, err := store.CreateUpload(c.Request.Context(), userID, permalink, req)
	if err != nil {
		// The row never existed, so release the orphaned object now.
		_ = assetStore.Delete(c.Request.Context(), result.StorageKey)
		handleError(c, err)
		return
	}

	detail, err := uploadDetail(c, store, *upload)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusCreated, detail)
}

func getUpload(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)
	permalink := c.Param("permalink")
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}

	upload, err := store.GetUpload(c.Request.Context(), userID, permalink, uploadID)
	if err != nil {
		handleError(c, err)
		return
	}
	detail, err := uploadDetail(c, store, *upload)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

func downloadUpload(c *gin.Context, store registrystore.UploadStore, assetStore registryassets.AssetStore, cfg *config.Config) {
	userID := security.GetUserID(c)
	permalink := c.Param("permalink")
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}

	upload, err := store.GetUpload(c.Request.Context(), userID, permalink, uploadID)
	if err != nil {
		handleError(c, err)
		return
	}
	if upload.StorageKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload content not available"})
		return
	}

	if cfg.S3DirectDownload {
		if signed, err := assetStore.GetSignedURL(c.Request.Context(), upload.StorageKey, cfg.UploadDownloadURLExpiresIn); err == nil {
			c.Redirect(http.StatusFound, signed.String())
			return
		}
	}

	reader, err := assetStore.Retrieve(c.Request.Context(), upload.StorageKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve upload"})
		return
	}
	defer reader.Close()

	c.Header("Cache-Control", "private, max-age=300, immutable")
	c.Header("Content-Type", upload.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", upload.Filename))
	if upload.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(upload.Size, 10))
	}
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, reader)
}

func moveUpload(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)
	permalink := c.Param("permalink")
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}

	var req struct {
		PageID uuid.UUID       `json:"pageId" binding:"required"`
		Slot   json.RawMessage `json:"slot"`
		Before bool            `json:"before"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	placement, err := parsePlacement(string(req.Slot), strconv.FormatBool(req.Before))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if placement == nil {
		placement = &registrystore.Placement{Mode: registrystore.PlacementTail}
	}

	slot, err := store.MoveUpload(c.Request.Context(), userID, permalink, uploadID, req.PageID, *placement)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, slot)
}

func deleteUpload(c *gin.Context, store registrystore.UploadStore, assetStore registryassets.AssetStore) {
	userID := security.GetUserID(c)
	permalink := c.Param("permalink")
	uploadID, ok := parseUploadID(c)
	if !ok {
		return
	}

	storageKey, err := store.DeleteUpload(c.Request.Context(), userID, permalink, uploadID)
	if err != nil {
		handleError(c, err)
		return
	}
	// Best effort; the tombstoned key is swept by the reaper if this
	// delete does not stick.
	if storageKey != "" {
		_ = assetStore.Delete(c.Request.Context(), storageKey)
	}
	c.Status(http.StatusNoContent)
}

// parsePlacement turns the wire position parameters into a Placement.
// Slot 0 addresses the head, slot -1 the tail, and any other value
// places relative to that slot (after it, or before when before is set).
func parsePlacement(slotRaw, beforeRaw string) (*registrystore.Placement, error) {
	slotRaw = strings.TrimSpace(slotRaw)
	if slotRaw == "" || slotRaw == "null" {
		return nil, nil
	}
	slot, err := strconv.ParseInt(slotRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid slot")
	}
	before := strings.EqualFold(strings.TrimSpace(beforeRaw), "true") || beforeRaw == "1"

	switch {
	case slot == 0:
		return &registrystore.Placement{Mode: registrystore.PlacementHead}, nil
	case slot == -1:
		return &registrystore.Placement{Mode: registrystore.PlacementTail}, nil
	case slot < 0:
		return nil, fmt.Errorf("invalid slot")
	default:
		return &registrystore.Placement{Mode: registrystore.PlacementRelative, SlotID: slot, Before: before}, nil
	}
}

func parseUploadID(c *gin.Context) (int64, bool) {
	uploadID, err := strconv.ParseInt(c.Param("uploadId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return 0, false
	}
	return uploadID, true
}

// collectReferences builds the references array for a set of uploads:
// the uploading users, owning projects, and any pages the uploads are
// placed on, deduplicated in first-seen order.
func collectReferences(c *gin.Context, store registrystore.UploadStore, uploads []model.Upload) ([]any, error) {
	ctx := c.Request.Context()

	userIDs := make([]string, 0, len(uploads))
	projectIDs := make([]uuid.UUID, 0, len(uploads))
	uploadIDs := make([]int64, 0, len(uploads))
	seenUsers := map[string]struct{}{}
	seenProjects := map[uuid.UUID]struct{}{}
	for _, u := range uploads {
		uploadIDs = append(uploadIDs, u.ID)
		if _, ok := seenUsers[u.UserID]; !ok {
			seenUsers[u.UserID] = struct{}{}
			userIDs = append(userIDs, u.UserID)
		}
		if _, ok := seenProjects[u.ProjectID]; !ok {
			seenProjects[u.ProjectID] = struct{}{}
			projectIDs = append(projectIDs, u.ProjectID)
		}
	}

	users, err := store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	projects, err := store.GetProjects(ctx, projectIDs)
	if err != nil {
		return nil, err
	}
	pagesByUpload, err := store.GetPagesForUploads(ctx, uploadIDs)
	if err != nil {
		return nil, err
	}
	pageIDs := make([]uuid.UUID, 0)
	seenPages := map[uuid.UUID]struct{}{}
	for _, u := range uploads {
		for _, pageID := range pagesByUpload[u.ID] {
			if _, ok := seenPages[pageID]; !ok {
				seenPages[pageID] = struct{}{}
				pageIDs = append(pageIDs, pageID)
			}
		}
	}
	pages, err := store.GetPages(ctx, pageIDs)
	if err != nil {
		return nil, err
	}

	usersByID := map[string]model.User{}
	for _, u := range users {
		usersByID[u.ID] = u
	}
	projectsByID := map[uuid.UUID]model.Project{}
	for _, p := range projects {
		projectsByID[p.ID] = p
	}
	pagesByID := map[uuid.UUID]model.Page{}
	for _, p := range pages {
		pagesByID[p.ID] = p
	}

	builder := envelope.NewBuilder()
	for _, u := range uploads {
		if user, ok := usersByID[u.UserID]; ok {
			builder.AddUser(user)
		}
		if project, ok := projectsByID[u.ProjectID]; ok {
			builder.AddProject(project)
		}
		for _, pageID := range pagesByUpload[u.ID] {
			if page, ok := pagesByID[pageID]; ok {
				builder.AddPage(page)
			}
		}
	}
	return builder.References(), nil
}

func uploadDetail(c *gin.Context, store registrystore.UploadStore, upload model.Upload) (envelope.UploadDetail, error) {
	refs, err := collectReferences(c, store, []model.Upload{upload})
	if err != nil {
		return envelope.UploadDetail{}, err
	}
	return envelope.UploadDetail{Upload: upload, References: refs}, nil
}

// respond writes the payload honoring the callback and format query
// params: a callback wraps the JSON in a JSONP call, and format=text
// serves the JSON bytes as text/plain.
func respond(c *gin.Context, status int, payload any) {
	if c.Query("callback") != "" {
		c.JSONP(status, payload)
		return
	}
	if strings.EqualFold(c.Query("format"), "text") {
		data, err := json.Marshal(payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
			return
		}
		c.Data(status, "text/plain; charset=utf-8", data)
		return
	}
	c.JSON(status, payload)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var unauthorized *registrystore.UnauthorizedError

	switch {
	case err == nil:
		return
	case strings.Contains(err.Error(), "maximum size"):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &unauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

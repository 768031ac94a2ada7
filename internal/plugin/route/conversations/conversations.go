package conversations

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/config"
	registryroute "github.com/taskdeck/upload-service/internal/registry/route"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation and watcher routes.
func MountRoutes(r *gin.Engine, store registrystore.UploadStore, cfg *config.Config, auth gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/projects/:permalink/conversations", auth, func(c *gin.Context) {
		createConversation(c, store)
	})
	v1.POST("/conversations/:conversationId/watchers", auth, func(c *gin.Context) {
		addWatcher(c, store)
	})
}

func createConversation(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	var req struct {
		IsPrivate bool `json:"isPrivate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversation, err := store.CreateConversation(c.Request.Context(), userID, c.Param("permalink"), req.IsPrivate)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversation)
}

func addWatcher(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	watcher, err := store.AddWatcher(c.Request.Context(), userID, conversationID, req.UserID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, watcher)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var unauthorized *registrystore.UnauthorizedError

	switch {
	case err == nil:
		return
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

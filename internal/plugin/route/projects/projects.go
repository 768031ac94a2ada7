package projects

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/config"
	"github.com/taskdeck/upload-service/internal/model"
	registryroute "github.com/taskdeck/upload-service/internal/registry/route"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 90,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts project, membership, and page routes.
func MountRoutes(r *gin.Engine, store registrystore.UploadStore, cfg *config.Config, auth gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/projects", auth, func(c *gin.Context) {
		createProject(c, store)
	})
	v1.GET("/projects", auth, func(c *gin.Context) {
		listProjects(c, store)
	})
	v1.GET("/projects/:permalink", auth, func(c *gin.Context) {
		getProject(c, store)
	})
	v1.POST("/projects/:permalink/members", auth, func(c *gin.Context) {
		addMember(c, store)
	})
	v1.POST("/projects/:permalink/pages", auth, func(c *gin.Context) {
		createPage(c, store)
	})
	v1.GET("/projects/:permalink/pages/:pageId/slots", auth, func(c *gin.Context) {
		listPageSlots(c, store)
	})
}

func createProject(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	var req struct {
		Name      string `json:"name" binding:"required"`
		Permalink string `json:"permalink" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := store.EnsureUser(c.Request.Context(), userID, security.GetUserName(c)); err != nil {
		handleError(c, err)
		return
	}
	project, err := store.CreateProject(c.Request.Context(), userID, req.Name, req.Permalink)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func listProjects(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	projects, err := store.ListProjects(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"data": projects})
}

func getProject(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	project, err := store.GetProject(c.Request.Context(), userID, c.Param("permalink"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func addMember(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	var req struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	membership, err := store.AddMember(c.Request.Context(), userID, c.Param("permalink"), req.UserID, model.Role(req.Role))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, membership)
}

func createPage(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := store.CreatePage(c.Request.Context(), userID, c.Param("permalink"), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, page)
}

func listPageSlots(c *gin.Context, store registrystore.UploadStore) {
	userID := security.GetUserID(c)

	pageID, err := uuid.Parse(c.Param("pageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found"})
		return
	}
	slots, err := store.ListPageSlots(c.Request.Context(), userID, pageID)
	if err != nil {
		handleError(c, err)
		return
	}
	if slots == nil {
		slots = []model.PageSlot{}
	}
	c.JSON(http.StatusOK, gin.H{"data": slots})
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

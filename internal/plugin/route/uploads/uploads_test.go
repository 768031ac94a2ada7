package uploads_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/upload-service/internal/config"
	"github.com/taskdeck/upload-service/internal/plugin/route/conversations"
	"github.com/taskdeck/upload-service/internal/plugin/route/projects"
	"github.com/taskdeck/upload-service/internal/plugin/route/uploads"
	"github.com/taskdeck/upload-service/internal/plugin/store/sqlstore"
	registryassets "github.com/taskdeck/upload-service/internal/registry/assets"
	registrymigrate "github.com/taskdeck/upload-service/internal/registry/migrate"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"github.com/taskdeck/upload-service/internal/security"
)

type memAssetStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemAssetStore() *memAssetStore {
	return &memAssetStore{data: map[string][]byte{}}
}

func (s *memAssetStore) Store(_ context.Context, r io.Reader, maxSize int64, _ string) (*registryassets.StoreResult, error) {
	buf := bytes.Buffer{}
	n, err := io.CopyN(&buf, r, maxSize+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n > maxSize {
		return nil, fmt.Errorf("upload exceeds maximum size of %d bytes", maxSize)
	}
	key := fmt.Sprintf("key-%d", time.Now().UnixNano())
	data := buf.Bytes()
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return &registryassets.StoreResult{
		StorageKey: key,
		Size:       int64(len(data)),
	}, nil
}

func (s *memAssetStore) Retrieve(_ context.Context, storageKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.data[storageKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memAssetStore) Delete(_ context.Context, storageKey string) error {
	s.mu.Lock()
	delete(s.data, storageKey)
	s.mu.Unlock()
	return nil
}

func (s *memAssetStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed url unsupported")
}

func setupRouter(t *testing.T) (*gin.Engine, *memAssetStore) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.S3DirectDownload = false
	cfg.UploadMaxSize = 32 * 1024
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlstore.ForceImport

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)

	// Open the store before migrating so the shared in-memory database
	// stays alive when the migrator closes its connection.
	store, err := loader(ctx)
	require.NoError(t, err)

	require.NoError(t, registrymigrate.RunAll(ctx))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	assetStore := newMemAssetStore()
	projects.MountRoutes(router, store, &cfg, auth)
	conversations.MountRoutes(router, store, &cfg, auth)
	uploads.MountRoutes(router, store, assetStore, &cfg, auth)
	return router, assetStore
}

func doJSON(t *testing.T, router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router *gin.Engine, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doUpload(t *testing.T, router *gin.Engine, permalink, userID, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/"+permalink+"/uploads", form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func mustCreateProject(t *testing.T, router *gin.Engine, userID, permalink string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/v1/projects", userID, map[string]any{
		"name":      "Project " + permalink,
		"permalink": permalink,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload
}

func TestUploadLifecycle(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	create := doUpload(t, router, "acme", "alice", "hello.txt", "hello-world", nil)
	require.Equal(t, http.StatusCreated, create.Code, create.Body.String())

	created := decode(t, create)
	id := fmt.Sprintf("%v", created["id"])
	require.NotEmpty(t, id)
	require.Equal(t, "hello.txt", created["filename"])

	// The detail envelope carries the uploader and project as references.
	refs, ok := created["references"].([]any)
	require.True(t, ok)
	require.Len(t, refs, 2)
	kinds := map[string]bool{}
	for _, ref := range refs {
		m := ref.(map[string]any)
		kinds[m["type"].(string)] = true
	}
	require.True(t, kinds["User"])
	require.True(t, kinds["Project"])

	// Download streams the stored bytes back.
	download := doGet(t, router, "/v1/projects/acme/uploads/"+id+"/download", "alice")
	require.Equal(t, http.StatusOK, download.Code)
	require.Equal(t, "hello-world", download.Body.String())

	// Listing includes it.
	list := decode(t, doGet(t, router, "/v1/projects/acme/uploads", "alice"))
	objects := list["objects"].([]any)
	require.Len(t, objects, 1)
	require.Equal(t, false, list["hasMore"])

	// Delete, then it is gone.
	del := doJSON(t, router, http.MethodDelete, "/v1/projects/acme/uploads/"+id, "alice", nil)
	require.Equal(t, http.StatusNoContent, del.Code)

	get := doGet(t, router, "/v1/projects/acme/uploads/"+id, "alice")
	require.Equal(t, http.StatusNotFound, get.Code)
}

func TestUploadRequiresAuth(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/uploads", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadAccessControl(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	// A stranger cannot list or upload.
	list := doGet(t, router, "/v1/projects/acme/uploads", "mallory")
	require.Equal(t, http.StatusUnauthorized, list.Code)

	create := doUpload(t, router, "acme", "mallory", "x.txt", "x", nil)
	require.Equal(t, http.StatusUnauthorized, create.Code)

	// An observer can list but not upload.
	w := doJSON(t, router, http.MethodPost, "/v1/projects/acme/members", "alice", map[string]any{
		"userId": "oscar", "role": "observer",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	list = doGet(t, router, "/v1/projects/acme/uploads", "oscar")
	require.Equal(t, http.StatusOK, list.Code)

	create = doUpload(t, router, "acme", "oscar", "x.txt", "x", nil)
	require.Equal(t, http.StatusUnauthorized, create.Code)
}

func TestListUploadsPaginationViaRoutes(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		w := doUpload(t, router, "acme", "alice", fmt.Sprintf("f%d.txt", i), "data", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, fmt.Sprintf("%v", decode(t, w)["id"]))
	}

	page := decode(t, doGet(t, router, "/v1/projects/acme/uploads?count=2", "alice"))
	objects := page["objects"].([]any)
	require.Len(t, objects, 2)
	require.Equal(t, true, page["hasMore"])
	first := objects[0].(map[string]any)
	require.Equal(t, ids[0], fmt.Sprintf("%v", first["id"]))

	// The cursor is exclusive.
	last := objects[1].(map[string]any)
	next := decode(t, doGet(t, router, "/v1/projects/acme/uploads?count=10&sinceId="+fmt.Sprintf("%v", last["id"]), "alice"))
	nextObjects := next["objects"].([]any)
	require.Len(t, nextObjects, 3)
	require.Equal(t, false, next["hasMore"])
	require.Equal(t, ids[2], fmt.Sprintf("%v", nextObjects[0].(map[string]any)["id"]))

	// A count must be at least one when given.
	for _, bad := range []string{"0", "-1", "x"} {
		w := doGet(t, router, "/v1/projects/acme/uploads?count="+bad, "alice")
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestResponseFormats(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	w := doGet(t, router, "/v1/projects/acme/uploads?callback=handleIt", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "handleIt(")

	w = doGet(t, router, "/v1/projects/acme/uploads?format=text", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
}

func TestSlotPlacementViaRoutes(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	w := doJSON(t, router, http.MethodPost, "/v1/projects/acme/pages", "alice", map[string]any{
		"title": "Assets",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pageID := decode(t, w)["id"].(string)

	a := decode(t, doUpload(t, router, "acme", "alice", "a.txt", "a", map[string]string{"pageId": pageID}))
	b := decode(t, doUpload(t, router, "acme", "alice", "b.txt", "b", map[string]string{"pageId": pageID}))

	// Head insert via slot 0.
	c := decode(t, doUpload(t, router, "acme", "alice", "c.txt", "c", map[string]string{
		"pageId": pageID, "slot": "0", "before": "true",
	}))

	page := decode(t, doGet(t, router, "/v1/projects/acme/uploads?pageId="+pageID, "alice"))
	objects := page["objects"].([]any)
	require.Len(t, objects, 3)
	order := make([]string, 3)
	for i, o := range objects {
		order[i] = fmt.Sprintf("%v", o.(map[string]any)["id"])
	}
	require.Equal(t, []string{
		fmt.Sprintf("%v", c["id"]),
		fmt.Sprintf("%v", a["id"]),
		fmt.Sprintf("%v", b["id"]),
	}, order)

	// Page references show up in the listing envelope.
	refs := page["references"].([]any)
	foundPage := false
	for _, ref := range refs {
		if ref.(map[string]any)["type"] == "Page" {
			foundPage = true
		}
	}
	require.True(t, foundPage)

	// Move the head upload to the tail.
	move := doJSON(t, router, http.MethodPut,
		"/v1/projects/acme/uploads/"+fmt.Sprintf("%v", c["id"])+"/position", "alice",
		map[string]any{"pageId": pageID, "slot": -1})
	require.Equal(t, http.StatusOK, move.Code, move.Body.String())

	page = decode(t, doGet(t, router, "/v1/projects/acme/uploads?pageId="+pageID, "alice"))
	objects = page["objects"].([]any)
	require.Equal(t, fmt.Sprintf("%v", a["id"]), fmt.Sprintf("%v", objects[0].(map[string]any)["id"]))
	require.Equal(t, fmt.Sprintf("%v", c["id"]), fmt.Sprintf("%v", objects[2].(map[string]any)["id"]))
}

func TestPrivateConversationUploads(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	w := doJSON(t, router, http.MethodPost, "/v1/projects/acme/members", "alice", map[string]any{
		"userId": "bob", "role": "participant",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/projects/acme/conversations", "alice", map[string]any{
		"isPrivate": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	convID := decode(t, w)["id"].(string)

	create := doUpload(t, router, "acme", "alice", "secret.txt", "ssh", map[string]string{
		"conversationId": convID,
	})
	require.Equal(t, http.StatusCreated, create.Code, create.Body.String())
	id := fmt.Sprintf("%v", decode(t, create)["id"])

	// The conversation owner sees it; a plain member does not.
	list := decode(t, doGet(t, router, "/v1/projects/acme/uploads", "alice"))
	require.Len(t, list["objects"].([]any), 1)

	list = decode(t, doGet(t, router, "/v1/projects/acme/uploads", "bob"))
	require.Len(t, list["objects"].([]any), 0)

	get := doGet(t, router, "/v1/projects/acme/uploads/"+id, "bob")
	require.Equal(t, http.StatusUnauthorized, get.Code)

	// Watching the conversation grants visibility.
	w = doJSON(t, router, http.MethodPost, "/v1/conversations/"+convID+"/watchers", "alice", map[string]any{
		"userId": "bob",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	list = decode(t, doGet(t, router, "/v1/projects/acme/uploads", "bob"))
	require.Len(t, list["objects"].([]any), 1)
}

func TestUploadTooLarge(t *testing.T) {
	router, _ := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	big := bytes.Repeat([]byte("x"), 64*1024)
	w := doUpload(t, router, "acme", "alice", "big.bin", string(big), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
}

func TestOrphanedAssetReleasedOnStoreFailure(t *testing.T) {
	router, assets := setupRouter(t)
	mustCreateProject(t, router, "alice", "acme")

	// Placement on an unknown page fails after the asset was written; the
	// handler must release the orphaned object.
	w := doUpload(t, router, "acme", "alice", "x.txt", "x", map[string]string{
		"pageId": "00000000-0000-0000-0000-000000000001",
	})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	assets.mu.RLock()
	defer assets.mu.RUnlock()
	require.Empty(t, assets.data)
}

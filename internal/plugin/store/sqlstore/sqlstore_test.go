package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/upload-service/internal/config"
	"github.com/taskdeck/upload-service/internal/model"
	"github.com/taskdeck/upload-service/internal/plugin/store/sqlstore"
	registrymigrate "github.com/taskdeck/upload-service/internal/registry/migrate"
	registrystore "github.com/taskdeck/upload-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) (registrystore.UploadStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure store plugins are registered
	_ = sqlstore.ForceImport

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)

	// Open the store before migrating so the shared in-memory database
	// stays alive when the migrator closes its connection.
	store, err := loader(ctx)
	require.NoError(t, err)

	require.NoError(t, registrymigrate.RunAll(ctx))

	return store, ctx
}

func mustProject(t *testing.T, store registrystore.UploadStore, ctx context.Context, owner, permalink string) *model.Project {
	t.Helper()
	project, err := store.CreateProject(ctx, owner, "Project "+permalink, permalink)
	require.NoError(t, err)
	return project
}

func mustUpload(t *testing.T, store registrystore.UploadStore, ctx context.Context, userID, permalink, filename string) *model.Upload {
	t.Helper()
	upload, err := store.CreateUpload(ctx, userID, permalink, registrystore.CreateUploadRequest{
		Filename:    filename,
		ContentType: "text/plain",
		Size:        3,
		StorageKey:  "key-" + filename,
	})
	require.NoError(t, err)
	return upload
}

func TestCreateProjectAndMembership(t *testing.T) {
	store, ctx := setupTestStore(t)

	project := mustProject(t, store, ctx, "alice", "acme")
	assert.Equal(t, "alice", project.OwnerUserID)

	got, err := store.GetProject(ctx, "alice", "acme")
	require.NoError(t, err)
	assert.Equal(t, project.ID, got.ID)

	// Strangers get 401, not 404.
	_, err = store.GetProject(ctx, "mallory", "acme")
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	// Duplicate permalink conflicts.
	_, err = store.CreateProject(ctx, "bob", "Other", "acme")
	var conflict *registrystore.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAddMemberRequiresManager(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")

	_, err := store.AddMember(ctx, "alice", "acme", "bob", model.RoleParticipant)
	require.NoError(t, err)

	// Participants cannot manage membership.
	_, err = store.AddMember(ctx, "bob", "acme", "carol", model.RoleObserver)
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	// Owner role cannot be granted.
	_, err = store.AddMember(ctx, "alice", "acme", "carol", model.RoleOwner)
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestCreateUploadRequiresParticipant(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	_, err := store.AddMember(ctx, "alice", "acme", "olga", model.RoleObserver)
	require.NoError(t, err)

	_, err = store.CreateUpload(ctx, "olga", "acme", registrystore.CreateUploadRequest{Filename: "a.txt"})
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	upload := mustUpload(t, store, ctx, "alice", "acme", "a.txt")
	assert.Equal(t, "alice", upload.UserID)
	assert.False(t, upload.IsPrivate)
}

func TestListUploadsPagination(t *testing.T) {
	store, ctx := setupTestStore(t)
	project := mustProject(t, store, ctx, "alice", "acme")

	var ids []int64
	for i := 0; i < 5; i++ {
		u := mustUpload(t, store, ctx, "alice", "acme", fmt.Sprintf("f%d.txt", i))
		ids = append(ids, u.ID)
	}

	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID, Count: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[0], page.Data[0].ID)
	assert.Equal(t, ids[1], page.Data[1].ID)

	// since cursor is exclusive.
	page, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID, Count: 10, SinceID: &ids[1]})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, ids[2], page.Data[0].ID)

	// Unknown cursor past the tail yields an empty page.
	past := ids[4] + 1000
	page, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID, SinceID: &past})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.False(t, page.HasMore)
}

func TestListUploadsUnknownAnchorYieldsEmptyPage(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "bob", "theirs")
	project := mustProject(t, store, ctx, "alice", "mine")

	theirs := mustUpload(t, store, ctx, "bob", "theirs", "b.txt")
	first := mustUpload(t, store, ctx, "alice", "mine", "a.txt")
	second := mustUpload(t, store, ctx, "alice", "mine", "c.txt")

	// A resolvable cursor pages normally.
	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{SinceID: &first.ID})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, second.ID, page.Data[0].ID)

	// An anchor outside the caller's scope is unknown, even though
	// rows with larger ids would qualify.
	page, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{SinceID: &theirs.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Data)

	// Same when the anchor row has been deleted.
	_, err = store.DeleteUpload(ctx, "alice", "mine", first.ID)
	require.NoError(t, err)
	page, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID, SinceID: &first.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestListUploadsAcrossProjects(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "one")
	mustProject(t, store, ctx, "alice", "two")
	mustProject(t, store, ctx, "bob", "theirs")

	a := mustUpload(t, store, ctx, "alice", "one", "a.txt")
	b := mustUpload(t, store, ctx, "bob", "theirs", "b.txt")
	c := mustUpload(t, store, ctx, "alice", "two", "c.txt")

	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, a.ID, page.Data[0].ID)
	assert.Equal(t, c.ID, page.Data[1].ID)

	page, err = store.ListUploads(ctx, "bob", registrystore.UploadQuery{})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, b.ID, page.Data[0].ID)
}

func TestListUploadsUserFilter(t *testing.T) {
	store, ctx := setupTestStore(t)
	project := mustProject(t, store, ctx, "alice", "acme")
	_, err := store.AddMember(ctx, "alice", "acme", "bob", model.RoleParticipant)
	require.NoError(t, err)

	mustUpload(t, store, ctx, "alice", "acme", "a.txt")
	b := mustUpload(t, store, ctx, "bob", "acme", "b.txt")

	bob := "bob"
	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID, UserID: &bob})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, b.ID, page.Data[0].ID)
}

func TestPrivateUploadVisibility(t *testing.T) {
	store, ctx := setupTestStore(t)
	project := mustProject(t, store, ctx, "alice", "acme")
	for _, member := range []string{"bob", "carol"} {
		_, err := store.AddMember(ctx, "alice", "acme", member, model.RoleParticipant)
		require.NoError(t, err)
	}

	conv, err := store.CreateConversation(ctx, "bob", "acme", true)
	require.NoError(t, err)

	secret, err := store.CreateUpload(ctx, "bob", "acme", registrystore.CreateUploadRequest{
		Filename:       "secret.txt",
		ConversationID: &conv.ID,
	})
	require.NoError(t, err)
	require.True(t, secret.IsPrivate)
	public := mustUpload(t, store, ctx, "alice", "acme", "public.txt")

	// The conversation owner sees both.
	page, err := store.ListUploads(ctx, "bob", registrystore.UploadQuery{ProjectID: &project.ID})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)

	// A plain member sees only the public upload.
	page, err = store.ListUploads(ctx, "carol", registrystore.UploadQuery{ProjectID: &project.ID})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, public.ID, page.Data[0].ID)

	// Fetching the private upload directly is 401, not 404.
	_, err = store.GetUpload(ctx, "carol", "acme", secret.ID)
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	// Watchers gain visibility.
	_, err = store.AddWatcher(ctx, "bob", conv.ID, "carol")
	require.NoError(t, err)
	page, err = store.ListUploads(ctx, "carol", registrystore.UploadQuery{ProjectID: &project.ID})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)

	got, err := store.GetUpload(ctx, "carol", "acme", secret.ID)
	require.NoError(t, err)
	assert.Equal(t, secret.ID, got.ID)
}

func TestDanglingConversationLinkFailsClosed(t *testing.T) {
	store, ctx := setupTestStore(t)
	project := mustProject(t, store, ctx, "alice", "acme")

	conv, err := store.CreateConversation(ctx, "alice", "acme", true)
	require.NoError(t, err)
	secret, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
		Filename:       "secret.txt",
		ConversationID: &conv.ID,
	})
	require.NoError(t, err)
	require.True(t, secret.IsPrivate)

	// Break the link: drop the conversation row out from under the
	// upload through a second handle on the same database.
	raw, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, raw.Delete(&model.Conversation{}, "id = ?", conv.ID).Error)

	// The upload is hidden from everyone, the conversation owner included.
	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Data)

	_, err = store.GetUpload(ctx, "alice", "acme", secret.ID)
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestProjectOwnerDoesNotBypassPrivacy(t *testing.T) {
	store, ctx := setupTestStore(t)
	project := mustProject(t, store, ctx, "alice", "acme")
	_, err := store.AddMember(ctx, "alice", "acme", "bob", model.RoleParticipant)
	require.NoError(t, err)

	conv, err := store.CreateConversation(ctx, "bob", "acme", true)
	require.NoError(t, err)
	_, err = store.CreateUpload(ctx, "bob", "acme", registrystore.CreateUploadRequest{
		Filename:       "secret.txt",
		ConversationID: &conv.ID,
	})
	require.NoError(t, err)

	page, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{ProjectID: &project.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestPageSlotOrdering(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	place := func(filename string, placement *registrystore.Placement) *model.Upload {
		u, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
			Filename:  filename,
			PageID:    &page.ID,
			Placement: placement,
		})
		require.NoError(t, err)
		return u
	}

	first := place("first.txt", nil) // default placement is tail
	second := place("second.txt", &registrystore.Placement{Mode: registrystore.PlacementTail})
	head := place("head.txt", &registrystore.Placement{Mode: registrystore.PlacementHead})

	pageSlots, err := store.ListPageSlots(ctx, "alice", page.ID)
	require.NoError(t, err)
	require.Len(t, pageSlots, 3)
	assert.Equal(t, head.ID, pageSlots[0].UploadID)
	assert.Equal(t, first.ID, pageSlots[1].UploadID)
	assert.Equal(t, second.ID, pageSlots[2].UploadID)

	// Relative placement before the middle slot.
	middleSlot := pageSlots[1]
	between := place("between.txt", &registrystore.Placement{
		Mode:   registrystore.PlacementRelative,
		SlotID: middleSlot.ID,
		Before: true,
	})

	pageSlots, err = store.ListPageSlots(ctx, "alice", page.ID)
	require.NoError(t, err)
	require.Len(t, pageSlots, 4)
	assert.Equal(t, head.ID, pageSlots[0].UploadID)
	assert.Equal(t, between.ID, pageSlots[1].UploadID)
	assert.Equal(t, first.ID, pageSlots[2].UploadID)
	assert.Equal(t, second.ID, pageSlots[3].UploadID)
}

func TestPlaceRelativeToUnknownSlot(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	_, err = store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
		Filename:  "x.txt",
		PageID:    &page.ID,
		Placement: &registrystore.Placement{Mode: registrystore.PlacementRelative, SlotID: 9999},
	})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMoveUpload(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	var uploads []*model.Upload
	for i := 0; i < 3; i++ {
		u, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
			Filename: fmt.Sprintf("f%d.txt", i),
			PageID:   &page.ID,
		})
		require.NoError(t, err)
		uploads = append(uploads, u)
	}

	// Move the last upload to the head.
	_, err = store.MoveUpload(ctx, "alice", "acme", uploads[2].ID, page.ID,
		registrystore.Placement{Mode: registrystore.PlacementHead})
	require.NoError(t, err)

	pageSlots, err := store.ListPageSlots(ctx, "alice", page.ID)
	require.NoError(t, err)
	require.Len(t, pageSlots, 3)
	assert.Equal(t, uploads[2].ID, pageSlots[0].UploadID)
	assert.Equal(t, uploads[0].ID, pageSlots[1].UploadID)
	assert.Equal(t, uploads[1].ID, pageSlots[2].UploadID)
}

func TestConcurrentPlacementsOnOnePage(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	const n = 8
	uploads := make([]*model.Upload, n)
	for i := range uploads {
		uploads[i] = mustUpload(t, store, ctx, "alice", "acme", fmt.Sprintf("f%d.txt", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, u := range uploads {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := store.MoveUpload(ctx, "alice", "acme", id, page.ID,
				registrystore.Placement{Mode: registrystore.PlacementHead})
			errs <- err
		}(u.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every upload holds exactly one slot and position keys stay
	// strictly ascending.
	pageSlots, err := store.ListPageSlots(ctx, "alice", page.ID)
	require.NoError(t, err)
	require.Len(t, pageSlots, n)
	seen := map[int64]bool{}
	for i, slot := range pageSlots {
		if i > 0 {
			assert.Greater(t, slot.Position, pageSlots[i-1].Position)
		}
		assert.False(t, seen[slot.UploadID], "upload %d placed twice", slot.UploadID)
		seen[slot.UploadID] = true
	}
}

func TestListUploadsOnPage(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 4; i++ {
		u, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
			Filename: fmt.Sprintf("f%d.txt", i),
			PageID:   &page.ID,
		})
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	// One upload off the page must not appear.
	mustUpload(t, store, ctx, "alice", "acme", "loose.txt")

	listed, err := store.ListUploads(ctx, "alice", registrystore.UploadQuery{PageID: &page.ID})
	require.NoError(t, err)
	require.Len(t, listed.Data, 4)
	for i, u := range listed.Data {
		assert.Equal(t, ids[i], u.ID)
	}

	// Page-scope cursor anchors on the slot of the since upload.
	listed, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{PageID: &page.ID, SinceID: &ids[1]})
	require.NoError(t, err)
	require.Len(t, listed.Data, 2)
	assert.Equal(t, ids[2], listed.Data[0].ID)

	// An anchor that is not on the page yields an empty page.
	unknown := int64(12345)
	listed, err = store.ListUploads(ctx, "alice", registrystore.UploadQuery{PageID: &page.ID, SinceID: &unknown})
	require.NoError(t, err)
	assert.Empty(t, listed.Data)
}

func TestDeleteUpload(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	_, err := store.AddMember(ctx, "alice", "acme", "bob", model.RoleParticipant)
	require.NoError(t, err)

	upload := mustUpload(t, store, ctx, "alice", "acme", "a.txt")

	// Participants cannot delete someone else's upload.
	_, err = store.DeleteUpload(ctx, "bob", "acme", upload.ID)
	var unauthorized *registrystore.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	key, err := store.DeleteUpload(ctx, "alice", "acme", upload.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-a.txt", key)

	_, err = store.GetUpload(ctx, "alice", "acme", upload.ID)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	// The tombstone for the backing object is claimable.
	tombstones, err := store.ClaimDeletedAssets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal(t, "key-a.txt", tombstones[0].StorageKey)

	require.NoError(t, store.PurgeDeletedAssets(ctx, []int64{tombstones[0].ID}))
	tombstones, err = store.ClaimDeletedAssets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestCreateUploadValidation(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")

	_, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{Filename: "  "})
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)

	// Private without a conversation is rejected.
	_, err = store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{Filename: "a.txt", IsPrivate: true})
	require.ErrorAs(t, err, &validation)

	// Conversation from another project is rejected.
	mustProject(t, store, ctx, "alice", "other")
	conv, err := store.CreateConversation(ctx, "alice", "other", false)
	require.NoError(t, err)
	_, err = store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{Filename: "a.txt", ConversationID: &conv.ID})
	require.ErrorAs(t, err, &validation)
}

func TestGetPagesForUploads(t *testing.T) {
	store, ctx := setupTestStore(t)
	mustProject(t, store, ctx, "alice", "acme")
	page, err := store.CreatePage(ctx, "alice", "acme", "Layout")
	require.NoError(t, err)

	placed, err := store.CreateUpload(ctx, "alice", "acme", registrystore.CreateUploadRequest{
		Filename: "a.txt",
		PageID:   &page.ID,
	})
	require.NoError(t, err)
	loose := mustUpload(t, store, ctx, "alice", "acme", "b.txt")

	refs, err := store.GetPagesForUploads(ctx, []int64{placed.ID, loose.ID})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{page.ID}, refs[placed.ID])
	assert.NotContains(t, refs, loose.ID)
}

func TestUnknownProject(t *testing.T) {
	store, ctx := setupTestStore(t)
	_, err := store.GetProject(ctx, "alice", "nope")
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

package slides_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/patronek-app/patronek/backend/internal/comments"
	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/likes"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"github.com/patronek-app/patronek/backend/internal/users"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:slides_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&users.User{},
		&slides.Slide{},
		&comments.Comment{},
		&likes.Like{},
		&likes.CommentLike{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.ExecutorConfig{
		AttemptTimeout: time.Second,
		MaxRetries:     0,
		BaseDelay:      time.Millisecond,
	})
}

func newTestStore(t *testing.T, ids []string) (*slides.Store, *gorm.DB, *fakeClock) {
	t.Helper()

	db := newTestDB(t)
	clock := &fakeClock{now: time.UnixMilli(1700000000000).UTC()}
	store, err := slides.NewStore(slides.StoreConfig{
		Database:   db,
		Executor:   newTestExecutor(),
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct slide store: %v", err)
	}
	return store, db, clock
}

func seedUser(t *testing.T, db *gorm.DB, id, username string) {
	t.Helper()
	user := users.User{
		UserID:          id,
		Username:        username,
		Email:           username + "@example.com",
		AvatarURL:       "https://cdn.example.com/" + username + ".png",
		Role:            users.RoleAuthor,
		CreatedAtMillis: 1700000000000,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func videoData(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"mp4Url":"https://cdn.example.com/clip.mp4","poster":"https://cdn.example.com/poster.jpg","title":%q,"description":"opis"}`,
		title,
	))
}

func TestCreateAndGetSlide(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"slide-1"})
	seedUser(t, db, "user-1", "ola")

	slideID, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID:     "user-1",
		X:           2,
		Y:           3,
		Type:        "video",
		Data:        videoData("Pierwszy klip"),
		AccessLevel: "PUBLIC",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slideID != "slide-1" {
		t.Fatalf("unexpected slide id %q", slideID)
	}

	view, err := store.Get(context.Background(), slideID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Type != slides.SlideTypeVideo {
		t.Fatalf("unexpected type %q", view.Type)
	}
	if view.Data.Video == nil || view.Data.Video.MP4URL != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("payload did not round-trip: %#v", view.Data)
	}
	if view.Username != "ola" {
		t.Fatalf("unexpected username %q", view.Username)
	}
	if view.AvatarURL != "https://cdn.example.com/ola.png" {
		t.Fatalf("unexpected avatar %q", view.AvatarURL)
	}
	if view.X != 2 || view.Y != 3 {
		t.Fatalf("unexpected grid position (%d,%d)", view.X, view.Y)
	}
	if view.LikeCount != 0 || view.CommentCount != 0 {
		t.Fatalf("fresh slide must have zero counters")
	}
}

func TestCreateRejectsUnknownTypeBeforeBackend(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"slide-1"})
	seedUser(t, db, "user-1", "ola")

	_, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID: "user-1",
		Type:    "podcast",
		Data:    json.RawMessage(`{}`),
	})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	var count int64
	if err := db.Model(&slides.Slide{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected create must not touch the backend")
	}
}

func TestCreateRejectsMalformedPayload(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"slide-1"})
	seedUser(t, db, "user-1", "ola")

	_, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID: "user-1",
		Type:    "html",
		Data:    json.RawMessage(`{"htmlContent":""}`),
	})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty html content, got %v", err)
	}
}

func TestCreateDuplicateCoordinatesConflict(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"slide-1", "slide-2"})
	seedUser(t, db, "user-1", "ola")

	input := slides.CreateInput{
		OwnerID: "user-1",
		X:       1,
		Y:       1,
		Type:    "html",
		Data:    json.RawMessage(`{"htmlContent":"<p>hej</p>"}`),
	}
	if _, err := store.Create(context.Background(), input); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := store.Create(context.Background(), input)
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict on duplicate grid position, got %v", err)
	}
}

func TestGetSlideNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPaginatesDescendingWithoutGaps(t *testing.T) {
	store, db, clock := newTestStore(t, []string{"s1", "s2", "s3", "s4", "s5"})
	seedUser(t, db, "user-1", "ola")

	created := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := store.Create(context.Background(), slides.CreateInput{
			OwnerID: "user-1",
			X:       i,
			Y:       0,
			Type:    "html",
			Data:    json.RawMessage(`{"htmlContent":"<p>slajd</p>"}`),
		})
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		created = append(created, id)
		clock.Advance(time.Second)
	}

	var pages [][]slides.SlideView
	cursor := ""
	for page := 0; ; page++ {
		views, nextCursor, err := store.List(context.Background(), slides.ListOptions{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("list page %d failed: %v", page, err)
		}
		pages = append(pages, views)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if page > 5 {
			t.Fatalf("pagination did not terminate")
		}
	}

	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if len(pages[0]) != 2 || len(pages[1]) != 2 || len(pages[2]) != 1 {
		t.Fatalf("unexpected page sizes: %d, %d, %d", len(pages[0]), len(pages[1]), len(pages[2]))
	}

	var all []string
	lastCreated := int64(1 << 62)
	for _, page := range pages {
		for _, view := range page {
			if view.CreatedAtMillis > lastCreated {
				t.Fatalf("feed not in descending creation order")
			}
			lastCreated = view.CreatedAtMillis
			all = append(all, view.ID)
		}
	}
	if len(all) != len(created) {
		t.Fatalf("pages dropped or duplicated slides: %v", all)
	}
	for i, id := range all {
		if id != created[len(created)-1-i] {
			t.Fatalf("unexpected feed order: %v", all)
		}
	}
}

func TestListComputesIsLikedForCurrentUser(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"s1"})
	seedUser(t, db, "user-1", "ola")
	seedUser(t, db, "user-2", "jan")

	slideID, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID: "user-1",
		Type:    "html",
		Data:    json.RawMessage(`{"htmlContent":"<p>hej</p>"}`),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	like := likes.Like{SlideID: slideID, UserID: "user-2", CreatedAtMillis: 1700000001000}
	if err := db.Create(&like).Error; err != nil {
		t.Fatalf("failed to seed like: %v", err)
	}

	views, _, err := store.List(context.Background(), slides.ListOptions{Limit: 5, CurrentUserID: "user-2"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(views) != 1 || !views[0].IsLiked {
		t.Fatalf("expected isLiked for user-2: %#v", views)
	}

	views, _, err = store.List(context.Background(), slides.ListOptions{Limit: 5})
	if err != nil {
		t.Fatalf("anonymous list failed: %v", err)
	}
	if views[0].IsLiked {
		t.Fatalf("anonymous caller must never see isLiked")
	}
}

func TestListRejectsMalformedCursor(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	_, _, err := store.List(context.Background(), slides.ListOptions{Limit: 2, Cursor: "not-a-timestamp"})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUpdateMergesPartialPayload(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"s1"})
	seedUser(t, db, "user-1", "ola")

	slideID, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID: "user-1",
		Type:    "video",
		Data:    videoData("Stary tytuł"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = store.Update(context.Background(), slideID, slides.UpdateInput{
		Data: json.RawMessage(`{"title":"Nowy tytuł"}`),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	view, err := store.Get(context.Background(), slideID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Data.Video.Title != "Nowy tytuł" {
		t.Fatalf("title not merged: %#v", view.Data.Video)
	}
	if view.Data.Video.MP4URL != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("untouched fields must survive the merge: %#v", view.Data.Video)
	}

	var row slides.Slide
	if err := db.Where("slide_id = ?", slideID).Take(&row).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if row.Title != "Nowy tytuł" {
		t.Fatalf("stored title should track the payload title, got %q", row.Title)
	}
}

func TestDeleteSlideCascades(t *testing.T) {
	store, db, _ := newTestStore(t, []string{"s1"})
	seedUser(t, db, "user-1", "ola")

	slideID, err := store.Create(context.Background(), slides.CreateInput{
		OwnerID: "user-1",
		Type:    "html",
		Data:    json.RawMessage(`{"htmlContent":"<p>hej</p>"}`),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for i, userID := range []string{"u-a", "u-b", "u-c"} {
		like := likes.Like{SlideID: slideID, UserID: userID, CreatedAtMillis: int64(1700000000000 + i)}
		if err := db.Create(&like).Error; err != nil {
			t.Fatalf("failed to seed like: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		comment := comments.Comment{
			CommentID:       fmt.Sprintf("c-%d", i),
			SlideID:         slideID,
			AuthorID:        "u-a",
			Text:            "super",
			CreatedAtMillis: int64(1700000000000 + i),
		}
		if err := db.Create(&comment).Error; err != nil {
			t.Fatalf("failed to seed comment: %v", err)
		}
	}
	commentLike := likes.CommentLike{CommentID: "c-0", UserID: "u-b", CreatedAtMillis: 1700000000000}
	if err := db.Create(&commentLike).Error; err != nil {
		t.Fatalf("failed to seed comment like: %v", err)
	}

	if err := store.Delete(context.Background(), slideID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	for _, model := range []struct {
		name  string
		value interface{}
	}{
		{"likes", &likes.Like{}},
		{"comments", &comments.Comment{}},
		{"comment_likes", &likes.CommentLike{}},
		{"slides", &slides.Slide{}},
	} {
		var count int64
		if err := db.Model(model.value).Count(&count).Error; err != nil {
			t.Fatalf("count %s failed: %v", model.name, err)
		}
		if count != 0 {
			t.Fatalf("expected zero %s rows after cascade, got %d", model.name, count)
		}
	}

	_, err = store.Get(context.Background(), slideID)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestDeleteSlideNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	err := store.Delete(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

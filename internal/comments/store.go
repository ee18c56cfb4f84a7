// Package comments persists threaded comments: paginated root listing, lazy
// reply loading, and ownership-gated mutation synchronized with the slide's
// denormalized comment counter.
package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/ids"
	"github.com/patronek-app/patronek/backend/internal/likes"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"github.com/patronek-app/patronek/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingExecutor = errors.New("executor is required")
	noOpLogger         = zap.NewNop()
)

const (
	opList        = "comments.list"
	opListReplies = "comments.list_replies"
	opAdd         = "comments.add"
	opDelete      = "comments.delete"

	defaultRootLimit  = 20
	defaultReplyLimit = 10
	maxLimit          = 100

	// Correlated count of comment_likes rows, used for top ordering and
	// keyset resume.
	likeCountExpr = "(SELECT COUNT(*) FROM comment_likes WHERE comment_likes.comment_id = comments.comment_id)"
)

// Notifier appends notifications when a slide or comment receives a reply.
type Notifier interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
}

// StoreConfig describes the dependencies of the comment store.
type StoreConfig struct {
	Database   *gorm.DB
	Executor   *resilience.Executor
	Notifier   Notifier
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists comments.
type Store struct {
	db         *gorm.DB
	exec       *resilience.Executor
	notifier   Notifier
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs the comment store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		exec:       cfg.Executor,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// ListOptions narrows a root-comment listing request.
type ListOptions struct {
	Limit         int
	Cursor        string
	SortBy        SortOrder
	CurrentUserID string
}

// List returns a page of root comments for a slide. Pagination fetches
// limit+1 rows; when the extra row is present its id becomes the next
// cursor and it is excluded from the page. A cursor resumes inclusively at
// the row it names.
func (s *Store) List(ctx context.Context, slideID string, opts ListOptions) ([]CommentView, string, error) {
	limit := clampLimit(opts.Limit, defaultRootLimit)
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = SortNewest
	}

	var rows []Comment
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).
			Where("slide_id = ? AND parent_id IS NULL", slideID).
			Limit(limit + 1)
		if sortBy == SortTop {
			query = query.Order(likeCountExpr + " DESC").Order("created_at_ms DESC").Order("comment_id DESC")
		} else {
			query = query.Order("created_at_ms DESC").Order("comment_id DESC")
		}
		if opts.Cursor != "" {
			resumed, err := s.resumeAfterCursor(ctx, query, opts.Cursor, sortBy)
			if err != nil {
				return err
			}
			query = resumed
		}
		return query.Find(&rows).Error
	})
	if err != nil {
		return nil, "", err
	}

	rows, nextCursor := popOverflow(rows, limit)
	views, err := s.toViews(ctx, rows, opts.CurrentUserID, nil)
	if err != nil {
		return nil, "", err
	}
	return views, nextCursor, nil
}

// ReplyOptions narrows a reply listing request.
type ReplyOptions struct {
	Limit         int
	Cursor        string
	CurrentUserID string
}

// ListReplies returns a page of replies under a root comment, newest first.
// Each reply carries the parent comment's author identity for @mention
// display.
func (s *Store) ListReplies(ctx context.Context, parentID string, opts ReplyOptions) ([]CommentView, string, error) {
	limit := clampLimit(opts.Limit, defaultReplyLimit)

	var parent Comment
	var rows []Comment
	err := s.exec.Execute(ctx, opListReplies, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Where("comment_id = ?", parentID).Take(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: comment %s", errs.ErrNotFound, parentID)
		}
		if err != nil {
			return err
		}

		query := s.db.WithContext(ctx).
			Where("parent_id = ?", parentID).
			Order("created_at_ms DESC").Order("comment_id DESC").
			Limit(limit + 1)
		if opts.Cursor != "" {
			resumed, err := s.resumeAfterCursor(ctx, query, opts.Cursor, SortNewest)
			if err != nil {
				return err
			}
			query = resumed
		}
		return query.Find(&rows).Error
	})
	if err != nil {
		return nil, "", err
	}

	rows, nextCursor := popOverflow(rows, limit)
	views, err := s.toViews(ctx, rows, opts.CurrentUserID, &parent)
	if err != nil {
		return nil, "", err
	}
	return views, nextCursor, nil
}

// AddInput describes a new comment or reply.
type AddInput struct {
	SlideID  string
	AuthorID string
	Text     string
	ParentID *string
	ImageURL string
}

// Add inserts the comment and increments the slide's comment_count in one
// transaction; both effects happen together or not at all. Replies to
// replies are rejected, keeping the stored thread one level deep.
func (s *Store) Add(ctx context.Context, input AddInput) (CommentView, error) {
	if strings.TrimSpace(input.Text) == "" {
		return CommentView{}, fmt.Errorf("%w: comment text required", errs.ErrInvalidInput)
	}
	if strings.TrimSpace(input.AuthorID) == "" {
		return CommentView{}, fmt.Errorf("%w: author id required", errs.ErrInvalidInput)
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		return CommentView{}, err
	}
	row := Comment{
		CommentID:       commentID,
		SlideID:         input.SlideID,
		AuthorID:        input.AuthorID,
		ParentID:        input.ParentID,
		Text:            input.Text,
		ImageURL:        input.ImageURL,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}

	var slideOwnerID string
	var parentAuthorID string
	err = s.exec.Execute(ctx, opAdd, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var slide slides.Slide
			err := tx.Where("slide_id = ?", input.SlideID).Take(&slide).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slide %s", errs.ErrNotFound, input.SlideID)
			}
			if err != nil {
				return err
			}
			slideOwnerID = slide.UserID

			if input.ParentID != nil {
				var parent Comment
				err := tx.Where("comment_id = ?", *input.ParentID).Take(&parent).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: parent comment %s", errs.ErrNotFound, *input.ParentID)
				}
				if err != nil {
					return err
				}
				if parent.SlideID != input.SlideID {
					return fmt.Errorf("%w: parent comment belongs to a different slide", errs.ErrInvalidInput)
				}
				if parent.ParentID != nil {
					return fmt.Errorf("%w: replies to replies are not supported", errs.ErrInvalidInput)
				}
				parentAuthorID = parent.AuthorID
			}

			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			return tx.Model(&slides.Slide{}).
				Where("slide_id = ?", input.SlideID).
				Update("comment_count", gorm.Expr("comment_count + 1")).Error
		})
	})
	if err != nil {
		return CommentView{}, err
	}

	s.notifyCommented(ctx, row, slideOwnerID, parentAuthorID)

	views, err := s.toViews(ctx, []Comment{row}, input.AuthorID, nil)
	if err != nil {
		return CommentView{}, err
	}
	return views[0], nil
}

// Delete removes a comment and decrements the slide's comment_count in one
// transaction. Only the author may delete; anyone else gets Unauthorized and
// state is left unchanged.
func (s *Store) Delete(ctx context.Context, commentID, requesterID string) error {
	return s.exec.Execute(ctx, opDelete, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row Comment
			err := tx.Where("comment_id = ?", commentID).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: comment %s", errs.ErrNotFound, commentID)
			}
			if err != nil {
				return err
			}
			if row.AuthorID != requesterID {
				return fmt.Errorf("%w: only the author may delete a comment", errs.ErrUnauthorized)
			}

			if err := tx.Where("comment_id = ?", commentID).Delete(&likes.CommentLike{}).Error; err != nil {
				return err
			}
			if err := tx.Where("comment_id = ?", commentID).Delete(&Comment{}).Error; err != nil {
				return err
			}
			return tx.Model(&slides.Slide{}).
				Where("slide_id = ?", row.SlideID).
				Update("comment_count", gorm.Expr("comment_count - 1")).Error
		})
	})
}

// resumeAfterCursor restricts query to rows positioned at or after the
// cursor row in the given ordering. The cursor row itself is included: it
// was the popped overflow row of the previous page and has not been
// surfaced yet. The pivot lookups run under the same attempt context as the
// page query.
func (s *Store) resumeAfterCursor(ctx context.Context, query *gorm.DB, cursor string, sortBy SortOrder) (*gorm.DB, error) {
	var pivot Comment
	err := s.db.WithContext(ctx).Where("comment_id = ?", cursor).Take(&pivot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: stale cursor %q", errs.ErrInvalidInput, cursor)
	}
	if err != nil {
		return nil, err
	}

	timedKey := "(created_at_ms < ? OR (created_at_ms = ? AND comment_id <= ?))"
	if sortBy == SortNewest {
		return query.Where(timedKey, pivot.CreatedAtMillis, pivot.CreatedAtMillis, pivot.CommentID), nil
	}

	var pivotLikes int64
	if err := s.db.WithContext(ctx).Model(&likes.CommentLike{}).Where("comment_id = ?", cursor).Count(&pivotLikes).Error; err != nil {
		return nil, err
	}
	return query.Where(
		"("+likeCountExpr+" < ? OR ("+likeCountExpr+" = ? AND "+timedKey+"))",
		pivotLikes, pivotLikes, pivot.CreatedAtMillis, pivot.CreatedAtMillis, pivot.CommentID,
	), nil
}

func popOverflow(rows []Comment, limit int) ([]Comment, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	overflow := rows[limit]
	return rows[:limit], overflow.CommentID
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (s *Store) toViews(ctx context.Context, rows []Comment, currentUserID string, parent *Comment) ([]CommentView, error) {
	if len(rows) == 0 {
		return []CommentView{}, nil
	}

	commentIDs := make([]string, 0, len(rows))
	authorIDs := make([]string, 0, len(rows)+1)
	seen := make(map[string]struct{})
	for _, row := range rows {
		commentIDs = append(commentIDs, row.CommentID)
		if _, ok := seen[row.AuthorID]; !ok {
			seen[row.AuthorID] = struct{}{}
			authorIDs = append(authorIDs, row.AuthorID)
		}
	}
	if parent != nil {
		if _, ok := seen[parent.AuthorID]; !ok {
			authorIDs = append(authorIDs, parent.AuthorID)
		}
	}

	authors, likeCounts, replyCounts, likedByMe, err := s.loadRelations(ctx, commentIDs, authorIDs, currentUserID)
	if err != nil {
		return nil, err
	}

	parentAuthorID := ""
	parentAuthorName := ""
	if parent != nil {
		parentAuthorID = parent.AuthorID
		if author, ok := authors[parent.AuthorID]; ok {
			parentAuthorName = author.Username
			if parentAuthorName == "" {
				parentAuthorName = author.DisplayName
			}
		}
	}

	views := make([]CommentView, 0, len(rows))
	for _, row := range rows {
		view := CommentView{
			ID:              row.CommentID,
			SlideID:         row.SlideID,
			ParentID:        row.ParentID,
			Text:            row.Text,
			ImageURL:        row.ImageURL,
			LikeCount:       likeCounts[row.CommentID],
			ReplyCount:      replyCounts[row.CommentID],
			IsLiked:         likedByMe[row.CommentID],
			CreatedAtMillis: row.CreatedAtMillis,
		}
		if author, ok := authors[row.AuthorID]; ok {
			view.Author = Author{
				ID:          author.UserID,
				Username:    author.Username,
				DisplayName: author.DisplayName,
				AvatarURL:   author.AvatarURL,
				Role:        string(author.Role),
			}
		} else {
			view.Author = Author{ID: row.AuthorID}
		}
		if parent != nil {
			view.ParentAuthorID = parentAuthorID
			view.ParentAuthorName = parentAuthorName
		}
		views = append(views, view)
	}
	return views, nil
}

type countRow struct {
	CommentID string
	Total     int64
}

func (s *Store) loadRelations(
	ctx context.Context,
	commentIDs []string,
	authorIDs []string,
	currentUserID string,
) (map[string]users.User, map[string]int64, map[string]int64, map[string]bool, error) {
	authors := make(map[string]users.User)
	likeCounts := make(map[string]int64)
	replyCounts := make(map[string]int64)
	likedByMe := make(map[string]bool)

	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		var authorRows []users.User
		if err := s.db.WithContext(ctx).Where("user_id IN ?", authorIDs).Find(&authorRows).Error; err != nil {
			return err
		}
		for _, author := range authorRows {
			authors[author.UserID] = author
		}

		var likeRows []countRow
		if err := s.db.WithContext(ctx).Model(&likes.CommentLike{}).
			Select("comment_id", "COUNT(*) AS total").
			Where("comment_id IN ?", commentIDs).
			Group("comment_id").
			Find(&likeRows).Error; err != nil {
			return err
		}
		for _, likeRow := range likeRows {
			likeCounts[likeRow.CommentID] = likeRow.Total
		}

		var replyRows []struct {
			ParentID string
			Total    int64
		}
		if err := s.db.WithContext(ctx).Model(&Comment{}).
			Select("parent_id", "COUNT(*) AS total").
			Where("parent_id IN ?", commentIDs).
			Group("parent_id").
			Find(&replyRows).Error; err != nil {
			return err
		}
		for _, replyRow := range replyRows {
			replyCounts[replyRow.ParentID] = replyRow.Total
		}

		if currentUserID != "" {
			var likedIDs []string
			if err := s.db.WithContext(ctx).Model(&likes.CommentLike{}).
				Where("user_id = ? AND comment_id IN ?", currentUserID, commentIDs).
				Pluck("comment_id", &likedIDs).Error; err != nil {
				return err
			}
			for _, id := range likedIDs {
				likedByMe[id] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return authors, likeCounts, replyCounts, likedByMe, nil
}

func (s *Store) notifyCommented(ctx context.Context, row Comment, slideOwnerID, parentAuthorID string) {
	if s.notifier == nil {
		return
	}
	recipient := slideOwnerID
	text := "Ktoś skomentował Twój slajd 💬"
	if row.ParentID != nil {
		recipient = parentAuthorID
		text = "Ktoś odpowiedział na Twój komentarz 💬"
	}
	if recipient == "" || recipient == row.AuthorID {
		return
	}
	_, err := s.notifier.Create(ctx, notifications.CreateInput{
		UserID:     recipient,
		Type:       notifications.TypeComment,
		Text:       text,
		Link:       "/slides/" + row.SlideID,
		FromUserID: row.AuthorID,
	})
	if err != nil {
		s.logger.Warn("comment notification failed",
			zap.String("comment_id", row.CommentID),
			zap.Error(err))
	}
}

// Package slides persists feed posts and serves their cursor-paginated
// listing. A slide's payload is a tagged video/html variant stored inside a
// JSON content column.
package slides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/ids"
	"github.com/patronek-app/patronek/backend/internal/resilience"
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
	opGet     = "slides.get"
	opList    = "slides.list"
	opListAll = "slides.list_all"
	opCreate  = "slides.create"
	opUpdate  = "slides.update"
	opDelete  = "slides.delete"

	defaultListLimit = 5
	maxListLimit     = 100
)

// StoreConfig describes the dependencies of the slide store.
type StoreConfig struct {
	Database   *gorm.DB
	Executor   *resilience.Executor
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists slides.
type Store struct {
	db         *gorm.DB
	exec       *resilience.Executor
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs the slide store.
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
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Get returns a single slide.
func (s *Store) Get(ctx context.Context, slideID string) (SlideView, error) {
	var row Slide
	err := s.exec.Execute(ctx, opGet, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Where("slide_id = ?", slideID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: slide %s", errs.ErrNotFound, slideID)
		}
		return err
	})
	if err != nil {
		return SlideView{}, err
	}
	views, err := s.toViews(ctx, []Slide{row}, "")
	if err != nil {
		return SlideView{}, err
	}
	return views[0], nil
}

// ListOptions narrows a feed listing request.
type ListOptions struct {
	Limit         int
	Cursor        string
	CurrentUserID string
}

// List returns up to Limit slides ordered by creation time descending. A
// supplied cursor restricts the page to slides created strictly before the
// cursor's millisecond timestamp. The returned cursor is the creation
// timestamp of the last slide, or empty when the feed is exhausted.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]SlideView, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var before int64
	if opts.Cursor != "" {
		parsed, err := strconv.ParseInt(opts.Cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: malformed cursor %q", errs.ErrInvalidInput, opts.Cursor)
		}
		before = parsed
	}

	var rows []Slide
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Order("created_at_ms DESC").Limit(limit)
		if before > 0 {
			query = query.Where("created_at_ms < ?", before)
		}
		return query.Find(&rows).Error
	})
	if err != nil {
		return nil, "", err
	}

	views, err := s.toViews(ctx, rows, opts.CurrentUserID)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(rows) == limit && limit > 0 {
		nextCursor = strconv.FormatInt(rows[len(rows)-1].CreatedAtMillis, 10)
	}
	return views, nextCursor, nil
}

// ListAll returns the whole feed unpaginated, for administrative listing
// only.
func (s *Store) ListAll(ctx context.Context) ([]SlideView, error) {
	var rows []Slide
	err := s.exec.Execute(ctx, opListAll, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Order("created_at_ms DESC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return s.toViews(ctx, rows, "")
}

// CreateInput describes a new slide.
type CreateInput struct {
	OwnerID     string
	X           int
	Y           int
	Type        string
	Data        json.RawMessage
	AccessLevel string
}

// Create validates the payload against the declared type, then inserts the
// slide. Duplicate grid coordinates surface as a conflict.
func (s *Store) Create(ctx context.Context, input CreateInput) (string, error) {
	slideType, err := ParseSlideType(input.Type)
	if err != nil {
		return "", err
	}
	payload, err := ParsePayload(slideType, input.Data)
	if err != nil {
		return "", err
	}
	accessLevel, err := ParseAccessLevel(input.AccessLevel)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return "", fmt.Errorf("%w: owner id required", errs.ErrInvalidInput)
	}

	slideID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}

	title := payload.Title()
	if title == "" {
		if slideType == SlideTypeHTML {
			title = "HTML Slide"
		} else {
			title = "Video Slide"
		}
	}

	err = s.exec.Execute(ctx, opCreate, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owner users.User
			err := tx.Where("user_id = ?", input.OwnerID).Take(&owner).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", errs.ErrNotFound, input.OwnerID)
			}
			if err != nil {
				return err
			}

			content, err := encodeContent(payload, owner.AvatarURL)
			if err != nil {
				return err
			}

			row := Slide{
				SlideID:         slideID,
				UserID:          owner.UserID,
				Username:        owner.Username,
				PosX:            input.X,
				PosY:            input.Y,
				SlideType:       slideType,
				Title:           title,
				ContentJSON:     content,
				AccessLevel:     accessLevel,
				CreatedAtMillis: s.clock().UTC().UnixMilli(),
			}
			if err := tx.Create(&row).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: grid position (%d,%d) already taken", errs.ErrConflict, input.X, input.Y)
				}
				return err
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return slideID, nil
}

// UpdateInput carries a partial payload update. Fields present in Data merge
// into the stored payload; the record is never replaced wholesale.
type UpdateInput struct {
	Data json.RawMessage
}

// Update merges the partial payload into the stored content envelope, and
// retitles the slide when the merged payload carries a title.
func (s *Store) Update(ctx context.Context, slideID string, input UpdateInput) error {
	return s.exec.Execute(ctx, opUpdate, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row Slide
			err := tx.Where("slide_id = ?", slideID).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slide %s", errs.ErrNotFound, slideID)
			}
			if err != nil {
				return err
			}

			stored, avatar, err := decodeContent(row.SlideType, row.ContentJSON)
			if err != nil {
				return err
			}
			merged, err := mergeData(row.SlideType, stored, input.Data)
			if err != nil {
				return err
			}
			content, err := encodeContent(merged, avatar)
			if err != nil {
				return err
			}

			updates := map[string]interface{}{"content_json": content}
			if title := merged.Title(); title != "" {
				updates["title"] = title
			}
			return tx.Model(&Slide{}).Where("slide_id = ?", slideID).Updates(updates).Error
		})
	})
}

// Delete removes the slide together with its likes, comments and the
// comment likes of those comments, in one transaction. The schema carries no
// backend-level cascade; referential cleanliness is this store's job.
func (s *Store) Delete(ctx context.Context, slideID string) error {
	return s.exec.Execute(ctx, opDelete, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row Slide
			err := tx.Where("slide_id = ?", slideID).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slide %s", errs.ErrNotFound, slideID)
			}
			if err != nil {
				return err
			}

			if err := tx.Exec(
				"DELETE FROM comment_likes WHERE comment_id IN (SELECT comment_id FROM comments WHERE slide_id = ?)",
				slideID,
			).Error; err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM likes WHERE slide_id = ?", slideID).Error; err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM comments WHERE slide_id = ?", slideID).Error; err != nil {
				return err
			}
			return tx.Where("slide_id = ?", slideID).Delete(&Slide{}).Error
		})
	})
}

func (s *Store) toViews(ctx context.Context, rows []Slide, currentUserID string) ([]SlideView, error) {
	liked, err := s.likedSlideIDs(ctx, rows, currentUserID)
	if err != nil {
		return nil, err
	}
	avatars, err := s.authorAvatars(ctx, rows)
	if err != nil {
		return nil, err
	}

	views := make([]SlideView, 0, len(rows))
	for _, row := range rows {
		payload, storedAvatar, err := decodeContent(row.SlideType, row.ContentJSON)
		if err != nil {
			s.logger.Error("slide content decode failed",
				zap.String("slide_id", row.SlideID),
				zap.Error(err))
			return nil, err
		}
		avatar := avatars[row.UserID]
		if avatar == "" {
			avatar = storedAvatar
		}
		views = append(views, SlideView{
			ID:              row.SlideID,
			UserID:          row.UserID,
			Username:        row.Username,
			AvatarURL:       avatar,
			X:               row.PosX,
			Y:               row.PosY,
			Type:            row.SlideType,
			Data:            payload,
			AccessLevel:     row.AccessLevel,
			LikeCount:       row.LikeCount,
			CommentCount:    row.CommentCount,
			IsLiked:         liked[row.SlideID],
			CreatedAtMillis: row.CreatedAtMillis,
		})
	}
	return views, nil
}

func (s *Store) likedSlideIDs(ctx context.Context, rows []Slide, currentUserID string) (map[string]bool, error) {
	liked := make(map[string]bool)
	if currentUserID == "" || len(rows) == 0 {
		return liked, nil
	}
	slideIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		slideIDs = append(slideIDs, row.SlideID)
	}

	var likedIDs []string
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Table("likes").
			Where("user_id = ? AND slide_id IN ?", currentUserID, slideIDs).
			Pluck("slide_id", &likedIDs).Error
	})
	if err != nil {
		return nil, err
	}
	for _, id := range likedIDs {
		liked[id] = true
	}
	return liked, nil
}

func (s *Store) authorAvatars(ctx context.Context, rows []Slide) (map[string]string, error) {
	avatars := make(map[string]string)
	if len(rows) == 0 {
		return avatars, nil
	}
	seen := make(map[string]struct{})
	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.UserID]; ok {
			continue
		}
		seen[row.UserID] = struct{}{}
		userIDs = append(userIDs, row.UserID)
	}

	var authors []users.User
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&authors).Error
	})
	if err != nil {
		return nil, err
	}
	for _, author := range authors {
		avatars[author.UserID] = author.AvatarURL
	}
	return avatars, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

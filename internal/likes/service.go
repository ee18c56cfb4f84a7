// Package likes toggles like relations atomically with their denormalized
// counters. The transaction boundary is the sole concurrency-correctness
// mechanism: the existence check and the mutation share one transaction, so
// concurrent toggles for the same (slide, user) pair serialize at the
// backend instead of racing in application code.
package likes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingExecutor = errors.New("executor is required")
	noOpLogger         = zap.NewNop()
)

const (
	opToggleLike        = "likes.toggle"
	opToggleCommentLike = "likes.toggle_comment"
)

// Notifier appends notifications when content receives a like.
type Notifier interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
}

// ServiceConfig describes the dependencies of the like service.
type ServiceConfig struct {
	Database *gorm.DB
	Executor *resilience.Executor
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service toggles likes on slides and comments.
type Service struct {
	db       *gorm.DB
	exec     *resilience.Executor
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the like service.
func NewService(cfg ServiceConfig) (*Service, error) {
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
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		exec:     cfg.Executor,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ToggleLike flips the like relation for (slideID, userID) and keeps the
// slide's like_count in step, all in one transaction. The returned count is
// re-read after the mutation, never computed locally.
func (s *Service) ToggleLike(ctx context.Context, slideID, userID string) (ToggleResult, error) {
	if slideID == "" || userID == "" {
		return ToggleResult{}, fmt.Errorf("%w: slide id and user id required", errs.ErrInvalidInput)
	}

	var result ToggleResult
	var ownerID string
	err := s.exec.Execute(ctx, opToggleLike, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var slide slides.Slide
			err := tx.Where("slide_id = ?", slideID).Take(&slide).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: slide %s", errs.ErrNotFound, slideID)
			}
			if err != nil {
				return err
			}
			ownerID = slide.UserID

			var existing Like
			err = tx.Where("slide_id = ? AND user_id = ?", slideID, userID).Take(&existing).Error
			switch {
			case err == nil:
				if err := tx.Where("slide_id = ? AND user_id = ?", slideID, userID).Delete(&Like{}).Error; err != nil {
					return err
				}
				if err := tx.Model(&slides.Slide{}).
					Where("slide_id = ?", slideID).
					Update("like_count", gorm.Expr("like_count - 1")).Error; err != nil {
					return err
				}
				result.Status = StatusUnliked
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := Like{
					SlideID:         slideID,
					UserID:          userID,
					CreatedAtMillis: s.clock().UTC().UnixMilli(),
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				if err := tx.Model(&slides.Slide{}).
					Where("slide_id = ?", slideID).
					Update("like_count", gorm.Expr("like_count + 1")).Error; err != nil {
					return err
				}
				result.Status = StatusLiked
			default:
				return err
			}

			var refreshed slides.Slide
			if err := tx.Where("slide_id = ?", slideID).Take(&refreshed).Error; err != nil {
				return err
			}
			result.LikeCount = refreshed.LikeCount
			return nil
		})
	})
	if err != nil {
		return ToggleResult{}, err
	}

	if result.Status == StatusLiked {
		s.notifySlideLiked(ctx, ownerID, userID, slideID)
	}
	return result, nil
}

// ToggleCommentLike flips the like relation for (commentID, userID).
// Comments carry no denormalized counter, so the returned count re-counts
// the relation rows inside the same transaction.
func (s *Service) ToggleCommentLike(ctx context.Context, commentID, userID string) (ToggleResult, error) {
	if commentID == "" || userID == "" {
		return ToggleResult{}, fmt.Errorf("%w: comment id and user id required", errs.ErrInvalidInput)
	}

	var result ToggleResult
	var authorID string
	var slideID string
	err := s.exec.Execute(ctx, opToggleCommentLike, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var comment struct {
				AuthorID string
				SlideID  string
			}
			err := tx.Table("comments").
				Select("author_id", "slide_id").
				Where("comment_id = ?", commentID).
				Take(&comment).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: comment %s", errs.ErrNotFound, commentID)
			}
			if err != nil {
				return err
			}
			authorID = comment.AuthorID
			slideID = comment.SlideID

			var existing CommentLike
			err = tx.Where("comment_id = ? AND user_id = ?", commentID, userID).Take(&existing).Error
			switch {
			case err == nil:
				if err := tx.Where("comment_id = ? AND user_id = ?", commentID, userID).Delete(&CommentLike{}).Error; err != nil {
					return err
				}
				result.Status = StatusUnliked
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := CommentLike{
					CommentID:       commentID,
					UserID:          userID,
					CreatedAtMillis: s.clock().UTC().UnixMilli(),
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				result.Status = StatusLiked
			default:
				return err
			}

			return tx.Model(&CommentLike{}).
				Where("comment_id = ?", commentID).
				Count(&result.LikeCount).Error
		})
	})
	if err != nil {
		return ToggleResult{}, err
	}

	if result.Status == StatusLiked {
		s.notifyCommentLiked(ctx, authorID, userID, slideID)
	}
	return result, nil
}

// Notification writes are a side effect, never a failure of the toggle
// itself; self-likes stay silent.
func (s *Service) notifySlideLiked(ctx context.Context, ownerID, actorID, slideID string) {
	if s.notifier == nil || ownerID == "" || ownerID == actorID {
		return
	}
	_, err := s.notifier.Create(ctx, notifications.CreateInput{
		UserID:     ownerID,
		Type:       notifications.TypeLike,
		Text:       "Ktoś polubił Twój slajd ❤️",
		Link:       "/slides/" + slideID,
		FromUserID: actorID,
	})
	if err != nil {
		s.logger.Warn("like notification failed",
			zap.String("slide_id", slideID),
			zap.Error(err))
	}
}

func (s *Service) notifyCommentLiked(ctx context.Context, authorID, actorID, slideID string) {
	if s.notifier == nil || authorID == "" || authorID == actorID {
		return
	}
	_, err := s.notifier.Create(ctx, notifications.CreateInput{
		UserID:     authorID,
		Type:       notifications.TypeLike,
		Text:       "Ktoś polubił Twój komentarz ❤️",
		Link:       "/slides/" + slideID,
		FromUserID: actorID,
	})
	if err != nil {
		s.logger.Warn("comment like notification failed",
			zap.String("slide_id", slideID),
			zap.Error(err))
	}
}

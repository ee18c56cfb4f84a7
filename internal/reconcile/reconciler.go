// Package reconcile recomputes the denormalized slide counters from their
// source-of-truth relation rows. Every service-layer mutation updates the
// counters transactionally, but writes that bypass the service layer can
// still drift them; this batch job is the safety net. It runs out of band,
// never on the request path, and is safe to run repeatedly.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/patronek-app/patronek/backend/internal/comments"
	"github.com/patronek-app/patronek/backend/internal/likes"
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

const opReconcile = "reconcile.counters"

// ReconcilerConfig describes the dependencies of the counter reconciler.
type ReconcilerConfig struct {
	Database *gorm.DB
	Executor *resilience.Executor
	Logger   *zap.Logger
}

// Reconciler heals drift between slide counters and relation rows.
type Reconciler struct {
	db     *gorm.DB
	exec   *resilience.Executor
	logger *zap.Logger
}

// NewReconciler constructs the reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		db:     cfg.Database,
		exec:   cfg.Executor,
		logger: logger,
	}, nil
}

// Report summarizes a reconciliation run.
type Report struct {
	SlidesChecked        int
	LikeCountRepaired    int
	CommentCountRepaired int
	Duration             time.Duration
}

// Run recomputes like_count and comment_count for every slide, writing only
// the counters whose stored value differs from the recomputed one. Running
// it twice without intervening mutation changes nothing.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	report := Report{}

	var rows []slides.Slide
	err := r.exec.Execute(ctx, opReconcile, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Order("created_at_ms ASC").Find(&rows).Error
	})
	if err != nil {
		return Report{}, err
	}

	for _, slide := range rows {
		repairedLikes, repairedComments, err := r.reconcileSlide(ctx, slide)
		if err != nil {
			return Report{}, err
		}
		report.SlidesChecked++
		if repairedLikes {
			report.LikeCountRepaired++
		}
		if repairedComments {
			report.CommentCountRepaired++
		}
	}

	report.Duration = time.Since(started)
	r.logger.Info("counter reconciliation finished",
		zap.Int("slides_checked", report.SlidesChecked),
		zap.Int("like_counts_repaired", report.LikeCountRepaired),
		zap.Int("comment_counts_repaired", report.CommentCountRepaired),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Reconciler) reconcileSlide(ctx context.Context, slide slides.Slide) (bool, bool, error) {
	repairedLikes := false
	repairedComments := false

	err := r.exec.Execute(ctx, opReconcile, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var likeCount int64
			if err := tx.Model(&likes.Like{}).Where("slide_id = ?", slide.SlideID).Count(&likeCount).Error; err != nil {
				return err
			}
			var commentCount int64
			if err := tx.Model(&comments.Comment{}).Where("slide_id = ?", slide.SlideID).Count(&commentCount).Error; err != nil {
				return err
			}

			updates := map[string]interface{}{}
			if likeCount != slide.LikeCount {
				updates["like_count"] = likeCount
				repairedLikes = true
			}
			if commentCount != slide.CommentCount {
				updates["comment_count"] = commentCount
				repairedComments = true
			}
			if len(updates) == 0 {
				return nil
			}

			r.logger.Warn("counter drift repaired",
				zap.String("slide_id", slide.SlideID),
				zap.Int64("stored_like_count", slide.LikeCount),
				zap.Int64("actual_like_count", likeCount),
				zap.Int64("stored_comment_count", slide.CommentCount),
				zap.Int64("actual_comment_count", commentCount))
			return tx.Model(&slides.Slide{}).Where("slide_id = ?", slide.SlideID).Updates(updates).Error
		})
	})
	if err != nil {
		return false, false, err
	}
	return repairedLikes, repairedComments, nil
}

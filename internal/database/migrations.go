package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSlideCounters = "2026-08-12_backfill_slide_counters"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSlideCounters, apply: backfillSlideCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSlideCounters replays the one-off counter repair that used to run
// as an ad-hoc script, syncing both denormalized counters from their source
// relations. Ongoing drift is handled by the reconciler.
func backfillSlideCounters(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"UPDATE slides SET like_count = (SELECT COUNT(*) FROM likes WHERE likes.slide_id = slides.slide_id)",
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			"UPDATE slides SET comment_count = (SELECT COUNT(*) FROM comments WHERE comments.slide_id = slides.slide_id)",
		).Error
	})
}

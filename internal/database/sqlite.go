package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/patronek-app/patronek/backend/internal/comments"
	"github.com/patronek-app/patronek/backend/internal/likes"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"github.com/patronek-app/patronek/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The handle is constructed once at process start and injected into the
// stores; there is no lazy first-use initialization.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.User{},
		&slides.Slide{},
		&comments.Comment{},
		&likes.Like{},
		&likes.CommentLike{},
		&notifications.Notification{},
		&notifications.PushSubscription{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

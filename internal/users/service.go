// Package users manages account records. Creating an account appends a
// welcome notification as a side effect; role changes arrive through Update
// from the external payment webhook collaborator.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/ids"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingExecutor = errors.New("executor is required")
	noOpLogger         = zap.NewNop()
)

const (
	opCreate    = "users.create"
	opGet       = "users.get"
	opList      = "users.list"
	opUpdate    = "users.update"
	opDelete    = "users.delete"
	welcomeLink = "/profile"
)

// Notifier appends notifications on account events.
type Notifier interface {
	Create(ctx context.Context, input notifications.CreateInput) (notifications.Notification, error)
}

// ServiceConfig describes the dependencies of the user service.
type ServiceConfig struct {
	Database   *gorm.DB
	Executor   *resilience.Executor
	Notifier   Notifier
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service manages user accounts.
type Service struct {
	db         *gorm.DB
	exec       *resilience.Executor
	notifier   Notifier
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs the user service.
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
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		exec:       cfg.Executor,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateInput describes a new account.
type CreateInput struct {
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	Role        Role
}

// Create inserts the account and appends its welcome notification.
func (s *Service) Create(ctx context.Context, input CreateInput) (User, error) {
	username := normalize(input.Username)
	email := normalize(input.Email)
	if username == "" {
		return User{}, fmt.Errorf("%w: username required", errs.ErrInvalidInput)
	}
	if email == "" {
		return User{}, fmt.Errorf("%w: email required", errs.ErrInvalidInput)
	}
	role := input.Role
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}
	user := User{
		UserID:          id,
		Username:        username,
		DisplayName:     normalize(input.DisplayName),
		Email:           email,
		AvatarURL:       normalize(input.AvatarURL),
		Role:            role,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}

	err = s.exec.Execute(ctx, opCreate, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Create(&user).Error
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: username or email already taken", errs.ErrConflict)
		}
		return err
	})
	if err != nil {
		return User{}, err
	}

	s.sendWelcome(ctx, user)
	return user, nil
}

// Get returns the account with the given identifier.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return s.getBy(ctx, "user_id = ?", userID)
}

// GetByUsername returns the account owning the given username.
func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	return s.getBy(ctx, "username = ?", normalize(username))
}

// GetByEmail returns the account registered under the given email.
func (s *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.getBy(ctx, "email = ?", normalize(email))
}

// List returns every account, for administrative listing.
func (s *Service) List(ctx context.Context) ([]User, error) {
	var rows []User
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Order("created_at_ms DESC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateInput carries the profile fields that may change after creation.
// Nil fields are left untouched.
type UpdateInput struct {
	DisplayName *string
	AvatarURL   *string
	Role        *Role
}

// Update applies a partial profile update and returns the stored record.
func (s *Service) Update(ctx context.Context, userID string, input UpdateInput) (User, error) {
	updates := map[string]interface{}{}
	if input.DisplayName != nil {
		updates["display_name"] = normalize(*input.DisplayName)
	}
	if input.AvatarURL != nil {
		updates["avatar_url"] = normalize(*input.AvatarURL)
	}
	if input.Role != nil {
		if _, err := ParseRole(string(*input.Role)); err != nil {
			return User{}, err
		}
		updates["role"] = *input.Role
	}

	var user User
	err := s.exec.Execute(ctx, opUpdate, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("user_id = ?", userID).Take(&user).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
			}
			if err != nil {
				return err
			}
			if len(updates) == 0 {
				return nil
			}
			if err := tx.Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
				return err
			}
			return tx.Where("user_id = ?", userID).Take(&user).Error
		})
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Delete removes the account record. Content owned by the user is left in
// place; administrative cleanup uses the slide cascade delete.
func (s *Service) Delete(ctx context.Context, userID string) error {
	return s.exec.Execute(ctx, opDelete, func(ctx context.Context) error {
		result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&User{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
		}
		return nil
	})
}

// Summaries returns display summaries for the given user identifiers, used
// to enrich feed and comment listings.
func (s *Service) Summaries(ctx context.Context, userIDs []string) (map[string]User, error) {
	if len(userIDs) == 0 {
		return map[string]User{}, nil
	}
	var rows []User
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	summaries := make(map[string]User, len(rows))
	for _, row := range rows {
		summaries[row.UserID] = row
	}
	return summaries, nil
}

func (s *Service) getBy(ctx context.Context, query string, arg string) (User, error) {
	var user User
	err := s.exec.Execute(ctx, opGet, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Where(query, arg).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: user", errs.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) sendWelcome(ctx context.Context, user User) {
	if s.notifier == nil {
		return
	}
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	text := fmt.Sprintf("Cześć %s! 👋 Witaj w społeczności Patronek. Cieszymy się, że jesteś z nami! 🚀", name)
	_, err := s.notifier.Create(ctx, notifications.CreateInput{
		UserID: user.UserID,
		Type:   notifications.TypeWelcome,
		Text:   text,
		Link:   welcomeLink,
	})
	if err != nil {
		s.logger.Warn("welcome notification failed",
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}
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

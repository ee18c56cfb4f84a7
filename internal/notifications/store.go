// Package notifications persists the append-only notification log and the
// push-subscription registry read by the external delivery collaborator.
package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/ids"
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
	opCreate      = "notifications.create"
	opList        = "notifications.list"
	opMarkRead    = "notifications.mark_read"
	opUnreadCount = "notifications.unread_count"
	opSaveSub     = "notifications.save_push_subscription"
	opListSubs    = "notifications.list_push_subscriptions"
)

// StoreConfig describes the dependencies of the notification store.
type StoreConfig struct {
	Database   *gorm.DB
	Executor   *resilience.Executor
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists notifications and push subscriptions.
type Store struct {
	db         *gorm.DB
	exec       *resilience.Executor
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs the notification store.
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

// CreateInput describes a notification to append.
type CreateInput struct {
	UserID     string
	Type       NotificationType
	Text       string
	Link       string
	FromUserID string
}

// Create appends a notification to the recipient's log.
func (s *Store) Create(ctx context.Context, input CreateInput) (Notification, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return Notification{}, fmt.Errorf("%w: recipient user id required", errs.ErrInvalidInput)
	}
	if strings.TrimSpace(string(input.Type)) == "" {
		return Notification{}, fmt.Errorf("%w: notification type required", errs.ErrInvalidInput)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Notification{}, err
	}

	row := Notification{
		NotificationID:  id,
		UserID:          input.UserID,
		Type:            input.Type,
		Text:            input.Text,
		Link:            input.Link,
		FromUserID:      input.FromUserID,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	err = s.exec.Execute(ctx, opCreate, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return Notification{}, err
	}
	return row, nil
}

// List returns the recipient's notifications newest-first, enriched with an
// origin-user summary when the notification names an acting user.
func (s *Store) List(ctx context.Context, userID string) ([]NotificationView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id required", errs.ErrInvalidInput)
	}

	var rows []Notification
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at_ms DESC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	origins, err := s.originSummaries(ctx, rows)
	if err != nil {
		return nil, err
	}

	views := make([]NotificationView, 0, len(rows))
	for _, row := range rows {
		view := NotificationView{
			ID:              row.NotificationID,
			UserID:          row.UserID,
			Type:            row.Type,
			Text:            row.Text,
			Link:            row.Link,
			Read:            row.Read,
			CreatedAtMillis: row.CreatedAtMillis,
		}
		if origin, ok := origins[row.FromUserID]; ok {
			summary := origin
			view.FromUser = &summary
		}
		views = append(views, view)
	}
	return views, nil
}

// MarkRead flips the read flag on a single notification. Only the recipient
// may mark it; a foreign requester is rejected inside the transaction before
// any write, leaving the flag untouched.
func (s *Store) MarkRead(ctx context.Context, notificationID, requesterID string) (Notification, error) {
	var row Notification
	err := s.exec.Execute(ctx, opMarkRead, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("notification_id = ?", notificationID).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: notification %s", errs.ErrNotFound, notificationID)
			}
			if err != nil {
				return err
			}
			if row.UserID != requesterID {
				return fmt.Errorf("%w: only the recipient may mark a notification read", errs.ErrUnauthorized)
			}
			if row.Read {
				return nil
			}
			row.Read = true
			return tx.Model(&Notification{}).
				Where("notification_id = ?", notificationID).
				Update("read", true).Error
		})
	})
	if err != nil {
		return Notification{}, err
	}
	return row, nil
}

// UnreadCount returns the number of unread notifications for the recipient.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.exec.Execute(ctx, opUnreadCount, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&Notification{}).
			Where("user_id = ? AND read = ?", userID, false).
			Count(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SavePushSubscription upserts a push subscription keyed by the endpoint
// identity inside the opaque blob. The recipient may be anonymous until the
// subscription is linked to a user.
func (s *Store) SavePushSubscription(ctx context.Context, userID string, subscription json.RawMessage, isPWAInstalled bool) error {
	endpoint, err := subscriptionEndpoint(subscription)
	if err != nil {
		return err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return err
	}

	row := PushSubscription{
		SubscriptionID:   id,
		UserID:           userID,
		EndpointHash:     hashEndpoint(endpoint),
		SubscriptionJSON: string(subscription),
		IsPWAInstalled:   isPWAInstalled,
		CreatedAtMillis:  s.clock().UTC().UnixMilli(),
	}
	return s.exec.Execute(ctx, opSaveSub, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing PushSubscription
			err := tx.Where("endpoint_hash = ?", row.EndpointHash).Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tx.Create(&row).Error
			}
			if err != nil {
				return err
			}
			updates := map[string]interface{}{
				"subscription_json": row.SubscriptionJSON,
				"is_pwa_installed":  row.IsPWAInstalled,
			}
			if row.UserID != "" {
				updates["user_id"] = row.UserID
			}
			return tx.Model(&PushSubscription{}).
				Where("endpoint_hash = ?", row.EndpointHash).
				Updates(updates).Error
		})
	})
}

// SubscriptionFilter narrows which push subscriptions are returned.
type SubscriptionFilter struct {
	UserID         string
	Role           string
	IsPWAInstalled *bool
}

// ListPushSubscriptions returns raw subscription blobs for the external
// delivery transport.
func (s *Store) ListPushSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]json.RawMessage, error) {
	var blobs []string
	err := s.exec.Execute(ctx, opListSubs, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Model(&PushSubscription{})
		if filter.UserID != "" {
			query = query.Where("push_subscriptions.user_id = ?", filter.UserID)
		}
		if filter.Role != "" {
			query = query.
				Joins("JOIN users ON users.user_id = push_subscriptions.user_id").
				Where("users.role = ?", filter.Role)
		}
		if filter.IsPWAInstalled != nil {
			query = query.Where("push_subscriptions.is_pwa_installed = ?", *filter.IsPWAInstalled)
		}
		return query.Pluck("push_subscriptions.subscription_json", &blobs).Error
	})
	if err != nil {
		return nil, err
	}

	subscriptions := make([]json.RawMessage, 0, len(blobs))
	for _, blob := range blobs {
		subscriptions = append(subscriptions, json.RawMessage(blob))
	}
	return subscriptions, nil
}

type userSummaryRow struct {
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
}

func (s *Store) originSummaries(ctx context.Context, rows []Notification) (map[string]OriginUser, error) {
	seen := make(map[string]struct{})
	originIDs := make([]string, 0)
	for _, row := range rows {
		if row.FromUserID == "" {
			continue
		}
		if _, ok := seen[row.FromUserID]; ok {
			continue
		}
		seen[row.FromUserID] = struct{}{}
		originIDs = append(originIDs, row.FromUserID)
	}
	if len(originIDs) == 0 {
		return map[string]OriginUser{}, nil
	}

	var summaries []userSummaryRow
	err := s.exec.Execute(ctx, opList, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Table("users").
			Select("user_id", "username", "display_name", "avatar_url").
			Where("user_id IN ?", originIDs).
			Find(&summaries).Error
	})
	if err != nil {
		return nil, err
	}

	origins := make(map[string]OriginUser, len(summaries))
	for _, summary := range summaries {
		name := summary.Username
		if name == "" {
			name = summary.DisplayName
		}
		origins[summary.UserID] = OriginUser{
			ID:        summary.UserID,
			Username:  name,
			AvatarURL: summary.AvatarURL,
		}
	}
	return origins, nil
}

func subscriptionEndpoint(subscription json.RawMessage) (string, error) {
	if len(subscription) == 0 {
		return "", fmt.Errorf("%w: subscription payload required", errs.ErrInvalidInput)
	}
	var payload struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(subscription, &payload); err != nil {
		return "", fmt.Errorf("%w: malformed subscription payload", errs.ErrInvalidInput)
	}
	if strings.TrimSpace(payload.Endpoint) == "" {
		return "", fmt.Errorf("%w: subscription endpoint required", errs.ErrInvalidInput)
	}
	return payload.Endpoint, nil
}

func hashEndpoint(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

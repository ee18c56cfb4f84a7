package notifications

// NotificationType is an open string set; these are the values emitted by
// this service. External collaborators (payment webhooks) may write others.
type NotificationType string

const (
	TypeWelcome NotificationType = "welcome"
	TypeLike    NotificationType = "like"
	TypeComment NotificationType = "comment"
	TypeFollow  NotificationType = "follow"
	TypeSystem  NotificationType = "system"
)

// Notification is an append-only log row; only the read flag mutates.
type Notification struct {
	NotificationID  string           `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID          string           `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_time,priority:1"`
	Type            NotificationType `gorm:"column:type;size:32;not null"`
	Text            string           `gorm:"column:text;type:text;not null"`
	Link            string           `gorm:"column:link;size:512;not null;default:''"`
	FromUserID      string           `gorm:"column:from_user_id;size:190;not null;default:''"`
	Read            bool             `gorm:"column:read;not null;default:false;index"`
	CreatedAtMillis int64            `gorm:"column:created_at_ms;not null;index:idx_notifications_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// PushSubscription stores an opaque transport blob keyed by endpoint identity
// so the same browser endpoint is never registered twice. Delivery is owned
// by an external collaborator.
type PushSubscription struct {
	SubscriptionID   string `gorm:"column:subscription_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;default:'';index"`
	EndpointHash     string `gorm:"column:endpoint_hash;size:64;not null;uniqueIndex"`
	SubscriptionJSON string `gorm:"column:subscription_json;type:text;not null"`
	IsPWAInstalled   bool   `gorm:"column:is_pwa_installed;not null;default:false;index"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// OriginUser summarizes the acting user attached to a notification.
type OriginUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar"`
}

// NotificationView is a notification enriched with its origin-user summary.
type NotificationView struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Type            NotificationType `json:"type"`
	Text            string           `json:"text"`
	Link            string           `json:"link,omitempty"`
	FromUser        *OriginUser      `json:"fromUser,omitempty"`
	Read            bool             `json:"read"`
	CreatedAtMillis int64            `json:"createdAt"`
}

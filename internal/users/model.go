package users

import (
	"fmt"
	"strings"

	"github.com/patronek-app/patronek/backend/internal/errs"
)

// Role gates what a user may publish and view.
type Role string

const (
	RoleUser   Role = "user"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
	RolePatron Role = "patron"
)

// ParseRole validates a raw role value.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(raw)) {
	case RoleUser:
		return RoleUser, nil
	case RoleAuthor:
		return RoleAuthor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RolePatron:
		return RolePatron, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", errs.ErrInvalidInput, raw)
}

// CanPublish reports whether the role may create slides.
func (r Role) CanPublish() bool {
	return r == RoleAuthor || r == RoleAdmin
}

// User is the account record owning slides, comments, likes and
// notifications.
type User struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username        string `gorm:"column:username;size:190;not null;uniqueIndex"`
	DisplayName     string `gorm:"column:display_name;size:320;not null;default:''"`
	Email           string `gorm:"column:email;size:320;not null;uniqueIndex"`
	AvatarURL       string `gorm:"column:avatar_url;size:512;not null;default:''"`
	Role            Role   `gorm:"column:role;size:32;not null;default:'user'"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

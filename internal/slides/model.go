package slides

import (
	"fmt"
	"strings"

	"github.com/patronek-app/patronek/backend/internal/errs"
)

// SlideType discriminates the payload variant carried by a slide.
type SlideType string

const (
	SlideTypeVideo SlideType = "video"
	SlideTypeHTML  SlideType = "html"
)

// ParseSlideType validates a raw slide type before any backend call.
func ParseSlideType(raw string) (SlideType, error) {
	switch SlideType(strings.TrimSpace(raw)) {
	case SlideTypeVideo:
		return SlideTypeVideo, nil
	case SlideTypeHTML:
		return SlideTypeHTML, nil
	}
	return "", fmt.Errorf("%w: unknown slide type %q", errs.ErrInvalidInput, raw)
}

// AccessLevel is the visibility tier of a slide. Enforcement belongs to the
// authorization collaborator; this store persists and returns it unchanged.
type AccessLevel string

const (
	AccessPublic       AccessLevel = "PUBLIC"
	AccessSecretPatron AccessLevel = "SECRET_PATRON"
	AccessSecretPWA    AccessLevel = "SECRET_PWA"
)

// ParseAccessLevel validates a raw access level value.
func ParseAccessLevel(raw string) (AccessLevel, error) {
	switch AccessLevel(strings.TrimSpace(raw)) {
	case AccessPublic, "":
		return AccessPublic, nil
	case AccessSecretPatron:
		return AccessSecretPatron, nil
	case AccessSecretPWA:
		return AccessSecretPWA, nil
	}
	return "", fmt.Errorf("%w: unknown access level %q", errs.ErrInvalidInput, raw)
}

// Slide is a feed post at a grid position. like_count and comment_count are
// denormalized from the likes and comments tables; every service-layer
// mutation updates them transactionally and the reconciler heals drift.
type Slide struct {
	SlideID         string      `gorm:"column:slide_id;primaryKey;size:190;not null"`
	UserID          string      `gorm:"column:user_id;size:190;not null;index"`
	Username        string      `gorm:"column:username;size:190;not null;default:''"`
	PosX            int         `gorm:"column:pos_x;not null;uniqueIndex:idx_slides_grid,priority:1"`
	PosY            int         `gorm:"column:pos_y;not null;uniqueIndex:idx_slides_grid,priority:2"`
	SlideType       SlideType   `gorm:"column:slide_type;size:16;not null"`
	Title           string      `gorm:"column:title;size:320;not null;default:''"`
	ContentJSON     string      `gorm:"column:content_json;type:text;not null"`
	AccessLevel     AccessLevel `gorm:"column:access_level;size:32;not null;default:'PUBLIC'"`
	LikeCount       int64       `gorm:"column:like_count;not null;default:0"`
	CommentCount    int64       `gorm:"column:comment_count;not null;default:0"`
	CreatedAtMillis int64       `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Slide) TableName() string {
	return "slides"
}

// SlideView is the read-side shape of a slide: payload decoded, author
// avatar resolved, isLiked computed for the requesting user when known.
type SlideView struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	Username        string      `json:"username"`
	AvatarURL       string      `json:"avatar"`
	X               int         `json:"x"`
	Y               int         `json:"y"`
	Type            SlideType   `json:"type"`
	Data            Payload     `json:"data"`
	AccessLevel     AccessLevel `json:"accessLevel"`
	LikeCount       int64       `json:"initialLikes"`
	CommentCount    int64       `json:"initialComments"`
	IsLiked         bool        `json:"isLiked"`
	CreatedAtMillis int64       `json:"createdAt"`
}

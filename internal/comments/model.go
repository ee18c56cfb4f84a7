package comments

import (
	"fmt"
	"strings"

	"github.com/patronek-app/patronek/backend/internal/errs"
)

// SortOrder selects the ordering of a root-comment listing.
type SortOrder string

const (
	// SortNewest orders by creation time descending.
	SortNewest SortOrder = "newest"
	// SortTop orders by like count descending, then creation time descending.
	SortTop SortOrder = "top"
)

// ParseSortOrder validates a raw sort value, defaulting to newest.
func ParseSortOrder(raw string) (SortOrder, error) {
	switch SortOrder(strings.TrimSpace(raw)) {
	case SortNewest, "":
		return SortNewest, nil
	case SortTop:
		return SortTop, nil
	}
	return "", fmt.Errorf("%w: unknown sort order %q", errs.ErrInvalidInput, raw)
}

// Comment is a threaded comment row. ParentID nil marks a root comment;
// non-nil marks a reply. Write paths reject replies to replies, so the
// stored thread depth never exceeds one level.
type Comment struct {
	CommentID       string  `gorm:"column:comment_id;primaryKey;size:190;not null"`
	SlideID         string  `gorm:"column:slide_id;size:190;not null;index:idx_comments_slide_time,priority:1"`
	AuthorID        string  `gorm:"column:author_id;size:190;not null;index"`
	ParentID        *string `gorm:"column:parent_id;size:190;index"`
	Text            string  `gorm:"column:text;type:text;not null"`
	ImageURL        string  `gorm:"column:image_url;size:512;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null;index:idx_comments_slide_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Author summarizes a comment's author for display.
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar"`
	Role        string `json:"role"`
}

// CommentView is the read-side shape of a comment: author resolved, like and
// reply counts derived from relation rows, isLiked computed for the
// requesting user. Replies additionally carry their parent's author identity
// for @mention display.
type CommentView struct {
	ID               string  `json:"id"`
	SlideID          string  `json:"slideId"`
	Author           Author  `json:"author"`
	ParentID         *string `json:"parentId,omitempty"`
	Text             string  `json:"text"`
	ImageURL         string  `json:"imageUrl,omitempty"`
	LikeCount        int64   `json:"likeCount"`
	ReplyCount       int64   `json:"replyCount"`
	IsLiked          bool    `json:"isLiked"`
	ParentAuthorID   string  `json:"parentAuthorId,omitempty"`
	ParentAuthorName string  `json:"parentAuthorUsername,omitempty"`
	CreatedAtMillis  int64   `json:"createdAt"`
}

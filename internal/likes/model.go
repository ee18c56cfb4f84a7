package likes

// Like records that a user liked a slide. Existence is the source of truth
// for the slide's denormalized like_count; the composite key permits at most
// one like per user per slide.
type Like struct {
	SlideID         string `gorm:"column:slide_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "likes"
}

// CommentLike is the comment analogue of Like. Comments carry no persistent
// like counter; counts are derived from these rows on read.
type CommentLike struct {
	CommentID       string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommentLike) TableName() string {
	return "comment_likes"
}

// ToggleStatus reports the direction a toggle resolved to.
type ToggleStatus string

const (
	StatusLiked   ToggleStatus = "liked"
	StatusUnliked ToggleStatus = "unliked"
)

// ToggleResult carries the resolved direction and the authoritative
// post-transaction like count.
type ToggleResult struct {
	Status    ToggleStatus `json:"status"`
	LikeCount int64        `json:"likeCount"`
}

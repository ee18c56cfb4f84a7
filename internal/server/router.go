package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patronek-app/patronek/backend/internal/auth"
	"github.com/patronek-app/patronek/backend/internal/comments"
	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/likes"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"github.com/patronek-app/patronek/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "patronek_user_id"
	userRoleContextKey = "patronek_user_role"
)

var (
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingSlideStore    = errors.New("slide store dependency required")
	errMissingCommentStore  = errors.New("comment store dependency required")
	errMissingLikeService   = errors.New("like service dependency required")
	errMissingNotifications = errors.New("notification store dependency required")
)

// SessionValidator authenticates requests; tokens are issued elsewhere.
type SessionValidator interface {
	TokenFromRequest(r *http.Request) (string, error)
	Validate(token string) (auth.SessionClaims, error)
}

// Dependencies wires the stores behind the HTTP surface.
type Dependencies struct {
	Sessions      SessionValidator
	Users         *users.Service
	Slides        *slides.Store
	Comments      *comments.Store
	Likes         *likes.Service
	Notifications *notifications.Store
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the feed persistence API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Slides == nil {
		return nil, errMissingSlideStore
	}
	if deps.Comments == nil {
		return nil, errMissingCommentStore
	}
	if deps.Likes == nil {
		return nil, errMissingLikeService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		slides:        deps.Slides,
		comments:      deps.Comments,
		likes:         deps.Likes,
		notifications: deps.Notifications,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	public := router.Group("/")
	public.Use(handler.resolveSession(false))
	public.GET("/slides", handler.handleListSlides)
	public.GET("/slides/:id", handler.handleGetSlide)
	public.GET("/slides/:id/comments", handler.handleListComments)
	public.GET("/comments/:id/replies", handler.handleListReplies)
	public.POST("/push/subscriptions", handler.handleSavePushSubscription)

	protected := router.Group("/")
	protected.Use(handler.resolveSession(true))
	protected.POST("/slides", handler.handleCreateSlide)
	protected.PATCH("/slides/:id", handler.handleUpdateSlide)
	protected.DELETE("/slides/:id", handler.handleDeleteSlide)
	protected.POST("/slides/:id/like", handler.handleToggleLike)
	protected.POST("/slides/:id/comments", handler.handleAddComment)
	protected.POST("/comments/:id/like", handler.handleToggleCommentLike)
	protected.DELETE("/comments/:id", handler.handleDeleteComment)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)

	admin := router.Group("/admin")
	admin.Use(handler.resolveSession(true), handler.requireRole(users.RoleAdmin))
	admin.GET("/slides", handler.handleListAllSlides)
	admin.GET("/users", handler.handleListUsers)
	admin.POST("/users", handler.handleCreateUser)
	admin.PATCH("/users/:id", handler.handleUpdateUser)
	admin.DELETE("/users/:id", handler.handleDeleteUser)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	users         *users.Service
	slides        *slides.Store
	comments      *comments.Store
	likes         *likes.Service
	notifications *notifications.Store
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveSession authenticates the request. When required is false, an
// absent session leaves the user anonymous instead of failing; listing
// endpoints use this to compute isLiked only for known callers.
func (h *httpHandler) resolveSession(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.sessions.TokenFromRequest(c.Request)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
			return
		}
		claims, err := h.sessions.Validate(token)
		if err != nil {
			if required {
				h.logger.Warn("session validation failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
			return
		}
		c.Set(userIDContextKey, claims.UserID)
		c.Set(userRoleContextKey, claims.UserRole)
		c.Next()
	}
}

func (h *httpHandler) requireRole(allowed ...users.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := sessionRole(c)
		for _, candidate := range allowed {
			if role == candidate {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func sessionUserID(c *gin.Context) string {
	value, ok := c.Get(userIDContextKey)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}

func sessionRole(c *gin.Context) users.Role {
	value, ok := c.Get(userRoleContextKey)
	if !ok {
		return ""
	}
	raw, _ := value.(string)
	return users.Role(raw)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, errs.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, errs.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, errs.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case resilience.IsUnavailable(err):
		h.logger.Error("backend unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// --- slides ---

func (h *httpHandler) handleListSlides(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, nextCursor, err := h.slides.List(c.Request.Context(), slides.ListOptions{
		Limit:         limit,
		Cursor:        c.Query("cursor"),
		CurrentUserID: sessionUserID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginatedResponse(views, nextCursor))
}

func (h *httpHandler) handleGetSlide(c *gin.Context) {
	view, err := h.slides.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (h *httpHandler) handleListAllSlides(c *gin.Context) {
	views, err := h.slides.ListAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": views})
}

type createSlideRequest struct {
	X           int             `json:"x"`
	Y           int             `json:"y"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	AccessLevel string          `json:"accessLevel"`
}

func (h *httpHandler) handleCreateSlide(c *gin.Context) {
	role := sessionRole(c)
	if !role.CanPublish() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request createSlideRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	slideID, err := h.slides.Create(c.Request.Context(), slides.CreateInput{
		OwnerID:     sessionUserID(c),
		X:           request.X,
		Y:           request.Y,
		Type:        request.Type,
		Data:        request.Data,
		AccessLevel: request.AccessLevel,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": slideID}})
}

type updateSlideRequest struct {
	Data json.RawMessage `json:"data"`
}

func (h *httpHandler) handleUpdateSlide(c *gin.Context) {
	if !sessionRole(c).CanPublish() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request updateSlideRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.slides.Update(c.Request.Context(), c.Param("id"), slides.UpdateInput{Data: request.Data}); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleDeleteSlide(c *gin.Context) {
	if !sessionRole(c).CanPublish() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.slides.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- likes ---

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	result, err := h.likes.ToggleLike(c.Request.Context(), c.Param("id"), sessionUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func (h *httpHandler) handleToggleCommentLike(c *gin.Context) {
	result, err := h.likes.ToggleCommentLike(c.Request.Context(), c.Param("id"), sessionUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// --- comments ---

func (h *httpHandler) handleListComments(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sortBy, err := comments.ParseSortOrder(c.Query("sortBy"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, nextCursor, err := h.comments.List(c.Request.Context(), c.Param("id"), comments.ListOptions{
		Limit:         limit,
		Cursor:        c.Query("cursor"),
		SortBy:        sortBy,
		CurrentUserID: sessionUserID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginatedResponse(views, nextCursor))
}

func (h *httpHandler) handleListReplies(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, nextCursor, err := h.comments.ListReplies(c.Request.Context(), c.Param("id"), comments.ReplyOptions{
		Limit:         limit,
		Cursor:        c.Query("cursor"),
		CurrentUserID: sessionUserID(c),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paginatedResponse(views, nextCursor))
}

type addCommentRequest struct {
	Text     string  `json:"text"`
	ParentID *string `json:"parentId"`
	ImageURL string  `json:"imageUrl"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request addCommentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.comments.Add(c.Request.Context(), comments.AddInput{
		SlideID:  c.Param("id"),
		AuthorID: sessionUserID(c),
		Text:     request.Text,
		ParentID: request.ParentID,
		ImageURL: request.ImageURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": view})
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	if err := h.comments.Delete(c.Request.Context(), c.Param("id"), sessionUserID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- notifications ---

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	views, err := h.notifications.List(c.Request.Context(), sessionUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": views})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.notifications.UnreadCount(c.Request.Context(), sessionUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"count": count}})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	if _, err := h.notifications.MarkRead(c.Request.Context(), c.Param("id"), sessionUserID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type savePushSubscriptionRequest struct {
	Subscription   json.RawMessage `json:"subscription"`
	IsPWAInstalled bool            `json:"isPwaInstalled"`
}

func (h *httpHandler) handleSavePushSubscription(c *gin.Context) {
	var request savePushSubscriptionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.notifications.SavePushSubscription(c.Request.Context(), sessionUserID(c), request.Subscription, request.IsPWAInstalled)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

// --- users (admin) ---

func (h *httpHandler) handleListUsers(c *gin.Context) {
	rows, err := h.users.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar"`
	Role        string `json:"role"`
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	var request createUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := h.users.Create(c.Request.Context(), users.CreateInput{
		Username:    request.Username,
		DisplayName: request.DisplayName,
		Email:       request.Email,
		AvatarURL:   request.AvatarURL,
		Role:        users.Role(request.Role),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": user})
}

type updateUserRequest struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatar"`
	Role        *string `json:"role"`
}

func (h *httpHandler) handleUpdateUser(c *gin.Context) {
	var request updateUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input := users.UpdateInput{
		DisplayName: request.DisplayName,
		AvatarURL:   request.AvatarURL,
	}
	if request.Role != nil {
		role := users.Role(*request.Role)
		input.Role = &role
	}
	user, err := h.users.Update(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": user})
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

func paginatedResponse(data interface{}, nextCursor string) gin.H {
	response := gin.H{"success": true, "data": data}
	if nextCursor != "" {
		response["nextCursor"] = nextCursor
	}
	return response
}

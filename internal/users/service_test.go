package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/patronek-app/patronek/backend/internal/errs"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type captureNotifier struct {
	inputs []notifications.CreateInput
}

func (n *captureNotifier) Create(_ context.Context, input notifications.CreateInput) (notifications.Notification, error) {
	n.inputs = append(n.inputs, input)
	return notifications.Notification{}, nil
}

func newTestService(t *testing.T) (*Service, *captureNotifier) {
	t.Helper()

	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	notifier := &captureNotifier{}
	service, err := NewService(ServiceConfig{
		Database: db,
		Executor: resilience.NewExecutor(resilience.ExecutorConfig{
			AttemptTimeout: time.Second,
			MaxRetries:     0,
			BaseDelay:      time.Millisecond,
		}),
		Notifier:   notifier,
		Clock:      func() time.Time { return time.UnixMilli(1700000000000).UTC() },
		IDProvider: &staticIDGenerator{prefix: "user"},
	})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	return service, notifier
}

func TestCreateSendsWelcomeNotification(t *testing.T) {
	service, notifier := newTestService(t)

	user, err := service.Create(context.Background(), CreateInput{
		Username:    "ola",
		DisplayName: "Ola",
		Email:       "ola@example.com",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if user.Role != RoleUser {
		t.Fatalf("default role = %q, want %q", user.Role, RoleUser)
	}

	if len(notifier.inputs) != 1 {
		t.Fatalf("expected one welcome notification, got %d", len(notifier.inputs))
	}
	welcome := notifier.inputs[0]
	if welcome.UserID != user.UserID {
		t.Fatalf("welcome routed to %q, want %q", welcome.UserID, user.UserID)
	}
	if welcome.Type != notifications.TypeWelcome {
		t.Fatalf("unexpected notification type %q", welcome.Type)
	}
	if !strings.Contains(welcome.Text, "Ola") {
		t.Fatalf("welcome text must address the user: %q", welcome.Text)
	}
	if welcome.Link != "/profile" {
		t.Fatalf("unexpected welcome link %q", welcome.Link)
	}
}

func TestCreateNormalizesAndValidates(t *testing.T) {
	service, _ := newTestService(t)

	user, err := service.Create(context.Background(), CreateInput{
		Username: "  jan  ",
		Email:    "  jan@example.com  ",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if user.Username != "jan" || user.Email != "jan@example.com" {
		t.Fatalf("fields not normalized: %#v", user)
	}

	if _, err := service.Create(context.Background(), CreateInput{Email: "x@example.com"}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing username, got %v", err)
	}
	if _, err := service.Create(context.Background(), CreateInput{Username: "x"}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing email, got %v", err)
	}
	if _, err := service.Create(context.Background(), CreateInput{
		Username: "y",
		Email:    "y@example.com",
		Role:     Role("superadmin"),
	}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown role, got %v", err)
	}
}

func TestCreateDuplicateUsernameConflict(t *testing.T) {
	service, _ := newTestService(t)

	input := CreateInput{Username: "ola", Email: "ola@example.com"}
	if _, err := service.Create(context.Background(), input); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	input.Email = "ola2@example.com"
	_, err := service.Create(context.Background(), input)
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict on duplicate username, got %v", err)
	}
}

func TestGetByUsernameAndEmail(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.Create(context.Background(), CreateInput{Username: "ola", Email: "ola@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	byID, err := service.Get(context.Background(), created.UserID)
	if err != nil || byID.UserID != created.UserID {
		t.Fatalf("get by id failed: %v", err)
	}
	byUsername, err := service.GetByUsername(context.Background(), " OLA ")
	if err == nil && byUsername.UserID == created.UserID {
		t.Fatalf("username lookup must not fold case")
	}
	byUsername, err = service.GetByUsername(context.Background(), " ola ")
	if err != nil || byUsername.UserID != created.UserID {
		t.Fatalf("get by username failed: %v", err)
	}
	byEmail, err := service.GetByEmail(context.Background(), "ola@example.com")
	if err != nil || byEmail.UserID != created.UserID {
		t.Fatalf("get by email failed: %v", err)
	}

	if _, err := service.Get(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateAppliesPartialChanges(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.Create(context.Background(), CreateInput{
		Username:    "ola",
		DisplayName: "Ola",
		Email:       "ola@example.com",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	patronRole := RolePatron
	updated, err := service.Update(context.Background(), created.UserID, UpdateInput{Role: &patronRole})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Role != RolePatron {
		t.Fatalf("role not updated: %q", updated.Role)
	}
	if updated.DisplayName != "Ola" {
		t.Fatalf("untouched fields must survive: %#v", updated)
	}

	badRole := Role("root")
	if _, err := service.Update(context.Background(), created.UserID, UpdateInput{Role: &badRole}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown role, got %v", err)
	}
	if _, err := service.Update(context.Background(), "missing", UpdateInput{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteUser(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.Create(context.Background(), CreateInput{Username: "ola", Email: "ola@example.com"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.Delete(context.Background(), created.UserID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.Delete(context.Background(), created.UserID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCanPublish(t *testing.T) {
	cases := []struct {
		role Role
		want bool
	}{
		{RoleUser, false},
		{RolePatron, false},
		{RoleAuthor, true},
		{RoleAdmin, true},
	}
	for _, tc := range cases {
		if got := tc.role.CanPublish(); got != tc.want {
			t.Fatalf("CanPublish(%q) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

package httpapi

import (
	"context"
	"testing"
	"time"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T) (*AuthManager, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-test-pass")
	t.Setenv("SEED_MARKETER_PASSWORD", "marketer-test-pass")
	repo := memory.NewSeeded()
	return NewAuthManager(testSecret, time.Hour, repo), repo
}

func TestLoginAndParseToken(t *testing.T) {
	auth, _ := newTestAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin-test-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.AccessToken == "" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.UserID != resp.UserID {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginIsCaseInsensitiveOnUsername(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "  Admin ", Password: "admin-test-pass"}); err != nil {
		t.Fatalf("expected mixed-case username to log in: %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "wrong-pass"}); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "nobody", Password: "whatever-pass"}); err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	auth, repo := newTestAuth(t)
	other := NewAuthManager("another-secret-another-secret-xx", time.Hour, repo)

	admin, err := repo.GetUserByUsername(context.Background(), "admin")
	if err != nil {
		t.Fatalf("seeded admin missing: %v", err)
	}
	token, _, err := other.IssueToken(admin)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}

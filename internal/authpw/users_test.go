package authpw

import (
	"context"
	"net/http"
	"testing"

	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

func TestUpdateUser(t *testing.T) {
	svc, users, _ := setup(t)
	ctx := context.Background()
	admin := users.add(t, "admin@manchengo.dz", "correct-horse", "ADMIN", true)
	target := users.add(t, "prod@manchengo.dz", "correct-horse", "PRODUCTION", true)
	users.add(t, "taken@manchengo.dz", "correct-horse", "APPRO", true)
	caller := rbac.Principal{UserID: admin.ID, Role: rbac.RoleAdmin}

	tokens, err := svc.Login(ctx, LoginRequest{Email: "prod@manchengo.dz", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	role, email, off := "appro", " Sara@Manchengo.dz ", false
	updated, err := svc.UpdateUser(ctx, caller, target.ID, UpdateUserRequest{Role: &role, Email: &email, IsActive: &off})
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	if updated.Role != "APPRO" || updated.Email != "sara@manchengo.dz" || updated.IsActive {
		t.Fatalf("unexpected user: %+v", updated)
	}
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	requireCode(t, err, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")
	if users.countSecurity(store.SecurityUserUpdated) != 1 {
		t.Fatal("expected a USER_UPDATED security log")
	}

	taken := "taken@manchengo.dz"
	_, err = svc.UpdateUser(ctx, caller, target.ID, UpdateUserRequest{Email: &taken})
	requireCode(t, err, http.StatusConflict, "EMAIL_TAKEN")

	bad := "editor"
	_, err = svc.UpdateUser(ctx, caller, target.ID, UpdateUserRequest{Role: &bad})
	requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	demote := "COMMERCIAL"
	_, err = svc.UpdateUser(ctx, caller, admin.ID, UpdateUserRequest{Role: &demote})
	requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.UpdateUser(ctx, caller, 404, UpdateUserRequest{})
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = svc.UpdateUser(ctx, rbac.Principal{UserID: target.ID, Role: rbac.RoleAppro}, target.ID, UpdateUserRequest{Role: &demote})
	requireCode(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestResetPassword(t *testing.T) {
	svc, users, clk := setup(t)
	ctx := context.Background()
	admin := rbac.Principal{UserID: 100, Role: rbac.RoleAdmin}
	target := users.add(t, "com@manchengo.dz", "correct-horse", "COMMERCIAL", true)

	tokens, err := svc.Login(ctx, LoginRequest{Email: "com@manchengo.dz", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	for i := 0; i < MaxFailedAttempts; i++ {
		_, _ = svc.Login(ctx, LoginRequest{Email: "com@manchengo.dz", Password: "wrong"})
		clk.Advance(1)
	}

	for _, weak := range []string{"Short1!", "alllowercase1!", "NoDigitsHere!!", "NoSpecial1234"} {
		err := svc.ResetPassword(ctx, admin, target.ID, weak)
		requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	}

	if err := svc.ResetPassword(ctx, admin, target.ID, "Fromage-Frais-2026"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	stored, _ := users.GetUserByID(ctx, target.ID)
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("Fromage-Frais-2026")) != nil {
		t.Fatal("new password must be stored as a bcrypt hash")
	}
	_, err = svc.Refresh(ctx, tokens.RefreshToken)
	requireCode(t, err, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")
	if _, err := svc.Login(ctx, LoginRequest{Email: "com@manchengo.dz", Password: "Fromage-Frais-2026"}); err != nil {
		t.Fatalf("reset must clear the lockout, got %v", err)
	}
	if users.countSecurity(store.SecurityPasswordSet) != 1 {
		t.Fatal("expected a PASSWORD_RESET security log")
	}

	err = svc.ResetPassword(ctx, admin, 404, "Fromage-Frais-2026")
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestToggleStatus(t *testing.T) {
	svc, users, _ := setup(t)
	ctx := context.Background()
	admin := rbac.Principal{UserID: 100, Role: rbac.RoleAdmin}
	target := users.add(t, "appro@manchengo.dz", "correct-horse", "APPRO", true)

	off, err := svc.ToggleStatus(ctx, admin, target.ID)
	if err != nil {
		t.Fatalf("ToggleStatus failed: %v", err)
	}
	if off.IsActive {
		t.Fatal("first toggle must disable the user")
	}
	_, err = svc.Login(ctx, LoginRequest{Email: "appro@manchengo.dz", Password: "correct-horse"})
	requireCode(t, err, http.StatusUnauthorized, "ACCOUNT_DISABLED")

	on, err := svc.ToggleStatus(ctx, admin, target.ID)
	if err != nil {
		t.Fatalf("ToggleStatus failed: %v", err)
	}
	if !on.IsActive {
		t.Fatal("second toggle must enable the user")
	}
	if users.countSecurity(store.SecurityUserDisabled) != 1 || users.countSecurity(store.SecurityUserEnabled) != 1 {
		t.Fatal("expected one USER_DISABLED and one USER_ENABLED log")
	}

	_, err = svc.ToggleStatus(ctx, admin, admin.UserID)
	requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestSecurityLogs(t *testing.T) {
	svc, users, _ := setup(t)
	ctx := context.Background()
	users.add(t, "prod@manchengo.dz", "correct-horse", "PRODUCTION", true)
	_, _ = svc.Login(ctx, LoginRequest{Email: "prod@manchengo.dz", Password: "wrong"})
	_, _ = svc.Login(ctx, LoginRequest{Email: "prod@manchengo.dz", Password: "correct-horse"})

	_, err := svc.SecurityLogs(ctx, rbac.Principal{UserID: 1, Role: rbac.RoleProduction}, store.SecurityLogFilter{}, pagination.CursorParams{})
	requireCode(t, err, http.StatusForbidden, "FORBIDDEN")

	admin := rbac.Principal{UserID: 100, Role: rbac.RoleAdmin}
	page, err := svc.SecurityLogs(ctx, admin, store.SecurityLogFilter{Action: " login_failed "}, pagination.CursorParams{})
	if err != nil {
		t.Fatalf("SecurityLogs failed: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].Action != store.SecurityLoginFailed {
		t.Fatalf("unexpected logs: %+v", page.Data)
	}

	all, err := svc.SecurityLogs(ctx, admin, store.SecurityLogFilter{}, pagination.CursorParams{})
	if err != nil {
		t.Fatalf("SecurityLogs failed: %v", err)
	}
	if len(all.Data) != 2 || all.Data[0].Action != store.SecurityLoginSuccess {
		t.Fatalf("expected newest first, got %+v", all.Data)
	}
}

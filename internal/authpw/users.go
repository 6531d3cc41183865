package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const resetPasswordSize = 12

type UpdateUserRequest struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Role      *string `json:"role,omitempty"`
	IsActive  *bool   `json:"isActive,omitempty"`
}

func (s *Service) ListUsers(ctx context.Context, p rbac.Principal) ([]store.User, error) {
	if !p.IsAdmin() {
		return nil, apperr.Forbidden("only an administrator can list users")
	}
	return s.users.ListUsers(ctx)
}

// UpdateUser edits a user's profile, role or status. Deactivating a user
// ends their refresh sessions. An administrator cannot disable or demote
// their own account.
func (s *Service) UpdateUser(ctx context.Context, p rbac.Principal, id int64, req UpdateUserRequest) (store.User, error) {
	if !p.IsAdmin() {
		return store.User{}, apperr.Forbidden("only an administrator can edit users")
	}
	user, err := s.lookupUser(ctx, id)
	if err != nil {
		return store.User{}, err
	}
	before := user

	details := map[string]string{}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if _, err := mail.ParseAddress(email); err != nil || email == "" {
			details["email"] = "a valid email is required"
		} else if !strings.EqualFold(email, user.Email) {
			if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
				return store.User{}, apperr.Conflict("EMAIL_TAKEN", "email already registered", nil)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return store.User{}, err
			}
			user.Email = email
		}
	}
	if req.FirstName != nil {
		user.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		user.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.Role != nil {
		role := strings.ToUpper(strings.TrimSpace(*req.Role))
		if rbac.Normalize(role) != rbac.Role(role) {
			details["role"] = "must be ADMIN, APPRO, PRODUCTION or COMMERCIAL"
		} else {
			user.Role = role
		}
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if id == p.UserID && (!user.IsActive || user.Role != string(rbac.RoleAdmin)) {
		details["id"] = "you cannot disable or demote your own account"
	}
	if len(details) > 0 {
		return store.User{}, apperr.Validation("invalid user", details)
	}

	updated, err := s.users.UpdateUser(ctx, user)
	if err != nil {
		return store.User{}, err
	}
	if before.IsActive && !updated.IsActive {
		if err := s.sessions.RevokeUserSessions(ctx, id); err != nil {
			return store.User{}, err
		}
	}
	s.securityLog(ctx, store.SecurityUserUpdated, &updated.ID, updated.Email, "", map[string]any{
		"by":       p.UserID,
		"role":     updated.Role,
		"isActive": updated.IsActive,
	})
	return updated, nil
}

// ResetPassword sets a new password chosen by an administrator, clears the
// lockout counter and ends the user's refresh sessions.
func (s *Service) ResetPassword(ctx context.Context, p rbac.Principal, id int64, password string) error {
	if !p.IsAdmin() {
		return apperr.Forbidden("only an administrator can reset passwords")
	}
	if msg := checkStrongPassword(password); msg != "" {
		return apperr.Validation("invalid password", map[string]string{"newPassword": msg})
	}
	user, err := s.lookupUser(ctx, id)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.SetUserPassword(ctx, id, string(hash)); err != nil {
		return err
	}
	if err := s.sessions.RevokeUserSessions(ctx, id); err != nil {
		return err
	}
	s.securityLog(ctx, store.SecurityPasswordSet, &user.ID, user.Email, "", map[string]any{"by": p.UserID})
	s.logger.Info("password reset", zap.Int64("user_id", id), zap.Int64("by", p.UserID))
	return nil
}

// ToggleStatus flips a user between active and disabled.
func (s *Service) ToggleStatus(ctx context.Context, p rbac.Principal, id int64) (store.User, error) {
	if !p.IsAdmin() {
		return store.User{}, apperr.Forbidden("only an administrator can change a user status")
	}
	if id == p.UserID {
		return store.User{}, apperr.Validation("you cannot disable your own account", map[string]any{"id": id})
	}
	user, err := s.lookupUser(ctx, id)
	if err != nil {
		return store.User{}, err
	}
	user.IsActive = !user.IsActive
	updated, err := s.users.UpdateUser(ctx, user)
	if err != nil {
		return store.User{}, err
	}
	action := store.SecurityUserEnabled
	if !updated.IsActive {
		action = store.SecurityUserDisabled
		if err := s.sessions.RevokeUserSessions(ctx, id); err != nil {
			return store.User{}, err
		}
	}
	s.securityLog(ctx, action, &updated.ID, updated.Email, "", map[string]any{"by": p.UserID})
	return updated, nil
}

// SecurityLogs pages through login, logout, access-denied and account
// events.
func (s *Service) SecurityLogs(ctx context.Context, p rbac.Principal, filter store.SecurityLogFilter, params pagination.CursorParams) (pagination.CursorPage[store.SecurityLog], error) {
	if !p.IsAdmin() {
		return pagination.CursorPage[store.SecurityLog]{}, apperr.Forbidden("only an administrator can read security logs")
	}
	filter.Action = strings.ToUpper(strings.TrimSpace(filter.Action))
	return s.users.ListSecurityLogs(ctx, filter, params)
}

func (s *Service) lookupUser(ctx context.Context, id int64) (store.User, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, apperr.NotFound("user not found")
	}
	return user, err
}

// checkStrongPassword returns what the password lacks, or "".
func checkStrongPassword(password string) string {
	if len(password) < resetPasswordSize {
		return fmt.Sprintf("must be at least %d characters", resetPasswordSize)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return "needs an uppercase letter, a lowercase letter, a digit and a special character"
	}
	return ""
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"manchengo/api/internal/pagination"
)

const userColumns = `id, email, first_name, last_name, password_hash, role, is_active, failed_login_attempts, last_failed_login_at, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var lastFailed, lastLogin sql.NullTime
	if err := row.Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.PasswordHash, &user.Role,
		&user.IsActive, &user.FailedLoginAttempts, &lastFailed, &lastLogin, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	user.LastFailedLoginAt = nullTimePtr(lastFailed)
	user.LastLoginAt = nullTimePtr(lastLogin)
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO users (email, first_name, last_name, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		strings.TrimSpace(user.Email), user.FirstName, user.LastName, user.PasswordHash, user.Role, user.IsActive)
	created, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// UpdateUser writes the editable profile fields of a user.
func (s *PostgresStore) UpdateUser(ctx context.Context, user User) (User, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE users SET email = $2, first_name = $3, last_name = $4, role = $5, is_active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		user.ID, strings.TrimSpace(user.Email), user.FirstName, user.LastName, user.Role, user.IsActive)
	updated, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

// SetUserPassword replaces the password hash and clears the lockout counter.
func (s *PostgresStore) SetUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE users SET password_hash = $2, failed_login_attempts = 0, last_failed_login_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("set user password: %w", err)
	}
	ok, err := rowsAffected(res, "set user password")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set user password: %w", sql.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, userID int64, at time.Time) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = failed_login_attempts + 1, last_failed_login_at = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, at); err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordLoginSuccess(ctx context.Context, userID int64, at time.Time) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = 0, last_failed_login_at = NULL, last_login_at = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, at); err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owner of a live refresh session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID); err != nil {
		return 0, fmt.Errorf("lookup refresh session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every live refresh session of a user.
func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID int64) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL
	`, userID); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti = $1)
	`, jti).Scan(&revoked); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertSecurityLog(ctx context.Context, entry SecurityLog) error {
	details, err := jsonArg(entry.Details)
	if err != nil {
		return err
	}
	if details == nil {
		details = "{}"
	}
	if _, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO security_logs (action, user_id, email, ip_address, details) VALUES ($1, $2, $3, $4, $5)
	`, entry.Action, int64Arg(entry.UserID), entry.Email, entry.IPAddress, details); err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountSecurityEvents(ctx context.Context, action string, since time.Time) (int, error) {
	var count int
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_logs WHERE action = $1 AND created_at >= $2
	`, action, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return count, nil
}

type SecurityLogFilter struct {
	Action string
	UserID int64
}

func scanSecurityLog(row pagination.Scanner) (SecurityLog, error) {
	var entry SecurityLog
	var userID sql.NullInt64
	var details []byte
	if err := row.Scan(&entry.ID, &entry.Action, &userID, &entry.Email, &entry.IPAddress, &details, &entry.CreatedAt); err != nil {
		return SecurityLog{}, err
	}
	entry.UserID = nullInt64Ptr(userID)
	entry.Details = decodeJSONMap(details)
	return entry, nil
}

// ListSecurityLogs pages through security events, newest first by default.
func (s *PostgresStore) ListSecurityLogs(ctx context.Context, filter SecurityLogFilter, params pagination.CursorParams) (pagination.CursorPage[SecurityLog], error) {
	var where []string
	var args []any
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.UserID > 0 {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	k := pagination.Keyset{
		Select:       `id, action, user_id, email, ip_address, details, created_at`,
		From:         "security_logs",
		IDColumn:     "id",
		Sortable:     map[string]string{"createdAt": "created_at"},
		DefaultSort:  "createdAt",
		DefaultOrder: pagination.Desc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanSecurityLog, func(item SecurityLog, _ string) (int64, any) {
		return item.ID, item.CreatedAt
	})
}

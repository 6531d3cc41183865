// Package authpw provides email/password login, refresh token rotation and
// logout for the bearer tokens issued by package auth.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/auth"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/session"
	"manchengo/api/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	MaxFailedAttempts = 5
	LockoutWindow     = 15 * time.Minute
	minPasswordSize   = 8
)

// UserStore is the user persistence login needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	UpdateUser(ctx context.Context, user store.User) (store.User, error)
	SetUserPassword(ctx context.Context, userID int64, passwordHash string) error
	ListUsers(ctx context.Context) ([]store.User, error)
	RecordLoginFailure(ctx context.Context, userID int64, at time.Time) error
	RecordLoginSuccess(ctx context.Context, userID int64, at time.Time) error
	InsertSecurityLog(ctx context.Context, entry store.SecurityLog) error
	ListSecurityLogs(ctx context.Context, filter store.SecurityLogFilter, params pagination.CursorParams) (pagination.CursorPage[store.SecurityLog], error)
}

// SessionStore keeps refresh sessions and revoked access tokens. Both
// *session.RedisStore and *store.PostgresStore satisfy it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeUserSessions(ctx context.Context, userID int64) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Options struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Service provides email/password authentication
type Service struct {
	users      UserStore
	sessions   SessionStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new auth service
func NewService(users UserStore, sessions SessionStore, opts Options) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		secret:     []byte(opts.Secret),
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		logger:     opts.Logger.With(zap.String("component", "auth")),
		now:        opts.Now,
	}
}

type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	IPAddress string `json:"-"`
}

// Tokens is returned by login and refresh.
type Tokens struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresIn    int        `json:"expiresIn"`
	User         store.User `json:"user"`
}

var errInvalidCredentials = apperr.New(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Email ou mot de passe incorrect", nil)

func unauthorized(code, message string) *apperr.DomainError {
	return apperr.New(http.StatusUnauthorized, code, message, nil)
}

// Login checks credentials and opens a session. Five failures within fifteen
// minutes lock the account until the window has passed.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Tokens, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return Tokens{}, apperr.Validation("email and password are required", nil)
	}
	now := s.now()

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		s.securityLog(ctx, store.SecurityLoginFailed, nil, email, req.IPAddress, map[string]any{"reason": "unknown_email"})
		return Tokens{}, errInvalidCredentials
	}
	if err != nil {
		return Tokens{}, err
	}
	userID := user.ID

	if !user.IsActive {
		s.securityLog(ctx, store.SecurityLoginFailed, &userID, email, req.IPAddress, map[string]any{"reason": "inactive"})
		return Tokens{}, unauthorized("ACCOUNT_DISABLED", "Compte désactivé")
	}
	if isLocked(user, now) {
		s.securityLog(ctx, store.SecurityLoginFailed, &userID, email, req.IPAddress, map[string]any{"reason": "locked"})
		return Tokens{}, unauthorized("ACCOUNT_LOCKED", "Compte temporairement verrouillé")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		if err := s.users.RecordLoginFailure(ctx, userID, now); err != nil {
			return Tokens{}, err
		}
		s.securityLog(ctx, store.SecurityLoginFailed, &userID, email, req.IPAddress, map[string]any{"reason": "bad_password"})
		return Tokens{}, errInvalidCredentials
	}

	if err := s.users.RecordLoginSuccess(ctx, userID, now); err != nil {
		return Tokens{}, err
	}
	user.FailedLoginAttempts = 0
	user.LastFailedLoginAt = nil
	user.LastLoginAt = &now
	s.securityLog(ctx, store.SecurityLoginSuccess, &userID, email, req.IPAddress, nil)
	return s.issue(ctx, user)
}

func isLocked(user store.User, now time.Time) bool {
	if user.FailedLoginAttempts < MaxFailedAttempts || user.LastFailedLoginAt == nil {
		return false
	}
	return now.Sub(*user.LastFailedLoginAt) < LockoutWindow
}

func (s *Service) issue(ctx context.Context, user store.User) (Tokens, error) {
	now := s.now()
	access, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  strconv.FormatInt(user.ID, 10),
		Name: user.DisplayName(),
		Role: string(rbac.Normalize(user.Role)),
		JTI:  uuid.NewString(),
		Exp:  now.Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Tokens{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL / time.Second),
		User:         user,
	}, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, apperr.Validation("refreshToken is required", nil)
	}
	hash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, hash)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, unauthorized("INVALID_REFRESH_TOKEN", "refresh token is invalid or expired")
	}
	if err != nil {
		return Tokens{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Tokens{}, err
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tokens{}, unauthorized("INVALID_REFRESH_TOKEN", "refresh token is invalid or expired")
	}
	if err != nil {
		return Tokens{}, err
	}
	if !user.IsActive {
		return Tokens{}, unauthorized("ACCOUNT_DISABLED", "Compte désactivé")
	}
	return s.issue(ctx, user)
}

// Logout revokes the refresh token, when given, and the access token that
// made the call.
func (s *Service) Logout(ctx context.Context, claims auth.Claims, refreshToken, ipAddress string) error {
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	if claims.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, claims.JTI, claims.ExpiresAt()); err != nil {
			return err
		}
	}
	var userID *int64
	if id, err := claims.UserID(); err == nil {
		userID = &id
	}
	s.securityLog(ctx, store.SecurityLogout, userID, "", ipAddress, nil)
	return nil
}

// Authenticate verifies a bearer token and returns its caller.
func (s *Service) Authenticate(ctx context.Context, token string) (rbac.Principal, auth.Claims, error) {
	claims, err := auth.ParseTokenAt(s.secret, token, s.now())
	if errors.Is(err, auth.ErrExpiredToken) {
		return rbac.Principal{}, auth.Claims{}, unauthorized("TOKEN_EXPIRED", "access token expired")
	}
	if err != nil {
		return rbac.Principal{}, auth.Claims{}, unauthorized("UNAUTHORIZED", "invalid access token")
	}
	userID, err := claims.UserID()
	if err != nil {
		return rbac.Principal{}, auth.Claims{}, unauthorized("UNAUTHORIZED", "invalid access token")
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return rbac.Principal{}, auth.Claims{}, err
	}
	if revoked {
		return rbac.Principal{}, auth.Claims{}, unauthorized("TOKEN_REVOKED", "access token revoked")
	}
	return rbac.Principal{UserID: userID, Name: claims.Name, Role: rbac.Normalize(claims.Role)}, claims, nil
}

func (s *Service) Me(ctx context.Context, userID int64) (store.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, apperr.NotFound("user not found")
	}
	return user, err
}

type CreateUserRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

// CreateUser adds an account. Only administrators may call it.
func (s *Service) CreateUser(ctx context.Context, p rbac.Principal, req CreateUserRequest) (store.User, error) {
	if !p.IsAdmin() {
		return store.User{}, apperr.Forbidden("only an administrator can create users")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	details := map[string]string{}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		details["email"] = "a valid email is required"
	}
	if len(req.Password) < minPasswordSize {
		details["password"] = fmt.Sprintf("must be at least %d characters", minPasswordSize)
	}
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	if rbac.Normalize(role) != rbac.Role(role) {
		details["role"] = "must be ADMIN, APPRO, PRODUCTION or COMMERCIAL"
	}
	if len(details) > 0 {
		return store.User{}, apperr.Validation("invalid user", details)
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, apperr.Conflict("EMAIL_TAKEN", "email already registered", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	return s.users.CreateUser(ctx, store.User{
		Email:        email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	})
}

// LogAccessDenied records a 403 answered to p.
func (s *Service) LogAccessDenied(ctx context.Context, p rbac.Principal, method, path, ipAddress string) {
	var userID *int64
	if p.UserID > 0 {
		id := p.UserID
		userID = &id
	}
	s.securityLog(ctx, store.SecurityAccessDenied, userID, "", ipAddress, map[string]any{
		"method": method,
		"path":   path,
		"role":   string(p.Role),
	})
}

// securityLog never fails the caller; a lost row is only logged.
func (s *Service) securityLog(ctx context.Context, action string, userID *int64, email, ip string, details map[string]any) {
	entry := store.SecurityLog{Action: action, UserID: userID, Email: email, IPAddress: ip, Details: details}
	if err := s.users.InsertSecurityLog(ctx, entry); err != nil {
		s.logger.Warn("write security log", zap.String("action", action), zap.Error(err))
	}
}

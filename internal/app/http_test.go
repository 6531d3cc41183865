package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/auth"
	"manchengo/api/internal/authpw"
	"manchengo/api/internal/export"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/search"
	"manchengo/api/internal/session"
	"manchengo/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"
)

type memoryUsers struct {
	mu       sync.Mutex
	users    map[int64]store.User
	security []store.SecurityLog
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryUsers) GetUserByID(_ context.Context, id int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memoryUsers) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = int64(len(m.users) + 1)
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryUsers) UpdateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return store.User{}, sql.ErrNoRows
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryUsers) SetUserPassword(_ context.Context, userID int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	m.users[userID] = u
	return nil
}

func (m *memoryUsers) ListUsers(context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.users))
	for id := int64(1); id <= int64(len(m.users)); id++ {
		out = append(out, m.users[id])
	}
	return out, nil
}

func (m *memoryUsers) ListSecurityLogs(_ context.Context, filter store.SecurityLogFilter, _ pagination.CursorParams) (pagination.CursorPage[store.SecurityLog], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SecurityLog, 0)
	for i := len(m.security) - 1; i >= 0; i-- {
		entry := m.security[i]
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.UserID != 0 && (entry.UserID == nil || *entry.UserID != filter.UserID) {
			continue
		}
		out = append(out, entry)
	}
	return pagination.CursorPage[store.SecurityLog]{Data: out}, nil
}

func (m *memoryUsers) RecordLoginFailure(context.Context, int64, time.Time) error { return nil }
func (m *memoryUsers) RecordLoginSuccess(context.Context, int64, time.Time) error { return nil }

func (m *memoryUsers) InsertSecurityLog(_ context.Context, entry store.SecurityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.security = append(m.security, entry)
	return nil
}

func (m *memoryUsers) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.security))
	for _, entry := range m.security {
		out = append(out, entry.Action)
	}
	return out
}

type staticEngine struct {
	results []search.Result
}

func (e staticEngine) Name() string  { return "postgres" }
func (e staticEngine) Healthy() bool { return true }
func (e staticEngine) Search(search.Query) ([]search.Result, int, error) {
	return e.results, len(e.results), nil
}

type testEnv struct {
	handler http.Handler
	users   *memoryUsers
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := session.Connect(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	users := &memoryUsers{users: map[int64]store.User{}}
	for _, u := range []struct{ email, role string }{
		{"admin@manchengo.dz", "ADMIN"},
		{"ventes@manchengo.dz", "COMMERCIAL"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte("motdepasse"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		_, _ = users.CreateUser(context.Background(), store.User{Email: u.email, PasswordHash: string(hash), Role: u.role, IsActive: true})
	}

	authSvc := authpw.NewService(users, session.NewRedisStore(client), authpw.Options{
		Secret:     "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	})
	svc := &Service{
		Auth: authSvc,
		Search: search.NewService(nil, staticEngine{results: []search.Result{
			{Kind: search.KindMP, EntityID: 12, Code: "LAIT", Name: "Lait cru", IsActive: true},
		}}, nil, nil),
		Probes: map[string]Probe{
			"database": func(context.Context) error { return nil },
		},
	}
	return testEnv{handler: NewHTTPServer(svc, "*", nil).Handler(), users: users}
}

func (e testEnv) login(t *testing.T, email string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", "", fmt.Sprintf(`{"email":%q,"password":"motdepasse"}`, email))
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	var tokens authpw.Tokens
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return tokens.AccessToken
}

func (e testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		probes     map[string]Probe
		wantStatus int
	}{
		{
			name:       "all healthy",
			probes:     map[string]Probe{"database": func(context.Context) error { return nil }, "redis": func(context.Context) error { return nil }},
			wantStatus: http.StatusOK,
		},
		{
			name:       "redis down degrades only",
			probes:     map[string]Probe{"database": func(context.Context) error { return nil }, "redis": func(context.Context) error { return errors.New("dial tcp: refused") }},
			wantStatus: http.StatusOK,
		},
		{
			name:       "database down",
			probes:     map[string]Probe{"database": func(context.Context) error { return errors.New("connection refused") }},
			wantStatus: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPServer(&Service{Probes: tt.probes}, "*", nil).Handler()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			var body struct {
				Checks map[string]probeResult `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Checks) != len(tt.probes) {
				t.Fatalf("expected %d checks, got %v", len(tt.probes), body.Checks)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/suppliers", "/api/auth/me", "/api/search?q=lait"} {
		rec := env.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/auth/me", "not-a-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage token, got %d", rec.Code)
	}
}

func TestLoginMeAndLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "admin@manchengo.dz")

	rec := env.do(t, http.MethodGet, "/api/auth/me", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	var me store.User
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil || me.Email != "admin@manchengo.dz" {
		t.Fatalf("unexpected me payload %s (%v)", rec.Body.String(), err)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/logout", token, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/auth/me", token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token should be rejected, got %d", rec.Code)
	}
	if code := decodeError(t, rec)["code"]; code != "TOKEN_REVOKED" {
		t.Fatalf("expected TOKEN_REVOKED, got %v", code)
	}
}

func TestLoginFailureEnvelope(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"admin@manchengo.dz","password":"wrong-password"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	payload := decodeError(t, rec)
	if payload["code"] != "INVALID_CREDENTIALS" || payload["error"] == "" {
		t.Fatalf("unexpected envelope %v", payload)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad body, got %d", rec.Code)
	}
}

func TestForbiddenIsLogged(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "ventes@manchengo.dz")

	rec := env.do(t, http.MethodGet, "/api/purchase-orders", token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := decodeError(t, rec)["code"]; code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", code)
	}
	actions := env.users.actions()
	if len(actions) == 0 || actions[len(actions)-1] != "ACCESS_DENIED" {
		t.Fatalf("expected an ACCESS_DENIED security log, got %v", actions)
	}

	rec = env.do(t, http.MethodPost, "/api/users", token, `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin user creation: expected 403, got %d", rec.Code)
	}
}

func TestUserAdministrationRoutes(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.login(t, "admin@manchengo.dz")
	salesToken := env.login(t, "ventes@manchengo.dz")

	rec := env.do(t, http.MethodGet, "/api/security-logs", salesToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin security logs: expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/security-logs?action=login_success", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("security logs: status %d body %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data []store.SecurityLog `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode security logs: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0].Email != "ventes@manchengo.dz" {
		t.Fatalf("expected both logins newest first, got %+v", page.Data)
	}

	rec = env.do(t, http.MethodGet, "/api/users", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/users/1/toggle-status", adminToken, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("self disable: expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/users/2/toggle-status", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"ventes@manchengo.dz","password":"motdepasse"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("disabled login: expected 401, got %d", rec.Code)
	}
	if code := decodeError(t, rec)["code"]; code != "ACCOUNT_DISABLED" {
		t.Fatalf("expected ACCOUNT_DISABLED, got %v", code)
	}

	rec = env.do(t, http.MethodPost, "/api/users/2/reset-password", adminToken, `{"newPassword":"court"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("weak password: expected 422, got %d", rec.Code)
	}
}

func TestSearchRoute(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "ventes@manchengo.dz")

	rec := env.do(t, http.MethodGet, "/api/search?q=lait", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp search.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Engine != "postgres" || resp.Total != 1 || resp.Results[0].Code != "LAIT" {
		t.Fatalf("unexpected search response %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/search?q=lait&type=client", token, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unknown type, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "admin@manchengo.dz")
	for _, path := range []string{"/api/nope", "/other", "/api/auth/whoami"} {
		rec := env.do(t, http.MethodGet, path, token, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/purchase-orders/abc", token, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a bad id, got %d", rec.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "domain", err: apperr.Conflict("DUPLICATE_CODE", "code exists", nil), wantStatus: http.StatusConflict, wantCode: "DUPLICATE_CODE"},
		{name: "wrapped domain", err: fmt.Errorf("send: %w", apperr.Locked("locked", nil)), wantStatus: http.StatusLocked, wantCode: "ENTITY_LOCKED"},
		{name: "no rows", err: fmt.Errorf("get supplier: %w", sql.ErrNoRows), wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "expired token", err: auth.ErrExpiredToken, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "pdf missing", err: fmt.Errorf("render: %w", export.ErrPDFDependencyMissing), wantStatus: http.StatusServiceUnavailable, wantCode: "PDF_UNAVAILABLE"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestSplitPath(t *testing.T) {
	got := splitPath("/api/purchase-orders/42/send/")
	want := []string{"api", "purchase-orders", "42", "send"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("splitPath = %v, want %v", got, want)
	}
	if splitPath("/") != nil {
		t.Fatal("expected nil for the root path")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if got := clientIP(req); got != "10.0.0.7" {
		t.Fatalf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "197.200.1.1, 10.0.0.1")
	if got := clientIP(req); got != "197.200.1.1" {
		t.Fatalf("clientIP with proxy = %q", got)
	}
}

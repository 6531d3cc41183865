package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), s
}

func TestConnect(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "http://not-redis"); err == nil {
		t.Fatal("expected an error for a non redis url")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "test-token-hash", 42, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	userID, err := store.LookupRefreshSession(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("expected user 42, got %d", userID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "expired-token", 7, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	_, err := store.LookupRefreshSession(ctx, "expired-token")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	_, err := store.LookupRefreshSession(context.Background(), "non-existent-token")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "token-1", 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := store.SaveRefreshSession(ctx, "token-2", 2, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}
	userID, err := store.LookupRefreshSession(ctx, "token-2")
	if err != nil || userID != 2 {
		t.Errorf("token-2 should survive, got %d, %v", userID, err)
	}
	if err := store.RevokeRefreshSession(ctx, "non-existent-token"); err != nil {
		t.Errorf("revoking an unknown token failed: %v", err)
	}
}

func TestRevokeUserSessions(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	for _, hash := range []string{"user-3-a", "user-3-b"} {
		if err := store.SaveRefreshSession(ctx, hash, 3, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("SaveRefreshSession %s failed: %v", hash, err)
		}
	}
	if err := store.SaveRefreshSession(ctx, "user-4", 4, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if ttl := s.TTL("refresh:user:3"); ttl <= 0 {
		t.Fatalf("user index must expire, got ttl %v", ttl)
	}

	if err := store.RevokeUserSessions(ctx, 3); err != nil {
		t.Fatalf("RevokeUserSessions failed: %v", err)
	}
	for _, hash := range []string{"user-3-a", "user-3-b"} {
		if _, err := store.LookupRefreshSession(ctx, hash); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s should be revoked, got %v", hash, err)
		}
	}
	if s.Exists("refresh:user:3") {
		t.Error("user index should be deleted")
	}
	if userID, err := store.LookupRefreshSession(ctx, "user-4"); err != nil || userID != 4 {
		t.Errorf("other users keep their sessions, got %d, %v", userID, err)
	}
	if err := store.RevokeUserSessions(ctx, 99); err != nil {
		t.Errorf("revoking a user without sessions failed: %v", err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("fresh jti reported revoked=%v err=%v", revoked, err)
	}
	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-1"); !revoked {
		t.Error("expected jti-1 to be revoked")
	}

	s.FastForward(16 * time.Minute)
	if revoked, _ := store.IsAccessTokenRevoked(ctx, "jti-1"); revoked {
		t.Error("revocation should lapse with the token")
	}

	if err := store.RevokeAccessToken(ctx, "jti-old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("revoking an expired token failed: %v", err)
	}
	if s.Exists(revokedKey("jti-old")) {
		t.Error("an already expired token needs no entry")
	}
}

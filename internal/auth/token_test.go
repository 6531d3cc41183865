package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "12",
		Name: "Amine Benali",
		Role: "APPRO",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "12" || claims.Name != "Amine Benali" || claims.Role != "APPRO" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	id, err := claims.UserID()
	if err != nil || id != 12 {
		t.Fatalf("UserID() = %d, %v", id, err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "12",
		Role: "ADMIN",
		JTI:  "jti-1",
		Exp:  time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseTokenAt(secret, issued, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseTokenAt() error = %v, want ErrExpiredToken", err)
	}
	if _, err := ParseTokenAt(secret, issued, time.Date(2026, 1, 1, 9, 59, 0, 0, time.UTC)); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{Sub: "3", Role: "COMMERCIAL", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	cases := map[string]string{
		"other secret": issued,
		"no signature": strings.Split(issued, ".")[0],
		"extra part":   issued + ".x",
		"garbage":      "abc.def",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			key := secret
			if name == "other secret" {
				key = []byte("other")
			}
			if _, err := ParseToken(key, token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestUserIDRejectsNonNumericSubject(t *testing.T) {
	if _, err := (Claims{Sub: "user-1"}).UserID(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("UserID() error = %v", err)
	}
}

func TestNewRefreshTokenIsRandom(t *testing.T) {
	a, err := NewRefreshToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewRefreshToken()
	if len(a) != 64 || a == b {
		t.Fatalf("unexpected refresh tokens %q %q", a, b)
	}
	if HashToken(a) == a || len(HashToken(a)) != 64 {
		t.Fatalf("HashToken() = %q", HashToken(a))
	}
}

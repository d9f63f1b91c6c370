package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBearerTokenRoundTrip(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	session := &Session{ID: "sess-1", AccountID: "acct-1", TenantID: "clinic-1"}

	token, jti, expiresAt, err := signBearerToken(secret, session, "member", "medlock", "medlock-api", 15*time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if jti == "" {
		t.Fatal("empty jti")
	}
	if !expiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("expires_at = %v", expiresAt)
	}

	claims, err := parseBearerToken(secret, token, "medlock", "medlock-api", func() time.Time { return now })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "acct-1" || claims.SessionID != "sess-1" || claims.TenantID != "clinic-1" || claims.Role != "member" {
		t.Fatalf("claims %+v", claims)
	}
	if claims.ID != jti {
		t.Fatalf("jti mismatch: %q != %q", claims.ID, jti)
	}
}

func TestParseBearerTokenFailures(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	session := &Session{ID: "sess-1", AccountID: "acct-1", TenantID: "clinic-1"}

	token, _, _, err := signBearerToken(secret, session, "member", "medlock", "medlock-api", 15*time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := parseBearerToken([]byte("other"), token, "medlock", "medlock-api", clock); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("wrong key: got %v", err)
	}
	if _, err := parseBearerToken(secret, token, "someone-else", "medlock-api", clock); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("wrong issuer: got %v", err)
	}
	if _, err := parseBearerToken(secret, token, "medlock", "other-api", clock); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("wrong audience: got %v", err)
	}
	late := func() time.Time { return now.Add(time.Hour) }
	if _, err := parseBearerToken(secret, token, "medlock", "medlock-api", late); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired: got %v", err)
	}
	if _, err := parseBearerToken(secret, "", "medlock", "medlock-api", clock); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("empty: got %v", err)
	}

	// Tamper with the payload.
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1][:len(parts[1])-2] + "xx." + parts[2]
	if _, err := parseBearerToken(secret, tampered, "medlock", "medlock-api", clock); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("tampered: got %v", err)
	}
}

func TestRefreshTokenShape(t *testing.T) {
	token, hash, err := newRefreshToken("sess-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	sessionID, secret, err := splitRefreshToken(token)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if sessionID != "sess-1" {
		t.Fatalf("session id = %q", sessionID)
	}
	if hashRefreshSecret(secret) != hash {
		t.Fatal("stored hash does not match the secret")
	}
	if strings.Contains(secret, ".") {
		t.Fatal("secret must not contain the separator")
	}

	for _, bad := range []string{"", "nodot", ".leading", "trailing.", "a.b.c"} {
		if _, _, err := splitRefreshToken(bad); err == nil {
			t.Errorf("split(%q) should fail", bad)
		}
	}
}

func TestOpaqueTokenUnique(t *testing.T) {
	t1, h1, err := newOpaqueToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	t2, h2, err := newOpaqueToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if t1 == t2 || h1 == h2 {
		t.Fatal("tokens must be unique")
	}
	if hashOpaqueToken(t1) != h1 {
		t.Fatal("hash mismatch")
	}
}

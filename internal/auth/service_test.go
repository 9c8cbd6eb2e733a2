package auth

import (
	"testing"
	"time"

	"github.com/relaychat/relay-server/internal/core"
)

func testJWTConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test-clients",
		TTL:      time.Hour,
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	cfg := testJWTConfig()
	svc := NewService(cfg)

	token, err := GenerateToken(cfg, "user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	identity, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-1" || identity.Email != "alice@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestVerify_MissingToken(t *testing.T) {
	svc := NewService(testJWTConfig())

	if _, err := svc.Verify(""); core.CodeOf(err) != core.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	cfg := testJWTConfig()
	other := testJWTConfig()
	other.Secret = []byte("a-different-secret")

	token, err := GenerateToken(other, "user-1", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	if _, err := NewService(cfg).Verify(token); core.CodeOf(err) != core.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	cfg := testJWTConfig()
	expired := testJWTConfig()
	expired.TTL = -time.Minute

	token, err := GenerateToken(expired, "user-1", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	if _, err := NewService(cfg).Verify(token); core.CodeOf(err) != core.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestValidateToken_ChecksIssuerAndAudience(t *testing.T) {
	cfg := testJWTConfig()

	wrongIssuer := testJWTConfig()
	wrongIssuer.Issuer = "someone-else"
	token, err := GenerateToken(wrongIssuer, "user-1", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := ValidateToken(cfg, token); err == nil {
		t.Fatalf("expected issuer mismatch error")
	}

	wrongAudience := testJWTConfig()
	wrongAudience.Audience = "other-clients"
	token, err = GenerateToken(wrongAudience, "user-1", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := ValidateToken(cfg, token); err == nil {
		t.Fatalf("expected audience mismatch error")
	}
}

func TestValidateToken_RequiresUserID(t *testing.T) {
	cfg := testJWTConfig()

	token, err := GenerateToken(cfg, "", "")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if _, err := ValidateToken(cfg, token); err == nil {
		t.Fatalf("expected error for empty user_id")
	}
}

package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/auditmarket-core/internal/infra/config"
)

var testAuth = config.AuthSettings{
	JWTSecret: "super-secret-signing-key",
	Issuer:    "https://auth.example.test",
	Audience:  "authenticated",
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := IssueToken(testAuth, IssueOptions{Subject: "auditor-1", Email: "a@example.test", TTL: time.Hour, Now: now})
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	verifier := NewTokenVerifier(testAuth).WithClock(func() time.Time { return now.Add(30 * time.Minute) })
	principal, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if principal.ID != "auditor-1" || principal.Email != "a@example.test" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if !principal.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", principal.ExpiresAt)
	}
}

func TestTokenVerifier_RejectsExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token, _ := IssueToken(testAuth, IssueOptions{Subject: "client-1", TTL: time.Minute, Now: now})

	verifier := NewTokenVerifier(testAuth).WithClock(func() time.Time { return now.Add(time.Hour) })
	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokenVerifier_RejectsWrongSecretAndAudience(t *testing.T) {
	now := time.Now()
	verifier := NewTokenVerifier(testAuth)

	other := testAuth
	other.JWTSecret = "another-secret"
	forged, _ := IssueToken(other, IssueOptions{Subject: "admin-1", Now: now})
	if _, err := verifier.Verify(forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}

	wrongAud := testAuth
	wrongAud.Audience = "service_role"
	token, _ := IssueToken(wrongAud, IssueOptions{Subject: "admin-1", Now: now})
	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestTokenVerifier_RejectsAlgorithmSwitch(t *testing.T) {
	claims := AccessTokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := NewTokenVerifier(config.AuthSettings{JWTSecret: "s"}).Verify(unsigned); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected alg=none token to be rejected, got %v", err)
	}
}

func TestTokenVerifier_MissingInputs(t *testing.T) {
	if _, err := NewTokenVerifier(config.AuthSettings{}).Verify("x"); !errors.Is(err, ErrVerifierNotConfigured) {
		t.Fatalf("expected ErrVerifierNotConfigured, got %v", err)
	}
	if _, err := NewTokenVerifier(testAuth).Verify("  "); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected ErrTokenMissing, got %v", err)
	}
	if _, err := IssueToken(testAuth, IssueOptions{}); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/auditmarket-core/internal/infra/config"
)

var (
	// ErrTokenMissing indicates the request carried no bearer token.
	ErrTokenMissing = errors.New("jwt: token missing")
	// ErrTokenInvalid covers malformed, expired and wrongly signed tokens.
	ErrTokenInvalid = errors.New("jwt: token invalid")
	// ErrVerifierNotConfigured indicates no signing secret is configured.
	ErrVerifierNotConfigured = errors.New("jwt: verifier not configured")
)

// AccessTokenClaims are the claims of an access token issued by the hosted auth provider.
// Roles are not trusted from the token; they are resolved from user_roles.
type AccessTokenClaims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller extracted from a verified token.
type Principal struct {
	ID        string
	Email     string
	SessionID string
	ExpiresAt time.Time
}

// TokenVerifier validates HS256 access tokens against the shared project secret.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewTokenVerifier(cfg config.AuthSettings) *TokenVerifier {
	return &TokenVerifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
		now:      time.Now,
	}
}

// WithClock overrides the verification clock.
func (v *TokenVerifier) WithClock(now func() time.Time) *TokenVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify parses raw and returns the principal it identifies.
func (v *TokenVerifier) Verify(raw string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, ErrVerifierNotConfigured
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	principal := &Principal{ID: subject, Email: claims.Email, SessionID: claims.SessionID}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// IssueOptions describes a token minted by IssueToken.
type IssueOptions struct {
	Subject string
	Email   string
	TTL     time.Duration
	Now     time.Time
}

// IssueToken signs an HS256 token accepted by a verifier built from the same settings. It is used
// by the devtoken command and by tests; production tokens come from the auth provider.
func IssueToken(cfg config.AuthSettings, opts IssueOptions) (string, error) {
	if cfg.JWTSecret == "" {
		return "", ErrVerifierNotConfigured
	}
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		return "", fmt.Errorf("jwt: subject is required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := AccessTokenClaims{
		Email: opts.Email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}

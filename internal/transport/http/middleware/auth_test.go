package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/infra/security"
)

type stubVerifier struct {
	principal *security.Principal
	err       error
	tokens    []string
}

func (s *stubVerifier) Verify(raw string) (*security.Principal, error) {
	s.tokens = append(s.tokens, raw)
	if s.err != nil {
		return nil, s.err
	}
	return s.principal, nil
}

type stubGrants struct {
	cached      map[string]bool
	perms       map[string][]string
	roles       map[string][]string
	refreshErr  error
	refreshHits int
}

func (s *stubGrants) Cached(id string) bool { return s.cached[id] }

func (s *stubGrants) Refresh(_ context.Context, id string) ([]domain.RoleGrant, error) {
	s.refreshHits++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	if s.cached == nil {
		s.cached = map[string]bool{}
	}
	s.cached[id] = true
	return nil, nil
}

func (s *stubGrants) HasPermission(id, permission string) bool {
	for _, p := range s.perms[id] {
		if p == permission {
			return true
		}
	}
	return false
}

func (s *stubGrants) HasAnyPermission(id string, permissions ...string) bool {
	for _, p := range permissions {
		if s.HasPermission(id, p) {
			return true
		}
	}
	return false
}

func (s *stubGrants) HasRole(id, role string) bool {
	for _, r := range s.roles[id] {
		if r == role {
			return true
		}
	}
	return false
}

func newAuthRouter(t *testing.T, verifier PrincipalVerifier, grants GrantCache, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(EnrichContext(), RequireAuth(verifier, grants, zaptest.NewLogger(t)))
	handlers := append(extra, func(c *gin.Context) {
		id, _ := GetPrincipalID(c)
		c.String(http.StatusOK, id)
	})
	router.GET("/secure", handlers...)
	return router
}

func TestRequireAuthLoadsGrantsOnce(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "client-1"}}
	grants := &stubGrants{}
	router := newAuthRouter(t, verifier, grants)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer token-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK || rr.Body.String() != "client-1" {
			t.Fatalf("expected principal echo, got %d %q", rr.Code, rr.Body.String())
		}
	}
	if grants.refreshHits != 1 {
		t.Fatalf("expected one grant refresh, got %d", grants.refreshHits)
	}
}

func TestRequireAuthRejectsBadHeaders(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "client-1"}}
	router := newAuthRouter(t, verifier, &stubGrants{})

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestRequireAuthAcceptsQueryTokenForStreams(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "auditor-2"}}
	router := newAuthRouter(t, verifier, &stubGrants{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/secure?access_token=tok", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(verifier.tokens) != 1 || verifier.tokens[0] != "tok" {
		t.Fatalf("expected query token to be verified, got %v", verifier.tokens)
	}
}

func TestRequireAuthMapsVerifierErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{err: fmt.Errorf("%w: %w", security.ErrTokenInvalid, jwt.ErrTokenExpired), code: http.StatusUnauthorized},
		{err: security.ErrTokenInvalid, code: http.StatusUnauthorized},
		{err: security.ErrVerifierNotConfigured, code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router := newAuthRouter(t, &stubVerifier{err: tc.err}, &stubGrants{})
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
	}
}

func TestRequireAuthProceedsWhenGrantLoadFails(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "client-1"}}
	grants := &stubGrants{refreshErr: errors.New("db down")}
	router := newAuthRouter(t, verifier, grants, RequirePermission(grants, domain.PermissionEscrowView))

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected permission check to deny, got %d", rr.Code)
	}
}

func TestRequirePermissionAndRole(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "mod-1"}}
	grants := &stubGrants{
		cached: map[string]bool{"mod-1": true},
		perms:  map[string][]string{"mod-1": {domain.PermissionEscrowResolveDispute}},
		roles:  map[string][]string{"mod-1": {domain.RoleModerator}},
	}

	cases := []struct {
		name  string
		guard gin.HandlerFunc
		code  int
	}{
		{name: "permission held", guard: RequirePermission(grants, domain.PermissionEscrowResolveDispute), code: http.StatusOK},
		{name: "permission missing", guard: RequirePermission(grants, domain.PermissionEscrowFund), code: http.StatusForbidden},
		{name: "role held", guard: RequireRole(grants, domain.RoleAdmin, domain.RoleModerator), code: http.StatusOK},
		{name: "role missing", guard: RequireRole(grants, domain.RoleAdmin), code: http.StatusForbidden},
	}
	for _, tc := range cases {
		router := newAuthRouter(t, verifier, grants, tc.guard)
		req := httptest.NewRequest(http.MethodGet, "/secure", nil)
		req.Header.Set("Authorization", "Bearer token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.code, rr.Code)
		}
	}
}

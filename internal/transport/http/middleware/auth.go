package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/infra/logger"
	"github.com/arklim/auditmarket-core/internal/infra/security"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// PrincipalVerifier resolves a bearer token to the authenticated principal.
type PrincipalVerifier interface {
	Verify(raw string) (*security.Principal, error)
}

// GrantCache is the slice of the permission engine the middleware needs.
type GrantCache interface {
	Cached(principalID string) bool
	Refresh(ctx context.Context, principalID string) ([]domain.RoleGrant, error)
	HasPermission(principalID, permission string) bool
	HasAnyPermission(principalID string, permissions ...string) bool
	HasRole(principalID, role string) bool
}

// RequireAuth validates the bearer token and loads the principal's grants on first sight.
// A failed grant load is logged and the request proceeds; permission checks then deny.
func RequireAuth(verifier PrincipalVerifier, grants GrantCache, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}

		principal, err := verifier.Verify(token)
		if err != nil {
			switch {
			case errors.Is(err, jwt.ErrTokenExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "access token expired"))
			case errors.Is(err, security.ErrTokenInvalid), errors.Is(err, security.ErrTokenMissing):
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "invalid access token"))
			default:
				log.Error("token verification failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, newErrorResponse(c, "authentication failed"))
			}
			return
		}

		c.Set(PrincipalIDKey, principal.ID)
		c.Set(PrincipalKey, principal)
		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.PrincipalID = principal.ID
		}
		ctx := context.WithValue(c.Request.Context(), logger.PrincipalKey{}, principal.ID)
		c.Request = c.Request.WithContext(ctx)

		if grants != nil && !grants.Cached(principal.ID) {
			if _, err := grants.Refresh(ctx, principal.ID); err != nil {
				log.Warn("loading role grants failed",
					zap.String("principal_id", principal.ID),
					zap.Error(err),
				)
			}
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// EventSource cannot set headers; streaming routes accept the token as a query parameter.
		if token := c.Query("access_token"); token != "" && c.Request.Method == http.MethodGet {
			return token, true
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "missing authorization header"))
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized,
			newErrorResponse(c, "invalid authorization format: expected 'Bearer <token>'"))
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "missing access token"))
		return "", false
	}
	return token, true
}

// RequirePermission allows the request when the principal holds any of the permissions.
func RequirePermission(grants GrantCache, permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, ok := GetPrincipalID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "authentication required"))
			return
		}
		if !grants.HasAnyPermission(principalID, permissions...) {
			c.AbortWithStatusJSON(http.StatusForbidden, newErrorResponse(c, "insufficient permissions"))
			return
		}
		c.Next()
	}
}

// RequireRole allows the request when the principal holds any of the roles.
func RequireRole(grants GrantCache, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principalID, ok := GetPrincipalID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "authentication required"))
			return
		}
		for _, role := range roles {
			if grants.HasRole(principalID, role) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, newErrorResponse(c, "insufficient permissions"))
	}
}

// GetPrincipalID retrieves the authenticated principal id (helper for handlers)
func GetPrincipalID(c *gin.Context) (string, bool) {
	id := c.GetString(PrincipalIDKey)
	return id, id != ""
}

// GetPrincipal retrieves the verified principal.
func GetPrincipal(c *gin.Context) (*security.Principal, bool) {
	value, exists := c.Get(PrincipalKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*security.Principal)
	return principal, ok && principal != nil
}

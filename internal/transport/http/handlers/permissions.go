package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

// PermissionHandler answers permission questions for the calling principal.
type PermissionHandler struct {
	engine *usecase.PermissionEngine
}

func NewPermissionHandler(engine *usecase.PermissionEngine) *PermissionHandler {
	return &PermissionHandler{engine: engine}
}

func (h *PermissionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.Mine)
	r.GET("/check", h.Check)
	r.POST("/refresh", h.Refresh)
}

// Mine godoc
// @Summary Effective roles and permissions of the caller
// @Tags Permissions
// @Produce json
// @Success 200 {object} PermissionsResponse
// @Router /api/v1/permissions [get]
func (h *PermissionHandler) Mine(c *gin.Context) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}
	c.JSON(http.StatusOK, h.snapshot(principalID, h.engine.Grants(principalID)))
}

// Check godoc
// @Summary Check one permission for the caller
// @Tags Permissions
// @Produce json
// @Param permission query string true "Permission name, e.g. escrow:release_funds"
// @Success 200 {object} PermissionCheckResponse
// @Router /api/v1/permissions/check [get]
func (h *PermissionHandler) Check(c *gin.Context) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}
	permission := strings.TrimSpace(c.Query("permission"))
	if permission == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "permission query parameter is required"))
		return
	}
	c.JSON(http.StatusOK, PermissionCheckResponse{
		Permission: permission,
		Allowed:    h.engine.HasPermission(principalID, permission),
	})
}

// Refresh godoc
// @Summary Reload the caller's role grants
// @Tags Permissions
// @Produce json
// @Success 200 {object} PermissionsResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/v1/permissions/refresh [post]
func (h *PermissionHandler) Refresh(c *gin.Context) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}
	grants, err := h.engine.Refresh(c.Request.Context(), principalID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "role grants could not be loaded"))
		return
	}
	c.JSON(http.StatusOK, h.snapshot(principalID, grants))
}

func (h *PermissionHandler) snapshot(principalID string, grants []domain.RoleGrant) PermissionsResponse {
	roles := make([]string, 0, len(grants))
	seen := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		if _, dup := seen[g.Role]; dup {
			continue
		}
		seen[g.Role] = struct{}{}
		roles = append(roles, g.Role)
	}
	sort.Strings(roles)

	return PermissionsResponse{
		PrincipalID:  principalID,
		Roles:        roles,
		Permissions:  h.engine.Permissions(principalID).List(),
		Grants:       grantPayloads(grants),
		TableVersion: domain.PermissionTableVersion,
	}
}

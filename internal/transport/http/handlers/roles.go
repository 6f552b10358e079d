package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

type RoleHandler struct {
	roles *usecase.RoleService
}

func NewRoleHandler(roles *usecase.RoleService) *RoleHandler {
	return &RoleHandler{roles: roles}
}

func (h *RoleHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/grants", h.Grant)
	r.DELETE("/grants/:principal_id/:role", h.Revoke)
}

// Grant godoc
// @Summary Grant a marketplace role
// @Tags Roles
// @Accept json
// @Produce json
// @Param request body RoleGrantRequest true "Grant request"
// @Success 201 {object} RoleGrantResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /api/v1/roles/grants [post]
func (h *RoleHandler) Grant(c *gin.Context) {
	actorID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}

	var req RoleGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid role grant payload"))
		return
	}

	grant, err := h.roles.GrantRole(c.Request.Context(), actorID, usecase.GrantRoleInput{
		PrincipalID: req.PrincipalID,
		Role:        req.Role,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		RespondWithMappedError(c, err, roleCases, http.StatusInternalServerError, "failed to grant role")
		return
	}

	c.JSON(http.StatusCreated, RoleGrantResponse{
		PrincipalID: grant.PrincipalID,
		Grant:       grantPayloads([]domain.RoleGrant{*grant})[0],
	})
}

// Revoke godoc
// @Summary Revoke a marketplace role
// @Tags Roles
// @Param principal_id path string true "Principal id"
// @Param role path string true "Role name"
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/roles/grants/{principal_id}/{role} [delete]
func (h *RoleHandler) Revoke(c *gin.Context) {
	actorID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}

	if err := h.roles.RevokeRole(c.Request.Context(), actorID, c.Param("principal_id"), c.Param("role")); err != nil {
		RespondWithMappedError(c, err, roleCases, http.StatusInternalServerError, "failed to revoke role")
		return
	}
	c.Status(http.StatusNoContent)
}

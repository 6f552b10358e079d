package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
	"github.com/arklim/auditmarket-core/internal/usecase"
)

// SyncTablePolicy names the permissions required to read or queue changes for a synced table.
// An empty WritePermission makes the table read-only over HTTP.
type SyncTablePolicy struct {
	ReadPermission  string
	WritePermission string
}

// DefaultSyncTablePolicies covers the tables the marketplace synchronizes. Escrow contracts are
// only mutated through the escrow endpoints.
func DefaultSyncTablePolicies() map[string]SyncTablePolicy {
	return map[string]SyncTablePolicy{
		"audit_requests":   {ReadPermission: domain.PermissionViewAudits, WritePermission: domain.PermissionCreateAuditRequest},
		"escrow_contracts": {ReadPermission: domain.PermissionEscrowManageAny},
	}
}

// SyncHandler exposes the sync manager over HTTP.
type SyncHandler struct {
	manager *usecase.SyncManager
	authz   usecase.Authorizer
	tables  map[string]SyncTablePolicy
}

// NewSyncHandler restricts the API to the given tables.
func NewSyncHandler(manager *usecase.SyncManager, authz usecase.Authorizer, tables map[string]SyncTablePolicy) *SyncHandler {
	return &SyncHandler{manager: manager, authz: authz, tables: tables}
}

func (h *SyncHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/targets", h.List)
	r.POST("/targets", h.Init)
	r.GET("/targets/:table/:id", h.Get)
	r.DELETE("/targets/:table/:id", h.Stop)
	r.GET("/targets/:table/:id/status", h.Status)
	r.POST("/targets/:table/:id/changes", h.QueueChange)
	r.POST("/targets/:table/:id/sync", h.SyncNow)
	r.GET("/targets/:table/:id/watch", h.Watch)
}

// List godoc
// @Summary Active sync targets readable by the caller
// @Tags Sync
// @Produce json
// @Success 200 {object} SyncTargetsResponse
// @Router /api/v1/sync/targets [get]
func (h *SyncHandler) List(c *gin.Context) {
	principalID, _ := middleware.GetPrincipalID(c)
	targets := make([]domain.ResourceKey, 0)
	for _, key := range h.manager.Active() {
		if policy, ok := h.tables[key.Table]; ok && h.authz.HasPermission(principalID, policy.ReadPermission) {
			targets = append(targets, key)
		}
	}
	c.JSON(http.StatusOK, SyncTargetsResponse{Targets: targets})
}

// Init godoc
// @Summary Start synchronizing a row
// @Description Idempotent: an already active target is reported with 200.
// @Tags Sync
// @Accept json
// @Produce json
// @Param request body SyncTargetRequest true "Target"
// @Success 201 {object} domain.SyncStatus
// @Success 200 {object} domain.SyncStatus
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/sync/targets [post]
func (h *SyncHandler) Init(c *gin.Context) {
	var req SyncTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid sync target payload"))
		return
	}
	key := domain.ResourceKey{Table: strings.TrimSpace(req.Table), ID: strings.TrimSpace(req.ID)}
	if _, ok := h.authorize(c, key.Table, false); !ok {
		return
	}

	target := domain.SyncTarget{Key: key, Policy: domain.ConflictPolicy(strings.TrimSpace(req.Policy))}
	if req.Interval != "" {
		interval, err := time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "interval must be a positive duration"))
			return
		}
		target.Interval = interval
	}

	code := http.StatusCreated
	if _, err := h.manager.GetSyncStatus(key); err == nil {
		code = http.StatusOK
	}
	if err := h.manager.EnsureSync(target); err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to start sync")
		return
	}
	status, err := h.manager.GetSyncStatus(key)
	if err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	c.JSON(code, status)
}

// Get godoc
// @Summary Optimistic local view of a synced row
// @Tags Sync
// @Produce json
// @Success 200 {object} domain.LocalView
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/sync/targets/{table}/{id} [get]
func (h *SyncHandler) Get(c *gin.Context) {
	key, ok := h.target(c, false)
	if !ok {
		return
	}
	view, err := h.manager.Get(c.Request.Context(), key)
	if err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusBadGateway, "failed to load record")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Stop godoc
// @Summary Stop synchronizing a row and discard unacknowledged changes
// @Tags Sync
// @Success 204
// @Router /api/v1/sync/targets/{table}/{id} [delete]
func (h *SyncHandler) Stop(c *gin.Context) {
	key, ok := h.target(c, true)
	if !ok {
		return
	}
	if err := h.manager.StopSync(key); err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to stop sync")
		return
	}
	c.Status(http.StatusNoContent)
}

// Status godoc
// @Summary Reconciliation status of a target
// @Tags Sync
// @Produce json
// @Success 200 {object} domain.SyncStatus
// @Router /api/v1/sync/targets/{table}/{id}/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	key, ok := h.target(c, false)
	if !ok {
		return
	}
	status, err := h.manager.GetSyncStatus(key)
	if err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// QueueChange godoc
// @Summary Queue an optimistic change
// @Description The change is applied to the local view at once and reconciled in the background.
// @Tags Sync
// @Accept json
// @Produce json
// @Param request body SyncChangeRequest true "Change"
// @Success 202 {object} SyncChangeResponse
// @Router /api/v1/sync/targets/{table}/{id}/changes [post]
func (h *SyncHandler) QueueChange(c *gin.Context) {
	key, ok := h.target(c, true)
	if !ok {
		return
	}
	var req SyncChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid change payload"))
		return
	}
	op, err := domain.ParseMutationOp(req.Op)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, err.Error()))
		return
	}

	mutation, err := h.manager.QueueLocalChange(key, op, req.Payload)
	if err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to queue change")
		return
	}
	c.JSON(http.StatusAccepted, SyncChangeResponse{Key: key, Mutation: mutation})
}

// SyncNow godoc
// @Summary Reconcile a target immediately
// @Tags Sync
// @Success 202 {object} MessageResponse
// @Router /api/v1/sync/targets/{table}/{id}/sync [post]
func (h *SyncHandler) SyncNow(c *gin.Context) {
	key, ok := h.target(c, false)
	if !ok {
		return
	}
	if err := h.manager.SyncNow(key); err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to schedule sync")
		return
	}
	c.JSON(http.StatusAccepted, MessageResponse{Message: "sync scheduled"})
}

// Watch godoc
// @Summary Stream the local view of a row as server-sent events
// @Tags Sync
// @Produce text/event-stream
// @Router /api/v1/sync/targets/{table}/{id}/watch [get]
func (h *SyncHandler) Watch(c *gin.Context) {
	key, ok := h.target(c, false)
	if !ok {
		return
	}
	views, err := h.manager.Watch(c.Request.Context(), key)
	if err != nil {
		RespondWithMappedError(c, err, syncCases, http.StatusInternalServerError, "failed to watch record")
		return
	}
	streamEvents(c, "view", views)
}

func (h *SyncHandler) target(c *gin.Context, write bool) (domain.ResourceKey, bool) {
	key := domain.ResourceKey{Table: c.Param("table"), ID: c.Param("id")}
	if _, ok := h.authorize(c, key.Table, write); !ok {
		return domain.ResourceKey{}, false
	}
	return key, true
}

func (h *SyncHandler) authorize(c *gin.Context, table string, write bool) (SyncTablePolicy, bool) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return SyncTablePolicy{}, false
	}
	policy, known := h.tables[table]
	if !known {
		c.JSON(http.StatusNotFound, NewErrorResponse(c, "table is not synchronized"))
		return SyncTablePolicy{}, false
	}
	permission := policy.ReadPermission
	if write {
		permission = policy.WritePermission
	}
	if permission == "" || !h.authz.HasPermission(principalID, permission) {
		c.JSON(http.StatusForbidden, NewErrorResponse(c, "insufficient permissions"))
		return SyncTablePolicy{}, false
	}
	return policy, true
}

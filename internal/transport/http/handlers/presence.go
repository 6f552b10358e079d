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

// RoleReader resolves the role advertised in a presence record.
type RoleReader interface {
	HasRole(principalID, role string) bool
}

// presenceRoleOrder is the order in which a principal's roles are advertised; the first held wins.
var presenceRoleOrder = []string{domain.RoleAdmin, domain.RoleModerator, domain.RoleAuditor, domain.RoleClient}

// PresenceHandler drives one server-side presence session per authenticated principal.
type PresenceHandler struct {
	registry *usecase.PresenceRegistry
	roles    RoleReader
}

func NewPresenceHandler(registry *usecase.PresenceRegistry, roles RoleReader) *PresenceHandler {
	return &PresenceHandler{registry: registry, roles: roles}
}

func (h *PresenceHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.Session)
	r.PATCH("", h.Update)
	r.PUT("/visibility", h.Visibility)
	r.POST("/rooms/:room", h.Join)
	r.DELETE("/rooms/:room", h.Leave)
	r.GET("/rooms/:room", h.Room)
	r.POST("/rooms/:room/reconnect", h.Reconnect)
	r.GET("/rooms/:room/stream", h.Stream)
}

// Session godoc
// @Summary Caller's presence record and joined rooms
// @Tags Presence
// @Produce json
// @Success 200 {object} PresenceSessionResponse
// @Router /api/v1/presence [get]
func (h *PresenceHandler) Session(c *gin.Context) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}
	resp := PresenceSessionResponse{Rooms: []string{}}
	if tracker, found := h.registry.Lookup(principalID); found {
		if self, has := tracker.Self(); has {
			resp.Self = &self
		}
		resp.Rooms = tracker.Rooms()
		sort.Strings(resp.Rooms)
	}
	c.JSON(http.StatusOK, resp)
}

// Join godoc
// @Summary Join a presence room
// @Tags Presence
// @Accept json
// @Produce json
// @Param room path string true "Room, usually an audit request id"
// @Param request body PresenceJoinRequest true "Presence attributes"
// @Success 201 {object} PresenceRoomResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/presence/rooms/{room} [post]
func (h *PresenceHandler) Join(c *gin.Context) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return
	}
	var req PresenceJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid presence payload"))
		return
	}

	self := domain.PresenceRecord{
		PrincipalID: principalID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        h.advertisedRole(principalID),
		Status:      domain.PresenceStatus(strings.TrimSpace(req.Status)),
		Activity:    req.Activity,
		Location:    req.Location,
	}
	room := c.Param("room")
	tracker := h.registry.Session(principalID)
	if err := tracker.Join(c.Request.Context(), room, self); err != nil {
		h.registry.ReleaseIfIdle(principalID)
		RespondWithMappedError(c, err, presenceCases, http.StatusBadGateway, "failed to join room")
		return
	}
	c.JSON(http.StatusCreated, roomResponse(tracker, room))
}

// Leave godoc
// @Summary Leave a presence room
// @Tags Presence
// @Success 204
// @Router /api/v1/presence/rooms/{room} [delete]
func (h *PresenceHandler) Leave(c *gin.Context) {
	principalID, tracker, ok := h.session(c)
	if !ok {
		return
	}
	if err := tracker.Leave(c.Request.Context(), c.Param("room")); err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusInternalServerError, "failed to leave room")
		return
	}
	h.registry.ReleaseIfIdle(principalID)
	c.Status(http.StatusNoContent)
}

// Room godoc
// @Summary Participants of a joined room
// @Tags Presence
// @Produce json
// @Success 200 {object} PresenceRoomResponse
// @Router /api/v1/presence/rooms/{room} [get]
func (h *PresenceHandler) Room(c *gin.Context) {
	_, tracker, ok := h.session(c)
	if !ok {
		return
	}
	room := c.Param("room")
	if _, err := tracker.Participants(room); err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusInternalServerError, "failed to list participants")
		return
	}
	c.JSON(http.StatusOK, roomResponse(tracker, room))
}

// Reconnect godoc
// @Summary Re-subscribe a degraded room
// @Tags Presence
// @Produce json
// @Success 200 {object} PresenceRoomResponse
// @Router /api/v1/presence/rooms/{room}/reconnect [post]
func (h *PresenceHandler) Reconnect(c *gin.Context) {
	_, tracker, ok := h.session(c)
	if !ok {
		return
	}
	room := c.Param("room")
	if err := tracker.Reconnect(c.Request.Context(), room); err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusBadGateway, "failed to reconnect room")
		return
	}
	c.JSON(http.StatusOK, roomResponse(tracker, room))
}

// Update godoc
// @Summary Update the caller's presence in every joined room
// @Tags Presence
// @Accept json
// @Param request body PresenceUpdateRequest true "Changed attributes"
// @Success 200 {object} PresenceSessionResponse
// @Router /api/v1/presence [patch]
func (h *PresenceHandler) Update(c *gin.Context) {
	_, tracker, ok := h.session(c)
	if !ok {
		return
	}
	var req PresenceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid presence payload"))
		return
	}

	update := domain.PresenceUpdate{
		DisplayName: req.DisplayName,
		Activity:    req.Activity,
		Location:    req.Location,
	}
	if req.Status != nil {
		status, err := domain.ParsePresenceStatus(*req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, err.Error()))
			return
		}
		update.Status = &status
	}
	if err := tracker.UpdatePresence(c.Request.Context(), update); err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusBadGateway, "failed to update presence")
		return
	}
	h.Session(c)
}

// Visibility godoc
// @Summary Report tab visibility; hidden sessions show as away
// @Tags Presence
// @Accept json
// @Param request body PresenceVisibilityRequest true "Visibility"
// @Success 200 {object} PresenceSessionResponse
// @Router /api/v1/presence/visibility [put]
func (h *PresenceHandler) Visibility(c *gin.Context) {
	_, tracker, ok := h.session(c)
	if !ok {
		return
	}
	var req PresenceVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "visible is required"))
		return
	}
	if err := tracker.SetVisibility(c.Request.Context(), *req.Visible); err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusBadGateway, "failed to update visibility")
		return
	}
	h.Session(c)
}

// Stream godoc
// @Summary Stream the participant list of a joined room as server-sent events
// @Tags Presence
// @Produce text/event-stream
// @Router /api/v1/presence/rooms/{room}/stream [get]
func (h *PresenceHandler) Stream(c *gin.Context) {
	_, tracker, ok := h.session(c)
	if !ok {
		return
	}
	updates, err := tracker.Watch(c.Request.Context(), c.Param("room"))
	if err != nil {
		RespondWithMappedError(c, err, presenceCases, http.StatusInternalServerError, "failed to watch room")
		return
	}
	streamEvents(c, "participants", updates)
}

func (h *PresenceHandler) session(c *gin.Context) (string, *usecase.PresenceTracker, bool) {
	principalID, ok := middleware.GetPrincipalID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid authentication"))
		return "", nil, false
	}
	tracker, found := h.registry.Lookup(principalID)
	if !found {
		c.JSON(http.StatusNotFound, NewErrorResponse(c, "no presence session; join a room first"))
		return "", nil, false
	}
	return principalID, tracker, true
}

func (h *PresenceHandler) advertisedRole(principalID string) string {
	if h.roles == nil {
		return ""
	}
	for _, role := range presenceRoleOrder {
		if h.roles.HasRole(principalID, role) {
			return role
		}
	}
	return ""
}

func roomResponse(tracker *usecase.PresenceTracker, room string) PresenceRoomResponse {
	participants, err := tracker.Participants(room)
	if err != nil || participants == nil {
		participants = []domain.PresenceRecord{}
	}
	return PresenceRoomResponse{
		Room:         room,
		State:        tracker.ConnectionState(room),
		Participants: participants,
	}
}

package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/transport/http/middleware"
)

// ErrorResponse is the error body of every handler.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse builds an ErrorResponse carrying the request trace id.
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Permissions

type PermissionCheckResponse struct {
	Permission string `json:"permission"`
	Allowed    bool   `json:"allowed"`
}

type GrantPayload struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	GrantedBy string     `json:"granted_by,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type PermissionsResponse struct {
	PrincipalID  string         `json:"principal_id"`
	Roles        []string       `json:"roles"`
	Permissions  []string       `json:"permissions"`
	Grants       []GrantPayload `json:"grants"`
	TableVersion string         `json:"table_version"`
}

func grantPayloads(grants []domain.RoleGrant) []GrantPayload {
	out := make([]GrantPayload, 0, len(grants))
	for _, g := range grants {
		out = append(out, GrantPayload{
			ID:        g.ID,
			Role:      g.Role,
			GrantedBy: g.GrantedBy,
			GrantedAt: g.GrantedAt,
			ExpiresAt: g.ExpiresAt,
		})
	}
	return out
}

// Roles

type RoleGrantRequest struct {
	PrincipalID string     `json:"principal_id" binding:"required"`
	Role        string     `json:"role" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type RoleGrantResponse struct {
	PrincipalID string       `json:"principal_id"`
	Grant       GrantPayload `json:"grant"`
}

// Sync

type SyncTargetRequest struct {
	Table    string `json:"table" binding:"required"`
	ID       string `json:"id" binding:"required"`
	Policy   string `json:"policy"`
	Interval string `json:"interval"`
}

type SyncChangeRequest struct {
	Op      string         `json:"op" binding:"required"`
	Payload map[string]any `json:"payload"`
}

type SyncChangeResponse struct {
	Key      domain.ResourceKey `json:"key"`
	Mutation domain.Mutation    `json:"mutation"`
}

type SyncTargetsResponse struct {
	Targets []domain.ResourceKey `json:"targets"`
}

// Presence

type PresenceJoinRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Status      string `json:"status"`
	Activity    string `json:"activity"`
	Location    string `json:"location"`
}

type PresenceUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	Status      *string `json:"status"`
	Activity    *string `json:"activity"`
	Location    *string `json:"location"`
}

type PresenceVisibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

type PresenceRoomResponse struct {
	Room         string                  `json:"room"`
	State        domain.ConnectionState  `json:"state"`
	Participants []domain.PresenceRecord `json:"participants"`
}

type PresenceSessionResponse struct {
	Self  *domain.PresenceRecord `json:"self,omitempty"`
	Rooms []string               `json:"rooms"`
}

// Escrow

type FundContractRequest struct {
	PaymentMethodRef string `json:"payment_method_ref" binding:"required"`
}

type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ResolveDisputeRequest struct {
	Resume *bool `json:"resume" binding:"required"`
}

type TransactionsResponse struct {
	ContractID   string               `json:"contract_id"`
	Transactions []domain.Transaction `json:"transactions"`
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

var (
	// ErrUnknownRole is returned when granting a role that has no permission mapping.
	ErrUnknownRole = errors.New("unknown role")
	// ErrInvalidExpiry is returned when a grant would already be expired.
	ErrInvalidExpiry = errors.New("grant expiry must be in the future")
)

// GrantRoleInput captures the payload for granting a role.
type GrantRoleInput struct {
	PrincipalID string
	Role        string
	ExpiresAt   *time.Time
}

// RoleService grants and revokes marketplace roles and keeps the permission engine current.
type RoleService struct {
	grants port.RoleGrantRepository
	engine *PermissionEngine
	logger *zap.Logger
	now    func() time.Time
}

// NewRoleService constructs a RoleService.
func NewRoleService(grants port.RoleGrantRepository, engine *PermissionEngine, logger *zap.Logger) *RoleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleService{grants: grants, engine: engine, logger: logger, now: time.Now}
}

// WithClock overrides the service clock.
func (s *RoleService) WithClock(now func() time.Time) *RoleService {
	if now != nil {
		s.now = now
	}
	return s
}

// GrantRole assigns a role, requiring the actor to hold users:manage.
func (s *RoleService) GrantRole(ctx context.Context, actorID string, input GrantRoleInput) (*domain.RoleGrant, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}
	if err := s.engine.Authorize(actorID, domain.PermissionUsersManage); err != nil {
		return nil, err
	}

	principalID := strings.TrimSpace(input.PrincipalID)
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if !domain.KnownRole(role) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, input.Role)
	}

	now := s.now().UTC()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	grant := domain.RoleGrant{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Role:        role,
		Active:      true,
		GrantedBy:   actorID,
		GrantedAt:   now,
		ExpiresAt:   input.ExpiresAt,
	}
	if err := s.grants.Grant(ctx, grant); err != nil {
		return nil, fmt.Errorf("grant role: %w", err)
	}

	s.refresh(ctx, principalID)
	return &grant, nil
}

// RevokeRole deactivates a principal's grant for role.
func (s *RoleService) RevokeRole(ctx context.Context, actorID, principalID, role string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	if err := s.engine.Authorize(actorID, domain.PermissionUsersManage); err != nil {
		return err
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return fmt.Errorf("principal id is required")
	}

	if err := s.grants.Revoke(ctx, principalID, strings.ToLower(strings.TrimSpace(role))); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}

	s.refresh(ctx, principalID)
	return nil
}

func (s *RoleService) refresh(ctx context.Context, principalID string) {
	if _, err := s.engine.Refresh(ctx, principalID); err != nil {
		// The change is committed; drop the stale cache so nothing is answered from it.
		s.engine.Invalidate(principalID)
		s.logger.Warn("refresh after role change failed", zap.String("principal_id", principalID), zap.Error(err))
	}
}

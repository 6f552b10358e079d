package memory

import (
	"context"
	"sync"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

// RoleGrantRepository keeps role grants in memory.
type RoleGrantRepository struct {
	mu     sync.RWMutex
	grants map[string][]domain.RoleGrant
}

var _ port.RoleGrantRepository = (*RoleGrantRepository)(nil)

// NewRoleGrantRepository creates an empty repository.
func NewRoleGrantRepository() *RoleGrantRepository {
	return &RoleGrantRepository{grants: make(map[string][]domain.RoleGrant)}
}

// ListByPrincipal returns active grants of principalID.
func (r *RoleGrantRepository) ListByPrincipal(_ context.Context, principalID string) ([]domain.RoleGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RoleGrant
	for _, g := range r.grants[principalID] {
		if g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

// Grant upserts the grant for (principal, role).
func (r *RoleGrantRepository) Grant(_ context.Context, grant domain.RoleGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.grants[grant.PrincipalID]
	for i, g := range list {
		if g.Role == grant.Role {
			list[i] = grant
			return nil
		}
	}
	r.grants[grant.PrincipalID] = append(list, grant)
	return nil
}

// Revoke deactivates the principal's grant for role.
func (r *RoleGrantRepository) Revoke(_ context.Context, principalID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, g := range r.grants[principalID] {
		if g.Role == role && g.Active {
			r.grants[principalID][i].Active = false
			return nil
		}
	}
	return repository.ErrNotFound
}

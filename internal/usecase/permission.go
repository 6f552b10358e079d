package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
)

type cachedGrants struct {
	grants      []domain.RoleGrant
	refreshedAt time.Time
}

// PermissionEngine answers authorization questions from a per-principal cache of role grants.
// Lookups never perform I/O; Refresh is the only method that touches the store.
type PermissionEngine struct {
	grants port.RoleGrantRepository
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedGrants
}

// NewPermissionEngine constructs a PermissionEngine.
func NewPermissionEngine(grants port.RoleGrantRepository, logger *zap.Logger) *PermissionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermissionEngine{
		grants: grants,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedGrants),
	}
}

// WithClock overrides the engine clock, mainly for tests.
func (e *PermissionEngine) WithClock(now func() time.Time) *PermissionEngine {
	if now != nil {
		e.now = now
	}
	return e
}

// Refresh reloads the principal's grants. On failure the previously cached grants stay in place.
func (e *PermissionEngine) Refresh(ctx context.Context, principalID string) ([]domain.RoleGrant, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	grants, err := e.grants.ListByPrincipal(ctx, principalID)
	if err != nil {
		e.logger.Warn("role grant refresh failed, keeping cached grants",
			zap.String("principal_id", principalID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("list role grants: %w", err)
	}

	now := e.now()
	effective := make([]domain.RoleGrant, 0, len(grants))
	for _, g := range grants {
		if g.PrincipalID != principalID || !g.Effective(now) {
			continue
		}
		if !domain.KnownRole(g.Role) {
			e.logger.Debug("ignoring grant for unmapped role",
				zap.String("principal_id", principalID),
				zap.String("role", g.Role),
			)
		}
		effective = append(effective, g)
	}

	e.mu.Lock()
	e.cache[principalID] = cachedGrants{grants: effective, refreshedAt: now}
	e.mu.Unlock()

	out := make([]domain.RoleGrant, len(effective))
	copy(out, effective)
	return out, nil
}

// Invalidate drops the cached grants for principalID.
func (e *PermissionEngine) Invalidate(principalID string) {
	e.mu.Lock()
	delete(e.cache, principalID)
	e.mu.Unlock()
}

// HasPermission reports whether any effective grant of the principal maps to permission.
func (e *PermissionEngine) HasPermission(principalID, permission string) bool {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasPermissionLocked(principalID, permission, now)
}

// HasAllPermissions reports whether every permission holds. An empty list is vacuously true.
func (e *PermissionEngine) HasAllPermissions(principalID string, permissions ...string) bool {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range permissions {
		if !e.hasPermissionLocked(principalID, p, now) {
			return false
		}
	}
	return true
}

// HasAnyPermission reports whether at least one permission holds.
func (e *PermissionEngine) HasAnyPermission(principalID string, permissions ...string) bool {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range permissions {
		if e.hasPermissionLocked(principalID, p, now) {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal holds an effective grant for role.
func (e *PermissionEngine) HasRole(principalID, role string) bool {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.cache[principalID].grants {
		if g.Role == role && g.Effective(now) {
			return true
		}
	}
	return false
}

// Authorize returns ErrPermissionDenied unless the principal holds permission.
func (e *PermissionEngine) Authorize(principalID, permission string) error {
	if !e.HasPermission(principalID, permission) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
	}
	return nil
}

// Permissions returns the union of permissions currently effective for the principal.
func (e *PermissionEngine) Permissions(principalID string) domain.PermissionSet {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	var sets []domain.PermissionSet
	for _, g := range e.cache[principalID].grants {
		if g.Effective(now) {
			sets = append(sets, domain.PermissionsForRole(g.Role))
		}
	}
	return domain.Union(sets...)
}

// Grants returns the cached grants that are effective now.
func (e *PermissionEngine) Grants(principalID string) []domain.RoleGrant {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.RoleGrant
	for _, g := range e.cache[principalID].grants {
		if g.Effective(now) {
			out = append(out, g)
		}
	}
	return out
}

// Cached reports whether grants for principalID have been loaded.
func (e *PermissionEngine) Cached(principalID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cache[principalID]
	return ok
}

func (e *PermissionEngine) hasPermissionLocked(principalID, permission string, now time.Time) bool {
	for _, g := range e.cache[principalID].grants {
		if !g.Effective(now) {
			continue
		}
		if domain.PermissionsForRole(g.Role).Has(permission) {
			return true
		}
	}
	return false
}

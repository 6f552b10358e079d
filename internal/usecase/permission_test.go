package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

// Mock repository for permission testing

type grantRepoMock struct {
	grants    map[string][]domain.RoleGrant
	listErr   error
	grantErr  error
	revokeErr error
	listCalls int
}

func (m *grantRepoMock) ListByPrincipal(_ context.Context, principalID string) ([]domain.RoleGrant, error) {
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.RoleGrant
	for _, g := range m.grants[principalID] {
		if g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *grantRepoMock) Grant(_ context.Context, grant domain.RoleGrant) error {
	if m.grantErr != nil {
		return m.grantErr
	}
	if m.grants == nil {
		m.grants = make(map[string][]domain.RoleGrant)
	}
	m.grants[grant.PrincipalID] = append(m.grants[grant.PrincipalID], grant)
	return nil
}

func (m *grantRepoMock) Revoke(_ context.Context, principalID, role string) error {
	if m.revokeErr != nil {
		return m.revokeErr
	}
	for i, g := range m.grants[principalID] {
		if g.Role == role {
			m.grants[principalID][i].Active = false
		}
	}
	return nil
}

func grant(principal, role string, expiresAt *time.Time) domain.RoleGrant {
	return domain.RoleGrant{
		ID:          principal + "-" + role,
		PrincipalID: principal,
		Role:        role,
		Active:      true,
		GrantedBy:   "system",
		GrantedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:   expiresAt,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPermissionEngine_ExpiredGrantContributesNothing(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"user-1": {grant("user-1", domain.RoleAuditor, &expired)},
	}}

	engine := NewPermissionEngine(repo, nil).WithClock(fixedClock(now))
	if _, err := engine.Refresh(context.Background(), "user-1"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	if engine.HasPermission("user-1", domain.PermissionSubmitFindings) {
		t.Fatalf("expected expired auditor grant to not grant submit_findings")
	}
	if engine.HasRole("user-1", domain.RoleAuditor) {
		t.Fatalf("expected expired grant to not count as role")
	}
}

func TestPermissionEngine_ExpiryIsCheckedAtLookup(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Minute)
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"user-1": {grant("user-1", domain.RoleAuditor, &expires)},
	}}

	current := now
	engine := NewPermissionEngine(repo, nil).WithClock(func() time.Time { return current })
	if _, err := engine.Refresh(context.Background(), "user-1"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if !engine.HasPermission("user-1", domain.PermissionSubmitFindings) {
		t.Fatalf("expected active auditor grant to allow submit_findings")
	}

	current = expires
	if engine.HasPermission("user-1", domain.PermissionSubmitFindings) {
		t.Fatalf("expected grant to stop contributing at its expiry")
	}
	if repo.listCalls != 1 {
		t.Fatalf("expected lookups to avoid the repository, got %d calls", repo.listCalls)
	}
}

func TestPermissionEngine_Wildcards(t *testing.T) {
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"mod":   {grant("mod", domain.RoleModerator, nil)},
		"admin": {grant("admin", domain.RoleAdmin, nil)},
	}}
	engine := NewPermissionEngine(repo, nil)
	for _, id := range []string{"mod", "admin"} {
		if _, err := engine.Refresh(context.Background(), id); err != nil {
			t.Fatalf("Refresh(%s) returned error: %v", id, err)
		}
	}

	if !engine.HasPermission("mod", domain.PermissionAuditAssign) {
		t.Fatalf("expected audit:* to satisfy audit:assign")
	}
	if engine.HasPermission("mod", domain.PermissionEscrowReleaseFunds) {
		t.Fatalf("expected audit:* to not satisfy escrow:release_funds")
	}
	if engine.HasPermission("mod", "audit") {
		t.Fatalf("expected bare scope name to not match a scope wildcard")
	}
	if !engine.HasAllPermissions("admin", domain.PermissionEscrowReleaseFunds, domain.PermissionUsersManage, "anything") {
		t.Fatalf("expected admin wildcard to satisfy every permission")
	}
}

func TestPermissionEngine_HasAllPermissions(t *testing.T) {
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"client": {grant("client", domain.RoleClient, nil)},
	}}
	engine := NewPermissionEngine(repo, nil)
	if _, err := engine.Refresh(context.Background(), "client"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	if !engine.HasAllPermissions("client", domain.PermissionEscrowFund, domain.PermissionEscrowReleaseFunds) {
		t.Fatalf("expected client to hold fund and release permissions")
	}
	if engine.HasAllPermissions("client", domain.PermissionEscrowFund, domain.PermissionSubmitFindings) {
		t.Fatalf("expected client to lack submit_findings")
	}
	if !engine.HasAnyPermission("client", domain.PermissionSubmitFindings, domain.PermissionViewAudits) {
		t.Fatalf("expected any-of check to pass on view_audits")
	}
	if !engine.HasAllPermissions("client") {
		t.Fatalf("expected empty permission list to be satisfied")
	}
}

func TestPermissionEngine_UnmappedRoleGrantsNothing(t *testing.T) {
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"user-1": {grant("user-1", "guest", nil)},
	}}
	engine := NewPermissionEngine(repo, nil)
	if _, err := engine.Refresh(context.Background(), "user-1"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if !engine.HasRole("user-1", "guest") {
		t.Fatalf("expected role membership to be reported")
	}
	if !engine.Permissions("user-1").Empty() {
		t.Fatalf("expected unmapped role to grant no permissions")
	}
}

func TestPermissionEngine_RefreshFailureKeepsCache(t *testing.T) {
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"user-1": {grant("user-1", domain.RoleClient, nil)},
	}}
	engine := NewPermissionEngine(repo, nil)
	if _, err := engine.Refresh(context.Background(), "user-1"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	repo.listErr = errors.New("connection reset")
	if _, err := engine.Refresh(context.Background(), "user-1"); err == nil {
		t.Fatalf("expected refresh error")
	}
	if !engine.HasPermission("user-1", domain.PermissionEscrowCreate) {
		t.Fatalf("expected previous grants to remain after failed refresh")
	}
}

func TestPermissionEngine_InvalidateAndAuthorize(t *testing.T) {
	repo := &grantRepoMock{grants: map[string][]domain.RoleGrant{
		"user-1": {grant("user-1", domain.RoleClient, nil)},
	}}
	engine := NewPermissionEngine(repo, nil)
	if _, err := engine.Refresh(context.Background(), "user-1"); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if err := engine.Authorize("user-1", domain.PermissionEscrowCreate); err != nil {
		t.Fatalf("expected authorize to pass, got %v", err)
	}

	engine.Invalidate("user-1")
	if engine.Cached("user-1") {
		t.Fatalf("expected cache entry to be dropped")
	}
	if err := engine.Authorize("user-1", domain.PermissionEscrowCreate); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied after invalidation, got %v", err)
	}
}

func TestPermissionEngine_RefreshRequiresPrincipal(t *testing.T) {
	engine := NewPermissionEngine(&grantRepoMock{}, nil)
	if _, err := engine.Refresh(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty principal")
	}
}

package domain

import (
	"sort"
	"strings"
	"time"
)

// PermissionTableVersion identifies the static role to permission mapping below.
// Bump it whenever a role gains or loses a permission.
const PermissionTableVersion = "2024.3"

// Role names recognised by the marketplace.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleClient    = "client"
	RoleAuditor   = "auditor"
)

// Permission names. Scoped permissions use "scope:action" so that "scope:*" grants the whole scope.
const (
	PermissionAll = "*"

	PermissionViewAudits         = "view_audits"
	PermissionCreateAuditRequest = "create_audit_request"
	PermissionSubmitFindings     = "submit_findings"
	PermissionViewAnalytics      = "view_analytics"

	PermissionAuditClaim   = "audit:claim"
	PermissionAuditComment = "audit:comment"
	PermissionAuditAssign  = "audit:assign"

	PermissionEscrowCreate         = "escrow:create"
	PermissionEscrowFund           = "escrow:fund"
	PermissionEscrowView           = "escrow:view"
	PermissionEscrowReleaseFunds   = "escrow:release_funds"
	PermissionEscrowDispute        = "escrow:dispute"
	PermissionEscrowResolveDispute = "escrow:resolve_dispute"
	PermissionEscrowCancel         = "escrow:cancel"
	PermissionEscrowManageAny      = "escrow:manage_any"

	PermissionUsersManage = "users:manage"
)

// RoleGrant assigns a role to a principal, optionally until ExpiresAt.
type RoleGrant struct {
	ID          string
	PrincipalID string
	Role        string
	Active      bool
	GrantedBy   string
	GrantedAt   time.Time
	ExpiresAt   *time.Time
}

// Effective reports whether the grant contributes permissions at the given instant.
func (g RoleGrant) Effective(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

var rolePermissionTable = map[string][]string{
	RoleAdmin: {PermissionAll},
	RoleModerator: {
		PermissionViewAudits,
		PermissionViewAnalytics,
		"audit:*",
		PermissionEscrowView,
		PermissionEscrowResolveDispute,
	},
	RoleClient: {
		PermissionViewAudits,
		PermissionCreateAuditRequest,
		PermissionAuditComment,
		PermissionEscrowCreate,
		PermissionEscrowFund,
		PermissionEscrowView,
		PermissionEscrowReleaseFunds,
		PermissionEscrowDispute,
		PermissionEscrowCancel,
	},
	RoleAuditor: {
		PermissionViewAudits,
		PermissionSubmitFindings,
		PermissionAuditClaim,
		PermissionAuditComment,
		PermissionEscrowView,
		PermissionEscrowDispute,
	},
}

// PermissionSet is a precomputed, read-only set of permissions.
type PermissionSet struct {
	exact  map[string]struct{}
	scopes map[string]struct{}
	all    bool
}

// NewPermissionSet builds a set from raw permission strings.
func NewPermissionSet(perms ...string) PermissionSet {
	set := PermissionSet{
		exact:  make(map[string]struct{}, len(perms)),
		scopes: make(map[string]struct{}),
	}
	for _, p := range perms {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case p == PermissionAll:
			set.all = true
		case strings.HasSuffix(p, ":*"):
			set.scopes[strings.TrimSuffix(p, ":*")] = struct{}{}
		default:
			set.exact[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set satisfies permission. It does not allocate.
func (s PermissionSet) Has(permission string) bool {
	if permission == "" {
		return false
	}
	if s.all {
		return true
	}
	if _, ok := s.exact[permission]; ok {
		return true
	}
	if len(s.scopes) == 0 {
		return false
	}
	for i := 0; i < len(permission); i++ {
		if permission[i] != ':' {
			continue
		}
		if _, ok := s.scopes[permission[:i]]; ok {
			return true
		}
	}
	return false
}

// Empty reports whether the set grants nothing.
func (s PermissionSet) Empty() bool {
	return !s.all && len(s.exact) == 0 && len(s.scopes) == 0
}

// List returns the sorted raw entries of the set.
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s.exact)+len(s.scopes)+1)
	if s.all {
		out = append(out, PermissionAll)
	}
	for p := range s.exact {
		out = append(out, p)
	}
	for scope := range s.scopes {
		out = append(out, scope+":*")
	}
	sort.Strings(out)
	return out
}

// Union merges sets into a new set.
func Union(sets ...PermissionSet) PermissionSet {
	var raw []string
	for _, s := range sets {
		raw = append(raw, s.List()...)
	}
	return NewPermissionSet(raw...)
}

var roleSets = func() map[string]PermissionSet {
	out := make(map[string]PermissionSet, len(rolePermissionTable))
	for role, perms := range rolePermissionTable {
		out[role] = NewPermissionSet(perms...)
	}
	return out
}()

// PermissionsForRole returns the precomputed set for role. Unknown roles map to an empty set.
func PermissionsForRole(role string) PermissionSet {
	return roleSets[role]
}

// KnownRole reports whether role has an entry in the permission table.
func KnownRole(role string) bool {
	_, ok := rolePermissionTable[role]
	return ok
}

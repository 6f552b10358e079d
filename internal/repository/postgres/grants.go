package postgres

import (
	"context"
	"database/sql"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/core/port"
	"github.com/arklim/auditmarket-core/internal/repository"
)

const userRolesTable = "user_roles"

// RoleGrantRepository implements port.RoleGrantRepository on the user_roles table.
type RoleGrantRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

var _ port.RoleGrantRepository = (*RoleGrantRepository)(nil)

// NewRoleGrantRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewRoleGrantRepository(exec pgExecutor) *RoleGrantRepository {
	return &RoleGrantRepository{exec: exec, builder: newBuilder()}
}

// WithTx returns a repository configured to execute within the provided transaction.
func (r *RoleGrantRepository) WithTx(tx pgx.Tx) *RoleGrantRepository {
	if tx == nil {
		return r
	}
	return &RoleGrantRepository{exec: tx, builder: r.builder}
}

// ListByPrincipal returns the active grants of principalID, oldest first. Expiry is left to the caller.
func (r *RoleGrantRepository) ListByPrincipal(ctx context.Context, principalID string) ([]domain.RoleGrant, error) {
	stmt, args, err := r.builder.Select("id", "user_id", "role", "is_active", "granted_by", "granted_at", "expires_at").
		From(userRolesTable).
		Where(squirrel.Eq{"user_id": principalID, "is_active": true}).
		OrderBy("granted_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list grants sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	grants := make([]domain.RoleGrant, 0)
	for rows.Next() {
		var (
			g         domain.RoleGrant
			grantedBy sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.Role, &g.Active, &grantedBy, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if grantedBy.Valid {
			g.GrantedBy = grantedBy.String
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}

	return grants, nil
}

// Grant inserts the grant or reactivates the existing (user_id, role) row.
func (r *RoleGrantRepository) Grant(ctx context.Context, grant domain.RoleGrant) error {
	var grantedBy any
	if grant.GrantedBy != "" {
		grantedBy = grant.GrantedBy
	}
	stmt, args, err := r.builder.Insert(userRolesTable).
		Columns("id", "user_id", "role", "is_active", "granted_by", "granted_at", "expires_at").
		Values(grant.ID, grant.PrincipalID, grant.Role, true, grantedBy, grant.GrantedAt, grant.ExpiresAt).
		Suffix("ON CONFLICT (user_id, role) DO UPDATE SET is_active = TRUE, granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build grant sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return classifyError("insert grant", err)
	}
	return nil
}

// Revoke deactivates the grant. It returns repository.ErrNotFound if no active grant exists.
func (r *RoleGrantRepository) Revoke(ctx context.Context, principalID, role string) error {
	stmt, args, err := r.builder.Update(userRolesTable).
		Set("is_active", false).
		Where(squirrel.Eq{"user_id": principalID, "role": role, "is_active": true}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build revoke sql: %w", err)
	}

	res, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if res.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

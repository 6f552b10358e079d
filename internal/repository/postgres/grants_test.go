package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/auditmarket-core/internal/core/domain"
	"github.com/arklim/auditmarket-core/internal/repository"
)

var grantCols = []string{"id", "user_id", "role", "is_active", "granted_by", "granted_at", "expires_at"}

func TestRoleGrantRepository_ListByPrincipal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleGrantRepository(mock)
	grantedAt := time.Now().UTC()
	expiresAt := grantedAt.Add(24 * time.Hour)

	rows := pgxmock.NewRows(grantCols).
		AddRow("g-1", "user-1", "client", true, nil, grantedAt, nil).
		AddRow("g-2", "user-1", "auditor", true, "admin-1", grantedAt, &expiresAt)
	mock.ExpectQuery(`SELECT .* FROM user_roles WHERE is_active = \$1 AND user_id = \$2 ORDER BY granted_at ASC`).
		WithArgs(true, "user-1").
		WillReturnRows(rows)

	grants, err := repo.ListByPrincipal(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListByPrincipal returned error: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].GrantedBy != "" || grants[0].ExpiresAt != nil {
		t.Fatalf("expected nullable columns to stay empty, got %+v", grants[0])
	}
	if grants[1].GrantedBy != "admin-1" || grants[1].ExpiresAt == nil || !grants[1].ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected second grant: %+v", grants[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleGrantRepository_Grant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleGrantRepository(mock)
	grantedAt := time.Now().UTC()
	g := domain.RoleGrant{ID: "g-3", PrincipalID: "user-2", Role: domain.RoleAuditor, GrantedBy: "admin-1", GrantedAt: grantedAt}

	mock.ExpectExec(`INSERT INTO user_roles .* ON CONFLICT \(user_id, role\) DO UPDATE`).
		WithArgs("g-3", "user-2", "auditor", true, "admin-1", grantedAt, g.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Grant(context.Background(), g); err != nil {
		t.Fatalf("Grant returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleGrantRepository_RevokeMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleGrantRepository(mock)

	mock.ExpectExec(`UPDATE user_roles SET is_active = \$1`).
		WithArgs(false, true, "auditor", "user-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.Revoke(context.Background(), "user-9", domain.RoleAuditor); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

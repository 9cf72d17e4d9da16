package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/permission"
)

// Roles implements permission.Store. Permission lists are jsonb columns.
type Roles struct {
	db *sql.DB
}

var _ permission.Store = (*Roles)(nil)

const roleColumns = `
	id, coalesce(company_id, ''), name, type, permissions, company_permissions,
	created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*permission.Role, error) {
	var r permission.Role
	var perms, companyPerms []byte
	err := row.Scan(
		&r.ID, &r.CompanyID, &r.Name, &r.Type, &perms, &companyPerms,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, permission.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &r.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(companyPerms) > 0 {
		if err := json.Unmarshal(companyPerms, &r.CompanyPermissions); err != nil {
			return nil, fmt.Errorf("decode company permissions: %w", err)
		}
	}
	return &r, nil
}

func encodeList(list []string) ([]byte, error) {
	if list == nil {
		list = []string{}
	}
	return json.Marshal(list)
}

func (s *Roles) FindRole(ctx context.Context, id string) (*permission.Role, error) {
	row := s.db.QueryRowContext(ctx, `select`+roleColumns+` from roles where id = $1`, id)
	return scanRole(row)
}

func (s *Roles) ListRoles(ctx context.Context, companyID string) ([]*permission.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+roleColumns+`
		from roles
		where company_id = $1 or type = 'SYSTEM'
		order by name
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (s *Roles) RolesForUser(ctx context.Context, userID, companyID string) ([]*permission.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+roleColumns+`
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		  and (ur.company_id = $2 or r.type = 'SYSTEM')
		  and r.type <> 'PLATFORM'
		order by r.name
	`, userID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (s *Roles) PlatformRolesForUser(ctx context.Context, userID string) ([]*permission.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select`+roleColumns+`
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1 and r.type = 'PLATFORM'
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (s *Roles) CreateRole(ctx context.Context, r *permission.Role) error {
	perms, err := encodeList(r.Permissions)
	if err != nil {
		return err
	}
	companyPerms, err := encodeList(r.CompanyPermissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, company_id, name, type, permissions, company_permissions, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, now(), now())
	`, r.ID, nullableString(r.CompanyID), r.Name, r.Type, perms, companyPerms)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return permission.ErrConflict
	}
	return err
}

func (s *Roles) UpdateRole(ctx context.Context, r *permission.Role) error {
	perms, err := encodeList(r.Permissions)
	if err != nil {
		return err
	}
	companyPerms, err := encodeList(r.CompanyPermissions)
	if err != nil {
		return err
	}
	return execOne(ctx, s.db, `
		update roles
		set name = $2, permissions = $3, company_permissions = $4, updated_at = now()
		where id = $1 and type <> 'SYSTEM'
	`, []any{r.ID, r.Name, perms, companyPerms}, permission.ErrNotFound)
}

func (s *Roles) DeleteRole(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where role_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where id = $1 and type <> 'SYSTEM'`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return permission.ErrNotFound
	}
	return tx.Commit()
}

func (s *Roles) AssignRole(ctx context.Context, userID, roleID, companyID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (id, user_id, role_id, company_id, created_at)
		values ($1, $2, $3, $4, now())
		on conflict (user_id, role_id) do nothing
	`, ids.New(), userID, roleID, nullableString(companyID))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return permission.ErrNotFound
	}
	return err
}

func (s *Roles) UnassignRole(ctx context.Context, userID, roleID string) error {
	return execOne(ctx, s.db, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, []any{userID, roleID}, permission.ErrNotFound)
}

func collectRoles(rows *sql.Rows) ([]*permission.Role, error) {
	var result []*permission.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

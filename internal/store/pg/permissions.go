package pg

import (
	"context"
	"database/sql"

	"yaud.dev/internal/auth"
)

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return queryPermissions(ctx, s.db, `select id from permissions order by id`)
}

// Ensure inserts missing permissions; rows created concurrently by another
// instance are skipped.
func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	if len(perms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id) values ($1)
			on conflict (id) do nothing
		`, string(p)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) Grant(ctx context.Context, accountID string, p auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into account_permissions (account_id, permission_id)
		values ($1, $2)
		on conflict (account_id, permission_id) do nothing
	`, accountID, string(p))
	return mapWriteError(err)
}

func (s *permissionStore) Revoke(ctx context.Context, accountID string, p auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		delete from account_permissions where account_id = $1 and permission_id = $2
	`, accountID, string(p))
	return err
}

func (s *permissionStore) Has(ctx context.Context, accountID string, p auth.Permission) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from account_permissions where account_id = $1 and permission_id = $2
		)
	`, accountID, string(p)).Scan(&ok)
	return ok, err
}

func (s *permissionStore) ForAccount(ctx context.Context, accountID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return queryPermissions(ctx, s.db, `
		select permission_id from account_permissions
		where account_id = $1
		order by permission_id
	`, accountID)
}

func queryPermissions(ctx context.Context, db *sql.DB, query string, args ...any) ([]auth.Permission, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, auth.Permission(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

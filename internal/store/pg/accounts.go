package pg

import (
	"context"
	"database/sql"
	"errors"

	"yaud.dev/internal/auth"
)

const accountColumns = `id, first_name, last_name, mail, password_hash, nonce, secret,
		totp_active, totp_reactivate, created_at, updated_at`

type accountStore struct{ db *sql.DB }

func (s *accountStore) Create(ctx context.Context, a *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (`+accountColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.FirstName, a.LastName, a.Mail, a.PasswordHash, a.Nonce, a.Secret,
		a.TOTP.Active, a.TOTP.Reactivate, a.CreatedAt, a.UpdatedAt)
	return mapWriteError(err)
}

func (s *accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *accountStore) FindByMail(ctx context.Context, mail string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where mail = $1`, mail)
	return scanAccount(row)
}

func (s *accountStore) Update(ctx context.Context, a *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set first_name = $2, last_name = $3, mail = $4, password_hash = $5, nonce = $6,
			secret = $7, totp_active = $8, totp_reactivate = $9, updated_at = $10
		where id = $1
	`, a.ID, a.FirstName, a.LastName, a.Mail, a.PasswordHash, a.Nonce, a.Secret,
		a.TOTP.Active, a.TOTP.Reactivate, a.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*auth.Account, error) {
	var a auth.Account
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName, &a.Mail, &a.PasswordHash, &a.Nonce, &a.Secret,
		&a.TOTP.Active, &a.TOTP.Reactivate, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

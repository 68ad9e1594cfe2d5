package pg

import (
	"context"
	"database/sql"
	"errors"

	"yaud.dev/internal/auth"
)

type sessionStore struct{ db *sql.DB }

// Replace deletes by owner and inserts in one transaction. The unique index on
// sessions(account_id) turns a concurrent start for the same account into ErrConflict.
func (s *sessionStore) Replace(ctx context.Context, sess *auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from sessions where account_id = $1`, sess.AccountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sessions (id, account_id, issued_at, expires_at, refresh_token, refresh_expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.AccountID, sess.IssuedAt, sess.ExpiresAt, sess.RefreshToken, sess.RefreshExpiresAt); err != nil {
		return mapWriteError(err)
	}
	return tx.Commit()
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, issued_at, expires_at, refresh_token, refresh_expires_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.AccountID, &sess.IssuedAt, &sess.ExpiresAt, &sess.RefreshToken, &sess.RefreshExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	return err
}

func (s *sessionStore) DeleteByAccount(ctx context.Context, accountID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from sessions where account_id = $1`, accountID)
	return err
}

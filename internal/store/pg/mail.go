package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"yaud.dev/internal/ids"
	"yaud.dev/internal/notify"
)

func (s *Store) Enqueue(ctx context.Context, m *notify.Mail) error {
	if s.db == nil {
		return errNoDB
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	data := []byte("{}")
	if len(m.Data) > 0 {
		b, err := json.Marshal(m.Data)
		if err != nil {
			return fmt.Errorf("marshal mail data: %w", err)
		}
		data = b
	}
	m.State = notify.StatePending
	return s.db.QueryRowContext(ctx, `
		insert into mails (id, account_id, recipient, kind, data, state)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, m.ID, nullIfEmpty(m.AccountID), m.Recipient, string(m.Kind), data, string(m.State)).
		Scan(&m.CreatedAt, &m.UpdatedAt)
}

// Claim locks ready rows with skip locked so concurrent dispatchers never
// pick the same mail. Processing rows whose lease ran out count as ready.
func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration) ([]notify.Mail, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		update mails set state = 'processing', updated_at = now()
		where id in (
			select id from mails
			where state = 'pending'
				or ($2::float8 > 0 and state = 'processing' and updated_at <= now() - make_interval(secs => $2::float8))
			order by created_at, id
			limit $1
			for update skip locked
		)
		returning id, account_id, recipient, kind, data, state, attempts, created_at, updated_at
	`, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Mail
	for rows.Next() {
		var (
			m       notify.Mail
			account sql.NullString
			kind    string
			state   string
			raw     []byte
		)
		if err := rows.Scan(&m.ID, &account, &m.Recipient, &kind, &raw, &state, &m.Attempts, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.AccountID = account.String
		m.Kind = notify.Kind(kind)
		m.State = notify.State(state)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Data); err != nil {
				return nil, fmt.Errorf("decode mail data: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return s.transition(ctx, `
		update mails set state = 'delivered', updated_at = now()
		where id = $1 and state = 'processing'
	`, id)
}

func (s *Store) Release(ctx context.Context, id string) error {
	return s.transition(ctx, `
		update mails set state = 'pending', attempts = attempts + 1, updated_at = now()
		where id = $1 and state = 'processing'
	`, id)
}

func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, `
		update mails set state = 'failed', attempts = attempts + 1, updated_at = now()
		where id = $1 and state = 'processing'
	`, id)
}

func (s *Store) transition(ctx context.Context, query, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"yaud.dev/internal/ids"
)

const (
	DefaultSessionTTL = 15 * time.Minute
	DefaultRefreshTTL = 20 * time.Minute

	tokenLength = 64
)

// SessionManager issues, validates, rotates and ends sessions.
// An account holds at most one session at a time.
type SessionManager struct {
	store      Store
	now        func() time.Time
	sessionTTL time.Duration
	refreshTTL time.Duration
}

// NewSessionManager constructs a SessionManager. Zero TTLs fall back to defaults.
func NewSessionManager(store Store, now func() time.Time, sessionTTL, refreshTTL time.Duration) *SessionManager {
	if now == nil {
		now = time.Now
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &SessionManager{store: store, now: now, sessionTTL: sessionTTL, refreshTTL: refreshTTL}
}

// Start replaces any session of accountID with a new one.
func (m *SessionManager) Start(ctx context.Context, accountID string) (*Session, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	id, err := ids.Token(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("%w: session id: %v", ErrCrypto, err)
	}
	refresh, err := ids.Token(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", ErrCrypto, err)
	}
	now := m.now().UTC()
	s := &Session{
		ID:               id,
		AccountID:        accountID,
		IssuedAt:         now,
		ExpiresAt:        now.Add(m.sessionTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}
	if err := m.store.Sessions(ctx).Replace(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate returns the live session for id. Expired sessions are deleted on touch.
func (m *SessionManager) Validate(ctx context.Context, id string) (*Session, error) {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		if err := m.store.Sessions(ctx).Delete(ctx, s.ID); err != nil {
			return nil, err
		}
		return nil, ErrUnauthorized
	}
	return s, nil
}

// End removes every session of accountID.
func (m *SessionManager) End(ctx context.Context, accountID string) error {
	return m.store.Sessions(ctx).DeleteByAccount(ctx, accountID)
}

// Refresh rotates s into a brand-new session when token matches its refresh
// token. A mismatch or an elapsed refresh window revokes s.
func (m *SessionManager) Refresh(ctx context.Context, s *Session, token string) (*Session, error) {
	if s == nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.RefreshToken)) != 1 || s.RefreshExpired(m.now()) {
		if err := m.store.Sessions(ctx).Delete(ctx, s.ID); err != nil {
			return nil, err
		}
		return nil, ErrUnauthorized
	}
	return m.Start(ctx, s.AccountID)
}

// lookup fetches a session without applying the expiry check, so a session
// past expires_at can still be refreshed inside its refresh window.
func (m *SessionManager) lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrUnauthorized
	}
	s, err := m.store.Sessions(ctx).Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

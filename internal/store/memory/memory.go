package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yaud.dev/internal/auth"
	"yaud.dev/internal/notify"
)

var (
	_ auth.Store   = (*Store)(nil)
	_ notify.Queue = (*Store)(nil)
)

// Store implements auth.Store and notify.Queue with in-process concurrency safety.
// A single mutex makes every multi-step operation atomic.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*auth.Account
	byMail   map[string]string
	sessions map[string]*auth.Session
	perms    map[auth.Permission]struct{}
	grants   map[string]map[auth.Permission]struct{}
	mails    map[string]*notify.Mail
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for mail timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*auth.Account),
		byMail:   make(map[string]string),
		sessions: make(map[string]*auth.Session),
		perms:    make(map[auth.Permission]struct{}),
		grants:   make(map[string]map[auth.Permission]struct{}),
		mails:    make(map[string]*notify.Mail),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Accounts(context.Context) auth.AccountStore { return accountStore{s} }
func (s *Store) Sessions(context.Context) auth.SessionStore { return sessionStore{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return permissionStore{s} }

// Account store ------------------------------------------------------------
type accountStore struct{ s *Store }

func (a accountStore) Create(_ context.Context, acct *auth.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.byMail[acct.Mail]; ok {
		return auth.ErrConflict
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	s.byMail[acct.Mail] = acct.ID
	return nil
}

func (a accountStore) Find(_ context.Context, id string) (*auth.Account, error) {
	s := a.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (a accountStore) FindByMail(ctx context.Context, mail string) (*auth.Account, error) {
	a.s.mu.RLock()
	id, ok := a.s.byMail[mail]
	a.s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return a.Find(ctx, id)
}

func (a accountStore) Update(_ context.Context, acct *auth.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.accounts[acct.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if prev.Mail != acct.Mail {
		if _, taken := s.byMail[acct.Mail]; taken {
			return auth.ErrConflict
		}
		delete(s.byMail, prev.Mail)
		s.byMail[acct.Mail] = acct.ID
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	return nil
}

// Session store ------------------------------------------------------------
type sessionStore struct{ s *Store }

func (ss sessionStore) Replace(_ context.Context, sess *auth.Session) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[sess.AccountID]; !ok {
		return auth.ErrNotFound
	}
	for id, existing := range s.sessions {
		if existing.AccountID == sess.AccountID {
			delete(s.sessions, id)
		}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (ss sessionStore) Find(_ context.Context, id string) (*auth.Session, error) {
	s := ss.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (ss sessionStore) Delete(_ context.Context, id string) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	delete(ss.s.sessions, id)
	return nil
}

func (ss sessionStore) DeleteByAccount(_ context.Context, accountID string) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.AccountID == accountID {
			delete(s.sessions, id)
		}
	}
	return nil
}

// SessionCount returns the number of stored sessions of accountID.
func (s *Store) SessionCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AccountID == accountID {
			n++
		}
	}
	return n
}

// Permission store ---------------------------------------------------------
type permissionStore struct{ s *Store }

func (ps permissionStore) List(context.Context) ([]auth.Permission, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (ps permissionStore) Ensure(_ context.Context, perms []auth.Permission) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.perms[p] = struct{}{}
	}
	return nil
}

func (ps permissionStore) Grant(_ context.Context, accountID string, p auth.Permission) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("%w: account %s", auth.ErrNotFound, accountID)
	}
	if _, ok := s.perms[p]; !ok {
		return fmt.Errorf("%w: permission %s", auth.ErrNotFound, p)
	}
	set, ok := s.grants[accountID]
	if !ok {
		set = make(map[auth.Permission]struct{})
		s.grants[accountID] = set
	}
	set[p] = struct{}{}
	return nil
}

func (ps permissionStore) Revoke(_ context.Context, accountID string, p auth.Permission) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[accountID], p)
	return nil
}

func (ps permissionStore) Has(_ context.Context, accountID string, p auth.Permission) (bool, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[accountID][p]
	return ok, nil
}

func (ps permissionStore) ForAccount(_ context.Context, accountID string) ([]auth.Permission, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.grants[accountID]))
	for p := range s.grants[accountID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

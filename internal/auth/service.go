package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
)

const defaultTOTPIssuer = "yaud"


// CredentialStore is the capability set route handlers rely on.
type CredentialStore interface {
	Verify(ctx context.Context, mail, password, token string) (*Account, error)
	Grant(ctx context.Context, accountID string, p Permission) error
	Revoke(ctx context.Context, accountID string, p Permission) error
	IssueSession(ctx context.Context, accountID string) (*Session, error)
}

var _ CredentialStore = (*Service)(nil)

// Service ties credential verification, sessions and permissions to a Store.
type Service struct {
	store      Store
	now        func() time.Time
	kdf        KDFParams
	catalog    Catalog
	sessionTTL time.Duration
	refreshTTL time.Duration
	issuer     string
	// decoyNonce keeps unknown-mail logins as slow as real ones.
	decoyNonce string

	sessions *SessionManager
	authz    *Authorizer
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Account        *Account
	Session        *Session
	ReactivateTOTP bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithCatalog replaces the default permission catalog.
func WithCatalog(c Catalog) ServiceOption {
	return func(s *Service) error {
		s.catalog = c
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the refresh window measured from issuance.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithKDFParams overrides argon2id cost parameters for new credentials.
// Existing accounts keep deriving and verifying with the parameters embedded
// in their nonce and hash.
func WithKDFParams(p KDFParams) ServiceOption {
	return func(s *Service) error {
		if err := p.validate(); err != nil {
			return err
		}
		s.kdf = p
		return nil
	}
}

// WithTOTPIssuer sets the issuer shown by authenticator apps.
func WithTOTPIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		kdf:        DefaultKDFParams,
		catalog:    DefaultCatalog(),
		sessionTTL: DefaultSessionTTL,
		refreshTTL: DefaultRefreshTTL,
		issuer:     defaultTOTPIssuer,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.refreshTTL < svc.sessionTTL {
		return nil, fmt.Errorf("%w: refresh window shorter than session lifetime", ErrInvalidInput)
	}
	svc.decoyNonce = encodeNonce(svc.kdf, make([]byte, saltLen))
	svc.sessions = NewSessionManager(store, svc.now, svc.sessionTTL, svc.refreshTTL)
	svc.authz = NewAuthorizer(store, svc.catalog)
	return svc, nil
}

// Catalog returns the permission catalog in use.
func (s *Service) Catalog() Catalog { return s.catalog }

// Bootstrap creates catalogued permissions missing from the store.
func (s *Service) Bootstrap(ctx context.Context) ([]Permission, error) {
	return s.authz.Bootstrap(ctx)
}

// Verify runs the login state machine for mail and password, requiring
// token while TOTP is enforced. Unknown mail and wrong password are
// indistinguishable to the caller.
func (s *Service) Verify(ctx context.Context, mail, password, token string) (*Account, error) {
	normalized, err := NormalizeMail(mail)
	if err != nil {
		s.decoy(password)
		return nil, ErrUnauthorized
	}
	acct, err := s.store.Accounts(ctx).FindByMail(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		s.decoy(password)
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.verifyAccount(acct, password, token); err != nil {
		return nil, err
	}
	return acct, nil
}

// verifyAccount checks password and, while enforced, the TOTP token.
// It returns the derived account key.
func (s *Service) verifyAccount(acct *Account, password, token string) ([]byte, error) {
	key, err := checkPassword(acct, password)
	if err != nil {
		return nil, err
	}
	if !acct.TOTP.Enforced() {
		return key, nil
	}
	if strings.TrimSpace(token) == "" {
		return nil, Forbidden(ReasonTOTPRequired)
	}
	seed, err := seedFor(acct, key)
	if err != nil {
		return nil, err
	}
	if !VerifyTOTP(seed, token, s.now()) {
		return nil, ErrUnauthorized
	}
	return key, nil
}

func (s *Service) decoy(password string) {
	_, _ = DeriveKey(password, s.decoyNonce)
}

// Login verifies credentials and starts a fresh session.
func (s *Service) Login(ctx context.Context, mail, password, token string) (*LoginResult, error) {
	acct, err := s.Verify(ctx, mail, password, token)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Start(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: acct, Session: sess, ReactivateTOTP: acct.TOTP.Reactivate}, nil
}

// IssueSession starts a session for an already verified account.
func (s *Service) IssueSession(ctx context.Context, accountID string) (*Session, error) {
	return s.sessions.Start(ctx, accountID)
}

// Logout ends every session of accountID.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	return s.sessions.End(ctx, accountID)
}

// Refresh rotates the session identified by sessionID.
func (s *Service) Refresh(ctx context.Context, sessionID, refreshToken string) (*Session, error) {
	sess, err := s.sessions.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sessions.Refresh(ctx, sess, refreshToken)
}

// Authenticate resolves a session id to its principal and checks perm.
func (s *Service) Authenticate(ctx context.Context, sessionID string, perm Permission) (Principal, error) {
	sess, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return Principal{}, err
	}
	acct, err := s.store.Accounts(ctx).Find(ctx, sess.AccountID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, err
	}
	if err := s.authz.Authorize(ctx, acct.ID, perm); err != nil {
		return Principal{}, err
	}
	return Principal{Account: *acct, Session: *sess}, nil
}

// Account loads an account by id.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	return s.store.Accounts(ctx).Find(ctx, id)
}

// Provision opens the TOTP seed of accountID with password and returns the
// enrollment key for authenticator apps.
func (s *Service) Provision(ctx context.Context, accountID, password string) (*otp.Key, error) {
	acct, err := s.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key, err := checkPassword(acct, password)
	if err != nil {
		return nil, err
	}
	seed, err := seedFor(acct, key)
	if err != nil {
		return nil, err
	}
	return ProvisionTOTP(s.issuer, acct.Mail, seed)
}

// Grant adds a catalogued permission to accountID.
func (s *Service) Grant(ctx context.Context, accountID string, p Permission) error {
	return s.authz.Grant(ctx, accountID, p)
}

// Revoke removes a permission from accountID.
func (s *Service) Revoke(ctx context.Context, accountID string, p Permission) error {
	return s.authz.Revoke(ctx, accountID, p)
}

// HasPermission reports whether accountID holds p.
func (s *Service) HasPermission(ctx context.Context, accountID string, p Permission) (bool, error) {
	return s.authz.HasPermission(ctx, accountID, p)
}

// Permissions lists the grants of accountID.
func (s *Service) Permissions(ctx context.Context, accountID string) ([]Permission, error) {
	return s.authz.Permissions(ctx, accountID)
}

// GrantAll gives the account registered under mail every catalogued
// permission. It is used to seed the first administrator.
func (s *Service) GrantAll(ctx context.Context, mail string) (*Account, error) {
	normalized, err := NormalizeMail(mail)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.Accounts(ctx).FindByMail(ctx, normalized)
	if err != nil {
		return nil, err
	}
	for _, p := range s.catalog.Permissions() {
		if err := s.authz.Grant(ctx, acct.ID, p); err != nil {
			return nil, fmt.Errorf("grant %s: %w", p, err)
		}
	}
	return acct, nil
}

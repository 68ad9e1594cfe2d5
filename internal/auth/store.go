package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	Sessions(ctx context.Context) SessionStore
	Permissions(ctx context.Context) PermissionStore
}

// AccountStore manages identity records. Mail lookups are case-insensitive.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByMail(ctx context.Context, mail string) (*Account, error)
	Update(ctx context.Context, a *Account) error
}

// SessionStore manages session records.
type SessionStore interface {
	// Replace removes every session owned by s.AccountID and inserts s in one transaction.
	Replace(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Delete and DeleteByAccount succeed when nothing matches.
	Delete(ctx context.Context, id string) error
	DeleteByAccount(ctx context.Context, accountID string) error
}

// PermissionStore manages permission nodes and account grant edges.
type PermissionStore interface {
	List(ctx context.Context) ([]Permission, error)
	// Ensure creates missing permissions and ignores existing ones.
	Ensure(ctx context.Context, perms []Permission) error
	Grant(ctx context.Context, accountID string, perm Permission) error
	Revoke(ctx context.Context, accountID string, perm Permission) error
	Has(ctx context.Context, accountID string, perm Permission) (bool, error)
	ForAccount(ctx context.Context, accountID string) ([]Permission, error)
}

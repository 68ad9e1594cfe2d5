package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Permission is a stable capability identifier such as "task.request.view".
type Permission string

// PermissionNone is the sentinel for routes that only need a valid session.
// It is never stored and always passes.
const PermissionNone Permission = "none"

const (
	PermTaskRequestView         Permission = "task.request.view"
	PermTaskRequestEdit         Permission = "task.request.edit"
	PermAccountPermissionManage Permission = "account.permission.manage"
)

// Catalog is the immutable set of permissions known to the process.
type Catalog struct {
	perms []Permission
	index map[Permission]struct{}
}

// NewCatalog validates perms and builds a Catalog. Duplicates collapse.
func NewCatalog(perms ...Permission) (Catalog, error) {
	c := Catalog{index: make(map[Permission]struct{}, len(perms))}
	for _, p := range perms {
		p = Permission(strings.TrimSpace(string(p)))
		if p == "" || p == PermissionNone {
			return Catalog{}, fmt.Errorf("%w: permission %q cannot be catalogued", ErrInvalidInput, p)
		}
		if _, dup := c.index[p]; dup {
			continue
		}
		c.index[p] = struct{}{}
		c.perms = append(c.perms, p)
	}
	sort.Slice(c.perms, func(i, j int) bool { return c.perms[i] < c.perms[j] })
	return c, nil
}

// DefaultCatalog returns the permissions compiled into the service.
func DefaultCatalog() Catalog {
	c, _ := NewCatalog(PermTaskRequestView, PermTaskRequestEdit, PermAccountPermissionManage)
	return c
}

// Contains reports whether p is a catalogued permission.
func (c Catalog) Contains(p Permission) bool {
	_, ok := c.index[p]
	return ok
}

// Permissions returns a copy of the catalogued permissions in sorted order.
func (c Catalog) Permissions() []Permission {
	out := make([]Permission, len(c.perms))
	copy(out, c.perms)
	return out
}

// Authorizer evaluates and edits grant edges between accounts and permissions.
type Authorizer struct {
	store   Store
	catalog Catalog
}

// NewAuthorizer binds a catalog to a store.
func NewAuthorizer(store Store, catalog Catalog) *Authorizer {
	return &Authorizer{store: store, catalog: catalog}
}

// Bootstrap creates catalogued permissions missing from the store and
// returns the ones it created. Safe to run from several instances at once.
func (a *Authorizer) Bootstrap(ctx context.Context) ([]Permission, error) {
	perms := a.store.Permissions(ctx)
	existing, err := perms.List(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[Permission]struct{}, len(existing))
	for _, p := range existing {
		have[p] = struct{}{}
	}
	var missing []Permission
	for _, p := range a.catalog.perms {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if err := perms.Ensure(ctx, missing); err != nil {
		return nil, err
	}
	return missing, nil
}

// HasPermission reports whether accountID holds p. PermissionNone needs no store access.
func (a *Authorizer) HasPermission(ctx context.Context, accountID string, p Permission) (bool, error) {
	if p == PermissionNone {
		return true, nil
	}
	if accountID == "" {
		return false, nil
	}
	return a.store.Permissions(ctx).Has(ctx, accountID, p)
}

// Authorize is HasPermission reporting absence as ErrUnauthorized.
func (a *Authorizer) Authorize(ctx context.Context, accountID string, p Permission) error {
	ok, err := a.HasPermission(ctx, accountID, p)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Grant adds the edge accountID -> p. Granting twice leaves one edge.
func (a *Authorizer) Grant(ctx context.Context, accountID string, p Permission) error {
	if err := a.checkGrantable(p); err != nil {
		return err
	}
	return a.store.Permissions(ctx).Grant(ctx, accountID, p)
}

// Revoke removes the edge accountID -> p. Missing edges are not an error.
func (a *Authorizer) Revoke(ctx context.Context, accountID string, p Permission) error {
	if p == PermissionNone {
		return fmt.Errorf("%w: %q cannot be revoked", ErrInvalidInput, p)
	}
	return a.store.Permissions(ctx).Revoke(ctx, accountID, p)
}

// Permissions lists the grants of accountID.
func (a *Authorizer) Permissions(ctx context.Context, accountID string) ([]Permission, error) {
	return a.store.Permissions(ctx).ForAccount(ctx, accountID)
}

func (a *Authorizer) checkGrantable(p Permission) error {
	if !a.catalog.Contains(p) {
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, p)
	}
	return nil
}

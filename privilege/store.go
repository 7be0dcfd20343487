/*
store.go - Privilege persistence interfaces

PURPOSE:
  Catalog reads/writes and grant persistence. GrantStore is the capability
  the exchange coordinator needs inside a ledger transaction: the sqlite
  and in-memory transaction views both implement it alongside
  ledger.Store, so an exchange can consume points and create the grant in
  one commit.

SEE ALSO:
  - exchange.go: asserts the ledger tx view to GrantStore
  - store/sqlite/sqlite.go: production implementation
*/
package privilege

import (
	"context"
	"time"

	"github.com/meridian/loyalty-engine/ledger"
)

// CatalogStore manages the privilege catalog.
type CatalogStore interface {
	// CreatePrivilege inserts a catalog entry.
	CreatePrivilege(ctx context.Context, p Privilege) error

	// PrivilegeByID returns a catalog entry, or ledger.ErrPrivilegeNotFound.
	PrivilegeByID(ctx context.Context, id PrivilegeID) (Privilege, error)

	// ListPrivileges returns catalog entries; activeOnly restricts to
	// exchangeable ones.
	ListPrivileges(ctx context.Context, activeOnly bool) ([]Privilege, error)

	// UpdatePrivilege replaces a catalog entry's mutable fields.
	UpdatePrivilege(ctx context.Context, p Privilege) error
}

// GrantStore persists grants. Transaction views of the ledger store
// implement it so grant creation can share a commit with consumption.
type GrantStore interface {
	// CreateGrant inserts a grant row.
	CreateGrant(ctx context.Context, g Grant) error

	// ActiveGrant returns the member's active grant for the privilege at
	// the given time, or ok = false when there is none.
	ActiveGrant(ctx context.Context, memberID ledger.MemberID, privilegeID PrivilegeID, at time.Time) (Grant, bool, error)

	// GrantsByMember returns every grant for the member, newest first.
	GrantsByMember(ctx context.Context, memberID ledger.MemberID) ([]Grant, error)
}

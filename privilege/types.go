/*
Package privilege provides the privilege catalog and the point-for-privilege
exchange coordinator.

PURPOSE:
  Privileges are the things points buy: a catalog entry with a point cost
  and an optional validity window. Exchanging one consumes points through
  the ledger and creates a grant, atomically.

KEY CONCEPTS IN THIS FILE (types.go):
  - Privilege: A catalog entry administrators manage
  - Grant: One member's ownership of a privilege, possibly time-limited
  - GrantStatus: active | expired | used

SEE ALSO:
  - exchange.go: The exchange coordinator
  - store.go: Persistence interfaces
*/
package privilege

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridian/loyalty-engine/ledger"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PrivilegeID string
type GrantID string

// NewGrantID returns a fresh unique grant identifier.
func NewGrantID() GrantID {
	return GrantID(uuid.NewString())
}

// =============================================================================
// PRIVILEGE - Catalog entry
// =============================================================================

// Privilege is something members can buy with points.
type Privilege struct {
	ID          PrivilegeID
	Name        string
	Description string
	PointCost   int64
	IsActive    bool
	// ValidityDays limits how long a grant lasts; 0 means grants never
	// expire.
	ValidityDays int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// GRANT STATUS
// =============================================================================

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantUsed    GrantStatus = "used"
)

// =============================================================================
// GRANT - One member's ownership of a privilege
// =============================================================================

// Grant records that a member exchanged points for a privilege.
type Grant struct {
	ID          GrantID
	MemberID    ledger.MemberID
	PrivilegeID PrivilegeID
	PointsSpent int64
	GrantedAt   time.Time
	ExpiresAt   *time.Time // nil = never expires
	Status      GrantStatus
}

// ActiveAt reports whether the grant confers the privilege at the given
// time: status active and not past its expiry.
func (g Grant) ActiveAt(at time.Time) bool {
	if g.Status != GrantActive {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(at) {
		return false
	}
	return true
}

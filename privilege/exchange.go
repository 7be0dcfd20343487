/*
exchange.go - Point-for-privilege exchange coordinator

PURPOSE:
  Orchestrates the one cross-domain operation in the system: spend points,
  receive a privilege grant. The two effects commit together or not at all.

PRECONDITION CHAIN:
  Each failure has its own error kind so the API can answer precisely:
  1. Member exists and is active       -> ErrMemberNotFound
  2. Privilege exists                  -> ErrPrivilegeNotFound
  3. Privilege is active               -> ErrPrivilegeInactive
  4. No simultaneously-active grant    -> AlreadyOwnedError
  5. Balance covers the cost           -> InsufficientBalanceError

ATOMICITY:
  Consumption and grant creation run inside one store transaction. The
  transaction view is asserted to GrantStore; the active-grant check is
  repeated inside the transaction so two racing exchanges of the same
  privilege cannot both land.

SEE ALSO:
  - ledger/fifo.go: the consumption the exchange reuses
  - store.go: the GrantStore capability
*/
package privilege

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/loyalty-engine/ledger"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AlreadyOwnedError carries the blocking grant so callers can tell the
// member when the privilege frees up.
type AlreadyOwnedError struct {
	MemberID    ledger.MemberID
	PrivilegeID PrivilegeID
	GrantID     GrantID
	ExpiresAt   *time.Time
}

func (e *AlreadyOwnedError) Error() string {
	return fmt.Sprintf("member %s already holds an active grant for privilege %s", e.MemberID, e.PrivilegeID)
}

func (e *AlreadyOwnedError) Unwrap() error {
	return ledger.ErrAlreadyOwned
}

// =============================================================================
// EXCHANGE RESULT
// =============================================================================

// ExchangeResult summarizes a completed exchange.
type ExchangeResult struct {
	GrantID        GrantID
	PrivilegeID    PrivilegeID
	PointsDeducted int64
	ExpiresAt      *time.Time
	ExchangedAt    time.Time
}

// =============================================================================
// EXCHANGER
// =============================================================================

// Exchanger coordinates point consumption with grant creation.
type Exchanger struct {
	store   ledger.TxStore
	members ledger.MemberDirectory
	catalog CatalogStore
	audit   ledger.AuditSink
	log     *logrus.Logger
	now     func() time.Time
}

// NewExchanger creates an exchange coordinator. The store's transaction
// views must implement GrantStore; exchanges fail with
// ledger.ErrGrantStoreRequired otherwise.
func NewExchanger(store ledger.TxStore, members ledger.MemberDirectory, catalog CatalogStore, audit ledger.AuditSink, log *logrus.Logger) *Exchanger {
	if log == nil {
		log = logrus.New()
	}
	return &Exchanger{
		store:   store,
		members: members,
		catalog: catalog,
		audit:   audit,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Exchanger) SetClock(now func() time.Time) { e.now = now }

// Exchange spends the privilege's point cost from the member's balance and
// creates a grant, atomically. The consumption is recorded as an EXCHANGED
// history row whose description is the privilege name.
func (e *Exchanger) Exchange(ctx context.Context, memberID ledger.MemberID, privilegeID PrivilegeID) (ExchangeResult, error) {
	m, err := e.members.Lookup(ctx, memberID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if !m.Active {
		return ExchangeResult{}, ledger.ErrMemberNotFound
	}

	p, err := e.catalog.PrivilegeByID(ctx, privilegeID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if !p.IsActive {
		return ExchangeResult{}, ledger.ErrPrivilegeInactive
	}

	now := e.now()

	grant := Grant{
		ID:          NewGrantID(),
		MemberID:    memberID,
		PrivilegeID: privilegeID,
		PointsSpent: p.PointCost,
		GrantedAt:   now,
		Status:      GrantActive,
	}
	if p.ValidityDays > 0 {
		exp := now.AddDate(0, 0, p.ValidityDays)
		grant.ExpiresAt = &exp
	}

	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		grants, ok := s.(GrantStore)
		if !ok {
			return ledger.ErrGrantStoreRequired
		}

		// Ownership check runs inside the transaction so two racing
		// exchanges cannot both pass it.
		if existing, held, err := grants.ActiveGrant(ctx, memberID, privilegeID, now); err != nil {
			return &ledger.PersistenceError{Op: "check active grant", Err: err}
		} else if held {
			return &AlreadyOwnedError{
				MemberID:    memberID,
				PrivilegeID: privilegeID,
				GrantID:     existing.ID,
				ExpiresAt:   existing.ExpiresAt,
			}
		}

		if _, _, err := ledger.ConsumeFrom(ctx, s, memberID, p.PointCost, p.Name, ledger.KindExchanged, now); err != nil {
			return err
		}

		if err := grants.CreateGrant(ctx, grant); err != nil {
			return &ledger.PersistenceError{Op: "create grant", Err: err}
		}
		return nil
	})
	if err != nil {
		return ExchangeResult{}, err
	}

	ledger.EmitPrivilegeAudit(ctx, e.audit, e.log, ledger.PrivilegeAudit{
		MemberID:      memberID,
		PrivilegeID:   string(privilegeID),
		PrivilegeName: p.Name,
		PointsSpent:   p.PointCost,
		GrantID:       string(grant.ID),
		OccurredAt:    now,
	})

	e.log.WithFields(logrus.Fields{
		"member_id":    memberID,
		"privilege_id": privilegeID,
		"grant_id":     grant.ID,
		"points":       p.PointCost,
	}).Info("privilege exchanged")

	return ExchangeResult{
		GrantID:        grant.ID,
		PrivilegeID:    privilegeID,
		PointsDeducted: p.PointCost,
		ExpiresAt:      grant.ExpiresAt,
		ExchangedAt:    now,
	}, nil
}

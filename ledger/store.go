/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and the database, plus the two
  collaborators the ledger calls out to: the member directory and the audit
  sink. Implementations: store/sqlite (production) and ledger/store
  (in-memory, tests).

WRITE DISCIPLINE:
  The batch store has exactly three write operations:
  - CreateBatch:   insert an earned batch or a negative history row
  - DrawFromBatch: decrement an earned batch's remainder, guarded so a
                   stale read can never push it negative or touch an
                   expired batch
  - MarkExpired:   flip IsExpired exactly once
  There is no update of amounts, kinds, or timestamps, and no delete.
  History stays reconstructible from the rows alone.

TRANSACTIONS:
  Every mutating engine operation runs inside TxStore.WithTx. The guarded
  DrawFromBatch re-validates eligibility at write time, so the combination
  gives the commit-time consistency check the engine relies on: either the
  whole operation commits, or nothing does.

AUDIT:
  The audit sink is fire-and-forget. A sink failure is logged and swallowed;
  it must never roll back the balance-affecting operation it accompanies.

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
  - ledger/store/memory.go: In-memory implementation
  - audit.go: Sink invocation helpers
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Batch persistence
// =============================================================================

// Store handles persistence of point batches.
type Store interface {
	// CreateBatch inserts a batch row. Used both for EARNED batches and for
	// negative history rows (DEDUCTED/EXPIRED/EXCHANGED).
	CreateBatch(ctx context.Context, b PointBatch) error

	// BatchesByMember returns every batch row for a member, oldest first.
	// Read-only; used for history and breakdown reporting.
	BatchesByMember(ctx context.Context, memberID MemberID) ([]PointBatch, error)

	// EligibleBatches returns the batches FIFO consumption may draw from at
	// asOf: earned, unexpired, remainder > 0. Ordered by CreatedAt
	// ascending, ID ascending on ties.
	EligibleBatches(ctx context.Context, memberID MemberID, asOf time.Time) ([]PointBatch, error)

	// DrawFromBatch decrements a batch's remainder by amount. The write is
	// guarded: it fails with ErrConcurrencyConflict if the batch no longer
	// has amount remaining, was expired, or passed its expiry relative to
	// asOf. This is the commit-time eligibility re-check.
	DrawFromBatch(ctx context.Context, id BatchID, amount int64, asOf time.Time) error

	// MarkExpired sets IsExpired exactly once. Returns the remainder
	// forfeited and whether this call did the flip; (0, false) means the
	// batch was already expired, which is not an error.
	MarkExpired(ctx context.Context, id BatchID) (forfeited int64, expired bool, err error)

	// ExpiredDue returns batches eligible for a sweep at asOf:
	// IsExpired = false, ExpiresAt set and <= asOf.
	ExpiredDue(ctx context.Context, asOf time.Time) ([]PointBatch, error)

	// ExpiringWithin returns batches whose expiry falls in (from, to] and is
	// not yet past as of from. Read-only; used for notifications.
	ExpiringWithin(ctx context.Context, from, to time.Time) ([]PointBatch, error)
}

// TxStore wraps Store with transaction support. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// MEMBER DIRECTORY - External collaborator
// =============================================================================

// MemberDirectory answers "is this member real?". Called before any ledger
// mutation. Implementations return ErrMemberNotFound for unknown IDs.
type MemberDirectory interface {
	Lookup(ctx context.Context, id MemberID) (Member, error)
}

// =============================================================================
// AUDIT SINK - External collaborator, fire-and-forget
// =============================================================================

// PointAudit describes one balance-affecting point event.
type PointAudit struct {
	MemberID      MemberID
	Amount        int64 // Signed: positive for earns, negative for spends
	Description   string
	BalanceBefore int64
	BalanceAfter  int64
	Kind          Kind
	OccurredAt    time.Time
}

// PrivilegeAudit describes one privilege exchange.
type PrivilegeAudit struct {
	MemberID      MemberID
	PrivilegeID   string
	PrivilegeName string
	PointsSpent   int64
	GrantID       string
	OccurredAt    time.Time
}

// AuditSink receives a record of every state-affecting event. The ledger
// calls it but does not depend on its implementation or its success.
type AuditSink interface {
	LogPointTransaction(ctx context.Context, a PointAudit) error
	LogPrivilegeTransaction(ctx context.Context, a PrivilegeAudit) error
}

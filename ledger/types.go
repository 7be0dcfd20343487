/*
Package ledger provides the core point ledger engine.

PURPOSE:
  This package contains the types and algorithms for tracking per-member
  point batches: earning, FIFO consumption, expiration, and the derived
  available balance. Privilege exchange composes on top of it (see the
  privilege package) but the balance invariants all live here.

KEY CONCEPTS IN THIS FILE (types.go):
  - PointBatch: One discrete point movement with its own remainder and expiry
  - Kind: What a batch represents (EARNED, DEDUCTED, EXPIRED, EXCHANGED)
  - Draw: A (batch, amount) pair produced by FIFO consumption
  - Breakdown: Per-kind totals for reporting

DESIGN PRINCIPLES:
  1. History is never deleted: deductions, expirations and exchanges insert
     negative-amount history rows; only earned batches carry a remainder.
  2. FIFO is strict: consumption order is CreatedAt ascending, ID ascending
     on ties. A later batch is never touched while an earlier one has
     remainder left.
  3. Monotonic expiry: IsExpired is set exactly once and never unset.
  4. Integer points: amounts are int64. decimal.Decimal appears only at the
     earn-rate boundary (campaign multipliers), never in stored balances.

USAGE:
  batch := ledger.PointBatch{
      ID:          ledger.NewBatchID(),
      MemberID:    "mem-123",
      Amount:      500,
      Remaining:   500,
      Kind:        ledger.KindEarned,
      Description: "Signup bonus",
  }

SEE ALSO:
  - balance.go: Available balance and breakdown calculation
  - fifo.go: Oldest-first consumption
  - sweep.go: Expiration sweeps
  - store.go: Persistence and collaborator interfaces
*/
package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type BatchID string

// NewBatchID returns a fresh unique batch identifier.
func NewBatchID() BatchID {
	return BatchID(uuid.NewString())
}

// =============================================================================
// BATCH KIND - What a ledger row represents
// =============================================================================

type Kind string

const (
	KindEarned    Kind = "EARNED"    // Positive batch, participates in FIFO
	KindDeducted  Kind = "DEDUCTED"  // History row for a spend/adjustment
	KindExpired   Kind = "EXPIRED"   // History row for a sweep forfeiture
	KindExchanged Kind = "EXCHANGED" // History row for a privilege exchange
)

// =============================================================================
// POINT BATCH - One discrete point movement
// =============================================================================

// PointBatch is the unit of the ledger. Positive EARNED batches carry a
// Remaining amount that FIFO consumption draws down; DEDUCTED / EXPIRED /
// EXCHANGED rows are negative-amount history with Remaining always zero.
type PointBatch struct {
	ID          BatchID
	MemberID    MemberID
	Amount      int64 // Signed; positive only for EARNED
	Remaining   int64 // Unconsumed part of an EARNED batch; terminal at zero
	Kind        Kind
	Description string
	ExpiresAt   *time.Time // nil = never expires
	IsExpired   bool       // Set once by the sweeper, never unset
	CreatedAt   time.Time  // FIFO ordering key
}

// EligibleAt reports whether the batch can be drawn from at the given time:
// an earned batch with remainder left, not flagged expired, and whose expiry
// (if any) is still in the future.
func (b PointBatch) EligibleAt(at time.Time) bool {
	if b.Kind != KindEarned || b.Amount <= 0 || b.Remaining <= 0 || b.IsExpired {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(at) {
		return false
	}
	return true
}

// ExpiredAsOf reports whether the batch is due for a sweep at asOf.
// Already-flagged batches are excluded, which is what makes sweeps idempotent.
func (b PointBatch) ExpiredAsOf(asOf time.Time) bool {
	return !b.IsExpired && b.ExpiresAt != nil && !b.ExpiresAt.After(asOf)
}

// SortFIFO orders batches by CreatedAt ascending, ID ascending on ties.
// Every consumer of eligible batches goes through this so the consumption
// order is deterministic even when two batches share a timestamp.
func SortFIFO(batches []PointBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
}

// =============================================================================
// DRAW - Result of consuming from one batch
// =============================================================================

// Draw records how much was taken from a single batch during consumption.
type Draw struct {
	BatchID BatchID
	Amount  int64
}

// TotalDrawn sums the amounts across a consumption plan.
func TotalDrawn(draws []Draw) int64 {
	var total int64
	for _, d := range draws {
		total += d.Amount
	}
	return total
}

// =============================================================================
// BREAKDOWN - Per-kind totals for reporting
// =============================================================================

// Breakdown is informational only: the per-kind sums shown to members and
// admins. It carries no invariant beyond arithmetic over the batch rows.
type Breakdown struct {
	TotalEarned    int64
	TotalDeducted  int64
	TotalExpired   int64
	TotalExchanged int64
}

// =============================================================================
// MEMBER - Minimal view the ledger needs
// =============================================================================

// Member is the slice of a member record the ledger cares about. The full
// profile (email, credentials, role) lives with the store; the engine only
// ever asks "is this a real, active member?".
type Member struct {
	ID     MemberID
	Name   string
	Active bool
}

// =============================================================================
// EARN-RATE MULTIPLIER
// =============================================================================

// EffectivePoints applies a campaign earn-rate multiplier to a base amount.
// The result is rounded up to the next whole point, matching the ceiling
// rule used for day-granularity expiry elsewhere in the system. A zero
// multiplier means "no multiplier".
func EffectivePoints(base int64, multiplier decimal.Decimal) int64 {
	if multiplier.IsZero() {
		return base
	}
	return decimal.NewFromInt(base).Mul(multiplier).Ceil().IntPart()
}

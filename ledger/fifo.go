/*
fifo.go - Oldest-first consumption engine

PURPOSE:
  Spends points against a member's eligible batches in strict FIFO order.
  The algorithm is two-phase: plan against a snapshot, then apply the plan
  with guarded writes. Planning never mutates; applying either lands the
  whole plan or aborts with nothing changed.

ALGORITHM:
  1. Load eligible batches (earned, unexpired, remainder > 0), FIFO order.
  2. Sum remainders; if the sum is short, fail with InsufficientBalance
     before touching anything.
  3. Walk oldest-first, taking min(remaining, still needed) from each batch
     until the requested amount is covered.
  4. Apply each draw as a guarded decrement. If a batch changed underneath
     us (consumed or expired since the snapshot), the guard fails, the
     transaction rolls back, and the caller sees ConcurrencyConflict.
  5. Record one negative history row for the whole consumption.

  Callers run steps 4-5 inside TxStore.WithTx so a partial plan can never
  become visible.

SEE ALSO:
  - ledger.go: wraps this in transactions and audit emission
  - privilege/exchange.go: reuses it with kind EXCHANGED
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// PLANNING - Pure, no side effects
// =============================================================================

// planDraws walks batches oldest-first and allocates amount across them.
// Batches must already be in FIFO order. Returns InsufficientBalanceError
// without partial results when the remainders cannot cover amount.
func planDraws(memberID MemberID, batches []PointBatch, amount int64) ([]Draw, error) {
	var available int64
	for _, b := range batches {
		available += b.Remaining
	}
	if available < amount {
		return nil, &InsufficientBalanceError{
			MemberID:  memberID,
			Required:  amount,
			Available: available,
		}
	}

	draws := make([]Draw, 0, 4)
	needed := amount
	for _, b := range batches {
		if needed == 0 {
			break
		}
		take := b.Remaining
		if take > needed {
			take = needed
		}
		draws = append(draws, Draw{BatchID: b.ID, Amount: take})
		needed -= take
	}
	return draws, nil
}

// =============================================================================
// CONSUMPTION - Plan + guarded apply against a store view
// =============================================================================

// ConsumeFrom spends amount points from memberID's eligible batches in FIFO
// order against s, which is expected to be a transaction view: every draw
// plus the closing history row must commit or roll back together.
//
// kind classifies the history row (KindDeducted for spends and admin
// adjustments, KindExchanged for privilege exchanges); reason becomes its
// description. Returns the executed draws and the available balance before
// the consumption.
func ConsumeFrom(ctx context.Context, s Store, memberID MemberID, amount int64, reason string, kind Kind, asOf time.Time) ([]Draw, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}

	eligible, err := s.EligibleBatches(ctx, memberID, asOf)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "load eligible batches", Err: err}
	}
	SortFIFO(eligible)

	draws, err := planDraws(memberID, eligible, amount)
	if err != nil {
		return nil, 0, err
	}

	var available int64
	for _, b := range eligible {
		available += b.Remaining
	}

	for _, d := range draws {
		// Guarded decrement: fails if the batch was drained or expired
		// between our snapshot and this write.
		if err := s.DrawFromBatch(ctx, d.BatchID, d.Amount, asOf); err != nil {
			return nil, 0, err
		}
	}

	history := PointBatch{
		ID:          NewBatchID(),
		MemberID:    memberID,
		Amount:      -amount,
		Remaining:   0,
		Kind:        kind,
		Description: reason,
		CreatedAt:   asOf,
	}
	if err := s.CreateBatch(ctx, history); err != nil {
		return nil, 0, &PersistenceError{Op: "record consumption", Err: err}
	}

	return draws, available, nil
}

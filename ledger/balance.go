/*
balance.go - Available balance and per-kind breakdown

PURPOSE:
  Derives a member's spendable balance and reporting totals from the batch
  rows. Nothing here mutates state; both calculations are pure folds over
  what the store returns.

KEY GUARANTEE:
  AvailableBalance never returns a negative number. The consumption engine
  only draws what a batch has remaining and the store guards every draw, so
  the sum of remainders cannot go below zero; the calculator additionally
  skips any batch that is not eligible at the as-of time, which keeps
  expired-but-not-yet-swept points out of the spendable figure.

SEE ALSO:
  - fifo.go: consumes the same eligible set this calculator sums
  - sweep.go: converts expired remainders into EXPIRED history rows
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// BalanceCalculator derives balances and breakdowns from stored batches.
// Read-only and safe to call concurrently with writers: a racing write is
// either visible or not, and both views are consistent ledger states.
type BalanceCalculator struct {
	store Store
	now   func() time.Time
}

// NewBalanceCalculator creates a calculator backed by the given store.
func NewBalanceCalculator(store Store) *BalanceCalculator {
	return &BalanceCalculator{store: store, now: time.Now}
}

// AvailableBalance returns the member's spendable points as of now: the sum
// of remainders across earned batches that are unexpired and not flagged.
// Always >= 0. An unknown member simply has a zero balance here; existence
// checks belong to the operations that mutate.
func (c *BalanceCalculator) AvailableBalance(ctx context.Context, memberID MemberID) (int64, error) {
	return c.availableAt(ctx, memberID, c.now())
}

func (c *BalanceCalculator) availableAt(ctx context.Context, memberID MemberID, asOf time.Time) (int64, error) {
	return availableIn(ctx, c.store, memberID, asOf)
}

// Breakdown returns per-kind totals over the member's full history.
// Informational only; the deducted/expired/exchanged figures are reported
// as positive magnitudes.
func (c *BalanceCalculator) Breakdown(ctx context.Context, memberID MemberID) (Breakdown, error) {
	batches, err := c.store.BatchesByMember(ctx, memberID)
	if err != nil {
		return Breakdown{}, &PersistenceError{Op: "load member batches", Err: err}
	}

	var bd Breakdown
	for _, b := range batches {
		switch b.Kind {
		case KindEarned:
			bd.TotalEarned += b.Amount
		case KindDeducted:
			bd.TotalDeducted += -b.Amount
		case KindExpired:
			bd.TotalExpired += -b.Amount
		case KindExchanged:
			bd.TotalExchanged += -b.Amount
		}
	}
	return bd, nil
}

/*
sweep.go - Expiration sweeper

PURPOSE:
  Finds batches whose expiry has passed and converts their unspent
  remainder into EXPIRED history rows. Designed to run repeatedly from a
  scheduler: re-running over the same ground is harmless and a bad batch
  never takes the rest of the sweep down with it.

IDEMPOTENCE:
  Eligibility requires isExpired = false, so a batch is only ever swept
  once. The flag is flipped inside the same transaction that writes the
  history row; a second sweep over the same asOf finds nothing to do.

FAILURE ISOLATION:
  Each batch is processed in its own transaction. A failure is recorded in
  SweepResult.Errors and the sweep moves on; already-expired batches stay
  expired.

SEE ALSO:
  - api/scheduler.go: runs sweeps on an interval with retry
  - store.go: ExpiredDue / MarkExpired contracts
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// SWEEP RESULT
// =============================================================================

// SweepResult summarizes one sweep run.
type SweepResult struct {
	TotalPointsExpired int64
	MembersAffected    int
	BatchIDs           []BatchID
	Errors             []error
}

// =============================================================================
// SWEEPER
// =============================================================================

// Sweeper expires overdue batches and forfeits their remainders.
type Sweeper struct {
	store TxStore
	audit AuditSink
	log   *logrus.Logger
	now   func() time.Time
}

// NewSweeper creates a sweeper. A nil sink disables auditing.
func NewSweeper(store TxStore, audit AuditSink, log *logrus.Logger) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{store: store, audit: audit, log: log, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (w *Sweeper) SetClock(now func() time.Time) { w.now = now }

// Sweep expires every batch due at asOf. A zero asOf means now. Returns a
// summary even when individual batches failed; only the initial candidate
// query can fail the run as a whole.
func (w *Sweeper) Sweep(ctx context.Context, asOf time.Time) (SweepResult, error) {
	if asOf.IsZero() {
		asOf = w.now()
	}

	due, err := w.store.ExpiredDue(ctx, asOf)
	if err != nil {
		return SweepResult{}, &PersistenceError{Op: "load due batches", Err: err}
	}

	result := SweepResult{}
	members := make(map[MemberID]struct{})

	for _, b := range due {
		forfeited, err := w.expireBatch(ctx, b, asOf)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("batch %s: %w", b.ID, err))
			w.log.WithError(err).WithField("batch_id", b.ID).Error("failed to expire batch")
			continue
		}
		if forfeited < 0 {
			// Another sweep got there first.
			continue
		}

		result.TotalPointsExpired += forfeited
		result.BatchIDs = append(result.BatchIDs, b.ID)
		members[b.MemberID] = struct{}{}

		if forfeited > 0 {
			w.emitExpiry(ctx, b, forfeited, asOf)
		}
	}

	result.MembersAffected = len(members)

	w.log.WithFields(logrus.Fields{
		"batches_expired": len(result.BatchIDs),
		"points_expired":  result.TotalPointsExpired,
		"members":         result.MembersAffected,
		"errors":          len(result.Errors),
	}).Info("expiration sweep completed")

	return result, nil
}

// expireBatch flips the flag and writes the forfeiture row in one
// transaction. Returns -1 when the batch was already expired.
func (w *Sweeper) expireBatch(ctx context.Context, b PointBatch, asOf time.Time) (int64, error) {
	var (
		forfeited int64
		flipped   bool
	)
	err := w.store.WithTx(ctx, func(s Store) error {
		var err error
		forfeited, flipped, err = s.MarkExpired(ctx, b.ID)
		if err != nil {
			return err
		}
		if !flipped || forfeited == 0 {
			// Already swept, or fully consumed before expiry: nothing
			// to forfeit, no history row.
			return nil
		}
		history := PointBatch{
			ID:          NewBatchID(),
			MemberID:    b.MemberID,
			Amount:      -forfeited,
			Remaining:   0,
			Kind:        KindExpired,
			Description: fmt.Sprintf("Points expired: %s", b.Description),
			CreatedAt:   asOf,
		}
		if err := s.CreateBatch(ctx, history); err != nil {
			return &PersistenceError{Op: "record expiration", Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !flipped {
		return -1, nil
	}
	return forfeited, nil
}

func (w *Sweeper) emitExpiry(ctx context.Context, b PointBatch, forfeited int64, asOf time.Time) {
	balance, err := availableIn(ctx, w.store, b.MemberID, asOf)
	if err != nil {
		w.log.WithError(err).WithField("member_id", b.MemberID).
			Error("could not read balance for expiry audit")
		return
	}
	emitPointAudit(ctx, w.audit, w.log, PointAudit{
		MemberID:      b.MemberID,
		Amount:        -forfeited,
		Description:   fmt.Sprintf("Points expired: %s", b.Description),
		BalanceBefore: balance + forfeited,
		BalanceAfter:  balance,
		Kind:          KindExpired,
		OccurredAt:    asOf,
	})
}

// =============================================================================
// EXPIRY PREVIEW
// =============================================================================

// CheckExpiringWithin returns the batches whose expiry falls within the next
// given number of days. Read-only; feeds the expiring-soon report.
func (w *Sweeper) CheckExpiringWithin(ctx context.Context, days int) ([]PointBatch, error) {
	from := w.now()
	to := from.AddDate(0, 0, days)
	batches, err := w.store.ExpiringWithin(ctx, from, to)
	if err != nil {
		return nil, &PersistenceError{Op: "load expiring batches", Err: err}
	}
	return batches, nil
}

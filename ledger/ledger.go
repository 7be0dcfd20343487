/*
ledger.go - The point ledger facade

PURPOSE:
  Ties the engine together: member validation, transactional earn and spend
  operations, balance queries, and audit emission. This is the type the API
  layer and the exchange coordinator hold.

OPERATION SHAPE:
  Every mutating method follows the same sequence:
  1. Validate inputs (amount, description).
  2. Confirm the member exists and is active.
  3. Run the mutation inside store.WithTx.
  4. On success, emit an audit event (fire-and-forget).

  Audit events carry the balance before and after so the trail is readable
  without replaying history.

SEE ALSO:
  - fifo.go: the consumption algorithm AdminAdjust and Consume run
  - sweep.go: expiration, which shares the audit contract
  - privilege/exchange.go: composes Consume with grant creation
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the engine facade for point earning and spending.
type Ledger struct {
	store   TxStore
	members MemberDirectory
	audit   AuditSink
	log     *logrus.Logger
	now     func() time.Time
}

// New creates a ledger. A nil sink disables auditing.
func New(store TxStore, members MemberDirectory, audit AuditSink, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.New()
	}
	return &Ledger{
		store:   store,
		members: members,
		audit:   audit,
		log:     log,
		now:     time.Now,
	}
}

// Store exposes the underlying transactional store. The exchange
// coordinator uses it to run consumption and grant creation in one
// transaction.
func (l *Ledger) Store() TxStore { return l.store }

// Clock returns the ledger's time source.
func (l *Ledger) Clock() func() time.Time { return l.now }

// SetClock overrides the time source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// requireMember confirms the member exists and is active.
func (l *Ledger) requireMember(ctx context.Context, id MemberID) (Member, error) {
	m, err := l.members.Lookup(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if !m.Active {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

// =============================================================================
// EARNING
// =============================================================================

// EarnOptions tunes AddPoints beyond the defaults.
type EarnOptions struct {
	// ExpirationDays, when > 0, gives the batch an expiry of now plus that
	// many days. Zero means the batch never expires.
	ExpirationDays int

	// Multiplier is an optional campaign earn rate. Effective points are
	// ceil(amount * multiplier); zero means no multiplier.
	Multiplier decimal.Decimal
}

// AddPoints credits a member with a new earned batch and returns it.
func (l *Ledger) AddPoints(ctx context.Context, memberID MemberID, amount int64, description string, opts EarnOptions) (PointBatch, error) {
	if amount <= 0 {
		return PointBatch{}, ErrInvalidAmount
	}
	if description == "" {
		return PointBatch{}, ErrInvalidDescription
	}
	if _, err := l.requireMember(ctx, memberID); err != nil {
		return PointBatch{}, err
	}

	now := l.now()
	effective := EffectivePoints(amount, opts.Multiplier)

	batch := PointBatch{
		ID:          NewBatchID(),
		MemberID:    memberID,
		Amount:      effective,
		Remaining:   effective,
		Kind:        KindEarned,
		Description: description,
		CreatedAt:   now,
	}
	if opts.ExpirationDays > 0 {
		exp := now.AddDate(0, 0, opts.ExpirationDays)
		batch.ExpiresAt = &exp
	}

	var before int64
	err := l.store.WithTx(ctx, func(s Store) error {
		b, err := availableIn(ctx, s, memberID, now)
		if err != nil {
			return err
		}
		before = b
		if err := s.CreateBatch(ctx, batch); err != nil {
			return &PersistenceError{Op: "create earned batch", Err: err}
		}
		return nil
	})
	if err != nil {
		return PointBatch{}, err
	}

	emitPointAudit(ctx, l.audit, l.log, PointAudit{
		MemberID:      memberID,
		Amount:        effective,
		Description:   description,
		BalanceBefore: before,
		BalanceAfter:  before + effective,
		Kind:          KindEarned,
		OccurredAt:    now,
	})

	l.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"batch_id":  batch.ID,
		"amount":    effective,
	}).Info("points added")

	return batch, nil
}

// =============================================================================
// SPENDING
// =============================================================================

// Consume spends amount points oldest-first and records one DEDUCTED history
// row. Returns the per-batch draws. All-or-nothing: on any failure no batch
// is modified.
func (l *Ledger) Consume(ctx context.Context, memberID MemberID, amount int64, reason string) ([]Draw, error) {
	return l.consume(ctx, memberID, amount, reason, KindDeducted)
}

// AdminAdjust is a manual negative adjustment. It runs the same FIFO
// consumption as Consume with an operator-attributed reason.
func (l *Ledger) AdminAdjust(ctx context.Context, memberID MemberID, amount int64, reason string) ([]Draw, error) {
	return l.consume(ctx, memberID, amount, "Admin adjustment: "+reason, KindDeducted)
}

func (l *Ledger) consume(ctx context.Context, memberID MemberID, amount int64, reason string, kind Kind) ([]Draw, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		return nil, ErrInvalidDescription
	}
	if _, err := l.requireMember(ctx, memberID); err != nil {
		return nil, err
	}

	now := l.now()

	var (
		draws  []Draw
		before int64
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		draws, before, err = ConsumeFrom(ctx, s, memberID, amount, reason, kind, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	emitPointAudit(ctx, l.audit, l.log, PointAudit{
		MemberID:      memberID,
		Amount:        -amount,
		Description:   reason,
		BalanceBefore: before,
		BalanceAfter:  before - amount,
		Kind:          kind,
		OccurredAt:    now,
	})

	l.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"amount":    amount,
		"batches":   len(draws),
	}).Info("points consumed")

	return draws, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the member's available balance as of now.
func (l *Ledger) Balance(ctx context.Context, memberID MemberID) (int64, error) {
	if _, err := l.requireMember(ctx, memberID); err != nil {
		return 0, err
	}
	return availableIn(ctx, l.store, memberID, l.now())
}

// Breakdown returns per-kind totals over the member's history.
func (l *Ledger) Breakdown(ctx context.Context, memberID MemberID) (Breakdown, error) {
	if _, err := l.requireMember(ctx, memberID); err != nil {
		return Breakdown{}, err
	}
	return NewBalanceCalculator(l.store).Breakdown(ctx, memberID)
}

// History returns every batch row for the member, oldest first.
func (l *Ledger) History(ctx context.Context, memberID MemberID) ([]PointBatch, error) {
	if _, err := l.requireMember(ctx, memberID); err != nil {
		return nil, err
	}
	batches, err := l.store.BatchesByMember(ctx, memberID)
	if err != nil {
		return nil, &PersistenceError{Op: "load member batches", Err: err}
	}
	return batches, nil
}

// availableIn sums eligible remainders against an arbitrary store view,
// which lets balance checks run inside transactions.
func availableIn(ctx context.Context, s Store, memberID MemberID, asOf time.Time) (int64, error) {
	batches, err := s.EligibleBatches(ctx, memberID, asOf)
	if err != nil {
		return 0, &PersistenceError{Op: "load eligible batches", Err: err}
	}
	var total int64
	for _, b := range batches {
		total += b.Remaining
	}
	return total, nil
}

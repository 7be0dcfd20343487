/*
ledger_test.go - Tests for the point ledger facade

Tests for:
- Earning (validation, expiration, campaign multipliers)
- FIFO consumption and all-or-nothing rollback
- Admin adjustments
- Balance and breakdown queries
- Audit emission with before/after balances
*/
package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/ledger/store"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.TxMemory) {
	t.Helper()

	mem := store.NewTxMemory()
	mem.PutMember(ledger.Member{ID: "mem-1", Name: "Avery", Active: true})
	mem.PutMember(ledger.Member{ID: "mem-2", Name: "Blake", Active: true})
	mem.PutMember(ledger.Member{ID: "mem-closed", Name: "Casey", Active: false})

	l := ledger.New(mem, mem, ledger.NopAuditSink{}, logrus.New())
	l.SetClock(func() time.Time { return testClock })
	return l, mem
}

// seedBatch inserts an earned batch directly, bypassing AddPoints, so tests
// control CreatedAt and ExpiresAt exactly.
func seedBatch(t *testing.T, mem *store.TxMemory, id ledger.BatchID, memberID ledger.MemberID, amount int64, createdAt time.Time, expiresAt *time.Time) {
	t.Helper()
	err := mem.CreateBatch(context.Background(), ledger.PointBatch{
		ID:          id,
		MemberID:    memberID,
		Amount:      amount,
		Remaining:   amount,
		Kind:        ledger.KindEarned,
		Description: "Seed batch",
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err)
}

func batchByID(t *testing.T, mem *store.TxMemory, memberID ledger.MemberID, id ledger.BatchID) ledger.PointBatch {
	t.Helper()
	batches, err := mem.BatchesByMember(context.Background(), memberID)
	require.NoError(t, err)
	for _, b := range batches {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("batch %s not found", id)
	return ledger.PointBatch{}
}

// =============================================================================
// EARNING
// =============================================================================

func TestAddPoints_CreatesEarnedBatch(t *testing.T) {
	// GIVEN: An active member
	// WHEN: Crediting 500 points
	// THEN: An EARNED batch with a full remainder exists and the balance
	//       reflects it
	l, _ := newTestLedger(t)
	ctx := context.Background()

	batch, err := l.AddPoints(ctx, "mem-1", 500, "Signup bonus", ledger.EarnOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.MemberID("mem-1"), batch.MemberID)
	assert.Equal(t, int64(500), batch.Amount)
	assert.Equal(t, int64(500), batch.Remaining)
	assert.Equal(t, ledger.KindEarned, batch.Kind)
	assert.Equal(t, "Signup bonus", batch.Description)
	assert.Nil(t, batch.ExpiresAt)
	assert.True(t, batch.CreatedAt.Equal(testClock))

	balance, err := l.Balance(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestAddPoints_WithExpirationDays(t *testing.T) {
	// GIVEN: An earn with a 30 day lifetime
	// WHEN: Crediting the points
	// THEN: The batch expires exactly 30 days after the ledger clock
	l, _ := newTestLedger(t)

	batch, err := l.AddPoints(context.Background(), "mem-1", 100, "Promo",
		ledger.EarnOptions{ExpirationDays: 30})
	require.NoError(t, err)

	require.NotNil(t, batch.ExpiresAt)
	assert.True(t, batch.ExpiresAt.Equal(testClock.AddDate(0, 0, 30)))
}

func TestAddPoints_AppliesMultiplier(t *testing.T) {
	// GIVEN: A 1.5x campaign
	// WHEN: Crediting a base of 100 points
	// THEN: The batch carries 150 effective points
	l, _ := newTestLedger(t)

	batch, err := l.AddPoints(context.Background(), "mem-1", 100, "Double points weekend",
		ledger.EarnOptions{Multiplier: decimal.RequireFromString("1.5")})
	require.NoError(t, err)

	assert.Equal(t, int64(150), batch.Amount)
	assert.Equal(t, int64(150), batch.Remaining)
}

func TestAddPoints_MultiplierRoundsUp(t *testing.T) {
	// GIVEN: A multiplier producing a fractional result
	// WHEN: Crediting the points
	// THEN: The effective amount is rounded up to the next whole point
	l, _ := newTestLedger(t)

	batch, err := l.AddPoints(context.Background(), "mem-1", 10, "Campaign",
		ledger.EarnOptions{Multiplier: decimal.RequireFromString("1.25")})
	require.NoError(t, err)

	assert.Equal(t, int64(13), batch.Amount)
}

func TestAddPoints_RejectsInvalidInput(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddPoints(ctx, "mem-1", 0, "Zero", ledger.EarnOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.AddPoints(ctx, "mem-1", -50, "Negative", ledger.EarnOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.AddPoints(ctx, "mem-1", 100, "", ledger.EarnOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidDescription)

	_, err = l.AddPoints(ctx, "mem-unknown", 100, "Bonus", ledger.EarnOptions{})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)

	// Inactive members cannot earn.
	_, err = l.AddPoints(ctx, "mem-closed", 100, "Bonus", ledger.EarnOptions{})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestConsume_DrawsOldestFirst(t *testing.T) {
	// GIVEN: A batch of 100 earned before a batch of 200
	// WHEN: Consuming 150 points
	// THEN: The older batch is drained first, the newer covers the rest
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "older", "mem-1", 100, testClock.Add(-2*time.Hour), nil)
	seedBatch(t, mem, "newer", "mem-1", 200, testClock.Add(-time.Hour), nil)

	draws, err := l.Consume(ctx, "mem-1", 150, "Flight upgrade")
	require.NoError(t, err)

	require.Len(t, draws, 2)
	assert.Equal(t, ledger.Draw{BatchID: "older", Amount: 100}, draws[0])
	assert.Equal(t, ledger.Draw{BatchID: "newer", Amount: 50}, draws[1])

	assert.Equal(t, int64(0), batchByID(t, mem, "mem-1", "older").Remaining)
	assert.Equal(t, int64(150), batchByID(t, mem, "mem-1", "newer").Remaining)

	balance, err := l.Balance(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestConsume_TieBreaksOnBatchID(t *testing.T) {
	// GIVEN: Two batches sharing a creation timestamp
	// WHEN: Consuming less than either holds
	// THEN: The batch with the lower ID is drawn from
	l, mem := newTestLedger(t)

	created := testClock.Add(-time.Hour)
	seedBatch(t, mem, "batch-a", "mem-1", 100, created, nil)
	seedBatch(t, mem, "batch-b", "mem-1", 100, created, nil)

	draws, err := l.Consume(context.Background(), "mem-1", 40, "Coffee voucher")
	require.NoError(t, err)

	require.Len(t, draws, 1)
	assert.Equal(t, ledger.BatchID("batch-a"), draws[0].BatchID)
}

func TestConsume_RecordsDeductedHistoryRow(t *testing.T) {
	// GIVEN: A funded member
	// WHEN: Consuming points
	// THEN: Exactly one negative DEDUCTED row is appended with the reason
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 300, testClock.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "mem-1", 120, "Gift card")
	require.NoError(t, err)

	history, err := l.History(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	row := history[1]
	assert.Equal(t, ledger.KindDeducted, row.Kind)
	assert.Equal(t, int64(-120), row.Amount)
	assert.Equal(t, int64(0), row.Remaining)
	assert.Equal(t, "Gift card", row.Description)
}

func TestConsume_InsufficientBalanceLeavesNothingChanged(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Consuming 150
	// THEN: The error carries required/available and no batch was touched
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 100, testClock.Add(-time.Hour), nil)

	draws, err := l.Consume(ctx, "mem-1", 150, "Too much")
	assert.Nil(t, draws)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(150), ib.Required)
	assert.Equal(t, int64(100), ib.Available)

	assert.Equal(t, int64(100), batchByID(t, mem, "mem-1", "b1").Remaining)

	history, err := l.History(ctx, "mem-1")
	require.NoError(t, err)
	assert.Len(t, history, 1) // only the seed batch, no DEDUCTED row
}

func TestConsume_SkipsExpiredBatches(t *testing.T) {
	// GIVEN: 200 expired points and 50 live points
	// WHEN: Consuming 60
	// THEN: Expired points do not count toward the available balance
	l, mem := newTestLedger(t)
	ctx := context.Background()

	past := testClock.Add(-time.Minute)
	seedBatch(t, mem, "lapsed", "mem-1", 200, testClock.Add(-48*time.Hour), &past)
	seedBatch(t, mem, "live", "mem-1", 50, testClock.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "mem-1", 60, "Over the live balance")

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(50), ib.Available)
}

func TestConsume_DrainsBalanceToZero(t *testing.T) {
	// GIVEN: Exactly 100 points
	// WHEN: Consuming exactly 100, then one more
	// THEN: The first succeeds, the second fails with available 0
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 100, testClock.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "mem-1", 100, "Everything")
	require.NoError(t, err)

	balance, err := l.Balance(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = l.Consume(ctx, "mem-1", 1, "One more")
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(0), ib.Available)
}

func TestConsume_RejectsInvalidInput(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Consume(ctx, "mem-1", 0, "Zero")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Consume(ctx, "mem-1", 50, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidDescription)

	_, err = l.Consume(ctx, "mem-unknown", 50, "Spend")
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

func TestAdminAdjust_PrefixesReason(t *testing.T) {
	// GIVEN: A funded member
	// WHEN: An operator applies a manual deduction
	// THEN: The history row is attributed as an admin adjustment
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 500, testClock.Add(-time.Hour), nil)

	draws, err := l.AdminAdjust(ctx, "mem-1", 200, "duplicate earn reversal")
	require.NoError(t, err)
	require.Len(t, draws, 1)

	history, err := l.History(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Admin adjustment: duplicate earn reversal", history[1].Description)
	assert.Equal(t, ledger.KindDeducted, history[1].Kind)

	balance, err := l.Balance(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestBalance_UnknownMember(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Balance(context.Background(), "mem-unknown")
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

func TestBalance_IsolatedPerMember(t *testing.T) {
	// GIVEN: Two members with separate batches
	// WHEN: One member spends
	// THEN: The other member's balance is untouched
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 300, testClock.Add(-time.Hour), nil)
	seedBatch(t, mem, "b2", "mem-2", 400, testClock.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "mem-1", 100, "Spend")
	require.NoError(t, err)

	b1, err := l.Balance(ctx, "mem-1")
	require.NoError(t, err)
	b2, err := l.Balance(ctx, "mem-2")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b1)
	assert.Equal(t, int64(400), b2)
}

func TestBreakdown_ReportsPerKindTotals(t *testing.T) {
	// GIVEN: Earns and a deduction
	// WHEN: Reading the breakdown
	// THEN: Totals are positive magnitudes per kind
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "b1", "mem-1", 500, testClock.Add(-2*time.Hour), nil)
	seedBatch(t, mem, "b2", "mem-1", 250, testClock.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "mem-1", 120, "Spend")
	require.NoError(t, err)

	bd, err := l.Breakdown(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), bd.TotalEarned)
	assert.Equal(t, int64(120), bd.TotalDeducted)
	assert.Equal(t, int64(0), bd.TotalExpired)
	assert.Equal(t, int64(0), bd.TotalExchanged)
}

func TestHistory_OldestFirst(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()

	seedBatch(t, mem, "second", "mem-1", 100, testClock.Add(-time.Hour), nil)
	seedBatch(t, mem, "first", "mem-1", 100, testClock.Add(-2*time.Hour), nil)

	history, err := l.History(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.BatchID("first"), history[0].ID)
	assert.Equal(t, ledger.BatchID("second"), history[1].ID)
}

// =============================================================================
// AUDIT
// =============================================================================

// recordingSink captures emitted audit events for assertions.
type recordingSink struct {
	points     []ledger.PointAudit
	privileges []ledger.PrivilegeAudit
}

func (r *recordingSink) LogPointTransaction(_ context.Context, a ledger.PointAudit) error {
	r.points = append(r.points, a)
	return nil
}

func (r *recordingSink) LogPrivilegeTransaction(_ context.Context, a ledger.PrivilegeAudit) error {
	r.privileges = append(r.privileges, a)
	return nil
}

func TestLedger_EmitsAuditWithBalances(t *testing.T) {
	// GIVEN: A ledger with a recording audit sink
	// WHEN: Earning then consuming
	// THEN: Each event carries the balance before and after
	mem := store.NewTxMemory()
	mem.PutMember(ledger.Member{ID: "mem-1", Name: "Avery", Active: true})
	sink := &recordingSink{}
	l := ledger.New(mem, mem, sink, logrus.New())
	l.SetClock(func() time.Time { return testClock })
	ctx := context.Background()

	_, err := l.AddPoints(ctx, "mem-1", 500, "Signup bonus", ledger.EarnOptions{})
	require.NoError(t, err)
	_, err = l.Consume(ctx, "mem-1", 200, "Spend")
	require.NoError(t, err)

	require.Len(t, sink.points, 2)

	earn := sink.points[0]
	assert.Equal(t, int64(500), earn.Amount)
	assert.Equal(t, int64(0), earn.BalanceBefore)
	assert.Equal(t, int64(500), earn.BalanceAfter)
	assert.Equal(t, ledger.KindEarned, earn.Kind)

	spend := sink.points[1]
	assert.Equal(t, int64(-200), spend.Amount)
	assert.Equal(t, int64(500), spend.BalanceBefore)
	assert.Equal(t, int64(300), spend.BalanceAfter)
	assert.Equal(t, ledger.KindDeducted, spend.Kind)
}

func TestLedger_AuditFailureDoesNotFailOperation(t *testing.T) {
	// GIVEN: An audit sink that always rejects
	// WHEN: Earning points
	// THEN: The operation still succeeds
	mem := store.NewTxMemory()
	mem.PutMember(ledger.Member{ID: "mem-1", Name: "Avery", Active: true})
	l := ledger.New(mem, mem, failingSink{}, logrus.New())

	_, err := l.AddPoints(context.Background(), "mem-1", 100, "Bonus", ledger.EarnOptions{})
	require.NoError(t, err)

	balance, err := l.Balance(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

type failingSink struct{}

func (failingSink) LogPointTransaction(context.Context, ledger.PointAudit) error {
	return context.DeadlineExceeded
}

func (failingSink) LogPrivilegeTransaction(context.Context, ledger.PrivilegeAudit) error {
	return context.DeadlineExceeded
}

// Package store provides an in-memory ledger store for tests and dev.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	batches    map[ledger.BatchID]*ledger.PointBatch
	byMember   map[ledger.MemberID][]ledger.BatchID
	members    map[ledger.MemberID]ledger.Member
	privileges map[privilege.PrivilegeID]privilege.Privilege
	grants     map[privilege.GrantID]privilege.Grant
}

func NewMemory() *Memory {
	return &Memory{
		batches:    make(map[ledger.BatchID]*ledger.PointBatch),
		byMember:   make(map[ledger.MemberID][]ledger.BatchID),
		members:    make(map[ledger.MemberID]ledger.Member),
		privileges: make(map[privilege.PrivilegeID]privilege.Privilege),
		grants:     make(map[privilege.GrantID]privilege.Grant),
	}
}

// -----------------------------------------------------------------------------
// ledger.Store
// -----------------------------------------------------------------------------

func (m *Memory) CreateBatch(_ context.Context, b ledger.PointBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBatchLocked(b)
}

func (m *Memory) createBatchLocked(b ledger.PointBatch) error {
	cp := b
	m.batches[b.ID] = &cp
	m.byMember[b.MemberID] = append(m.byMember[b.MemberID], b.ID)
	return nil
}

func (m *Memory) BatchesByMember(_ context.Context, memberID ledger.MemberID) ([]ledger.PointBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchesByMemberLocked(memberID), nil
}

func (m *Memory) batchesByMemberLocked(memberID ledger.MemberID) []ledger.PointBatch {
	result := make([]ledger.PointBatch, 0, len(m.byMember[memberID]))
	for _, id := range m.byMember[memberID] {
		result = append(result, *m.batches[id])
	}
	ledger.SortFIFO(result)
	return result
}

func (m *Memory) EligibleBatches(_ context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eligibleLocked(memberID, asOf), nil
}

func (m *Memory) eligibleLocked(memberID ledger.MemberID, asOf time.Time) []ledger.PointBatch {
	var result []ledger.PointBatch
	for _, b := range m.batchesByMemberLocked(memberID) {
		if b.EligibleAt(asOf) {
			result = append(result, b)
		}
	}
	return result
}

func (m *Memory) DrawFromBatch(_ context.Context, id ledger.BatchID, amount int64, asOf time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawLocked(id, amount, asOf)
}

func (m *Memory) drawLocked(id ledger.BatchID, amount int64, asOf time.Time) error {
	b, ok := m.batches[id]
	if !ok {
		return ledger.ErrConcurrencyConflict
	}
	// Same guard the SQL store enforces with a conditional UPDATE.
	if !b.EligibleAt(asOf) || b.Remaining < amount {
		return ledger.ErrConcurrencyConflict
	}
	b.Remaining -= amount
	return nil
}

func (m *Memory) MarkExpired(_ context.Context, id ledger.BatchID) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markExpiredLocked(id)
}

func (m *Memory) markExpiredLocked(id ledger.BatchID) (int64, bool, error) {
	b, ok := m.batches[id]
	if !ok {
		return 0, false, ledger.ErrConcurrencyConflict
	}
	if b.IsExpired {
		return 0, false, nil
	}
	b.IsExpired = true
	return b.Remaining, true, nil
}

func (m *Memory) ExpiredDue(_ context.Context, asOf time.Time) ([]ledger.PointBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredDueLocked(asOf), nil
}

func (m *Memory) expiredDueLocked(asOf time.Time) []ledger.PointBatch {
	var result []ledger.PointBatch
	for _, b := range m.batches {
		if b.ExpiredAsOf(asOf) {
			result = append(result, *b)
		}
	}
	ledger.SortFIFO(result)
	return result
}

func (m *Memory) ExpiringWithin(_ context.Context, from, to time.Time) ([]ledger.PointBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiringWithinLocked(from, to), nil
}

func (m *Memory) expiringWithinLocked(from, to time.Time) []ledger.PointBatch {
	var result []ledger.PointBatch
	for _, b := range m.batches {
		if b.Kind != ledger.KindEarned || b.IsExpired || b.ExpiresAt == nil || b.Remaining <= 0 {
			continue
		}
		if b.ExpiresAt.After(from) && !b.ExpiresAt.After(to) {
			result = append(result, *b)
		}
	}
	ledger.SortFIFO(result)
	return result
}

// -----------------------------------------------------------------------------
// ledger.MemberDirectory + member fixtures
// -----------------------------------------------------------------------------

func (m *Memory) Lookup(_ context.Context, id ledger.MemberID) (ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return ledger.Member{}, ledger.ErrMemberNotFound
	}
	return member, nil
}

// PutMember registers a member. Fixture helper for tests.
func (m *Memory) PutMember(member ledger.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
}

// -----------------------------------------------------------------------------
// privilege.CatalogStore
// -----------------------------------------------------------------------------

func (m *Memory) CreatePrivilege(_ context.Context, p privilege.Privilege) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privileges[p.ID] = p
	return nil
}

func (m *Memory) PrivilegeByID(_ context.Context, id privilege.PrivilegeID) (privilege.Privilege, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.privileges[id]
	if !ok {
		return privilege.Privilege{}, ledger.ErrPrivilegeNotFound
	}
	return p, nil
}

func (m *Memory) ListPrivileges(_ context.Context, activeOnly bool) ([]privilege.Privilege, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []privilege.Privilege
	for _, p := range m.privileges {
		if activeOnly && !p.IsActive {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (m *Memory) UpdatePrivilege(_ context.Context, p privilege.Privilege) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.privileges[p.ID]; !ok {
		return ledger.ErrPrivilegeNotFound
	}
	m.privileges[p.ID] = p
	return nil
}

// -----------------------------------------------------------------------------
// privilege.GrantStore
// -----------------------------------------------------------------------------

func (m *Memory) CreateGrant(_ context.Context, g privilege.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createGrantLocked(g)
}

func (m *Memory) createGrantLocked(g privilege.Grant) error {
	m.grants[g.ID] = g
	return nil
}

func (m *Memory) ActiveGrant(_ context.Context, memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeGrantLocked(memberID, privilegeID, at)
}

func (m *Memory) activeGrantLocked(memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	for _, g := range m.grants {
		if g.MemberID == memberID && g.PrivilegeID == privilegeID && g.ActiveAt(at) {
			return g, true, nil
		}
	}
	return privilege.Grant{}, false, nil
}

func (m *Memory) GrantsByMember(_ context.Context, memberID ledger.MemberID) ([]privilege.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []privilege.Grant
	for _, g := range m.grants {
		if g.MemberID == memberID {
			result = append(result, g)
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
// The transaction view also implements privilege.GrantStore so exchanges can
// commit consumption and grant together.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	batches := make(map[ledger.BatchID]*ledger.PointBatch, len(tm.batches))
	for id, b := range tm.batches {
		cp := *b
		batches[id] = &cp
	}
	byMember := make(map[ledger.MemberID][]ledger.BatchID, len(tm.byMember))
	for id, ids := range tm.byMember {
		byMember[id] = append([]ledger.BatchID{}, ids...)
	}
	grants := make(map[privilege.GrantID]privilege.Grant, len(tm.grants))
	for id, g := range tm.grants {
		grants[id] = g
	}
	return memorySnapshot{batches: batches, byMember: byMember, grants: grants}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.batches = s.batches
	tm.byMember = s.byMember
	tm.grants = s.grants
}

type memorySnapshot struct {
	batches  map[ledger.BatchID]*ledger.PointBatch
	byMember map[ledger.MemberID][]ledger.BatchID
	grants   map[privilege.GrantID]privilege.Grant
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateBatch(_ context.Context, b ledger.PointBatch) error {
	return tv.parent.createBatchLocked(b)
}

func (tv *txMemoryView) BatchesByMember(_ context.Context, memberID ledger.MemberID) ([]ledger.PointBatch, error) {
	return tv.parent.batchesByMemberLocked(memberID), nil
}

func (tv *txMemoryView) EligibleBatches(_ context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointBatch, error) {
	return tv.parent.eligibleLocked(memberID, asOf), nil
}

func (tv *txMemoryView) DrawFromBatch(_ context.Context, id ledger.BatchID, amount int64, asOf time.Time) error {
	return tv.parent.drawLocked(id, amount, asOf)
}

func (tv *txMemoryView) MarkExpired(_ context.Context, id ledger.BatchID) (int64, bool, error) {
	return tv.parent.markExpiredLocked(id)
}

func (tv *txMemoryView) ExpiredDue(_ context.Context, asOf time.Time) ([]ledger.PointBatch, error) {
	return tv.parent.expiredDueLocked(asOf), nil
}

func (tv *txMemoryView) ExpiringWithin(_ context.Context, from, to time.Time) ([]ledger.PointBatch, error) {
	return tv.parent.expiringWithinLocked(from, to), nil
}

func (tv *txMemoryView) CreateGrant(_ context.Context, g privilege.Grant) error {
	return tv.parent.createGrantLocked(g)
}

func (tv *txMemoryView) ActiveGrant(_ context.Context, memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	return tv.parent.activeGrantLocked(memberID, privilegeID, at)
}

func (tv *txMemoryView) GrantsByMember(_ context.Context, memberID ledger.MemberID) ([]privilege.Grant, error) {
	var result []privilege.Grant
	for _, g := range tv.parent.grants {
		if g.MemberID == memberID {
			result = append(result, g)
		}
	}
	return result, nil
}

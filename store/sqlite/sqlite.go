/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface the engine needs (ledger.TxStore,
  ledger.MemberDirectory, ledger.AuditSink, privilege.CatalogStore,
  privilege.GrantStore) plus member records and sweep run history. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

GUARDED WRITES:
  The two writes the balance invariant depends on are conditional:
  - DrawFromBatch decrements only when the batch still has the amount
    remaining, is not flagged expired, and has not passed its expiry.
  - MarkExpired flips is_expired only when it is still unset.
  A zero-row UPDATE means another writer got there first; the engine sees
  ErrConcurrencyConflict and rolls the whole operation back.

KEY TABLES:
  point_batches:    The ledger itself (earned batches + history rows)
  members:          Member records with credentials
  privileges:       The exchangeable catalog
  privilege_grants: Ownership records; a partial unique index enforces one
                    active grant per (member, privilege)
  sweep_runs:       One row per scheduler execution
  point_audit, privilege_audit: The audit trail

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, with lock-free helpers underneath so
  transaction views can reuse them while WithTx holds the write lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

MIGRATIONS:
  Versioned goose migrations embedded in the binary, applied on Open().

USAGE:
  store, err := sqlite.Open("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a SQLite store at the given path and applies migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so every query helper can
// run standalone or inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BATCH STORE (ledger.Store interface)
// =============================================================================

const batchColumns = `id, member_id, amount, remaining, kind, description, expires_at, is_expired, created_at`

// CreateBatch inserts a batch row.
func (s *Store) CreateBatch(ctx context.Context, b ledger.PointBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBatch(ctx, s.db, b)
}

func createBatch(ctx context.Context, q dbtx, b ledger.PointBatch) error {
	query := `
		INSERT INTO point_batches (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		b.ID,
		b.MemberID,
		b.Amount,
		b.Remaining,
		b.Kind,
		b.Description,
		nullTime(b.ExpiresAt),
		boolToInt(b.IsExpired),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// BatchesByMember returns every batch row for a member, oldest first.
func (s *Store) BatchesByMember(ctx context.Context, memberID ledger.MemberID) ([]ledger.PointBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return batchesByMember(ctx, s.db, memberID)
}

func batchesByMember(ctx context.Context, q dbtx, memberID ledger.MemberID) ([]ledger.PointBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM point_batches
		WHERE member_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return queryBatches(ctx, q, query, memberID)
}

// EligibleBatches returns the batches consumption may draw from, FIFO order.
func (s *Store) EligibleBatches(ctx context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return eligibleBatches(ctx, s.db, memberID, asOf)
}

func eligibleBatches(ctx context.Context, q dbtx, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM point_batches
		WHERE member_id = ?
		  AND kind = ?
		  AND is_expired = 0
		  AND remaining > 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, id ASC
	`
	return queryBatches(ctx, q, query, memberID, ledger.KindEarned, formatTime(asOf))
}

// DrawFromBatch decrements a batch remainder with the eligibility guard.
func (s *Store) DrawFromBatch(ctx context.Context, id ledger.BatchID, amount int64, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return drawFromBatch(ctx, s.db, id, amount, asOf)
}

func drawFromBatch(ctx context.Context, q dbtx, id ledger.BatchID, amount int64, asOf time.Time) error {
	query := `
		UPDATE point_batches
		SET remaining = remaining - ?
		WHERE id = ?
		  AND kind = ?
		  AND is_expired = 0
		  AND remaining >= ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`
	res, err := q.ExecContext(ctx, query, amount, id, ledger.KindEarned, amount, formatTime(asOf))
	if err != nil {
		return fmt.Errorf("draw from batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("draw from batch: %w", err)
	}
	if n == 0 {
		// Batch drained or expired between the caller's read and this write.
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

// MarkExpired flips is_expired exactly once.
func (s *Store) MarkExpired(ctx context.Context, id ledger.BatchID) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markExpired(ctx, s.db, id)
}

func markExpired(ctx context.Context, q dbtx, id ledger.BatchID) (int64, bool, error) {
	var remaining int64
	var isExpired int
	err := q.QueryRowContext(ctx,
		"SELECT remaining, is_expired FROM point_batches WHERE id = ?", id,
	).Scan(&remaining, &isExpired)
	if err == sql.ErrNoRows {
		return 0, false, ledger.ErrConcurrencyConflict
	}
	if err != nil {
		return 0, false, fmt.Errorf("load batch for expiry: %w", err)
	}
	if isExpired == 1 {
		return 0, false, nil
	}

	res, err := q.ExecContext(ctx,
		"UPDATE point_batches SET is_expired = 1 WHERE id = ? AND is_expired = 0", id,
	)
	if err != nil {
		return 0, false, fmt.Errorf("mark batch expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("mark batch expired: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// ExpiredDue returns unflagged batches whose expiry has passed.
func (s *Store) ExpiredDue(ctx context.Context, asOf time.Time) ([]ledger.PointBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiredDue(ctx, s.db, asOf)
}

func expiredDue(ctx context.Context, q dbtx, asOf time.Time) ([]ledger.PointBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM point_batches
		WHERE is_expired = 0
		  AND expires_at IS NOT NULL
		  AND expires_at <= ?
		ORDER BY created_at ASC, id ASC
	`
	return queryBatches(ctx, q, query, formatTime(asOf))
}

// ExpiringWithin returns live batches whose expiry falls in (from, to].
func (s *Store) ExpiringWithin(ctx context.Context, from, to time.Time) ([]ledger.PointBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiringWithin(ctx, s.db, from, to)
}

func expiringWithin(ctx context.Context, q dbtx, from, to time.Time) ([]ledger.PointBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM point_batches
		WHERE kind = ?
		  AND is_expired = 0
		  AND remaining > 0
		  AND expires_at IS NOT NULL
		  AND expires_at > ?
		  AND expires_at <= ?
		ORDER BY expires_at ASC, id ASC
	`
	return queryBatches(ctx, q, query, ledger.KindEarned, formatTime(from), formatTime(to))
}

func queryBatches(ctx context.Context, q dbtx, query string, args ...any) ([]ledger.PointBatch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []ledger.PointBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(rows *sql.Rows) (ledger.PointBatch, error) {
	var (
		b         ledger.PointBatch
		expiresAt sql.NullString
		isExpired int
		createdAt string
	)
	err := rows.Scan(
		&b.ID, &b.MemberID, &b.Amount, &b.Remaining, &b.Kind,
		&b.Description, &expiresAt, &isExpired, &createdAt,
	)
	if err != nil {
		return b, fmt.Errorf("scan batch: %w", err)
	}
	b.IsExpired = isExpired == 1
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		b.ExpiresAt = &t
	}
	return b, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The view passed to fn
// also implements privilege.GrantStore, so exchanges commit consumption and
// grant creation together.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the in-transaction view. No locking: WithTx already holds the
// store lock for the duration.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateBatch(ctx context.Context, b ledger.PointBatch) error {
	return createBatch(ctx, ts.tx, b)
}

func (ts *txStore) BatchesByMember(ctx context.Context, memberID ledger.MemberID) ([]ledger.PointBatch, error) {
	return batchesByMember(ctx, ts.tx, memberID)
}

func (ts *txStore) EligibleBatches(ctx context.Context, memberID ledger.MemberID, asOf time.Time) ([]ledger.PointBatch, error) {
	return eligibleBatches(ctx, ts.tx, memberID, asOf)
}

func (ts *txStore) DrawFromBatch(ctx context.Context, id ledger.BatchID, amount int64, asOf time.Time) error {
	return drawFromBatch(ctx, ts.tx, id, amount, asOf)
}

func (ts *txStore) MarkExpired(ctx context.Context, id ledger.BatchID) (int64, bool, error) {
	return markExpired(ctx, ts.tx, id)
}

func (ts *txStore) ExpiredDue(ctx context.Context, asOf time.Time) ([]ledger.PointBatch, error) {
	return expiredDue(ctx, ts.tx, asOf)
}

func (ts *txStore) ExpiringWithin(ctx context.Context, from, to time.Time) ([]ledger.PointBatch, error) {
	return expiringWithin(ctx, ts.tx, from, to)
}

func (ts *txStore) CreateGrant(ctx context.Context, g privilege.Grant) error {
	return createGrant(ctx, ts.tx, g)
}

func (ts *txStore) ActiveGrant(ctx context.Context, memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	return activeGrant(ctx, ts.tx, memberID, privilegeID, at)
}

func (ts *txStore) GrantsByMember(ctx context.Context, memberID ledger.MemberID) ([]privilege.Grant, error) {
	return grantsByMember(ctx, ts.tx, memberID)
}

// =============================================================================
// MEMBER STORE + ledger.MemberDirectory
// =============================================================================

// MemberRecord is a stored member with credentials.
type MemberRecord struct {
	ID           ledger.MemberID
	Name         string
	Email        string
	PasswordHash string
	Role         string // member | admin
	Active       bool
	CreatedAt    time.Time
}

const memberColumns = `id, name, email, password_hash, role, active, created_at`

// SaveMember inserts or updates a member record.
func (s *Store) SaveMember(ctx context.Context, m MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members (` + memberColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			password_hash = excluded.password_hash,
			role = excluded.role,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.Name, m.Email, m.PasswordHash, m.Role,
		boolToInt(m.Active), formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("email already registered: %w", err)
		}
		return fmt.Errorf("save member: %w", err)
	}
	return nil
}

// MemberByID retrieves a member record, or ledger.ErrMemberNotFound.
func (s *Store) MemberByID(ctx context.Context, id ledger.MemberID) (MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberWhere(ctx, "id = ?", string(id))
}

// MemberByEmail retrieves a member record by email, or ledger.ErrMemberNotFound.
func (s *Store) MemberByEmail(ctx context.Context, email string) (MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberWhere(ctx, "email = ?", email)
}

func (s *Store) memberWhere(ctx context.Context, where string, arg any) (MemberRecord, error) {
	var (
		m         MemberRecord
		active    int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE "+where, arg,
	).Scan(&m.ID, &m.Name, &m.Email, &m.PasswordHash, &m.Role, &active, &createdAt)
	if err == sql.ErrNoRows {
		return MemberRecord{}, ledger.ErrMemberNotFound
	}
	if err != nil {
		return MemberRecord{}, fmt.Errorf("load member: %w", err)
	}
	m.Active = active == 1
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return m, nil
}

// ListMembers returns all member records ordered by name.
func (s *Store) ListMembers(ctx context.Context) ([]MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []MemberRecord
	for rows.Next() {
		var (
			m         MemberRecord
			active    int
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.PasswordHash, &m.Role, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Active = active == 1
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		members = append(members, m)
	}
	return members, rows.Err()
}

// Lookup implements ledger.MemberDirectory.
func (s *Store) Lookup(ctx context.Context, id ledger.MemberID) (ledger.Member, error) {
	m, err := s.MemberByID(ctx, id)
	if err != nil {
		return ledger.Member{}, err
	}
	return ledger.Member{ID: m.ID, Name: m.Name, Active: m.Active}, nil
}

// =============================================================================
// PRIVILEGE CATALOG (privilege.CatalogStore interface)
// =============================================================================

const privilegeColumns = `id, name, description, point_cost, is_active, validity_days, created_at, updated_at`

// CreatePrivilege inserts a catalog entry.
func (s *Store) CreatePrivilege(ctx context.Context, p privilege.Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO privileges (` + privilegeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Description, p.PointCost,
		boolToInt(p.IsActive), p.ValidityDays,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert privilege: %w", err)
	}
	return nil
}

// PrivilegeByID retrieves a catalog entry, or ledger.ErrPrivilegeNotFound.
func (s *Store) PrivilegeByID(ctx context.Context, id privilege.PrivilegeID) (privilege.Privilege, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         privilege.Privilege
		isActive  int
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+privilegeColumns+" FROM privileges WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.PointCost, &isActive, &p.ValidityDays, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return privilege.Privilege{}, ledger.ErrPrivilegeNotFound
	}
	if err != nil {
		return privilege.Privilege{}, fmt.Errorf("load privilege: %w", err)
	}
	p.IsActive = isActive == 1
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return p, nil
}

// ListPrivileges returns catalog entries ordered by point cost.
func (s *Store) ListPrivileges(ctx context.Context, activeOnly bool) ([]privilege.Privilege, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + privilegeColumns + " FROM privileges"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY point_cost ASC, name ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list privileges: %w", err)
	}
	defer rows.Close()

	var privileges []privilege.Privilege
	for rows.Next() {
		var (
			p         privilege.Privilege
			isActive  int
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PointCost, &isActive, &p.ValidityDays, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan privilege: %w", err)
		}
		p.IsActive = isActive == 1
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		privileges = append(privileges, p)
	}
	return privileges, rows.Err()
}

// UpdatePrivilege replaces a catalog entry's mutable fields.
func (s *Store) UpdatePrivilege(ctx context.Context, p privilege.Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE privileges
		SET name = ?, description = ?, point_cost = ?, is_active = ?, validity_days = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		p.Name, p.Description, p.PointCost, boolToInt(p.IsActive),
		p.ValidityDays, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update privilege: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update privilege: %w", err)
	}
	if n == 0 {
		return ledger.ErrPrivilegeNotFound
	}
	return nil
}

// =============================================================================
// GRANT STORE (privilege.GrantStore interface)
// =============================================================================

const grantColumns = `id, member_id, privilege_id, points_spent, granted_at, expires_at, status`

// CreateGrant inserts a grant row.
func (s *Store) CreateGrant(ctx context.Context, g privilege.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createGrant(ctx, s.db, g)
}

func createGrant(ctx context.Context, q dbtx, g privilege.Grant) error {
	// Retire any lapsed grant first so the one-active-grant index only
	// blocks genuinely concurrent ownership.
	now := formatTime(g.GrantedAt)
	_, err := q.ExecContext(ctx, `
		UPDATE privilege_grants
		SET status = ?
		WHERE member_id = ? AND privilege_id = ? AND status = ?
		  AND expires_at IS NOT NULL AND expires_at <= ?
	`, privilege.GrantExpired, g.MemberID, g.PrivilegeID, privilege.GrantActive, now)
	if err != nil {
		return fmt.Errorf("retire lapsed grants: %w", err)
	}

	query := `
		INSERT INTO privilege_grants (` + grantColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		g.ID, g.MemberID, g.PrivilegeID, g.PointsSpent,
		formatTime(g.GrantedAt), nullTime(g.ExpiresAt), g.Status,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAlreadyOwned
		}
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// ActiveGrant returns the member's active grant for a privilege at the
// given time, if any.
func (s *Store) ActiveGrant(ctx context.Context, memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeGrant(ctx, s.db, memberID, privilegeID, at)
}

func activeGrant(ctx context.Context, q dbtx, memberID ledger.MemberID, privilegeID privilege.PrivilegeID, at time.Time) (privilege.Grant, bool, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM privilege_grants
		WHERE member_id = ? AND privilege_id = ? AND status = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		LIMIT 1
	`
	rows, err := q.QueryContext(ctx, query, memberID, privilegeID, privilege.GrantActive, formatTime(at))
	if err != nil {
		return privilege.Grant{}, false, fmt.Errorf("query active grant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return privilege.Grant{}, false, rows.Err()
	}
	g, err := scanGrant(rows)
	if err != nil {
		return privilege.Grant{}, false, err
	}
	return g, true, nil
}

// GrantsByMember returns every grant for a member, newest first.
func (s *Store) GrantsByMember(ctx context.Context, memberID ledger.MemberID) ([]privilege.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return grantsByMember(ctx, s.db, memberID)
}

func grantsByMember(ctx context.Context, q dbtx, memberID ledger.MemberID) ([]privilege.Grant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM privilege_grants
		WHERE member_id = ?
		ORDER BY granted_at DESC, id DESC
	`
	rows, err := q.QueryContext(ctx, query, memberID)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var grants []privilege.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func scanGrant(rows *sql.Rows) (privilege.Grant, error) {
	var (
		g         privilege.Grant
		grantedAt string
		expiresAt sql.NullString
	)
	err := rows.Scan(&g.ID, &g.MemberID, &g.PrivilegeID, &g.PointsSpent, &grantedAt, &expiresAt, &g.Status)
	if err != nil {
		return g, fmt.Errorf("scan grant: %w", err)
	}
	g.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		g.ExpiresAt = &t
	}
	return g, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SweepRun records one scheduler execution.
type SweepRun struct {
	ID              string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Status          string // running, completed, failed
	BatchesExpired  int
	PointsExpired   int64
	MembersAffected int
	Error           string
}

// SaveSweepRun inserts or updates a sweep run record.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs
		(id, started_at, completed_at, status, batches_expired, points_expired, members_affected, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			status = excluded.status,
			batches_expired = excluded.batches_expired,
			points_expired = excluded.points_expired,
			members_affected = excluded.members_affected,
			error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, formatTime(r.StartedAt), nullTime(r.CompletedAt),
		r.Status, r.BatchesExpired, r.PointsExpired, r.MembersAffected,
		nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("save sweep run: %w", err)
	}
	return nil
}

// ListSweepRuns returns the most recent sweep runs, newest first.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, started_at, completed_at, status, batches_expired, points_expired, members_affected, error
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var (
			r           SweepRun
			startedAt   string
			completedAt sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &completedAt, &r.Status,
			&r.BatchesExpired, &r.PointsExpired, &r.MembersAffected, &errMsg); err != nil {
			return nil, fmt.Errorf("scan sweep run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// AUDIT SINK (ledger.AuditSink interface)
// =============================================================================

// LogPointTransaction persists one point audit event.
func (s *Store) LogPointTransaction(ctx context.Context, a ledger.PointAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO point_audit
		(id, member_id, amount, description, balance_before, balance_after, kind, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(ledger.NewBatchID()), a.MemberID, a.Amount, a.Description,
		a.BalanceBefore, a.BalanceAfter, a.Kind, formatTime(a.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("log point transaction: %w", err)
	}
	return nil
}

// LogPrivilegeTransaction persists one privilege audit event.
func (s *Store) LogPrivilegeTransaction(ctx context.Context, a ledger.PrivilegeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO privilege_audit
		(id, member_id, privilege_id, privilege_name, points_spent, grant_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(ledger.NewBatchID()), a.MemberID, a.PrivilegeID, a.PrivilegeName,
		a.PointsSpent, a.GrantID, formatTime(a.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("log privilege transaction: %w", err)
	}
	return nil
}

// PointAuditByMember returns a member's point audit trail, newest first.
func (s *Store) PointAuditByMember(ctx context.Context, memberID ledger.MemberID, limit int) ([]ledger.PointAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT member_id, amount, description, balance_before, balance_after, kind, occurred_at
		FROM point_audit
		WHERE member_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("query point audit: %w", err)
	}
	defer rows.Close()

	var events []ledger.PointAudit
	for rows.Next() {
		var (
			a          ledger.PointAudit
			occurredAt string
		)
		if err := rows.Scan(&a.MemberID, &a.Amount, &a.Description,
			&a.BalanceBefore, &a.BalanceAfter, &a.Kind, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan point audit: %w", err)
		}
		a.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
		events = append(events, a)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// Times are stored as UTC RFC3339 strings so lexicographic comparison in SQL
// matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

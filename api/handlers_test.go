/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Login and token enforcement
- Role and ownership gates
- The earn / balance / exchange flow end to end
- Engine error to HTTP status mapping
- Sweep and expiring-soon admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
	"github.com/meridian/loyalty-engine/store/sqlite"
)

type testEnv struct {
	router      http.Handler
	store       *sqlite.Store
	auth        *Auth
	adminToken  string
	memberToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx := context.Background()
	for _, m := range []struct {
		id, name, email, password, role string
	}{
		{"admin", "Administrator", "admin@example.com", "admin-pass", "admin"},
		{"mem-1", "Avery", "avery@example.com", "member-pass", "member"},
	} {
		hash, err := HashPassword(m.password)
		require.NoError(t, err)
		require.NoError(t, store.SaveMember(ctx, sqlite.MemberRecord{
			ID:           ledger.MemberID(m.id),
			Name:         m.name,
			Email:        m.email,
			PasswordHash: hash,
			Role:         m.role,
			Active:       true,
			CreatedAt:    time.Now(),
		}))
	}

	auth := NewAuth("test-secret")
	pointLedger := ledger.New(store, store, store, log)
	sweeper := ledger.NewSweeper(store, store, log)
	exchanger := privilege.NewExchanger(store, store, store, store, log)
	handler := NewHandler(store, pointLedger, sweeper, exchanger, auth, log)

	adminToken, err := auth.IssueToken("admin", "admin")
	require.NoError(t, err)
	memberToken, err := auth.IssueToken("mem-1", "member")
	require.NoError(t, err)

	return &testEnv{
		router:      NewRouter(handler),
		store:       store,
		auth:        auth,
		adminToken:  adminToken,
		memberToken: memberToken,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func findBatchByKind(t *testing.T, batches []BatchDTO, kind string) BatchDTO {
	t.Helper()
	for _, b := range batches {
		if b.Kind == kind {
			return b
		}
	}
	t.Fatalf("no %s batch in history", kind)
	return BatchDTO{}
}

// =============================================================================
// AUTH
// =============================================================================

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "",
		LoginRequest{Email: "avery@example.com", Password: "member-pass"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	decodeInto(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "mem-1", resp.Member.ID)
	assert.Equal(t, "member", resp.Member.Role)

	claims, err := env.auth.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", claims.MemberID)
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "",
		LoginRequest{Email: "avery@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "",
		LoginRequest{Email: "nobody@example.com", Password: "member-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_RequiredOnAPIRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/members/mem-1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/balance", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_MemberCannotReadOtherMembers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/members/admin/balance", env.memberToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins may read anyone.
	rec = env.do(t, http.MethodGet, "/api/members/mem-1/balance", env.adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_AdminOnlyRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/members", nil},
		{http.MethodPost, "/api/members/mem-1/earn", EarnRequest{Amount: 10, Description: "x"}},
		{http.MethodPost, "/api/members/mem-1/adjust", AdjustRequest{Amount: 10, Reason: "x"}},
		{http.MethodPost, "/api/privileges", SavePrivilegeRequest{Name: "x", PointCost: 1}},
		{http.MethodPost, "/api/admin/sweep", nil},
	} {
		rec := env.do(t, tc.method, tc.path, env.memberToken, tc.body)
		assert.Equalf(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestHealth_Public(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// POINTS FLOW
// =============================================================================

func TestEarnBalanceExchangeFlow(t *testing.T) {
	// GIVEN: An admin crediting 1000 points and a 400-point privilege
	// WHEN: The member exchanges
	// THEN: Balance, history, and grants all line up; a repeat exchange
	//       conflicts
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 1000, Description: "Signup bonus"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var batch BatchDTO
	decodeInto(t, rec, &batch)
	assert.Equal(t, int64(1000), batch.Amount)
	assert.Equal(t, "EARNED", batch.Kind)

	rec = env.do(t, http.MethodPost, "/api/privileges", env.adminToken,
		SavePrivilegeRequest{Name: "Lounge Access", PointCost: 400, IsActive: true, ValidityDays: 30})
	require.Equal(t, http.StatusCreated, rec.Code)
	var priv PrivilegeDTO
	decodeInto(t, rec, &priv)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/balance", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance BalanceDTO
	decodeInto(t, rec, &balance)
	assert.Equal(t, int64(1000), balance.Available)
	assert.Equal(t, int64(1000), balance.TotalEarned)

	rec = env.do(t, http.MethodPost, "/api/members/mem-1/exchanges", env.memberToken,
		ExchangeRequest{PrivilegeID: priv.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exchange ExchangeResponse
	decodeInto(t, rec, &exchange)
	assert.Equal(t, int64(400), exchange.PointsDeducted)
	assert.NotEmpty(t, exchange.GrantID)
	assert.NotEmpty(t, exchange.ExpiresAt)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/balance", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &balance)
	assert.Equal(t, int64(600), balance.Available)
	assert.Equal(t, int64(400), balance.TotalExchanged)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/grants", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var grants []GrantDTO
	decodeInto(t, rec, &grants)
	require.Len(t, grants, 1)
	assert.Equal(t, exchange.GrantID, grants[0].ID)
	assert.Equal(t, "active", grants[0].Status)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/history", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []BatchDTO
	decodeInto(t, rec, &history)
	require.Len(t, history, 2)
	exchanged := findBatchByKind(t, history, "EXCHANGED")
	assert.Equal(t, int64(-400), exchanged.Amount)
	assert.Equal(t, "Lounge Access", exchanged.Description)

	// Repeating the exchange conflicts while the grant is live.
	rec = env.do(t, http.MethodPost, "/api/members/mem-1/exchanges", env.memberToken,
		ExchangeRequest{PrivilegeID: priv.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, "already_owned", errResp.Code)
}

func TestEarn_WithMultiplier(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 100, Description: "Campaign", Multiplier: "1.5"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var batch BatchDTO
	decodeInto(t, rec, &batch)
	assert.Equal(t, int64(150), batch.Amount)
}

func TestEarn_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 0, Description: "Zero"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 100, Description: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 100, Description: "Bonus", Multiplier: "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/members/nobody/earn", env.adminToken,
		EarnRequest{Amount: 100, Description: "Bonus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjust_InsufficientBalanceConflict(t *testing.T) {
	// GIVEN: A member with no points
	// WHEN: An admin deducts 50
	// THEN: 409 with required/available detail
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/adjust", env.adminToken,
		AdjustRequest{Amount: 50, Reason: "correction"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, "insufficient_balance", errResp.Code)

	details, ok := errResp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(50), details["required"])
	assert.Equal(t, float64(0), details["available"])
}

func TestAdjust_RecordsAdminAttribution(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/earn", env.adminToken,
		EarnRequest{Amount: 300, Description: "Bonus"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/members/mem-1/adjust", env.adminToken,
		AdjustRequest{Amount: 100, Reason: "duplicate earn"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConsumeResponse
	decodeInto(t, rec, &resp)
	require.Len(t, resp.Draws, 1)
	assert.Equal(t, int64(100), resp.Draws[0].Amount)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/history", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []BatchDTO
	decodeInto(t, rec, &history)
	require.Len(t, history, 2)
	deducted := findBatchByKind(t, history, "DEDUCTED")
	assert.Equal(t, "Admin adjustment: duplicate earn", deducted.Description)
}

// =============================================================================
// PRIVILEGE CATALOG
// =============================================================================

func TestPrivileges_MembersSeeOnlyActive(t *testing.T) {
	env := newTestEnv(t)

	for _, req := range []SavePrivilegeRequest{
		{Name: "Active Perk", PointCost: 100, IsActive: true},
		{Name: "Retired Perk", PointCost: 50, IsActive: false},
	} {
		rec := env.do(t, http.MethodPost, "/api/privileges", env.adminToken, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/privileges", env.memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var visible []PrivilegeDTO
	decodeInto(t, rec, &visible)
	require.Len(t, visible, 1)
	assert.Equal(t, "Active Perk", visible[0].Name)

	// ?all=true is honored for admins only.
	rec = env.do(t, http.MethodGet, "/api/privileges?all=true", env.memberToken, nil)
	decodeInto(t, rec, &visible)
	assert.Len(t, visible, 1)

	rec = env.do(t, http.MethodGet, "/api/privileges?all=true", env.adminToken, nil)
	decodeInto(t, rec, &visible)
	assert.Len(t, visible, 2)
}

func TestExchange_InactivePrivilegeRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/privileges", env.adminToken,
		SavePrivilegeRequest{Name: "Retired Perk", PointCost: 50, IsActive: false})
	require.Equal(t, http.StatusCreated, rec.Code)
	var priv PrivilegeDTO
	decodeInto(t, rec, &priv)

	rec = env.do(t, http.MethodPost, "/api/members/mem-1/exchanges", env.memberToken,
		ExchangeRequest{PrivilegeID: priv.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExchange_UnknownPrivilege(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members/mem-1/exchanges", env.memberToken,
		ExchangeRequest{PrivilegeID: "no-such-privilege"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SWEEP ADMIN ENDPOINTS
// =============================================================================

func TestTriggerSweep(t *testing.T) {
	// GIVEN: A batch whose expiry has passed
	// WHEN: An admin triggers a sweep
	// THEN: The forfeiture is reported and the balance drops
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, env.store.CreateBatch(ctx, ledger.PointBatch{
		ID:          "overdue",
		MemberID:    "mem-1",
		Amount:      250,
		Remaining:   250,
		Kind:        ledger.KindEarned,
		Description: "Old promo",
		ExpiresAt:   &past,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}))

	rec := env.do(t, http.MethodPost, "/api/admin/sweep", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result SweepResultDTO
	decodeInto(t, rec, &result)
	assert.Equal(t, int64(250), result.TotalPointsExpired)
	assert.Equal(t, 1, result.MembersAffected)
	assert.Equal(t, []string{"overdue"}, result.BatchIDs)

	rec = env.do(t, http.MethodGet, "/api/members/mem-1/balance", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance BalanceDTO
	decodeInto(t, rec, &balance)
	assert.Equal(t, int64(0), balance.Available)
	assert.Equal(t, int64(250), balance.TotalExpired)
}

func TestListExpiring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	soon := time.Now().AddDate(0, 0, 3)
	require.NoError(t, env.store.CreateBatch(ctx, ledger.PointBatch{
		ID:          "soon",
		MemberID:    "mem-1",
		Amount:      100,
		Remaining:   100,
		Kind:        ledger.KindEarned,
		Description: "Expiring promo",
		ExpiresAt:   &soon,
		CreatedAt:   time.Now().Add(-time.Hour),
	}))

	rec := env.do(t, http.MethodGet, "/api/admin/expiring?days=7", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var expiring []ExpiringBatchDTO
	decodeInto(t, rec, &expiring)
	require.Len(t, expiring, 1)
	assert.Equal(t, "soon", expiring[0].BatchID)
	assert.Equal(t, int64(100), expiring[0].Remaining)
}

// =============================================================================
// MEMBER MANAGEMENT
// =============================================================================

func TestCreateMember_AndLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members", env.adminToken,
		CreateMemberRequest{Name: "Blake", Email: "blake@example.com", Password: "blake-pass"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var member MemberDTO
	decodeInto(t, rec, &member)
	assert.NotEmpty(t, member.ID)
	assert.Equal(t, "member", member.Role)
	assert.True(t, member.Active)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "",
		LoginRequest{Email: "blake@example.com", Password: "blake-pass"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateMember_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/members", env.adminToken,
		CreateMemberRequest{Name: "No Email", Password: "pass"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate email.
	rec = env.do(t, http.MethodPost, "/api/members", env.adminToken,
		CreateMemberRequest{Name: "Dup", Email: "avery@example.com", Password: "pass"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

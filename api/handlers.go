/*
handlers.go - HTTP API handlers for the loyalty point service

PURPOSE:
  Exposes the point ledger and exchange engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/login                Obtain a bearer token

  Members:
    GET    /api/members                   List members (admin)
    POST   /api/members                   Create member (admin)
    GET    /api/members/{id}              Member details
    GET    /api/members/{id}/balance      Available balance + breakdown
    GET    /api/members/{id}/history      Full batch history
    GET    /api/members/{id}/grants       Privilege grants
    GET    /api/members/{id}/audit        Point audit trail (admin)
    POST   /api/members/{id}/earn         Credit points (admin)
    POST   /api/members/{id}/adjust       Manual deduction (admin)
    POST   /api/members/{id}/exchanges    Exchange points for a privilege

  Privileges:
    GET    /api/privileges                List catalog
    POST   /api/privileges                Create entry (admin)
    GET    /api/privileges/{id}           Entry details
    PUT    /api/privileges/{id}           Update entry (admin)

  Admin:
    POST   /api/admin/sweep               Run an expiration sweep now
    GET    /api/admin/sweep/runs          Recent sweep executions
    GET    /api/admin/expiring            Batches expiring within N days

ERROR HANDLING:
  Engine error kinds map to HTTP statuses:
  - 400: invalid amounts/descriptions, inactive privilege
  - 401: missing/invalid token
  - 403: insufficient role, cross-member access
  - 404: member/privilege not found
  - 409: insufficient balance, already owned, lost race
  - 500: store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Token middleware
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
	"github.com/meridian/loyalty-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Ledger    *ledger.Ledger
	Sweeper   *ledger.Sweeper
	Exchanger *privilege.Exchanger
	Auth      *Auth
	Log       *logrus.Logger
}

// NewHandler wires a handler over the store and engine components.
func NewHandler(store *sqlite.Store, l *ledger.Ledger, sw *ledger.Sweeper, ex *privilege.Exchanger, auth *Auth, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		Store:     store,
		Ledger:    l,
		Sweeper:   sw,
		Exchanger: ex,
		Auth:      auth,
		Log:       log,
	}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Login validates credentials and returns a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	member, err := h.Store.MemberByEmail(r.Context(), req.Email)
	if err != nil || !member.Active || !CheckPassword(member.PasswordHash, req.Password) {
		// One message for every failure mode: don't leak which part was wrong.
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	token, err := h.Auth.IssueToken(string(member.ID), member.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Member: toMemberDTO(member)})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members. Admin only.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list members", err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMember registers a new member. Admin only.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password are required", nil)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	role := req.Role
	if role == "" {
		role = "member"
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	record := sqlite.MemberRecord{
		ID:           ledger.MemberID(id),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := h.Store.SaveMember(r.Context(), record); err != nil {
		writeError(w, http.StatusConflict, "Failed to create member", err)
		return
	}

	writeJSON(w, http.StatusCreated, toMemberDTO(record))
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canAccessMember(r.Context(), id) {
		writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}

	member, err := h.Store.MemberByID(r.Context(), ledger.MemberID(id))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// GetBalance returns the member's available balance and breakdown.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canAccessMember(r.Context(), id) {
		writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}

	memberID := ledger.MemberID(id)
	available, err := h.Ledger.Balance(r.Context(), memberID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	breakdown, err := h.Ledger.Breakdown(r.Context(), memberID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		MemberID:       id,
		Available:      available,
		TotalEarned:    breakdown.TotalEarned,
		TotalDeducted:  breakdown.TotalDeducted,
		TotalExpired:   breakdown.TotalExpired,
		TotalExchanged: breakdown.TotalExchanged,
		AsOf:           time.Now().Format(time.RFC3339),
	})
}

// GetHistory returns every batch row for the member, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canAccessMember(r.Context(), id) {
		writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}

	batches, err := h.Ledger.History(r.Context(), ledger.MemberID(id))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

// GetGrants returns the member's privilege grants, newest first.
func (h *Handler) GetGrants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canAccessMember(r.Context(), id) {
		writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}

	grants, err := h.Store.GrantsByMember(r.Context(), ledger.MemberID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load grants", err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAudit returns the member's point audit trail. Admin only.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.Store.PointAuditByMember(r.Context(), ledger.MemberID(id), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// EarnPoints credits a member with a new earned batch. Admin only.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	opts := ledger.EarnOptions{ExpirationDays: req.ExpirationDays}
	if req.Multiplier != "" {
		m, err := decimal.NewFromString(req.Multiplier)
		if err != nil || m.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid multiplier", err)
			return
		}
		opts.Multiplier = m
	}

	batch, err := h.Ledger.AddPoints(r.Context(), ledger.MemberID(id), req.Amount, req.Description, opts)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(batch))
}

// AdjustPoints applies a manual negative adjustment. Admin only.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	draws, err := h.Ledger.AdminAdjust(r.Context(), ledger.MemberID(id), req.Amount, req.Reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := ConsumeResponse{MemberID: id, Amount: req.Amount, Draws: make([]DrawDTO, len(draws))}
	for i, d := range draws {
		resp.Draws[i] = DrawDTO{BatchID: string(d.BatchID), Amount: d.Amount}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Exchange spends points for a privilege grant.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !canAccessMember(r.Context(), id) {
		writeError(w, http.StatusForbidden, "Access denied", nil)
		return
	}

	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PrivilegeID == "" {
		writeError(w, http.StatusBadRequest, "privilege_id is required", nil)
		return
	}

	result, err := h.Exchanger.Exchange(r.Context(), ledger.MemberID(id), privilege.PrivilegeID(req.PrivilegeID))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	resp := ExchangeResponse{
		GrantID:        string(result.GrantID),
		PrivilegeID:    string(result.PrivilegeID),
		PointsDeducted: result.PointsDeducted,
		ExchangedAt:    result.ExchangedAt.Format(time.RFC3339),
	}
	if result.ExpiresAt != nil {
		resp.ExpiresAt = result.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// PRIVILEGE HANDLERS
// =============================================================================

// ListPrivileges returns the catalog. Members see only active entries;
// admins may pass ?all=true for the full catalog.
func (h *Handler) ListPrivileges(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if r.URL.Query().Get("all") == "true" {
		if claims, ok := ClaimsFrom(r.Context()); ok && claims.IsAdmin() {
			activeOnly = false
		}
	}

	privileges, err := h.Store.ListPrivileges(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list privileges", err)
		return
	}

	dtos := make([]PrivilegeDTO, len(privileges))
	for i, p := range privileges {
		dtos[i] = toPrivilegeDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPrivilege returns a single catalog entry.
func (h *Handler) GetPrivilege(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.Store.PrivilegeByID(r.Context(), privilege.PrivilegeID(id))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrivilegeDTO(p))
}

// CreatePrivilege adds a catalog entry. Admin only.
func (h *Handler) CreatePrivilege(w http.ResponseWriter, r *http.Request) {
	var req SavePrivilegeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.PointCost <= 0 {
		writeError(w, http.StatusBadRequest, "name and a positive point_cost are required", nil)
		return
	}

	now := time.Now()
	p := privilege.Privilege{
		ID:           privilege.PrivilegeID(uuid.NewString()),
		Name:         req.Name,
		Description:  req.Description,
		PointCost:    req.PointCost,
		IsActive:     req.IsActive,
		ValidityDays: req.ValidityDays,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.CreatePrivilege(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create privilege", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrivilegeDTO(p))
}

// UpdatePrivilege updates a catalog entry. Admin only.
func (h *Handler) UpdatePrivilege(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SavePrivilegeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.PointCost <= 0 {
		writeError(w, http.StatusBadRequest, "name and a positive point_cost are required", nil)
		return
	}

	existing, err := h.Store.PrivilegeByID(r.Context(), privilege.PrivilegeID(id))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.PointCost = req.PointCost
	existing.IsActive = req.IsActive
	existing.ValidityDays = req.ValidityDays
	existing.UpdatedAt = time.Now()

	if err := h.Store.UpdatePrivilege(r.Context(), existing); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrivilegeDTO(existing))
}

// =============================================================================
// SWEEP HANDLERS (admin)
// =============================================================================

// TriggerSweep runs an expiration sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sweeper.Sweep(r.Context(), time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(result))
}

// ListSweepRuns returns recent scheduler executions.
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListExpiring returns batches whose points expire within the next N days
// (default 7).
func (h *Handler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	batches, err := h.Sweeper.CheckExpiringWithin(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load expiring batches", err)
		return
	}

	dtos := make([]ExpiringBatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = ExpiringBatchDTO{
			BatchID:   string(b.ID),
			MemberID:  string(b.MemberID),
			Remaining: b.Remaining,
			ExpiresAt: b.ExpiresAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeEngineError translates engine error kinds to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)

	case errors.Is(err, ledger.ErrInsufficientBalance):
		var ib *ledger.InsufficientBalanceError
		resp := ErrorResponse{Error: "Insufficient balance", Code: "insufficient_balance"}
		if errors.As(err, &ib) {
			resp.Details = map[string]int64{"required": ib.Required, "available": ib.Available}
		}
		writeJSON(w, http.StatusConflict, resp)

	case errors.Is(err, ledger.ErrAlreadyOwned):
		var ao *privilege.AlreadyOwnedError
		resp := ErrorResponse{Error: "Privilege already owned", Code: "already_owned"}
		if errors.As(err, &ao) && ao.ExpiresAt != nil {
			resp.Details = map[string]string{"current_grant_expires_at": ao.ExpiresAt.Format(time.RFC3339)}
		}
		writeJSON(w, http.StatusConflict, resp)

	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Concurrent modification, please retry", nil)

	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)

	default:
		h.Log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

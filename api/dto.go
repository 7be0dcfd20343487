/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/meridian/loyalty-engine/ledger"
	"github.com/meridian/loyalty-engine/privilege"
	"github.com/meridian/loyalty-engine/store/sqlite"
)

// =============================================================================
// AUTH
// =============================================================================

// LoginRequest is the request to obtain a bearer token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token and the member it belongs to.
type LoginResponse struct {
	Token  string    `json:"token"`
	Member MemberDTO `json:"member"`
}

// =============================================================================
// MEMBERS
// =============================================================================

// MemberDTO represents a member in API responses. The password hash never
// leaves the store layer.
type MemberDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateMemberRequest is the request to register a member.
type CreateMemberRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// =============================================================================
// POINTS
// =============================================================================

// BalanceDTO is the member's spendable balance with its per-kind breakdown.
type BalanceDTO struct {
	MemberID       string `json:"member_id"`
	Available      int64  `json:"available"`
	TotalEarned    int64  `json:"total_earned"`
	TotalDeducted  int64  `json:"total_deducted"`
	TotalExpired   int64  `json:"total_expired"`
	TotalExchanged int64  `json:"total_exchanged"`
	AsOf           string `json:"as_of"`
}

// BatchDTO represents one ledger row.
type BatchDTO struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	Amount      int64  `json:"amount"`
	Remaining   int64  `json:"remaining"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	IsExpired   bool   `json:"is_expired"`
	CreatedAt   string `json:"created_at"`
}

// EarnRequest is the request to credit points.
type EarnRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	ExpirationDays int    `json:"expiration_days,omitempty"`
	// Multiplier is an optional campaign earn rate such as "1.5".
	Multiplier string `json:"multiplier,omitempty"`
}

// AdjustRequest is the request for a manual negative adjustment.
type AdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// DrawDTO records how much a consumption took from one batch.
type DrawDTO struct {
	BatchID string `json:"batch_id"`
	Amount  int64  `json:"amount"`
}

// ConsumeResponse summarizes a completed deduction.
type ConsumeResponse struct {
	MemberID string    `json:"member_id"`
	Amount   int64     `json:"amount"`
	Draws    []DrawDTO `json:"draws"`
}

// =============================================================================
// PRIVILEGES
// =============================================================================

// PrivilegeDTO represents a catalog entry.
type PrivilegeDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	PointCost    int64  `json:"point_cost"`
	IsActive     bool   `json:"is_active"`
	ValidityDays int    `json:"validity_days"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// SavePrivilegeRequest creates or updates a catalog entry.
type SavePrivilegeRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	PointCost    int64  `json:"point_cost"`
	IsActive     bool   `json:"is_active"`
	ValidityDays int    `json:"validity_days"`
}

// GrantDTO represents a privilege grant.
type GrantDTO struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	PrivilegeID string `json:"privilege_id"`
	PointsSpent int64  `json:"points_spent"`
	GrantedAt   string `json:"granted_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Status      string `json:"status"`
}

// ExchangeRequest is the request to exchange points for a privilege.
type ExchangeRequest struct {
	PrivilegeID string `json:"privilege_id"`
}

// ExchangeResponse summarizes a completed exchange.
type ExchangeResponse struct {
	GrantID        string `json:"grant_id"`
	PrivilegeID    string `json:"privilege_id"`
	PointsDeducted int64  `json:"points_deducted"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	ExchangedAt    string `json:"exchanged_at"`
}

// =============================================================================
// SWEEPS
// =============================================================================

// SweepResultDTO summarizes one sweep execution.
type SweepResultDTO struct {
	TotalPointsExpired int64    `json:"total_points_expired"`
	MembersAffected    int      `json:"members_affected"`
	BatchIDs           []string `json:"batch_ids"`
	Errors             []string `json:"errors,omitempty"`
}

// SweepRunDTO represents a recorded scheduler execution.
type SweepRunDTO struct {
	ID              string `json:"id"`
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
	Status          string `json:"status"`
	BatchesExpired  int    `json:"batches_expired"`
	PointsExpired   int64  `json:"points_expired"`
	MembersAffected int    `json:"members_affected"`
	Error           string `json:"error,omitempty"`
}

// ExpiringBatchDTO is one entry of the expiring-soon report.
type ExpiringBatchDTO struct {
	BatchID   string `json:"batch_id"`
	MemberID  string `json:"member_id"`
	Remaining int64  `json:"remaining"`
	ExpiresAt string `json:"expires_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toMemberDTO(m sqlite.MemberRecord) MemberDTO {
	return MemberDTO{
		ID:        string(m.ID),
		Name:      m.Name,
		Email:     m.Email,
		Role:      m.Role,
		Active:    m.Active,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

func toBatchDTO(b ledger.PointBatch) BatchDTO {
	dto := BatchDTO{
		ID:          string(b.ID),
		MemberID:    string(b.MemberID),
		Amount:      b.Amount,
		Remaining:   b.Remaining,
		Kind:        string(b.Kind),
		Description: b.Description,
		IsExpired:   b.IsExpired,
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
	}
	if b.ExpiresAt != nil {
		dto.ExpiresAt = b.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toBatchDTOs(batches []ledger.PointBatch) []BatchDTO {
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	return dtos
}

func toPrivilegeDTO(p privilege.Privilege) PrivilegeDTO {
	return PrivilegeDTO{
		ID:           string(p.ID),
		Name:         p.Name,
		Description:  p.Description,
		PointCost:    p.PointCost,
		IsActive:     p.IsActive,
		ValidityDays: p.ValidityDays,
		CreatedAt:    p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    p.UpdatedAt.Format(time.RFC3339),
	}
}

func toGrantDTO(g privilege.Grant) GrantDTO {
	dto := GrantDTO{
		ID:          string(g.ID),
		MemberID:    string(g.MemberID),
		PrivilegeID: string(g.PrivilegeID),
		PointsSpent: g.PointsSpent,
		GrantedAt:   g.GrantedAt.Format(time.RFC3339),
		Status:      string(g.Status),
	}
	if g.ExpiresAt != nil {
		dto.ExpiresAt = g.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

func toSweepResultDTO(r ledger.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		TotalPointsExpired: r.TotalPointsExpired,
		MembersAffected:    r.MembersAffected,
		BatchIDs:           make([]string, len(r.BatchIDs)),
	}
	for i, id := range r.BatchIDs {
		dto.BatchIDs[i] = string(id)
	}
	for _, err := range r.Errors {
		dto.Errors = append(dto.Errors, err.Error())
	}
	return dto
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:              r.ID,
		StartedAt:       r.StartedAt.Format(time.RFC3339),
		Status:          r.Status,
		BatchesExpired:  r.BatchesExpired,
		PointsExpired:   r.PointsExpired,
		MembersAffected: r.MembersAffected,
		Error:           r.Error,
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

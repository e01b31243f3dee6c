/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  reserve domain types. Reservation times use the "YYYY-MM-DD HH:MM" wire
  format on the way in and out; audit timestamps are RFC 3339.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/reserve"
)

// =============================================================================
// AUTH
// =============================================================================

type RegisterRequest struct {
	Username       string `json:"username"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	ManagerID      string `json:"manager_id,omitempty"`
	InitialBalance int64  `json:"initial_balance,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   string     `json:"expires_at"`
	Account     AccountDTO `json:"account"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO never carries the password hash.
type AccountDTO struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	ManagerID string `json:"manager_id,omitempty"`
	Balance   *int64 `json:"balance,omitempty"`
	CreatedAt string `json:"created_at"`
}

type UpdateProfileRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

func toAccountDTO(a reserve.Account) AccountDTO {
	dto := AccountDTO{
		ID:        string(a.ID),
		Role:      string(a.Kind),
		Username:  a.Username,
		Email:     a.Email,
		ManagerID: string(a.ManagerID),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.IsManager() {
		bal := a.Balance.Int64()
		dto.Balance = &bal
	}
	return dto
}

func toAccountDTOs(as []reserve.Account) []AccountDTO {
	out := make([]AccountDTO, len(as))
	for i, a := range as {
		out[i] = toAccountDTO(a)
	}
	return out
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookRequest struct {
	SeatID    string `json:"seat_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type ReservationDTO struct {
	ReservationID string  `json:"reservation_id"`
	SeatID        string  `json:"seat_id"`
	EmployeeID    string  `json:"employee_id"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Status        string  `json:"status"`
	Charged       int64   `json:"charged"`
	CreatedAt     string  `json:"created_at"`
	CanceledAt    *string `json:"canceled_at,omitempty"`
}

func toReservationDTO(r reserve.Reservation) ReservationDTO {
	dto := ReservationDTO{
		ReservationID: string(r.ID),
		SeatID:        string(r.SeatID),
		EmployeeID:    string(r.EmployeeID),
		StartTime:     r.Window.Start.Format(reserve.WindowLayout),
		EndTime:       r.Window.End.Format(reserve.WindowLayout),
		Status:        string(r.Status),
		Charged:       r.Charged.Int64(),
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.CanceledAt != nil {
		at := r.CanceledAt.UTC().Format(time.RFC3339)
		dto.CanceledAt = &at
	}
	return dto
}

func toReservationDTOs(rs []reserve.Reservation) []ReservationDTO {
	out := make([]ReservationDTO, len(rs))
	for i, r := range rs {
		out[i] = toReservationDTO(r)
	}
	return out
}

// =============================================================================
// SEATS
// =============================================================================

type SeatDTO struct {
	ID         string `json:"id"`
	SeatNumber int    `json:"seat_number"`
	Status     string `json:"status"`
}

type SeatDetailDTO struct {
	SeatID       string           `json:"seat_id"`
	SeatNumber   int              `json:"seat_number"`
	Status       string           `json:"status"`
	Reservations []ReservationDTO `json:"reservations"`
}

func toSeatDTOs(seats []catalog.SeatAvailability) []SeatDTO {
	out := make([]SeatDTO, len(seats))
	for i, s := range seats {
		out[i] = SeatDTO{ID: string(s.ID), SeatNumber: s.Number, Status: string(s.Status)}
	}
	return out
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	ManagerID      string `json:"manager_id"`
	Balance        int64  `json:"balance"`
	InitialBalance int64  `json:"initial_balance"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	ManagerID   string `json:"manager_id"`
	EmployeeID  string `json:"employee_id"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	ReferenceID string `json:"reference_id"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at"`
}

func toTransactionDTOs(txs []reserve.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:          string(tx.ID),
			ManagerID:   string(tx.ManagerID),
			EmployeeID:  string(tx.EmployeeID),
			Amount:      tx.Amount.Int64(),
			Kind:        string(tx.Kind),
			ReferenceID: string(tx.ReferenceID),
			Reason:      tx.Reason,
			CreatedAt:   tx.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}

type UsageDTO struct {
	EmployeeID string `json:"employee_id"`
	Day        string `json:"day"`
	Used       int64  `json:"used"`
	Cap        int64  `json:"cap"`
	Remaining  int64  `json:"remaining"`
}

type DiscrepancyDTO struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

type ReconciliationDTO struct {
	CheckedAt     string           `json:"checked_at"`
	OK            bool             `json:"ok"`
	Managers      int              `json:"managers"`
	Reservations  int              `json:"reservations"`
	Transactions  int              `json:"transactions"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

func toReconciliationDTO(r reserve.ReconciliationReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		CheckedAt:     r.CheckedAt.Format(time.RFC3339),
		OK:            r.OK(),
		Managers:      r.Managers,
		Reservations:  r.Reservations,
		Transactions:  r.Transactions,
		Discrepancies: make([]DiscrepancyDTO, len(r.Discrepancies)),
	}
	for i, d := range r.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{Kind: string(d.Kind), Subject: d.Subject, Detail: d.Detail}
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioResultDTO struct {
	ScenarioID   string       `json:"scenario_id"`
	Password     string       `json:"password"`
	Accounts     []AccountDTO `json:"accounts"`
	SeatsCreated int          `json:"seats_created"`
	Reservations int          `json:"reservations"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

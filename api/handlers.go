/*
handlers.go - HTTP API handlers for seat reservations and the BluDollar ledger

PURPOSE:
  Exposes the reservation engine, the seat catalog and the identity service
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Auth (public):
    POST   /api/auth/register              Register an employee or manager
    POST   /api/auth/login                 Exchange credentials for a token

  Seats:
    GET    /api/seats                      Availability for ?start_time&end_time&filter
    GET    /api/seats/{id}                 Seat with its reservations

  Bookings (employees):
    POST   /api/bookings                   Book a seat
    PUT    /api/bookings/{id}/cancel       Cancel an own reservation
    GET    /api/bookings                   Own reservations

  Users:
    GET    /api/users                      List, optionally ?role=
    GET    /api/users/search               Search by ?q=
    GET    /api/users/{id}                 Account details
    PUT    /api/users/{id}                 Update own profile

  Ledger:
    GET    /api/managers/{id}/balance      Manager balance (self)
    GET    /api/managers/{id}/transactions Manager ledger (self)
    GET    /api/employees/{id}/usage       Daily usage (self or sponsor)
    GET    /api/admin/reconciliation       Run a ledger audit (managers)

ERROR HANDLING:
  Domain errors are mapped by statusFor and written as
  {"error": "...", "details": "..."}:
  - 400: Invalid window, invalid input, invalid role
  - 401: Missing or invalid token, bad credentials
  - 403: Wrong role, acting on someone else's account
  - 404: Unknown seat/account/reservation, foreign or canceled reservation
  - 409: Seat conflict, email already registered
  - 422: Daily cap exceeded, insufficient funds, too late to cancel
  - 503: Storage failure (safe to retry)

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Authentication and role checks
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/logging"
	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *reserve.Engine
	Store     store.Backend
	Identity  *identity.Service
	Catalog   *catalog.Catalog
	Scheduler *ReconciliationScheduler

	Now func() time.Time
	Log zerolog.Logger

	// Checks are probed by /readyz in addition to the store.
	Checks []ReadinessCheck

	// ScenarioPassword is given to every account a demo scenario creates.
	ScenarioPassword string
}

// NewHandler creates a handler. Scheduler may be set afterwards.
func NewHandler(engine *reserve.Engine, backend store.Backend, ids *identity.Service, seats *catalog.Catalog, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:           engine,
		Store:            backend,
		Identity:         ids,
		Catalog:          seats,
		Now:              time.Now,
		Log:              log.With().Str("component", "api").Logger(),
		ScenarioPassword: "blureserve-demo",
	}
}

func (h *Handler) now() time.Time { return h.Now().UTC() }

// =============================================================================
// AUTH
// =============================================================================

// Register handles POST /api/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acct, err := h.Identity.Register(r.Context(), identity.RegisterInput{
		Username:       req.Username,
		Email:          req.Email,
		Password:       req.Password,
		Role:           req.Role,
		ManagerID:      reserve.AccountID(req.ManagerID),
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		h.respondError(w, r, "Registration failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// Login handles POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tok, acct, err := h.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(w, r, "Login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.ExpiresAt.UTC().Format(time.RFC3339),
		Account:     toAccountDTO(acct),
	})
}

// =============================================================================
// SEATS
// =============================================================================

// ListSeats handles GET /api/seats?start_time=...&end_time=...&filter=available|all
func (h *Handler) ListSeats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := reserve.ParseWindow(q.Get("start_time"), q.Get("end_time"))
	if err != nil {
		h.respondError(w, r, "Invalid time window", err)
		return
	}
	filter, err := catalog.ParseFilter(q.Get("filter"))
	if err != nil {
		h.respondError(w, r, "Invalid filter", err)
		return
	}

	seats, err := h.Catalog.ListSeats(r.Context(), window, filter)
	if err != nil {
		h.respondError(w, r, "Failed to list seats", err)
		return
	}
	writeJSON(w, http.StatusOK, toSeatDTOs(seats))
}

// GetSeat handles GET /api/seats/{id}
func (h *Handler) GetSeat(w http.ResponseWriter, r *http.Request) {
	id := reserve.SeatID(chi.URLParam(r, "id"))

	d, err := h.Catalog.Detail(r.Context(), id, h.now())
	if err != nil {
		h.respondError(w, r, "Seat not available", err)
		return
	}
	writeJSON(w, http.StatusOK, SeatDetailDTO{
		SeatID:       string(d.ID),
		SeatNumber:   d.Number,
		Status:       string(d.Status),
		Reservations: toReservationDTOs(d.Reservations),
	})
}

// =============================================================================
// BOOKINGS
// =============================================================================

// Book handles POST /api/bookings
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var req BookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SeatID == "" {
		writeError(w, http.StatusBadRequest, "seat_id is required", nil)
		return
	}

	res, err := h.Engine.Book(r.Context(), p.AccountID, reserve.SeatID(req.SeatID), req.StartTime, req.EndTime)
	if err != nil {
		h.respondError(w, r, "Booking failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// CancelBooking handles PUT /api/bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := reserve.ReservationID(chi.URLParam(r, "id"))

	if err := h.Engine.Cancel(r.Context(), id, p.AccountID); err != nil {
		h.respondError(w, r, "Cancellation failed", err)
		return
	}

	res, err := h.Store.Reservation(r.Context(), id)
	if err != nil {
		// The cancellation committed; only the read-back failed.
		writeJSON(w, http.StatusOK, map[string]string{
			"reservation_id": string(id),
			"status":         string(reserve.StatusCanceled),
		})
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// ListBookings handles GET /api/bookings?status=RESERVED|CANCELED
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	filter := reserve.ReservationFilter{EmployeeID: p.AccountID}
	if s := r.URL.Query().Get("status"); s != "" {
		status := reserve.ReservationStatus(strings.ToUpper(s))
		if status != reserve.StatusReserved && status != reserve.StatusCanceled {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", s))
			return
		}
		filter.Status = status
	}

	rs, err := h.Store.ListReservations(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, "Failed to list bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(rs))
}

// =============================================================================
// USERS
// =============================================================================

// ListUsers handles GET /api/users?role=EMPLOYEE|MANAGER
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Identity.ListAccounts(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		h.respondError(w, r, "Failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accts))
}

// SearchUsers handles GET /api/users/search?q=
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Identity.SearchAccounts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.respondError(w, r, "Search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accts))
}

// GetUser handles GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := reserve.AccountID(chi.URLParam(r, "id"))

	acct, err := h.Identity.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "User not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// UpdateUser handles PUT /api/users/{id}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := reserve.AccountID(chi.URLParam(r, "id"))

	var req UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acct, err := h.Identity.UpdateProfile(r.Context(), p, id, identity.ProfileInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.respondError(w, r, "Profile update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// LEDGER
// =============================================================================

// GetBalance handles GET /api/managers/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selfManager(w, r)
	if !ok {
		return
	}

	acct, err := h.Store.Account(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ManagerID:      string(acct.ID),
		Balance:        acct.Balance.Int64(),
		InitialBalance: acct.InitialBalance.Int64(),
	})
}

// GetTransactions handles GET /api/managers/{id}/transactions?employee_id=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selfManager(w, r)
	if !ok {
		return
	}

	filter := reserve.TransactionFilter{
		ManagerID:  id,
		EmployeeID: reserve.AccountID(r.URL.Query().Get("employee_id")),
	}
	txs, err := h.Store.Transactions(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetUsage handles GET /api/employees/{id}/usage?day=YYYY-MM-DD
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	id := reserve.AccountID(chi.URLParam(r, "id"))

	emp, err := h.Store.Account(r.Context(), id)
	if err == nil && !emp.IsEmployee() {
		err = &reserve.NotFoundError{Kind: "employee", ID: string(id)}
	}
	if err != nil {
		h.respondError(w, r, "Employee not found", err)
		return
	}
	if p.AccountID != emp.ID && p.AccountID != emp.ManagerID {
		writeError(w, http.StatusForbidden, "Only the employee or their sponsor may view usage", identity.ErrForbidden)
		return
	}

	day := reserve.DayOf(h.now())
	if s := r.URL.Query().Get("day"); s != "" {
		if day, err = reserve.ParseDay(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid day", err)
			return
		}
	}

	usage, err := reserve.UsageOn(r.Context(), h.Store, h.Engine.Policy(), id, day)
	if err != nil {
		h.respondError(w, r, "Failed to load usage", err)
		return
	}
	writeJSON(w, http.StatusOK, UsageDTO{
		EmployeeID: string(usage.EmployeeID),
		Day:        usage.Day.String(),
		Used:       usage.Used.Int64(),
		Cap:        usage.Cap.Int64(),
		Remaining:  usage.Remaining.Int64(),
	})
}

// Reconcile handles GET /api/admin/reconciliation
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var (
		report reserve.ReconciliationReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = reserve.Reconcile(r.Context(), h.Store, h.now())
	}
	if err != nil {
		h.respondError(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// selfManager resolves {id} and checks that the caller is that manager.
func (h *Handler) selfManager(w http.ResponseWriter, r *http.Request) (reserve.AccountID, bool) {
	p := principalFrom(r.Context())
	id := reserve.AccountID(chi.URLParam(r, "id"))
	if !p.IsManager() || p.AccountID != id {
		writeError(w, http.StatusForbidden, "Managers may only view their own ledger", identity.ErrForbidden)
		return "", false
	}
	return id, true
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reserve.ErrUnauthorized),
		errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, identity.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, reserve.ErrInvalidWindow),
		errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, identity.ErrInvalidRole),
		errors.Is(err, catalog.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, reserve.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reserve.ErrConflict),
		errors.Is(err, identity.ErrEmailTaken),
		errors.Is(err, reserve.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, reserve.ErrCapExceeded),
		errors.Is(err, reserve.ErrInsufficientFunds),
		errors.Is(err, reserve.ErrTooLate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reserve.ErrStorageFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Server-side failures are
// logged and their details withheld from the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log := logging.FromContext(r.Context())
		if log.GetLevel() == zerolog.Disabled {
			log = &h.Log
		}
		log.Error().Err(err).Str("outcome", reserve.Outcome(err)).Msg(message)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

/*
handlers_test.go - HTTP tests for the API

Tests for:
- Registration, login and token enforcement
- Booking and cancellation through the router, with ledger reads
- Error status mapping for every rejection
- Role and ownership checks on ledger routes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/metrics"
	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store/memory"
)

// =============================================================================
// TEST SERVER
// =============================================================================

type testServer struct {
	t       *testing.T
	now     time.Time
	store   *memory.Store
	handler *Handler
	router  http.Handler
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:     t,
		now:   time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		store: memory.New(),
	}
	clock := func() time.Time { return ts.now }

	tokens, err := identity.NewJWTProvider("test-secret", 90*time.Minute)
	require.NoError(t, err)
	tokens = tokens.WithClock(clock)
	ids := identity.NewService(ts.store, tokens,
		identity.WithBcryptCost(bcrypt.MinCost),
		identity.WithServiceClock(clock),
	)

	seats := catalog.New(ts.store, zerolog.Nop())
	_, err = seats.Seed(context.Background(), 5)
	require.NoError(t, err)

	ts.metrics = metrics.New()
	engine, err := reserve.NewEngine(ts.store, seats, reserve.DefaultPolicy(),
		reserve.WithClock(clock),
		reserve.WithRecorder(ts.metrics),
	)
	require.NoError(t, err)

	ts.handler = NewHandler(engine, ts.store, ids, seats, zerolog.Nop())
	ts.handler.Now = clock
	ts.router = NewRouter(ts.handler, RouterOptions{
		Logger:          zerolog.Nop(),
		EnableScenarios: true,
		Metrics:         ts.metrics,
	})
	return ts
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) register(role, email, managerID string, balance int64) AccountDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username:       email,
		Email:          email,
		Password:       "pw-" + email,
		Role:           role,
		ManagerID:      managerID,
		InitialBalance: balance,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AccountDTO](ts.t, rec)
}

func (ts *testServer) login(email string) string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: "pw-" + email})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[TokenResponse](ts.t, rec).AccessToken
}

// team registers one manager and one employee and logs both in.
type team struct {
	manager, employee           AccountDTO
	managerToken, employeeToken string
}

func (ts *testServer) team(balance int64) team {
	mgr := ts.register("MANAGER", "boss@example.com", "", balance)
	emp := ts.register("EMPLOYEE", "worker@example.com", mgr.ID, 0)
	return team{
		manager:       mgr,
		employee:      emp,
		managerToken:  ts.login("boss@example.com"),
		employeeToken: ts.login("worker@example.com"),
	}
}

func (ts *testServer) book(token, seat, start, end string) *httptest.ResponseRecorder {
	return ts.do(http.MethodPost, "/api/bookings", token, BookRequest{SeatID: seat, StartTime: start, EndTime: end})
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_RegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)

	mgr := ts.register("manager", "boss@example.com", "", 100)
	require.NotNil(t, mgr.Balance)
	assert.Equal(t, int64(100), *mgr.Balance)
	assert.Equal(t, "MANAGER", mgr.Role)

	emp := ts.register("EMPLOYEE", "worker@example.com", mgr.ID, 0)
	assert.Equal(t, mgr.ID, emp.ManagerID)
	assert.Nil(t, emp.Balance)

	rec := ts.do(http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "worker@example.com", Password: "pw-worker@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[TokenResponse](t, rec)
	assert.Equal(t, "bearer", tok.TokenType)
	assert.Equal(t, emp.ID, tok.Account.ID)
	assert.NotEmpty(t, tok.AccessToken)
}

func TestAuth_Rejections(t *testing.T) {
	ts := newTestServer(t)
	mgr := ts.register("MANAGER", "boss@example.com", "", 100)

	tests := []struct {
		name string
		body RegisterRequest
		want int
	}{
		{"duplicate email", RegisterRequest{Username: "b", Email: "BOSS@example.com", Password: "x", Role: "MANAGER"}, http.StatusConflict},
		{"unknown role", RegisterRequest{Username: "a", Email: "a@example.com", Password: "x", Role: "ADMIN"}, http.StatusBadRequest},
		{"bad email", RegisterRequest{Username: "a", Email: "not-an-email", Password: "x", Role: "MANAGER"}, http.StatusBadRequest},
		{"employee without manager", RegisterRequest{Username: "a", Email: "a@example.com", Password: "x", Role: "EMPLOYEE"}, http.StatusBadRequest},
		{"employee with unknown manager", RegisterRequest{Username: "a", Email: "a@example.com", Password: "x", Role: "EMPLOYEE", ManagerID: "nobody"}, http.StatusNotFound},
		{"employee sponsored by ok manager", RegisterRequest{Username: "a", Email: "a@example.com", Password: "x", Role: "EMPLOYEE", ManagerID: mgr.ID}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/auth/register", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "boss@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{"username": "x", "bogus": 1}`))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth_ProtectedRoutesNeedToken(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/seats", "/api/bookings", "/api/users", "/api/admin/reconciliation"} {
		rec := ts.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

		rec = ts.do(http.MethodGet, path, "garbage.token.value", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	// Tokens expire.
	tm := ts.team(100)
	ts.now = ts.now.Add(2 * time.Hour)
	rec := ts.do(http.MethodGet, "/api/bookings", tm.employeeToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestBooking_BookCancelAndLedgerReads(t *testing.T) {
	// GIVEN: A manager with 100 BluDollars sponsoring one employee
	ts := newTestServer(t)
	tm := ts.team(100)

	// WHEN: The employee books seat-1 tomorrow morning
	rec := ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")

	// THEN: The reservation is created and the manager pays 5
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ReservationDTO](t, rec)
	assert.NotEmpty(t, res.ReservationID)
	assert.Equal(t, "RESERVED", res.Status)
	assert.Equal(t, int64(5), res.Charged)
	assert.Equal(t, "2025-03-11 10:00", res.StartTime)

	rec = ts.do(http.MethodGet, "/api/managers/"+tm.manager.ID+"/balance", tm.managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, BalanceDTO{ManagerID: tm.manager.ID, Balance: 95, InitialBalance: 100}, decode[BalanceDTO](t, rec))

	rec = ts.do(http.MethodGet, "/api/employees/"+tm.employee.ID+"/usage?day=2025-03-10", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, UsageDTO{EmployeeID: tm.employee.ID, Day: "2025-03-10", Used: 5, Cap: 20, Remaining: 15}, decode[UsageDTO](t, rec))

	// The seat shows as reserved for an overlapping window only.
	rec = ts.do(http.MethodGet, "/api/seats?filter=all&start_time=2025-03-11%2011:00&end_time=2025-03-11%2013:00", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	seats := decode[[]SeatDTO](t, rec)
	require.Len(t, seats, 5)
	assert.Equal(t, "RESERVED", seats[0].Status)
	assert.Equal(t, "AVAILABLE", seats[1].Status)

	rec = ts.do(http.MethodGet, "/api/seats?start_time=2025-03-11%2012:00&end_time=2025-03-11%2013:00", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SeatDTO](t, rec), 5, "back-to-back window is free")

	// WHEN: The employee cancels a few minutes later
	ts.now = ts.now.Add(5 * time.Minute)
	rec = ts.do(http.MethodPut, "/api/bookings/"+res.ReservationID+"/cancel", tm.employeeToken, nil)

	// THEN: The reservation is canceled and the ledger is whole again
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	canceled := decode[ReservationDTO](t, rec)
	assert.Equal(t, "CANCELED", canceled.Status)
	require.NotNil(t, canceled.CanceledAt)

	rec = ts.do(http.MethodGet, "/api/managers/"+tm.manager.ID+"/transactions", tm.managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(-5), txs[0].Amount)
	assert.Equal(t, "RESERVATION", txs[0].Kind)
	assert.Equal(t, int64(5), txs[1].Amount)
	assert.Equal(t, "CANCELLATION", txs[1].Kind)
	assert.Equal(t, res.ReservationID, txs[1].ReferenceID)

	rec = ts.do(http.MethodGet, "/api/bookings?status=canceled", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ReservationDTO](t, rec), 1)

	rec = ts.do(http.MethodGet, "/api/admin/reconciliation", tm.managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ReconciliationDTO](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Reservations)
	assert.Equal(t, 2, report.Transactions)
}

func TestBooking_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(12)

	ts.register("EMPLOYEE", "other@example.com", tm.manager.ID, 0)
	otherToken := ts.login("other@example.com")

	first := ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
	require.Equal(t, http.StatusCreated, first.Code)
	firstID := decode[ReservationDTO](t, first).ReservationID

	tests := []struct {
		name  string
		token string
		seat  string
		start string
		end   string
		want  int
		errIs string
	}{
		{"inverted window", tm.employeeToken, "seat-2", "2025-03-11 12:00", "2025-03-11 10:00", http.StatusBadRequest, "Booking failed"},
		{"malformed time", tm.employeeToken, "seat-2", "2025-03-11T10:00", "2025-03-11 12:00", http.StatusBadRequest, "Booking failed"},
		{"unknown seat", tm.employeeToken, "seat-99", "2025-03-11 10:00", "2025-03-11 12:00", http.StatusNotFound, "Booking failed"},
		{"overlap", otherToken, "seat-1", "2025-03-11 11:00", "2025-03-11 13:00", http.StatusConflict, "Booking failed"},
		{"manager cannot book", tm.managerToken, "seat-2", "2025-03-11 10:00", "2025-03-11 12:00", http.StatusForbidden, "Requires role EMPLOYEE"},
		{"second booking ok", otherToken, "seat-2", "2025-03-11 10:00", "2025-03-11 12:00", http.StatusCreated, ""},
		{"funds exhausted", tm.employeeToken, "seat-3", "2025-03-11 10:00", "2025-03-11 12:00", http.StatusUnprocessableEntity, "Booking failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.book(tt.token, tt.seat, tt.start, tt.end)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.errIs != "" {
				assert.Equal(t, tt.errIs, decode[ErrorResponse](t, rec).Error)
			}
		})
	}

	// Cancellation errors.
	rec := ts.do(http.MethodPut, "/api/bookings/"+firstID+"/cancel", otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "someone else's reservation")

	rec = ts.do(http.MethodPut, "/api/bookings/nope/cancel", tm.employeeToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.now = time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	rec = ts.do(http.MethodPut, "/api/bookings/"+firstID+"/cancel", tm.employeeToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the original token has expired")

	fresh := ts.login("worker@example.com")
	rec = ts.do(http.MethodPut, "/api/bookings/"+firstID+"/cancel", fresh, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "inside the cancellation lead time")
}

func TestBooking_DailyCap(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)

	for i, seat := range []string{"seat-1", "seat-2", "seat-3", "seat-4"} {
		rec := ts.book(tm.employeeToken, seat, "2025-03-12 10:00", "2025-03-12 11:00")
		require.Equal(t, http.StatusCreated, rec.Code, "booking %d", i+1)
	}

	rec := ts.book(tm.employeeToken, "seat-5", "2025-03-12 10:00", "2025-03-12 11:00")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "daily cap exceeded")

	rec = ts.do(http.MethodGet, "/api/employees/"+tm.employee.ID+"/usage", tm.managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, "the sponsor may read usage")
	assert.Equal(t, int64(0), decode[UsageDTO](t, rec).Remaining)
}

func TestBooking_StorageFailureIsRetryable(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)

	ts.store.Fault = func(op string) error {
		if op == "record_transaction" {
			return errors.New("disk on fire")
		}
		return nil
	}
	rec := ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Empty(t, decode[ErrorResponse](t, rec).Details, "driver details stay server side")

	ts.store.Fault = nil
	rec = ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// =============================================================================
// USERS AND LEDGER ACCESS
// =============================================================================

func TestUsers_LookupsAndSelfService(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)

	rec := ts.do(http.MethodGet, "/api/users?role=employee", tm.managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]AccountDTO](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, tm.employee.ID, users[0].ID)

	rec = ts.do(http.MethodGet, "/api/users?role=robot", tm.managerToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/users/search?q=BOSS", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AccountDTO](t, rec), 1)

	rec = ts.do(http.MethodGet, "/api/users/search", tm.employeeToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/users/"+tm.manager.ID, tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boss@example.com", decode[AccountDTO](t, rec).Email)

	rec = ts.do(http.MethodGet, "/api/users/missing", tm.employeeToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	name := "Renamed"
	rec = ts.do(http.MethodPut, "/api/users/"+tm.employee.ID, tm.employeeToken, UpdateProfileRequest{Username: &name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Renamed", decode[AccountDTO](t, rec).Username)

	rec = ts.do(http.MethodPut, "/api/users/"+tm.manager.ID, tm.employeeToken, UpdateProfileRequest{Username: &name})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	taken := "boss@example.com"
	rec = ts.do(http.MethodPut, "/api/users/"+tm.employee.ID, tm.employeeToken, UpdateProfileRequest{Email: &taken})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLedger_AccessRules(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)
	rival := ts.register("MANAGER", "rival@example.com", "", 50)
	rivalToken := ts.login("rival@example.com")

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{"manager reads own balance", tm.managerToken, "/api/managers/" + tm.manager.ID + "/balance", http.StatusOK},
		{"manager reads other balance", rivalToken, "/api/managers/" + tm.manager.ID + "/balance", http.StatusForbidden},
		{"employee reads sponsor balance", tm.employeeToken, "/api/managers/" + tm.manager.ID + "/balance", http.StatusForbidden},
		{"manager reads other transactions", rivalToken, "/api/managers/" + tm.manager.ID + "/transactions", http.StatusForbidden},
		{"rival reads own transactions", rivalToken, "/api/managers/" + rival.ID + "/transactions", http.StatusOK},
		{"unrelated manager reads usage", rivalToken, "/api/employees/" + tm.employee.ID + "/usage", http.StatusForbidden},
		{"usage of a manager id", tm.managerToken, "/api/employees/" + tm.manager.ID + "/usage", http.StatusNotFound},
		{"usage with bad day", tm.employeeToken, "/api/employees/" + tm.employee.ID + "/usage?day=tomorrow", http.StatusBadRequest},
		{"employee runs reconciliation", tm.employeeToken, "/api/admin/reconciliation", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// SEATS, PROBES, METRICS
// =============================================================================

func TestSeats_DetailAndValidation(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)

	require.Equal(t, http.StatusCreated, ts.book(tm.employeeToken, "seat-3", "2025-03-10 10:00", "2025-03-10 12:00").Code)

	rec := ts.do(http.MethodGet, "/api/seats/seat-3", tm.employeeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[SeatDetailDTO](t, rec)
	assert.Equal(t, 3, d.SeatNumber)
	assert.Equal(t, "AVAILABLE", d.Status, "reservation has not started yet")
	assert.Len(t, d.Reservations, 1)

	ts.now = time.Date(2025, 3, 10, 10, 15, 0, 0, time.UTC)
	rec = ts.do(http.MethodGet, "/api/seats/seat-3", tm.employeeToken, nil)
	assert.Equal(t, "RESERVED", decode[SeatDetailDTO](t, rec).Status)

	rec = ts.do(http.MethodGet, "/api/seats/seat-404", tm.employeeToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/seats?start_time=2025-03-10%2010:00", tm.employeeToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/seats?filter=busy&start_time=2025-03-10%2010:00&end_time=2025-03-10%2011:00", tm.employeeToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	tm := ts.team(100)
	require.Equal(t, http.StatusCreated, ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00").Code)
	require.Equal(t, http.StatusConflict, ts.book(tm.employeeToken, "seat-1", "2025-03-11 10:00", "2025-03-11 12:00").Code)

	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[readinessResponse](t, rec).Checks["store"])

	ts.handler.Checks = []ReadinessCheck{{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }}}
	rec = ts.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", decode[readinessResponse](t, rec).Checks["redis"])

	rec = ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `blureserve_bookings_total{outcome="ok"} 1`)
	assert.Contains(t, body, `blureserve_bookings_total{outcome="conflict"} 1`)
	assert.Contains(t, body, `route="/api/bookings`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{reserve.ErrUnauthorized, http.StatusUnauthorized},
		{identity.ErrInvalidCredentials, http.StatusUnauthorized},
		{identity.ErrForbidden, http.StatusForbidden},
		{&reserve.InvalidWindowError{Reason: "x"}, http.StatusBadRequest},
		{identity.ErrInvalidRole, http.StatusBadRequest},
		{catalog.ErrInvalidFilter, http.StatusBadRequest},
		{&reserve.NotFoundError{Kind: "seat", ID: "s"}, http.StatusNotFound},
		{&reserve.ConflictError{SeatID: "s"}, http.StatusConflict},
		{identity.ErrEmailTaken, http.StatusConflict},
		{&reserve.CapExceededError{}, http.StatusUnprocessableEntity},
		{&reserve.InsufficientFundsError{}, http.StatusUnprocessableEntity},
		{&reserve.TooLateError{}, http.StatusUnprocessableEntity},
		{reserve.Storage("commit", errors.New("io")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

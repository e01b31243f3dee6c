/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with managers,
	employees, seats and reservations that demonstrate specific rules.

AVAILABLE SCENARIOS:

	small-office:  One manager, three employees, a couple of bookings
	busy-day:      Two teams booking morning and afternoon slots
	tight-budget:  A manager whose balance runs out after two bookings

HOW SCENARIOS WORK:
 1. Seed the seat catalog up to the scenario's seat count
 2. Register managers, then their employees (existing emails are reused)
 3. Book tomorrow's reservations through the engine, so every booking is
    charged and recorded in the ledger like a real one

Loading a scenario twice is harmless: accounts are matched by email and
bookings already present are skipped. Nothing is ever deleted.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-day"}

ADDING NEW SCENARIOS:
 1. Add an entry to 'scenarios' with its accounts and bookings
 2. Nothing else: ApplyScenario is data driven

NOTE:

	Only mounted when server.enable_scenarios is set.

SEE ALSO:
  - cmd/seed/main.go: Loads small-office from the command line
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/reserve"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioAccount struct {
	key      string
	username string
	role     reserve.AccountKind
	sponsor  string // key of the sponsoring manager
	balance  int64
}

type scenarioBooking struct {
	employee  string
	seat      int
	startHour int
	hours     int
}

type scenario struct {
	ScenarioDTO
	seats    int
	accounts []scenarioAccount
	bookings []scenarioBooking
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "small-office",
			Name:        "Small Office",
			Description: "One manager with 100 BluDollars sponsoring three employees, two bookings tomorrow",
		},
		seats: 10,
		accounts: []scenarioAccount{
			{key: "maria", username: "Maria Manager", role: reserve.KindManager, balance: 100},
			{key: "alex", username: "Alex", role: reserve.KindEmployee, sponsor: "maria"},
			{key: "sam", username: "Sam", role: reserve.KindEmployee, sponsor: "maria"},
			{key: "jo", username: "Jo", role: reserve.KindEmployee, sponsor: "maria"},
		},
		bookings: []scenarioBooking{
			{employee: "alex", seat: 1, startHour: 9, hours: 4},
			{employee: "sam", seat: 2, startHour: 13, hours: 3},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "busy-day",
			Name:        "Busy Day",
			Description: "Two teams share 20 seats with morning and afternoon slots",
		},
		seats: 20,
		accounts: []scenarioAccount{
			{key: "nora", username: "Nora North", role: reserve.KindManager, balance: 200},
			{key: "omar", username: "Omar South", role: reserve.KindManager, balance: 200},
			{key: "ana", username: "Ana", role: reserve.KindEmployee, sponsor: "nora"},
			{key: "ben", username: "Ben", role: reserve.KindEmployee, sponsor: "nora"},
			{key: "cai", username: "Cai", role: reserve.KindEmployee, sponsor: "nora"},
			{key: "dev", username: "Dev", role: reserve.KindEmployee, sponsor: "omar"},
			{key: "eli", username: "Eli", role: reserve.KindEmployee, sponsor: "omar"},
			{key: "fay", username: "Fay", role: reserve.KindEmployee, sponsor: "omar"},
		},
		bookings: []scenarioBooking{
			{employee: "ana", seat: 1, startHour: 8, hours: 4},
			{employee: "ben", seat: 1, startHour: 12, hours: 4},
			{employee: "cai", seat: 2, startHour: 9, hours: 8},
			{employee: "dev", seat: 3, startHour: 8, hours: 2},
			{employee: "dev", seat: 4, startHour: 14, hours: 2},
			{employee: "eli", seat: 3, startHour: 10, hours: 6},
			{employee: "fay", seat: 5, startHour: 9, hours: 3},
			{employee: "fay", seat: 5, startHour: 13, hours: 3},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "tight-budget",
			Name:        "Tight Budget",
			Description: "A manager with 10 BluDollars: two bookings leave nothing for the third employee",
		},
		seats: 5,
		accounts: []scenarioAccount{
			{key: "tess", username: "Tess Thrifty", role: reserve.KindManager, balance: 10},
			{key: "uma", username: "Uma", role: reserve.KindEmployee, sponsor: "tess"},
			{key: "vic", username: "Vic", role: reserve.KindEmployee, sponsor: "tess"},
			{key: "wen", username: "Wen", role: reserve.KindEmployee, sponsor: "tess"},
		},
		bookings: []scenarioBooking{
			{employee: "uma", seat: 1, startHour: 9, hours: 8},
			{employee: "vic", seat: 2, startHour: 9, hours: 8},
		},
	},
}

// ErrUnknownScenario is returned by ApplyScenario for an unlisted id.
var ErrUnknownScenario = errors.New("unknown scenario")

func findScenario(id string) (scenario, bool) {
	for _, sc := range scenarios {
		if sc.ID == id {
			return sc, true
		}
	}
	return scenario{}, false
}

func scenarioEmail(scenarioID, key string) string {
	return fmt.Sprintf("%s@%s.blureserve.test", key, scenarioID)
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios handles GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, sc := range scenarios {
		out[i] = sc.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.ApplyScenario(r.Context(), req.ScenarioID)
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusNotFound, "Unknown scenario", err)
		return
	}
	if err != nil {
		h.respondError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// LOADER
// =============================================================================

// ApplyScenario loads the named scenario. Bookings are placed on the day
// after the engine's current day.
func (h *Handler) ApplyScenario(ctx context.Context, id string) (ScenarioResultDTO, error) {
	sc, ok := findScenario(id)
	if !ok {
		return ScenarioResultDTO{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	result := ScenarioResultDTO{ScenarioID: sc.ID, Password: h.ScenarioPassword}

	created, err := h.Catalog.Seed(ctx, sc.seats)
	if err != nil {
		return result, fmt.Errorf("seed seats: %w", err)
	}
	result.SeatsCreated = created

	ids := make(map[string]reserve.AccountID, len(sc.accounts))
	for _, a := range sc.accounts {
		acct, err := h.scenarioAccount(ctx, sc.ID, a, ids)
		if err != nil {
			return result, fmt.Errorf("account %s: %w", a.key, err)
		}
		ids[a.key] = acct.ID
		result.Accounts = append(result.Accounts, toAccountDTO(acct))
	}

	tomorrow, _ := reserve.DayOf(h.now()).Bounds()
	tomorrow = tomorrow.AddDate(0, 0, 1)
	for _, b := range sc.bookings {
		start := tomorrow.Add(time.Duration(b.startHour) * time.Hour)
		end := start.Add(time.Duration(b.hours) * time.Hour)
		booked, err := h.scenarioBooking(ctx, ids[b.employee], catalog.SeatIDFor(b.seat), start, end)
		if err != nil {
			return result, fmt.Errorf("booking for %s on seat %d: %w", b.employee, b.seat, err)
		}
		if booked {
			result.Reservations++
		}
	}

	h.Log.Info().
		Str("scenario", sc.ID).
		Int("seats_created", result.SeatsCreated).
		Int("reservations", result.Reservations).
		Msg("scenario loaded")
	return result, nil
}

func (h *Handler) scenarioAccount(ctx context.Context, scenarioID string, a scenarioAccount, ids map[string]reserve.AccountID) (reserve.Account, error) {
	email := scenarioEmail(scenarioID, a.key)
	acct, err := h.Store.AccountByEmail(ctx, email)
	if err == nil {
		return acct, nil
	}
	if !reserve.IsNotFound(err) {
		return reserve.Account{}, err
	}
	return h.Identity.Register(ctx, identity.RegisterInput{
		Username:       a.username,
		Email:          email,
		Password:       h.ScenarioPassword,
		Role:           string(a.role),
		ManagerID:      ids[a.sponsor],
		InitialBalance: a.balance,
	})
}

// scenarioBooking books [start, end) unless the employee already holds it.
func (h *Handler) scenarioBooking(ctx context.Context, employee reserve.AccountID, seat reserve.SeatID, start, end time.Time) (bool, error) {
	w, err := reserve.NewWindow(start, end)
	if err != nil {
		return false, err
	}
	existing, err := h.Store.ListReservations(ctx, reserve.ReservationFilter{
		EmployeeID: employee,
		SeatID:     seat,
		Status:     reserve.StatusReserved,
		Overlaps:   &w,
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	_, err = h.Engine.Book(ctx, employee, seat, start.Format(reserve.WindowLayout), end.Format(reserve.WindowLayout))
	if err != nil {
		return false, err
	}
	return true, nil
}

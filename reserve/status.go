package reserve

// =============================================================================
// RESERVATION STATE MACHINE
// =============================================================================
//
//   PENDING_CHECK ──▶ RESERVED ──▶ CANCELED
//        │                            ▲
//        └──────── (rejected) ────────┘ never persisted
//
// PENDING_CHECK only exists inside Book while the policy and store checks
// run; it is never written. CANCELED is terminal.

type ReservationStatus string

const (
	StatusPendingCheck ReservationStatus = "PENDING_CHECK"
	StatusReserved     ReservationStatus = "RESERVED"
	StatusCanceled     ReservationStatus = "CANCELED"
)

var transitions = map[ReservationStatus][]ReservationStatus{
	StatusPendingCheck: {StatusReserved},
	StatusReserved:     {StatusCanceled},
}

// CanTransition reports whether from -> to is a legal move.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ReservationStatus) IsTerminal() bool { return len(transitions[s]) == 0 }

func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusPendingCheck, StatusReserved, StatusCanceled:
		return true
	}
	return false
}

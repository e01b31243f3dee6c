package reserve

import (
	"fmt"
	"time"
)

// =============================================================================
// POLICY EVALUATOR - Pure functions, no side effects
// =============================================================================

// Policy holds the tunable business constants for one deployment.
type Policy struct {
	// CostPerBooking is charged once per booking, whatever its duration.
	CostPerBooking Amount

	// DailyCap is the most net BluDollars one employee may spend per UTC day.
	DailyCap Amount

	// MinCancelLead is how far ahead of the start a reservation must be canceled.
	MinCancelLead time.Duration
}

const (
	DefaultCost          = 5
	DefaultDailyCap      = 20
	DefaultMinCancelLead = time.Hour
)

func DefaultPolicy() Policy {
	return Policy{
		CostPerBooking: BluDollars(DefaultCost),
		DailyCap:       BluDollars(DefaultDailyCap),
		MinCancelLead:  DefaultMinCancelLead,
	}
}

func (p Policy) Validate() error {
	if !p.CostPerBooking.IsPositive() {
		return fmt.Errorf("%w: cost must be positive, got %s", ErrInvalidPolicy, p.CostPerBooking)
	}
	if !p.DailyCap.IsPositive() {
		return fmt.Errorf("%w: daily cap must be positive, got %s", ErrInvalidPolicy, p.DailyCap)
	}
	if p.MinCancelLead < 0 {
		return fmt.Errorf("%w: cancellation lead time must not be negative, got %s", ErrInvalidPolicy, p.MinCancelLead)
	}
	return nil
}

// Cost is flat: it does not depend on the window length.
func (p Policy) Cost() Amount { return p.CostPerBooking }

func (p Policy) CheckDailyCap(usedToday, cost Amount) error {
	return CheckDailyCap(usedToday, cost, p.DailyCap)
}

func (p Policy) CheckCancellationWindow(now, start time.Time) error {
	return CheckCancellationWindow(now, start, p.MinCancelLead)
}

// CheckDailyCap allows the booking iff usedToday + cost <= cap.
func CheckDailyCap(usedToday, cost, cap Amount) error {
	if usedToday.Add(cost).GreaterThan(cap) {
		return &CapExceededError{UsedToday: usedToday, Cost: cost, Cap: cap}
	}
	return nil
}

// CheckCancellationWindow allows the cancellation iff start - now >= minGap.
func CheckCancellationWindow(now, start time.Time, minGap time.Duration) error {
	if start.Sub(now) < minGap {
		return &TooLateError{Start: start, Now: now, MinLead: minGap}
	}
	return nil
}

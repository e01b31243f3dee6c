package reserve

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - BluDollars
// =============================================================================

// Amount is a quantity of BluDollars. Balances are whole BluDollars, but the
// arithmetic stays in decimal so ledger sums never pick up float error.
type Amount struct {
	Value decimal.Decimal
}

func BluDollars(n int64) Amount { return Amount{Value: decimal.NewFromInt(n)} }

func Zero() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) Int64() int64 { return a.Value.IntPart() }
func (a Amount) String() string { return a.Value.String() }

// Sum adds amounts left to right.
func Sum(amounts ...Amount) Amount {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

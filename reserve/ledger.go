/*
ledger.go - BluDollar transaction log derivations

PURPOSE:
  The transaction log is the source of truth for two derived quantities:
  a manager's balance (initial allocation replayed through every signed
  entry) and an employee's net spend on one calendar day. Neither is kept
  as a standalone counter.

NET DAILY SPEND:
  usedOn(employee, D) = -( sum of RESERVATION amounts created on D
                         + sum of CANCELLATION amounts created on D whose
                           reservation was also booked on D )

  A cancellation only gives cap room back on the day its booking consumed
  it. Canceling Monday's booking on Tuesday refunds the manager but does not
  raise Tuesday's allowance.

EXAMPLE (cost 5, cap 20):
  09:00 book A   RESERVATION -5   used 5
  09:05 book B   RESERVATION -5   used 10
  09:10 cancel A CANCELLATION +5  used 5

SEE ALSO:
  - store.go: LedgerReader, Tx.UsedOn
  - reconcile.go: Replays balances against the stored value
*/
package reserve

import (
	"context"
	"time"
)

// NetSpend computes an employee's net spend on day from raw log entries.
// bookedAt maps reservation ids to their booking time; cancellations whose
// reservation is missing from it do not count.
func NetSpend(employee AccountID, day Day, txs []Transaction, bookedAt map[ReservationID]time.Time) Amount {
	net := Zero()
	for _, tx := range txs {
		if tx.EmployeeID != employee || !day.Contains(tx.CreatedAt) {
			continue
		}
		switch tx.Kind {
		case TxReservation:
			net = net.Add(tx.Amount)
		case TxCancellation:
			if at, ok := bookedAt[tx.ReferenceID]; ok && day.Contains(at) {
				net = net.Add(tx.Amount)
			}
		}
	}
	return net.Neg()
}

// ReplayBalance is the balance implied by the log: initial + sum of signed amounts.
func ReplayBalance(initial Amount, txs []Transaction) Amount {
	balance := initial
	for _, tx := range txs {
		balance = balance.Add(tx.Amount)
	}
	return balance
}

// =============================================================================
// DAILY USAGE - Read model for the API
// =============================================================================

type DailyUsage struct {
	EmployeeID AccountID
	Day        Day
	Used       Amount
	Cap        Amount
	Remaining  Amount
}

// UsageOn reports an employee's spend against the policy cap.
func UsageOn(ctx context.Context, ledger LedgerReader, policy Policy, employee AccountID, day Day) (DailyUsage, error) {
	used, err := ledger.UsedOn(ctx, employee, day)
	if err != nil {
		return DailyUsage{}, err
	}
	remaining := policy.DailyCap.Sub(used)
	if remaining.IsNegative() {
		remaining = Zero()
	}
	return DailyUsage{
		EmployeeID: employee,
		Day:        day,
		Used:       used,
		Cap:        policy.DailyCap,
		Remaining:  remaining,
	}, nil
}

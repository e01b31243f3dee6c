/*
reconcile.go - Ledger and reservation consistency audit

PURPOSE:
  Replays the transaction log against the stored state and reports every
  place where the two disagree. A healthy system always produces an empty
  report; any discrepancy means an atomic unit was broken somewhere.

CHECKS:
  1. Balance:  initial + sum(signed amounts) == stored balance, per manager
  2. Pairing:  every reservation has exactly one RESERVATION entry, and
               exactly one CANCELLATION entry iff it is CANCELED
  3. Amounts:  RESERVATION == -charged, CANCELLATION == +charged
  4. Overlap:  RESERVED intervals on one seat are pairwise disjoint
  5. Orphans:  every entry references an existing reservation

SEE ALSO:
  - ledger.go: ReplayBalance
  - api/scheduler.go: Runs Reconcile periodically
*/
package reserve

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type DiscrepancyKind string

const (
	DiscrepancyBalance  DiscrepancyKind = "balance_mismatch"
	DiscrepancyPairing  DiscrepancyKind = "pairing"
	DiscrepancyAmount   DiscrepancyKind = "amount_mismatch"
	DiscrepancyOverlap  DiscrepancyKind = "overlap"
	DiscrepancyOrphaned DiscrepancyKind = "orphaned_transaction"
)

type Discrepancy struct {
	Kind    DiscrepancyKind
	Subject string
	Detail  string
}

type ReconciliationReport struct {
	CheckedAt     time.Time
	Managers      int
	Reservations  int
	Transactions  int
	Discrepancies []Discrepancy
}

func (r ReconciliationReport) OK() bool { return len(r.Discrepancies) == 0 }

// ReconcileSource is everything Reconcile needs to read.
type ReconcileSource interface {
	LedgerReader
	ReservationLister
	AccountLister
}

// Reconcile audits the whole store. It reads without locks, so it should run
// when writes are quiet or be repeated before acting on a discrepancy.
func Reconcile(ctx context.Context, src ReconcileSource, now time.Time) (ReconciliationReport, error) {
	report := ReconciliationReport{CheckedAt: now.UTC()}

	managers, err := src.ListAccounts(ctx, KindManager)
	if err != nil {
		return report, fmt.Errorf("list managers: %w", err)
	}
	reservations, err := src.ListReservations(ctx, ReservationFilter{})
	if err != nil {
		return report, fmt.Errorf("list reservations: %w", err)
	}
	txs, err := src.Transactions(ctx, TransactionFilter{})
	if err != nil {
		return report, fmt.Errorf("list transactions: %w", err)
	}
	report.Managers = len(managers)
	report.Reservations = len(reservations)
	report.Transactions = len(txs)

	add := func(kind DiscrepancyKind, subject, format string, args ...any) {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind: kind, Subject: subject, Detail: fmt.Sprintf(format, args...),
		})
	}

	// 1. Balances
	byManager := make(map[AccountID][]Transaction)
	for _, tx := range txs {
		byManager[tx.ManagerID] = append(byManager[tx.ManagerID], tx)
	}
	for _, m := range managers {
		want := ReplayBalance(m.InitialBalance, byManager[m.ID])
		if !want.Equal(m.Balance) {
			add(DiscrepancyBalance, string(m.ID), "replayed %s, stored %s", want, m.Balance)
		}
	}

	// 2-3. Pairing and amounts
	type pair struct{ booked, canceled []Transaction }
	byReservation := make(map[ReservationID]*pair, len(reservations))
	for _, r := range reservations {
		byReservation[r.ID] = &pair{}
	}
	for _, tx := range txs {
		p, ok := byReservation[tx.ReferenceID]
		if !ok {
			add(DiscrepancyOrphaned, string(tx.ID), "references unknown reservation %q", tx.ReferenceID)
			continue
		}
		switch tx.Kind {
		case TxReservation:
			p.booked = append(p.booked, tx)
		case TxCancellation:
			p.canceled = append(p.canceled, tx)
		}
	}
	for _, r := range reservations {
		p := byReservation[r.ID]
		wantCanceled := 0
		if r.Status == StatusCanceled {
			wantCanceled = 1
		}
		if len(p.booked) != 1 {
			add(DiscrepancyPairing, string(r.ID), "%d RESERVATION entries, want 1", len(p.booked))
		}
		if len(p.canceled) != wantCanceled {
			add(DiscrepancyPairing, string(r.ID), "%d CANCELLATION entries for status %s, want %d",
				len(p.canceled), r.Status, wantCanceled)
		}
		for _, tx := range p.booked {
			if !tx.Amount.Equal(r.Charged.Neg()) {
				add(DiscrepancyAmount, string(tx.ID), "RESERVATION %s, charged %s", tx.Amount, r.Charged)
			}
		}
		for _, tx := range p.canceled {
			if !tx.Amount.Equal(r.Charged) {
				add(DiscrepancyAmount, string(tx.ID), "CANCELLATION %s, charged %s", tx.Amount, r.Charged)
			}
		}
	}

	// 4. Overlaps
	for _, clash := range FindOverlaps(reservations) {
		add(DiscrepancyOverlap, string(clash[0].SeatID), "%s %s overlaps %s %s",
			clash[0].ID, clash[0].Window, clash[1].ID, clash[1].Window)
	}

	return report, nil
}

// FindOverlaps returns every pair of RESERVED reservations on the same seat
// whose windows intersect.
func FindOverlaps(reservations []Reservation) [][2]Reservation {
	bySeat := make(map[SeatID][]Reservation)
	for _, r := range reservations {
		if r.Status == StatusReserved {
			bySeat[r.SeatID] = append(bySeat[r.SeatID], r)
		}
	}

	seats := make([]SeatID, 0, len(bySeat))
	for seat := range bySeat {
		seats = append(seats, seat)
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i] < seats[j] })

	var clashes [][2]Reservation
	for _, seat := range seats {
		rs := bySeat[seat]
		sort.Slice(rs, func(i, j int) bool { return rs[i].Window.Start.Before(rs[j].Window.Start) })
		for i := range rs {
			for j := i + 1; j < len(rs) && rs[j].Window.Start.Before(rs[i].Window.End); j++ {
				clashes = append(clashes, [2]Reservation{rs[i], rs[j]})
			}
		}
	}
	return clashes
}

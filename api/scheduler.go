/*
scheduler.go - Automated ledger reconciliation

PURPOSE:
  Periodically replays the BluDollar ledger against stored balances and
  reservations, and reports every discrepancy. A healthy system always
  produces an empty report.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Runs never overlap: RunNow from the admin endpoint waits for a
    scheduled run in progress, and vice versa
  - The most recent report is kept for the admin endpoint and /readyz

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - Observe: Optional hook, metrics.ObserveReconcile in production

USAGE:
  scheduler := NewReconciliationScheduler(store, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual run)
  - reserve/reconcile.go: The checks themselves
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/reserve"
)

// ReconciliationScheduler runs reserve.Reconcile on an interval.
type ReconciliationScheduler struct {
	Source        reserve.ReconcileSource
	CheckInterval time.Duration
	Enabled       bool
	Observe       func(reserve.ReconciliationReport, error)
	Now           func() time.Time

	log zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	last    reserve.ReconciliationReport
	lastErr error
	hasRun  bool
	nextRun time.Time
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(source reserve.ReconcileSource, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Source:        source,
		CheckInterval: time.Hour,
		Enabled:       true,
		Now:           time.Now,
		log:           log.With().Str("component", "reconciler").Logger(),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a run in progress to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info().Msg("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	_, _ = rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			_, _ = rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow runs one reconciliation and records its result.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (reserve.ReconciliationReport, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	start := rs.Now()
	report, err := reserve.Reconcile(ctx, rs.Source, start)

	rs.last, rs.lastErr, rs.hasRun = report, err, true
	rs.nextRun = start.Add(rs.CheckInterval)
	if rs.Observe != nil {
		rs.Observe(report, err)
	}

	switch {
	case err != nil:
		rs.log.Error().Err(err).Msg("reconciliation failed")
	case !report.OK():
		ev := rs.log.Warn().
			Int("discrepancies", len(report.Discrepancies)).
			Int("managers", report.Managers).
			Int("reservations", report.Reservations)
		for i, d := range report.Discrepancies {
			if i == 10 {
				break
			}
			rs.log.Warn().Str("kind", string(d.Kind)).Str("subject", d.Subject).Msg(d.Detail)
		}
		ev.Msg("ledger discrepancies found")
	default:
		rs.log.Debug().
			Int("managers", report.Managers).
			Int("reservations", report.Reservations).
			Int("transactions", report.Transactions).
			Msg("ledger consistent")
	}
	return report, err
}

// LastReport returns the most recent report. ok is false before the first run.
func (rs *ReconciliationScheduler) LastReport() (reserve.ReconciliationReport, bool) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	return rs.last, rs.hasRun
}

// LastError is the error of the most recent run, if it failed.
func (rs *ReconciliationScheduler) LastError() error {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	return rs.lastErr
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	if rs.nextRun.IsZero() {
		return rs.Now().Add(rs.CheckInterval)
	}
	return rs.nextRun
}

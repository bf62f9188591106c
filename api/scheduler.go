/*
scheduler.go - Periodic occupancy audit

PURPOSE:
  Runs the occupancy audit in the background so drift between a slot's
  stored occupancy and its booked count is noticed without an operator
  calling /api/admin/audit.

DESIGN:
  - One goroutine, ticker-driven, runs once immediately on Start
  - Each run is bounded by a timeout so a stuck store cannot pile up runs
  - Findings are logged; nothing is repaired
  - The last report and next tick are kept for GET /api/admin/audit/schedule

USAGE:
  scheduler := NewAuditScheduler(auditor, log, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - allocation/audit.go: The audit itself
  - handlers.go: RunAudit endpoint (manual audit)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/slot-engine/allocation"
)

type auditor interface {
	Audit(ctx context.Context) (*allocation.AuditReport, error)
}

// AuditScheduler runs the occupancy audit on an interval.
type AuditScheduler struct {
	Auditor       auditor
	CheckInterval time.Duration
	// RunTimeout bounds a single audit; defaults to CheckInterval.
	RunTimeout time.Duration
	Enabled    bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.Mutex
	last     *allocation.AuditReport
	runs     int
	next     time.Time
}

// NewAuditScheduler creates a scheduler. An interval of zero disables it.
func NewAuditScheduler(a auditor, log zerolog.Logger, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Auditor:       a,
		CheckInterval: interval,
		Enabled:       interval > 0,
		log:           log.With().Str("component", "audit-scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.setNext(time.Now().Add(s.CheckInterval))
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.setNext(time.Time{})
	s.log.Info().Msg("stopped")
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case tick := <-ticker.C:
			s.setNext(tick.Add(s.CheckInterval))
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow runs one audit synchronously and records the report.
func (s *AuditScheduler) RunNow(ctx context.Context) *allocation.AuditReport {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = s.CheckInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report, err := s.Auditor.Audit(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("audit failed")
		return nil
	}

	s.reportMu.Lock()
	s.last = report
	s.runs++
	s.reportMu.Unlock()

	evt := s.log.Info()
	if !report.Consistent() {
		evt = s.log.Warn()
	}
	evt.Int("slots_checked", report.SlotsChecked).
		Int("overbooked", report.Overbooked).
		Int("discrepancies", len(report.Discrepancies)).
		Msg("audit complete")
	return report
}

// LastReport returns the most recent report and how many audits have run.
func (s *AuditScheduler) LastReport() (*allocation.AuditReport, int) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.last, s.runs
}

// NextRunTime returns when the next tick is due. Zero when not running.
func (s *AuditScheduler) NextRunTime() time.Time {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.next
}

func (s *AuditScheduler) setNext(t time.Time) {
	s.reportMu.Lock()
	s.next = t
	s.reportMu.Unlock()
}

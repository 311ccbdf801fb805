// Package sweeper polls pending invoices against their chains.
//
// The sweep is the safety net under the webhook path: it holds no state
// between passes, so a crashed or restarted process resumes from whatever
// the store says is still pending. Each chain sweeps independently behind
// a circuit breaker, so one flapping explorer cannot stall the others.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/chainvoice/internal/chain"
	"github.com/mbd888/chainvoice/internal/circuitbreaker"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/metrics"
	"github.com/mbd888/chainvoice/internal/verify"
)

// sweepBatch bounds how many pending invoices one pass examines per chain.
const sweepBatch = 200

// Sweeper runs verification passes over all pending invoices.
type Sweeper struct {
	coordinator *verify.Coordinator
	invoices    invoice.Store
	breaker     *circuitbreaker.Breaker
	workers     int

	// One guard per chain: a slow sweep must not be overlapped by the
	// next tick or a forced run for the same chain.
	inFlight map[chain.Chain]*atomic.Bool
}

// New creates a sweeper. workers bounds how many invoices are verified
// concurrently within one chain's pass.
func New(coordinator *verify.Coordinator, invoices invoice.Store, breaker *circuitbreaker.Breaker, workers int) *Sweeper {
	if workers <= 0 {
		workers = 4
	}
	s := &Sweeper{
		coordinator: coordinator,
		invoices:    invoices,
		breaker:     breaker,
		workers:     workers,
		inFlight:    make(map[chain.Chain]*atomic.Bool),
	}
	for _, ch := range chain.All() {
		s.inFlight[ch] = &atomic.Bool{}
	}
	return s
}

// Sweep runs one pass over every chain with a registered client. now is
// the clock used for pending-invoice selection.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	var wg sync.WaitGroup
	for _, ch := range s.coordinator.Chains() {
		wg.Add(1)
		go func(ch chain.Chain) {
			defer wg.Done()
			s.SweepChain(ctx, ch, now)
		}(ch)
	}
	wg.Wait()
}

// SweepChain runs one pass for a single chain. Returns the number of
// invoices checked; a pass skipped by the in-flight guard or an open
// breaker reports zero.
func (s *Sweeper) SweepChain(ctx context.Context, ch chain.Chain, now time.Time) int {
	guard := s.inFlight[ch]
	if guard == nil || !guard.CompareAndSwap(false, true) {
		logging.L(ctx).Debug("sweep already in flight", "chain", ch)
		return 0
	}
	defer guard.Store(false)

	if s.breaker != nil && !s.breaker.Allow(string(ch)) {
		logging.L(ctx).Warn("sweep skipped, circuit open", "chain", ch)
		return 0
	}

	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())
	}()

	pending, err := s.invoices.ListPendingByChain(ctx, ch, now, sweepBatch)
	if err != nil {
		logging.L(ctx).Error("failed to list pending invoices", "chain", ch, "error", err)
		return 0
	}
	if len(pending) == 0 {
		if s.breaker != nil {
			s.breaker.RecordSuccess(string(ch))
		}
		return 0
	}

	var indeterminate atomic.Int64
	jobs := make(chan *invoice.Invoice)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inv := range jobs {
				report := s.coordinator.CheckInvoice(ctx, inv)
				if report.Outcome == verify.OutcomeIndeterminate {
					indeterminate.Add(1)
				}
			}
		}()
	}
	for _, inv := range pending {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return 0
		case jobs <- inv:
		}
	}
	close(jobs)
	wg.Wait()

	checked := len(pending)
	metrics.SweepInvoicesChecked.WithLabelValues(string(ch)).Add(float64(checked))

	if s.breaker != nil {
		// A pass where nothing could be concluded counts against the
		// chain's explorer; any real observation counts for it.
		if n := indeterminate.Load(); n > 0 && n == int64(checked) {
			s.breaker.RecordFailure(string(ch))
		} else {
			s.breaker.RecordSuccess(string(ch))
		}
	}

	logging.L(ctx).Info("sweep pass complete",
		"chain", ch, "checked", checked,
		"indeterminate", indeterminate.Load(),
		"duration", time.Since(start))
	return checked
}

// Package engine runs the trading loop: an aligned scheduler fires
// cycles, each cycle snapshots the market, consults the advisor, runs
// the risk layers and hands approvals to the executor. One cycle at a
// time; ticks that land while a cycle is still running are skipped,
// never queued.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/metrics"
)

// drainTimeout bounds how long shutdown waits for an in-flight cycle.
const drainTimeout = 30 * time.Second

// Scheduler fires cycle callbacks at wall-clock multiples of the
// interval. Cycle IDs are monotonic and count skipped ticks too, so the
// audit trail shows the gaps.
type Scheduler struct {
	interval time.Duration
	deadline time.Duration
	run      func(ctx context.Context, cycleID int64, startedAt time.Time)
	log      zerolog.Logger

	cycleID atomic.Int64
	busy    atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(interval, deadline time.Duration, run func(ctx context.Context, cycleID int64, startedAt time.Time), log zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		deadline: deadline,
		run:      run,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// NextAligned returns the first wall-clock multiple of interval after
// now. With a 180s interval that is the next 00/03/06 minute mark.
func NextAligned(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Run fires cycles until ctx is done, then stops emitting ticks and
// waits up to drainTimeout for the in-flight cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.interval).
		Dur("deadline", s.deadline).
		Time("first_tick", NextAligned(time.Now(), s.interval)).
		Msg("Scheduler started")

	for {
		timer := time.NewTimer(time.Until(NextAligned(time.Now(), s.interval)))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.drain()
			return ctx.Err()

		case tick := <-timer.C:
			s.fire(ctx, tick)
		}
	}
}

// fire launches one cycle unless the previous one is still running.
func (s *Scheduler) fire(ctx context.Context, tick time.Time) {
	id := s.cycleID.Add(1)

	if !s.busy.CompareAndSwap(false, true) {
		metrics.RecordCycleSkip(metrics.SkipReasonOverlap)
		s.log.Warn().
			Int64("cycle_id", id).
			Msg("Previous cycle still running, tick skipped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)

		// Shutdown stops new ticks but lets the running cycle finish;
		// the cycle is bounded by its own deadline, not by ctx.
		cctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), tick.Add(s.deadline))
		defer cancel()
		s.run(cctx, id, tick)
	}()
}

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Scheduler drained")
	case <-time.After(drainTimeout):
		s.log.Warn().Msg("Shutdown drain timed out with a cycle still in flight")
	}
}

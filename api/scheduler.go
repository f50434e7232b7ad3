/*
scheduler.go - Automated auto-clockout scheduler

PURPOSE:
  Periodically runs the sweeper that force-closes entries left open past
  the configured ceiling and purges expired idempotency records.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass delegates to clock.Sweeper.Run; one bad entry never blocks
    the rest of the pass
  - A pass runs immediately on Start so restarts don't postpone overdue
    closes by a full interval

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 15 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(sweeper)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - clock/sweeper.go: Sweep semantics
  - handlers.go: RunSweep endpoint (manual trigger, dry-run support)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sitewise/timeclock-engine/clock"
)

// SweepScheduler runs the auto-clockout sweep on a timer.
type SweepScheduler struct {
	Sweeper       *clock.Sweeper
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler over the given sweeper.
func NewSweepScheduler(sweeper *clock.Sweeper) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:       sweeper,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()

	result, err := ss.Sweeper.Run(ctx, false)
	if err != nil {
		log.Printf("[Scheduler] Sweep failed: %v", err)
		return
	}
	if result.ProcessedCount > 0 || result.PurgedEvents > 0 {
		log.Printf("[Scheduler] Sweep closed %d entries, purged %d events",
			result.ProcessedCount, result.PurgedEvents)
	}
}

/*
sweeper.go - Auto-clockout sweep

PURPOSE:
  Workers forget to clock out; offline clients never send the event. The
  sweep finds entries open longer than the configured ceiling and
  force-closes each one in its own transaction: clock-out is set to the
  cutoff (clock-in + ceiling, NOT sweep time, so a delayed sweep never
  inflates billable hours), the entry is tagged auto_closed, and no
  position is recorded for the close.

  The same pass purges idempotency records older than the retention
  window.

DRY RUN:
  Run(ctx, true) returns the candidate list with zero side effects, for
  operational verification before enabling the scheduler.
*/
package clock

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Sweeper force-closes abandoned entries.
type Sweeper struct {
	Store  TxStore
	Config ConfigFunc
	Now    func() time.Time
}

// NewSweeper creates a sweeper over the given store and config source.
func NewSweeper(store TxStore, cfg ConfigFunc) *Sweeper {
	return &Sweeper{Store: store, Config: cfg}
}

// SweptEntry describes one candidate or processed entry.
type SweptEntry struct {
	EntryID   EntryID   `json:"entry_id"`
	TenantID  TenantID  `json:"tenant_id"`
	WorkerID  WorkerID  `json:"worker_id"`
	JobID     JobID     `json:"job_id"`
	ClockInAt time.Time `json:"clock_in_at"`
	CutoffAt  time.Time `json:"cutoff_at"`
}

// SweepResult reports what the sweep did (or would do).
type SweepResult struct {
	ProcessedCount int          `json:"processed_count"`
	DryRun         bool         `json:"dry_run"`
	Entries        []SweptEntry `json:"entries"`
	PurgedEvents   int          `json:"purged_events,omitempty"`
}

// Run executes one sweep pass. Each entry is closed in its own transaction;
// one bad row never blocks the rest.
func (sw *Sweeper) Run(ctx context.Context, dryRun bool) (SweepResult, error) {
	now := time.Now().UTC()
	if sw.Now != nil {
		now = sw.Now()
	}
	cfg := sw.Config()
	cutoff := now.Add(-cfg.AutoClockoutAfter)

	candidates, err := sw.Store.OpenEntriesBefore(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("query open entries: %w", err)
	}

	result := SweepResult{DryRun: dryRun, Entries: make([]SweptEntry, 0, len(candidates))}
	for _, e := range candidates {
		swept := SweptEntry{
			EntryID:   e.ID,
			TenantID:  e.TenantID,
			WorkerID:  e.WorkerID,
			JobID:     e.JobID,
			ClockInAt: e.ClockInAt,
			CutoffAt:  e.ClockInAt.Add(cfg.AutoClockoutAfter),
		}
		result.Entries = append(result.Entries, swept)

		if dryRun {
			result.ProcessedCount++
			continue
		}

		if err := sw.closeEntry(ctx, e.ID, swept.CutoffAt, cfg, now); err != nil {
			log.Printf("[Sweeper] failed to close entry %s: %v", e.ID, err)
			continue
		}
		result.ProcessedCount++
	}

	if !dryRun && cfg.EventRetention > 0 {
		purged, err := sw.Store.PurgeEventsBefore(ctx, now.Add(-cfg.EventRetention))
		if err != nil {
			log.Printf("[Sweeper] event purge failed: %v", err)
		} else {
			result.PurgedEvents = purged
		}
	}

	return result, nil
}

func (sw *Sweeper) closeEntry(ctx context.Context, id EntryID, cutoff time.Time, cfg Config, now time.Time) error {
	return sw.Store.WithTx(ctx, func(s Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil || !entry.IsOpen() {
			// Closed by the worker between query and transaction.
			return nil
		}

		out := cutoff
		entry.ClockOutAt = &out
		// No observed position: ClockOutLoc and GeoOKOut stay unset,
		// distance at violation stays unknown.
		entry.UpdatedAt = now

		ApplyExceptionTags(entry, TagInput{
			MaxShift:   cfg.MaxShift,
			AutoClosed: true,
		})

		return s.UpdateEntry(ctx, *entry)
	})
}

package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/sitewise/timeclock-engine/clock"
	"github.com/sitewise/timeclock-engine/clock/store"
)

func seedOpenEntry(t *testing.T, mem *store.TxMemory, id clock.EntryID, worker clock.WorkerID, clockInAt time.Time) {
	t.Helper()
	if err := mem.CreateEntry(context.Background(), clock.TimeEntry{
		ID: id, TenantID: testTenant, WorkerID: worker, JobID: testJob,
		ClockInAt: clockInAt, ClockInLoc: onSite, GeoOKIn: true,
		CreatedAt: clockInAt, UpdatedAt: clockInAt,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestSweep_ClosesAbandonedEntries(t *testing.T) {
	// GIVEN: One entry open for 20h (ceiling 12h) and one open for 2h
	// WHEN: The sweep runs
	// THEN: Only the stale entry closes, at clock-in + ceiling, tagged
	//       auto_closed, with no position recorded

	mem := store.NewTxMemory()
	now := baseTime.Add(20 * time.Hour)
	seedOpenEntry(t, mem, "e-stale", "w-1", baseTime)
	seedOpenEntry(t, mem, "e-fresh", "w-2", now.Add(-2*time.Hour))

	sw := clock.NewSweeper(mem, clock.StaticConfig(clock.DefaultConfig()))
	sw.Now = func() time.Time { return now }

	result, err := sw.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Fatalf("expected 1 processed, got %d", result.ProcessedCount)
	}

	stale, _ := mem.GetEntry(context.Background(), "e-stale")
	if stale.IsOpen() {
		t.Fatal("stale entry should be closed")
	}
	wantCutoff := baseTime.Add(12 * time.Hour)
	if !stale.ClockOutAt.Equal(wantCutoff) {
		t.Errorf("expected close at clock-in + ceiling %v, got %v", wantCutoff, *stale.ClockOutAt)
	}
	if !stale.HasTag(clock.TagAutoClosed) {
		t.Error("expected auto_closed tag")
	}
	if stale.ClockOutLoc != nil || stale.GeoOKOut != nil {
		t.Error("auto-close must not fabricate a position")
	}

	fresh, _ := mem.GetEntry(context.Background(), "e-fresh")
	if !fresh.IsOpen() {
		t.Error("fresh entry must stay open")
	}
}

func TestSweep_DryRun(t *testing.T) {
	// GIVEN: A stale open entry
	// WHEN: The sweep runs with dry_run
	// THEN: The candidate is listed but nothing changes

	mem := store.NewTxMemory()
	seedOpenEntry(t, mem, "e-stale", "w-1", baseTime)

	sw := clock.NewSweeper(mem, clock.StaticConfig(clock.DefaultConfig()))
	sw.Now = func() time.Time { return baseTime.Add(20 * time.Hour) }

	result, err := sw.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !result.DryRun || result.ProcessedCount != 1 || len(result.Entries) != 1 {
		t.Fatalf("expected 1 dry-run candidate, got %+v", result)
	}
	if result.Entries[0].EntryID != "e-stale" {
		t.Errorf("wrong candidate: %s", result.Entries[0].EntryID)
	}

	entry, _ := mem.GetEntry(context.Background(), "e-stale")
	if !entry.IsOpen() {
		t.Error("dry run must not close entries")
	}
}

func TestSweep_CutoffIndependentOfSweepDelay(t *testing.T) {
	// GIVEN: An entry open since 08:00 with a 12h ceiling
	// WHEN: The sweep runs three days late
	// THEN: Clock-out is still 20:00 the same day - delays never inflate
	//       billable hours

	mem := store.NewTxMemory()
	seedOpenEntry(t, mem, "e-1", "w-1", baseTime)

	sw := clock.NewSweeper(mem, clock.StaticConfig(clock.DefaultConfig()))
	sw.Now = func() time.Time { return baseTime.AddDate(0, 0, 3) }

	if _, err := sw.Run(context.Background(), false); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	entry, _ := mem.GetEntry(context.Background(), "e-1")
	if !entry.ClockOutAt.Equal(baseTime.Add(12 * time.Hour)) {
		t.Errorf("expected cutoff at clock-in + 12h, got %v", *entry.ClockOutAt)
	}
	if got := entry.DurationHours().String(); got != "12" {
		t.Errorf("expected 12 billable hours, got %s", got)
	}
}

func TestSweep_TagsOverlongWhenCeilingExceedsMaxShift(t *testing.T) {
	// GIVEN: Ceiling 14h, max shift 12h
	// WHEN: The sweep closes a stale entry at clock-in + 14h
	// THEN: Both auto_closed and overlong_shift are attached

	mem := store.NewTxMemory()
	seedOpenEntry(t, mem, "e-1", "w-1", baseTime)

	cfg := clock.DefaultConfig()
	cfg.AutoClockoutAfter = 14 * time.Hour
	sw := clock.NewSweeper(mem, clock.StaticConfig(cfg))
	sw.Now = func() time.Time { return baseTime.Add(24 * time.Hour) }

	if _, err := sw.Run(context.Background(), false); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	entry, _ := mem.GetEntry(context.Background(), "e-1")
	if !entry.HasTag(clock.TagAutoClosed) || !entry.HasTag(clock.TagOverlongShift) {
		t.Errorf("expected auto_closed and overlong_shift, got %v", entry.Tags)
	}
}

func TestSweep_PurgesExpiredEvents(t *testing.T) {
	// GIVEN: One event inside and one outside the retention window
	// WHEN: A non-dry sweep runs
	// THEN: Only the expired record is purged

	mem := store.NewTxMemory()
	ctx := context.Background()
	now := baseTime.Add(72 * time.Hour)

	mem.RecordEvent(ctx, clock.EventRecord{Key: "old", CreatedAt: baseTime})
	mem.RecordEvent(ctx, clock.EventRecord{Key: "recent", CreatedAt: now.Add(-time.Hour)})

	sw := clock.NewSweeper(mem, clock.StaticConfig(clock.DefaultConfig()))
	sw.Now = func() time.Time { return now }

	result, err := sw.Run(ctx, false)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.PurgedEvents != 1 {
		t.Errorf("expected 1 purged event, got %d", result.PurgedEvents)
	}

	if rec, _ := mem.ResolveEvent(ctx, "old"); rec != nil {
		t.Error("expired record should be gone")
	}
	if rec, _ := mem.ResolveEvent(ctx, "recent"); rec == nil {
		t.Error("recent record should survive")
	}
}

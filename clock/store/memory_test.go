package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sitewise/timeclock-engine/clock"
	"github.com/sitewise/timeclock-engine/clock/store"
)

func TestWithTx_RollbackCoversAllRecordTypes(t *testing.T) {
	// GIVEN: A transaction that writes an entry, a job, an assignment,
	//        an event record and an invoice, then fails
	// WHEN: The fn returns an error
	// THEN: None of the writes survive the rollback

	mem := store.NewTxMemory()
	ctx := context.Background()
	at := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

	sentinel := errors.New("abort")
	err := mem.WithTx(ctx, func(s clock.Store) error {
		if err := s.CreateEntry(ctx, clock.TimeEntry{
			ID: "e-1", TenantID: "acme", WorkerID: "w-1", JobID: "j-1",
			ClockInAt: at, CreatedAt: at, UpdatedAt: at,
		}); err != nil {
			return err
		}
		if err := s.SaveJob(ctx, clock.Job{
			ID: "j-1", TenantID: "acme", Name: "Site",
			Anchor: clock.GeoPoint{Lat: 40, Lng: -75}, ToleranceM: 100, Active: true,
		}); err != nil {
			return err
		}
		if err := s.SaveAssignment(ctx, clock.Assignment{
			ID: "a-1", TenantID: "acme", WorkerID: "w-1", JobID: "j-1",
			EffectiveFrom: at,
		}); err != nil {
			return err
		}
		if err := s.RecordEvent(ctx, clock.EventRecord{
			Key: "k-1", Kind: clock.OpClockIn, TenantID: "acme",
			EntryID: "e-1", ResultJSON: "{}", CreatedAt: at,
		}); err != nil {
			return err
		}
		if err := s.CreateInvoice(ctx, clock.Invoice{
			ID: "inv-1", TenantID: "acme", JobID: "j-1",
			Status: clock.InvoicePending, DueDate: at, CreatedAt: at,
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the fn error back, got %v", err)
	}

	if e, _ := mem.GetEntry(ctx, "e-1"); e != nil {
		t.Error("entry survived rollback")
	}
	if j, _ := mem.GetJob(ctx, "acme", "j-1"); j != nil {
		t.Error("job survived rollback")
	}
	if a, _ := mem.ActiveAssignment(ctx, "acme", "w-1", "j-1", at); a != nil {
		t.Error("assignment survived rollback")
	}
	if rec, _ := mem.ResolveEvent(ctx, "k-1"); rec != nil {
		t.Error("event record survived rollback")
	}
	if inv, _ := mem.GetInvoice(ctx, "acme", "inv-1"); inv != nil {
		t.Error("invoice survived rollback")
	}
}

func TestWithTx_CommitKeepsWrites(t *testing.T) {
	mem := store.NewTxMemory()
	ctx := context.Background()

	err := mem.WithTx(ctx, func(s clock.Store) error {
		return s.SaveJob(ctx, clock.Job{
			ID: "j-1", TenantID: "acme", Name: "Site",
			Anchor: clock.GeoPoint{Lat: 40, Lng: -75}, ToleranceM: 100, Active: true,
		})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	j, err := mem.GetJob(ctx, "acme", "j-1")
	if err != nil || j == nil {
		t.Fatalf("expected committed job, got %v err=%v", j, err)
	}
}

/*
invoice.go - Atomic invoice locking

PURPOSE:
  Given a set of approved, not-yet-invoiced entries for one job, compute the
  billable total and lock the set: create the invoice, stamp every consumed
  entry with the invoice ID, and write one audit record - all in a single
  transaction. A partially invoiced entry set is a correctness bug, not a
  recoverable partial result, so every precondition is checked before any
  write and any failure aborts the whole operation.

ROUNDING:
  Hours are summed at full decimal precision per entry; the amount is
  hours x rate rounded to 2 places once, at the end.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sitewise/timeclock-engine/clock"
)

// InvoiceEngine creates invoices from approved entries.
type InvoiceEngine struct {
	Store clock.TxStore
	Audit clock.AuditLog
	Now   func() time.Time
}

// InvoiceInput is one invoice-creation call.
type InvoiceInput struct {
	TenantID   clock.TenantID
	ActorID    string
	JobID      clock.JobID
	CustomerID string
	EntryIDs   []clock.EntryID
	HourlyRate decimal.Decimal
	DueDate    time.Time
}

// InvoiceResult summarizes the created invoice.
type InvoiceResult struct {
	InvoiceID   clock.InvoiceID `json:"invoice_id"`
	TotalHours  decimal.Decimal `json:"total_hours"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	EntryCount  int             `json:"entry_count"`
}

// CreateInvoice locks the entry set into one invoice, all-or-nothing.
func (ie *InvoiceEngine) CreateInvoice(ctx context.Context, in InvoiceInput) (InvoiceResult, error) {
	now := time.Now().UTC()
	if ie.Now != nil {
		now = ie.Now()
	}

	ids := dedupe(in.EntryIDs)
	if len(ids) == 0 {
		return InvoiceResult{}, fmt.Errorf("%w: empty entry set", clock.ErrEntryNotFound)
	}
	if !in.HourlyRate.IsPositive() {
		return InvoiceResult{}, fmt.Errorf("hourly rate must be positive, got %s", in.HourlyRate)
	}

	var result InvoiceResult
	err := ie.Store.WithTx(ctx, func(s clock.Store) error {
		audit := clock.TxAuditLog(s, ie.Audit)

		// Phase 1: load and validate everything before any write.
		entries := make([]*clock.TimeEntry, 0, len(ids))
		for _, id := range ids {
			entry, err := s.GetEntry(ctx, id)
			if err != nil {
				return fmt.Errorf("load entry %s: %w", id, err)
			}
			if entry == nil {
				return fmt.Errorf("entry %s: %w", id, clock.ErrEntryNotFound)
			}
			if entry.TenantID != in.TenantID {
				return fmt.Errorf("entry %s: %w", id, clock.ErrCrossTenantAccess)
			}
			if entry.JobID != in.JobID {
				return fmt.Errorf("entry %s belongs to job %s: %w", id, entry.JobID, clock.ErrCrossTenantAccess)
			}
			if entry.InvoiceID != nil {
				return fmt.Errorf("entry %s already on invoice %s: %w", id, *entry.InvoiceID, clock.ErrAlreadyInvoiced)
			}
			if !entry.Approved || entry.IsOpen() {
				return fmt.Errorf("entry %s: %w", id, clock.ErrNotApproved)
			}
			entries = append(entries, entry)
		}

		totalHours := decimal.Zero
		for _, entry := range entries {
			totalHours = totalHours.Add(entry.DurationHours())
		}
		totalAmount := totalHours.Mul(in.HourlyRate).Round(2)

		// Phase 2: write the invoice and lock every entry.
		invoice := clock.Invoice{
			ID:          clock.InvoiceID(uuid.NewString()),
			TenantID:    in.TenantID,
			JobID:       in.JobID,
			CustomerID:  in.CustomerID,
			EntryIDs:    ids,
			TotalHours:  totalHours,
			HourlyRate:  in.HourlyRate,
			TotalAmount: totalAmount,
			Status:      clock.InvoicePending,
			DueDate:     in.DueDate,
			CreatedAt:   now,
		}
		if err := s.CreateInvoice(ctx, invoice); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}

		for _, entry := range entries {
			invID := invoice.ID
			at := now
			entry.InvoiceID = &invID
			entry.InvoicedAt = &at
			entry.UpdatedAt = now
			if err := s.UpdateEntry(ctx, *entry); err != nil {
				return fmt.Errorf("lock entry %s: %w", entry.ID, err)
			}
		}

		if err := audit.Append(ctx, clock.AuditEntry{
			ID:       uuid.NewString(),
			TenantID: in.TenantID,
			ActorID:  in.ActorID,
			Action:   clock.AuditInvoiceLocked,
			TargetID: string(invoice.ID),
			Before:   map[string]any{},
			After:    clock.Snapshot(invoice),
			At:       now,
		}); err != nil {
			return fmt.Errorf("audit invoice: %w", err)
		}

		result = InvoiceResult{
			InvoiceID:   invoice.ID,
			TotalHours:  totalHours,
			TotalAmount: totalAmount,
			EntryCount:  len(entries),
		}
		return nil
	})
	if err != nil {
		return InvoiceResult{}, err
	}
	return result, nil
}

func dedupe(ids []clock.EntryID) []clock.EntryID {
	seen := make(map[clock.EntryID]bool, len(ids))
	var out []clock.EntryID
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

/*
Package billing turns reviewed time entries into money.

PURPOSE:
  Two admin-side operations over the clock engine's entries:
  - ApprovalProcessor: bulk transition pending -> approved, audited per entry
  - InvoiceEngine:     atomic lock of approved entries into one invoice

  Both run against the same transactional store as the clock engine; they
  hold no state of their own and cache nothing across requests.

APPROVAL SEMANTICS (this file):
  Entries that fail validation are reported individually in the errors
  array; valid entries still commit - all in one transaction, so observers
  never see a half-approved batch. Cross-tenant IDs fail closed, never
  silently skipped.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sitewise/timeclock-engine/clock"
)

// ApprovalProcessor executes bulk approvals for one tenant at a time.
type ApprovalProcessor struct {
	Store clock.TxStore
	Audit clock.AuditLog
	Now   func() time.Time
}

// ApprovalInput is one bulk-approve call, scoped to the caller's tenant.
type ApprovalInput struct {
	TenantID   clock.TenantID
	ApproverID string
	EntryIDs   []clock.EntryID
}

// EntryError reports one entry that failed validation.
type EntryError struct {
	EntryID clock.EntryID `json:"entry_id"`
	Reason  string        `json:"reason"`
}

// Validation failure reasons surfaced in ApprovalResult.Errors.
const (
	ReasonNotFound        = "not_found"
	ReasonCrossTenant     = "cross_tenant"
	ReasonStillOpen       = "still_open"
	ReasonAlreadyApproved = "already_approved"
	ReasonAlreadyInvoiced = "already_invoiced"
)

// ApprovalResult sums to len(input.EntryIDs):
// ApprovedCount + FailedCount == total.
type ApprovalResult struct {
	ApprovedCount int          `json:"approved_count"`
	FailedCount   int          `json:"failed_count"`
	Errors        []EntryError `json:"errors"`
}

// Approve processes the batch in one store transaction.
func (p *ApprovalProcessor) Approve(ctx context.Context, in ApprovalInput) (ApprovalResult, error) {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}

	result := ApprovalResult{Errors: []EntryError{}}
	err := p.Store.WithTx(ctx, func(s clock.Store) error {
		audit := clock.TxAuditLog(s, p.Audit)
		for _, id := range in.EntryIDs {
			entry, err := s.GetEntry(ctx, id)
			if err != nil {
				return fmt.Errorf("load entry %s: %w", id, err)
			}

			if reason := approvable(entry, in.TenantID); reason != "" {
				result.FailedCount++
				result.Errors = append(result.Errors, EntryError{EntryID: id, Reason: reason})
				continue
			}

			before := clock.Snapshot(entry)
			entry.Approved = true
			entry.ApprovedBy = in.ApproverID
			at := now
			entry.ApprovedAt = &at
			entry.UpdatedAt = now

			if err := s.UpdateEntry(ctx, *entry); err != nil {
				return fmt.Errorf("approve entry %s: %w", id, err)
			}

			if err := audit.Append(ctx, clock.AuditEntry{
				ID:       uuid.NewString(),
				TenantID: in.TenantID,
				ActorID:  in.ApproverID,
				Action:   clock.AuditBulkApprove,
				TargetID: string(entry.ID),
				Before:   before,
				After:    clock.Snapshot(entry),
				At:       now,
			}); err != nil {
				return fmt.Errorf("audit entry %s: %w", id, err)
			}

			result.ApprovedCount++
		}
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	return result, nil
}

// approvable returns the failure reason, or "" when the entry may be
// approved by this tenant.
func approvable(entry *clock.TimeEntry, tenant clock.TenantID) string {
	switch {
	case entry == nil:
		return ReasonNotFound
	case entry.TenantID != tenant:
		return ReasonCrossTenant
	case entry.IsOpen():
		return ReasonStillOpen
	case entry.InvoiceID != nil:
		return ReasonAlreadyInvoiced
	case entry.Approved:
		return ReasonAlreadyApproved
	default:
		return ""
	}
}

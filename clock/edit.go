/*
edit.go - Privileged time-entry corrections

PURPOSE:
  Admin corrections to recorded entries: adjusting timestamps, marking an
  entry disputed. Locked entries (approved or invoiced) reject edits unless
  the caller forces the override, and every edit - forced or not - writes an
  audit record with before/after snapshots.
*/
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryEditor applies audited corrections.
type EntryEditor struct {
	Store TxStore
	Audit AuditLog
	Now   func() time.Time
}

// EditRequest names the fields to change. Nil fields are left untouched.
type EditRequest struct {
	TenantID TenantID
	EntryID  EntryID
	ActorID  string

	ClockInAt  *time.Time
	ClockOutAt *time.Time
	Disputed   *bool
	Note       string

	// Force overrides the immutability guard for privileged correction
	// workflows. The audit record then carries the override action.
	Force bool
}

// Edit applies the requested changes and returns the updated entry.
func (ed *EntryEditor) Edit(ctx context.Context, req EditRequest) (*TimeEntry, error) {
	now := time.Now().UTC()
	if ed.Now != nil {
		now = ed.Now()
	}

	var updated *TimeEntry
	err := ed.Store.WithTx(ctx, func(s Store) error {
		audit := TxAuditLog(s, ed.Audit)

		entry, err := s.GetEntry(ctx, req.EntryID)
		if err != nil {
			return fmt.Errorf("load entry: %w", err)
		}
		if entry == nil || entry.TenantID != req.TenantID {
			return ErrEntryNotFound
		}

		if err := EnsureMutable(entry, req.Force); err != nil {
			return err
		}

		before := Snapshot(entry)

		if req.ClockInAt != nil {
			entry.ClockInAt = *req.ClockInAt
		}
		if req.ClockOutAt != nil {
			out := *req.ClockOutAt
			entry.ClockOutAt = &out
		}
		if entry.ClockOutAt != nil && !entry.ClockOutAt.After(entry.ClockInAt) {
			return ErrInvalidInterval
		}
		if req.Disputed != nil && *req.Disputed {
			entry.AddTag(TagDisputed)
		}
		entry.UpdatedAt = now

		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}

		action := AuditManualEdit
		if req.Force {
			action = AuditOverrideEdit
		}
		after := Snapshot(entry)
		if req.Note != "" {
			after["note"] = req.Note
		}
		if err := audit.Append(ctx, AuditEntry{
			ID:       uuid.NewString(),
			TenantID: req.TenantID,
			ActorID:  req.ActorID,
			Action:   action,
			TargetID: string(entry.ID),
			Before:   before,
			After:    after,
			At:       now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}

		updated = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

/*
store.go - Persistence interfaces for the clock engine

PURPOSE:
  Defines the boundary between domain logic and the database. All
  cross-record invariants (single open entry per worker, event-key
  uniqueness, invoice-locks-entries atomically) are enforced through the
  store's transactional primitive: read-then-conditional-write inside one
  WithTx, never via application-level locks.

KEY INTERFACES:
  Store:    Entry/job/assignment/invoice/event persistence
  TxStore:  Store plus WithTx for atomic multi-write operations
  AuditLog: Append-only who-did-what recorder

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (WAL, partial unique indexes)
  - clock/store:  in-memory with snapshot rollback, for tests

AUDIT CONTRACT:
  AuditLog has no update or delete. Entries are written only by the bulk
  approval processor, the invoice engine, and privileged manual edits.
*/
package clock

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Entries. UpdateEntry replaces the row; entries are never physically
	// deleted.
	CreateEntry(ctx context.Context, e TimeEntry) error
	GetEntry(ctx context.Context, id EntryID) (*TimeEntry, error)
	UpdateEntry(ctx context.Context, e TimeEntry) error

	// OpenEntry returns the worker's single open entry, nil if idle.
	OpenEntry(ctx context.Context, tenant TenantID, worker WorkerID) (*TimeEntry, error)

	// OpenEntriesBefore returns, across all tenants, open entries whose
	// clock-in is older than the cutoff. Sweep query.
	OpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]TimeEntry, error)

	// EntriesForWorkerInRange returns the worker's entries intersecting
	// [from, to], used for overlap detection at write time.
	EntriesForWorkerInRange(ctx context.Context, tenant TenantID, worker WorkerID, from, to time.Time) ([]TimeEntry, error)

	// EntriesForJob returns a job's entries, newest clock-in first.
	EntriesForJob(ctx context.Context, tenant TenantID, job JobID) ([]TimeEntry, error)

	// Jobs and assignments.
	SaveJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, tenant TenantID, id JobID) (*Job, error)
	SaveAssignment(ctx context.Context, a Assignment) error
	ActiveAssignment(ctx context.Context, tenant TenantID, worker WorkerID, job JobID, at time.Time) (*Assignment, error)

	// Idempotency records. RecordEvent fails with ErrDuplicateEventKey if
	// the key exists; ResolveEvent returns nil when unknown.
	ResolveEvent(ctx context.Context, key string) (*EventRecord, error)
	RecordEvent(ctx context.Context, rec EventRecord) error
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Invoices. CreateInvoice is the only write; invoices are never
	// updated by this engine.
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, tenant TenantID, id InvoiceID) (*Invoice, error)
}

// TxStore wraps Store with transaction support. If fn returns an error the
// transaction rolls back and no write is visible.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Append-only, separate from entry storage
// =============================================================================

type AuditAction string

const (
	AuditBulkApprove   AuditAction = "bulk_approve"
	AuditInvoiceLocked AuditAction = "invoice_locked"
	AuditManualEdit    AuditAction = "manual_edit"
	AuditOverrideEdit  AuditAction = "override_edit"
)

// AuditEntry records actor, action, target, and before/after snapshots.
type AuditEntry struct {
	ID       string
	TenantID TenantID
	ActorID  string
	Action   AuditAction
	TargetID string
	Before   map[string]any
	After    map[string]any
	At       time.Time
}

// AuditLog stores audit entries. Append-only: no update, no delete.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// TxAuditLog selects the audit sink for writes made inside a transaction.
// Stores whose transactional view also implements AuditLog (SQLite) get the
// audit row committed atomically with the writes it describes; otherwise the
// fallback sink is used.
func TxAuditLog(s Store, fallback AuditLog) AuditLog {
	if a, ok := s.(AuditLog); ok {
		return a
	}
	return fallback
}

type AuditFilter struct {
	TenantID *TenantID
	ActorID  *string
	TargetID *string
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}

// Snapshot converts a domain value into the generic map form stored in
// before/after audit columns. Values that cannot marshal produce an empty
// snapshot rather than an error; audit writing must never block the
// operation it records.
func Snapshot(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

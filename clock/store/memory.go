// Package store provides in-memory implementations of the clock storage
// interfaces, for tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sitewise/timeclock-engine/clock"
)

// =============================================================================
// MEMORY STORE - In-memory TxStore (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[clock.EntryID]clock.TimeEntry
	jobs        map[jobKey]clock.Job
	assignments []clock.Assignment
	events      map[string]clock.EventRecord
	invoices    map[clock.InvoiceID]clock.Invoice
}

type jobKey struct {
	Tenant clock.TenantID
	Job    clock.JobID
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[clock.EntryID]clock.TimeEntry),
		jobs:     make(map[jobKey]clock.Job),
		events:   make(map[string]clock.EventRecord),
		invoices: make(map[clock.InvoiceID]clock.Invoice),
	}
}

// -----------------------------------------------------------------------------
// Entries
// -----------------------------------------------------------------------------

func (m *Memory) CreateEntry(_ context.Context, e clock.TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntryLocked(e)
}

func (m *Memory) createEntryLocked(e clock.TimeEntry) error {
	if e.IsOpen() {
		for _, existing := range m.entries {
			if existing.TenantID == e.TenantID && existing.WorkerID == e.WorkerID && existing.IsOpen() {
				return &clock.AlreadyClockedInError{WorkerID: e.WorkerID, OpenEntryID: existing.ID}
			}
		}
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id clock.EntryID) (*clock.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	c := cloneEntry(e)
	return &c, nil
}

func (m *Memory) UpdateEntry(_ context.Context, e clock.TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateEntryLocked(e)
}

func (m *Memory) updateEntryLocked(e clock.TimeEntry) error {
	if _, ok := m.entries[e.ID]; !ok {
		return clock.ErrEntryNotFound
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) OpenEntry(_ context.Context, tenant clock.TenantID, worker clock.WorkerID) (*clock.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.TenantID == tenant && e.WorkerID == worker && e.IsOpen() {
			c := cloneEntry(e)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) OpenEntriesBefore(_ context.Context, cutoff time.Time) ([]clock.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openEntriesBeforeLocked(cutoff), nil
}

func (m *Memory) EntriesForWorkerInRange(_ context.Context, tenant clock.TenantID, worker clock.WorkerID, from, to time.Time) ([]clock.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []clock.TimeEntry
	for _, e := range m.entries {
		if e.TenantID != tenant || e.WorkerID != worker {
			continue
		}
		end := to
		if e.ClockOutAt != nil {
			end = *e.ClockOutAt
		}
		if e.ClockInAt.Before(to) && from.Before(end) {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockInAt.Before(result[j].ClockInAt) })
	return result, nil
}

func (m *Memory) EntriesForJob(_ context.Context, tenant clock.TenantID, job clock.JobID) ([]clock.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []clock.TimeEntry
	for _, e := range m.entries {
		if e.TenantID == tenant && e.JobID == job {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockInAt.After(result[j].ClockInAt) })
	return result, nil
}

// -----------------------------------------------------------------------------
// Jobs and assignments
// -----------------------------------------------------------------------------

func (m *Memory) SaveJob(_ context.Context, j clock.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobKey{j.TenantID, j.ID}] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, tenant clock.TenantID, id clock.JobID) (*clock.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobKey{tenant, id}]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *Memory) SaveAssignment(_ context.Context, a clock.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *Memory) ActiveAssignment(_ context.Context, tenant clock.TenantID, worker clock.WorkerID, job clock.JobID, at time.Time) (*clock.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.TenantID == tenant && a.WorkerID == worker && a.JobID == job && a.ActiveAt(at) {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

// -----------------------------------------------------------------------------
// Idempotency records
// -----------------------------------------------------------------------------

func (m *Memory) ResolveEvent(_ context.Context, key string) (*clock.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.events[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) RecordEvent(_ context.Context, rec clock.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordEventLocked(rec)
}

func (m *Memory) recordEventLocked(rec clock.EventRecord) error {
	if _, exists := m.events[rec.Key]; exists {
		return clock.ErrDuplicateEventKey
	}
	m.events[rec.Key] = rec
	return nil
}

func (m *Memory) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, rec := range m.events {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.events, key)
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

func (m *Memory) CreateInvoice(_ context.Context, inv clock.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInvoiceLocked(inv)
}

func (m *Memory) createInvoiceLocked(inv clock.Invoice) error {
	m.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, tenant clock.TenantID, id clock.InvoiceID) (*clock.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok || inv.TenantID != tenant {
		return nil, nil
	}
	c := cloneInvoice(inv)
	return &c, nil
}

// -----------------------------------------------------------------------------
// Cloning: callers must never share slices/pointers with stored state
// -----------------------------------------------------------------------------

func cloneEntry(e clock.TimeEntry) clock.TimeEntry {
	c := e
	c.Tags = append([]clock.ExceptionTag(nil), e.Tags...)
	if e.ClockOutAt != nil {
		t := *e.ClockOutAt
		c.ClockOutAt = &t
	}
	if e.ClockOutLoc != nil {
		l := *e.ClockOutLoc
		c.ClockOutLoc = &l
	}
	if e.GeoOKOut != nil {
		b := *e.GeoOKOut
		c.GeoOKOut = &b
	}
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		c.ApprovedAt = &t
	}
	if e.InvoiceID != nil {
		id := *e.InvoiceID
		c.InvoiceID = &id
	}
	if e.InvoicedAt != nil {
		t := *e.InvoicedAt
		c.InvoicedAt = &t
	}
	if e.ViolationDistanceM != nil {
		d := *e.ViolationDistanceM
		c.ViolationDistanceM = &d
	}
	return c
}

func cloneInvoice(inv clock.Invoice) clock.Invoice {
	c := inv
	c.EntryIDs = append([]clock.EntryID(nil), inv.EntryIDs...)
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a snapshot
// restored on error. The database enforces this for real; here it keeps the
// engine honest in tests.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn against a view of the store; on error all writes made
// inside fn are rolled back.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(clock.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries     map[clock.EntryID]clock.TimeEntry
	jobs        map[jobKey]clock.Job
	assignments []clock.Assignment
	events      map[string]clock.EventRecord
	invoices    map[clock.InvoiceID]clock.Invoice
}

func (tm *TxMemory) snapshot() memorySnapshot {
	entries := make(map[clock.EntryID]clock.TimeEntry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = cloneEntry(v)
	}
	jobs := make(map[jobKey]clock.Job, len(tm.jobs))
	for k, v := range tm.jobs {
		jobs[k] = v
	}
	events := make(map[string]clock.EventRecord, len(tm.events))
	for k, v := range tm.events {
		events[k] = v
	}
	invoices := make(map[clock.InvoiceID]clock.Invoice, len(tm.invoices))
	for k, v := range tm.invoices {
		invoices[k] = cloneInvoice(v)
	}
	return memorySnapshot{
		entries:     entries,
		jobs:        jobs,
		assignments: append([]clock.Assignment(nil), tm.assignments...),
		events:      events,
		invoices:    invoices,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.jobs = s.jobs
	tm.assignments = s.assignments
	tm.events = s.events
	tm.invoices = s.invoices
}

// txMemoryView operates on the parent's maps directly while the parent's
// mutex is held by WithTx; rollback is the snapshot restore above.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateEntry(_ context.Context, e clock.TimeEntry) error {
	return tv.parent.createEntryLocked(e)
}

func (tv *txMemoryView) GetEntry(_ context.Context, id clock.EntryID) (*clock.TimeEntry, error) {
	e, ok := tv.parent.entries[id]
	if !ok {
		return nil, nil
	}
	c := cloneEntry(e)
	return &c, nil
}

func (tv *txMemoryView) UpdateEntry(_ context.Context, e clock.TimeEntry) error {
	return tv.parent.updateEntryLocked(e)
}

func (tv *txMemoryView) OpenEntry(_ context.Context, tenant clock.TenantID, worker clock.WorkerID) (*clock.TimeEntry, error) {
	for _, e := range tv.parent.entries {
		if e.TenantID == tenant && e.WorkerID == worker && e.IsOpen() {
			c := cloneEntry(e)
			return &c, nil
		}
	}
	return nil, nil
}

func (tv *txMemoryView) OpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]clock.TimeEntry, error) {
	return tv.parent.Memory.openEntriesBeforeLocked(cutoff), nil
}

func (tv *txMemoryView) EntriesForWorkerInRange(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID, from, to time.Time) ([]clock.TimeEntry, error) {
	var result []clock.TimeEntry
	for _, e := range tv.parent.entries {
		if e.TenantID != tenant || e.WorkerID != worker {
			continue
		}
		end := to
		if e.ClockOutAt != nil {
			end = *e.ClockOutAt
		}
		if e.ClockInAt.Before(to) && from.Before(end) {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockInAt.Before(result[j].ClockInAt) })
	return result, nil
}

func (tv *txMemoryView) EntriesForJob(_ context.Context, tenant clock.TenantID, job clock.JobID) ([]clock.TimeEntry, error) {
	var result []clock.TimeEntry
	for _, e := range tv.parent.entries {
		if e.TenantID == tenant && e.JobID == job {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockInAt.After(result[j].ClockInAt) })
	return result, nil
}

func (tv *txMemoryView) SaveJob(_ context.Context, j clock.Job) error {
	tv.parent.jobs[jobKey{j.TenantID, j.ID}] = j
	return nil
}

func (tv *txMemoryView) GetJob(_ context.Context, tenant clock.TenantID, id clock.JobID) (*clock.Job, error) {
	j, ok := tv.parent.jobs[jobKey{tenant, id}]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (tv *txMemoryView) SaveAssignment(_ context.Context, a clock.Assignment) error {
	tv.parent.assignments = append(tv.parent.assignments, a)
	return nil
}

func (tv *txMemoryView) ActiveAssignment(_ context.Context, tenant clock.TenantID, worker clock.WorkerID, job clock.JobID, at time.Time) (*clock.Assignment, error) {
	for _, a := range tv.parent.assignments {
		if a.TenantID == tenant && a.WorkerID == worker && a.JobID == job && a.ActiveAt(at) {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (tv *txMemoryView) ResolveEvent(_ context.Context, key string) (*clock.EventRecord, error) {
	rec, ok := tv.parent.events[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (tv *txMemoryView) RecordEvent(_ context.Context, rec clock.EventRecord) error {
	return tv.parent.recordEventLocked(rec)
}

func (tv *txMemoryView) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	count := 0
	for key, rec := range tv.parent.events {
		if rec.CreatedAt.Before(cutoff) {
			delete(tv.parent.events, key)
			count++
		}
	}
	return count, nil
}

func (tv *txMemoryView) CreateInvoice(_ context.Context, inv clock.Invoice) error {
	return tv.parent.createInvoiceLocked(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, tenant clock.TenantID, id clock.InvoiceID) (*clock.Invoice, error) {
	inv, ok := tv.parent.invoices[id]
	if !ok || inv.TenantID != tenant {
		return nil, nil
	}
	c := cloneInvoice(inv)
	return &c, nil
}

// =============================================================================
// MEMORY AUDIT LOG - Append-only
// =============================================================================

type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []clock.AuditEntry
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (al *MemoryAuditLog) Append(_ context.Context, entry clock.AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.entries = append(al.entries, entry)
	return nil
}

func (al *MemoryAuditLog) Query(_ context.Context, filter clock.AuditFilter) ([]clock.AuditEntry, error) {
	al.mu.RLock()
	defer al.mu.RUnlock()

	var result []clock.AuditEntry
	for _, e := range al.entries {
		if filter.TenantID != nil && e.TenantID != *filter.TenantID {
			continue
		}
		if filter.ActorID != nil && e.ActorID != *filter.ActorID {
			continue
		}
		if filter.TargetID != nil && e.TargetID != *filter.TargetID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		if filter.From != nil && e.At.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.At.After(*filter.To) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func containsAction(actions []clock.AuditAction, a clock.AuditAction) bool {
	for _, candidate := range actions {
		if candidate == a {
			return true
		}
	}
	return false
}

func (m *Memory) openEntriesBeforeLocked(cutoff time.Time) []clock.TimeEntry {
	var result []clock.TimeEntry
	for _, e := range m.entries {
		if e.IsOpen() && e.ClockInAt.Before(cutoff) {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClockInAt.Before(result[j].ClockInAt) })
	return result
}

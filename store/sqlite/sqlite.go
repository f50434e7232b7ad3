/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements clock.TxStore and clock.AuditLog using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  time_entries:  Shift segments; never physically deleted
  jobs:          Billable sites with geofence anchors
  assignments:   Worker-to-job standing permissions
  clock_events:  Idempotency records, purged after the retention window
  invoices:      Created once, never updated by this engine
  audit_log:     Append-only; no UPDATE or DELETE statements exist for it

INVARIANTS IN THE SCHEMA:
  - idx_entries_one_open: partial UNIQUE index enforcing at most one open
    entry per (tenant, worker). A concurrent second clock-in aborts here
    even if it slipped past the application check.
  - clock_events.key PRIMARY KEY: the loser of two concurrent identical
    requests aborts on this and gets resolved into an idempotent replay.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/timeclock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Legacy deployments with the old
  column names are normalized by normalizeLegacySchema (migrate.go).

SEE ALSO:
  - clock/store.go: Interface definitions
  - clock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sitewise/timeclock-engine/clock"
)

// Store implements clock.TxStore and clock.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Legacy column aliases must be renamed before any index referencing
	// the canonical names is created, or the index DDL fails on old files.
	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := store.normalizeLegacySchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to normalize legacy schema: %w", err)
	}
	if err := store.createIndexes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	-- Time entries (rows are never deleted)
	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		clock_in_at TEXT NOT NULL,
		clock_out_at TEXT,
		in_lat REAL NOT NULL,
		in_lng REAL NOT NULL,
		in_accuracy_m REAL NOT NULL,
		out_lat REAL,
		out_lng REAL,
		out_accuracy_m REAL,
		geo_ok_in INTEGER NOT NULL,
		geo_ok_out INTEGER,
		approved INTEGER NOT NULL DEFAULT 0,
		approved_by TEXT,
		approved_at TEXT,
		invoice_id TEXT,
		invoiced_at TEXT,
		tags_json TEXT,
		violation_dist_m REAL,
		clock_in_event_id TEXT,
		clock_out_event_id TEXT,
		device_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Jobs
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		customer_id TEXT,
		anchor_lat REAL NOT NULL,
		anchor_lng REAL NOT NULL,
		tolerance_m REAL NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Assignments
	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL
	);

	-- Idempotency records for clock operations
	CREATE TABLE IF NOT EXISTS clock_events (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Invoices (created once; status transitions happen downstream)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		customer_id TEXT,
		entry_ids_json TEXT NOT NULL,
		total_hours TEXT NOT NULL,
		hourly_rate TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		due_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) createIndexes() error {
	schema := `
	-- CRITICAL: at most one open entry per (tenant, worker)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_one_open
		ON time_entries(tenant_id, worker_id)
		WHERE clock_out_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_entries_worker
		ON time_entries(tenant_id, worker_id, clock_in_at);
	CREATE INDEX IF NOT EXISTS idx_entries_job
		ON time_entries(tenant_id, job_id, clock_in_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_open_age
		ON time_entries(clock_in_at) WHERE clock_out_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_invoice
		ON time_entries(invoice_id) WHERE invoice_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_assignments_worker_job
		ON assignments(tenant_id, worker_id, job_id);

	CREATE INDEX IF NOT EXISTS idx_clock_events_age
		ON clock_events(created_at);

	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_job
		ON invoices(tenant_id, job_id);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(tenant_id, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_log(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so timestamps stored as TEXT sort and compare
// lexicographically. RFC3339Nano trims trailing sub-second zeros, which
// breaks range comparisons at sub-second boundaries. Reads still parse
// with RFC3339Nano, which accepts rows written in either form.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// queryer is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve plain and transactional access.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TIME ENTRIES
// =============================================================================

const entryColumns = `id, tenant_id, worker_id, job_id, clock_in_at, clock_out_at,
	in_lat, in_lng, in_accuracy_m, out_lat, out_lng, out_accuracy_m,
	geo_ok_in, geo_ok_out, approved, approved_by, approved_at,
	invoice_id, invoiced_at, tags_json, violation_dist_m,
	clock_in_event_id, clock_out_event_id, device_id, created_at, updated_at`

func (s *Store) CreateEntry(ctx context.Context, e clock.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createEntry(ctx, s.db, e)
}

func createEntry(ctx context.Context, db queryer, e clock.TimeEntry) error {
	tagsJSON, _ := json.Marshal(e.Tags)

	query := `
		INSERT INTO time_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID, e.TenantID, e.WorkerID, e.JobID,
		e.ClockInAt.UTC().Format(timeLayout),
		nullTime(e.ClockOutAt),
		e.ClockInLoc.Lat, e.ClockInLoc.Lng, e.ClockInLoc.AccuracyM,
		nullLocLat(e.ClockOutLoc), nullLocLng(e.ClockOutLoc), nullLocAcc(e.ClockOutLoc),
		boolInt(e.GeoOKIn), nullBool(e.GeoOKOut),
		boolInt(e.Approved), nullString(e.ApprovedBy), nullTime(e.ApprovedAt),
		nullInvoiceID(e.InvoiceID), nullTime(e.InvoicedAt),
		string(tagsJSON), nullFloat(e.ViolationDistanceM),
		nullString(e.ClockInEventID), nullString(e.ClockOutEventID), nullString(e.DeviceID),
		e.CreatedAt.UTC().Format(timeLayout),
		e.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_entries_one_open") ||
				strings.Contains(err.Error(), "tenant_id, time_entries.worker_id") {
				return &clock.AlreadyClockedInError{WorkerID: e.WorkerID}
			}
			return fmt.Errorf("entry exists: %w", err)
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id clock.EntryID) (*clock.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, db queryer, id clock.EntryID) (*clock.TimeEntry, error) {
	entries, err := queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM time_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) UpdateEntry(ctx context.Context, e clock.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEntry(ctx, s.db, e)
}

func updateEntry(ctx context.Context, db queryer, e clock.TimeEntry) error {
	tagsJSON, _ := json.Marshal(e.Tags)

	query := `
		UPDATE time_entries SET
			clock_in_at = ?, clock_out_at = ?,
			out_lat = ?, out_lng = ?, out_accuracy_m = ?,
			geo_ok_out = ?,
			approved = ?, approved_by = ?, approved_at = ?,
			invoice_id = ?, invoiced_at = ?,
			tags_json = ?, violation_dist_m = ?,
			clock_out_event_id = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		e.ClockInAt.UTC().Format(timeLayout),
		nullTime(e.ClockOutAt),
		nullLocLat(e.ClockOutLoc), nullLocLng(e.ClockOutLoc), nullLocAcc(e.ClockOutLoc),
		nullBool(e.GeoOKOut),
		boolInt(e.Approved), nullString(e.ApprovedBy), nullTime(e.ApprovedAt),
		nullInvoiceID(e.InvoiceID), nullTime(e.InvoicedAt),
		string(tagsJSON), nullFloat(e.ViolationDistanceM),
		nullString(e.ClockOutEventID),
		e.UpdatedAt.UTC().Format(timeLayout),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return clock.ErrEntryNotFound
	}
	return nil
}

func (s *Store) OpenEntry(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID) (*clock.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openEntry(ctx, s.db, tenant, worker)
}

func openEntry(ctx context.Context, db queryer, tenant clock.TenantID, worker clock.WorkerID) (*clock.TimeEntry, error) {
	entries, err := queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM time_entries
		 WHERE tenant_id = ? AND worker_id = ? AND clock_out_at IS NULL`,
		tenant, worker)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) OpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]clock.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openEntriesBefore(ctx, s.db, cutoff)
}

func openEntriesBefore(ctx context.Context, db queryer, cutoff time.Time) ([]clock.TimeEntry, error) {
	return queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM time_entries
		 WHERE clock_out_at IS NULL AND clock_in_at < ?
		 ORDER BY clock_in_at ASC`,
		cutoff.UTC().Format(timeLayout))
}

func (s *Store) EntriesForWorkerInRange(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID, from, to time.Time) ([]clock.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesForWorkerInRange(ctx, s.db, tenant, worker, from, to)
}

func entriesForWorkerInRange(ctx context.Context, db queryer, tenant clock.TenantID, worker clock.WorkerID, from, to time.Time) ([]clock.TimeEntry, error) {
	// Open entries have no end; treat them as extending past the range.
	return queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM time_entries
		 WHERE tenant_id = ? AND worker_id = ?
		   AND clock_in_at < ?
		   AND (clock_out_at IS NULL OR clock_out_at > ?)
		 ORDER BY clock_in_at ASC`,
		tenant, worker,
		to.UTC().Format(timeLayout),
		from.UTC().Format(timeLayout))
}

func (s *Store) EntriesForJob(ctx context.Context, tenant clock.TenantID, job clock.JobID) ([]clock.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesForJob(ctx, s.db, tenant, job)
}

func entriesForJob(ctx context.Context, db queryer, tenant clock.TenantID, job clock.JobID) ([]clock.TimeEntry, error) {
	return queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM time_entries
		 WHERE tenant_id = ? AND job_id = ?
		 ORDER BY clock_in_at DESC`,
		tenant, job)
}

func queryEntries(ctx context.Context, db queryer, query string, args ...any) ([]clock.TimeEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []clock.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (clock.TimeEntry, error) {
	var (
		e              clock.TimeEntry
		clockInAt      string
		clockOutAt     sql.NullString
		outLat, outLng sql.NullFloat64
		outAcc         sql.NullFloat64
		geoOKIn        int
		geoOKOut       sql.NullInt64
		approved       int
		approvedBy     sql.NullString
		approvedAt     sql.NullString
		invoiceID      sql.NullString
		invoicedAt     sql.NullString
		tagsJSON       sql.NullString
		violationDist  sql.NullFloat64
		inEventID      sql.NullString
		outEventID     sql.NullString
		deviceID       sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&e.ID, &e.TenantID, &e.WorkerID, &e.JobID, &clockInAt, &clockOutAt,
		&e.ClockInLoc.Lat, &e.ClockInLoc.Lng, &e.ClockInLoc.AccuracyM,
		&outLat, &outLng, &outAcc,
		&geoOKIn, &geoOKOut, &approved, &approvedBy, &approvedAt,
		&invoiceID, &invoicedAt, &tagsJSON, &violationDist,
		&inEventID, &outEventID, &deviceID, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ClockInAt, _ = time.Parse(time.RFC3339Nano, clockInAt)
	if clockOutAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, clockOutAt.String)
		e.ClockOutAt = &t
	}
	if outLat.Valid && outLng.Valid {
		loc := clock.Location{
			GeoPoint:  clock.GeoPoint{Lat: outLat.Float64, Lng: outLng.Float64},
			AccuracyM: outAcc.Float64,
		}
		e.ClockOutLoc = &loc
	}
	e.GeoOKIn = geoOKIn != 0
	if geoOKOut.Valid {
		b := geoOKOut.Int64 != 0
		e.GeoOKOut = &b
	}
	e.Approved = approved != 0
	e.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, approvedAt.String)
		e.ApprovedAt = &t
	}
	if invoiceID.Valid {
		id := clock.InvoiceID(invoiceID.String)
		e.InvoiceID = &id
	}
	if invoicedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, invoicedAt.String)
		e.InvoicedAt = &t
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		json.Unmarshal([]byte(tagsJSON.String), &e.Tags)
	}
	if violationDist.Valid {
		d := violationDist.Float64
		e.ViolationDistanceM = &d
	}
	e.ClockInEventID = inEventID.String
	e.ClockOutEventID = outEventID.String
	e.DeviceID = deviceID.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return e, nil
}

// =============================================================================
// JOBS AND ASSIGNMENTS
// =============================================================================

func (s *Store) SaveJob(ctx context.Context, j clock.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveJob(ctx, s.db, j)
}

func saveJob(ctx context.Context, db queryer, j clock.Job) error {
	query := `
		INSERT INTO jobs (id, tenant_id, name, customer_id, anchor_lat, anchor_lng, tolerance_m, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			customer_id = excluded.customer_id,
			anchor_lat = excluded.anchor_lat,
			anchor_lng = excluded.anchor_lng,
			tolerance_m = excluded.tolerance_m,
			active = excluded.active
	`
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, query,
		j.ID, j.TenantID, j.Name, j.CustomerID,
		j.Anchor.Lat, j.Anchor.Lng, j.ToleranceM, boolInt(j.Active),
		createdAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, tenant clock.TenantID, id clock.JobID) (*clock.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJob(ctx, s.db, tenant, id)
}

func getJob(ctx context.Context, db queryer, tenant clock.TenantID, id clock.JobID) (*clock.Job, error) {
	var (
		j         clock.Job
		active    int
		createdAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, customer_id, anchor_lat, anchor_lng, tolerance_m, active, created_at
		 FROM jobs WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	).Scan(&j.ID, &j.TenantID, &j.Name, &j.CustomerID,
		&j.Anchor.Lat, &j.Anchor.Lng, &j.ToleranceM, &active, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	j.Active = active != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &j, nil
}

func (s *Store) SaveAssignment(ctx context.Context, a clock.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveAssignment(ctx, s.db, a)
}

func saveAssignment(ctx context.Context, db queryer, a clock.Assignment) error {
	query := `
		INSERT INTO assignments (id, tenant_id, worker_id, job_id, effective_from, effective_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to
	`
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, query,
		a.ID, a.TenantID, a.WorkerID, a.JobID,
		a.EffectiveFrom.UTC().Format(timeLayout),
		nullTime(a.EffectiveTo),
		createdAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

func (s *Store) ActiveAssignment(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID, job clock.JobID, at time.Time) (*clock.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeAssignment(ctx, s.db, tenant, worker, job, at)
}

func activeAssignment(ctx context.Context, db queryer, tenant clock.TenantID, worker clock.WorkerID, job clock.JobID, at time.Time) (*clock.Assignment, error) {
	atStr := at.UTC().Format(timeLayout)
	var (
		a             clock.Assignment
		effectiveFrom string
		effectiveTo   sql.NullString
		createdAt     string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, tenant_id, worker_id, job_id, effective_from, effective_to, created_at
		 FROM assignments
		 WHERE tenant_id = ? AND worker_id = ? AND job_id = ?
		   AND effective_from <= ?
		   AND (effective_to IS NULL OR effective_to >= ?)
		 LIMIT 1`,
		tenant, worker, job, atStr, atStr,
	).Scan(&a.ID, &a.TenantID, &a.WorkerID, &a.JobID, &effectiveFrom, &effectiveTo, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query assignment: %w", err)
	}
	a.EffectiveFrom, _ = time.Parse(time.RFC3339Nano, effectiveFrom)
	if effectiveTo.Valid {
		t, _ := time.Parse(time.RFC3339Nano, effectiveTo.String)
		a.EffectiveTo = &t
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func (s *Store) ResolveEvent(ctx context.Context, key string) (*clock.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolveEvent(ctx, s.db, key)
}

func resolveEvent(ctx context.Context, db queryer, key string) (*clock.EventRecord, error) {
	var (
		rec       clock.EventRecord
		createdAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT key, kind, tenant_id, entry_id, result_json, created_at
		 FROM clock_events WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Kind, &rec.TenantID, &rec.EntryID, &rec.ResultJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}

func (s *Store) RecordEvent(ctx context.Context, rec clock.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordEvent(ctx, s.db, rec)
}

func recordEvent(ctx context.Context, db queryer, rec clock.EventRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO clock_events (key, kind, tenant_id, entry_id, result_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Kind, rec.TenantID, rec.EntryID, rec.ResultJSON,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clock.ErrDuplicateEventKey
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return purgeEventsBefore(ctx, s.db, cutoff)
}

func purgeEventsBefore(ctx context.Context, db queryer, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM clock_events WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv clock.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createInvoice(ctx, s.db, inv)
}

func createInvoice(ctx context.Context, db queryer, inv clock.Invoice) error {
	entryIDs, _ := json.Marshal(inv.EntryIDs)
	_, err := db.ExecContext(ctx,
		`INSERT INTO invoices (id, tenant_id, job_id, customer_id, entry_ids_json,
			total_hours, hourly_rate, total_amount, status, due_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TenantID, inv.JobID, inv.CustomerID, string(entryIDs),
		inv.TotalHours.String(), inv.HourlyRate.String(), inv.TotalAmount.String(),
		inv.Status,
		inv.DueDate.UTC().Format(timeLayout),
		inv.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, tenant clock.TenantID, id clock.InvoiceID) (*clock.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, tenant, id)
}

func getInvoice(ctx context.Context, db queryer, tenant clock.TenantID, id clock.InvoiceID) (*clock.Invoice, error) {
	var (
		inv          clock.Invoice
		entryIDsJSON string
		totalHours   string
		hourlyRate   string
		totalAmount  string
		dueDate      string
		createdAt    string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, tenant_id, job_id, customer_id, entry_ids_json,
			total_hours, hourly_rate, total_amount, status, due_date, created_at
		 FROM invoices WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	).Scan(&inv.ID, &inv.TenantID, &inv.JobID, &inv.CustomerID, &entryIDsJSON,
		&totalHours, &hourlyRate, &totalAmount, &inv.Status, &dueDate, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	json.Unmarshal([]byte(entryIDsJSON), &inv.EntryIDs)
	inv.TotalHours = parseDecimal(totalHours)
	inv.HourlyRate = parseDecimal(hourlyRate)
	inv.TotalAmount = parseDecimal(totalAmount)
	inv.DueDate, _ = time.Parse(time.RFC3339Nano, dueDate)
	inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &inv, nil
}

// =============================================================================
// TRANSACTIONS (clock.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Reads inside fn go
// through the transaction too, so read-then-conditional-write is atomic.
func (s *Store) WithTx(ctx context.Context, fn func(store clock.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateEntry(ctx context.Context, e clock.TimeEntry) error {
	return createEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id clock.EntryID) (*clock.TimeEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) UpdateEntry(ctx context.Context, e clock.TimeEntry) error {
	return updateEntry(ctx, ts.tx, e)
}

func (ts *txStore) OpenEntry(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID) (*clock.TimeEntry, error) {
	return openEntry(ctx, ts.tx, tenant, worker)
}

func (ts *txStore) OpenEntriesBefore(ctx context.Context, cutoff time.Time) ([]clock.TimeEntry, error) {
	return openEntriesBefore(ctx, ts.tx, cutoff)
}

func (ts *txStore) EntriesForWorkerInRange(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID, from, to time.Time) ([]clock.TimeEntry, error) {
	return entriesForWorkerInRange(ctx, ts.tx, tenant, worker, from, to)
}

func (ts *txStore) EntriesForJob(ctx context.Context, tenant clock.TenantID, job clock.JobID) ([]clock.TimeEntry, error) {
	return entriesForJob(ctx, ts.tx, tenant, job)
}

func (ts *txStore) SaveJob(ctx context.Context, j clock.Job) error {
	return saveJob(ctx, ts.tx, j)
}

func (ts *txStore) GetJob(ctx context.Context, tenant clock.TenantID, id clock.JobID) (*clock.Job, error) {
	return getJob(ctx, ts.tx, tenant, id)
}

func (ts *txStore) SaveAssignment(ctx context.Context, a clock.Assignment) error {
	return saveAssignment(ctx, ts.tx, a)
}

func (ts *txStore) ActiveAssignment(ctx context.Context, tenant clock.TenantID, worker clock.WorkerID, job clock.JobID, at time.Time) (*clock.Assignment, error) {
	return activeAssignment(ctx, ts.tx, tenant, worker, job, at)
}

func (ts *txStore) ResolveEvent(ctx context.Context, key string) (*clock.EventRecord, error) {
	return resolveEvent(ctx, ts.tx, key)
}

func (ts *txStore) RecordEvent(ctx context.Context, rec clock.EventRecord) error {
	return recordEvent(ctx, ts.tx, rec)
}

func (ts *txStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return purgeEventsBefore(ctx, ts.tx, cutoff)
}

func (ts *txStore) CreateInvoice(ctx context.Context, inv clock.Invoice) error {
	return createInvoice(ctx, ts.tx, inv)
}

func (ts *txStore) GetInvoice(ctx context.Context, tenant clock.TenantID, id clock.InvoiceID) (*clock.Invoice, error) {
	return getInvoice(ctx, ts.tx, tenant, id)
}

// txStore also implements clock.AuditLog so audit rows written during a
// transaction commit (or roll back) with the writes they describe.
func (ts *txStore) Append(ctx context.Context, entry clock.AuditEntry) error {
	return appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) Query(ctx context.Context, filter clock.AuditFilter) ([]clock.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, filter)
}

// =============================================================================
// AUDIT LOG (clock.AuditLog interface)
// =============================================================================

// Append writes an audit entry. There is no update or delete path for
// audit_log anywhere in this package.
func (s *Store) Append(ctx context.Context, entry clock.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func appendAudit(ctx context.Context, db queryer, entry clock.AuditEntry) error {
	beforeJSON, _ := json.Marshal(entry.Before)
	afterJSON, _ := json.Marshal(entry.After)

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, actor_id, action, target_id, before_json, after_json, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.ActorID, entry.Action, entry.TargetID,
		string(beforeJSON), string(afterJSON),
		entry.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries matching the filter, oldest first.
func (s *Store) Query(ctx context.Context, filter clock.AuditFilter) ([]clock.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAudit(ctx, s.db, filter)
}

func queryAudit(ctx context.Context, db queryer, filter clock.AuditFilter) ([]clock.AuditEntry, error) {
	query := `SELECT id, tenant_id, actor_id, action, target_id, before_json, after_json, at
		FROM audit_log WHERE 1=1`
	var args []any

	if filter.TenantID != nil {
		query += ` AND tenant_id = ?`
		args = append(args, *filter.TenantID)
	}
	if filter.ActorID != nil {
		query += ` AND actor_id = ?`
		args = append(args, *filter.ActorID)
	}
	if filter.TargetID != nil {
		query += ` AND target_id = ?`
		args = append(args, *filter.TargetID)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (?` + strings.Repeat(",?", len(filter.Actions)-1) + `)`
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.From != nil {
		query += ` AND at >= ?`
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if filter.To != nil {
		query += ` AND at <= ?`
		args = append(args, filter.To.UTC().Format(timeLayout))
	}
	query += ` ORDER BY at ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []clock.AuditEntry
	for rows.Next() {
		var (
			e          clock.AuditEntry
			beforeJSON sql.NullString
			afterJSON  sql.NullString
			at         string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.TargetID,
			&beforeJSON, &afterJSON, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if beforeJSON.Valid && beforeJSON.String != "null" {
			json.Unmarshal([]byte(beforeJSON.String), &e.Before)
		}
		if afterJSON.Valid && afterJSON.String != "null" {
			json.Unmarshal([]byte(afterJSON.String), &e.After)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func nullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	v := int64(0)
	if *b {
		v = 1
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInvoiceID(id *clock.InvoiceID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullLocLat(l *clock.Location) sql.NullFloat64 {
	if l == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: l.Lat, Valid: true}
}

func nullLocLng(l *clock.Location) sql.NullFloat64 {
	if l == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: l.Lng, Valid: true}
}

func nullLocAcc(l *clock.Location) sql.NullFloat64 {
	if l == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: l.AccuracyM, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseDecimal is for reading back values this package wrote itself; a
// corrupt column yields zero rather than an error.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

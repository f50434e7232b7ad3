/*
handlers.go - HTTP API handlers for the time-clock engine

PURPOSE:
  Exposes the clock and billing engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Clock:
    POST   /api/clock/in               Clock a worker in (idempotent)
    POST   /api/clock/out              Clock a worker out (idempotent)

  Entries:
    GET    /api/entries                List a worker's entries in a range
    GET    /api/entries/{id}           Get one entry
    PATCH  /api/entries/{id}           Privileged correction (audited)
    POST   /api/entries/approve        Bulk approve

  Invoices:
    POST   /api/invoices               Create invoice, lock entries
    GET    /api/invoices/{id}          Get invoice

  Jobs:
    POST   /api/jobs                   Create/update a job site
    GET    /api/jobs/{id}              Get job
    GET    /api/jobs/{id}/entries      Entries for a job

  Admin:
    POST   /api/assignments            Assign a worker to a job
    POST   /api/sweep                  Run auto-clockout sweep (?dry_run=1)
    GET    /api/audit                  Query the audit log

TENANCY:
  Every request carries X-Tenant-ID (and X-Actor-ID for admin operations).
  The claims middleware rejects requests without a tenant; handlers never
  read tenant identifiers from request bodies.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing tenant claim
  - 403: Cross-tenant access
  - 404: Resource not found
  - 409: Conflict (already clocked in, already invoiced, paused)
  - 422: Geofence rejection (carries distance_m / allowed_m)
  - 423: Locked entry (approved or invoiced)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sitewise/timeclock-engine/billing"
	"github.com/sitewise/timeclock-engine/clock"
)

// =============================================================================
// CLAIMS MIDDLEWARE
// =============================================================================

type claimsKey struct{}

// Claims identifies the caller. Populated by RequireClaims from headers;
// an upstream gateway is expected to have authenticated them.
type Claims struct {
	TenantID clock.TenantID
	ActorID  string
}

// RequireClaims rejects requests without a tenant identifier.
func RequireClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header", nil)
			return
		}
		claims := Claims{
			TenantID: clock.TenantID(tenant),
			ActorID:  r.Header.Get("X-Actor-ID"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) Claims {
	c, _ := ctx.Value(claimsKey{}).(Claims)
	return c
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store clock.TxStore
	Audit clock.AuditLog

	Machine  *clock.StateMachine
	Sweeper  *clock.Sweeper
	Editor   *clock.EntryEditor
	Approval *billing.ApprovalProcessor
	Invoices *billing.InvoiceEngine
}

// NewHandler wires the engines over the given store and config source.
func NewHandler(store clock.TxStore, audit clock.AuditLog, cfg clock.ConfigFunc) *Handler {
	return &Handler{
		Store:    store,
		Audit:    audit,
		Machine:  clock.NewStateMachine(store, cfg),
		Sweeper:  clock.NewSweeper(store, cfg),
		Editor:   &clock.EntryEditor{Store: store, Audit: audit},
		Approval: &billing.ApprovalProcessor{Store: store, Audit: audit},
		Invoices: &billing.InvoiceEngine{Store: store, Audit: audit},
	}
}

// =============================================================================
// CLOCK ENDPOINTS
// =============================================================================

// ClockIn clocks a worker in.
// POST /api/clock/in
func (h *Handler) ClockIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req ClockInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WorkerID == "" || req.JobID == "" || req.ClientEventID == "" {
		writeError(w, http.StatusBadRequest, "worker_id, job_id and client_event_id are required", nil)
		return
	}
	at, err := parseOptionalTime(req.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at timestamp", err)
		return
	}

	result, err := h.Machine.ClockIn(r.Context(), clock.ClockInRequest{
		TenantID: claims.TenantID,
		WorkerID: clock.WorkerID(req.WorkerID),
		JobID:    clock.JobID(req.JobID),
		Position: clock.Location{
			GeoPoint:  clock.GeoPoint{Lat: req.Lat, Lng: req.Lng},
			AccuracyM: req.AccuracyM,
		},
		ClientEventID: req.ClientEventID,
		DeviceID:      req.DeviceID,
		At:            at,
	})
	if err != nil {
		writeDomainError(w, "Clock-in failed", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ClockInResponse{
		EntryID:  string(result.EntryID),
		Replayed: result.Replayed,
	})
}

// ClockOut clocks a worker out.
// POST /api/clock/out
func (h *Handler) ClockOut(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req ClockOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WorkerID == "" || req.EntryID == "" || req.ClientEventID == "" {
		writeError(w, http.StatusBadRequest, "worker_id, entry_id and client_event_id are required", nil)
		return
	}
	at, err := parseOptionalTime(req.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at timestamp", err)
		return
	}

	result, err := h.Machine.ClockOut(r.Context(), clock.ClockOutRequest{
		TenantID: claims.TenantID,
		WorkerID: clock.WorkerID(req.WorkerID),
		EntryID:  clock.EntryID(req.EntryID),
		Position: clock.Location{
			GeoPoint:  clock.GeoPoint{Lat: req.Lat, Lng: req.Lng},
			AccuracyM: req.AccuracyM,
		},
		ClientEventID: req.ClientEventID,
		DeviceID:      req.DeviceID,
		At:            at,
	})
	if err != nil {
		writeDomainError(w, "Clock-out failed", err)
		return
	}

	writeJSON(w, http.StatusOK, ClockOutResponse{
		EntryID:  string(result.EntryID),
		Warning:  result.Warning,
		Tags:     tagStrings(result.Tags),
		Replayed: result.Replayed,
	})
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

// ListEntries returns a worker's entries intersecting a time range.
// GET /api/entries?worker_id=...&from=...&to=...
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id query parameter is required", nil)
		return
	}
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from/to timestamps", err)
		return
	}

	entries, err := h.Store.EntriesForWorkerInRange(r.Context(), claims.TenantID, clock.WorkerID(workerID), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}

	dtos := make([]TimeEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toTimeEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// GetEntry returns one entry.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	entry, err := h.Store.GetEntry(r.Context(), clock.EntryID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entry", err)
		return
	}
	if entry == nil || entry.TenantID != claims.TenantID {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// EditEntry applies a privileged correction.
// PATCH /api/entries/{id}
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	var req EditEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	edit := clock.EditRequest{
		TenantID: claims.TenantID,
		EntryID:  clock.EntryID(id),
		ActorID:  claims.ActorID,
		Disputed: req.Disputed,
		Note:     req.Note,
		Force:    req.Force,
	}
	if req.ClockInAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ClockInAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid clock_in_at", err)
			return
		}
		edit.ClockInAt = &t
	}
	if req.ClockOutAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ClockOutAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid clock_out_at", err)
			return
		}
		edit.ClockOutAt = &t
	}

	entry, err := h.Editor.Edit(r.Context(), edit)
	if err != nil {
		writeDomainError(w, "Edit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimeEntryDTO(*entry))
}

// ApproveEntries bulk-approves closed entries.
// POST /api/entries/approve
func (h *Handler) ApproveEntries(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.EntryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "entry_ids must not be empty", nil)
		return
	}

	ids := make([]clock.EntryID, len(req.EntryIDs))
	for i, id := range req.EntryIDs {
		ids[i] = clock.EntryID(id)
	}

	result, err := h.Approval.Approve(r.Context(), billing.ApprovalInput{
		TenantID:   claims.TenantID,
		ApproverID: claims.ActorID,
		EntryIDs:   ids,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Approval failed", err)
		return
	}

	resp := ApproveResponse{
		ApprovedCount: result.ApprovedCount,
		FailedCount:   result.FailedCount,
		Errors:        make([]EntryErrorDTO, 0, len(result.Errors)),
	}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, EntryErrorDTO{EntryID: string(e.EntryID), Reason: e.Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// CreateInvoice locks approved entries into an invoice.
// POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.JobID == "" || len(req.EntryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "job_id and entry_ids are required", nil)
		return
	}
	rate, err := decimal.NewFromString(req.HourlyRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hourly_rate", err)
		return
	}
	dueDate, err := time.Parse("2006-01-02", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date (expected YYYY-MM-DD)", err)
		return
	}

	ids := make([]clock.EntryID, len(req.EntryIDs))
	for i, id := range req.EntryIDs {
		ids[i] = clock.EntryID(id)
	}

	result, err := h.Invoices.CreateInvoice(r.Context(), billing.InvoiceInput{
		TenantID:   claims.TenantID,
		ActorID:    claims.ActorID,
		JobID:      clock.JobID(req.JobID),
		CustomerID: req.CustomerID,
		EntryIDs:   ids,
		HourlyRate: rate,
		DueDate:    dueDate,
	})
	if err != nil {
		writeDomainError(w, "Invoice creation failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"invoice_id":   string(result.InvoiceID),
		"total_hours":  result.TotalHours.StringFixed(2),
		"total_amount": result.TotalAmount.StringFixed(2),
		"entry_count":  result.EntryCount,
	})
}

// GetInvoice returns one invoice.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	inv, err := h.Store.GetInvoice(r.Context(), claims.TenantID, clock.InvoiceID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// JOB AND ASSIGNMENT ENDPOINTS
// =============================================================================

// CreateJob creates or updates a job site.
// POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	anchor := clock.Location{GeoPoint: clock.GeoPoint{Lat: req.AnchorLat, Lng: req.AnchorLng}}
	if !anchor.Valid() || req.ToleranceM <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid anchor coordinates or tolerance", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	job := clock.Job{
		ID:         clock.JobID(req.ID),
		TenantID:   claims.TenantID,
		Name:       req.Name,
		CustomerID: req.CustomerID,
		Anchor:     clock.GeoPoint{Lat: req.AnchorLat, Lng: req.AnchorLng},
		ToleranceM: req.ToleranceM,
		Active:     active,
	}
	if err := h.Store.SaveJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save job", err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobDTO(job))
}

// GetJob returns one job.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	job, err := h.Store.GetJob(r.Context(), claims.TenantID, clock.JobID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// ListJobEntries returns all entries recorded against a job.
// GET /api/jobs/{id}/entries
func (h *Handler) ListJobEntries(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")

	entries, err := h.Store.EntriesForJob(r.Context(), claims.TenantID, clock.JobID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}
	dtos := make([]TimeEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toTimeEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// CreateAssignment assigns a worker to a job.
// POST /api/assignments
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req CreateAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.WorkerID == "" || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "worker_id and job_id are required", nil)
		return
	}
	from, err := time.Parse(time.RFC3339, req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from", err)
		return
	}

	assignment := clock.Assignment{
		ID:            fmt.Sprintf("%s-%s-%s", claims.TenantID, req.WorkerID, req.JobID),
		TenantID:      claims.TenantID,
		WorkerID:      clock.WorkerID(req.WorkerID),
		JobID:         clock.JobID(req.JobID),
		EffectiveFrom: from,
	}
	if req.EffectiveTo != nil {
		to, err := time.Parse(time.RFC3339, *req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_to", err)
			return
		}
		assignment.EffectiveTo = &to
	}

	if err := h.Store.SaveAssignment(r.Context(), assignment); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": assignment.ID})
}

// =============================================================================
// SWEEP AND AUDIT ENDPOINTS
// =============================================================================

// RunSweep runs one auto-clockout sweep pass.
// POST /api/sweep?dry_run=1
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "1" || r.URL.Query().Get("dry_run") == "true"

	result, err := h.Sweeper.Run(r.Context(), dryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}

	resp := SweepResponse{
		ProcessedCount: result.ProcessedCount,
		DryRun:         result.DryRun,
		Entries:        make([]SweptEntryDTO, 0, len(result.Entries)),
		PurgedEvents:   result.PurgedEvents,
	}
	for _, e := range result.Entries {
		resp.Entries = append(resp.Entries, SweptEntryDTO{
			EntryID:   string(e.EntryID),
			WorkerID:  string(e.WorkerID),
			JobID:     string(e.JobID),
			ClockInAt: e.ClockInAt.Format(time.RFC3339),
			CutoffAt:  e.CutoffAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueryAudit returns audit records for the caller's tenant.
// GET /api/audit?target_id=...&actor_id=...&action=...
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	filter := clock.AuditFilter{TenantID: &claims.TenantID}
	if v := r.URL.Query().Get("target_id"); v != "" {
		filter.TargetID = &v
	}
	if v := r.URL.Query().Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := r.URL.Query().Get("action"); v != "" {
		filter.Actions = []clock.AuditAction{clock.AuditAction(v)}
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{
			ID:       e.ID,
			ActorID:  e.ActorID,
			Action:   string(e.Action),
			TargetID: e.TargetID,
			Before:   e.Before,
			After:    e.After,
			At:       e.At.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": dtos})
}

// =============================================================================
// ERROR MAPPING AND HELPERS
// =============================================================================

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var fence *clock.OutsideGeofenceError
	if errors.As(err, &fence) {
		resp := ErrorResponse{
			Error:     message,
			Details:   fence.Error(),
			DistanceM: &fence.DistanceM,
			AllowedM:  &fence.AllowedM,
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, clock.ErrLockedEntry):
		status = http.StatusLocked
	case errors.Is(err, clock.ErrCrossTenantAccess):
		status = http.StatusForbidden
	case clock.IsClientError(err):
		status = http.StatusBadRequest
	case clock.IsNotFound(err):
		status = http.StatusNotFound
	case clock.IsConflict(err):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseRange defaults to the trailing 14 days when unset.
func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -14), now
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and domain logic, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - clock/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/sitewise/timeclock-engine/clock"
)

// =============================================================================
// CLOCK OPERATIONS
// =============================================================================

// ClockInRequest is the body of POST /api/clock/in.
type ClockInRequest struct {
	WorkerID      string  `json:"worker_id"`
	JobID         string  `json:"job_id"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	AccuracyM     float64 `json:"accuracy_m"`
	ClientEventID string  `json:"client_event_id"`
	DeviceID      string  `json:"device_id"`
	At            string  `json:"at,omitempty"`
}

// ClockInResponse reports the created (or replayed) entry.
type ClockInResponse struct {
	EntryID  string `json:"entry_id"`
	Replayed bool   `json:"replayed,omitempty"`
}

// ClockOutRequest is the body of POST /api/clock/out.
type ClockOutRequest struct {
	WorkerID      string  `json:"worker_id"`
	EntryID       string  `json:"entry_id"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	AccuracyM     float64 `json:"accuracy_m"`
	ClientEventID string  `json:"client_event_id"`
	DeviceID      string  `json:"device_id"`
	At            string  `json:"at,omitempty"`
}

// ClockOutResponse reports the closed entry with any review flags.
type ClockOutResponse struct {
	EntryID  string   `json:"entry_id"`
	Warning  string   `json:"warning,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Replayed bool     `json:"replayed,omitempty"`
}

// =============================================================================
// ENTRIES
// =============================================================================

// TimeEntryDTO represents a time entry in API responses.
type TimeEntryDTO struct {
	ID         string       `json:"id"`
	WorkerID   string       `json:"worker_id"`
	JobID      string       `json:"job_id"`
	ClockInAt  string       `json:"clock_in_at"`
	ClockOutAt *string      `json:"clock_out_at,omitempty"`
	ClockInLoc LocationDTO  `json:"clock_in_loc"`
	ClockOutLoc *LocationDTO `json:"clock_out_loc,omitempty"`
	GeoOKIn    bool         `json:"geo_ok_in"`
	GeoOKOut   *bool        `json:"geo_ok_out,omitempty"`
	Approved   bool         `json:"approved"`
	ApprovedBy string       `json:"approved_by,omitempty"`
	InvoiceID  string       `json:"invoice_id,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	ViolationDistanceM *float64 `json:"violation_distance_m,omitempty"`
	DurationHours      string   `json:"duration_hours,omitempty"`
}

// LocationDTO is a reported position.
type LocationDTO struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

// EditEntryRequest is the body of PATCH /api/entries/{id}.
type EditEntryRequest struct {
	ClockInAt  *string `json:"clock_in_at,omitempty"`
	ClockOutAt *string `json:"clock_out_at,omitempty"`
	Disputed   *bool   `json:"disputed,omitempty"`
	Note       string  `json:"note,omitempty"`
	Force      bool    `json:"force,omitempty"`
}

// =============================================================================
// APPROVAL AND INVOICING
// =============================================================================

// ApproveRequest is the body of POST /api/entries/approve.
type ApproveRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

// ApproveResponse reports per-entry outcomes.
type ApproveResponse struct {
	ApprovedCount int             `json:"approved_count"`
	FailedCount   int             `json:"failed_count"`
	Errors        []EntryErrorDTO `json:"errors"`
}

// EntryErrorDTO names one entry that failed and why.
type EntryErrorDTO struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

// CreateInvoiceRequest is the body of POST /api/invoices.
type CreateInvoiceRequest struct {
	JobID      string   `json:"job_id"`
	CustomerID string   `json:"customer_id"`
	EntryIDs   []string `json:"entry_ids"`
	HourlyRate string   `json:"hourly_rate"`
	DueDate    string   `json:"due_date"`
}

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID          string   `json:"id"`
	JobID       string   `json:"job_id"`
	CustomerID  string   `json:"customer_id,omitempty"`
	EntryIDs    []string `json:"entry_ids"`
	TotalHours  string   `json:"total_hours"`
	HourlyRate  string   `json:"hourly_rate"`
	TotalAmount string   `json:"total_amount"`
	Status      string   `json:"status"`
	DueDate     string   `json:"due_date"`
	CreatedAt   string   `json:"created_at"`
}

// =============================================================================
// JOBS AND ASSIGNMENTS
// =============================================================================

// JobDTO represents a job site.
type JobDTO struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CustomerID string  `json:"customer_id,omitempty"`
	AnchorLat  float64 `json:"anchor_lat"`
	AnchorLng  float64 `json:"anchor_lng"`
	ToleranceM float64 `json:"tolerance_m"`
	Active     bool    `json:"active"`
}

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CustomerID string  `json:"customer_id"`
	AnchorLat  float64 `json:"anchor_lat"`
	AnchorLng  float64 `json:"anchor_lng"`
	ToleranceM float64 `json:"tolerance_m"`
	Active     *bool   `json:"active,omitempty"`
}

// CreateAssignmentRequest is the body of POST /api/assignments.
type CreateAssignmentRequest struct {
	WorkerID      string  `json:"worker_id"`
	JobID         string  `json:"job_id"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
}

// =============================================================================
// SWEEP AND AUDIT
// =============================================================================

// SweepResponse reports one sweep pass.
type SweepResponse struct {
	ProcessedCount int             `json:"processed_count"`
	DryRun         bool            `json:"dry_run"`
	Entries        []SweptEntryDTO `json:"entries"`
	PurgedEvents   int             `json:"purged_events,omitempty"`
}

// SweptEntryDTO describes one auto-closed (or candidate) entry.
type SweptEntryDTO struct {
	EntryID   string `json:"entry_id"`
	WorkerID  string `json:"worker_id"`
	JobID     string `json:"job_id"`
	ClockInAt string `json:"clock_in_at"`
	CutoffAt  string `json:"cutoff_at"`
}

// AuditEntryDTO represents one audit record.
type AuditEntryDTO struct {
	ID       string         `json:"id"`
	ActorID  string         `json:"actor_id"`
	Action   string         `json:"action"`
	TargetID string         `json:"target_id"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	At       string         `json:"at"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Geofence rejections carry the measured and allowed distances so
	// clients can show "you are 340m away".
	DistanceM *float64 `json:"distance_m,omitempty"`
	AllowedM  *float64 `json:"allowed_m,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toTimeEntryDTO(e clock.TimeEntry) TimeEntryDTO {
	dto := TimeEntryDTO{
		ID:        string(e.ID),
		WorkerID:  string(e.WorkerID),
		JobID:     string(e.JobID),
		ClockInAt: e.ClockInAt.Format(time.RFC3339),
		ClockInLoc: LocationDTO{
			Lat: e.ClockInLoc.Lat, Lng: e.ClockInLoc.Lng, AccuracyM: e.ClockInLoc.AccuracyM,
		},
		GeoOKIn:            e.GeoOKIn,
		GeoOKOut:           e.GeoOKOut,
		Approved:           e.Approved,
		ApprovedBy:         e.ApprovedBy,
		Tags:               tagStrings(e.Tags),
		ViolationDistanceM: e.ViolationDistanceM,
	}
	if e.ClockOutAt != nil {
		out := e.ClockOutAt.Format(time.RFC3339)
		dto.ClockOutAt = &out
		dto.DurationHours = e.DurationHours().StringFixed(2)
	}
	if e.ClockOutLoc != nil {
		loc := LocationDTO{Lat: e.ClockOutLoc.Lat, Lng: e.ClockOutLoc.Lng, AccuracyM: e.ClockOutLoc.AccuracyM}
		dto.ClockOutLoc = &loc
	}
	if e.InvoiceID != nil {
		dto.InvoiceID = string(*e.InvoiceID)
	}
	return dto
}

func toInvoiceDTO(inv clock.Invoice) InvoiceDTO {
	ids := make([]string, len(inv.EntryIDs))
	for i, id := range inv.EntryIDs {
		ids[i] = string(id)
	}
	return InvoiceDTO{
		ID:          string(inv.ID),
		JobID:       string(inv.JobID),
		CustomerID:  inv.CustomerID,
		EntryIDs:    ids,
		TotalHours:  inv.TotalHours.StringFixed(2),
		HourlyRate:  inv.HourlyRate.StringFixed(2),
		TotalAmount: inv.TotalAmount.StringFixed(2),
		Status:      string(inv.Status),
		DueDate:     inv.DueDate.Format("2006-01-02"),
		CreatedAt:   inv.CreatedAt.Format(time.RFC3339),
	}
}

func toJobDTO(j clock.Job) JobDTO {
	return JobDTO{
		ID:         string(j.ID),
		Name:       j.Name,
		CustomerID: j.CustomerID,
		AnchorLat:  j.Anchor.Lat,
		AnchorLng:  j.Anchor.Lng,
		ToleranceM: j.ToleranceM,
		Active:     j.Active,
	}
}

func tagStrings(tags []clock.ExceptionTag) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

/*
Package clock provides the core time-clock engine.

PURPOSE:
  This package contains the domain types and algorithms for field-workforce
  time tracking: clock-in/clock-out state transitions, geofence validation,
  idempotent event handling, exception tagging, and the immutability rules
  that protect entries once they have been approved or invoiced.

KEY CONCEPTS IN THIS FILE (types.go):
  - TimeEntry: One worker's shift segment at one job site
  - Job: A billable site with a geofence anchor and tolerance radius
  - Assignment: A worker's standing permission to clock against a job
  - Invoice: The financial lock over a set of approved entries
  - ExceptionTag: Anomaly labels attached for human review
  - Config: Per-request operational settings (never process globals)

DESIGN PRINCIPLES:
  1. Explicit schema: required vs optional fields are part of the type
     (pointers mark "not yet happened"), never string-keyed lookups
  2. Precision: decimal.Decimal for hours and money, no float accumulation
  3. Type safety: distinct ID types so tenant/worker/job IDs cannot be mixed
  4. Immutability: approved or invoiced entries change only by forced,
     audited override

SEE ALSO:
  - machine.go: Clock-in/clock-out state machine
  - geofence.go: Great-circle distance validation
  - store.go: Persistence interfaces
*/
package clock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type WorkerID string
type JobID string
type EntryID string
type InvoiceID string

// =============================================================================
// GEOGRAPHY
// =============================================================================

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// Location is a reported position with its GPS accuracy radius.
type Location struct {
	GeoPoint
	AccuracyM float64
}

// Valid reports whether the coordinate is a plausible WGS84 position.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 &&
		l.Lng >= -180 && l.Lng <= 180 &&
		l.AccuracyM >= 0
}

// =============================================================================
// EXCEPTION TAGS
// =============================================================================

type ExceptionTag string

const (
	TagOutsideGeofence ExceptionTag = "outside_geofence"
	TagOverlongShift   ExceptionTag = "overlong_shift"
	TagAutoClosed      ExceptionTag = "auto_closed"
	TagOverlapping     ExceptionTag = "overlapping"
	TagDisputed        ExceptionTag = "disputed"
)

// =============================================================================
// TIME ENTRY - One worker's shift segment at one job
// =============================================================================

type TimeEntry struct {
	ID       EntryID
	TenantID TenantID
	WorkerID WorkerID
	JobID    JobID

	ClockInAt  time.Time
	ClockOutAt *time.Time

	ClockInLoc  Location
	ClockOutLoc *Location
	GeoOKIn     bool
	GeoOKOut    *bool

	Approved   bool
	ApprovedBy string
	ApprovedAt *time.Time

	InvoiceID  *InvoiceID
	InvoicedAt *time.Time

	// Tags is an ordered set: insertion order preserved, no duplicates.
	Tags               []ExceptionTag
	ViolationDistanceM *float64

	ClockInEventID  string
	ClockOutEventID string
	DeviceID        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the entry has no clock-out yet.
func (e *TimeEntry) IsOpen() bool {
	return e.ClockOutAt == nil
}

// HasTag checks membership in the tag set.
func (e *TimeEntry) HasTag(tag ExceptionTag) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present.
func (e *TimeEntry) AddTag(tag ExceptionTag) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// Duration returns the closed interval length, zero while open.
func (e *TimeEntry) Duration() time.Duration {
	if e.ClockOutAt == nil {
		return 0
	}
	return e.ClockOutAt.Sub(e.ClockInAt)
}

// DurationHours returns the closed interval length in decimal hours.
func (e *TimeEntry) DurationHours() decimal.Decimal {
	return decimal.NewFromInt(int64(e.Duration() / time.Second)).
		Div(decimal.NewFromInt(3600))
}

// Overlaps reports whether two intervals intersect. Open entries extend to
// the comparison horizon supplied by the caller.
func (e *TimeEntry) Overlaps(other *TimeEntry, horizon time.Time) bool {
	endOf := func(entry *TimeEntry) time.Time {
		if entry.ClockOutAt != nil {
			return *entry.ClockOutAt
		}
		return horizon
	}
	return e.ClockInAt.Before(endOf(other)) && other.ClockInAt.Before(endOf(e))
}

// =============================================================================
// JOB - A billable site with a geofence
// =============================================================================

type Job struct {
	ID         JobID
	TenantID   TenantID
	Name       string
	CustomerID string
	Anchor     GeoPoint
	ToleranceM float64
	Active     bool
	CreatedAt  time.Time
}

// =============================================================================
// ASSIGNMENT - Standing permission for a worker to clock against a job
// =============================================================================

type Assignment struct {
	ID          string
	TenantID    TenantID
	WorkerID    WorkerID
	JobID       JobID
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	CreatedAt     time.Time
}

// ActiveAt reports whether the assignment covers the given instant.
func (a Assignment) ActiveAt(t time.Time) bool {
	if t.Before(a.EffectiveFrom) {
		return false
	}
	if a.EffectiveTo != nil && t.After(*a.EffectiveTo) {
		return false
	}
	return true
}

// =============================================================================
// INVOICE - Financial lock over approved entries
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceSent    InvoiceStatus = "sent"
	InvoicePaid    InvoiceStatus = "paid"
)

// Invoice is created once by the invoice engine. EntryIDs, totals and rate
// never change afterwards; only Status is transitioned by the external
// billing collaborator.
type Invoice struct {
	ID          InvoiceID
	TenantID    TenantID
	JobID       JobID
	CustomerID  string
	EntryIDs    []EntryID
	TotalHours  decimal.Decimal
	HourlyRate  decimal.Decimal
	TotalAmount decimal.Decimal
	Status      InvoiceStatus
	DueDate     time.Time
	CreatedAt   time.Time
}

// =============================================================================
// CONFIG - Operational settings, injected and read fresh per request
// =============================================================================

// Config carries the operational knobs. It is delivered through a ConfigFunc
// so callers always see the latest externally-supplied values; nothing in
// this package keeps a process-global copy.
type Config struct {
	// MaxShift is the duration above which a closed entry is tagged
	// overlong_shift.
	MaxShift time.Duration

	// AutoClockoutAfter is how long an entry may stay open before the
	// sweeper force-closes it.
	AutoClockoutAfter time.Duration

	// EventRetention bounds how long idempotency records are kept before
	// the sweep purges them. Legitimate retries arrive within seconds.
	EventRetention time.Duration

	// ClockInPaused rejects new clock-ins while set. Emergency use only;
	// clock-outs always remain allowed.
	ClockInPaused bool
}

// ConfigFunc supplies the current Config for one request.
type ConfigFunc func() Config

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxShift:          12 * time.Hour,
		AutoClockoutAfter: 12 * time.Hour,
		EventRetention:    48 * time.Hour,
	}
}

// StaticConfig wraps a fixed Config as a ConfigFunc.
func StaticConfig(cfg Config) ConfigFunc {
	return func() Config { return cfg }
}

/*
errors.go - Centralized error types for the clock engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these to HTTP statuses; nothing is swallowed.

ERROR CATEGORIES:
  1. Input validation - rejected before any write, never auto-retried
  2. Not found        - missing job, entry, assignment
  3. State conflict   - already clocked in, locked, already invoiced
  4. Geofence hard    - clock-in outside the fence, carries the distance
  5. Infrastructure   - store failures, retryable with the same event key

USAGE:
    if errors.Is(err, clock.ErrAlreadyClockedIn) { ... }

    var fence *clock.OutsideGeofenceError
    if errors.As(err, &fence) {
        log.Printf("distance %.0fm > %.0fm", fence.DistanceM, fence.AllowedM)
    }
*/
package clock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidCoordinate is returned for malformed positions. Rejected
	// before any write.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrJobNotFound is returned when the referenced job doesn't exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobInactive is returned when clocking against a deactivated job.
	ErrJobInactive = errors.New("job inactive")

	// ErrNoAssignment is returned when the worker has no active assignment
	// to the job at clock-in time.
	ErrNoAssignment = errors.New("no active assignment for job")

	// ErrAlreadyClockedIn is returned when the worker already has an open
	// entry. The structured form carries the open entry's ID.
	ErrAlreadyClockedIn = errors.New("already clocked in")

	// ErrOutsideGeofence is returned when clock-in is attempted outside the
	// effective radius. Hard gate: no entry is created.
	ErrOutsideGeofence = errors.New("outside geofence")

	// ErrEntryNotFound is returned when the referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNotClockedIn is returned when clocking out an entry that is not
	// the worker's open entry.
	ErrNotClockedIn = errors.New("not clocked in")

	// ErrLockedEntry is returned when mutating an approved or invoiced
	// entry without force.
	ErrLockedEntry = errors.New("entry locked")

	// ErrAlreadyInvoiced is returned when an entry is already attached to
	// an invoice.
	ErrAlreadyInvoiced = errors.New("entry already invoiced")

	// ErrNotApproved is returned when invoicing an unapproved entry.
	ErrNotApproved = errors.New("entry not approved")

	// ErrCrossTenantAccess is returned when a record belongs to another
	// tenant. Fails closed, never silently skipped.
	ErrCrossTenantAccess = errors.New("cross-tenant access")

	// ErrClockInPaused is returned while the emergency pause is set.
	ErrClockInPaused = errors.New("clock-in temporarily paused")

	// ErrDuplicateEventKey is returned by stores when an idempotency key
	// already exists. The state machine treats this as a replay.
	ErrDuplicateEventKey = errors.New("duplicate event key")

	// ErrInvalidInterval is returned when an edit would set clock-out at or
	// before clock-in.
	ErrInvalidInterval = errors.New("invalid interval: clock-out not after clock-in")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OutsideGeofenceError reports how far outside the fence the caller was.
type OutsideGeofenceError struct {
	JobID     JobID
	DistanceM float64
	AllowedM  float64
}

func (e *OutsideGeofenceError) Error() string {
	return fmt.Sprintf("outside geofence for job %s: %.1fm away, %.1fm allowed",
		e.JobID, e.DistanceM, e.AllowedM)
}

func (e *OutsideGeofenceError) Unwrap() error { return ErrOutsideGeofence }

// AlreadyClockedInError carries the worker's currently open entry so clients
// can offer to close it.
type AlreadyClockedInError struct {
	WorkerID    WorkerID
	OpenEntryID EntryID
}

func (e *AlreadyClockedInError) Error() string {
	return fmt.Sprintf("worker %s already clocked in (entry %s)", e.WorkerID, e.OpenEntryID)
}

func (e *AlreadyClockedInError) Unwrap() error { return ErrAlreadyClockedIn }

// LockedEntryError explains which lock blocks the mutation.
type LockedEntryError struct {
	EntryID EntryID
	Reason  string // "approved" or "invoiced"
}

func (e *LockedEntryError) Error() string {
	return fmt.Sprintf("entry %s is locked (%s)", e.EntryID, e.Reason)
}

func (e *LockedEntryError) Unwrap() error { return ErrLockedEntry }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true for invalid input the caller must fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCoordinate) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrOutsideGeofence)
}

// IsNotFound returns true for missing records.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrNoAssignment)
}

// IsConflict returns true for state conflicts the caller can resolve.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClockedIn) ||
		errors.Is(err, ErrNotClockedIn) ||
		errors.Is(err, ErrAlreadyInvoiced) ||
		errors.Is(err, ErrNotApproved) ||
		errors.Is(err, ErrDuplicateEventKey) ||
		errors.Is(err, ErrJobInactive) ||
		errors.Is(err, ErrClockInPaused)
}

// IsRetryable returns true when repeating the request with the same event
// key is safe and might succeed.
func IsRetryable(err error) bool {
	return err != nil &&
		!IsClientError(err) && !IsNotFound(err) && !IsConflict(err) &&
		!errors.Is(err, ErrLockedEntry) && !errors.Is(err, ErrCrossTenantAccess)
}

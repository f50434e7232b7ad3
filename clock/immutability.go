/*
immutability.go - Guard over financially consumed entries

PURPOSE:
  Once an entry is approved, or attached to an invoice, it is part of the
  financial record and must not change. Every mutation path routes through
  EnsureMutable; privileged correction workflows may pass force, but the
  editor then writes an override audit record.
*/
package clock

// EnsureMutable fails with LockedEntryError when the entry is approved or
// invoiced, unless force is set. Invoiced wins over approved in the reported
// reason because it is the stronger lock.
func EnsureMutable(e *TimeEntry, force bool) error {
	if force {
		return nil
	}
	if e.InvoiceID != nil {
		return &LockedEntryError{EntryID: e.ID, Reason: "invoiced"}
	}
	if e.Approved {
		return &LockedEntryError{EntryID: e.ID, Reason: "approved"}
	}
	return nil
}

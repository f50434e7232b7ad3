/*
tagger.go - Exception tagging rules

PURPOSE:
  Inspects a completed (or force-closed) entry and attaches anomaly tags
  for human review. Tags are additive, never exclusive, and never removed
  automatically.

RULES:
  outside_geofence: clock-in or clock-out failed the fence check
  overlong_shift:   duration exceeds the configured ceiling
  auto_closed:      closed by the sweeper, not a worker action
  overlapping:      interval intersects another entry for the same worker
  disputed:         NEVER set here - explicit worker/admin action only,
                    via the entry editor
*/
package clock

import "time"

// TagInput carries the facts the rules need beyond the entry itself.
type TagInput struct {
	MaxShift    time.Duration
	AutoClosed  bool
	Overlapping bool
}

// ApplyExceptionTags evaluates the rules against a closed entry, mutating
// its tag set. Returns the tags added by this call.
func ApplyExceptionTags(e *TimeEntry, in TagInput) []ExceptionTag {
	before := len(e.Tags)

	if !e.GeoOKIn || (e.GeoOKOut != nil && !*e.GeoOKOut) {
		e.AddTag(TagOutsideGeofence)
	}
	if in.MaxShift > 0 && e.Duration() > in.MaxShift {
		e.AddTag(TagOverlongShift)
	}
	if in.AutoClosed {
		e.AddTag(TagAutoClosed)
	}
	if in.Overlapping {
		e.AddTag(TagOverlapping)
	}

	return e.Tags[before:]
}

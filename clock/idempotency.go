/*
idempotency.go - Event key derivation and replay records

PURPOSE:
  Mobile clients retry clock requests on timeout without distinct intent.
  Every clock operation carries a client-generated event ID; the server
  derives a deterministic key from it and records the produced result in the
  SAME transaction as the entry write. A retried request resolves the key
  first and gets the recorded result back verbatim - no new entry, no new
  audit row.

  Two concurrent identical requests cannot both pass the resolve step: the
  loser's transaction aborts on the key's uniqueness constraint and the
  caller retries into a replay.

RETENTION:
  Records are garbage-collected after Config.EventRetention (the sweep pass
  calls PurgeEventsBefore). Legitimate retries occur within seconds, not
  days.
*/
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// OpKind distinguishes the two clock operations inside an event key, so a
// client reusing one event ID for both directions still gets two keys.
type OpKind string

const (
	OpClockIn  OpKind = "clock_in"
	OpClockOut OpKind = "clock_out"
)

// EventRecord is the stored outcome of a completed clock operation.
type EventRecord struct {
	Key        string
	Kind       OpKind
	TenantID   TenantID
	EntryID    EntryID
	ResultJSON string
	CreatedAt  time.Time
}

// EventKey derives the deterministic idempotency key for one clock attempt.
// The device ID is part of the key: two devices replaying the same event ID
// are distinct intents.
func EventKey(tenant TenantID, worker WorkerID, job JobID, deviceID, clientEventID string, kind OpKind) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		tenant, worker, job, deviceID, clientEventID, kind)))
	return hex.EncodeToString(sum[:])
}

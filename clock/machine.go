/*
machine.go - Clock-in/clock-out state machine

PURPOSE:
  Enforces the per-(tenant, worker) lifecycle: Idle -> Clocked-In -> Idle.
  Each transition runs the idempotency resolve, the state reads, and the
  writes inside ONE store transaction, so two concurrent identical requests
  yield exactly one entry and both callers observe the same result.

TRANSITIONS:
  ClockIn:  requires an active assignment, an idle worker, and a position
            inside the geofence. The fence is a HARD gate here - failing it
            creates nothing.
  ClockOut: requires the worker's open entry. The fence is a SOFT gate -
            the entry still closes, but gains the outside_geofence tag and
            the caller receives a warning instead of an error.

REPLAY:
  A request whose event key is already recorded returns the stored result
  verbatim and logs "idempotent replay". A concurrent duplicate that loses
  the race aborts on the key constraint and is resolved into a replay.
*/
package clock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// StateMachine executes clock transitions against a transactional store.
type StateMachine struct {
	Store  TxStore
	Config ConfigFunc

	// Now is the clock source; nil means time.Now. Tests inject a fixed
	// clock here.
	Now func() time.Time
}

// NewStateMachine creates a state machine with the given store and config
// source.
func NewStateMachine(store TxStore, cfg ConfigFunc) *StateMachine {
	return &StateMachine{Store: store, Config: cfg}
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// =============================================================================
// CLOCK IN
// =============================================================================

// ClockInRequest is one clock-in attempt. At is optional; zero means now.
type ClockInRequest struct {
	TenantID      TenantID
	WorkerID      WorkerID
	JobID         JobID
	Position      Location
	ClientEventID string
	DeviceID      string
	At            time.Time
}

// ClockInResult is recorded with the entry and replayed verbatim on retries.
type ClockInResult struct {
	EntryID EntryID `json:"entry_id"`

	// Replayed marks results served from a prior idempotency record. Not
	// part of the recorded payload.
	Replayed bool `json:"-"`
}

// ClockIn transitions the worker from Idle to Clocked-In.
func (m *StateMachine) ClockIn(ctx context.Context, req ClockInRequest) (ClockInResult, error) {
	at := req.At
	if at.IsZero() {
		at = m.now()
	}
	key := EventKey(req.TenantID, req.WorkerID, req.JobID, req.DeviceID, req.ClientEventID, OpClockIn)

	var result ClockInResult
	err := m.Store.WithTx(ctx, func(s Store) error {
		prior, err := s.ResolveEvent(ctx, key)
		if err != nil {
			return fmt.Errorf("resolve event: %w", err)
		}
		if prior != nil {
			log.Printf("[Clock] idempotent replay: clock-in %s worker=%s", req.ClientEventID, req.WorkerID)
			return replayInto(prior, &result)
		}

		cfg := m.Config()
		if cfg.ClockInPaused {
			return ErrClockInPaused
		}
		if !req.Position.Valid() {
			return ErrInvalidCoordinate
		}

		job, err := s.GetJob(ctx, req.TenantID, req.JobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if job == nil {
			return ErrJobNotFound
		}
		if !job.Active {
			return ErrJobInactive
		}

		assignment, err := s.ActiveAssignment(ctx, req.TenantID, req.WorkerID, req.JobID, at)
		if err != nil {
			return fmt.Errorf("load assignment: %w", err)
		}
		if assignment == nil {
			return ErrNoAssignment
		}

		open, err := s.OpenEntry(ctx, req.TenantID, req.WorkerID)
		if err != nil {
			return fmt.Errorf("load open entry: %w", err)
		}
		if open != nil {
			return &AlreadyClockedInError{WorkerID: req.WorkerID, OpenEntryID: open.ID}
		}

		geo := EvaluateGeofence(req.Position, job.Anchor, job.ToleranceM)
		if !geo.WithinFence {
			return &OutsideGeofenceError{JobID: job.ID, DistanceM: geo.DistanceM, AllowedM: geo.EffectiveRadiusM}
		}

		entry := TimeEntry{
			ID:             EntryID(uuid.NewString()),
			TenantID:       req.TenantID,
			WorkerID:       req.WorkerID,
			JobID:          req.JobID,
			ClockInAt:      at,
			ClockInLoc:     req.Position,
			GeoOKIn:        true,
			ClockInEventID: req.ClientEventID,
			DeviceID:       req.DeviceID,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		if err := s.CreateEntry(ctx, entry); err != nil {
			return fmt.Errorf("create entry: %w", err)
		}

		result = ClockInResult{EntryID: entry.ID}
		return recordResult(ctx, s, key, OpClockIn, req.TenantID, entry.ID, result, at)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEventKey) {
			if replayed, rerr := m.resolveRaced(ctx, key, &result); rerr == nil && replayed {
				return result, nil
			}
		}
		return ClockInResult{}, err
	}
	return result, nil
}

// =============================================================================
// CLOCK OUT
// =============================================================================

type ClockOutRequest struct {
	TenantID      TenantID
	WorkerID      WorkerID
	EntryID       EntryID
	Position      Location
	ClientEventID string
	DeviceID      string
	At            time.Time
}

type ClockOutResult struct {
	EntryID EntryID        `json:"entry_id"`
	Warning string         `json:"warning,omitempty"`
	Tags    []ExceptionTag `json:"tags,omitempty"`

	Replayed bool `json:"-"`
}

// ClockOut transitions the worker back to Idle and closes the entry.
func (m *StateMachine) ClockOut(ctx context.Context, req ClockOutRequest) (ClockOutResult, error) {
	at := req.At
	if at.IsZero() {
		at = m.now()
	}
	// The entry ID anchors the key's job component so retries stay stable
	// even if the client omits the job on clock-out.
	key := EventKey(req.TenantID, req.WorkerID, JobID(req.EntryID), req.DeviceID, req.ClientEventID, OpClockOut)

	var result ClockOutResult
	err := m.Store.WithTx(ctx, func(s Store) error {
		prior, err := s.ResolveEvent(ctx, key)
		if err != nil {
			return fmt.Errorf("resolve event: %w", err)
		}
		if prior != nil {
			log.Printf("[Clock] idempotent replay: clock-out %s worker=%s", req.ClientEventID, req.WorkerID)
			return replayInto(prior, &result)
		}

		if !req.Position.Valid() {
			return ErrInvalidCoordinate
		}

		entry, err := s.GetEntry(ctx, req.EntryID)
		if err != nil {
			return fmt.Errorf("load entry: %w", err)
		}
		if entry == nil || entry.TenantID != req.TenantID {
			return ErrEntryNotFound
		}
		if entry.WorkerID != req.WorkerID || !entry.IsOpen() {
			return ErrNotClockedIn
		}

		job, err := s.GetJob(ctx, req.TenantID, entry.JobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		var warning string
		geoOK := true
		if job != nil {
			geo := EvaluateGeofence(req.Position, job.Anchor, job.ToleranceM)
			geoOK = geo.WithinFence
			if !geoOK {
				// Soft gate: close the entry anyway, flag for review.
				warning = fmt.Sprintf("clock-out outside geofence: %.0fm away, %.0fm allowed",
					geo.DistanceM, geo.EffectiveRadiusM)
				d := geo.DistanceM
				entry.ViolationDistanceM = &d
			}
		}

		out := at
		pos := req.Position
		entry.ClockOutAt = &out
		entry.ClockOutLoc = &pos
		entry.GeoOKOut = &geoOK
		entry.ClockOutEventID = req.ClientEventID
		entry.UpdatedAt = at

		overlapping, err := m.detectOverlap(ctx, s, entry)
		if err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}

		ApplyExceptionTags(entry, TagInput{
			MaxShift:    m.Config().MaxShift,
			Overlapping: overlapping,
		})

		if err := s.UpdateEntry(ctx, *entry); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}

		result = ClockOutResult{EntryID: entry.ID, Warning: warning, Tags: entry.Tags}
		return recordResult(ctx, s, key, OpClockOut, req.TenantID, entry.ID, result, at)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEventKey) {
			if replayed, rerr := m.resolveRaced(ctx, key, &result); rerr == nil && replayed {
				return result, nil
			}
		}
		return ClockOutResult{}, err
	}
	return result, nil
}

// detectOverlap reports whether the (now closed) entry intersects any other
// entry for the same worker.
func (m *StateMachine) detectOverlap(ctx context.Context, s Store, entry *TimeEntry) (bool, error) {
	others, err := s.EntriesForWorkerInRange(ctx, entry.TenantID, entry.WorkerID, entry.ClockInAt, *entry.ClockOutAt)
	if err != nil {
		return false, err
	}
	for i := range others {
		if others[i].ID == entry.ID {
			continue
		}
		if entry.Overlaps(&others[i], *entry.ClockOutAt) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// REPLAY PLUMBING
// =============================================================================

type replayable interface{ markReplayed() }

func (r *ClockInResult) markReplayed()  { r.Replayed = true }
func (r *ClockOutResult) markReplayed() { r.Replayed = true }

func replayInto(rec *EventRecord, out replayable) error {
	if err := json.Unmarshal([]byte(rec.ResultJSON), out); err != nil {
		return fmt.Errorf("decode recorded result: %w", err)
	}
	out.markReplayed()
	return nil
}

func recordResult(ctx context.Context, s Store, key string, kind OpKind, tenant TenantID, entry EntryID, result any, at time.Time) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.RecordEvent(ctx, EventRecord{
		Key:        key,
		Kind:       kind,
		TenantID:   tenant,
		EntryID:    entry,
		ResultJSON: string(raw),
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// resolveRaced handles the losing side of two concurrent identical requests:
// the transaction aborted, but only because the winner recorded the key. The
// loser reads the winner's result and both callers observe the same outcome.
func (m *StateMachine) resolveRaced(ctx context.Context, key string, out replayable) (bool, error) {
	rec, err := m.Store.ResolveEvent(ctx, key)
	if err != nil || rec == nil {
		return false, err
	}
	if err := replayInto(rec, out); err != nil {
		return false, err
	}
	return true, nil
}

/*
handlers_test.go - HTTP-level tests for the API

Tests drive the full router through httptest: claims middleware, JSON
shapes, status codes, and the domain error mapping. Scenario coverage
(clock in, replay, out-of-fence clock out, approve, invoice, lock)
lives in TestAPI_FullLifecycle.
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sitewise/timeclock-engine/clock"
	"github.com/sitewise/timeclock-engine/clock/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewTxMemory()
	audit := store.NewMemoryAuditLog()
	h := NewHandler(mem, audit, clock.StaticConfig(clock.DefaultConfig()))
	return NewRouter(h)
}

// doJSON performs a request with tenant claims and decodes the response body.
func doJSON(t *testing.T, router http.Handler, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "acme")
	req.Header.Set("X-Actor-ID", "mgr-1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %s: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func createJobAndAssignment(t *testing.T, router http.Handler) {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/jobs", CreateJobRequest{
		ID:         "j-1",
		Name:       "Riverside build",
		CustomerID: "cust-1",
		AnchorLat:  40.0,
		AnchorLng:  -75.0,
		ToleranceM: 100,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/assignments", CreateAssignmentRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		EffectiveFrom: "2025-03-01T00:00:00Z",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create assignment: status %d: %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAPI_FullLifecycle(t *testing.T) {
	// GIVEN: A job with a 100m fence and an assigned worker
	router := newTestRouter(t)
	createJobAndAssignment(t, router)

	clockIn := ClockInRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		Lat:           40.0001,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-in-1",
		DeviceID:      "dev-1",
		At:            "2025-03-03T08:00:00Z",
	}

	// WHEN: Clocking in on site
	var inResp ClockInResponse
	rec := doJSON(t, router, http.MethodPost, "/api/clock/in", clockIn, &inResp)

	// THEN: 201 with a fresh entry
	if rec.Code != http.StatusCreated {
		t.Fatalf("clock in: status %d: %s", rec.Code, rec.Body.String())
	}
	if inResp.EntryID == "" || inResp.Replayed {
		t.Fatalf("unexpected clock-in response: %+v", inResp)
	}
	entryID := inResp.EntryID

	// WHEN: The same request is retried (network flake)
	var replay ClockInResponse
	rec = doJSON(t, router, http.MethodPost, "/api/clock/in", clockIn, &replay)

	// THEN: 200 with the same entry, marked replayed
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status %d: %s", rec.Code, rec.Body.String())
	}
	if replay.EntryID != entryID || !replay.Replayed {
		t.Fatalf("replay mismatch: %+v", replay)
	}

	// WHEN: Clocking out ~500m from the anchor two hours later
	var outResp ClockOutResponse
	rec = doJSON(t, router, http.MethodPost, "/api/clock/out", ClockOutRequest{
		WorkerID:      "w-1",
		EntryID:       entryID,
		Lat:           40.0045,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-out-1",
		DeviceID:      "dev-1",
		At:            "2025-03-03T10:00:00Z",
	}, &outResp)

	// THEN: The entry still closes, with a warning and a review tag
	if rec.Code != http.StatusOK {
		t.Fatalf("clock out: status %d: %s", rec.Code, rec.Body.String())
	}
	if outResp.Warning == "" {
		t.Fatal("expected an out-of-fence warning")
	}
	if !containsTag(outResp.Tags, string(clock.TagOutsideGeofence)) {
		t.Fatalf("expected %s tag, got %v", clock.TagOutsideGeofence, outResp.Tags)
	}

	var entry TimeEntryDTO
	rec = doJSON(t, router, http.MethodGet, "/api/entries/"+entryID, nil, &entry)
	if rec.Code != http.StatusOK {
		t.Fatalf("get entry: status %d", rec.Code)
	}
	if entry.DurationHours != "2.00" {
		t.Fatalf("expected 2.00 hours, got %q", entry.DurationHours)
	}

	// WHEN: The manager approves the entry
	var approve ApproveResponse
	rec = doJSON(t, router, http.MethodPost, "/api/entries/approve", ApproveRequest{
		EntryIDs: []string{entryID},
	}, &approve)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d: %s", rec.Code, rec.Body.String())
	}
	if approve.ApprovedCount != 1 || approve.FailedCount != 0 {
		t.Fatalf("approve result: %+v", approve)
	}

	// WHEN: The entry is invoiced at $50/hr
	var invoice map[string]any
	rec = doJSON(t, router, http.MethodPost, "/api/invoices", CreateInvoiceRequest{
		JobID:      "j-1",
		CustomerID: "cust-1",
		EntryIDs:   []string{entryID},
		HourlyRate: "50",
		DueDate:    "2025-04-01",
	}, &invoice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invoice: status %d: %s", rec.Code, rec.Body.String())
	}
	if invoice["total_amount"] != "100.00" {
		t.Fatalf("expected total_amount 100.00, got %v", invoice["total_amount"])
	}

	invoiceID, _ := invoice["invoice_id"].(string)
	var invDTO InvoiceDTO
	rec = doJSON(t, router, http.MethodGet, "/api/invoices/"+invoiceID, nil, &invDTO)
	if rec.Code != http.StatusOK {
		t.Fatalf("get invoice: status %d", rec.Code)
	}
	if invDTO.TotalHours != "2.00" || invDTO.DueDate != "2025-04-01" {
		t.Fatalf("invoice round-trip mismatch: %+v", invDTO)
	}

	// THEN: The invoiced entry is locked against edits
	newOut := "2025-03-03T11:00:00Z"
	rec = doJSON(t, router, http.MethodPatch, "/api/entries/"+entryID, EditEntryRequest{
		ClockOutAt: &newOut,
		Note:       "customer dispute",
	}, nil)
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 for locked entry, got %d: %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_MissingTenantRejected(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/entries?worker_id=w-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-Tenant-ID, got %d", rec.Code)
	}
}

func TestAPI_ClockInOutsideFence(t *testing.T) {
	// GIVEN: A worker far outside the fence
	router := newTestRouter(t)
	createJobAndAssignment(t, router)

	// WHEN: Clocking in ~500m away
	var errResp ErrorResponse
	rec := doJSON(t, router, http.MethodPost, "/api/clock/in", ClockInRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		Lat:           40.0045,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-far-1",
		DeviceID:      "dev-1",
	}, &errResp)

	// THEN: 422 with the measured and allowed distances
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if errResp.DistanceM == nil || errResp.AllowedM == nil {
		t.Fatalf("expected distance_m and allowed_m in payload: %s", rec.Body.String())
	}
	if *errResp.DistanceM < 400 || *errResp.AllowedM != 105 {
		t.Fatalf("unexpected distances: distance=%v allowed=%v", *errResp.DistanceM, *errResp.AllowedM)
	}
}

func TestAPI_DoubleClockInConflicts(t *testing.T) {
	router := newTestRouter(t)
	createJobAndAssignment(t, router)

	in := ClockInRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		Lat:           40.0001,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-1",
		DeviceID:      "dev-1",
	}
	rec := doJSON(t, router, http.MethodPost, "/api/clock/in", in, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first clock in: %d", rec.Code)
	}

	// Different event ID, same still-open worker.
	in.ClientEventID = "evt-2"
	rec = doJSON(t, router, http.MethodPost, "/api/clock/in", in, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double clock in, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_InvalidBodyRejected(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/clock/in", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAPI_GetEntryCrossTenantHidden(t *testing.T) {
	// GIVEN: An entry owned by tenant acme
	router := newTestRouter(t)
	createJobAndAssignment(t, router)

	var inResp ClockInResponse
	rec := doJSON(t, router, http.MethodPost, "/api/clock/in", ClockInRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		Lat:           40.0001,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-1",
		DeviceID:      "dev-1",
	}, &inResp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("clock in: %d", rec.Code)
	}

	// WHEN: Another tenant asks for it by ID
	req := httptest.NewRequest(http.MethodGet, "/api/entries/"+inResp.EntryID, nil)
	req.Header.Set("X-Tenant-ID", "rival")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)

	// THEN: 404, not 403 - existence is not leaked across tenants
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-tenant read, got %d", rec2.Code)
	}
}

func TestAPI_SweepDryRun(t *testing.T) {
	router := newTestRouter(t)
	createJobAndAssignment(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/clock/in", ClockInRequest{
		WorkerID:      "w-1",
		JobID:         "j-1",
		Lat:           40.0001,
		Lng:           -75.0,
		AccuracyM:     5,
		ClientEventID: "evt-1",
		DeviceID:      "dev-1",
		At:            "2025-03-01T08:00:00Z", // far enough in the past to be stale
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("clock in: %d", rec.Code)
	}

	var sweep SweepResponse
	rec = doJSON(t, router, http.MethodPost, "/api/sweep?dry_run=1", nil, &sweep)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: %d: %s", rec.Code, rec.Body.String())
	}
	if !sweep.DryRun || sweep.ProcessedCount != 1 {
		t.Fatalf("unexpected sweep result: %+v", sweep)
	}

	// The dry run must not have closed anything.
	var entries struct {
		Entries []TimeEntryDTO `json:"entries"`
	}
	path := fmt.Sprintf("/api/entries?worker_id=w-1&from=%s&to=%s",
		"2025-02-28T00:00:00Z", "2025-03-02T00:00:00Z")
	rec = doJSON(t, router, http.MethodGet, path, nil, &entries)
	if rec.Code != http.StatusOK {
		t.Fatalf("list entries: %d", rec.Code)
	}
	if len(entries.Entries) != 1 || entries.Entries[0].ClockOutAt != nil {
		t.Fatalf("dry run must leave the entry open: %+v", entries.Entries)
	}
}

func containsTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

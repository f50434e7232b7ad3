package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/timeclock-engine/billing"
	"github.com/sitewise/timeclock-engine/clock"
	"github.com/sitewise/timeclock-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestInvoiceEngine(t *testing.T) (*billing.InvoiceEngine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ie := &billing.InvoiceEngine{
		Store: store,
		Audit: store,
		Now:   func() time.Time { return approvedAt },
	}
	return ie, store
}

func approvedEntry(id clock.EntryID, hours int) clock.TimeEntry {
	e := closedEntry(id, tenantA, "w-1", hours)
	e.Approved = true
	e.ApprovedBy = "mgr-1"
	at := approvedAt
	e.ApprovedAt = &at
	return e
}

func rate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func invoiceInput(ids ...clock.EntryID) billing.InvoiceInput {
	return billing.InvoiceInput{
		TenantID:   tenantA,
		ActorID:    "mgr-1",
		JobID:      jobA,
		CustomerID: "cust-1",
		EntryIDs:   ids,
		HourlyRate: rate("50"),
		DueDate:    time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// INVOICE CREATION
// =============================================================================

func TestCreateInvoice_TotalsAndLock(t *testing.T) {
	// GIVEN: Two approved entries, 8h and 2h, at $50/hr
	// WHEN: Creating the invoice
	// THEN: 10 hours, $500.00, both entries stamped with the invoice ID

	ie, store := newTestInvoiceEngine(t)
	seedEntries(t, store, approvedEntry("e-1", 8), approvedEntry("e-2", 2))

	result, err := ie.CreateInvoice(context.Background(), invoiceInput("e-1", "e-2"))
	require.NoError(t, err)
	assert.Equal(t, "10.00", result.TotalHours.StringFixed(2))
	assert.Equal(t, "500.00", result.TotalAmount.StringFixed(2))
	assert.Equal(t, 2, result.EntryCount)

	inv, err := store.GetInvoice(context.Background(), tenantA, result.InvoiceID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, clock.InvoicePending, inv.Status)
	assert.Len(t, inv.EntryIDs, 2)

	for _, id := range []clock.EntryID{"e-1", "e-2"} {
		e, err := store.GetEntry(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, e.InvoiceID)
		assert.Equal(t, result.InvoiceID, *e.InvoiceID)
		require.NotNil(t, e.InvoicedAt)
	}
}

func TestCreateInvoice_RoundsOnceAtTheEnd(t *testing.T) {
	// GIVEN: Three entries of 1h40m (1.666...h each) at $37/hr
	// WHEN: Creating the invoice
	// THEN: Hours are summed at full precision first; 5h * 37 = 185.00,
	//       not 3 * round(1.67 * 37)

	ie, store := newTestInvoiceEngine(t)
	for i, id := range []clock.EntryID{"e-1", "e-2", "e-3"} {
		e := approvedEntry(id, 1)
		out := e.ClockInAt.Add(100 * time.Minute)
		e.ClockOutAt = &out
		e.WorkerID = clock.WorkerID("w-" + string(rune('1'+i)))
		seedEntries(t, store, e)
	}

	input := invoiceInput("e-1", "e-2", "e-3")
	input.HourlyRate = rate("37")
	result, err := ie.CreateInvoice(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "185.00", result.TotalAmount.StringFixed(2))
}

func TestCreateInvoice_FailsClosedOnBadEntry(t *testing.T) {
	// GIVEN: One approved entry and one that was never approved
	// WHEN: Invoicing both
	// THEN: Nothing is written - no invoice, no stamped entries

	ie, store := newTestInvoiceEngine(t)
	unapproved := closedEntry("e-bad", tenantA, "w-2", 4)
	seedEntries(t, store, approvedEntry("e-ok", 8), unapproved)

	_, err := ie.CreateInvoice(context.Background(), invoiceInput("e-ok", "e-bad"))
	require.ErrorIs(t, err, clock.ErrNotApproved)

	ok, err := store.GetEntry(context.Background(), "e-ok")
	require.NoError(t, err)
	assert.Nil(t, ok.InvoiceID, "valid entry must not be stamped when the batch fails")

	records, err := store.Query(context.Background(), clock.AuditFilter{
		Actions: []clock.AuditAction{clock.AuditInvoiceLocked},
	})
	require.NoError(t, err)
	assert.Empty(t, records, "failed invoice must not be audited")
}

func TestCreateInvoice_RejectsDoubleInvoicing(t *testing.T) {
	// GIVEN: An entry already locked into an invoice
	// WHEN: A second invoice names it
	// THEN: ErrAlreadyInvoiced; the second invoice does not exist

	ie, store := newTestInvoiceEngine(t)
	seedEntries(t, store, approvedEntry("e-1", 8))

	first, err := ie.CreateInvoice(context.Background(), invoiceInput("e-1"))
	require.NoError(t, err)

	_, err = ie.CreateInvoice(context.Background(), invoiceInput("e-1"))
	require.ErrorIs(t, err, clock.ErrAlreadyInvoiced)

	e, err := store.GetEntry(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, first.InvoiceID, *e.InvoiceID, "entry keeps its original invoice")
}

func TestCreateInvoice_CrossTenantFailsClosed(t *testing.T) {
	ie, store := newTestInvoiceEngine(t)
	foreign := closedEntry("e-foreign", tenantB, "w-9", 8)
	foreign.Approved = true
	seedEntries(t, store, approvedEntry("e-ok", 8), foreign)

	_, err := ie.CreateInvoice(context.Background(), invoiceInput("e-ok", "e-foreign"))
	require.ErrorIs(t, err, clock.ErrCrossTenantAccess)

	ok, err := store.GetEntry(context.Background(), "e-ok")
	require.NoError(t, err)
	assert.Nil(t, ok.InvoiceID)
}

func TestCreateInvoice_RejectsWrongJob(t *testing.T) {
	ie, store := newTestInvoiceEngine(t)
	other := approvedEntry("e-other", 8)
	other.JobID = "j-2"
	other.WorkerID = "w-2"
	seedEntries(t, store, approvedEntry("e-1", 8), other)

	_, err := ie.CreateInvoice(context.Background(), invoiceInput("e-1", "e-other"))
	require.Error(t, err)
}

func TestCreateInvoice_RejectsOpenEntry(t *testing.T) {
	ie, store := newTestInvoiceEngine(t)
	open := approvedEntry("e-open", 8)
	open.ClockOutAt = nil
	seedEntries(t, store, open)

	_, err := ie.CreateInvoice(context.Background(), invoiceInput("e-open"))
	require.ErrorIs(t, err, clock.ErrNotApproved)
}

func TestCreateInvoice_RejectsNonPositiveRate(t *testing.T) {
	ie, store := newTestInvoiceEngine(t)
	seedEntries(t, store, approvedEntry("e-1", 8))

	input := invoiceInput("e-1")
	input.HourlyRate = decimal.Zero
	_, err := ie.CreateInvoice(context.Background(), input)
	require.Error(t, err)
}

func TestCreateInvoice_DeduplicatesEntryIDs(t *testing.T) {
	// GIVEN: The same entry listed twice
	// WHEN: Creating the invoice
	// THEN: It is billed once

	ie, store := newTestInvoiceEngine(t)
	seedEntries(t, store, approvedEntry("e-1", 8))

	result, err := ie.CreateInvoice(context.Background(), invoiceInput("e-1", "e-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntryCount)
	assert.Equal(t, "400.00", result.TotalAmount.StringFixed(2))
}

func TestCreateInvoice_WritesAudit(t *testing.T) {
	ie, store := newTestInvoiceEngine(t)
	seedEntries(t, store, approvedEntry("e-1", 8))

	result, err := ie.CreateInvoice(context.Background(), invoiceInput("e-1"))
	require.NoError(t, err)

	target := string(result.InvoiceID)
	records, err := store.Query(context.Background(), clock.AuditFilter{TargetID: &target})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, clock.AuditInvoiceLocked, records[0].Action)
	assert.Equal(t, "mgr-1", records[0].ActorID)
}

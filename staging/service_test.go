package staging_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/staging"
	"github.com/verifiedmeasure/leadvault/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...staging.Option) (*staging.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts = append([]staging.Option{staging.WithClock(func() time.Time { return t0 })}, opts...)
	return staging.NewService(store.Staging(), opts...), store
}

type memArchive struct {
	objects map[string][]byte
	fail    bool
}

func (m *memArchive) Put(_ context.Context, key string, body []byte, _ string) error {
	if m.fail {
		return errors.New("bucket unavailable")
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

const mixedCSV = "Company,Email,Phone,Full Name\n" +
	"Acme Inc.,jane@acme.com,,Jane Doe\n" +
	",,,Nobody\n"

func ingest(t *testing.T, svc *staging.Service, body string) staging.Batch {
	t.Helper()
	res, err := svc.Ingest(context.Background(), "leads.csv", "manual", []byte(body), "admin-1")
	require.NoError(t, err)
	return res.Batch
}

func rowsByNumber(t *testing.T, svc *staging.Service, id staging.BatchID) map[int]staging.StagingRow {
	t.Helper()
	rows, err := svc.Rows(context.Background(), id)
	require.NoError(t, err)
	out := map[int]staging.StagingRow{}
	for _, r := range rows {
		out[r.RowNumber] = r
	}
	return out
}

// =============================================================================
// INGEST
// =============================================================================

func TestIngest_StagesEveryRecord(t *testing.T) {
	archive := &memArchive{}
	svc, _ := newTestService(t, staging.WithArchive(archive), staging.WithChunkSize(1))

	res, err := svc.Ingest(context.Background(), "uploads/march.csv", "sec-feed", []byte(mixedCSV), "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalRows)
	assert.Equal(t, 0, res.InsertErrors)
	assert.Equal(t, staging.StatusUploaded, res.Batch.Status)
	assert.Equal(t, "march.csv", res.Batch.Filename)
	assert.Equal(t, "admin-1", res.Batch.UploadedBy)
	assert.Equal(t, "uploads/"+string(res.Batch.ID)+"/march.csv", res.Batch.ArchiveKey)
	assert.Equal(t, []byte(mixedCSV), archive.objects[res.Batch.ArchiveKey])

	rows := rowsByNumber(t, svc, res.Batch.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, "jane@acme.com", rows[1].EmailNorm)
	assert.Equal(t, "acme inc", rows[1].CompanyNorm)
	assert.False(t, rows[1].IsValid, "rows are not valid until validated")
}

func TestIngest_ArchiveFailureIsNotFatal(t *testing.T) {
	svc, _ := newTestService(t, staging.WithArchive(&memArchive{fail: true}))

	res, err := svc.Ingest(context.Background(), "a.csv", "", []byte(mixedCSV), "admin-1")
	require.NoError(t, err)
	assert.Empty(t, res.Batch.ArchiveKey)
}

// hookArchive runs onPut while Ingest is between creating the batch and
// staging its rows.
type hookArchive struct {
	onPut func(ctx context.Context)
}

func (h *hookArchive) Put(ctx context.Context, _ string, _ []byte, _ string) error {
	h.onPut(ctx)
	return nil
}

func TestIngest_RejectDuringIngestIsTerminal(t *testing.T) {
	hook := &hookArchive{}
	svc, _ := newTestService(t, staging.WithArchive(hook), staging.WithChunkSize(1))

	// GIVEN an admin rejects the batch while its file is being archived
	var rejected staging.BatchID
	hook.onPut = func(ctx context.Context) {
		batches, err := svc.Batches(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		rejected = batches[0].ID
		_, err = svc.Reject(ctx, rejected, "wrong file")
		require.NoError(t, err)
	}

	// WHEN ingest carries on
	_, err := svc.Ingest(context.Background(), "a.csv", "", []byte(mixedCSV), "admin-1")

	// THEN it stops and the batch stays rejected
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
	b, err := svc.Batch(context.Background(), rejected)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusRejected, b.Status)
	assert.Equal(t, "wrong file", b.RejectionReason)
	assert.Empty(t, rowsByNumber(t, svc, rejected))
}

func TestIngest_ValidateDuringIngestKeepsStatus(t *testing.T) {
	hook := &hookArchive{}
	svc, _ := newTestService(t, staging.WithArchive(hook))

	var validated staging.BatchID
	hook.onPut = func(ctx context.Context) {
		batches, err := svc.Batches(ctx, 1)
		require.NoError(t, err)
		validated = batches[0].ID
		_, err = svc.Validate(ctx, validated)
		require.NoError(t, err)
	}

	_, err := svc.Ingest(context.Background(), "a.csv", "", []byte(mixedCSV), "admin-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)

	b, err := svc.Batch(context.Background(), validated)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusValidated, b.Status, "ingest never writes status back")
}

func TestIngest_RejectsEmptyInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "a.csv", "", []byte("  \n"), "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Ingest(ctx, "a.csv", "", []byte("company,email\n"), "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Ingest(ctx, "", "", []byte(mixedCSV), "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestInsertRow_OnlyWhileUploaded(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	b, err := svc.CreateBatch(ctx, staging.NewBatch{Filename: "manual.csv", TotalRows: 1})
	require.NoError(t, err)
	_, err = svc.InsertRow(ctx, b.ID, 1, staging.Row{CompanyName: "Acme", Email: "a@acme.com"})
	require.NoError(t, err)

	_, err = svc.Validate(ctx, b.ID)
	require.NoError(t, err)

	_, err = svc.InsertRow(ctx, b.ID, 2, staging.Row{CompanyName: "Late"})
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)

	_, err = svc.InsertRow(ctx, "missing", 1, staging.Row{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.InsertRow(ctx, b.ID, 0, staging.Row{CompanyName: "Zero"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestInsertRow_RejectedBatchTakesNoRows(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	b, err := svc.CreateBatch(ctx, staging.NewBatch{Filename: "manual.csv", TotalRows: 2})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, b.ID, "")
	require.NoError(t, err)

	_, err = svc.InsertRow(ctx, b.ID, 1, staging.Row{CompanyName: "Acme", Email: "a@acme.com"})
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
	assert.Empty(t, rowsByNumber(t, svc, b.ID))
}

// =============================================================================
// VALIDATE / EDIT / MERGE LIFECYCLE
// =============================================================================

func TestLifecycle_InvalidRowBlocksMergeUntilFixed(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := ingest(t, svc, mixedCSV)

	// GIVEN: one valid and one invalid row
	vr, err := svc.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, vr.TotalRows)
	assert.Equal(t, 1, vr.ValidRows)
	assert.Equal(t, 1, vr.InvalidRows)

	rows := rowsByNumber(t, svc, b.ID)
	assert.True(t, rows[1].IsValid)
	assert.Equal(t, []string{
		"required:company_name",
		"required:validated_corporate_email|phone_number",
		"required:identity",
	}, rows[2].ValidationErrors)

	// WHEN: merging with an invalid row
	_, err = svc.Merge(ctx, b.ID, "admin-2")

	// THEN: refused, nothing inserted, batch unchanged
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
	assert.Contains(t, err.Error(), "1 invalid rows")
	got, err := svc.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusValidated, got.Status)
	all, err := store.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	// WHEN: the row is fixed and the batch re-validated
	edited, err := svc.EditRow(ctx, b.ID, rows[2].ID, staging.Row{CompanyName: "Beta LLC", Phone: "555-0100"})
	require.NoError(t, err)
	assert.Equal(t, []string{staging.ErrorUnvalidated}, edited.ValidationErrors)

	vr, err = svc.Validate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, vr.ValidRows)
	assert.Equal(t, 0, vr.InvalidRows)

	// THEN: merge inserts both rows
	mr, err := svc.Merge(ctx, b.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, staging.StatusMerged, mr.Status)
	assert.Equal(t, 2, mr.InsertedRows)
	assert.Equal(t, 0, mr.SkippedRows)

	got, err = svc.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusMerged, got.Status)
	assert.Equal(t, "admin-2", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	require.NotNil(t, got.MergedAt)
	assert.Equal(t, 2, got.InsertedRows)

	all, err = store.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, l := range all {
		assert.Equal(t, leads.WorkflowNew, l.Workflow)
		assert.Equal(t, string(b.ID), l.SourceBatchID)
	}
}

func TestMerge_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := ingest(t, svc, "company,email\nAcme,a@acme.com\nBeta,b@beta.io\n")
	_, err := svc.Validate(ctx, b.ID)
	require.NoError(t, err)

	first, err := svc.Merge(ctx, b.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, first.InsertedRows)

	second, err := svc.Merge(ctx, b.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, staging.StatusMerged, second.Status)
	assert.Equal(t, 0, second.InsertedRows)
	assert.Equal(t, 2, second.SkippedRows)

	got, err := svc.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.InsertedRows, "inserted count is cumulative, not doubled")
	assert.Equal(t, 0, got.SkippedRows)

	all, err := store.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMerge_SkipsDuplicatesAcrossBatchesAndWithinBatch(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	first := ingest(t, svc, "company,email\nAcme Inc.,jane@acme.com\n")
	_, err := svc.Validate(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.Merge(ctx, first.ID, "admin")
	require.NoError(t, err)

	// Same email with different case, same company with different
	// punctuation, and a repeat inside the batch.
	second := ingest(t, svc, "company,email,phone\n"+
		"Other Co,JANE@ACME.COM,\n"+
		"ACME inc,,555-0100\n"+
		"Gamma,g@gamma.io,\n"+
		"Gamma Two,G@Gamma.io,\n")
	_, err = svc.Validate(ctx, second.ID)
	require.NoError(t, err)

	mr, err := svc.Merge(ctx, second.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 4, mr.ValidRows)
	assert.Equal(t, 1, mr.InsertedRows)
	assert.Equal(t, 3, mr.SkippedRows)

	got, err := svc.Batch(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.InsertedRows)
	assert.Equal(t, 3, got.SkippedRows)

	all, err := store.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMerge_ChunkedLargeBatch(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, staging.WithChunkSize(7))

	var b strings.Builder
	b.WriteString("company,email\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Company %d,user%d@example.com\n", i, i)
	}
	batch := ingest(t, svc, b.String())
	_, err := svc.Validate(ctx, batch.ID)
	require.NoError(t, err)

	mr, err := svc.Merge(ctx, batch.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 40, mr.InsertedRows)

	all, err := store.ListLeads(ctx, leads.Filter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, all, 40)
}

func TestMerge_RequiresValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := ingest(t, svc, mixedCSV)

	_, err := svc.Merge(ctx, b.ID, "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)

	_, err = svc.Merge(ctx, "nope", "admin")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEditRow_DemotesValidRowAndCounts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := ingest(t, svc, "company,email\nAcme,a@acme.com\n")
	_, err := svc.Validate(ctx, b.ID)
	require.NoError(t, err)

	rows := rowsByNumber(t, svc, b.ID)
	_, err = svc.EditRow(ctx, b.ID, rows[1].ID, staging.Row{CompanyName: "Acme", Email: "new@acme.com"})
	require.NoError(t, err)

	got, err := svc.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ValidRows)
	assert.Equal(t, 1, got.InvalidRows)

	// The edited row must be re-validated before merge.
	_, err = svc.Merge(ctx, b.ID, "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)

	_, err = svc.EditRow(ctx, b.ID, "no-such-row", staging.Row{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// =============================================================================
// REJECT & TRANSITIONS
// =============================================================================

func TestReject(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := ingest(t, svc, mixedCSV)

	got, err := svc.Reject(ctx, b.ID, "  duplicate upload ")
	require.NoError(t, err)
	assert.Equal(t, staging.StatusRejected, got.Status)
	assert.Equal(t, "duplicate upload", got.RejectionReason)
	require.NotNil(t, got.RejectedAt)

	// Rejected is terminal.
	_, err = svc.Validate(ctx, b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
	_, err = svc.Merge(ctx, b.ID, "admin")
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
	_, err = svc.Reject(ctx, b.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)

	rows := rowsByNumber(t, svc, b.ID)
	_, err = svc.EditRow(ctx, b.ID, rows[1].ID, staging.Row{CompanyName: "X"})
	assert.ErrorIs(t, err, apperr.ErrInvalidBatchState)
}

func TestMergedBatchCannotBeRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := ingest(t, svc, "company,email\nAcme,a@acme.com\n")
	_, err := svc.Validate(ctx, b.ID)
	require.NoError(t, err)
	_, err = svc.Merge(ctx, b.ID, "admin")
	require.NoError(t, err)

	_, err = svc.Reject(ctx, b.ID, "too late")
	require.Error(t, err)

	var ibs *staging.InvalidBatchStateError
	require.True(t, errors.As(err, &ibs))
	assert.Equal(t, staging.StatusMerged, ibs.From)
	assert.Equal(t, staging.StatusRejected, ibs.To)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to staging.Status
		ok       bool
	}{
		{staging.StatusUploaded, staging.StatusValidated, true},
		{staging.StatusUploaded, staging.StatusApproved, false},
		{staging.StatusUploaded, staging.StatusMerged, false},
		{staging.StatusValidated, staging.StatusValidated, true},
		{staging.StatusValidated, staging.StatusApproved, true},
		{staging.StatusApproved, staging.StatusMerged, true},
		{staging.StatusApproved, staging.StatusValidated, false},
		{staging.StatusMerged, staging.StatusRejected, false},
		{staging.StatusRejected, staging.StatusValidated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, staging.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, staging.StatusMerged.Terminal())
	assert.True(t, staging.StatusRejected.Terminal())
	assert.False(t, staging.StatusApproved.Terminal())
}

func TestBatches_NewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := t0
	svc, _ := newTestService(t, staging.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	a := ingest(t, svc, "company\nA\n")
	b := ingest(t, svc, "company\nB\n")

	got, err := svc.Batches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

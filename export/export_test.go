package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/staging"
)

var created = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func TestWriteCSV_Escaping(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, Table{
		Header: []string{"a", "b", "c"},
		Rows: [][]string{
			{"plain", "with,comma", `say "hi"`},
			{"multi\nline", "", "x"},
		},
	})
	require.NoError(t, err)

	// UseCRLF also applies inside quoted fields.
	want := "a,b,c\r\n" +
		"plain,\"with,comma\",\"say \"\"hi\"\"\"\r\n" +
		"\"multi\r\nline\",,x\r\n"
	assert.Equal(t, want, buf.String())
}

func TestLeadsTable_RoundTripsThroughIngestParser(t *testing.T) {
	// GIVEN: a lead with awkward characters
	l := leads.Lead{
		ID:          "r1",
		Company:     "Smith, Jones & \"Co\"",
		ContactName: "Ann Lee",
		Email:       "ann@smith.com",
		Phone:       "555-0100",
		FilingDate:  "2024-05-06",
		Workflow:    leads.WorkflowNew,
		CreatedAt:   created,
	}

	// WHEN: exported and re-read with the upload parser
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, LeadsTable([]leads.Lead{l})))
	recs, err := staging.NewParser().Parse(&buf)

	// THEN: the values survive
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, l.Company, recs[0][staging.FieldCompanyName])
	assert.Equal(t, l.Email, recs[0][staging.FieldEmail])
	assert.Equal(t, l.ContactName, recs[0][staging.FieldFullContactName])
	assert.Equal(t, "2024-05-06", recs[0][staging.FieldFilingDate])
}

func TestLedgerTable(t *testing.T) {
	table, err := LedgerTable([]entitlement.LedgerEntry{
		{ID: "e2", Delta: -2, Reason: entitlement.ReasonUnlock, Meta: map[string]any{"dataset": "leads"}, CreatedAt: created},
		{ID: "e1", Delta: 10, Reason: entitlement.ReasonAdminGrant, CreatedAt: created},
	})
	require.NoError(t, err)

	assert.Equal(t, LedgerColumns, table.Header)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"e2", "-2", "unlock", `{"dataset":"leads"}`, "2025-02-03T04:05:06Z"}, table.Rows[0])
	assert.Equal(t, "{}", table.Rows[1][3])

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, table))
	assert.True(t, strings.HasPrefix(buf.String(), "id,delta,reason,meta,created_at\r\n"))
	assert.Contains(t, buf.String(), `"{""dataset"":""leads""}"`)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	table := LeadsTable([]leads.Lead{{ID: "r1", Company: "Acme", IsPremium: true, CreatedAt: created}})
	require.NoError(t, Write(&buf, FormatXLSX, table))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Leads")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "r1", rows[1][0])
	assert.Equal(t, "Acme", rows[1][1])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	assert.Equal(t, ".xlsx", f.Extension())

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

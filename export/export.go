/*
Package export renders leads and ledger entries as downloadable files.

FORMATS:
  csv   RFC 4180: fields holding a comma, quote or newline are quoted with
        doubled inner quotes; records end with CRLF.
  xlsx  one worksheet, header in row 1.

Both formats share the Table model so column order is defined once.
*/
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "", "csv" and "xlsx" (case-insensitive). Empty means csv.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", apperr.InvalidInput("unsupported export format %q", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func (f Format) Extension() string {
	if f == FormatXLSX {
		return ".xlsx"
	}
	return ".csv"
}

// Table is a header plus string cells.
type Table struct {
	Sheet  string
	Header []string
	Rows   [][]string
}

// Write renders t in format f.
func Write(w io.Writer, f Format, t Table) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, t)
	default:
		return WriteCSV(w, t)
	}
}

func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

func WriteXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := t.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	}
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	rows := append([][]string{t.Header}, t.Rows...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// =============================================================================
// TABLES
// =============================================================================

var LeadColumns = []string{
	"id", "company", "contact_name", "contact_title", "email", "phone",
	"website", "industry", "state", "city", "stage", "regulation_type",
	"filing_date", "sec_filing_url", "workflow", "intelligence_score",
	"is_premium", "created_at",
}

func LeadsTable(ls []leads.Lead) Table {
	rows := make([][]string, len(ls))
	for i, l := range ls {
		rows[i] = []string{
			string(l.ID), l.Company, l.ContactName, l.ContactTitle, l.Email, l.Phone,
			l.Website, l.Industry, l.State, l.City, l.Stage, l.RegulationType,
			l.FilingDate, l.SECFilingURL, string(l.Workflow), strconv.Itoa(l.IntelligenceScore),
			strconv.FormatBool(l.IsPremium), formatTime(l.CreatedAt),
		}
	}
	return Table{Sheet: "Leads", Header: LeadColumns, Rows: rows}
}

var LedgerColumns = []string{"id", "delta", "reason", "meta", "created_at"}

// LedgerTable keeps the entries' order; meta is JSON-encoded.
func LedgerTable(entries []entitlement.LedgerEntry) (Table, error) {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		meta := "{}"
		if len(e.Meta) > 0 {
			b, err := json.Marshal(e.Meta)
			if err != nil {
				return Table{}, fmt.Errorf("encode meta of %s: %w", e.ID, err)
			}
			meta = string(b)
		}
		rows[i] = []string{
			e.ID, strconv.FormatInt(e.Delta, 10), string(e.Reason), meta, formatTime(e.CreatedAt),
		}
	}
	return Table{Sheet: "Credit History", Header: LedgerColumns, Rows: rows}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

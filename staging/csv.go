/*
csv.go - CSV ingestion with header aliases

PURPOSE:
  Turns an arbitrary CSV export into canonical Records. Column names
  written by humans ("E-mail", "Company Name", "Job Title") are mapped to
  schema fields through an alias table.

PARSING RULES:
  - UTF-8 BOM stripped; CRLF and bare CR become LF
  - quoted fields may hold commas, newlines and "" escaped quotes
  - headers are lowercased, non-alphanumeric runs become "_"
  - unknown headers are ignored; when two columns alias the same field the
    first one wins
  - short rows default missing trailing fields to empty
  - rows with no non-empty value are dropped
  - values are trimmed; empty values are absent from the Record
  - filing_date: YYYY-MM-DD kept verbatim, any other recognizable date
    reformatted, anything else dropped
*/
package staging

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/verifiedmeasure/leadvault/apperr"
)

// Record is one parsed row keyed by canonical field.
type Record map[Field]string

// DefaultAliases maps normalized header spellings to fields.
var DefaultAliases = buildAliases(map[Field][]string{
	FieldFullContactName: {"full_contact_name", "contact_name", "full_name", "name"},
	FieldTitleRole:       {"title_role", "title", "role", "contact_title", "job_title", "position"},
	FieldEmail:           {"validated_corporate_email", "corporate_email", "email", "work_email", "business_email", "e_mail"},
	FieldPhone:           {"phone_number", "phone", "mobile", "tel", "telephone"},
	FieldCompanyName:     {"company_name", "company", "organization", "organisation", "firm", "employer"},
	FieldWebsite:         {"website", "url", "web", "company_url", "company_website"},
	FieldState:           {"state", "st", "location_state", "province"},
	FieldRegulationType:  {"regulation_type", "regulation", "filing_type", "type"},
	FieldFilingDate:      {"filing_date", "date", "filing_date_time", "filing_date_yyyy_mm_dd"},
	FieldSECFilingURL:    {"sec_filing_url", "sec_url", "filing_url", "source_url"},
})

func buildAliases(in map[Field][]string) map[string]Field {
	out := make(map[string]Field)
	for f, names := range in {
		for _, n := range names {
			out[n] = f
		}
	}
	return out
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeHeader lowercases h and collapses punctuation to underscores:
// "Title / Role" -> "title_role".
func NormalizeHeader(h string) string {
	h = nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(h)), "_")
	return strings.Trim(h, "_")
}

type Parser struct {
	Aliases map[string]Field
}

func NewParser() *Parser {
	return &Parser{Aliases: DefaultAliases}
}

// Parse reads the whole input. An input without a header row is
// ErrInvalidInput; a header with no data rows yields no records.
func (p *Parser) Parse(r io.Reader) ([]Record, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.InvalidInput("csv is empty")
	}
	if err != nil {
		return nil, apperr.InvalidInput("csv header: %v", err)
	}

	columns := p.columns(header)

	var out []Record
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.InvalidInput("csv: %v", err)
		}

		rec := make(Record)
		for i, f := range columns {
			if f == "" || i >= len(cells) {
				continue
			}
			if v := strings.TrimSpace(cells[i]); v != "" {
				rec[f] = v
			}
		}
		if d, ok := rec[FieldFilingDate]; ok {
			if norm, ok := NormalizeFilingDate(d); ok {
				rec[FieldFilingDate] = norm
			} else {
				delete(rec, FieldFilingDate)
			}
		}
		if len(rec) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// columns maps each header position to a field, "" for ignored columns.
func (p *Parser) columns(header []string) []Field {
	cols := make([]Field, len(header))
	taken := make(map[Field]bool)
	for i, h := range header {
		f, ok := p.Aliases[NormalizeHeader(h)]
		if !ok || taken[f] {
			continue
		}
		taken[f] = true
		cols[i] = f
	}
	return cols
}

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// NormalizeFilingDate returns s as YYYY-MM-DD.
func NormalizeFilingDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if isoDate.MatchString(s) {
		return s, true
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.DateOnly), true
}

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/verifiedmeasure/leadvault/leads"
)

const leadColumns = `id, company, contact_name, contact_title, email, phone, website,
	industry, state, city, stage, regulation_type, filing_date, sec_filing_url,
	workflow, intelligence_score, is_premium, email_norm, company_norm,
	source_batch_id, meta, created_at, updated_at`

func (c *conn) ListLeads(ctx context.Context, f leads.Filter) ([]leads.Lead, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Industry != "" {
		where = append(where, "industry = ?")
		args = append(args, f.Industry)
	}
	if f.PremiumOnly {
		where = append(where, "is_premium = ?")
		args = append(args, true)
	}

	q := `SELECT ` + leadColumns + ` FROM leads`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.EffectiveLimit())

	return c.queryLeads(ctx, q, args...)
}

func (c *conn) GetLeads(ctx context.Context, ids []leads.RecordID) ([]leads.Lead, error) {
	if len(ids) == 0 {
		return []leads.Lead{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	found, err := c.queryLeads(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}

	byID := make(map[leads.RecordID]leads.Lead, len(found))
	for _, l := range found {
		byID[l.ID] = l
	}
	out := make([]leads.Lead, 0, len(found))
	for _, id := range ids {
		if l, ok := byID[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *conn) FindLead(ctx context.Context, emailNorm, companyNorm string) (leads.RecordID, bool, error) {
	for _, probe := range []struct{ col, val string }{
		{"email_norm", emailNorm},
		{"company_norm", companyNorm},
	} {
		if probe.val == "" {
			continue
		}
		var id string
		err := c.queryRow(ctx,
			`SELECT id FROM leads WHERE `+probe.col+` = ? ORDER BY created_at, id LIMIT 1`,
			probe.val,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to look up lead by %s: %w", probe.col, err)
		}
		return leads.RecordID(id), true, nil
	}
	return "", false, nil
}

func (c *conn) InsertLead(ctx context.Context, l leads.Lead) error {
	meta := []byte("{}")
	if len(l.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(l.Meta); err != nil {
			return fmt.Errorf("failed to encode lead meta: %w", err)
		}
	}
	workflow := l.Workflow
	if workflow == "" {
		workflow = leads.WorkflowNew
	}
	_, err := c.exec(ctx,
		`INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(l.ID), l.Company, l.ContactName, l.ContactTitle, l.Email, l.Phone, l.Website,
		l.Industry, l.State, l.City, l.Stage, l.RegulationType, l.FilingDate, l.SECFilingURL,
		string(workflow), l.IntelligenceScore, l.IsPremium, l.EmailNorm, l.CompanyNorm,
		l.SourceBatchID, string(meta), formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

func (c *conn) queryLeads(ctx context.Context, q string, args ...any) ([]leads.Lead, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	out := []leads.Lead{}
	for rows.Next() {
		var (
			l                    leads.Lead
			meta                 string
			createdAt, updatedAt string
		)
		err := rows.Scan(
			&l.ID, &l.Company, &l.ContactName, &l.ContactTitle, &l.Email, &l.Phone, &l.Website,
			&l.Industry, &l.State, &l.City, &l.Stage, &l.RegulationType, &l.FilingDate, &l.SECFilingURL,
			&l.Workflow, &l.IntelligenceScore, &l.IsPremium, &l.EmailNorm, &l.CompanyNorm,
			&l.SourceBatchID, &meta, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &l.Meta)
		}
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

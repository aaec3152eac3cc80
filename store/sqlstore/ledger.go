package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
)

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (c *conn) Balance(ctx context.Context, user entitlement.UserID) (int64, error) {
	var bal int64
	err := c.queryRow(ctx,
		`SELECT CAST(COALESCE(SUM(delta), 0) AS BIGINT) FROM credit_ledger WHERE user_id = ?`,
		string(user),
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return bal, nil
}

func (c *conn) Entries(ctx context.Context, user entitlement.UserID, limit int) ([]entitlement.LedgerEntry, error) {
	q := `SELECT id, user_id, delta, reason, meta, created_at
		FROM credit_ledger WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{string(user)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	out := []entitlement.LedgerEntry{}
	for rows.Next() {
		var (
			e         entitlement.LedgerEntry
			meta      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode entry meta %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) AppendEntry(ctx context.Context, e entitlement.LedgerEntry) error {
	meta := []byte("{}")
	if len(e.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(e.Meta); err != nil {
			return fmt.Errorf("failed to encode entry meta: %w", err)
		}
	}
	_, err := c.exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, delta, reason, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.UserID), e.Delta, string(e.Reason), string(meta), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// GRANTS & ROLLUPS
// =============================================================================

func (c *conn) Granted(ctx context.Context, user entitlement.UserID, ds leads.Dataset, ids []leads.RecordID) ([]leads.RecordID, error) {
	out := []leads.RecordID{}
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{string(user), string(ds)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	rows, err := c.query(ctx,
		`SELECT record_id FROM dataset_access
		WHERE user_id = ? AND dataset = ? AND record_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	held := make(map[leads.RecordID]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		held[leads.RecordID(id)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if held[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *conn) Grants(ctx context.Context, user entitlement.UserID, ds leads.Dataset) ([]entitlement.Grant, error) {
	rows, err := c.query(ctx,
		`SELECT user_id, dataset, record_id, granted_at FROM dataset_access
		WHERE user_id = ? AND dataset = ?
		ORDER BY granted_at DESC, record_id`,
		string(user), string(ds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	out := []entitlement.Grant{}
	for rows.Next() {
		var (
			g         entitlement.Grant
			grantedAt string
		)
		if err := rows.Scan(&g.UserID, &g.Dataset, &g.RecordID, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.GrantedAt = parseTime(grantedAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *conn) CreateGrant(ctx context.Context, g entitlement.Grant) (bool, error) {
	res, err := c.exec(ctx,
		`INSERT INTO dataset_access (user_id, dataset, record_id, granted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, dataset, record_id) DO NOTHING`,
		string(g.UserID), string(g.Dataset), string(g.RecordID), formatTime(g.GrantedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read grant result: %w", err)
	}
	return n == 1, nil
}

func (c *conn) Rollups(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]entitlement.ClaimsRollup, error) {
	out := make(map[leads.RecordID]entitlement.ClaimsRollup)
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{string(ds)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	rows, err := c.query(ctx,
		`SELECT record_id, claimants, is_premium FROM claims_rollup
		WHERE dataset = ? AND record_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := entitlement.ClaimsRollup{Dataset: ds}
		if err := rows.Scan(&r.RecordID, &r.Claimants, &r.IsPremium); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		out[r.RecordID] = r
	}
	return out, rows.Err()
}

// RefreshRollup recounts grants for one record. Called inside the
// transaction that created the grant, so the count includes it.
func (c *conn) RefreshRollup(ctx context.Context, ds leads.Dataset, id leads.RecordID) error {
	var claimants int
	err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM dataset_access WHERE dataset = ? AND record_id = ?`,
		string(ds), string(id),
	).Scan(&claimants)
	if err != nil {
		return fmt.Errorf("failed to count claimants: %w", err)
	}

	premium := false
	if ds == leads.DatasetLeads {
		err = c.queryRow(ctx, `SELECT is_premium FROM leads WHERE id = ?`, string(id)).Scan(&premium)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read premium flag: %w", err)
		}
	}

	_, err = c.exec(ctx,
		`INSERT INTO claims_rollup (dataset, record_id, claimants, is_premium, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dataset, record_id) DO UPDATE SET
			claimants = excluded.claimants,
			is_premium = excluded.is_premium,
			updated_at = excluded.updated_at`,
		string(ds), string(id), claimants, premium, formatTime(timeNow()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rollup: %w", err)
	}
	return nil
}

func (c *conn) PremiumFlags(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]bool, error) {
	out := make(map[leads.RecordID]bool)
	if ds != leads.DatasetLeads || len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	rows, err := c.query(ctx,
		`SELECT id, is_premium FROM leads WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query premium flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			premium bool
		)
		if err := rows.Scan(&id, &premium); err != nil {
			return nil, fmt.Errorf("failed to scan premium flag: %w", err)
		}
		out[leads.RecordID(id)] = premium
	}
	return out, rows.Err()
}

// =============================================================================
// BUSINESS PROFILES
// =============================================================================

func (c *conn) Profile(ctx context.Context, user entitlement.UserID) (*entitlement.BusinessProfile, error) {
	var (
		p         entitlement.BusinessProfile
		updatedAt string
	)
	err := c.queryRow(ctx,
		`SELECT user_id, business_rule, updated_at FROM business_profiles WHERE user_id = ?`,
		string(user),
	).Scan(&p.UserID, &p.Mode, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (c *conn) SaveProfile(ctx context.Context, p entitlement.BusinessProfile) error {
	_, err := c.exec(ctx,
		`INSERT INTO business_profiles (user_id, business_rule, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			business_rule = excluded.business_rule,
			updated_at = excluded.updated_at`,
		string(p.UserID), string(p.Mode), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

/*
types.go - Ledger, grant and profile types

PURPOSE:
  The value types the entitlement engine reads and writes. None of them
  carries a mutable balance: a user's balance is always the sum of their
  ledger entries.

INVARIANTS:
  - LedgerEntry is immutable once written.
  - Grant is unique per (user, dataset, record) and never deleted.
  - Every grant created by an unlock is paid for by exactly one credit of
    the unlock's single debit entry.

SEE ALSO:
  - rules.go: claim caps per business mode
  - unlock.go: the atomic grant-and-debit unit
*/
package entitlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

// UserID identifies a verified caller.
type UserID string

// Reason tags why a ledger entry exists.
type Reason string

const (
	ReasonUnlock       Reason = "unlock"
	ReasonAdminGrant   Reason = "admin_grant"
	ReasonDemoPurchase Reason = "demo_purchase"
)

// LedgerEntry is one signed credit movement.
type LedgerEntry struct {
	ID        string         `json:"id"`
	UserID    UserID         `json:"user_id"`
	Delta     int64          `json:"delta"`
	Reason    Reason         `json:"reason"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Grant is a permanent right to one record.
type Grant struct {
	UserID    UserID         `json:"user_id"`
	Dataset   leads.Dataset  `json:"dataset"`
	RecordID  leads.RecordID `json:"record_id"`
	GrantedAt time.Time      `json:"granted_at"`
}

// ClaimsRollup is the derived per-record claimant count.
type ClaimsRollup struct {
	Dataset   leads.Dataset  `json:"dataset"`
	RecordID  leads.RecordID `json:"record_id"`
	Claimants int            `json:"claimants"`
	IsPremium bool           `json:"is_premium"`
}

// =============================================================================
// BUSINESS MODE
// =============================================================================

// BusinessMode selects the claim caps applied to a record.
type BusinessMode string

const (
	// ModeHybrid: premium records are exclusive, others shared by up to 3.
	ModeHybrid BusinessMode = "hybrid"

	// ModeExclusiveOnly: every record has a single claimant.
	ModeExclusiveOnly BusinessMode = "exclusive_only"
)

// DefaultMode applies when a user has no business profile.
const DefaultMode = ModeHybrid

// ParseBusinessMode validates a mode at the boundary.
func ParseBusinessMode(s string) (BusinessMode, error) {
	switch m := BusinessMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeHybrid, ModeExclusiveOnly:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown business rule %q", apperr.ErrInvalidInput, s)
	}
}

type BusinessProfile struct {
	UserID    UserID       `json:"user_id"`
	Mode      BusinessMode `json:"business_rule"`
	UpdatedAt time.Time    `json:"updated_at"`
}

/*
rules.go - Business rule engine

PURPOSE:
  Pure mapping (mode, premium, claimants, alreadyEntitled) -> decision.
  Used twice: for display (catalog) and, authoritatively, inside the
  unlock transaction against freshly read claimant counts.

RULES (first match wins):
  1. already entitled                 -> downloaded
  2. exclusive_only                   -> locked if claimants >= 1, else "0/1"
  3. hybrid, premium                  -> locked if claimants >= 1, else "0/1"
  4. hybrid, standard                 -> locked if claimants >= 3, else "n/3"
*/
package entitlement

import "fmt"

// Status is the per-user state of one record.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusAvailable  Status = "available"
	StatusLocked     Status = "locked"
)

const (
	ExclusiveCap = 1
	SharedCap    = 3
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Status Status `json:"status"`
	Label  string `json:"label"`
}

// Grantable reports whether an unlock may create a new grant.
func (d Decision) Grantable() bool {
	return d.Status == StatusAvailable
}

// Cap returns the maximum number of claimants for a record.
func Cap(mode BusinessMode, isPremium bool) int {
	if mode == ModeExclusiveOnly || isPremium {
		return ExclusiveCap
	}
	return SharedCap
}

// Evaluate applies the claim caps. It has no side effects.
func Evaluate(mode BusinessMode, isPremium bool, claimants int, alreadyEntitled bool) Decision {
	if alreadyEntitled {
		return Decision{Status: StatusDownloaded, Label: "unlocked"}
	}

	limit := Cap(mode, isPremium)
	if claimants >= limit {
		return Decision{Status: StatusLocked, Label: lockedLabel(mode, isPremium)}
	}
	if limit == ExclusiveCap {
		return Decision{Status: StatusAvailable, Label: "0/1"}
	}
	return Decision{Status: StatusAvailable, Label: fmt.Sprintf("%d/%d", claimants, limit)}
}

func lockedLabel(mode BusinessMode, isPremium bool) string {
	switch {
	case mode == ModeExclusiveOnly:
		return "claimed"
	case isPremium:
		return "exclusive claimed"
	default:
		return fmt.Sprintf("%d/%d", SharedCap, SharedCap)
	}
}
